// Copyright 2024 The solsight Authors
// This file is part of the solsight library.
//
// The solsight library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The solsight library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the solsight library. If not, see <http://www.gnu.org/licenses/>.

package queue

import "fmt"

// Error kinds. Workers raise these; the runtime decides retry vs dead.
const (
	ErrKindLockContention     = "lock-contention"
	ErrKindTimeout            = "timeout"
	ErrKindUpstreamTransient  = "upstream-transient"
	ErrKindUpstreamPermanent  = "upstream-permanent"
	ErrKindValidation         = "validation"
	ErrKindInsufficientInputs = "insufficient-inputs"
	ErrKindDataInvariant      = "data-invariant"
	ErrKindChildFailure       = "child-failure"
	ErrKindCancelled          = "cancelled"
)

// JobError is a typed worker failure.
type JobError struct {
	Kind      string
	Retriable bool
	Err       error
}

func (e *JobError) Error() string {
	if e.Err == nil {
		return e.Kind
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *JobError) Cause() error { return e.Err }

// Retriable wraps err as a transient failure the runtime may retry.
func Retriable(kind string, err error) error {
	return &JobError{Kind: kind, Retriable: true, Err: err}
}

// Permanent wraps err as a failure no retry can fix.
func Permanent(kind string, err error) error {
	return &JobError{Kind: kind, Retriable: false, Err: err}
}

// IsRetriable reports whether the runtime may retry after err. Untyped
// errors are treated as transient.
func IsRetriable(err error) bool {
	if je, ok := err.(*JobError); ok {
		return je.Retriable
	}
	return true
}

// ErrorKind extracts the behavioral kind, defaulting to transient.
func ErrorKind(err error) string {
	if je, ok := err.(*JobError); ok {
		return je.Kind
	}
	return ErrKindUpstreamTransient
}
