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

// Package lock provides advisory per-key mutual exclusion with ownership
// tokens and TTLs. Holders must not outlive the TTL without Extend.
package lock

import (
	"time"

	uuid "github.com/hashicorp/go-uuid"
	"github.com/pkg/errors"
)

// ErrContention is returned by helpers when a required lock is held by
// another owner. It is a retriable condition.
var ErrContention = errors.New("lock contention")

// IsContention reports whether err is (or wraps) lock contention.
func IsContention(err error) bool {
	return errors.Cause(err) == ErrContention
}

// Locker is the distributed lock surface. All operations are atomic with
// respect to other processes sharing the backend.
type Locker interface {
	// Acquire creates the lock record iff absent. True means the caller
	// now owns key until ttl elapses or Release.
	Acquire(key, token string, ttl time.Duration) (bool, error)

	// Release deletes the record only when token still owns it, so an
	// expired holder cannot release a successor's lock.
	Release(key, token string) (bool, error)

	// Extend refreshes the expiry while token still owns key.
	Extend(key, token string, ttl time.Duration) (bool, error)

	// Held reports whether any owner currently holds key. Advisory
	// only; the answer can be stale by the time the caller acts on it.
	Held(key string) (bool, error)
}

// NewToken returns a fresh opaque ownership token.
func NewToken() string {
	id, err := uuid.GenerateUUID()
	if err != nil {
		// The uuid package only fails when the OS entropy source does.
		panic(err)
	}
	return id
}

// Lock keys used by the orchestration core.

func SyncKey(addr string) string      { return "wallet:" + addr + ":sync" }
func PnlKey(addr string) string       { return "wallet:" + addr + ":pnl" }
func BehaviorKey(addr string) string  { return "wallet:" + addr + ":behavior" }
func DashboardKey(addr string) string { return "wallet:" + addr + ":dashboard-analysis" }
