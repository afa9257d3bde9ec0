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

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/solsight/solsight/storage"
)

// JobContext is handed to handlers for one attempt. Its embedded Context
// carries the attempt deadline and is cancelled when the job is
// cancelled or the lease is lost.
type JobContext struct {
	context.Context

	Job *storage.Job

	manager *Manager
	queue   string
}

// Progress records and publishes attempt progress. Values are clamped
// monotonic non-decreasing within the attempt.
func (c *JobContext) Progress(value int) {
	if err := c.manager.store.SetProgress(c.Job.ID, value); err != nil {
		logger.Warn("recording job progress", "id", c.Job.ID, "err", err)
	}
	c.manager.bus.PublishProgress(c.Job.ID, c.queue, value)
}

// Bind unmarshals the job payload into v.
func (c *JobContext) Bind(v interface{}) error {
	if err := json.Unmarshal(c.Job.Payload, v); err != nil {
		return Permanent(ErrKindValidation, errors.Wrap(err, "unmarshaling job payload"))
	}
	return nil
}

// Checkpoint returns a cancellation/timeout error when the attempt
// should stop. Handlers call it between suspension points.
func (c *JobContext) Checkpoint() error {
	select {
	case <-c.Done():
		if c.Err() == context.DeadlineExceeded {
			return Retriable(ErrKindTimeout, c.Err())
		}
		return Permanent(ErrKindCancelled, c.Err())
	default:
		return nil
	}
}

// Manager exposes the runtime for handlers that submit or await child
// jobs.
func (c *JobContext) Manager() *Manager { return c.manager }
