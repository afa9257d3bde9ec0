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

// Package event carries job progress and completion notifications.
// Delivery is at-least-once; subscribers must tolerate duplicates.
package event

import (
	"encoding/json"
	"time"
)

type Kind string

const (
	KindProgress  Kind = "progress"
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
)

// Event is a single progress-bus message tied to a job id.
type Event struct {
	JobID      string          `json:"jobId"`
	Queue      string          `json:"queue"`
	Kind       Kind            `json:"kind"`
	Value      int             `json:"value,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"durationMs,omitempty"`
	Timestamp  int64           `json:"timestamp"`
}

// Terminal reports whether the event ends its job attempt.
func (e Event) Terminal() bool {
	return e.Kind == KindCompleted || e.Kind == KindFailed
}

// Filter selects events by job id and/or queue; zero values match all.
type Filter struct {
	JobID string
	Queue string
}

func (f Filter) matches(e Event) bool {
	if f.JobID != "" && f.JobID != e.JobID {
		return false
	}
	if f.Queue != "" && f.Queue != e.Queue {
		return false
	}
	return true
}

// Subscription is a live event stream. Unsubscribe closes the channel.
type Subscription interface {
	Events() <-chan Event
	Unsubscribe()
}

// Bus is the publish side used by the queue runtime and the subscribe
// side used by observers. Publishing never blocks on slow subscribers.
type Bus interface {
	PublishProgress(jobID, queue string, value int)
	PublishCompleted(jobID, queue string, payload []byte, durationMs int64)
	PublishFailed(jobID, queue string, cause error)
	Subscribe(f Filter) Subscription
}

// Sink receives a copy of every published event; used to export events
// to external brokers (redis pub/sub, kafka).
type Sink interface {
	Deliver(e Event)
}

func now() int64 { return time.Now().Unix() }
