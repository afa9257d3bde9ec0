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

package event

import (
	"sync"
)

const subscriberBuffer = 128

// Feed is the in-process Bus implementation. Slow subscribers lose their
// oldest buffered events rather than back-pressuring job execution.
type Feed struct {
	mu    sync.Mutex
	subs  map[*feedSub]struct{}
	sinks []Sink
}

func NewFeed() *Feed {
	return &Feed{subs: make(map[*feedSub]struct{})}
}

type feedSub struct {
	feed   *Feed
	filter Filter
	ch     chan Event
	once   sync.Once
}

func (s *feedSub) Events() <-chan Event { return s.ch }

func (s *feedSub) Unsubscribe() {
	s.once.Do(func() {
		s.feed.mu.Lock()
		delete(s.feed.subs, s)
		s.feed.mu.Unlock()
		close(s.ch)
	})
}

// AttachSink registers an export sink. Sinks see every event including
// those filtered away from all subscribers.
func (f *Feed) AttachSink(s Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, s)
}

func (f *Feed) Subscribe(filter Filter) Subscription {
	sub := &feedSub{feed: f, filter: filter, ch: make(chan Event, subscriberBuffer)}
	f.mu.Lock()
	f.subs[sub] = struct{}{}
	f.mu.Unlock()
	return sub
}

func (f *Feed) publish(e Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subs {
		if !sub.filter.matches(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			// Drop the oldest buffered event to make room.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- e:
			default:
			}
		}
	}
	for _, sink := range f.sinks {
		sink.Deliver(e)
	}
}

// Inject delivers an externally-originated event to local subscribers
// without re-exporting it through the sinks.
func (f *Feed) Inject(e Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subs {
		if !sub.filter.matches(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
		}
	}
}

func (f *Feed) PublishProgress(jobID, queue string, value int) {
	f.publish(Event{JobID: jobID, Queue: queue, Kind: KindProgress, Value: value, Timestamp: now()})
}

func (f *Feed) PublishCompleted(jobID, queue string, payload []byte, durationMs int64) {
	f.publish(Event{
		JobID: jobID, Queue: queue, Kind: KindCompleted, Value: 100,
		Payload: payload, DurationMs: durationMs, Timestamp: now(),
	})
}

func (f *Feed) PublishFailed(jobID, queue string, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	f.publish(Event{JobID: jobID, Queue: queue, Kind: KindFailed, Error: msg, Timestamp: now()})
}
