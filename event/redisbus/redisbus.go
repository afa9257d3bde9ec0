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

// Package redisbus mirrors the in-process event feed over Redis pub/sub
// so subscribers in other processes observe job progress.
package redisbus

import (
	"encoding/json"

	"github.com/go-redis/redis/v7"

	"github.com/solsight/solsight/event"
	"github.com/solsight/solsight/log"
)

var logger = log.NewModuleLogger(log.Event)

const channelPrefix = "events:"

// Sink publishes every local event to the queue's Redis channel.
type Sink struct {
	client *redis.Client
}

func NewSink(client *redis.Client) *Sink {
	return &Sink{client: client}
}

func (s *Sink) Deliver(e event.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		logger.Error("marshaling event for redis", "jobId", e.JobID, "err", err)
		return
	}
	if err := s.client.Publish(channelPrefix+e.Queue, data).Err(); err != nil {
		logger.Warn("publishing event to redis", "jobId", e.JobID, "err", err)
	}
}

// Relay subscribes to the queues' Redis channels and injects received
// events into the local feed. Run it in processes that host observers
// but not the publishing workers.
type Relay struct {
	pubsub *redis.PubSub
	feed   *event.Feed
	stopCh chan struct{}
}

func NewRelay(client *redis.Client, feed *event.Feed, queues []string) *Relay {
	channels := make([]string, len(queues))
	for i, q := range queues {
		channels[i] = channelPrefix + q
	}
	return &Relay{
		pubsub: client.Subscribe(channels...),
		feed:   feed,
		stopCh: make(chan struct{}),
	}
}

func (r *Relay) Start() {
	go func() {
		ch := r.pubsub.Channel()
		for {
			select {
			case <-r.stopCh:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var e event.Event
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					logger.Warn("dropping malformed relayed event", "err", err)
					continue
				}
				r.feed.Inject(e)
			}
		}
	}()
	logger.Info("redis event relay is started")
}

func (r *Relay) Stop() {
	close(r.stopCh)
	_ = r.pubsub.Close()
}
