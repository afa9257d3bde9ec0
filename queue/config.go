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
	"time"

	"github.com/solsight/solsight/params"
)

type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

const maxBackoff = 5 * time.Minute

// Config describes one named queue's worker pool.
type Config struct {
	Name              string
	Concurrency       int
	MaxAttempts       int
	Backoff           BackoffKind
	BackoffBase       time.Duration
	VisibilityTimeout time.Duration
	JobTimeout        time.Duration
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

// backoffDelay returns the delay before the given retry. attempts is the
// number of attempts already spent.
func (c *Config) backoffDelay(attempts int) time.Duration {
	d := c.BackoffBase
	if c.Backoff == BackoffExponential {
		for i := 1; i < attempts; i++ {
			d *= 2
			if d >= maxBackoff {
				return maxBackoff
			}
		}
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.Concurrency <= 0 {
		out.Concurrency = 4
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if out.Backoff == "" {
		out.Backoff = BackoffExponential
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = 5 * time.Second
	}
	if out.JobTimeout <= 0 {
		out.JobTimeout = params.DefaultAnalysisTimeout
	}
	if out.VisibilityTimeout < out.JobTimeout {
		// The lease must outlive the in-worker deadline.
		out.VisibilityTimeout = out.JobTimeout + params.LockTTLMargin
	}
	if out.PollInterval <= 0 {
		out.PollInterval = 500 * time.Millisecond
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = out.VisibilityTimeout / 3
	}
	return &out
}

// DefaultConfigs returns the configuration for the four named queues.
func DefaultConfigs() []*Config {
	return []*Config{
		{
			Name:        params.QueueWalletOps,
			Concurrency: 8,
			MaxAttempts: 3,
			Backoff:     BackoffExponential,
			BackoffBase: 5 * time.Second,
			JobTimeout:  params.DefaultSyncTimeout,
		},
		{
			Name:        params.QueueAnalysisOps,
			Concurrency: 8,
			MaxAttempts: 3,
			Backoff:     BackoffExponential,
			BackoffBase: 5 * time.Second,
			JobTimeout:  params.DefaultDashboardTimeout,
		},
		{
			Name:        params.QueueEnrichmentOps,
			Concurrency: 4,
			MaxAttempts: 2,
			Backoff:     BackoffFixed,
			BackoffBase: 10 * time.Second,
			JobTimeout:  params.DefaultEnrichmentTimeout,
		},
		{
			Name:        params.QueueSimilarityOps,
			Concurrency: 2,
			MaxAttempts: 1,
			Backoff:     BackoffFixed,
			BackoffBase: 10 * time.Second,
			JobTimeout:  params.DefaultSimilarityTimeout,
		},
	}
}
