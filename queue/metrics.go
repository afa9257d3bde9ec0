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

import "github.com/rcrowley/go-metrics"

var (
	claimedCounter     = metrics.NewRegisteredCounter("queue/jobs/claimed", nil)
	completedCounter   = metrics.NewRegisteredCounter("queue/jobs/completed", nil)
	failedCounter      = metrics.NewRegisteredCounter("queue/jobs/failed", nil)
	retriedCounter     = metrics.NewRegisteredCounter("queue/jobs/retried", nil)
	deadCounter        = metrics.NewRegisteredCounter("queue/jobs/dead", nil)
	cancelledCounter   = metrics.NewRegisteredCounter("queue/jobs/cancelled", nil)
	requeuedGauge      = metrics.NewRegisteredGauge("queue/jobs/requeued", nil)
	executionTimeGauge = metrics.NewRegisteredGauge("queue/jobs/executiontime", nil)
	panicRecoveryMeter = metrics.NewRegisteredMeter("queue/jobs/panics", nil)
)
