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

package syncer

import "github.com/rcrowley/go-metrics"

var (
	fetchedTxCounter     = metrics.NewRegisteredCounter("sync/transactions/fetched", nil)
	syncDurationGauge    = metrics.NewRegisteredGauge("sync/duration", nil)
	smartFetchPhaseGauge = metrics.NewRegisteredGauge("sync/smartfetch/phases", nil)
)
