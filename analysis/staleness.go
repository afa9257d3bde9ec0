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

package analysis

import (
	"time"

	"github.com/solsight/solsight/params"
	"github.com/solsight/solsight/storage"
)

// Wallet staleness classification for controllers.
type Staleness string

const (
	StatusFresh   Staleness = "FRESH"
	StatusStale   Staleness = "STALE"
	StatusMissing Staleness = "MISSING"
)

// Classify buckets a wallet by the age of its last successful fetch.
func Classify(w *storage.Wallet, now time.Time) Staleness {
	if w == nil {
		return StatusMissing
	}
	if w.LastSuccessfulFetchAt == 0 ||
		now.Unix()-w.LastSuccessfulFetchAt >= int64(params.SyncFreshness/time.Second) {
		return StatusStale
	}
	return StatusFresh
}

// ShouldSync reports whether a sync is warranted.
func ShouldSync(w *storage.Wallet, now time.Time, force bool) bool {
	return force || Classify(w, now) != StatusFresh
}

// ShouldRunPnl reports whether the PNL analysis should run rather than
// skip on freshness.
func ShouldRunPnl(w *storage.Wallet, now time.Time, force bool) bool {
	if force || w == nil || w.LastAnalyzedEndTs == 0 {
		return true
	}
	return now.Unix()-w.LastAnalyzedEndTs >= int64(params.PnlFreshness/time.Second)
}
