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

	"github.com/solsight/solsight/storage"
)

// Trading style labels produced by ComputeBehavior.
const (
	StyleFlipper    = "flipper"
	StyleDayTrader  = "day-trader"
	StyleSwing      = "swing-trader"
	StyleHolder     = "holder"
	StyleInactive   = "inactive"
)

// sessionGap separates two trading sessions.
const sessionGap = time.Hour

// flipWindow bounds a round trip counted toward the flipper score.
const flipWindow = time.Hour

// TimeRange bounds an analysis window; zero values are unbounded.
type TimeRange struct {
	From int64 `json:"from,omitempty"`
	To   int64 `json:"to,omitempty"`
}

// BehaviorOptions tune ComputeBehavior.
type BehaviorOptions struct {
	TimeRange    *TimeRange `json:"timeRange,omitempty"`
	ExcludeMints []string   `json:"excludeMints,omitempty"`
}

// BehaviorSummary is the wallet-level behavioral classification.
type BehaviorSummary struct {
	TradingStyle      string  `json:"tradingStyle"`
	SessionCount      int     `json:"sessionCount"`
	AvgSessionMinutes float64 `json:"avgSessionMinutes"`
	FlipperScore      float64 `json:"flipperScore"`
	ActiveHours       [24]int `json:"activeHours"`
	TokensTraded      int     `json:"tokensTraded"`
}

// ComputeBehavior derives session structure, holding patterns and a
// trading-style label. Pure and deterministic over its inputs. Rows must
// be ordered by (block_time, signature) ascending.
func ComputeBehavior(txs []*storage.TransactionRecord, opts BehaviorOptions) *BehaviorSummary {
	excluded := make(map[string]struct{}, len(opts.ExcludeMints))
	for _, mint := range opts.ExcludeMints {
		excluded[mint] = struct{}{}
	}

	filtered := txs[:0:0]
	for _, tx := range txs {
		if _, skip := excluded[tx.TokenMint]; skip {
			continue
		}
		if opts.TimeRange != nil {
			if opts.TimeRange.From > 0 && tx.BlockTime < opts.TimeRange.From {
				continue
			}
			if opts.TimeRange.To > 0 && tx.BlockTime > opts.TimeRange.To {
				continue
			}
		}
		filtered = append(filtered, tx)
	}

	out := &BehaviorSummary{}
	if len(filtered) == 0 {
		out.TradingStyle = StyleInactive
		return out
	}

	// Sessions: consecutive activity separated by less than sessionGap.
	var (
		sessionStart = filtered[0].BlockTime
		prev         = filtered[0].BlockTime
		totalMinutes float64
	)
	out.SessionCount = 1
	for _, tx := range filtered {
		if tx.BlockTime-prev > int64(sessionGap/time.Second) {
			totalMinutes += float64(prev-sessionStart) / 60
			out.SessionCount++
			sessionStart = tx.BlockTime
		}
		prev = tx.BlockTime
		out.ActiveHours[time.Unix(tx.BlockTime, 0).UTC().Hour()]++
	}
	totalMinutes += float64(prev-sessionStart) / 60
	out.AvgSessionMinutes = totalMinutes / float64(out.SessionCount)

	// Holding pattern: first-in to first-out per token.
	firstIn := make(map[string]int64)
	flips, roundTrips := 0, 0
	tokens := make(map[string]struct{})
	for _, tx := range filtered {
		if tx.TokenMint == "" {
			continue
		}
		tokens[tx.TokenMint] = struct{}{}
		switch tx.Direction {
		case "in":
			if _, ok := firstIn[tx.TokenMint]; !ok {
				firstIn[tx.TokenMint] = tx.BlockTime
			}
		case "out":
			if entry, ok := firstIn[tx.TokenMint]; ok {
				roundTrips++
				if tx.BlockTime-entry <= int64(flipWindow/time.Second) {
					flips++
				}
				delete(firstIn, tx.TokenMint)
			}
		}
	}
	out.TokensTraded = len(tokens)
	if roundTrips > 0 {
		out.FlipperScore = float64(flips) / float64(roundTrips)
	}

	out.TradingStyle = classifyStyle(out, filtered)
	return out
}

func classifyStyle(sum *BehaviorSummary, txs []*storage.TransactionRecord) string {
	spanDays := float64(txs[len(txs)-1].BlockTime-txs[0].BlockTime)/86400 + 1
	sessionsPerDay := float64(sum.SessionCount) / spanDays
	switch {
	case sum.FlipperScore > 0.5:
		return StyleFlipper
	case sessionsPerDay >= 1:
		return StyleDayTrader
	case sessionsPerDay >= 0.2:
		return StyleSwing
	default:
		return StyleHolder
	}
}
