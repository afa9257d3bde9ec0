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
	"sort"

	"github.com/solsight/solsight/storage"
)

// TokenPnl is the per-token profit-and-loss breakdown.
type TokenPnl struct {
	Mint       string  `json:"mint"`
	Realized   float64 `json:"realized"`
	Unrealized float64 `json:"unrealized"`
	Position   float64 `json:"position"`
	CostBasis  float64 `json:"costBasis"`
	Trades     int     `json:"trades"`
}

// PnlSummary is the wallet-level result of ComputePnl.
type PnlSummary struct {
	TotalRealized   float64    `json:"totalRealized"`
	TotalUnrealized float64    `json:"totalUnrealized"`
	WinRate         float64    `json:"winRate"`
	Tokens          []TokenPnl `json:"tokens"`
}

type tokenState struct {
	position  float64
	costUSD   float64
	realized  float64
	lastPrice float64
	trades    int
	sells     int
}

// ComputePnl derives per-token realized/unrealized PNL with an
// average-cost basis. It is a pure function: given the same rows it
// returns the same summary. Rows must be ordered by (block_time,
// signature) ascending, the order ListTransactions provides.
func ComputePnl(txs []*storage.TransactionRecord) *PnlSummary {
	states := make(map[string]*tokenState)
	for _, tx := range txs {
		if tx.TokenMint == "" || tx.Amount <= 0 {
			continue
		}
		st, ok := states[tx.TokenMint]
		if !ok {
			st = &tokenState{}
			states[tx.TokenMint] = st
		}
		st.trades++
		st.lastPrice = tx.AmountUSD / tx.Amount
		switch tx.Direction {
		case "in":
			st.position += tx.Amount
			st.costUSD += tx.AmountUSD
		case "out":
			st.sells++
			if st.position <= 0 {
				// Selling an untracked position: all proceeds count as
				// realized gain against a zero basis.
				st.realized += tx.AmountUSD
				continue
			}
			sold := tx.Amount
			if sold > st.position {
				sold = st.position
			}
			avgCost := st.costUSD / st.position
			st.realized += tx.AmountUSD - avgCost*sold
			st.costUSD -= avgCost * sold
			st.position -= sold
		}
	}

	mints := make([]string, 0, len(states))
	for mint := range states {
		mints = append(mints, mint)
	}
	sort.Strings(mints)

	sum := &PnlSummary{Tokens: make([]TokenPnl, 0, len(mints))}
	won, closed := 0, 0
	for _, mint := range mints {
		st := states[mint]
		unrealized := 0.0
		if st.position > 0 {
			unrealized = st.position*st.lastPrice - st.costUSD
		}
		sum.Tokens = append(sum.Tokens, TokenPnl{
			Mint:       mint,
			Realized:   st.realized,
			Unrealized: unrealized,
			Position:   st.position,
			CostBasis:  st.costUSD,
			Trades:     st.trades,
		})
		sum.TotalRealized += st.realized
		sum.TotalUnrealized += unrealized
		if st.sells > 0 {
			closed++
			if st.realized > 0 {
				won++
			}
		}
	}
	if closed > 0 {
		sum.WinRate = float64(won) / float64(closed)
	}
	return sum
}
