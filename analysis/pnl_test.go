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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solsight/solsight/storage"
)

func tx(sig string, ts int64, mint, dir string, amount, usd float64) *storage.TransactionRecord {
	return &storage.TransactionRecord{
		WalletAddress: "Wa",
		Signature:     sig,
		BlockTime:     ts,
		TokenMint:     mint,
		Direction:     dir,
		Amount:        amount,
		AmountUSD:     usd,
	}
}

func TestComputePnl_RealizedGain(t *testing.T) {
	txs := []*storage.TransactionRecord{
		tx("s1", 100, "BONK", "in", 100, 100), // buy 100 @ $1
		tx("s2", 200, "BONK", "out", 50, 100), // sell 50 @ $2
	}
	sum := ComputePnl(txs)
	require.Len(t, sum.Tokens, 1)
	token := sum.Tokens[0]
	assert.Equal(t, "BONK", token.Mint)
	assert.InDelta(t, 50, token.Realized, 1e-9) // 100 proceeds - 50 basis
	assert.InDelta(t, 50, token.Position, 1e-9)
	// Remaining 50 units at the last seen price of $2 against $50 basis.
	assert.InDelta(t, 50, token.Unrealized, 1e-9)
	assert.InDelta(t, 50, sum.TotalRealized, 1e-9)
	assert.Equal(t, 1.0, sum.WinRate)
}

func TestComputePnl_RealizedLoss(t *testing.T) {
	txs := []*storage.TransactionRecord{
		tx("s1", 100, "WIF", "in", 10, 100), // buy 10 @ $10
		tx("s2", 200, "WIF", "out", 10, 50), // sell 10 @ $5
	}
	sum := ComputePnl(txs)
	require.Len(t, sum.Tokens, 1)
	assert.InDelta(t, -50, sum.Tokens[0].Realized, 1e-9)
	assert.InDelta(t, 0, sum.Tokens[0].Position, 1e-9)
	assert.Equal(t, 0.0, sum.WinRate)
}

func TestComputePnl_MultiTokenWinRate(t *testing.T) {
	txs := []*storage.TransactionRecord{
		tx("s1", 100, "AAA", "in", 10, 10),
		tx("s2", 200, "AAA", "out", 10, 30), // win
		tx("s3", 300, "BBB", "in", 10, 10),
		tx("s4", 400, "BBB", "out", 10, 5), // loss
		tx("s5", 500, "CCC", "in", 10, 10), // still holding, not closed
	}
	sum := ComputePnl(txs)
	assert.Len(t, sum.Tokens, 3)
	assert.Equal(t, 0.5, sum.WinRate, "win rate counts only tokens with sells")
	// Tokens come back sorted by mint for reproducible output.
	assert.Equal(t, []string{"AAA", "BBB", "CCC"},
		[]string{sum.Tokens[0].Mint, sum.Tokens[1].Mint, sum.Tokens[2].Mint})
}

func TestComputePnl_SellWithoutBasis(t *testing.T) {
	txs := []*storage.TransactionRecord{
		tx("s1", 100, "AAA", "out", 5, 25),
	}
	sum := ComputePnl(txs)
	require.Len(t, sum.Tokens, 1)
	assert.InDelta(t, 25, sum.Tokens[0].Realized, 1e-9)
}

func TestComputePnl_Deterministic(t *testing.T) {
	txs := []*storage.TransactionRecord{
		tx("s1", 100, "AAA", "in", 3, 9),
		tx("s2", 150, "BBB", "in", 7, 14),
		tx("s3", 200, "AAA", "out", 1, 5),
		tx("s4", 250, "BBB", "out", 2, 3),
	}
	first := ComputePnl(txs)
	second := ComputePnl(txs)
	assert.Equal(t, first, second)
}

func TestComputePnl_Empty(t *testing.T) {
	sum := ComputePnl(nil)
	assert.Zero(t, sum.TotalRealized)
	assert.Zero(t, sum.WinRate)
	assert.Empty(t, sum.Tokens)
}
