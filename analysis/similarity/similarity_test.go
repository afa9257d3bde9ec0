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

package similarity

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solsight/solsight/analysis"
	"github.com/solsight/solsight/datasync/syncer"
	"github.com/solsight/solsight/event"
	"github.com/solsight/solsight/lock"
	"github.com/solsight/solsight/params"
	"github.com/solsight/solsight/provider"
	"github.com/solsight/solsight/queue"
	"github.com/solsight/solsight/storage"
	"github.com/solsight/solsight/storage/kv"
	"github.com/solsight/solsight/storage/memdb"
)

var (
	walletA = "Wa11etAAAAWa11etAAAAWa11etAAAAWa"
	walletB = "Wa11etBBBBWa11etBBBBWa11etBBBBWa"
	walletC = "Wa11etCCCCWa11etCCCCWa11etCCCCWa"
)

// fakeProvider mirrors the coordinator test double: scripted histories,
// permanent failures for listed wallets.
type fakeProvider struct {
	mu        sync.Mutex
	histories map[string][]provider.Transaction
	failAddrs map[string]bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		histories: make(map[string][]provider.Transaction),
		failAddrs: make(map[string]bool),
	}
}

type scriptedIter struct {
	batch []provider.Transaction
	err   error
	done  bool
}

func (it *scriptedIter) Next(ctx context.Context) ([]provider.Transaction, error) {
	if it.err != nil {
		return nil, it.err
	}
	if it.done {
		return nil, nil
	}
	it.done = true
	return it.batch, nil
}

func (p *fakeProvider) Transactions(addr string, opts provider.IterOptions) provider.Iterator {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAddrs[addr] {
		return &scriptedIter{err: &provider.APIError{Status: 404, Body: "unknown wallet"}}
	}
	var out []provider.Transaction
	for _, tx := range p.histories[addr] {
		if opts.StopAtSignature != "" && tx.Signature == opts.StopAtSignature {
			break
		}
		if opts.NewestTs > 0 && tx.BlockTime < opts.NewestTs {
			break
		}
		if opts.UntilOlderThanTs > 0 && tx.BlockTime >= opts.UntilOlderThanTs {
			continue
		}
		out = append(out, tx)
		if opts.MaxSignatures > 0 && len(out) >= opts.MaxSignatures {
			break
		}
	}
	return &scriptedIter{batch: out}
}

func (p *fakeProvider) GetBalances(ctx context.Context, addr string) ([]provider.Balance, error) {
	return nil, nil
}

func (p *fakeProvider) GetTokenMetadata(ctx context.Context, mints []string) ([]provider.TokenMeta, error) {
	return nil, nil
}

func sharedHistory(addr string, newestTs int64, mint string, n int) []provider.Transaction {
	out := make([]provider.Transaction, 0, n)
	for i := 0; i < n; i++ {
		ts := newestTs - int64(i)
		out = append(out, provider.Transaction{
			Signature: fmt.Sprintf("%s-sig%06d", addr[:8], ts),
			BlockTime: ts,
			TokenMint: mint,
			Direction: "in",
			Amount:    1,
			AmountUSD: 10,
		})
	}
	return out
}

type harness struct {
	store   *memdb.Store
	manager *queue.Manager
	prov    *fakeProvider
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{store: memdb.New(), prov: newFakeProvider()}
	cfgs := queue.DefaultConfigs()
	for _, cfg := range cfgs {
		cfg.PollInterval = 10 * time.Millisecond
		cfg.BackoffBase = 20 * time.Millisecond
		cfg.Backoff = queue.BackoffFixed
	}
	locker := lock.NewMemoryLocker()
	feed := event.NewFeed()
	h.manager = queue.NewManager(h.store, feed, cfgs)
	engine := syncer.New(h.store, kv.NewMemDB(), h.prov, locker)
	analysis.NewCoordinator(h.store, engine, locker, h.prov).Register(h.manager)
	NewFlow(h.store).Register(h.manager)
	h.manager.Register(params.KindEnrichTokens, params.QueueEnrichmentOps,
		func(ctx *queue.JobContext) (interface{}, error) { return nil, nil })
	h.manager.Start()
	t.Cleanup(h.manager.Stop)
	return h
}

func (h *harness) await(t *testing.T, id string) *storage.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	j, err := h.manager.AwaitTerminal(ctx, id)
	require.NoError(t, err)
	return j
}

func TestValidateInput(t *testing.T) {
	err := ValidateInput(&FlowInput{WalletAddresses: []string{walletA}})
	assert.Error(t, err, "fewer than two wallets is invalid")

	// Duplicates collapse before the minimum check.
	err = ValidateInput(&FlowInput{WalletAddresses: []string{walletA, walletA}})
	assert.Error(t, err)

	err = ValidateInput(&FlowInput{WalletAddresses: []string{walletA, "notbase58!"}})
	assert.Error(t, err)

	in := &FlowInput{WalletAddresses: []string{walletA, walletB}}
	require.NoError(t, ValidateInput(in))
	assert.Equal(t, VectorCapital, in.VectorType, "vector type defaults to capital")
	assert.Equal(t, params.DefaultFailureThreshold, in.FailureThreshold)

	err = ValidateInput(&FlowInput{WalletAddresses: []string{walletA, walletB}, VectorType: "bogus"})
	assert.Error(t, err)
}

func TestFlow_BelowThreshold(t *testing.T) {
	h := newHarness(t)
	mint := "SharedMintAAAAAAAAAAAAAAAAAAAAAA"
	h.prov.histories[walletA] = sharedHistory(walletA, 1700000000, mint, 20)
	h.prov.histories[walletB] = sharedHistory(walletB, 1700000000, mint, 20)
	h.prov.failAddrs[walletC] = true

	job, _, err := h.manager.Submit(params.KindSimilarityFlow, walletA+","+walletB+","+walletC, "r4",
		&FlowInput{
			WalletAddresses:  []string{walletA, walletB, walletC},
			VectorType:       VectorCapital,
			FailureThreshold: 0.8,
		})
	require.NoError(t, err)

	done := h.await(t, job.ID)
	assert.Equal(t, storage.StateFailed, done.State)
	assert.Contains(t, done.Error, "insufficient-inputs")
	assert.Contains(t, done.Error, walletC, "the failed wallet is listed")

	// The flow tracked its children.
	children, err := h.store.ListChildren(job.ID)
	require.NoError(t, err)
	assert.Len(t, children, 3)
}

func TestFlow_CompletesAboveThreshold(t *testing.T) {
	h := newHarness(t)
	mint := "SharedMintAAAAAAAAAAAAAAAAAAAAAA"
	h.prov.histories[walletA] = sharedHistory(walletA, 1700000000, mint, 20)
	h.prov.histories[walletB] = sharedHistory(walletB, 1700000000, mint, 20)

	job, _, err := h.manager.Submit(params.KindSimilarityFlow, walletA+","+walletB, "r5",
		&FlowInput{
			WalletAddresses:  []string{walletA, walletB},
			VectorType:       VectorCapital,
			FailureThreshold: 0.8,
		})
	require.NoError(t, err)

	done := h.await(t, job.ID)
	require.Equal(t, storage.StateCompleted, done.State, "error: %s", done.Error)

	var result FlowResult
	require.NoError(t, json.Unmarshal(done.Result, &result))
	require.Len(t, result.Matrix, 2)
	assert.Equal(t, 1.0, result.Matrix[0][0])
	assert.Equal(t, result.Matrix[0][1], result.Matrix[1][0], "matrix is symmetric")
	// Identical capital profiles score 1.
	assert.InDelta(t, 1.0, result.Matrix[0][1], 1e-9)
	require.Len(t, result.Pairs, 1)
	assert.Contains(t, result.Pairs[0].SharedFeatures, mint)
}

func TestFlow_Deterministic(t *testing.T) {
	h := newHarness(t)
	mintX := "MintXXXXXXXXXXXXXXXXXXXXXXXXXXXX"
	mintY := "MintYYYYYYYYYYYYYYYYYYYYYYYYYYYY"
	h.prov.histories[walletA] = append(
		sharedHistory(walletA, 1700000000, mintX, 10),
		sharedHistory(walletA, 1699999000, mintY, 5)...)
	h.prov.histories[walletB] = sharedHistory(walletB, 1700000000, mintX, 8)

	run := func(requestID string) []byte {
		job, _, err := h.manager.Submit(params.KindSimilarityFlow, walletA+","+walletB, requestID,
			&FlowInput{WalletAddresses: []string{walletA, walletB}, VectorType: VectorCapital})
		require.NoError(t, err)
		done := h.await(t, job.ID)
		require.Equal(t, storage.StateCompleted, done.State, "error: %s", done.Error)
		return done.Result
	}

	first := run("r6")
	second := run("r7")
	assert.Equal(t, string(first), string(second), "identical inputs and state produce identical output")
}

func TestCosine(t *testing.T) {
	a := map[string]float64{"x": 1, "y": 2}
	b := map[string]float64{"x": 1, "y": 2}
	score, shared := cosine(a, b)
	assert.InDelta(t, 1.0, score, 1e-9)
	assert.Equal(t, []string{"y", "x"}, shared, "strongest shared dimension first")

	orthA := map[string]float64{"x": 1}
	orthB := map[string]float64{"y": 1}
	score, shared = cosine(orthA, orthB)
	assert.Zero(t, score)
	assert.Empty(t, shared)

	empty := map[string]float64{}
	score, _ = cosine(empty, b)
	assert.Zero(t, score)
}
