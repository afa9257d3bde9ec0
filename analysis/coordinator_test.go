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
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

const walletA = "Wa11etAAAAWa11etAAAAWa11etAAAAWa"

// fakeProvider scripts per-wallet histories and balances. Wallets listed
// in failAddrs answer with a permanent upstream error.
type fakeProvider struct {
	mu        sync.Mutex
	histories map[string][]provider.Transaction // newest-first
	balances  map[string][]provider.Balance
	failAddrs map[string]bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		histories: make(map[string][]provider.Transaction),
		balances:  make(map[string][]provider.Balance),
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
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[addr], nil
}

func (p *fakeProvider) GetTokenMetadata(ctx context.Context, mints []string) ([]provider.TokenMeta, error) {
	out := make([]provider.TokenMeta, 0, len(mints))
	for _, mint := range mints {
		out = append(out, provider.TokenMeta{Mint: mint, Symbol: "TKN", Decimals: 9})
	}
	return out, nil
}

func walletHistory(n int, newestTs int64, mint string) []provider.Transaction {
	out := make([]provider.Transaction, 0, n)
	for i := 0; i < n; i++ {
		ts := newestTs - int64(i)
		dir := "in"
		if i%2 == 0 {
			dir = "out"
		}
		out = append(out, provider.Transaction{
			Signature: fmt.Sprintf("sig%06d", ts),
			BlockTime: ts,
			TokenMint: mint,
			Direction: dir,
			Amount:    1,
			AmountUSD: float64(1 + i%3),
		})
	}
	return out
}

type harness struct {
	store   *memdb.Store
	locker  lock.Locker
	feed    *event.Feed
	manager *queue.Manager
	prov    *fakeProvider
}

func fastConfigs() []*queue.Config {
	cfgs := queue.DefaultConfigs()
	for _, cfg := range cfgs {
		cfg.PollInterval = 10 * time.Millisecond
		cfg.BackoffBase = 50 * time.Millisecond
		cfg.Backoff = queue.BackoffFixed
		cfg.MaxAttempts = 10
	}
	return cfgs
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:  memdb.New(),
		locker: lock.NewMemoryLocker(),
		feed:   event.NewFeed(),
		prov:   newFakeProvider(),
	}
	h.manager = queue.NewManager(h.store, h.feed, fastConfigs())
	engine := syncer.New(h.store, kv.NewMemDB(), h.prov, h.locker)
	NewCoordinator(h.store, engine, h.locker, h.prov).Register(h.manager)
	h.manager.Register(params.KindEnrichTokens, params.QueueEnrichmentOps,
		func(ctx *queue.JobContext) (interface{}, error) { return "enriched", nil })
	h.manager.Start()
	t.Cleanup(h.manager.Stop)
	return h
}

func (h *harness) await(t *testing.T, id string) *storage.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	j, err := h.manager.AwaitTerminal(ctx, id)
	require.NoError(t, err)
	return j
}

func TestDashboard_FreshWallet(t *testing.T) {
	h := newHarness(t)
	h.prov.histories[walletA] = walletHistory(100, 1700000000, "BONKMintAAAAAAAAAAAAAAAAAAAAAAAA")
	h.prov.balances[walletA] = []provider.Balance{
		{Mint: "So11111111111111111111111111111111111111112", Amount: 5},
	}

	job, created, err := h.manager.Submit(params.KindDashboardAnalysis, walletA, "r1",
		&DashboardPayload{WalletAddress: walletA, EnrichMetadata: true})
	require.NoError(t, err)
	require.True(t, created)

	done := h.await(t, job.ID)
	require.Equal(t, storage.StateCompleted, done.State, "error: %s", done.Error)
	assert.Equal(t, 100, done.Progress)

	var result DashboardResult
	require.NoError(t, json.Unmarshal(done.Result, &result))
	assert.Equal(t, syncer.StatusSynced, result.SyncStatus)
	assert.True(t, result.PnlComputed)
	assert.NotEmpty(t, result.BehaviorStyle)
	assert.NotEmpty(t, result.EnrichmentJobID, "enrichment child must be submitted")

	// Sync landed the history and advanced the watermarks.
	count, err := h.store.CountTransactions(walletA)
	require.NoError(t, err)
	assert.Equal(t, int64(100), count)
	w, err := h.store.GetWallet(walletA)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), w.NewestProcessedTimestamp)

	// Both analyses were written.
	pnl, err := h.store.GetPnl(walletA)
	require.NoError(t, err)
	require.NotNil(t, pnl)
	behavior, err := h.store.GetBehavior(walletA)
	require.NoError(t, err)
	require.NotNil(t, behavior)

	// The enrichment child is tracked under the parent.
	children, err := h.store.ListChildren(job.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, params.KindEnrichTokens, children[0].Kind)

	// No dashboard lock survives the flow.
	held, err := h.locker.Held(lock.DashboardKey(walletA))
	require.NoError(t, err)
	assert.False(t, held)
}

func TestDashboard_SkipsWhenFresh(t *testing.T) {
	h := newHarness(t)
	now := time.Now().Unix()

	// Pre-state: synced and analyzed a minute ago.
	require.NoError(t, h.store.AdvanceSyncState(walletA, "sig1", now-90, now-120, now-60))
	require.NoError(t, h.store.SetLastAnalyzed(walletA, now-60))
	_, err := h.store.UpsertTransactions([]*storage.TransactionRecord{
		{WalletAddress: walletA, Signature: "sig1", BlockTime: now - 90,
			TokenMint: "MintAAAAAAAAAAAAAAAAAAAAAAAAAAAA", Direction: "in", Amount: 1, AmountUSD: 1},
	})
	require.NoError(t, err)

	job, _, err := h.manager.Submit(params.KindDashboardAnalysis, walletA, "r2",
		&DashboardPayload{WalletAddress: walletA})
	require.NoError(t, err)

	done := h.await(t, job.ID)
	require.Equal(t, storage.StateCompleted, done.State, "error: %s", done.Error)

	var result DashboardResult
	require.NoError(t, json.Unmarshal(done.Result, &result))
	assert.Equal(t, syncer.StatusAlreadyCurrent, result.SyncStatus, "sync skipped on fresh wallet")
	assert.False(t, result.PnlComputed, "pnl skipped on fresh analysis")

	// Behavior always runs.
	behavior, err := h.store.GetBehavior(walletA)
	require.NoError(t, err)
	require.NotNil(t, behavior)
}

func TestDashboard_ConcurrentSubmissionsShareOneRecord(t *testing.T) {
	h := newHarness(t)
	h.prov.histories[walletA] = walletHistory(10, 1700000000, "MintAAAAAAAAAAAAAAAAAAAAAAAAAAAA")

	payload := &DashboardPayload{WalletAddress: walletA}
	sub := h.feed.Subscribe(event.Filter{})
	defer sub.Unsubscribe()

	type submitResult struct {
		id      string
		created bool
	}
	results := make(chan submitResult, 2)
	for i := 0; i < 2; i++ {
		go func() {
			j, created, err := h.manager.Submit(params.KindDashboardAnalysis, walletA, "r3", payload)
			require.NoError(t, err)
			results <- submitResult{id: j.ID, created: created}
		}()
	}
	first, second := <-results, <-results
	assert.Equal(t, first.id, second.id, "both submissions observe the same job record")
	assert.True(t, first.created != second.created, "exactly one submission creates the record")

	done := h.await(t, first.id)
	require.Equal(t, storage.StateCompleted, done.State, "error: %s", done.Error)
	assert.Equal(t, 1, done.Attempts, "exactly one attempt runs to terminal state")

	// Exactly one terminal event for the job.
	deadline := time.After(2 * time.Second)
	terminals := 0
drain:
	for {
		select {
		case e := <-sub.Events():
			if e.JobID == first.id && e.Terminal() {
				terminals++
			}
		case <-deadline:
			break drain
		}
	}
	assert.Equal(t, 1, terminals)
}

func TestDashboard_InvalidAddress(t *testing.T) {
	h := newHarness(t)
	job, _, err := h.manager.Submit(params.KindDashboardAnalysis, "bad", "r4",
		&DashboardPayload{WalletAddress: "bad"})
	require.NoError(t, err)
	done := h.await(t, job.ID)
	assert.Equal(t, storage.StateFailed, done.State)
	assert.Contains(t, done.Error, "validation")
}

func TestDashboard_LockContentionRetries(t *testing.T) {
	h := newHarness(t)
	h.prov.histories[walletA] = walletHistory(5, 1700000000, "MintAAAAAAAAAAAAAAAAAAAAAAAAAAAA")

	// Another holder briefly owns the dashboard lock; the first attempt
	// fails with contention and a retry completes after release.
	ok, err := h.locker.Acquire(lock.DashboardKey(walletA), "other", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	job, _, err := h.manager.Submit(params.KindDashboardAnalysis, walletA, "r5",
		&DashboardPayload{WalletAddress: walletA})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	_, err = h.locker.Release(lock.DashboardKey(walletA), "other")
	require.NoError(t, err)

	done := h.await(t, job.ID)
	require.Equal(t, storage.StateCompleted, done.State, "error: %s", done.Error)
	assert.True(t, done.Attempts >= 2, "lock contention costs at least one attempt")
}

func TestSingleStepPnl(t *testing.T) {
	h := newHarness(t)
	now := time.Now().Unix()
	_, err := h.store.UpsertTransactions([]*storage.TransactionRecord{
		{WalletAddress: walletA, Signature: "s1", BlockTime: now - 100,
			TokenMint: "MintAAAAAAAAAAAAAAAAAAAAAAAAAAAA", Direction: "in", Amount: 10, AmountUSD: 10},
		{WalletAddress: walletA, Signature: "s2", BlockTime: now - 50,
			TokenMint: "MintAAAAAAAAAAAAAAAAAAAAAAAAAAAA", Direction: "out", Amount: 10, AmountUSD: 20},
	})
	require.NoError(t, err)

	job, _, err := h.manager.Submit(params.KindAnalyzePnl, walletA, "r6",
		&PnlPayload{WalletAddress: walletA})
	require.NoError(t, err)
	done := h.await(t, job.ID)
	require.Equal(t, storage.StateCompleted, done.State, "error: %s", done.Error)

	pnl, err := h.store.GetPnl(walletA)
	require.NoError(t, err)
	require.NotNil(t, pnl)
	assert.InDelta(t, 10, pnl.TotalRealized, 1e-9)

	// A second run within the freshness window skips the recompute.
	job2, _, err := h.manager.Submit(params.KindAnalyzePnl, walletA, "r7",
		&PnlPayload{WalletAddress: walletA})
	require.NoError(t, err)
	done2 := h.await(t, job2.ID)
	require.Equal(t, storage.StateCompleted, done2.State)
	assert.JSONEq(t, `{"skipped":true}`, string(done2.Result))
}
