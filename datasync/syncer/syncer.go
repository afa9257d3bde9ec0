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

// Package syncer brings a wallet's local transaction store to a target
// depth using the upstream paged iterator. It owns the wallet's sync
// lock and is the only writer of the wallet sync watermarks.
package syncer

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/solsight/solsight/lock"
	"github.com/solsight/solsight/log"
	"github.com/solsight/solsight/params"
	"github.com/solsight/solsight/provider"
	"github.com/solsight/solsight/queue"
	"github.com/solsight/solsight/storage"
	"github.com/solsight/solsight/storage/kv"
)

var logger = log.NewModuleLogger(log.Sync)

// Options control one sync run.
type Options struct {
	BatchSize     int  `json:"batchSize,omitempty"`
	FetchAll      bool `json:"fetchAll,omitempty"`
	SkipAPI       bool `json:"skipApi,omitempty"`
	FetchOlder    bool `json:"fetchOlder,omitempty"`
	MaxSignatures int  `json:"maxSignatures,omitempty"`
	SmartFetch    bool `json:"smartFetch,omitempty"`
	ForceRefresh  bool `json:"forceRefresh,omitempty"`
}

// Result statuses.
const (
	StatusSynced         = "synced"
	StatusAlreadyCurrent = "already-current"
	StatusSkippedAPI     = "skipped-api"
)

// Result summarizes a sync run.
type Result struct {
	Status   string `json:"status"`
	Fetched  int    `json:"fetched"`
	NewestTs int64  `json:"newestTs,omitempty"`
	OldestTs int64  `json:"oldestTs,omitempty"`
}

// Store is the repository surface the engine needs.
type Store interface {
	storage.WalletStore
	storage.TransactionStore
}

// Engine is the sync engine. Safe for concurrent use across wallets;
// per-wallet mutual exclusion comes from the sync lock.
type Engine struct {
	store  Store
	seen   kv.KVStore
	client provider.Client
	locker lock.Locker
}

func New(store Store, seen kv.KVStore, client provider.Client, locker lock.Locker) *Engine {
	return &Engine{store: store, seen: seen, client: client, locker: locker}
}

// Sync runs one synchronization for the wallet under its sync lock. A
// held lock surfaces as a retriable lock-contention error.
func (e *Engine) Sync(ctx context.Context, addr string, opts Options) (*Result, error) {
	if opts.SkipAPI {
		return &Result{Status: StatusSkippedAPI}, nil
	}
	if opts.MaxSignatures <= 0 {
		opts.MaxSignatures = params.DefaultMaxSignatures
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = params.DefaultFetchPageSize
	}

	token := lock.NewToken()
	ttl := params.DefaultSyncTimeout + params.LockTTLMargin
	ok, err := e.locker.Acquire(lock.SyncKey(addr), token, ttl)
	if err != nil {
		return nil, queue.Retriable(queue.ErrKindUpstreamTransient, err)
	}
	if !ok {
		return nil, queue.Retriable(queue.ErrKindLockContention, errors.Wrap(lock.ErrContention, lock.SyncKey(addr)))
	}
	defer func() {
		if _, rerr := e.locker.Release(lock.SyncKey(addr), token); rerr != nil {
			logger.Warn("releasing sync lock", "wallet", addr, "err", rerr)
		}
	}()

	wallet, err := e.store.GetWallet(addr)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if !opts.ForceRefresh && wallet != nil && wallet.LastSuccessfulFetchAt > 0 &&
		now.Unix()-wallet.LastSuccessfulFetchAt < int64(params.SyncFreshness/time.Second) {
		logger.Debug("sync skipped, wallet is current", "wallet", addr)
		return &Result{Status: StatusAlreadyCurrent}, nil
	}

	started := time.Now()
	var res *Result
	if opts.SmartFetch {
		res, err = e.smartFetch(ctx, addr, wallet, opts, token)
	} else {
		res, err = e.standardFetch(ctx, addr, wallet, opts, token)
	}
	if err != nil {
		return nil, err
	}
	syncDurationGauge.Update(time.Since(started).Milliseconds())
	fetchedTxCounter.Inc(int64(res.Fetched))
	logger.Info("wallet sync is finished", "wallet", addr, "status", res.Status,
		"fetched", res.Fetched, "elapsed", time.Since(started))
	return res, nil
}

// standardFetch performs a single-window fetch: full history (bounded by
// the cap) for new wallets or explicit older fetches, incremental from
// the newest watermark otherwise.
func (e *Engine) standardFetch(ctx context.Context, addr string, wallet *storage.Wallet, opts Options, lockToken string) (*Result, error) {
	iterOpts := provider.IterOptions{
		PageSize:      opts.BatchSize,
		MaxSignatures: opts.MaxSignatures,
	}
	if opts.FetchAll {
		iterOpts.MaxSignatures = 0
	}
	switch {
	case wallet == nil:
		// First sync: no watermarks to bound by.
	case opts.FetchOlder:
		// Explicit older fetch: only the cap bounds the window.
	default:
		iterOpts.StopAtSignature = wallet.NewestProcessedSignature
		iterOpts.NewestTs = wallet.NewestProcessedTimestamp
	}

	batch, err := e.drain(ctx, addr, iterOpts, lockToken)
	if err != nil {
		return nil, err
	}
	if err := e.commit(addr, batch); err != nil {
		return nil, err
	}
	return &Result{Status: StatusSynced, Fetched: batch.inserted, NewestTs: batch.newestTs, OldestTs: batch.oldestTs}, nil
}

// smartFetch fills the local store to the signature cap in two phases:
// newer-than-watermark first, then older history for the remainder.
func (e *Engine) smartFetch(ctx context.Context, addr string, wallet *storage.Wallet, opts Options, lockToken string) (*Result, error) {
	target := int64(opts.MaxSignatures)
	c0, err := e.store.CountTransactions(addr)
	if err != nil {
		return nil, err
	}
	if c0 >= target {
		return &Result{Status: StatusAlreadyCurrent}, nil
	}

	// Phase A: everything newer than the watermark, up to the cap.
	iterOpts := provider.IterOptions{
		PageSize:      opts.BatchSize,
		MaxSignatures: opts.MaxSignatures,
	}
	if wallet != nil {
		iterOpts.StopAtSignature = wallet.NewestProcessedSignature
		iterOpts.NewestTs = wallet.NewestProcessedTimestamp
	}
	newer, err := e.drain(ctx, addr, iterOpts, lockToken)
	if err != nil {
		return nil, err
	}
	if err := e.commit(addr, newer); err != nil {
		return nil, err
	}

	c1, err := e.store.CountTransactions(addr)
	if err != nil {
		return nil, err
	}
	// Strictly above the fill ratio stops; a wallet exactly at the
	// threshold still backfills older history.
	if float64(c1) > params.SmartFetchFillRatio*float64(target) {
		smartFetchPhaseGauge.Update(1)
		return &Result{Status: StatusSynced, Fetched: newer.inserted, NewestTs: newer.newestTs, OldestTs: newer.oldestTs}, nil
	}

	need := int(target - c1)
	if need <= 0 {
		return &Result{Status: StatusSynced, Fetched: newer.inserted, NewestTs: newer.newestTs, OldestTs: newer.oldestTs}, nil
	}

	// Phase B: backfill strictly older than the oldest watermark.
	refreshed, err := e.store.GetWallet(addr)
	if err != nil {
		return nil, err
	}
	olderOpts := provider.IterOptions{
		PageSize:      opts.BatchSize,
		MaxSignatures: need,
	}
	if refreshed != nil {
		olderOpts.UntilOlderThanTs = refreshed.OldestProcessedTimestamp
	}
	older, err := e.drain(ctx, addr, olderOpts, lockToken)
	if err != nil {
		return nil, err
	}
	if err := e.commit(addr, older); err != nil {
		return nil, err
	}
	smartFetchPhaseGauge.Update(2)

	res := &Result{
		Status:   StatusSynced,
		Fetched:  newer.inserted + older.inserted,
		NewestTs: newer.newestTs,
		OldestTs: older.oldestTs,
	}
	if res.NewestTs == 0 {
		res.NewestTs = older.newestTs
	}
	if res.OldestTs == 0 {
		res.OldestTs = newer.oldestTs
	}
	return res, nil
}

// drained accumulates one fetch window's outcome.
type drained struct {
	inserted  int
	newestSig string
	newestTs  int64
	oldestTs  int64
}

// drain walks the iterator to exhaustion, persisting each page. The
// iterator yields newest-first, so the first emitted item carries the
// window's newest boundary and the last one its oldest.
func (e *Engine) drain(ctx context.Context, addr string, iterOpts provider.IterOptions, lockToken string) (*drained, error) {
	it := e.client.Transactions(addr, iterOpts)
	out := &drained{}
	ttl := params.DefaultSyncTimeout + params.LockTTLMargin
	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, queue.Retriable(queue.ErrKindTimeout, ctx.Err())
			}
			return nil, queue.Permanent(queue.ErrKindCancelled, ctx.Err())
		default:
		}

		batch, err := it.Next(ctx)
		if err != nil {
			if provider.IsTransient(err) {
				return nil, queue.Retriable(queue.ErrKindUpstreamTransient, err)
			}
			return nil, queue.Permanent(queue.ErrKindUpstreamPermanent, err)
		}
		if len(batch) == 0 {
			return out, nil
		}

		if out.newestSig == "" {
			out.newestSig = batch[0].Signature
			out.newestTs = batch[0].BlockTime
		}
		out.oldestTs = batch[len(batch)-1].BlockTime

		records := make([]*storage.TransactionRecord, 0, len(batch))
		for _, tx := range batch {
			if e.seen != nil {
				if ok, _ := e.seen.Has(kv.SeenKey(addr, tx.Signature)); ok {
					continue
				}
			}
			records = append(records, &storage.TransactionRecord{
				WalletAddress: addr,
				Signature:     tx.Signature,
				BlockTime:     tx.BlockTime,
				TokenMint:     tx.TokenMint,
				Direction:     tx.Direction,
				Amount:        tx.Amount,
				AmountUSD:     tx.AmountUSD,
				FeeLamports:   tx.FeeLamports,
			})
		}
		inserted, err := e.store.UpsertTransactions(records)
		if err != nil {
			return nil, err
		}
		out.inserted += inserted
		if e.seen != nil {
			for _, rec := range records {
				if err := e.seen.Put(kv.SeenKey(addr, rec.Signature), []byte{1}); err != nil {
					logger.Warn("recording seen signature", "wallet", addr, "err", err)
					break
				}
			}
		}

		// Long drains extend the sync lock so it outlives slow pages.
		if _, err := e.locker.Extend(lock.SyncKey(addr), lockToken, ttl); err != nil {
			logger.Warn("extending sync lock", "wallet", addr, "err", err)
		}
	}
}

// commit advances the wallet watermarks for a drained window. The
// monotonic merge in the store keeps newest/oldest consistent no matter
// which phase the window came from.
func (e *Engine) commit(addr string, d *drained) error {
	err := e.store.AdvanceSyncState(addr, d.newestSig, d.newestTs, d.oldestTs, time.Now().Unix())
	if err == storage.ErrInvariantViolation {
		return queue.Permanent(queue.ErrKindDataInvariant, err)
	}
	return err
}
