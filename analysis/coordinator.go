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

// Package analysis orchestrates per-wallet analyses: single-step PNL and
// behavior jobs and the composite dashboard flow (sync, then PNL, then
// behavior, then a non-blocking enrichment child). PNL and behavior run
// sequentially on the same wallet; both read-modify-write per-wallet
// analysis rows, so sequentiality is a contract, not an implementation
// detail.
package analysis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/solsight/solsight/common"
	"github.com/solsight/solsight/datasync/syncer"
	"github.com/solsight/solsight/lock"
	"github.com/solsight/solsight/log"
	"github.com/solsight/solsight/params"
	"github.com/solsight/solsight/provider"
	"github.com/solsight/solsight/queue"
	"github.com/solsight/solsight/storage"
)

var logger = log.NewModuleLogger(log.Analysis)

// Store is the repository surface the coordinator needs.
type Store interface {
	storage.WalletStore
	storage.TransactionStore
	storage.ResultStore
}

// Coordinator owns the analysis job handlers.
type Coordinator struct {
	store    Store
	syncer   *syncer.Engine
	locker   lock.Locker
	provider provider.Client
}

func NewCoordinator(store Store, engine *syncer.Engine, locker lock.Locker, client provider.Client) *Coordinator {
	return &Coordinator{store: store, syncer: engine, locker: locker, provider: client}
}

// Register binds the coordinator's job kinds to their queues.
func (c *Coordinator) Register(m *queue.Manager) {
	m.Register(params.KindSyncWallet, params.QueueWalletOps, c.handleSyncWallet)
	m.Register(params.KindFetchBalance, params.QueueWalletOps, c.handleFetchBalance)
	m.Register(params.KindAnalyzePnl, params.QueueAnalysisOps, c.handleAnalyzePnl)
	m.Register(params.KindAnalyzeBehavior, params.QueueAnalysisOps, c.handleAnalyzeBehavior)
	m.Register(params.KindDashboardAnalysis, params.QueueAnalysisOps, c.handleDashboard)
}

// ---- payloads ----

type SyncPayload struct {
	WalletAddress string         `json:"walletAddress"`
	Options       syncer.Options `json:"options"`
}

type BalancePayload struct {
	WalletAddress string `json:"walletAddress"`
}

type PnlPayload struct {
	WalletAddress string `json:"walletAddress"`
	ForceRefresh  bool   `json:"forceRefresh,omitempty"`
}

type BehaviorPayload struct {
	WalletAddress string          `json:"walletAddress"`
	Options       BehaviorOptions `json:"options,omitempty"`
}

type DashboardPayload struct {
	WalletAddress  string `json:"walletAddress"`
	ForceRefresh   bool   `json:"forceRefresh,omitempty"`
	EnrichMetadata bool   `json:"enrichMetadata,omitempty"`
}

// EnrichPayload is consumed by the enrichment worker.
type EnrichPayload struct {
	WalletAddress string   `json:"walletAddress"`
	Mints         []string `json:"mints"`
}

// DashboardResult is the dashboard flow's persisted result payload.
type DashboardResult struct {
	WalletAddress   string `json:"walletAddress"`
	SyncStatus      string `json:"syncStatus"`
	PnlComputed     bool   `json:"pnlComputed"`
	BehaviorStyle   string `json:"behaviorStyle"`
	EnrichmentJobID string `json:"enrichmentJobId,omitempty"`
	DurationMs      int64  `json:"durationMs"`
}

// ---- single-step handlers ----

func (c *Coordinator) handleSyncWallet(ctx *queue.JobContext) (interface{}, error) {
	var payload SyncPayload
	if err := ctx.Bind(&payload); err != nil {
		return nil, err
	}
	if err := common.ValidateAddress(payload.WalletAddress); err != nil {
		return nil, queue.Permanent(queue.ErrKindValidation, err)
	}
	return c.syncer.Sync(ctx, payload.WalletAddress, payload.Options)
}

func (c *Coordinator) handleFetchBalance(ctx *queue.JobContext) (interface{}, error) {
	var payload BalancePayload
	if err := ctx.Bind(&payload); err != nil {
		return nil, err
	}
	if err := common.ValidateAddress(payload.WalletAddress); err != nil {
		return nil, queue.Permanent(queue.ErrKindValidation, err)
	}
	balances, err := c.provider.GetBalances(ctx, payload.WalletAddress)
	if err != nil {
		if provider.IsTransient(err) {
			return nil, queue.Retriable(queue.ErrKindUpstreamTransient, err)
		}
		return nil, queue.Permanent(queue.ErrKindUpstreamPermanent, err)
	}
	return balances, nil
}

func (c *Coordinator) handleAnalyzePnl(ctx *queue.JobContext) (interface{}, error) {
	var payload PnlPayload
	if err := ctx.Bind(&payload); err != nil {
		return nil, err
	}
	if err := common.ValidateAddress(payload.WalletAddress); err != nil {
		return nil, queue.Permanent(queue.ErrKindValidation, err)
	}
	addr := payload.WalletAddress
	ctx.Progress(params.StepProgressStart)

	token := lock.NewToken()
	if err := c.acquire(lock.PnlKey(addr), token); err != nil {
		return nil, err
	}
	defer c.release(lock.PnlKey(addr), token)
	ctx.Progress(params.StepProgressLocked)

	wallet, err := c.store.GetWallet(addr)
	if err != nil {
		return nil, err
	}
	if !ShouldRunPnl(wallet, time.Now(), payload.ForceRefresh) {
		logger.Debug("pnl skipped, analysis is fresh", "wallet", addr)
		return map[string]bool{"skipped": true}, nil
	}
	ctx.Progress(params.StepProgressLoaded)
	summary, err := c.runPnl(ctx, addr)
	if err != nil {
		return nil, err
	}
	ctx.Progress(params.StepProgressComputed)
	if err := c.store.SetLastAnalyzed(addr, time.Now().Unix()); err != nil {
		return nil, err
	}
	return summary, nil
}

func (c *Coordinator) handleAnalyzeBehavior(ctx *queue.JobContext) (interface{}, error) {
	var payload BehaviorPayload
	if err := ctx.Bind(&payload); err != nil {
		return nil, err
	}
	if err := common.ValidateAddress(payload.WalletAddress); err != nil {
		return nil, queue.Permanent(queue.ErrKindValidation, err)
	}
	addr := payload.WalletAddress
	ctx.Progress(params.StepProgressStart)

	token := lock.NewToken()
	if err := c.acquire(lock.BehaviorKey(addr), token); err != nil {
		return nil, err
	}
	defer c.release(lock.BehaviorKey(addr), token)
	ctx.Progress(params.StepProgressLocked)

	ctx.Progress(params.StepProgressLoaded)
	summary, err := c.runBehavior(ctx, addr, payload.Options)
	if err != nil {
		return nil, err
	}
	ctx.Progress(params.StepProgressComputed)
	return summary, nil
}

// ---- dashboard flow ----

func (c *Coordinator) handleDashboard(ctx *queue.JobContext) (result interface{}, err error) {
	var payload DashboardPayload
	if err := ctx.Bind(&payload); err != nil {
		return nil, err
	}
	if verr := common.ValidateAddress(payload.WalletAddress); verr != nil {
		return nil, queue.Permanent(queue.ErrKindValidation, verr)
	}
	addr := payload.WalletAddress
	started := time.Now()
	ctx.Progress(params.ProgressSubmitted)

	token := lock.NewToken()
	if err := c.acquire(lock.DashboardKey(addr), token); err != nil {
		return nil, err
	}
	defer c.release(lock.DashboardKey(addr), token)

	// A failure after the enrichment child was submitted cancels it.
	enrichChildID := ""
	defer func() {
		if err != nil && enrichChildID != "" {
			if cerr := ctx.Manager().Cancel(enrichChildID, "parent failed"); cerr != nil {
				logger.Warn("cancelling enrichment child", "id", enrichChildID, "err", cerr)
			}
		}
	}()

	wallet, err := c.store.GetWallet(addr)
	if err != nil {
		return nil, err
	}
	planSync := ShouldSync(wallet, time.Now(), payload.ForceRefresh)
	ctx.Progress(params.ProgressClassified)

	// Sync and balance fetch run concurrently; the balance result is
	// consumed only if it lands before the enrichment step needs it.
	syncCh := make(chan syncOutcome, 1)
	if planSync {
		go func() {
			res, serr := c.syncer.Sync(ctx, addr, syncer.Options{
				SmartFetch:    true,
				MaxSignatures: params.DefaultMaxSignatures,
				ForceRefresh:  payload.ForceRefresh,
			})
			syncCh <- syncOutcome{res: res, err: serr}
		}()
	} else {
		syncCh <- syncOutcome{res: &syncer.Result{Status: syncer.StatusAlreadyCurrent}}
	}

	balCh := make(chan []provider.Balance, 1)
	go func() {
		balances, berr := c.provider.GetBalances(ctx, addr)
		if berr != nil {
			logger.Warn("balance fetch failed", "wallet", addr, "err", berr)
			balCh <- nil
			return
		}
		balCh <- balances
	}()
	ctx.Progress(params.ProgressSyncStarted)

	// Sync completion is required before any analysis read.
	var sync syncOutcome
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case sync = <-syncCh:
	}
	if sync.err != nil {
		return nil, sync.err
	}
	ctx.Progress(params.ProgressSyncDone)

	// PNL, then behavior, sequentially on the same wallet.
	wallet, err = c.store.GetWallet(addr)
	if err != nil {
		return nil, err
	}
	pnlRan := false
	if ShouldRunPnl(wallet, time.Now(), payload.ForceRefresh) {
		pnlToken := lock.NewToken()
		if err := c.acquire(lock.PnlKey(addr), pnlToken); err != nil {
			return nil, err
		}
		_, err = c.runPnl(ctx, addr)
		c.release(lock.PnlKey(addr), pnlToken)
		if err != nil {
			return nil, err
		}
		pnlRan = true
	}
	ctx.Progress(params.ProgressPnlDone)

	behaviorToken := lock.NewToken()
	if err := c.acquire(lock.BehaviorKey(addr), behaviorToken); err != nil {
		return nil, err
	}
	behavior, err := c.runBehavior(ctx, addr, BehaviorOptions{})
	c.release(lock.BehaviorKey(addr), behaviorToken)
	if err != nil {
		return nil, err
	}
	if err := c.store.SetLastAnalyzed(addr, time.Now().Unix()); err != nil {
		return nil, err
	}
	ctx.Progress(params.ProgressBehaviorDone)

	if payload.EnrichMetadata {
		ctx.Progress(params.ProgressEnrichment)
		mints := c.collectMints(ctx, addr, balCh)
		if len(mints) > 0 {
			child, _, serr := ctx.Manager().SubmitChild(ctx.Job.ID, params.KindEnrichTokens,
				addr, ctx.Job.ID, &EnrichPayload{WalletAddress: addr, Mints: mints})
			if serr != nil {
				// Enrichment failures never fail the dashboard flow.
				logger.Warn("submitting enrichment child", "wallet", addr, "err", serr)
			} else {
				enrichChildID = child.ID
			}
		}
	}

	dashboardDurationGauge.Update(time.Since(started).Milliseconds())
	return &DashboardResult{
		WalletAddress:   addr,
		SyncStatus:      sync.res.Status,
		PnlComputed:     pnlRan,
		BehaviorStyle:   behavior.TradingStyle,
		EnrichmentJobID: enrichChildID,
		DurationMs:      time.Since(started).Milliseconds(),
	}, nil
}

type syncOutcome struct {
	res *syncer.Result
	err error
}

// collectMints gathers the token set for enrichment: the tokens of the
// just-written PNL rows, plus the balance fetch result's mints when it
// arrives within the bounded wait.
func (c *Coordinator) collectMints(ctx context.Context, addr string, balCh <-chan []provider.Balance) []string {
	set := make(map[string]struct{})
	select {
	case balances := <-balCh:
		for _, b := range balances {
			if b.Mint != "" {
				set[b.Mint] = struct{}{}
			}
		}
	case <-time.After(params.BalanceWait):
	case <-ctx.Done():
	}
	if pnl, err := c.store.GetPnl(addr); err == nil && pnl != nil {
		var tokens []TokenPnl
		if err := json.Unmarshal(pnl.Tokens, &tokens); err == nil {
			for _, t := range tokens {
				set[t.Mint] = struct{}{}
			}
		}
	}
	mints := make([]string, 0, len(set))
	for mint := range set {
		mints = append(mints, mint)
	}
	return common.UniqueAddresses(mints)
}

// ---- shared steps ----

func (c *Coordinator) acquire(key, token string) error {
	ttl := params.DefaultDashboardTimeout + params.LockTTLMargin
	ok, err := c.locker.Acquire(key, token, ttl)
	if err != nil {
		return queue.Retriable(queue.ErrKindUpstreamTransient, err)
	}
	if !ok {
		return queue.Retriable(queue.ErrKindLockContention, errors.Wrap(lock.ErrContention, key))
	}
	return nil
}

func (c *Coordinator) release(key, token string) {
	if _, err := c.locker.Release(key, token); err != nil {
		logger.Warn("releasing lock", "key", key, "err", err)
	}
}

func (c *Coordinator) runPnl(ctx context.Context, addr string) (*PnlSummary, error) {
	txs, err := c.store.ListTransactions(addr, 0, 0)
	if err != nil {
		return nil, err
	}
	summary := ComputePnl(txs)
	tokens, err := json.Marshal(summary.Tokens)
	if err != nil {
		return nil, err
	}
	res := &storage.PnlResult{
		WalletAddress:   addr,
		ComputedAt:      time.Now().Unix(),
		TotalRealized:   summary.TotalRealized,
		TotalUnrealized: summary.TotalUnrealized,
		WinRate:         summary.WinRate,
		TokenCount:      len(summary.Tokens),
		Tokens:          tokens,
	}
	if err := c.store.WritePnl(res); err != nil {
		return nil, err
	}
	pnlRunCounter.Inc(1)
	return summary, nil
}

func (c *Coordinator) runBehavior(ctx context.Context, addr string, opts BehaviorOptions) (*BehaviorSummary, error) {
	var from, to int64
	if opts.TimeRange != nil {
		from, to = opts.TimeRange.From, opts.TimeRange.To
	}
	txs, err := c.store.ListTransactions(addr, from, to)
	if err != nil {
		return nil, err
	}
	summary := ComputeBehavior(txs, opts)
	hours, err := json.Marshal(summary.ActiveHours)
	if err != nil {
		return nil, err
	}
	res := &storage.BehaviorResult{
		WalletAddress:     addr,
		ComputedAt:        time.Now().Unix(),
		TradingStyle:      summary.TradingStyle,
		SessionCount:      summary.SessionCount,
		AvgSessionMinutes: summary.AvgSessionMinutes,
		FlipperScore:      summary.FlipperScore,
		ActiveHours:       hours,
		TokensTraded:      summary.TokensTraded,
	}
	if err := c.store.WriteBehavior(res); err != nil {
		return nil, err
	}
	behaviorRunCounter.Inc(1)
	return summary, nil
}
