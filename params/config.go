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

package params

import "time"

// Queue names are stable constants; persisted job records reference them,
// so renaming requires a migration.
const (
	QueueWalletOps     = "wallet-operations"
	QueueAnalysisOps   = "analysis-operations"
	QueueEnrichmentOps = "enrichment-operations"
	QueueSimilarityOps = "similarity-operations"
)

// Job kinds accepted by the submission API.
const (
	KindSyncWallet        = "sync-wallet"
	KindFetchBalance      = "fetch-balance"
	KindAnalyzePnl        = "analyze-pnl"
	KindAnalyzeBehavior   = "analyze-behavior"
	KindDashboardAnalysis = "dashboard-wallet-analysis"
	KindSimilarityFlow    = "similarity-flow"
	KindEnrichTokens      = "enrich-token-balances"
)

// Staleness thresholds, integer seconds on the wire.
const (
	SyncFreshness = 300 * time.Second
	PnlFreshness  = 600 * time.Second
)

// Smart fetch parameters.
const (
	DefaultMaxSignatures = 200
	SmartFetchFillRatio  = 0.75
	DefaultFetchPageSize = 100
)

// Default per-kind job timeouts.
const (
	DefaultSyncTimeout       = 10 * time.Minute
	DefaultAnalysisTimeout   = 5 * time.Minute
	DefaultDashboardTimeout  = 15 * time.Minute
	DefaultSimilarityTimeout = 30 * time.Minute
	DefaultEnrichmentTimeout = 3 * time.Minute

	// LockTTLMargin is added on top of the job timeout when acquiring a
	// wallet lock, so the lock outlives the holder by a small margin.
	LockTTLMargin = 30 * time.Second

	// BalanceWait bounds how long the dashboard flow waits for the
	// balance fetch result at the enrichment step.
	BalanceWait = 2 * time.Second
)

// Default similarity flow parameters.
const (
	DefaultFailureThreshold = 0.8
	MinSimilarityWallets    = 2
)

// Progress anchors for the dashboard wallet analysis flow.
const (
	ProgressSubmitted    = 5
	ProgressClassified   = 10
	ProgressSyncStarted  = 15
	ProgressSyncDone     = 25
	ProgressPnlDone      = 40
	ProgressBehaviorDone = 80
	ProgressEnrichment   = 85
	ProgressDone         = 100
)

// Progress anchors for single-step analysis jobs.
const (
	StepProgressStart    = 5
	StepProgressLocked   = 20
	StepProgressLoaded   = 40
	StepProgressComputed = 90
)
