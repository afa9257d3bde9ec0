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

package storage

import "github.com/pkg/errors"

var (
	// ErrInvariantViolation signals the store observed inconsistent
	// state, e.g. a wallet whose oldest timestamp exceeds its newest.
	ErrInvariantViolation = errors.New("data invariant violation")

	// ErrNotOwner is returned when a job mutation carries a stale owner
	// token; the lease has moved to another worker.
	ErrNotOwner = errors.New("job not owned by caller")

	// ErrTerminal is returned when mutating a job already in a terminal
	// state.
	ErrTerminal = errors.New("job is terminal")
)

// WalletStore persists per-wallet sync and analysis watermarks.
// AdvanceSyncState and SetLastAnalyzed must only be called by a holder of
// the wallet's sync or analysis lock respectively.
type WalletStore interface {
	// GetWallet returns nil without error when the wallet is unknown.
	GetWallet(addr string) (*Wallet, error)

	// AdvanceSyncState merges a completed fetch into the wallet row,
	// creating it on first sync. newestSig/newestTs advance the newest
	// watermark (monotonic non-decreasing); oldestTs lowers the oldest
	// watermark. Zero values leave the respective watermark untouched.
	// fetchedAt sets LastSuccessfulFetchAt.
	AdvanceSyncState(addr, newestSig string, newestTs, oldestTs, fetchedAt int64) error

	// SetLastAnalyzed records the end of a successful analysis run.
	SetLastAnalyzed(addr string, ts int64) error
}

// TransactionStore persists normalized transaction rows.
type TransactionStore interface {
	// UpsertTransactions inserts the batch, silently skipping rows whose
	// (wallet, signature) already exists. Returns the number inserted.
	UpsertTransactions(txs []*TransactionRecord) (int, error)

	CountTransactions(addr string) (int64, error)

	// ListTransactions returns rows for the wallet ordered by
	// (block_time, signature) ascending, bounded to [from, to] when the
	// bounds are non-zero.
	ListTransactions(addr string, from, to int64) ([]*TransactionRecord, error)
}

// JobStore persists jobs and provides the atomic operations the queue
// runtime is built on. All mutations that require ownership take the
// claiming worker's token and fail with ErrNotOwner on mismatch.
type JobStore interface {
	// SubmitJob is idempotent on the deterministic job id: when a job
	// with job.ID exists and is not terminally failed beyond retry, it
	// is returned unchanged with created=false. An existing record in
	// dead or failed state is replaced by the submitted job so the
	// tuple can be resubmitted.
	SubmitJob(job *Job) (j *Job, created bool, err error)

	// GetJob returns nil without error when the id is unknown.
	GetJob(id string) (*Job, error)

	// ClaimNext promotes due delayed jobs, then atomically claims the
	// oldest queued job of the queue for ownerToken, moving it to active
	// with the given lease. Returns nil when nothing is claimable.
	ClaimNext(queue, ownerToken string, now, leaseUntil int64) (*Job, error)

	// Heartbeat extends the lease of an active job.
	Heartbeat(id, ownerToken string, leaseUntil int64) error

	// SetProgress records progress for the active attempt.
	SetProgress(id string, progress int) error

	// CompleteJob commits the terminal completed state with the result.
	CompleteJob(id, ownerToken string, result []byte, finishedAt int64) error

	// FailJob commits a terminal failed or dead state.
	FailJob(id, ownerToken, state, errMsg string, finishedAt int64) error

	// DelayJob schedules a retry: active -> delayed until runAt, with
	// attempts preserved and progress reset.
	DelayJob(id, ownerToken string, runAt int64, errMsg string) error

	// CancelJob transitions a non-terminal job to dead with the given
	// cause. Returns false when the job was already terminal.
	CancelJob(id, cause string, finishedAt int64) (bool, error)

	// ListChildren returns all jobs whose ParentID equals parentID.
	ListChildren(parentID string) ([]*Job, error)

	// RequeueExpired returns visibility-expired active jobs of the queue
	// to queued, leaving attempts unchanged (the next claim counts the
	// new attempt). Jobs that already spent their attempts go to dead
	// instead. Returns the number touched.
	RequeueExpired(queue string, now int64) (int, error)
}

// ResultStore persists analysis outputs.
type ResultStore interface {
	WritePnl(res *PnlResult) error
	GetPnl(addr string) (*PnlResult, error)
	WriteBehavior(res *BehaviorResult) error
	GetBehavior(addr string) (*BehaviorResult, error)
}

// MetadataStore persists token metadata written by enrichment jobs.
type MetadataStore interface {
	WriteTokenMetadata(metas []*TokenMetadata) error
	GetTokenMetadata(mint string) (*TokenMetadata, error)
}

// Store aggregates every repository the service needs. The mysqldb and
// memdb packages provide contract-identical implementations.
type Store interface {
	WalletStore
	TransactionStore
	JobStore
	ResultStore
	MetadataStore
	Close() error
}
