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

// Package memdb provides an in-memory Store implementation. It backs
// single-node development runs and the test suites; its behavior is
// contract-identical to the mysqldb implementation.
package memdb

import (
	"sort"
	"sync"

	"github.com/solsight/solsight/storage"
)

type Store struct {
	mu sync.Mutex

	wallets  map[string]*storage.Wallet
	txs      map[string]*storage.TransactionRecord // wallet|signature
	jobs     map[string]*storage.Job
	pnl      map[string]*storage.PnlResult
	behavior map[string]*storage.BehaviorResult
	tokens   map[string]*storage.TokenMetadata
}

func New() *Store {
	return &Store{
		wallets:  make(map[string]*storage.Wallet),
		txs:      make(map[string]*storage.TransactionRecord),
		jobs:     make(map[string]*storage.Job),
		pnl:      make(map[string]*storage.PnlResult),
		behavior: make(map[string]*storage.BehaviorResult),
		tokens:   make(map[string]*storage.TokenMetadata),
	}
}

func (s *Store) Close() error { return nil }

// ---- WalletStore ----

func (s *Store) GetWallet(addr string) (*storage.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[addr]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (s *Store) AdvanceSyncState(addr, newestSig string, newestTs, oldestTs, fetchedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[addr]
	if !ok {
		w = &storage.Wallet{Address: addr}
		s.wallets[addr] = w
	}
	if newestTs > 0 && newestTs >= w.NewestProcessedTimestamp {
		w.NewestProcessedTimestamp = newestTs
		if newestSig != "" {
			w.NewestProcessedSignature = newestSig
		}
	}
	if oldestTs > 0 && (w.OldestProcessedTimestamp == 0 || oldestTs < w.OldestProcessedTimestamp) {
		w.OldestProcessedTimestamp = oldestTs
	}
	if w.OldestProcessedTimestamp > 0 && w.NewestProcessedTimestamp > 0 &&
		w.OldestProcessedTimestamp > w.NewestProcessedTimestamp {
		return storage.ErrInvariantViolation
	}
	if fetchedAt > w.LastSuccessfulFetchAt {
		w.LastSuccessfulFetchAt = fetchedAt
	}
	return nil
}

func (s *Store) SetLastAnalyzed(addr string, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[addr]
	if !ok {
		w = &storage.Wallet{Address: addr}
		s.wallets[addr] = w
	}
	if ts > w.LastAnalyzedEndTs {
		w.LastAnalyzedEndTs = ts
	}
	return nil
}

// ---- TransactionStore ----

func txKey(addr, sig string) string { return addr + "|" + sig }

func (s *Store) UpsertTransactions(txs []*storage.TransactionRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, tx := range txs {
		key := txKey(tx.WalletAddress, tx.Signature)
		if _, ok := s.txs[key]; ok {
			continue
		}
		cp := *tx
		s.txs[key] = &cp
		inserted++
	}
	return inserted, nil
}

func (s *Store) CountTransactions(addr string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, tx := range s.txs {
		if tx.WalletAddress == addr {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListTransactions(addr string, from, to int64) ([]*storage.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*storage.TransactionRecord
	for _, tx := range s.txs {
		if tx.WalletAddress != addr {
			continue
		}
		if from > 0 && tx.BlockTime < from {
			continue
		}
		if to > 0 && tx.BlockTime > to {
			continue
		}
		cp := *tx
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockTime != out[j].BlockTime {
			return out[i].BlockTime < out[j].BlockTime
		}
		return out[i].Signature < out[j].Signature
	})
	return out, nil
}

// ---- JobStore ----

func (s *Store) SubmitJob(job *storage.Job) (*storage.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.jobs[job.ID]; ok {
		// A record that failed terminally beyond retry does not block
		// resubmission; it is replaced by the fresh one.
		if existing.State != storage.StateDead && existing.State != storage.StateFailed {
			cp := *existing
			return &cp, false, nil
		}
	}
	cp := *job
	if cp.State == "" {
		cp.State = storage.StateQueued
	}
	s.jobs[cp.ID] = &cp
	out := cp
	return &out, true, nil
}

func (s *Store) GetJob(id string) (*storage.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (s *Store) ClaimNext(queue, ownerToken string, now, leaseUntil int64) (*storage.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Promote due delayed jobs first so they compete with queued ones.
	for _, j := range s.jobs {
		if j.Queue == queue && j.State == storage.StateDelayed && j.RunAt <= now {
			j.State = storage.StateQueued
		}
	}

	var next *storage.Job
	for _, j := range s.jobs {
		if j.Queue != queue || j.State != storage.StateQueued {
			continue
		}
		if next == nil || j.CreatedAt < next.CreatedAt ||
			(j.CreatedAt == next.CreatedAt && j.ID < next.ID) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}
	next.State = storage.StateActive
	next.Attempts++
	next.OwnerToken = ownerToken
	next.LeaseExpiresAt = leaseUntil
	next.Progress = 0
	if next.StartedAt == 0 {
		next.StartedAt = now
	}
	cp := *next
	return &cp, nil
}

func (s *Store) mutableActive(id, ownerToken string) (*storage.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, storage.ErrTerminal
	}
	if storage.IsTerminalState(j.State) {
		return nil, storage.ErrTerminal
	}
	if j.OwnerToken != ownerToken {
		return nil, storage.ErrNotOwner
	}
	return j, nil
}

func (s *Store) Heartbeat(id, ownerToken string, leaseUntil int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.mutableActive(id, ownerToken)
	if err != nil {
		return err
	}
	j.LeaseExpiresAt = leaseUntil
	return nil
}

func (s *Store) SetProgress(id string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.State != storage.StateActive {
		return nil
	}
	if progress > 100 {
		progress = 100
	}
	// Progress is monotonic within an attempt.
	if progress > j.Progress {
		j.Progress = progress
	}
	return nil
}

func (s *Store) CompleteJob(id, ownerToken string, result []byte, finishedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.mutableActive(id, ownerToken)
	if err != nil {
		return err
	}
	j.State = storage.StateCompleted
	j.Progress = 100
	j.Result = result
	j.Error = ""
	j.FinishedAt = finishedAt
	return nil
}

func (s *Store) FailJob(id, ownerToken, state, errMsg string, finishedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.mutableActive(id, ownerToken)
	if err != nil {
		return err
	}
	j.State = state
	j.Error = errMsg
	j.FinishedAt = finishedAt
	return nil
}

func (s *Store) DelayJob(id, ownerToken string, runAt int64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.mutableActive(id, ownerToken)
	if err != nil {
		return err
	}
	j.State = storage.StateDelayed
	j.RunAt = runAt
	j.Error = errMsg
	j.Progress = 0
	j.OwnerToken = ""
	return nil
}

func (s *Store) CancelJob(id, cause string, finishedAt int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, nil
	}
	if storage.IsTerminalState(j.State) {
		return false, nil
	}
	j.State = storage.StateDead
	j.Error = cause
	j.FinishedAt = finishedAt
	return true, nil
}

func (s *Store) ListChildren(parentID string) ([]*storage.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*storage.Job
	for _, j := range s.jobs {
		if j.ParentID == parentID {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) RequeueExpired(queue string, now int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Queue != queue || j.State != storage.StateActive || j.LeaseExpiresAt > now {
			continue
		}
		j.OwnerToken = ""
		j.Progress = 0
		if j.Attempts >= j.MaxAttempts {
			j.State = storage.StateDead
			j.Error = "visibility timeout exceeded"
			j.FinishedAt = now
		} else {
			j.State = storage.StateQueued
		}
		n++
	}
	return n, nil
}

// ---- ResultStore ----

func (s *Store) WritePnl(res *storage.PnlResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *res
	s.pnl[res.WalletAddress] = &cp
	return nil
}

func (s *Store) GetPnl(addr string) (*storage.PnlResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.pnl[addr]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *Store) WriteBehavior(res *storage.BehaviorResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *res
	s.behavior[res.WalletAddress] = &cp
	return nil
}

func (s *Store) GetBehavior(addr string) (*storage.BehaviorResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.behavior[addr]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

// ---- MetadataStore ----

func (s *Store) WriteTokenMetadata(metas []*storage.TokenMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range metas {
		cp := *m
		s.tokens[m.Mint] = &cp
	}
	return nil
}

func (s *Store) GetTokenMetadata(mint string) (*storage.TokenMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.tokens[mint]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}
