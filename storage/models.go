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

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// Wallet tracks per-address sync and analysis watermarks. All timestamps
// are integer seconds. Zero means unset.
type Wallet struct {
	Address                  string `gorm:"primary_key;size:64"`
	NewestProcessedSignature string `gorm:"size:96"`
	NewestProcessedTimestamp int64
	OldestProcessedTimestamp int64
	LastSuccessfulFetchAt    int64
	LastAnalyzedEndTs        int64
}

// TransactionRecord is a normalized transaction row. (WalletAddress,
// Signature) is unique; rows are insert-only.
type TransactionRecord struct {
	ID            uint64 `gorm:"primary_key;auto_increment"`
	WalletAddress string `gorm:"size:64;unique_index:idx_wallet_signature"`
	Signature     string `gorm:"size:96;unique_index:idx_wallet_signature"`
	BlockTime     int64  `gorm:"index"`
	TokenMint     string `gorm:"size:64;index"`
	Direction     string `gorm:"size:4"` // "in" or "out"
	Amount        float64
	AmountUSD     float64
	FeeLamports   int64
}

// Job states. completed, failed and dead are terminal.
const (
	StateQueued    = "queued"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateDelayed   = "delayed"
	StateDead      = "dead"
)

// IsTerminalState reports whether a job in the given state will never run
// again.
func IsTerminalState(state string) bool {
	return state == StateCompleted || state == StateFailed || state == StateDead
}

// Job is a persisted queue job. ID is deterministic, see JobID.
type Job struct {
	ID             string `gorm:"primary_key;size:64"`
	Queue          string `gorm:"size:32;index"`
	Kind           string `gorm:"size:48"`
	Payload        []byte `gorm:"type:mediumblob"`
	State          string `gorm:"size:16;index"`
	Attempts       int
	MaxAttempts    int
	Progress       int
	RunAt          int64 // earliest claim time for delayed jobs
	LeaseExpiresAt int64 // visibility deadline while active
	OwnerToken     string `gorm:"size:64"`
	ParentID       string `gorm:"size:64;index"`
	Result         []byte `gorm:"type:mediumblob"`
	Error          string `gorm:"type:text"`
	CreatedAt      int64
	StartedAt      int64
	FinishedAt     int64
}

// JobID derives the deterministic job identifier from the canonical
// string {kind}:{key}:{requestId}. Two submissions producing the same
// canonical string are the same job.
func JobID(kind, key, requestID string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%s", kind, key, requestID)))
	return base64.RawURLEncoding.EncodeToString(sum[:20])
}

// PnlResult holds the per-wallet profit-and-loss analysis output. Tokens
// is a JSON document with the per-token breakdown.
type PnlResult struct {
	WalletAddress   string `gorm:"primary_key;size:64"`
	ComputedAt      int64
	TotalRealized   float64
	TotalUnrealized float64
	WinRate         float64
	TokenCount      int
	Tokens          []byte `gorm:"type:mediumblob"`
}

// BehaviorResult holds the per-wallet behavioral classification output.
type BehaviorResult struct {
	WalletAddress     string `gorm:"primary_key;size:64"`
	ComputedAt        int64
	TradingStyle      string `gorm:"size:32"`
	SessionCount      int
	AvgSessionMinutes float64
	FlipperScore      float64
	ActiveHours       []byte `gorm:"type:blob"` // JSON histogram, 24 buckets
	TokensTraded      int
}

// TokenMetadata describes an SPL-style token mint.
type TokenMetadata struct {
	Mint      string `gorm:"primary_key;size:64"`
	Symbol    string `gorm:"size:32"`
	Name      string `gorm:"size:128"`
	Decimals  int
	UpdatedAt int64
}
