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

// Package mysqldb implements the storage.Store interfaces on MySQL via
// gorm. Claim and requeue paths rely on single-statement conditional
// updates for cross-process atomicity.
package mysqldb

import (
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jinzhu/gorm"
	"github.com/pkg/errors"

	"github.com/solsight/solsight/log"
	"github.com/solsight/solsight/storage"
)

var logger = log.NewModuleLogger(log.Storage)

// Config carries the MySQL connection settings.
type Config struct {
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		Host:            "127.0.0.1",
		Port:            "3306",
		User:            "solsight",
		Name:            "solsight",
		MaxIdleConns:    10,
		MaxOpenConns:    50,
		ConnMaxLifetime: time.Hour,
	}
}

type Store struct {
	db *gorm.DB
}

// New opens the database and migrates the schema.
func New(cfg *Config) (*Store, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true&charset=utf8mb4",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)
	db, err := gorm.Open("mysql", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening mysql")
	}
	db.DB().SetMaxIdleConns(cfg.MaxIdleConns)
	db.DB().SetMaxOpenConns(cfg.MaxOpenConns)
	db.DB().SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.AutoMigrate(
		&storage.Wallet{},
		&storage.TransactionRecord{},
		&storage.Job{},
		&storage.PnlResult{},
		&storage.BehaviorResult{},
		&storage.TokenMetadata{},
	).Error; err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrating schema")
	}
	logger.Info("mysql store is ready", "host", cfg.Host, "db", cfg.Name)
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func isDuplicateErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Duplicate entry")
}

// ---- WalletStore ----

func (s *Store) GetWallet(addr string) (*storage.Wallet, error) {
	var w storage.Wallet
	err := s.db.Where("address = ?", addr).First(&w).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *Store) AdvanceSyncState(addr, newestSig string, newestTs, oldestTs, fetchedAt int64) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var w storage.Wallet
		err := tx.Set("gorm:query_option", "FOR UPDATE").
			Where("address = ?", addr).First(&w).Error
		if gorm.IsRecordNotFoundError(err) {
			w = storage.Wallet{Address: addr}
			if err := tx.Create(&w).Error; err != nil && !isDuplicateErr(err) {
				return err
			}
		} else if err != nil {
			return err
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
		return tx.Save(&w).Error
	})
}

func (s *Store) SetLastAnalyzed(addr string, ts int64) error {
	res := s.db.Model(&storage.Wallet{}).
		Where("address = ? AND last_analyzed_end_ts < ?", addr, ts).
		Update("last_analyzed_end_ts", ts)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Either the row is missing or the stored value is newer.
		w := &storage.Wallet{Address: addr, LastAnalyzedEndTs: ts}
		if err := s.db.Create(w).Error; err != nil && !isDuplicateErr(err) {
			return err
		}
	}
	return nil
}

// ---- TransactionStore ----

func (s *Store) UpsertTransactions(txs []*storage.TransactionRecord) (int, error) {
	inserted := 0
	for _, tx := range txs {
		err := s.db.Create(tx).Error
		if isDuplicateErr(err) {
			continue
		}
		if err != nil {
			return inserted, err
		}
		inserted++
	}
	return inserted, nil
}

func (s *Store) CountTransactions(addr string) (int64, error) {
	var n int64
	err := s.db.Model(&storage.TransactionRecord{}).
		Where("wallet_address = ?", addr).Count(&n).Error
	return n, err
}

func (s *Store) ListTransactions(addr string, from, to int64) ([]*storage.TransactionRecord, error) {
	q := s.db.Where("wallet_address = ?", addr)
	if from > 0 {
		q = q.Where("block_time >= ?", from)
	}
	if to > 0 {
		q = q.Where("block_time <= ?", to)
	}
	var out []*storage.TransactionRecord
	err := q.Order("block_time asc, signature asc").Find(&out).Error
	return out, err
}

// ---- JobStore ----

func (s *Store) SubmitJob(job *storage.Job) (*storage.Job, bool, error) {
	if job.State == "" {
		job.State = storage.StateQueued
	}
	err := s.db.Create(job).Error
	if isDuplicateErr(err) {
		existing, gerr := s.GetJob(job.ID)
		if gerr != nil {
			return nil, false, gerr
		}
		if existing == nil {
			return nil, false, errors.New("job vanished during submit")
		}
		if existing.State != storage.StateDead && existing.State != storage.StateFailed {
			return existing, false, nil
		}
		// A record that failed terminally beyond retry does not block
		// resubmission; reset it to the fresh job. The state guard keeps
		// concurrent resubmissions from double-resetting.
		res := s.db.Model(&storage.Job{}).
			Where("id = ? AND state IN (?)", job.ID,
				[]string{storage.StateDead, storage.StateFailed}).
			Updates(map[string]interface{}{
				"state":            job.State,
				"payload":          job.Payload,
				"attempts":         0,
				"max_attempts":     job.MaxAttempts,
				"progress":         0,
				"run_at":           0,
				"lease_expires_at": 0,
				"owner_token":      "",
				"parent_id":        job.ParentID,
				"result":           nil,
				"error":            "",
				"created_at":       job.CreatedAt,
				"started_at":       0,
				"finished_at":      0,
			})
		if res.Error != nil {
			return nil, false, res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the race to another resubmission.
			existing, gerr = s.GetJob(job.ID)
			return existing, false, gerr
		}
		fresh, gerr := s.GetJob(job.ID)
		return fresh, true, gerr
	}
	if err != nil {
		return nil, false, err
	}
	return job, true, nil
}

func (s *Store) GetJob(id string) (*storage.Job, error) {
	var j storage.Job
	err := s.db.Where("id = ?", id).First(&j).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *Store) ClaimNext(queue, ownerToken string, now, leaseUntil int64) (*storage.Job, error) {
	// Promote due delayed jobs so they compete with queued ones.
	if err := s.db.Model(&storage.Job{}).
		Where("queue = ? AND state = ? AND run_at <= ?", queue, storage.StateDelayed, now).
		Update("state", storage.StateQueued).Error; err != nil {
		return nil, err
	}

	// A lost race on the conditional update just means another worker
	// claimed the candidate first; try the next one.
	for i := 0; i < 3; i++ {
		var candidate storage.Job
		err := s.db.Where("queue = ? AND state = ?", queue, storage.StateQueued).
			Order("created_at asc, id asc").First(&candidate).Error
		if gorm.IsRecordNotFoundError(err) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		res := s.db.Model(&storage.Job{}).
			Where("id = ? AND state = ?", candidate.ID, storage.StateQueued).
			Updates(map[string]interface{}{
				"state":            storage.StateActive,
				"owner_token":      ownerToken,
				"attempts":         gorm.Expr("attempts + 1"),
				"lease_expires_at": leaseUntil,
				"progress":         0,
				"started_at":       gorm.Expr("CASE WHEN started_at = 0 THEN ? ELSE started_at END", now),
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			return s.GetJob(candidate.ID)
		}
	}
	return nil, nil
}

func (s *Store) ownedUpdate(id, ownerToken string, updates map[string]interface{}) error {
	res := s.db.Model(&storage.Job{}).
		Where("id = ? AND owner_token = ? AND state = ?", id, ownerToken, storage.StateActive).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		j, err := s.GetJob(id)
		if err != nil {
			return err
		}
		if j == nil || storage.IsTerminalState(j.State) {
			return storage.ErrTerminal
		}
		return storage.ErrNotOwner
	}
	return nil
}

func (s *Store) Heartbeat(id, ownerToken string, leaseUntil int64) error {
	return s.ownedUpdate(id, ownerToken, map[string]interface{}{
		"lease_expires_at": leaseUntil,
	})
}

func (s *Store) SetProgress(id string, progress int) error {
	if progress > 100 {
		progress = 100
	}
	return s.db.Model(&storage.Job{}).
		Where("id = ? AND state = ? AND progress < ?", id, storage.StateActive, progress).
		Update("progress", progress).Error
}

func (s *Store) CompleteJob(id, ownerToken string, result []byte, finishedAt int64) error {
	return s.ownedUpdate(id, ownerToken, map[string]interface{}{
		"state":       storage.StateCompleted,
		"progress":    100,
		"result":      result,
		"error":       "",
		"finished_at": finishedAt,
	})
}

func (s *Store) FailJob(id, ownerToken, state, errMsg string, finishedAt int64) error {
	return s.ownedUpdate(id, ownerToken, map[string]interface{}{
		"state":       state,
		"error":       errMsg,
		"finished_at": finishedAt,
	})
}

func (s *Store) DelayJob(id, ownerToken string, runAt int64, errMsg string) error {
	return s.ownedUpdate(id, ownerToken, map[string]interface{}{
		"state":       storage.StateDelayed,
		"run_at":      runAt,
		"error":       errMsg,
		"progress":    0,
		"owner_token": "",
	})
}

func (s *Store) CancelJob(id, cause string, finishedAt int64) (bool, error) {
	res := s.db.Model(&storage.Job{}).
		Where("id = ? AND state NOT IN (?)", id,
			[]string{storage.StateCompleted, storage.StateFailed, storage.StateDead}).
		Updates(map[string]interface{}{
			"state":       storage.StateDead,
			"error":       cause,
			"finished_at": finishedAt,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) ListChildren(parentID string) ([]*storage.Job, error) {
	var out []*storage.Job
	err := s.db.Where("parent_id = ?", parentID).Order("id asc").Find(&out).Error
	return out, err
}

func (s *Store) RequeueExpired(queue string, now int64) (int, error) {
	dead := s.db.Model(&storage.Job{}).
		Where("queue = ? AND state = ? AND lease_expires_at <= ? AND attempts >= max_attempts",
			queue, storage.StateActive, now).
		Updates(map[string]interface{}{
			"state":       storage.StateDead,
			"owner_token": "",
			"error":       "visibility timeout exceeded",
			"finished_at": now,
		})
	if dead.Error != nil {
		return 0, dead.Error
	}
	requeued := s.db.Model(&storage.Job{}).
		Where("queue = ? AND state = ? AND lease_expires_at <= ?", queue, storage.StateActive, now).
		Updates(map[string]interface{}{
			"state":       storage.StateQueued,
			"owner_token": "",
			"progress":    0,
		})
	if requeued.Error != nil {
		return 0, requeued.Error
	}
	return int(dead.RowsAffected + requeued.RowsAffected), nil
}

// ---- ResultStore ----

func (s *Store) WritePnl(res *storage.PnlResult) error {
	err := s.db.Create(res).Error
	if isDuplicateErr(err) {
		return s.db.Model(&storage.PnlResult{}).
			Where("wallet_address = ?", res.WalletAddress).
			Updates(map[string]interface{}{
				"computed_at":      res.ComputedAt,
				"total_realized":   res.TotalRealized,
				"total_unrealized": res.TotalUnrealized,
				"win_rate":         res.WinRate,
				"token_count":      res.TokenCount,
				"tokens":           res.Tokens,
			}).Error
	}
	return err
}

func (s *Store) GetPnl(addr string) (*storage.PnlResult, error) {
	var r storage.PnlResult
	err := s.db.Where("wallet_address = ?", addr).First(&r).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) WriteBehavior(res *storage.BehaviorResult) error {
	err := s.db.Create(res).Error
	if isDuplicateErr(err) {
		return s.db.Model(&storage.BehaviorResult{}).
			Where("wallet_address = ?", res.WalletAddress).
			Updates(map[string]interface{}{
				"computed_at":         res.ComputedAt,
				"trading_style":       res.TradingStyle,
				"session_count":       res.SessionCount,
				"avg_session_minutes": res.AvgSessionMinutes,
				"flipper_score":       res.FlipperScore,
				"active_hours":        res.ActiveHours,
				"tokens_traded":       res.TokensTraded,
			}).Error
	}
	return err
}

func (s *Store) GetBehavior(addr string) (*storage.BehaviorResult, error) {
	var r storage.BehaviorResult
	err := s.db.Where("wallet_address = ?", addr).First(&r).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ---- MetadataStore ----

func (s *Store) WriteTokenMetadata(metas []*storage.TokenMetadata) error {
	for _, m := range metas {
		err := s.db.Create(m).Error
		if isDuplicateErr(err) {
			err = s.db.Model(&storage.TokenMetadata{}).
				Where("mint = ?", m.Mint).
				Updates(map[string]interface{}{
					"symbol":     m.Symbol,
					"name":       m.Name,
					"decimals":   m.Decimals,
					"updated_at": m.UpdatedAt,
				}).Error
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetTokenMetadata(mint string) (*storage.TokenMetadata, error) {
	var m storage.TokenMetadata
	err := s.db.Where("mint = ?", mint).First(&m).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}
