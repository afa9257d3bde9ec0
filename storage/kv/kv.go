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

// Package kv provides a small local key-value store used as a fast
// signature seen-set in front of the SQL transaction table and as a
// spill cache for token metadata. A miss is never an error; SQL remains
// the source of truth.
package kv

import (
	"github.com/pkg/errors"

	"github.com/solsight/solsight/log"
)

var logger = log.NewModuleLogger(log.Storage)

type DBType string

const (
	LevelDB  DBType = "leveldb"
	BadgerDB DBType = "badger"
	MemoryDB DBType = "memory"
)

// KVStore is the minimal key-value surface the sync engine needs.
type KVStore interface {
	Put(key, value []byte) error
	// Get returns (nil, nil) when the key is absent.
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	Delete(key []byte) error
	Close() error
}

type Config struct {
	Backend DBType
	Dir     string
	// LevelDB tuning; ignored by other backends.
	CacheSizeMiB int
	Handles      int
}

func DefaultConfig(dir string) *Config {
	return &Config{Backend: LevelDB, Dir: dir, CacheSizeMiB: 16, Handles: 16}
}

// New opens a store of the configured backend.
func New(cfg *Config) (KVStore, error) {
	switch cfg.Backend {
	case LevelDB:
		return newLevelDB(cfg)
	case BadgerDB:
		return newBadgerDB(cfg.Dir)
	case MemoryDB:
		return NewMemDB(), nil
	default:
		return nil, errors.Errorf("unknown kv backend %q", cfg.Backend)
	}
}

// SeenKey builds the seen-set key for a wallet/signature pair.
func SeenKey(wallet, signature string) []byte {
	return []byte("seen/" + wallet + "/" + signature)
}

// MetaKey builds the metadata spill cache key for a token mint.
func MetaKey(mint string) []byte {
	return []byte("meta/" + mint)
}
