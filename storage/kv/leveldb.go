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

package kv

import (
	"github.com/syndtr/goleveldb/leveldb"
	leveldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

type levelDB struct {
	fn string
	db *leveldb.DB
}

func newLevelDB(cfg *Config) (*levelDB, error) {
	cacheSize := cfg.CacheSizeMiB
	if cacheSize < 16 {
		cacheSize = 16
	}
	handles := cfg.Handles
	if handles < 16 {
		handles = 16
	}
	options := &opt.Options{
		OpenFilesCacheCapacity: handles,
		BlockCacheCapacity:     cacheSize / 2 * opt.MiB,
		WriteBuffer:            cacheSize / 4 * opt.MiB,
		Filter:                 filter.NewBloomFilter(10),
	}

	// Open the db and recover any potential corruptions.
	db, err := leveldb.OpenFile(cfg.Dir, options)
	if _, corrupted := err.(*leveldberrors.ErrCorrupted); corrupted {
		db, err = leveldb.RecoverFile(cfg.Dir, nil)
	}
	if err != nil {
		return nil, err
	}
	logger.Info("allocated leveldb kv store", "dir", cfg.Dir, "cacheMiB", cacheSize, "handles", handles)
	return &levelDB{fn: cfg.Dir, db: db}, nil
}

func (db *levelDB) Put(key, value []byte) error {
	return db.db.Put(key, value, nil)
}

func (db *levelDB) Get(key []byte) ([]byte, error) {
	dat, err := db.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return dat, nil
}

func (db *levelDB) Has(key []byte) (bool, error) {
	return db.db.Has(key, nil)
}

func (db *levelDB) Delete(key []byte) error {
	return db.db.Delete(key, nil)
}

func (db *levelDB) Close() error {
	return db.db.Close()
}
