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

package common

import (
	lru "github.com/hashicorp/golang-lru"
)

// CacheScale scales preset cache sizes. cache size = preset
// size * CacheScale / 100.
var CacheScale = 100

// Cache is a string-keyed in-process cache.
type Cache interface {
	Add(key string, value interface{}) (evicted bool)
	Get(key string) (value interface{}, ok bool)
	Contains(key string) bool
	Purge()
}

type lruCache struct {
	lru *lru.Cache
}

func (c *lruCache) Add(key string, value interface{}) (evicted bool) {
	return c.lru.Add(key, value)
}

func (c *lruCache) Get(key string) (value interface{}, ok bool) {
	return c.lru.Get(key)
}

func (c *lruCache) Contains(key string) bool {
	return c.lru.Contains(key)
}

func (c *lruCache) Purge() {
	c.lru.Purge()
}

// NewCache returns an LRU cache holding up to size entries after scaling.
func NewCache(size int) Cache {
	scaled := size * CacheScale / 100
	if scaled < 1 {
		scaled = 1
	}
	c, err := lru.New(scaled)
	if err != nil {
		// lru.New only fails on a non-positive size.
		panic(err)
	}
	return &lruCache{lru: c}
}
