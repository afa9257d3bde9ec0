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

package lock

import (
	"sync"
	"time"
)

type memEntry struct {
	token     string
	expiresAt time.Time
}

type memoryLocker struct {
	mu sync.Mutex
	m  map[string]memEntry
}

// NewMemoryLocker returns a process-local Locker for tests and
// single-node runs.
func NewMemoryLocker() Locker {
	return &memoryLocker{m: make(map[string]memEntry)}
}

func (l *memoryLocker) Acquire(key, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if e, ok := l.m[key]; ok && e.expiresAt.After(now) {
		return false, nil
	}
	l.m[key] = memEntry{token: token, expiresAt: now.Add(ttl)}
	return true, nil
}

func (l *memoryLocker) Held(key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.m[key]
	return ok && e.expiresAt.After(time.Now()), nil
}

func (l *memoryLocker) Release(key, token string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.m[key]
	if !ok || e.token != token || !e.expiresAt.After(time.Now()) {
		return false, nil
	}
	delete(l.m, key)
	return true, nil
}

func (l *memoryLocker) Extend(key, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.m[key]
	if !ok || e.token != token || !e.expiresAt.After(time.Now()) {
		return false, nil
	}
	e.expiresAt = time.Now().Add(ttl)
	l.m[key] = e
	return true, nil
}
