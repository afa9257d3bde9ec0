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
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/pkg/errors"

	"github.com/solsight/solsight/log"
)

var logger = log.NewModuleLogger(log.Lock)

const keyPrefix = "lock:"

// releaseScript deletes the key only while token owns it.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// extendScript refreshes the expiry only while token owns it.
const extendScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`

type redisLocker struct {
	client  *redis.Client
	release *redis.Script
	extend  *redis.Script
}

// NewRedisLocker returns a Locker backed by a shared Redis instance,
// giving cluster-wide mutual exclusion.
func NewRedisLocker(addr, password string, db int) (Locker, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping().Err(); err != nil {
		return nil, errors.Wrap(err, "pinging redis")
	}
	logger.Info("redis locker is ready", "addr", addr, "db", db)
	return &redisLocker{
		client:  client,
		release: redis.NewScript(releaseScript),
		extend:  redis.NewScript(extendScript),
	}, nil
}

func (l *redisLocker) Acquire(key, token string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(keyPrefix+key, token, ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "acquiring lock")
	}
	return ok, nil
}

func (l *redisLocker) Held(key string) (bool, error) {
	n, err := l.client.Exists(keyPrefix + key).Result()
	if err != nil {
		return false, errors.Wrap(err, "checking lock")
	}
	return n == 1, nil
}

func (l *redisLocker) Release(key, token string) (bool, error) {
	n, err := l.release.Run(l.client, []string{keyPrefix + key}, token).Int()
	if err != nil {
		return false, errors.Wrap(err, "releasing lock")
	}
	return n == 1, nil
}

func (l *redisLocker) Extend(key, token string, ttl time.Duration) (bool, error) {
	n, err := l.extend.Run(l.client, []string{keyPrefix + key}, token, int64(ttl/time.Millisecond)).Int()
	if err != nil {
		return false, errors.Wrap(err, "extending lock")
	}
	return n == 1, nil
}
