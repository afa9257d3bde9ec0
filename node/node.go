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

// Package node wires the service together: stores, locker, progress bus,
// queue runtime, analysis handlers and the HTTP boundary, with a
// Start/Stop lifecycle.
package node

import (
	"net/http"
	"sync"

	"github.com/go-redis/redis/v7"
	"github.com/pkg/errors"

	"github.com/solsight/solsight/analysis"
	"github.com/solsight/solsight/analysis/similarity"
	"github.com/solsight/solsight/api"
	"github.com/solsight/solsight/datasync/syncer"
	"github.com/solsight/solsight/enrichment"
	"github.com/solsight/solsight/event"
	eventkafka "github.com/solsight/solsight/event/kafka"
	"github.com/solsight/solsight/event/redisbus"
	"github.com/solsight/solsight/lock"
	"github.com/solsight/solsight/log"
	prometheusmetrics "github.com/solsight/solsight/metrics/prometheus"
	"github.com/solsight/solsight/provider"
	"github.com/solsight/solsight/queue"
	"github.com/solsight/solsight/storage"
	"github.com/solsight/solsight/storage/kv"
	"github.com/solsight/solsight/storage/memdb"
	"github.com/solsight/solsight/storage/mysqldb"
)

var logger = log.NewModuleLogger(log.Node)

// Node is the assembled service.
type Node struct {
	config *Config

	store   storage.Store
	seen    kv.KVStore
	locker  lock.Locker
	feed    *event.Feed
	manager *queue.Manager
	server  *api.Server

	kafkaExporter *eventkafka.Exporter
	metricsServer *http.Server

	stopOnce sync.Once
}

// New builds the dependency graph from the config. Nothing runs until
// Start.
func New(cfg *Config) (*Node, error) {
	if cfg.LogLevel != "" {
		if err := log.ChangeGlobalLogLevel(cfg.LogLevel); err != nil {
			return nil, errors.Wrap(err, "setting log level")
		}
	}

	n := &Node{config: cfg, feed: event.NewFeed()}

	var err error
	switch cfg.Backend {
	case BackendMemory:
		n.store = memdb.New()
	case BackendMySQL:
		n.store, err = mysqldb.New(cfg.DB)
		if err != nil {
			return nil, err
		}
	default:
		return nil, errors.Errorf("unknown storage backend %q", cfg.Backend)
	}

	kvCfg := *cfg.KV
	kvCfg.Dir = cfg.kvDir()
	if cfg.Backend == BackendMemory {
		kvCfg.Backend = kv.MemoryDB
	}
	n.seen, err = kv.New(&kvCfg)
	if err != nil {
		n.store.Close()
		return nil, err
	}

	var redisClient *redis.Client
	if cfg.Redis != nil && cfg.Redis.Enabled {
		n.locker, err = lock.NewRedisLocker(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			n.close()
			return nil, err
		}
		redisClient = redis.NewClient(&redis.Options{
			Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB,
		})
		n.feed.AttachSink(redisbus.NewSink(redisClient))
	} else {
		logger.Warn("redis is disabled, locks are process-local")
		n.locker = lock.NewMemoryLocker()
	}

	if cfg.Kafka != nil && cfg.Kafka.Enabled {
		kafkaCfg := eventkafka.GetDefaultConfig()
		kafkaCfg.Brokers = cfg.Kafka.Brokers
		if cfg.Kafka.TopicPrefix != "" {
			kafkaCfg.TopicPrefix = cfg.Kafka.TopicPrefix
		}
		n.kafkaExporter, err = eventkafka.NewExporter(kafkaCfg)
		if err != nil {
			n.close()
			return nil, err
		}
		n.feed.AttachSink(n.kafkaExporter)
	}

	client := provider.NewHTTPClient(cfg.Provider)
	engine := syncer.New(n.store, n.seen, client, n.locker)

	n.manager = queue.NewManager(n.store, n.feed, queue.DefaultConfigs())
	analysis.NewCoordinator(n.store, engine, n.locker, client).Register(n.manager)
	similarity.NewFlow(n.store).Register(n.manager)
	enrichment.NewWorker(n.store, client, n.seen).Register(n.manager)

	n.server = api.NewServer(cfg.HTTP, n.store, n.manager, n.feed, n.locker)
	return n, nil
}

// Start launches the queue workers and the HTTP servers.
func (n *Node) Start() error {
	n.manager.Start()
	if err := n.server.Start(); err != nil {
		n.manager.Stop()
		return err
	}
	if n.config.MetricsAddr != "" {
		n.metricsServer = prometheusmetrics.Serve(n.config.MetricsAddr, "solsight")
	}
	logger.Info("node is started", "backend", n.config.Backend, "http", n.server.Addr())
	return nil
}

// Stop winds the service down: HTTP first so no new jobs arrive, then
// the workers, then the stores.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		if n.server != nil {
			_ = n.server.Stop()
		}
		if n.metricsServer != nil {
			_ = n.metricsServer.Close()
		}
		if n.manager != nil {
			n.manager.Stop()
		}
		n.close()
		logger.Info("node is stopped")
	})
}

func (n *Node) close() {
	if n.kafkaExporter != nil {
		n.kafkaExporter.Close()
	}
	if n.seen != nil {
		_ = n.seen.Close()
	}
	if n.store != nil {
		_ = n.store.Close()
	}
}

// Manager exposes the queue runtime, mainly for tests.
func (n *Node) Manager() *queue.Manager { return n.manager }

// Server exposes the HTTP boundary, mainly for tests.
func (n *Node) Server() *api.Server { return n.server }
