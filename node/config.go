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

package node

import (
	"path/filepath"

	"github.com/solsight/solsight/api"
	"github.com/solsight/solsight/provider"
	"github.com/solsight/solsight/storage/kv"
	"github.com/solsight/solsight/storage/mysqldb"
)

// Storage backends selectable at boot.
const (
	BackendMySQL  = "mysql"
	BackendMemory = "memory"
)

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string `toml:",omitempty"`
	DB       int    `toml:",omitempty"`
}

type KafkaConfig struct {
	Enabled     bool
	Brokers     []string `toml:",omitempty"`
	TopicPrefix string   `toml:",omitempty"`
}

// Config assembles every subsystem's configuration. An explicit
// dependency struct built from this at boot replaces any runtime
// service wiring.
type Config struct {
	DataDir string

	Backend string // mysql or memory

	DB       *mysqldb.Config
	Redis    *RedisConfig
	Kafka    *KafkaConfig
	KV       *kv.Config
	Provider *provider.Config
	HTTP     *api.Config

	MetricsAddr string `toml:",omitempty"`
	LogLevel    string `toml:",omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		DataDir:  "solsight-data",
		Backend:  BackendMySQL,
		DB:       mysqldb.DefaultConfig(),
		Redis:    &RedisConfig{Enabled: true, Addr: "127.0.0.1:6379"},
		Kafka:    &KafkaConfig{},
		KV:       kv.DefaultConfig(""),
		Provider: provider.DefaultConfig(),
		HTTP:     api.DefaultConfig(),
		LogLevel: "info",
	}
}

// kvDir resolves the kv store directory under the data dir unless the
// config pins one.
func (c *Config) kvDir() string {
	if c.KV != nil && c.KV.Dir != "" {
		return c.KV.Dir
	}
	return filepath.Join(c.DataDir, "kv")
}
