// Copyright 2024 The solsight Authors
// This file is part of solsight.
//
// solsight is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// solsight is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with solsight. If not, see <http://www.gnu.org/licenses/>.

package utils

import (
	"io/ioutil"
	"os"
	"strings"

	"gopkg.in/urfave/cli.v1"

	"github.com/naoina/toml"
	"github.com/pkg/errors"

	"github.com/solsight/solsight/node"
)

var (
	ConfigFileFlag = cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	DataDirFlag = cli.StringFlag{
		Name:  "datadir",
		Usage: "Data directory for local key-value caches",
	}
	BackendFlag = cli.StringFlag{
		Name:  "backend",
		Usage: "Storage backend (mysql or memory)",
	}
	HTTPAddrFlag = cli.StringFlag{
		Name:  "http.addr",
		Usage: "HTTP API listen address",
	}
	DBHostFlag = cli.StringFlag{
		Name:  "db.host",
		Usage: "MySQL host",
	}
	DBPortFlag = cli.StringFlag{
		Name:  "db.port",
		Usage: "MySQL port",
	}
	DBUserFlag = cli.StringFlag{
		Name:  "db.user",
		Usage: "MySQL user",
	}
	DBPasswordFlag = cli.StringFlag{
		Name:  "db.password",
		Usage: "MySQL password",
	}
	DBNameFlag = cli.StringFlag{
		Name:  "db.name",
		Usage: "MySQL database name",
	}
	RedisAddrFlag = cli.StringFlag{
		Name:  "redis.addr",
		Usage: "Redis address for locks and event fan-out",
	}
	RedisDisabledFlag = cli.BoolFlag{
		Name:  "redis.disabled",
		Usage: "Disable Redis; locks become process-local",
	}
	KafkaBrokersFlag = cli.StringFlag{
		Name:  "kafka.brokers",
		Usage: "Comma-separated Kafka brokers for terminal-event export",
	}
	KafkaTopicPrefixFlag = cli.StringFlag{
		Name:  "kafka.topicprefix",
		Usage: "Kafka topic prefix",
	}
	ProviderURLFlag = cli.StringFlag{
		Name:  "provider.url",
		Usage: "Upstream transaction provider base URL",
	}
	ProviderKeyFlag = cli.StringFlag{
		Name:  "provider.apikey",
		Usage: "Upstream provider API key",
	}
	MetricsAddrFlag = cli.StringFlag{
		Name:  "metrics.addr",
		Usage: "Prometheus metrics listen address (empty disables)",
	}
	LogLevelFlag = cli.StringFlag{
		Name:  "loglevel",
		Usage: "Log level (debug, info, warn, error)",
	}
)

// Flags lists every node flag in display order.
var Flags = []cli.Flag{
	ConfigFileFlag, DataDirFlag, BackendFlag, HTTPAddrFlag,
	DBHostFlag, DBPortFlag, DBUserFlag, DBPasswordFlag, DBNameFlag,
	RedisAddrFlag, RedisDisabledFlag,
	KafkaBrokersFlag, KafkaTopicPrefixFlag,
	ProviderURLFlag, ProviderKeyFlag,
	MetricsAddrFlag, LogLevelFlag,
}

// MakeConfig builds the node configuration: defaults, then the TOML
// file, then command-line overrides.
func MakeConfig(ctx *cli.Context) (*node.Config, error) {
	cfg := node.DefaultConfig()

	if path := ctx.GlobalString(ConfigFileFlag.Name); path != "" {
		if err := loadConfigFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if ctx.GlobalIsSet(DataDirFlag.Name) {
		cfg.DataDir = ctx.GlobalString(DataDirFlag.Name)
	}
	if ctx.GlobalIsSet(BackendFlag.Name) {
		cfg.Backend = ctx.GlobalString(BackendFlag.Name)
	}
	if ctx.GlobalIsSet(HTTPAddrFlag.Name) {
		cfg.HTTP.ListenAddr = ctx.GlobalString(HTTPAddrFlag.Name)
	}
	if ctx.GlobalIsSet(DBHostFlag.Name) {
		cfg.DB.Host = ctx.GlobalString(DBHostFlag.Name)
	}
	if ctx.GlobalIsSet(DBPortFlag.Name) {
		cfg.DB.Port = ctx.GlobalString(DBPortFlag.Name)
	}
	if ctx.GlobalIsSet(DBUserFlag.Name) {
		cfg.DB.User = ctx.GlobalString(DBUserFlag.Name)
	}
	if ctx.GlobalIsSet(DBPasswordFlag.Name) {
		cfg.DB.Password = ctx.GlobalString(DBPasswordFlag.Name)
	}
	if ctx.GlobalIsSet(DBNameFlag.Name) {
		cfg.DB.Name = ctx.GlobalString(DBNameFlag.Name)
	}
	if ctx.GlobalIsSet(RedisAddrFlag.Name) {
		cfg.Redis.Addr = ctx.GlobalString(RedisAddrFlag.Name)
	}
	if ctx.GlobalBool(RedisDisabledFlag.Name) {
		cfg.Redis.Enabled = false
	}
	if ctx.GlobalIsSet(KafkaBrokersFlag.Name) {
		cfg.Kafka.Enabled = true
		cfg.Kafka.Brokers = strings.Split(ctx.GlobalString(KafkaBrokersFlag.Name), ",")
	}
	if ctx.GlobalIsSet(KafkaTopicPrefixFlag.Name) {
		cfg.Kafka.TopicPrefix = ctx.GlobalString(KafkaTopicPrefixFlag.Name)
	}
	if ctx.GlobalIsSet(ProviderURLFlag.Name) {
		cfg.Provider.BaseURL = ctx.GlobalString(ProviderURLFlag.Name)
	}
	if ctx.GlobalIsSet(ProviderKeyFlag.Name) {
		cfg.Provider.APIKey = ctx.GlobalString(ProviderKeyFlag.Name)
	}
	if ctx.GlobalIsSet(MetricsAddrFlag.Name) {
		cfg.MetricsAddr = ctx.GlobalString(MetricsAddrFlag.Name)
	}
	if ctx.GlobalIsSet(LogLevelFlag.Name) {
		cfg.LogLevel = ctx.GlobalString(LogLevelFlag.Name)
	}
	return cfg, nil
}

func loadConfigFile(path string, cfg *node.Config) error {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "reading config file")
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return errors.Wrapf(err, "decoding config file %s", path)
	}
	return nil
}

// DumpConfig writes the effective configuration as TOML.
func DumpConfig(cfg *node.Config, w *os.File) error {
	data, err := toml.Marshal(*cfg)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
