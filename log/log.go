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

package log

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ModuleID identifies the subsystem a logger belongs to. Every log line
// carries the module name so operators can filter per subsystem.
type ModuleID int

const (
	Node ModuleID = iota
	Storage
	Lock
	Queue
	Event
	Provider
	Sync
	Analysis
	Similarity
	Enrichment
	API
	Cmd
	moduleLength
)

var moduleNames = [moduleLength]string{
	"node", "storage", "lock", "queue", "event", "provider",
	"sync", "analysis", "similarity", "enrichment", "api", "cmd",
}

func (m ModuleID) String() string {
	if m < 0 || m >= moduleLength {
		return "unknown"
	}
	return moduleNames[m]
}

// Logger is the logging interface used across the codebase. Context is
// passed as alternating key/value pairs.
type Logger interface {
	Debug(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Warn(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	// Crit logs the message and terminates the process.
	Crit(msg string, ctx ...interface{})
}

var (
	mu       sync.Mutex
	level    = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	baseOnce sync.Once
	base     *zap.SugaredLogger
)

func baseLogger() *zap.SugaredLogger {
	baseOnce.Do(func() {
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.TimeKey = "t"
		encCfg.MessageKey = "msg"
		encCfg.LevelKey = "lvl"
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level)
		base = zap.New(core).Sugar()
	})
	return base
}

// ChangeGlobalLogLevel adjusts the level for every module logger.
func ChangeGlobalLogLevel(lvl string) error {
	mu.Lock()
	defer mu.Unlock()
	var zl zapcore.Level
	if err := zl.UnmarshalText([]byte(lvl)); err != nil {
		return err
	}
	level.SetLevel(zl)
	return nil
}

type moduleLogger struct {
	s *zap.SugaredLogger
}

// NewModuleLogger returns a logger tagged with the given module.
func NewModuleLogger(m ModuleID) Logger {
	return &moduleLogger{s: baseLogger().With("module", m.String())}
}

func (l *moduleLogger) Debug(msg string, ctx ...interface{}) { l.s.Debugw(msg, ctx...) }
func (l *moduleLogger) Info(msg string, ctx ...interface{})  { l.s.Infow(msg, ctx...) }
func (l *moduleLogger) Warn(msg string, ctx ...interface{})  { l.s.Warnw(msg, ctx...) }
func (l *moduleLogger) Error(msg string, ctx ...interface{}) { l.s.Errorw(msg, ctx...) }

func (l *moduleLogger) Crit(msg string, ctx ...interface{}) {
	l.s.Errorw(msg, ctx...)
	_ = l.s.Sync()
	os.Exit(1)
}

// Fatalf mirrors the standard library helper for top-level command code.
func Fatalf(format string, args ...interface{}) {
	baseLogger().Fatalf(format, args...)
}
