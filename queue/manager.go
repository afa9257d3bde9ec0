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

// Package queue implements the job-queue runtime: named queues with
// bounded worker pools, at-least-once execution with visibility leases,
// retry with backoff, dead-lettering and cancellation cascade. Workers
// raise typed errors; the runtime decides retry vs terminal state.
package queue

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	"github.com/pkg/errors"

	"github.com/solsight/solsight/event"
	"github.com/solsight/solsight/log"
	"github.com/solsight/solsight/storage"
)

var logger = log.NewModuleLogger(log.Queue)

// Handler executes one job attempt. The returned value is marshaled to
// JSON and stored as the job result.
type Handler func(ctx *JobContext) (interface{}, error)

type registration struct {
	queue   string
	handler Handler
}

// Manager owns the worker pools for every configured queue.
type Manager struct {
	store storage.JobStore
	bus   event.Bus

	configs  map[string]*Config
	handlers map[string]registration

	mu     sync.Mutex
	active map[string]context.CancelFunc // in-process active jobs
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func NewManager(store storage.JobStore, bus event.Bus, configs []*Config) *Manager {
	m := &Manager{
		store:    store,
		bus:      bus,
		configs:  make(map[string]*Config),
		handlers: make(map[string]registration),
		active:   make(map[string]context.CancelFunc),
		stopCh:   make(chan struct{}),
	}
	for _, cfg := range configs {
		m.configs[cfg.Name] = cfg.withDefaults()
	}
	return m
}

// Register binds a job kind to a queue and handler. Must be called
// before Start.
func (m *Manager) Register(kind, queueName string, h Handler) {
	if _, ok := m.configs[queueName]; !ok {
		logger.Crit("registering kind on unknown queue", "kind", kind, "queue", queueName)
	}
	m.handlers[kind] = registration{queue: queueName, handler: h}
}

// Store exposes the job store for handlers that inspect child state.
func (m *Manager) Store() storage.JobStore { return m.store }

// Config returns the queue configuration a kind runs under.
func (m *Manager) Config(kind string) *Config {
	reg, ok := m.handlers[kind]
	if !ok {
		return nil
	}
	return m.configs[reg.queue]
}

// Submit creates (or dedups to) the job with the deterministic id derived
// from (kind, key, requestID). A second submission with the same tuple
// returns the existing record with created=false.
func (m *Manager) Submit(kind, key, requestID string, payload interface{}) (*storage.Job, bool, error) {
	return m.SubmitChild("", kind, key, requestID, payload)
}

// SubmitChild is Submit with a parent linkage for fan-out flows.
func (m *Manager) SubmitChild(parentID, kind, key, requestID string, payload interface{}) (*storage.Job, bool, error) {
	reg, ok := m.handlers[kind]
	if !ok {
		return nil, false, errors.Errorf("no handler registered for kind %q", kind)
	}
	cfg := m.configs[reg.queue]
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, false, errors.Wrap(err, "marshaling job payload")
	}
	job := &storage.Job{
		ID:          storage.JobID(kind, key, requestID),
		Queue:       reg.queue,
		Kind:        kind,
		Payload:     data,
		State:       storage.StateQueued,
		MaxAttempts: cfg.MaxAttempts,
		ParentID:    parentID,
		CreatedAt:   time.Now().Unix(),
	}
	return m.store.SubmitJob(job)
}

// Start launches the worker pools and the per-queue lease janitors.
func (m *Manager) Start() {
	for name, cfg := range m.configs {
		for i := 0; i < cfg.Concurrency; i++ {
			m.wg.Add(1)
			go m.runWorker(cfg)
		}
		m.wg.Add(1)
		go m.runJanitor(cfg)
		logger.Info("queue workers are started", "queue", name, "concurrency", cfg.Concurrency)
	}
}

// Stop signals every worker and waits for in-flight attempts to wind
// down.
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	for _, cancel := range m.active {
		cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
	logger.Info("queue manager is stopped")
}

// Cancel transitions a non-terminal job to dead and cascades to its
// children. In-process attempts observe the cancellation at their next
// suspension point.
func (m *Manager) Cancel(id, cause string) error {
	now := time.Now().Unix()
	cancelled, err := m.store.CancelJob(id, cause, now)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if cancel, ok := m.active[id]; ok {
		cancel()
	}
	m.mu.Unlock()

	children, err := m.store.ListChildren(id)
	if err != nil {
		return err
	}
	for _, child := range children {
		if !storage.IsTerminalState(child.State) {
			if cerr := m.Cancel(child.ID, "parent cancelled"); cerr != nil {
				logger.Warn("cancelling child job", "id", child.ID, "err", cerr)
			}
		}
	}

	if cancelled {
		cancelledCounter.Inc(1)
		if j, gerr := m.store.GetJob(id); gerr == nil && j != nil {
			m.bus.PublishFailed(j.ID, j.Queue, errors.New(cause))
		}
	}
	return nil
}

// AwaitTerminal blocks until the job reaches a terminal state or ctx
// expires, polling the store. Used by fan-out barriers.
func (m *Manager) AwaitTerminal(ctx context.Context, id string) (*storage.Job, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		j, err := m.store.GetJob(id)
		if err != nil {
			return nil, err
		}
		if j != nil && storage.IsTerminalState(j.State) {
			return j, nil
		}
		select {
		case <-ctx.Done():
			return j, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) runJanitor(cfg *Config) {
	defer m.wg.Done()
	ticker := time.NewTicker(cfg.VisibilityTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			n, err := m.store.RequeueExpired(cfg.Name, time.Now().Unix())
			if err != nil {
				logger.Error("requeueing expired jobs", "queue", cfg.Name, "err", err)
				continue
			}
			if n > 0 {
				requeuedGauge.Update(int64(n))
				logger.Warn("requeued visibility-expired jobs", "queue", cfg.Name, "count", n)
			}
		}
	}
}

func (m *Manager) runWorker(cfg *Config) {
	defer m.wg.Done()
	token, err := uuid.GenerateUUID()
	if err != nil {
		logger.Crit("generating worker token", "err", err)
	}
	for {
		select {
		case <-m.stopCh:
			return
		default:
		}
		now := time.Now()
		job, err := m.store.ClaimNext(cfg.Name, token, now.Unix(), now.Add(cfg.VisibilityTimeout).Unix())
		if err != nil {
			logger.Error("claiming next job", "queue", cfg.Name, "err", err)
		}
		if job == nil {
			select {
			case <-m.stopCh:
				return
			case <-time.After(cfg.PollInterval):
			}
			continue
		}
		claimedCounter.Inc(1)
		m.execute(cfg, token, job)
	}
}

func (m *Manager) execute(cfg *Config, token string, job *storage.Job) {
	_, ok := m.handlers[job.Kind]
	if !ok {
		// No handler in this process; dead-letter rather than looping.
		logger.Error("claimed job without handler", "kind", job.Kind, "id", job.ID)
		_ = m.store.FailJob(job.ID, token, storage.StateDead, "no handler for kind "+job.Kind, time.Now().Unix())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.JobTimeout)
	m.mu.Lock()
	m.active[job.ID] = cancel
	m.mu.Unlock()

	hbStop := make(chan struct{})
	go m.heartbeat(cfg, token, job.ID, cancel, hbStop)

	started := time.Now()
	result, err := m.runHandler(ctx, cfg, token, job)
	close(hbStop)

	m.mu.Lock()
	delete(m.active, job.ID)
	m.mu.Unlock()
	cancel()

	executionTimeGauge.Update(time.Since(started).Milliseconds())
	m.settle(cfg, token, job, result, err, started)
}

func (m *Manager) runHandler(ctx context.Context, cfg *Config, token string, job *storage.Job) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicRecoveryMeter.Mark(1)
			logger.Error("job handler panicked", "id", job.ID, "kind", job.Kind, "panic", r, "stack", string(debug.Stack()))
			err = errors.Errorf("handler panic: %v", r)
		}
	}()
	jc := &JobContext{
		Context: ctx,
		Job:     job,
		manager: m,
		queue:   cfg.Name,
	}
	return m.handlers[job.Kind].handler(jc)
}

func (m *Manager) heartbeat(cfg *Config, token, jobID string, cancel context.CancelFunc, stop chan struct{}) {
	ticker := time.NewTicker(cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			err := m.store.Heartbeat(jobID, token, time.Now().Add(cfg.VisibilityTimeout).Unix())
			if err != nil {
				// The lease moved or the job was cancelled elsewhere;
				// abandon the attempt.
				logger.Warn("heartbeat lost job lease", "id", jobID, "err", err)
				cancel()
				return
			}
		}
	}
}

func (m *Manager) settle(cfg *Config, token string, job *storage.Job, result interface{}, err error, started time.Time) {
	now := time.Now()
	if err == nil {
		data, merr := json.Marshal(result)
		if merr != nil {
			err = errors.Wrap(merr, "marshaling job result")
		} else {
			if cerr := m.store.CompleteJob(job.ID, token, data, now.Unix()); cerr != nil {
				// Lost ownership: the job was requeued or cancelled
				// while we were finishing. Another attempt owns it now.
				logger.Warn("completing job after lease loss", "id", job.ID, "err", cerr)
				return
			}
			completedCounter.Inc(1)
			m.bus.PublishProgress(job.ID, cfg.Name, 100)
			m.bus.PublishCompleted(job.ID, cfg.Name, data, time.Since(started).Milliseconds())
			return
		}
	}

	// Timeouts surface as context errors; normalize to a typed error.
	if errors.Cause(err) == context.DeadlineExceeded {
		err = Retriable(ErrKindTimeout, err)
	}

	if IsRetriable(err) && job.Attempts < cfg.MaxAttempts {
		delay := cfg.backoffDelay(job.Attempts)
		// RunAt has whole-second resolution; round up so a sub-second
		// delay still defers the retry.
		runAt := now.Add(delay)
		runAtSec := runAt.Unix()
		if runAt.Nanosecond() > 0 {
			runAtSec++
		}
		if derr := m.store.DelayJob(job.ID, token, runAtSec, err.Error()); derr != nil {
			logger.Warn("delaying job after lease loss", "id", job.ID, "err", derr)
			return
		}
		retriedCounter.Inc(1)
		logger.Info("job attempt failed, retrying", "id", job.ID, "kind", job.Kind,
			"attempts", job.Attempts, "delay", delay, "err", err)
		return
	}

	state := storage.StateFailed
	if IsRetriable(err) {
		// Retriable failure with attempts exhausted dead-letters.
		state = storage.StateDead
		deadCounter.Inc(1)
	} else {
		failedCounter.Inc(1)
	}
	if ferr := m.store.FailJob(job.ID, token, state, err.Error(), now.Unix()); ferr != nil {
		logger.Warn("failing job after lease loss", "id", job.ID, "err", ferr)
		return
	}
	logger.Warn("job terminally failed", "id", job.ID, "kind", job.Kind, "state", state, "err", err)
	m.bus.PublishFailed(job.ID, cfg.Name, err)
}
