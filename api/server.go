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

// Package api is the thin HTTP boundary: request validation, job
// submission and observation. All orchestration lives in the queue
// runtime and the handlers behind it.
package api

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"github.com/solsight/solsight/analysis"
	"github.com/solsight/solsight/analysis/similarity"
	"github.com/solsight/solsight/common"
	"github.com/solsight/solsight/datasync/syncer"
	"github.com/solsight/solsight/event"
	"github.com/solsight/solsight/lock"
	"github.com/solsight/solsight/log"
	"github.com/solsight/solsight/params"
	"github.com/solsight/solsight/queue"
	"github.com/solsight/solsight/storage"
)

var logger = log.NewModuleLogger(log.API)

type Config struct {
	ListenAddr   string
	CORSOrigins  []string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		ListenAddr:  ":8560",
		ReadTimeout: 30 * time.Second,
		// No write timeout so SSE streams are not cut off.
		WriteTimeout: 0,
	}
}

// Store is the read surface the API needs.
type Store interface {
	storage.JobStore
	storage.WalletStore
}

type Server struct {
	cfg     *Config
	store   Store
	manager *queue.Manager
	feed    *event.Feed
	locker  lock.Locker

	httpServer *http.Server
	listener   net.Listener
}

func NewServer(cfg *Config, store Store, manager *queue.Manager, feed *event.Feed, locker lock.Locker) *Server {
	s := &Server{cfg: cfg, store: store, manager: manager, feed: feed, locker: locker}

	router := httprouter.New()
	router.POST("/v1/jobs/sync-wallet", s.submitSyncWallet)
	router.POST("/v1/jobs/fetch-balance", s.submitFetchBalance)
	router.POST("/v1/jobs/analyze-pnl", s.submitAnalyzePnl)
	router.POST("/v1/jobs/analyze-behavior", s.submitAnalyzeBehavior)
	router.POST("/v1/jobs/dashboard-wallet-analysis", s.submitDashboard)
	router.POST("/v1/jobs/similarity-flow", s.submitSimilarity)
	router.GET("/v1/jobs/:id", s.getJob)
	router.GET("/v1/wallets/status", s.walletStatus)
	router.GET("/v1/events", s.streamEvents)

	handler := cors.New(cors.Options{AllowedOrigins: cfg.CORSOrigins}).Handler(router)
	s.httpServer = &http.Server{
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = listener
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("http server terminated", "err", err)
		}
	}()
	logger.Info("http api is listening", "addr", listener.Addr().String())
	return nil
}

func (s *Server) Stop() error {
	return s.httpServer.Close()
}

// Addr returns the bound listen address, useful when the configured port
// is 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// ---- helpers ----

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("encoding http response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type submitResponse struct {
	ID      string `json:"id"`
	Created bool   `json:"created"`
}

func (s *Server) decode(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// ---- submissions ----

type syncRequest struct {
	WalletAddress string         `json:"walletAddress"`
	Options       syncer.Options `json:"options"`
	RequestID     string         `json:"requestId"`
}

func (s *Server) submitSyncWallet(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req syncRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := common.ValidateAddress(req.WalletAddress); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	// Duplicate submissions of the same (kind, wallet, requestId) dedup
	// to the running record; anything else hitting a held lock is busy.
	id := storage.JobID(params.KindSyncWallet, req.WalletAddress, req.RequestID)
	if existing, err := s.store.GetJob(id); err == nil && existing == nil {
		if held, _ := s.locker.Held(lock.SyncKey(req.WalletAddress)); held {
			writeError(w, http.StatusServiceUnavailable, fmt.Errorf("wallet sync already in progress"))
			return
		}
	}
	job, created, err := s.manager.Submit(params.KindSyncWallet, req.WalletAddress, req.RequestID,
		&analysis.SyncPayload{WalletAddress: req.WalletAddress, Options: req.Options})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{ID: job.ID, Created: created})
}

type balanceRequest struct {
	WalletAddress string `json:"walletAddress"`
	RequestID     string `json:"requestId"`
}

func (s *Server) submitFetchBalance(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req balanceRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := common.ValidateAddress(req.WalletAddress); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	job, created, err := s.manager.Submit(params.KindFetchBalance, req.WalletAddress, req.RequestID,
		&analysis.BalancePayload{WalletAddress: req.WalletAddress})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{ID: job.ID, Created: created})
}

type pnlRequest struct {
	WalletAddress string `json:"walletAddress"`
	ForceRefresh  bool   `json:"forceRefresh"`
	RequestID     string `json:"requestId"`
}

func (s *Server) submitAnalyzePnl(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req pnlRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := common.ValidateAddress(req.WalletAddress); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	job, created, err := s.manager.Submit(params.KindAnalyzePnl, req.WalletAddress, req.RequestID,
		&analysis.PnlPayload{WalletAddress: req.WalletAddress, ForceRefresh: req.ForceRefresh})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{ID: job.ID, Created: created})
}

type behaviorRequest struct {
	WalletAddress string                   `json:"walletAddress"`
	Options       analysis.BehaviorOptions `json:"options"`
	RequestID     string                   `json:"requestId"`
}

func (s *Server) submitAnalyzeBehavior(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req behaviorRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := common.ValidateAddress(req.WalletAddress); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	job, created, err := s.manager.Submit(params.KindAnalyzeBehavior, req.WalletAddress, req.RequestID,
		&analysis.BehaviorPayload{WalletAddress: req.WalletAddress, Options: req.Options})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{ID: job.ID, Created: created})
}

type dashboardRequest struct {
	WalletAddress  string `json:"walletAddress"`
	ForceRefresh   bool   `json:"forceRefresh"`
	EnrichMetadata bool   `json:"enrichMetadata"`
	RequestID      string `json:"requestId"`
}

func (s *Server) submitDashboard(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req dashboardRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := common.ValidateAddress(req.WalletAddress); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	// Duplicate submissions of the same (kind, wallet, requestId) dedup
	// to the running record; anything else hitting a held lock is busy.
	id := storage.JobID(params.KindDashboardAnalysis, req.WalletAddress, req.RequestID)
	if existing, err := s.store.GetJob(id); err == nil && existing == nil {
		if held, _ := s.locker.Held(lock.DashboardKey(req.WalletAddress)); held {
			writeError(w, http.StatusServiceUnavailable, fmt.Errorf("wallet analysis already in progress"))
			return
		}
	}
	job, created, err := s.manager.Submit(params.KindDashboardAnalysis, req.WalletAddress, req.RequestID,
		&analysis.DashboardPayload{
			WalletAddress:  req.WalletAddress,
			ForceRefresh:   req.ForceRefresh,
			EnrichMetadata: req.EnrichMetadata,
		})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{ID: job.ID, Created: created})
}

type similarityRequest struct {
	similarity.FlowInput
	RequestID string `json:"requestId"`
}

func (s *Server) submitSimilarity(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req similarityRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := similarity.ValidateInput(&req.FlowInput); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	flowKey := strings.Join(req.FlowInput.WalletAddresses, ",")
	job, created, err := s.manager.Submit(params.KindSimilarityFlow, flowKey, req.RequestID, &req.FlowInput)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{ID: job.ID, Created: created})
}

// ---- observation ----

type jobResponse struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Kind        string          `json:"kind"`
	State       string          `json:"state"`
	Progress    int             `json:"progress"`
	Attempts    int             `json:"attempts"`
	CreatedAt   int64           `json:"createdAt"`
	StartedAt   int64           `json:"startedAt,omitempty"`
	FinishedAt  int64           `json:"finishedAt,omitempty"`
	ChildrenIDs []string        `json:"childrenIds,omitempty"`
	Error       string          `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	job, err := s.store.GetJob(ps.ByName("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown job"))
		return
	}
	children, err := s.store.ListChildren(job.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := jobResponse{
		ID:         job.ID,
		Queue:      job.Queue,
		Kind:       job.Kind,
		State:      job.State,
		Progress:   job.Progress,
		Attempts:   job.Attempts,
		CreatedAt:  job.CreatedAt,
		StartedAt:  job.StartedAt,
		FinishedAt: job.FinishedAt,
		Error:      job.Error,
		Result:     job.Result,
	}
	for _, child := range children {
		resp.ChildrenIDs = append(resp.ChildrenIDs, child.ID)
	}
	writeJSON(w, http.StatusOK, resp)
}

type walletStatusEntry struct {
	WalletAddress string `json:"walletAddress"`
	Status        string `json:"status"`
}

func (s *Server) walletStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	raw := r.URL.Query().Get("addresses")
	if raw == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("addresses query parameter is required"))
		return
	}
	addrs := common.UniqueAddresses(strings.Split(raw, ","))
	now := time.Now()
	statuses := make([]walletStatusEntry, 0, len(addrs))
	for _, addr := range addrs {
		if err := common.ValidateAddress(addr); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		wallet, err := s.store.GetWallet(addr)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		statuses = append(statuses, walletStatusEntry{
			WalletAddress: addr,
			Status:        string(analysis.Classify(wallet, now)),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"statuses": statuses})
}

// streamEvents serves the progress bus as server-sent events, filtered
// by job_id and/or queue.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}
	filter := event.Filter{
		JobID: r.URL.Query().Get("jobId"),
		Queue: r.URL.Query().Get("queue"),
	}
	sub := s.feed.Subscribe(filter)
	defer sub.Unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
