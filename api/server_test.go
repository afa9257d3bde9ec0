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

package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solsight/solsight/event"
	"github.com/solsight/solsight/lock"
	"github.com/solsight/solsight/params"
	"github.com/solsight/solsight/queue"
	"github.com/solsight/solsight/storage/memdb"
)

const walletA = "Wa11etAAAAWa11etAAAAWa11etAAAAWa"

type testServer struct {
	server *Server
	store  *memdb.Store
	locker lock.Locker
	base   string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := memdb.New()
	locker := lock.NewMemoryLocker()
	feed := event.NewFeed()

	cfgs := queue.DefaultConfigs()
	for _, cfg := range cfgs {
		cfg.PollInterval = 10 * time.Millisecond
	}
	manager := queue.NewManager(store, feed, cfgs)
	for _, kind := range []string{
		params.KindSyncWallet, params.KindFetchBalance,
		params.KindAnalyzePnl, params.KindAnalyzeBehavior,
		params.KindDashboardAnalysis,
	} {
		manager.Register(kind, params.QueueAnalysisOps,
			func(ctx *queue.JobContext) (interface{}, error) { return "done", nil })
	}
	manager.Register(params.KindSimilarityFlow, params.QueueSimilarityOps,
		func(ctx *queue.JobContext) (interface{}, error) { return "done", nil })
	manager.Start()
	t.Cleanup(manager.Stop)

	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	server := NewServer(cfg, store, manager, feed, locker)
	require.NoError(t, server.Start())
	t.Cleanup(func() { server.Stop() })

	return &testServer{
		server: server,
		store:  store,
		locker: locker,
		base:   "http://" + server.Addr(),
	}
}

func (ts *testServer) post(t *testing.T, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.base+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	payload, err := ioutil.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, payload
}

func (ts *testServer) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(ts.base + path)
	require.NoError(t, err)
	payload, err := ioutil.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, payload
}

func TestSubmitDashboardAndReadJob(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.post(t, "/v1/jobs/dashboard-wallet-analysis", map[string]interface{}{
		"walletAddress": walletA,
		"requestId":     "r1",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var submitted struct {
		ID      string `json:"id"`
		Created bool   `json:"created"`
	}
	require.NoError(t, json.Unmarshal(body, &submitted))
	assert.True(t, submitted.Created)

	// Idempotent resubmission resolves to the same id.
	resp, body = ts.post(t, "/v1/jobs/dashboard-wallet-analysis", map[string]interface{}{
		"walletAddress": walletA,
		"requestId":     "r1",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var again struct {
		ID      string `json:"id"`
		Created bool   `json:"created"`
	}
	require.NoError(t, json.Unmarshal(body, &again))
	assert.Equal(t, submitted.ID, again.ID)

	// The job becomes observable and terminal through the API.
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, body = ts.get(t, "/v1/jobs/"+submitted.ID)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var job struct {
			State    string `json:"state"`
			Progress int    `json:"progress"`
		}
		require.NoError(t, json.Unmarshal(body, &job))
		if job.State == "completed" {
			assert.Equal(t, 100, job.Progress)
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never completed: %s", body)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSubmitDashboard_InvalidAddress(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.post(t, "/v1/jobs/dashboard-wallet-analysis", map[string]interface{}{
		"walletAddress": "nope",
		"requestId":     "r1",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitDashboard_BusyWallet(t *testing.T) {
	ts := newTestServer(t)
	ok, err := ts.locker.Acquire(lock.DashboardKey(walletA), "holder", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	resp, _ := ts.post(t, "/v1/jobs/dashboard-wallet-analysis", map[string]interface{}{
		"walletAddress": walletA,
		"requestId":     "r-new",
	})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSubmitSimilarity_Validation(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.post(t, "/v1/jobs/similarity-flow", map[string]interface{}{
		"walletAddresses": []string{walletA},
		"requestId":       "r1",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetJob_NotFound(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.get(t, "/v1/jobs/doesnotexist")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWalletStatus(t *testing.T) {
	ts := newTestServer(t)
	now := time.Now().Unix()
	require.NoError(t, ts.store.AdvanceSyncState(walletA, "sig", now-10, now-20, now-10))

	missing := "Wa11etBBBBWa11etBBBBWa11etBBBBWa"
	resp, body := ts.get(t, fmt.Sprintf("/v1/wallets/status?addresses=%s,%s", walletA, missing))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Statuses []struct {
			WalletAddress string `json:"walletAddress"`
			Status        string `json:"status"`
		} `json:"statuses"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Statuses, 2)
	assert.Equal(t, "FRESH", out.Statuses[0].Status)
	assert.Equal(t, "MISSING", out.Statuses[1].Status)

	resp, _ = ts.get(t, "/v1/wallets/status")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
