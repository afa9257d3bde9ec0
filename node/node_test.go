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
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryConfig() *Config {
	cfg := DefaultConfig()
	cfg.Backend = BackendMemory
	cfg.Redis.Enabled = false
	cfg.HTTP.ListenAddr = "127.0.0.1:0"
	cfg.LogLevel = "error"
	return cfg
}

func TestNode_StartStop(t *testing.T) {
	n, err := New(memoryConfig())
	require.NoError(t, err)
	require.NoError(t, n.Start())

	// The HTTP boundary answers once started.
	resp, err := http.Get("http://" + n.Server().Addr() + "/v1/jobs/unknown")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	n.Stop()
	// Stop is idempotent.
	n.Stop()
}

func TestNode_UnknownBackend(t *testing.T) {
	cfg := memoryConfig()
	cfg.Backend = "bogus"
	_, err := New(cfg)
	assert.Error(t, err)
}
