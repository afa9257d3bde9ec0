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

package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/solsight/solsight/log"
)

var logger = log.NewModuleLogger(log.Provider)

const (
	defaultPageSize    = 100
	requestRetries     = 3
	retryBackoffBase   = time.Second
	defaultHTTPTimeout = 30 * time.Second
)

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func DefaultConfig() *Config {
	return &Config{Timeout: defaultHTTPTimeout}
}

type httpClient struct {
	cfg    *Config
	client *http.Client
}

// NewHTTPClient returns a Client speaking the upstream HTTP API.
func NewHTTPClient(cfg *Config) Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &httpClient{cfg: cfg, client: &http.Client{Timeout: timeout}}
}

// getJSON issues a GET with bounded retries on transient failures.
func (c *httpClient) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	var lastErr error
	for attempt := 0; attempt < requestRetries; attempt++ {
		if attempt > 0 {
			delay := retryBackoffBase << uint(attempt-1)
			logger.Debug("retrying upstream request", "path", path, "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		req, err := http.NewRequest(http.MethodGet, c.cfg.BaseURL+path+"?"+query.Encode(), nil)
		if err != nil {
			return errors.Wrap(err, "building upstream request")
		}
		req = req.WithContext(ctx)
		if c.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = errors.Wrap(err, "calling upstream")
			continue
		}
		body, err := ioutil.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = errors.Wrap(err, "reading upstream response")
			continue
		}
		if resp.StatusCode != http.StatusOK {
			apiErr := &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
			if !apiErr.Transient() {
				return apiErr
			}
			lastErr = apiErr
			continue
		}
		return json.Unmarshal(body, out)
	}
	return lastErr
}

type txPage struct {
	Transactions []Transaction `json:"transactions"`
}

type httpIterator struct {
	client *httpClient
	addr   string
	opts   IterOptions

	before  string // pagination cursor: last signature of the prior page
	emitted int
	done    bool
}

func (c *httpClient) Transactions(addr string, opts IterOptions) Iterator {
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	return &httpIterator{client: c, addr: addr, opts: opts}
}

// Next fetches one upstream page and applies the iteration bounds. The
// upstream yields newest-first ordered by (block_time desc, signature
// desc); stop conditions rely on that total order.
func (it *httpIterator) Next(ctx context.Context) ([]Transaction, error) {
	if it.done {
		return nil, nil
	}
	limit := it.opts.PageSize
	if it.opts.MaxSignatures > 0 && it.opts.MaxSignatures-it.emitted < limit {
		limit = it.opts.MaxSignatures - it.emitted
	}
	if limit <= 0 {
		it.done = true
		return nil, nil
	}

	query := url.Values{}
	query.Set("limit", fmt.Sprintf("%d", limit))
	if it.before != "" {
		query.Set("before", it.before)
	}
	if it.opts.UntilOlderThanTs > 0 {
		query.Set("beforeTime", fmt.Sprintf("%d", it.opts.UntilOlderThanTs))
	}

	var page txPage
	err := it.client.getJSON(ctx, "/v1/wallets/"+it.addr+"/transactions", query, &page)
	if err != nil {
		return nil, err
	}
	if len(page.Transactions) == 0 {
		it.done = true
		return nil, nil
	}
	it.before = page.Transactions[len(page.Transactions)-1].Signature

	out := make([]Transaction, 0, len(page.Transactions))
	for _, tx := range page.Transactions {
		if it.opts.StopAtSignature != "" && tx.Signature == it.opts.StopAtSignature {
			it.done = true
			break
		}
		if it.opts.NewestTs > 0 && tx.BlockTime < it.opts.NewestTs {
			it.done = true
			break
		}
		if it.opts.UntilOlderThanTs > 0 && tx.BlockTime >= it.opts.UntilOlderThanTs {
			continue
		}
		out = append(out, tx)
		it.emitted++
		if it.opts.MaxSignatures > 0 && it.emitted >= it.opts.MaxSignatures {
			it.done = true
			break
		}
	}
	if len(page.Transactions) < limit {
		it.done = true
	}
	return out, nil
}

type balancesResponse struct {
	Balances []Balance `json:"balances"`
}

func (c *httpClient) GetBalances(ctx context.Context, addr string) ([]Balance, error) {
	var resp balancesResponse
	if err := c.getJSON(ctx, "/v1/wallets/"+addr+"/balances", url.Values{}, &resp); err != nil {
		return nil, err
	}
	return resp.Balances, nil
}

type metadataResponse struct {
	Tokens []TokenMeta `json:"tokens"`
}

func (c *httpClient) GetTokenMetadata(ctx context.Context, mints []string) ([]TokenMeta, error) {
	query := url.Values{}
	query.Set("mints", strings.Join(mints, ","))
	var resp metadataResponse
	if err := c.getJSON(ctx, "/v1/tokens/metadata", query, &resp); err != nil {
		return nil, err
	}
	return resp.Tokens, nil
}
