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

// Package enrichment resolves token metadata for mints observed during
// analysis. It runs as a dependent background job; its failures never
// propagate to the submitting flow.
package enrichment

import (
	"encoding/json"
	"time"

	"github.com/solsight/solsight/analysis"
	"github.com/solsight/solsight/common"
	"github.com/solsight/solsight/log"
	"github.com/solsight/solsight/params"
	"github.com/solsight/solsight/provider"
	"github.com/solsight/solsight/queue"
	"github.com/solsight/solsight/storage"
	"github.com/solsight/solsight/storage/kv"
)

var logger = log.NewModuleLogger(log.Enrichment)

const metadataCacheSize = 4096

// Worker owns the enrich-token-balances handler.
type Worker struct {
	meta     storage.MetadataStore
	provider provider.Client
	cache    common.Cache
	spill    kv.KVStore
}

func NewWorker(meta storage.MetadataStore, client provider.Client, spill kv.KVStore) *Worker {
	return &Worker{
		meta:     meta,
		provider: client,
		cache:    common.NewCache(metadataCacheSize),
		spill:    spill,
	}
}

// Register binds the enrichment kind to its queue.
func (w *Worker) Register(m *queue.Manager) {
	m.Register(params.KindEnrichTokens, params.QueueEnrichmentOps, w.handleEnrich)
}

func (w *Worker) handleEnrich(ctx *queue.JobContext) (interface{}, error) {
	var payload analysis.EnrichPayload
	if err := ctx.Bind(&payload); err != nil {
		return nil, err
	}
	ctx.Progress(10)

	// Resolve from the in-process cache and the local spill first; only
	// the misses go upstream.
	var misses []string
	resolved := 0
	for _, mint := range payload.Mints {
		if w.cache.Contains(mint) {
			resolved++
			continue
		}
		if w.fromSpill(mint) {
			resolved++
			continue
		}
		misses = append(misses, mint)
	}
	ctx.Progress(40)

	if len(misses) > 0 {
		metas, err := w.provider.GetTokenMetadata(ctx, misses)
		if err != nil {
			if provider.IsTransient(err) {
				return nil, queue.Retriable(queue.ErrKindUpstreamTransient, err)
			}
			return nil, queue.Permanent(queue.ErrKindUpstreamPermanent, err)
		}
		records := make([]*storage.TokenMetadata, 0, len(metas))
		now := time.Now().Unix()
		for _, meta := range metas {
			rec := &storage.TokenMetadata{
				Mint:      meta.Mint,
				Symbol:    meta.Symbol,
				Name:      meta.Name,
				Decimals:  meta.Decimals,
				UpdatedAt: now,
			}
			records = append(records, rec)
			w.cache.Add(meta.Mint, rec)
			w.toSpill(rec)
		}
		if err := w.meta.WriteTokenMetadata(records); err != nil {
			return nil, err
		}
		resolved += len(records)
	}
	ctx.Progress(90)

	enrichedCounter.Inc(int64(resolved))
	logger.Debug("token metadata enriched", "wallet", payload.WalletAddress,
		"requested", len(payload.Mints), "resolved", resolved)
	return map[string]int{"requested": len(payload.Mints), "resolved": resolved}, nil
}

func (w *Worker) fromSpill(mint string) bool {
	if w.spill == nil {
		return false
	}
	data, err := w.spill.Get(kv.MetaKey(mint))
	if err != nil || data == nil {
		return false
	}
	var rec storage.TokenMetadata
	if err := json.Unmarshal(data, &rec); err != nil {
		return false
	}
	w.cache.Add(mint, &rec)
	return true
}

func (w *Worker) toSpill(rec *storage.TokenMetadata) {
	if w.spill == nil {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := w.spill.Put(kv.MetaKey(rec.Mint), data); err != nil {
		logger.Warn("writing metadata spill", "mint", rec.Mint, "err", err)
	}
}
