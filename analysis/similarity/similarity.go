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

// Package similarity implements the multi-wallet similarity flow: fan
// out one dashboard analysis per wallet, aggregate feature vectors from
// the successful ones, and score every unordered pair. Given identical
// inputs and repository state the output matrix is bit-identical.
package similarity

import (
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/solsight/solsight/analysis"
	"github.com/solsight/solsight/common"
	"github.com/solsight/solsight/log"
	"github.com/solsight/solsight/params"
	"github.com/solsight/solsight/queue"
	"github.com/solsight/solsight/storage"
)

var logger = log.NewModuleLogger(log.Similarity)

// Vector types.
const (
	VectorCapital  = "capital"
	VectorToken    = "token"
	VectorTemporal = "temporal"
)

// FlowInput is the similarity-flow job payload.
type FlowInput struct {
	WalletAddresses  []string            `json:"walletAddresses"`
	VectorType       string              `json:"vectorType"`
	TimeRange        *analysis.TimeRange `json:"timeRange,omitempty"`
	FailureThreshold float64             `json:"failureThreshold,omitempty"`
}

// PairScore carries one unordered pair's similarity and the features
// contributing most to it.
type PairScore struct {
	WalletA        string   `json:"walletA"`
	WalletB        string   `json:"walletB"`
	Score          float64  `json:"score"`
	SharedFeatures []string `json:"sharedFeatures,omitempty"`
}

// FlowResult is the similarity flow's persisted result payload.
type FlowResult struct {
	Wallets       []string    `json:"wallets"`
	FailedWallets []string    `json:"failedWallets,omitempty"`
	VectorType    string      `json:"vectorType"`
	Matrix        [][]float64 `json:"matrix"`
	Pairs         []PairScore `json:"pairs"`
}

// Store is the repository surface vector aggregation reads from.
type Store interface {
	storage.TransactionStore
}

// Flow owns the similarity job handler.
type Flow struct {
	store Store
}

func NewFlow(store Store) *Flow {
	return &Flow{store: store}
}

// Register binds the flow kind to the similarity queue.
func (f *Flow) Register(m *queue.Manager) {
	m.Register(params.KindSimilarityFlow, params.QueueSimilarityOps, f.handleFlow)
}

// ValidateInput applies submission-time checks so controllers can reject
// malformed flows with a 400 before any job is created.
func ValidateInput(in *FlowInput) error {
	in.WalletAddresses = common.UniqueAddresses(in.WalletAddresses)
	if len(in.WalletAddresses) < params.MinSimilarityWallets {
		return errors.Errorf("similarity flow needs at least %d distinct wallets", params.MinSimilarityWallets)
	}
	for _, addr := range in.WalletAddresses {
		if err := common.ValidateAddress(addr); err != nil {
			return err
		}
	}
	switch in.VectorType {
	case VectorCapital, VectorToken, VectorTemporal:
	case "":
		in.VectorType = VectorCapital
	default:
		return errors.Errorf("unknown vector type %q", in.VectorType)
	}
	if in.FailureThreshold < 0 || in.FailureThreshold > 1 {
		return errors.Errorf("failure threshold %v outside [0,1]", in.FailureThreshold)
	}
	if in.FailureThreshold == 0 {
		in.FailureThreshold = params.DefaultFailureThreshold
	}
	return nil
}

func (f *Flow) handleFlow(ctx *queue.JobContext) (interface{}, error) {
	var in FlowInput
	if err := ctx.Bind(&in); err != nil {
		return nil, err
	}
	if err := ValidateInput(&in); err != nil {
		return nil, queue.Permanent(queue.ErrKindValidation, err)
	}
	ctx.Progress(5)

	// Fan-out: one dashboard analysis per wallet, keyed to this flow so
	// re-submissions dedup to the same children.
	childIDs := make(map[string]string, len(in.WalletAddresses)) // wallet -> job id
	for _, addr := range in.WalletAddresses {
		child, _, err := ctx.Manager().SubmitChild(ctx.Job.ID, params.KindDashboardAnalysis,
			addr, ctx.Job.ID, &analysis.DashboardPayload{
				WalletAddress:  addr,
				ForceRefresh:   false,
				EnrichMetadata: false,
			})
		if err != nil {
			return nil, err
		}
		childIDs[addr] = child.ID
	}
	fanOutGauge.Update(int64(len(childIDs)))
	ctx.Progress(15)

	// Barrier: children run to terminal state or the flow deadline;
	// stragglers are cancelled.
	successful, failed := f.awaitChildren(ctx, childIDs)
	ctx.Progress(60)

	ratio := float64(len(successful)) / float64(len(in.WalletAddresses))
	if ratio < in.FailureThreshold {
		logger.Warn("similarity flow below threshold", "successful", len(successful),
			"total", len(in.WalletAddresses), "threshold", in.FailureThreshold, "failed", failed)
		return nil, queue.Permanent(queue.ErrKindInsufficientInputs,
			errors.Errorf("success ratio %.2f below threshold %.2f, failed wallets: %v",
				ratio, in.FailureThreshold, failed))
	}

	// Aggregate: deterministic per-wallet vectors over the common range.
	sort.Strings(successful)
	vectors := make(map[string]map[string]float64, len(successful))
	for _, addr := range successful {
		if err := ctx.Checkpoint(); err != nil {
			return nil, err
		}
		vec, err := f.buildVector(addr, in.VectorType, in.TimeRange)
		if err != nil {
			return nil, err
		}
		vectors[addr] = vec
	}
	ctx.Progress(80)

	result := &FlowResult{
		Wallets:       successful,
		FailedWallets: failed,
		VectorType:    in.VectorType,
		Matrix:        make([][]float64, len(successful)),
	}
	for i := range successful {
		result.Matrix[i] = make([]float64, len(successful))
		result.Matrix[i][i] = 1
	}
	for i := 0; i < len(successful); i++ {
		for j := i + 1; j < len(successful); j++ {
			score, shared := cosine(vectors[successful[i]], vectors[successful[j]])
			result.Matrix[i][j] = score
			result.Matrix[j][i] = score
			result.Pairs = append(result.Pairs, PairScore{
				WalletA:        successful[i],
				WalletB:        successful[j],
				Score:          score,
				SharedFeatures: shared,
			})
		}
	}
	ctx.Progress(95)
	return result, nil
}

// awaitChildren blocks until every child is terminal or the attempt
// deadline passes, cancelling children that are still running.
func (f *Flow) awaitChildren(ctx *queue.JobContext, childIDs map[string]string) (successful, failed []string) {
	pending := make(map[string]string, len(childIDs))
	for addr, id := range childIDs {
		pending[addr] = id
	}
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for len(pending) > 0 {
		for addr, id := range pending {
			j, err := ctx.Manager().Store().GetJob(id)
			if err != nil || j == nil {
				continue
			}
			if !storage.IsTerminalState(j.State) {
				continue
			}
			if j.State == storage.StateCompleted {
				successful = append(successful, addr)
			} else {
				failed = append(failed, addr)
			}
			delete(pending, addr)
		}
		if len(pending) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			for addr, id := range pending {
				if err := ctx.Manager().Cancel(id, "similarity flow timed out"); err != nil {
					logger.Warn("cancelling straggler child", "id", id, "err", err)
				}
				failed = append(failed, addr)
			}
			sort.Strings(failed)
			return successful, failed
		case <-ticker.C:
		}
	}
	sort.Strings(failed)
	return successful, failed
}

// buildVector maps a wallet to its feature vector of the requested type.
func (f *Flow) buildVector(addr, vectorType string, tr *analysis.TimeRange) (map[string]float64, error) {
	var from, to int64
	if tr != nil {
		from, to = tr.From, tr.To
	}
	txs, err := f.store.ListTransactions(addr, from, to)
	if err != nil {
		return nil, err
	}
	vec := make(map[string]float64)
	for _, tx := range txs {
		switch vectorType {
		case VectorCapital:
			if tx.Direction == "in" {
				vec[tx.TokenMint] += tx.AmountUSD
			} else {
				vec[tx.TokenMint] -= tx.AmountUSD
			}
		case VectorToken:
			vec[tx.TokenMint]++
		case VectorTemporal:
			vec[hourKey(tx.BlockTime)]++
		}
	}
	return vec, nil
}

func hourKey(ts int64) string {
	return time.Unix(ts, 0).UTC().Format("15")
}

// cosine scores two sparse vectors and reports up to three dimensions
// both wallets share, strongest overlap first. Dimensions are visited in
// sorted order so the result is reproducible.
func cosine(a, b map[string]float64) (float64, []string) {
	dims := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		dims[k] = struct{}{}
	}
	for k := range b {
		dims[k] = struct{}{}
	}
	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var dot, normA, normB float64
	type contribution struct {
		key   string
		value float64
	}
	var shared []contribution
	for _, k := range keys {
		av, bv := a[k], b[k]
		dot += av * bv
		normA += av * av
		normB += bv * bv
		if av != 0 && bv != 0 {
			shared = append(shared, contribution{key: k, value: math.Abs(av * bv)})
		}
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	score := dot / (math.Sqrt(normA) * math.Sqrt(normB))

	sort.Slice(shared, func(i, j int) bool {
		if shared[i].value != shared[j].value {
			return shared[i].value > shared[j].value
		}
		return shared[i].key < shared[j].key
	})
	var names []string
	for i := 0; i < len(shared) && i < 3; i++ {
		names = append(names, shared[i].key)
	}
	return score, names
}
