package index

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"runtime"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kailas-cloud/streamdex/internal/domain"
	"github.com/kailas-cloud/streamdex/internal/domain/search/filter"
	"github.com/kailas-cloud/streamdex/internal/domain/search/result"
	"github.com/kailas-cloud/streamdex/internal/metrics"
)

// scoreEpsilon snaps float noise around exact similarity to the boundary.
const scoreEpsilon = 1e-9

// ctxCheckEvery is how many chunks a scan visits between cancellation checks.
const ctxCheckEvery = 1024

// Strategy names the scan used by a query.
type Strategy string

// Query strategies.
const (
	StrategyExact Strategy = "exact"
	StrategyANN   Strategy = "ann"
)

// QueryResult is a ranked answer read from a single snapshot.
type QueryResult struct {
	Items      []result.Result
	Generation uint64
	Strategy   Strategy
}

// Query returns the k chunks most cosine-similar to vector among those whose
// document passes filters. Ties are broken by higher generation, then by
// ascending chunk id. Cancelling ctx abandons the scan with no side effects.
func (x *Index) Query(
	ctx context.Context, vector []float32, k int, filters filter.Expression,
) (QueryResult, error) {
	if x.closed.Load() {
		return QueryResult{}, domain.ErrIndexClosed
	}
	if k <= 0 {
		return QueryResult{}, fmt.Errorf("%w: k must be positive, got %d", domain.ErrInvalidRequest, k)
	}
	if err := domain.CheckDimensions(vector, x.cfg.Dimensions); err != nil {
		return QueryResult{}, err
	}
	qnorm := vectorNorm(vector)
	if qnorm == 0 || math.IsNaN(qnorm) || math.IsInf(qnorm, 0) {
		return QueryResult{}, fmt.Errorf("%w: query vector must be finite and non-zero", domain.ErrInvalidRequest)
	}

	snap := x.current.Load()
	start := time.Now()

	var (
		cands    []candidate
		strategy = StrategyExact
		err      error
	)
	if x.useANN(snap, filters) {
		strategy = StrategyANN
		cands, err = x.ann.search(ctx, snap, vector, qnorm, k)
		// Orphans near the query can starve the candidate list; the exact
		// scan is the only way to honour k then.
		if err == nil && len(cands) < min(k, snap.chunkCount) {
			metrics.IndexANNFallbacksTotal.Inc()
			strategy = StrategyExact
			cands, err = x.scan(ctx, snap, vector, qnorm, k, filters)
		}
	} else {
		cands, err = x.scan(ctx, snap, vector, qnorm, k, filters)
	}
	if err != nil {
		return QueryResult{}, err
	}
	metrics.IndexQueryDuration.WithLabelValues(string(strategy)).Observe(time.Since(start).Seconds())

	items := make([]result.Result, len(cands))
	for i, c := range cands {
		d := snap.shards[snap.shardFor(c.e.chunk.DocID())].docs[c.e.chunk.DocID()]
		items[i] = result.New(
			c.e.chunk.ID(), c.e.chunk.DocID(), c.e.chunk.Text(),
			d.metadata, c.score, c.e.chunk.Generation(),
		)
	}
	return QueryResult{Items: items, Generation: snap.generation, Strategy: strategy}, nil
}

func (x *Index) useANN(snap *Snapshot, filters filter.Expression) bool {
	return x.ann != nil && filters.IsEmpty() && snap.chunkCount >= x.ann.cfg.MinChunks
}

// scan is the exact linear search over every chunk passing filters.
func (x *Index) scan(
	ctx context.Context, snap *Snapshot, q []float32, qnorm float64, k int, filters filter.Expression,
) ([]candidate, error) {
	if snap.chunkCount < x.cfg.ParallelThreshold {
		h := newTopK(k)
		for _, sh := range snap.shards {
			if err := scanShard(ctx, sh, q, qnorm, filters, h); err != nil {
				return nil, err
			}
		}
		return h.sorted(), nil
	}

	heaps := make([]*topK, len(snap.shards))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, sh := range snap.shards {
		heaps[i] = newTopK(k)
		g.Go(func() error {
			return scanShard(gctx, sh, q, qnorm, filters, heaps[i])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := newTopK(k)
	for _, h := range heaps {
		for _, c := range h.items {
			merged.offer(c)
		}
	}
	return merged.sorted(), nil
}

func scanShard(
	ctx context.Context, sh *shard, q []float32, qnorm float64, filters filter.Expression, h *topK,
) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	visited := 0
	visit := func(e *entry) error {
		visited++
		if visited%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
		}
		h.offer(candidate{e: e, score: cosine(q, qnorm, e.chunk.Embedding(), e.norm)})
		return nil
	}

	if filters.IsEmpty() {
		for _, e := range sh.chunks {
			if err := visit(e); err != nil {
				return err
			}
		}
		return nil
	}
	for id, d := range sh.docs {
		if !filters.Matches(id, d.metadata) {
			continue
		}
		for _, cid := range d.chunkIDs {
			if err := visit(sh.chunks[cid]); err != nil {
				return err
			}
		}
	}
	return nil
}

// cosine computes similarity in float64 and snaps values within scoreEpsilon of ±1.
func cosine(a []float32, anorm float64, b []float32, bnorm float64) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	s := dot / (anorm * bnorm)
	switch {
	case s > 1-scoreEpsilon:
		return 1
	case s < -1+scoreEpsilon:
		return -1
	}
	return s
}

type candidate struct {
	e     *entry
	score float64
}

// better orders candidates: higher score, then higher generation, then lower chunk id.
func better(a, b candidate) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	if ga, gb := a.e.chunk.Generation(), b.e.chunk.Generation(); ga != gb {
		return ga > gb
	}
	return a.e.chunk.ID() < b.e.chunk.ID()
}

// topK keeps the k best candidates; the root is the worst kept one.
type topK struct {
	k     int
	items []candidate
}

func newTopK(k int) *topK { return &topK{k: k, items: make([]candidate, 0, min(k, 1024))} }

func (h *topK) Len() int           { return len(h.items) }
func (h *topK) Less(i, j int) bool { return better(h.items[j], h.items[i]) }
func (h *topK) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *topK) Push(x any)         { h.items = append(h.items, x.(candidate)) }
func (h *topK) Pop() any {
	n := len(h.items)
	c := h.items[n-1]
	h.items = h.items[:n-1]
	return c
}

func (h *topK) offer(c candidate) {
	if len(h.items) < h.k {
		heap.Push(h, c)
		return
	}
	if better(c, h.items[0]) {
		h.items[0] = c
		heap.Fix(h, 0)
	}
}

func (h *topK) sorted() []candidate {
	out := slices.Clone(h.items)
	slices.SortFunc(out, func(a, b candidate) int {
		switch {
		case better(a, b):
			return -1
		case better(b, a):
			return 1
		}
		return strings.Compare(a.e.chunk.ID(), b.e.chunk.ID())
	})
	return out
}
