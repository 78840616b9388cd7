package index

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/coder/hnsw"

	"github.com/kailas-cloud/streamdex/internal/metrics"
)

// ANN defaults.
const (
	DefaultANNMinChunks  = 50_000
	DefaultANNM          = 16
	DefaultANNEfSearch   = 64
	DefaultANNOversample = 4

	// minOrphansForRebuild keeps small indexes from rebuilding on every delete.
	minOrphansForRebuild = 1024
)

// ANNConfig configures the approximate accelerator. It serves only unfiltered
// queries on indexes of at least MinChunks chunks; candidates are re-scored
// exactly, so returned scores are exact but recall may be below 100%.
type ANNConfig struct {
	Enabled    bool
	MinChunks  int
	M          int
	EfSearch   int
	Oversample int
}

func (c ANNConfig) withDefaults() ANNConfig {
	if c.MinChunks <= 0 {
		c.MinChunks = DefaultANNMinChunks
	}
	if c.M <= 0 {
		c.M = DefaultANNM
	}
	if c.EfSearch <= 0 {
		c.EfSearch = DefaultANNEfSearch
	}
	if c.Oversample <= 0 {
		c.Oversample = DefaultANNOversample
	}
	return c
}

// annIndex is an HNSW graph over chunk embeddings. Removal is lazy: a removed
// chunk's node stays in the graph as an orphan until the next rebuild.
type annIndex struct {
	cfg ANNConfig

	mu      sync.RWMutex
	graph   *hnsw.Graph[uint64]
	nodes   map[uint64]*entry
	keyOf   map[string]uint64
	nextKey uint64
	orphans int
}

func newANNIndex(cfg ANNConfig) *annIndex {
	a := &annIndex{cfg: cfg}
	a.reset()
	return a
}

// reset empties the graph. Caller holds a.mu or owns a exclusively.
func (a *annIndex) reset() {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = a.cfg.M
	g.EfSearch = a.cfg.EfSearch
	g.Ml = 0.25
	a.graph = g
	a.nodes = map[uint64]*entry{}
	a.keyOf = map[string]uint64{}
	a.orphans = 0
}

// add inserts entries; an entry replacing a chunk id orphans the old node.
func (a *annIndex) add(entries []*entry) {
	if len(entries) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range entries {
		a.insert(e)
	}
}

func (a *annIndex) insert(e *entry) {
	if old, ok := a.keyOf[e.chunk.ID()]; ok {
		delete(a.nodes, old)
		a.orphans++
	}
	a.nextKey++
	key := a.nextKey
	a.keyOf[e.chunk.ID()] = key
	a.nodes[key] = e
	a.graph.Add(hnsw.MakeNode(key, normalize(e.chunk.Embedding(), e.norm)))
}

// remove orphans the nodes of the given chunk ids.
func (a *annIndex) remove(ids []string) {
	if len(ids) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range ids {
		key, ok := a.keyOf[id]
		if !ok {
			continue
		}
		delete(a.keyOf, id)
		delete(a.nodes, key)
		a.orphans++
	}
}

// maybeRebuild rebuilds the graph from snap once orphans outnumber live nodes.
func (a *annIndex) maybeRebuild(snap *Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.orphans < minOrphansForRebuild || a.orphans <= len(a.nodes) {
		return
	}
	a.reset()
	for _, sh := range snap.shards {
		for _, e := range sh.chunks {
			a.insert(e)
		}
	}
	metrics.IndexANNRebuildsTotal.Inc()
}

// search returns up to k candidates from snap, exactly re-scored.
// Nodes not present in snap (orphans or newer entries) are skipped.
func (a *annIndex) search(
	ctx context.Context, snap *Snapshot, q []float32, qnorm float64, k int,
) ([]candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("ann search: %w", err)
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.graph.Len() == 0 {
		return nil, nil
	}
	h := newTopK(k)
	for _, n := range a.graph.Search(normalize(q, qnorm), k*a.cfg.Oversample) {
		e, ok := a.nodes[n.Key]
		if !ok {
			continue
		}
		if cur, ok := snap.shards[snap.shardFor(e.chunk.DocID())].chunks[e.chunk.ID()]; !ok || cur != e {
			continue
		}
		h.offer(candidate{e: e, score: cosine(q, qnorm, e.chunk.Embedding(), e.norm)})
	}
	return h.sorted(), nil
}

func normalize(v []float32, norm float64) []float32 {
	out := make([]float32, len(v))
	if norm == 0 || math.IsNaN(norm) {
		return out
	}
	for i, f := range v {
		out[i] = float32(float64(f) / norm)
	}
	return out
}
