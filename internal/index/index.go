// Package index implements the in-memory incremental chunk index.
//
// Readers load an immutable Snapshot through an atomic pointer. A single writer,
// serialized by a mutex, builds the next snapshot by copying only the shard that
// owns the mutated document and publishes it in one pointer swap, so a query never
// observes a partially applied document.
package index

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/streamdex/internal/domain"
	"github.com/kailas-cloud/streamdex/internal/domain/chunk"
	"github.com/kailas-cloud/streamdex/internal/domain/document"
	"github.com/kailas-cloud/streamdex/internal/metrics"
)

// Defaults.
const (
	DefaultShards            = 64
	DefaultParallelThreshold = 8192
)

// Config holds index settings.
type Config struct {
	// Dimensions every embedding must have.
	Dimensions int
	// Shards is the number of copy-on-write shards.
	Shards int
	// ParallelThreshold is the chunk count above which a scan fans out over shards.
	ParallelThreshold int
	// ANN configures the optional approximate accelerator.
	ANN ANNConfig
	// Now returns the wall clock; defaults to time.Now.
	Now    func() time.Time
	Logger *zap.Logger
}

// Mutation describes the effect of a write.
type Mutation struct {
	Applied    bool
	Generation uint64
	Added      int
	Removed    int
	Kept       int
}

// Stats is an aggregate view of the current snapshot.
type Stats struct {
	Documents  int
	Chunks     int
	Generation uint64
	LastIngest time.Time
}

// Index is the incremental chunk index. Safe for concurrent use: any number of
// queries run in parallel with one writer at a time.
type Index struct {
	cfg     Config
	logger  *zap.Logger
	current atomic.Pointer[Snapshot]

	mu      sync.Mutex // serializes writers
	halted  atomic.Bool
	haltErr error
	closed  atomic.Bool

	ann *annIndex
}

// New creates an empty index at generation 0.
func New(cfg Config) (*Index, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", cfg.Dimensions)
	}
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShards
	}
	if cfg.ParallelThreshold <= 0 {
		cfg.ParallelThreshold = DefaultParallelThreshold
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	idx := &Index{cfg: cfg, logger: cfg.Logger}
	if cfg.ANN.Enabled {
		idx.ann = newANNIndex(cfg.ANN.withDefaults())
	}
	idx.current.Store(emptySnapshot(cfg.Shards))
	return idx, nil
}

// Snapshot returns the current immutable snapshot.
func (x *Index) Snapshot() *Snapshot { return x.current.Load() }

// Stats returns counts of the current snapshot.
func (x *Index) Stats() Stats {
	s := x.current.Load()
	return Stats{
		Documents:  s.docCount,
		Chunks:     s.chunkCount,
		Generation: s.generation,
		LastIngest: s.lastIngest,
	}
}

// Dimensions returns the configured embedding dimension.
func (x *Index) Dimensions() int { return x.cfg.Dimensions }

// Halted reports whether the mutation lane stopped on an invariant violation.
func (x *Index) Halted() bool { return x.halted.Load() }

// HaltErr returns the error that halted the mutation lane, if any.
func (x *Index) HaltErr() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.haltErr
}

// Close stops accepting mutations and queries.
func (x *Index) Close() {
	x.closed.Store(true)
}

func (x *Index) checkWritable() error {
	if x.closed.Load() {
		return domain.ErrIndexClosed
	}
	if x.halted.Load() {
		return domain.ErrIndexHalted
	}
	return nil
}

// halt stops the mutation lane. Caller holds x.mu.
func (x *Index) halt(err error) error {
	x.haltErr = err
	x.halted.Store(true)
	x.logger.Error("Index invariant violated, mutation lane halted", zap.Error(err))
	return err
}

// ApplyDocument atomically replaces the chunk set and metadata of a document.
// Chunks already present with the same id and embedding keep their generation,
// every previous chunk absent from chunks is removed. A call that changes
// nothing is a no-op and does not bump the generation.
func (x *Index) ApplyDocument(doc document.Document, chunks []chunk.Chunk) (Mutation, error) {
	m, err := x.applyDocument(doc, chunks)
	observeMutation("apply", m, err)
	return m, err
}

func (x *Index) applyDocument(doc document.Document, chunks []chunk.Chunk) (Mutation, error) {
	if err := x.validateChunks(doc.ID(), chunks); err != nil {
		return Mutation{}, err
	}
	chunks = slices.Clone(chunks)
	slices.SortFunc(chunks, func(a, b chunk.Chunk) int { return a.Position() - b.Position() })

	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.checkWritable(); err != nil {
		return Mutation{}, err
	}

	cur := x.current.Load()
	si := cur.shardFor(doc.ID())
	old := cur.shards[si].docs[doc.ID()]

	if old != nil && isNoop(cur.shards[si], old, doc, chunks) {
		return Mutation{Generation: cur.generation, Kept: len(chunks)}, nil
	}

	for _, c := range chunks {
		if owner, ok := cur.owner(c.ID()); ok && owner != doc.ID() {
			return Mutation{}, x.halt(domain.NewInvariantViolation(c.ID(), owner, doc.ID()))
		}
	}

	gen := cur.generation + 1
	now := x.cfg.Now()
	sh := cur.shards[si].clone()

	keep := make(map[string]struct{}, len(chunks))
	for _, c := range chunks {
		keep[c.ID()] = struct{}{}
	}

	var m Mutation
	var removed []string
	if old != nil {
		for _, id := range old.chunkIDs {
			if _, ok := keep[id]; !ok {
				delete(sh.chunks, id)
				removed = append(removed, id)
			}
		}
	}

	var added []*entry
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID()
		if prev, ok := sh.chunks[c.ID()]; ok && chunk.SameEmbedding(prev.chunk.Embedding(), c.Embedding()) {
			m.Kept++
			continue
		}
		e := &entry{chunk: c.WithGeneration(gen), norm: vectorNorm(c.Embedding())}
		sh.chunks[c.ID()] = e
		added = append(added, e)
	}

	state := document.StateActive
	if old != nil {
		state = old.state
		if old.version != doc.Version() {
			state = document.StateUpdated
		}
	}
	sh.docs[doc.ID()] = &docEntry{
		id:         doc.ID(),
		metadata:   doc.Metadata(),
		version:    doc.Version(),
		state:      state,
		chunkIDs:   ids,
		updatedAt:  now,
		generation: gen,
	}

	next := cur.derive()
	next.shards[si] = sh
	next.generation = gen
	next.lastIngest = now
	if old == nil {
		next.docCount++
		next.chunkCount += len(chunks)
	} else {
		next.chunkCount += len(chunks) - len(old.chunkIDs)
	}

	x.publish(next, added, removed)

	m.Applied = true
	m.Generation = gen
	m.Added = len(added)
	m.Removed = len(removed)
	return m, nil
}

// Upsert inserts or replaces a single chunk. A different chunk previously held by
// the same document at the same position is removed in the same mutation.
// An identical chunk (same id, same embedding) is a no-op.
func (x *Index) Upsert(c chunk.Chunk) (Mutation, error) {
	m, err := x.upsert(c)
	observeMutation("upsert", m, err)
	return m, err
}

func (x *Index) upsert(c chunk.Chunk) (Mutation, error) {
	if err := x.validateChunks(c.DocID(), []chunk.Chunk{c}); err != nil {
		return Mutation{}, err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.checkWritable(); err != nil {
		return Mutation{}, err
	}

	cur := x.current.Load()
	si := cur.shardFor(c.DocID())
	base := cur.shards[si]

	if prev, ok := base.chunks[c.ID()]; ok && prev.chunk.DocID() == c.DocID() &&
		chunk.SameEmbedding(prev.chunk.Embedding(), c.Embedding()) {
		return Mutation{Generation: cur.generation, Kept: 1}, nil
	}
	if owner, ok := cur.owner(c.ID()); ok && owner != c.DocID() {
		return Mutation{}, x.halt(domain.NewInvariantViolation(c.ID(), owner, c.DocID()))
	}

	gen := cur.generation + 1
	now := x.cfg.Now()
	sh := base.clone()

	old := base.docs[c.DocID()]
	var d docEntry
	if old != nil {
		d = *old
		d.chunkIDs = slices.Clone(old.chunkIDs)
	} else {
		d = docEntry{id: c.DocID(), state: document.StateActive}
	}

	e := &entry{chunk: c.WithGeneration(gen), norm: vectorNorm(c.Embedding())}

	var removed []string
	delta := 1
	switch i := slices.Index(d.chunkIDs, c.ID()); {
	case i >= 0:
		// same span, new embedding
		delta = 0
	default:
		for j, id := range d.chunkIDs {
			if sh.chunks[id].chunk.Position() == c.Position() {
				delete(sh.chunks, id)
				removed = append(removed, id)
				d.chunkIDs = slices.Delete(d.chunkIDs, j, j+1)
				delta = 0
				break
			}
		}
		d.chunkIDs = append(d.chunkIDs, c.ID())
	}
	sh.chunks[c.ID()] = e
	slices.SortFunc(d.chunkIDs, func(a, b string) int {
		return sh.chunks[a].chunk.Position() - sh.chunks[b].chunk.Position()
	})

	d.updatedAt = now
	d.generation = gen
	sh.docs[c.DocID()] = &d

	next := cur.derive()
	next.shards[si] = sh
	next.generation = gen
	next.lastIngest = now
	if old == nil {
		next.docCount++
	}
	next.chunkCount += delta

	x.publish(next, []*entry{e}, removed)
	return Mutation{Applied: true, Generation: gen, Added: 1, Removed: len(removed)}, nil
}

// Delete removes a document and every chunk it owns in one mutation.
// Deleting an unknown id is a no-op.
func (x *Index) Delete(docID string) (Mutation, error) {
	m, err := x.delete(docID)
	observeMutation("delete", m, err)
	return m, err
}

func (x *Index) delete(docID string) (Mutation, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.checkWritable(); err != nil {
		return Mutation{}, err
	}

	cur := x.current.Load()
	si := cur.shardFor(docID)
	old, ok := cur.shards[si].docs[docID]
	if !ok {
		return Mutation{Generation: cur.generation}, nil
	}

	sh := cur.shards[si].clone()
	delete(sh.docs, docID)
	for _, id := range old.chunkIDs {
		delete(sh.chunks, id)
	}

	next := cur.derive()
	next.shards[si] = sh
	next.generation = cur.generation + 1
	next.lastIngest = x.cfg.Now()
	next.docCount--
	next.chunkCount -= len(old.chunkIDs)

	x.publish(next, nil, old.chunkIDs)
	return Mutation{Applied: true, Generation: next.generation, Removed: len(old.chunkIDs)}, nil
}

// publish makes next visible. Caller holds x.mu.
// The accelerator learns new chunks before the swap and forgets removed ones after it,
// so any published snapshot is covered by the graph.
func (x *Index) publish(next *Snapshot, added []*entry, removed []string) {
	if x.ann != nil {
		x.ann.add(added)
	}
	x.current.Store(next)
	if x.ann != nil {
		x.ann.remove(removed)
		x.ann.maybeRebuild(next)
	}

	metrics.IndexGeneration.Set(float64(next.generation))
	metrics.IndexDocuments.Set(float64(next.docCount))
	metrics.IndexChunks.Set(float64(next.chunkCount))
}

func (x *Index) validateChunks(docID string, chunks []chunk.Chunk) error {
	if docID == "" {
		return errors.New("document id is required")
	}
	seenID := make(map[string]struct{}, len(chunks))
	seenPos := make(map[int]struct{}, len(chunks))
	for _, c := range chunks {
		if c.DocID() != docID {
			return fmt.Errorf("chunk %s belongs to %q, not %q", c.ID(), c.DocID(), docID)
		}
		if err := domain.CheckDimensions(c.Embedding(), x.cfg.Dimensions); err != nil {
			return fmt.Errorf("chunk %s: %w", c.ID(), err)
		}
		if n := vectorNorm(c.Embedding()); n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
			return fmt.Errorf("chunk %s: embedding must be finite and non-zero", c.ID())
		}
		if _, dup := seenID[c.ID()]; dup {
			return fmt.Errorf("duplicate chunk id %s", c.ID())
		}
		if _, dup := seenPos[c.Position()]; dup {
			return fmt.Errorf("duplicate chunk position %d", c.Position())
		}
		seenID[c.ID()] = struct{}{}
		seenPos[c.Position()] = struct{}{}
	}
	return nil
}

func isNoop(sh *shard, old *docEntry, doc document.Document, chunks []chunk.Chunk) bool {
	if old.version != doc.Version() || len(old.chunkIDs) != len(chunks) {
		return false
	}
	if document.HashMetadata(old.metadata) != doc.MetadataHash() {
		return false
	}
	for i, c := range chunks {
		if old.chunkIDs[i] != c.ID() {
			return false
		}
		prev, ok := sh.chunks[c.ID()]
		if !ok || !chunk.SameEmbedding(prev.chunk.Embedding(), c.Embedding()) {
			return false
		}
	}
	return true
}

func observeMutation(op string, m Mutation, err error) {
	result := "noop"
	switch {
	case err != nil:
		result = "error"
	case m.Applied:
		result = "applied"
	}
	metrics.IndexMutationsTotal.WithLabelValues(op, result).Inc()
}
