package index

import (
	"hash/fnv"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/kailas-cloud/streamdex/internal/domain/chunk"
	"github.com/kailas-cloud/streamdex/internal/domain/document"
	"github.com/kailas-cloud/streamdex/internal/domain/search/filter"
)

// entry is an indexed chunk with its precomputed vector norm.
type entry struct {
	chunk chunk.Chunk
	norm  float64
}

// docEntry is the bookkeeping of a live document.
type docEntry struct {
	id         string
	metadata   map[string]string
	version    int64
	state      document.State
	chunkIDs   []string // ordered by position
	updatedAt  time.Time
	generation uint64
}

// shard holds the documents whose id hashes to it, together with their chunks.
// A shard is never mutated after publication.
type shard struct {
	docs   map[string]*docEntry
	chunks map[string]*entry
}

func newShard() *shard {
	return &shard{docs: map[string]*docEntry{}, chunks: map[string]*entry{}}
}

func (s *shard) clone() *shard {
	c := &shard{
		docs:   make(map[string]*docEntry, len(s.docs)+1),
		chunks: make(map[string]*entry, len(s.chunks)+8),
	}
	for k, v := range s.docs {
		c.docs[k] = v
	}
	for k, v := range s.chunks {
		c.chunks[k] = v
	}
	return c
}

// Snapshot is an immutable view of the index at one generation.
// Every query runs against exactly one snapshot.
type Snapshot struct {
	generation uint64
	shards     []*shard
	docCount   int
	chunkCount int
	lastIngest time.Time
}

func emptySnapshot(shards int) *Snapshot {
	s := &Snapshot{shards: make([]*shard, shards)}
	for i := range s.shards {
		s.shards[i] = newShard()
	}
	return s
}

// derive copies the snapshot header and shard table; shard contents are shared.
func (s *Snapshot) derive() *Snapshot {
	return &Snapshot{
		generation: s.generation,
		shards:     slices.Clone(s.shards),
		docCount:   s.docCount,
		chunkCount: s.chunkCount,
		lastIngest: s.lastIngest,
	}
}

func (s *Snapshot) shardFor(docID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(docID))
	return int(h.Sum32() % uint32(len(s.shards)))
}

// owner returns the document owning chunkID anywhere in the snapshot.
func (s *Snapshot) owner(chunkID string) (string, bool) {
	for _, sh := range s.shards {
		if e, ok := sh.chunks[chunkID]; ok {
			return e.chunk.DocID(), true
		}
	}
	return "", false
}

// Generation returns the snapshot generation.
func (s *Snapshot) Generation() uint64 { return s.generation }

// DocumentCount returns the number of live documents.
func (s *Snapshot) DocumentCount() int { return s.docCount }

// ChunkCount returns the number of indexed chunks.
func (s *Snapshot) ChunkCount() int { return s.chunkCount }

// LastIngest returns the time of the last applied mutation.
func (s *Snapshot) LastIngest() time.Time { return s.lastIngest }

// Chunk returns a chunk by id.
func (s *Snapshot) Chunk(docID, chunkID string) (chunk.Chunk, bool) {
	e, ok := s.shards[s.shardFor(docID)].chunks[chunkID]
	if !ok || e.chunk.DocID() != docID {
		return chunk.Chunk{}, false
	}
	return e.chunk, true
}

// Chunks returns the chunks of a document ordered by position.
func (s *Snapshot) Chunks(docID string) []chunk.Chunk {
	sh := s.shards[s.shardFor(docID)]
	d, ok := sh.docs[docID]
	if !ok {
		return nil
	}
	out := make([]chunk.Chunk, 0, len(d.chunkIDs))
	for _, id := range d.chunkIDs {
		out = append(out, sh.chunks[id].chunk)
	}
	return out
}

// DocInfo describes a live document.
type DocInfo struct {
	ID         string
	Metadata   map[string]string
	Version    int64
	State      document.State
	ChunkIDs   []string
	UpdatedAt  time.Time
	Generation uint64
}

func (d *docEntry) info() DocInfo {
	return DocInfo{
		ID:         d.id,
		Metadata:   d.metadata,
		Version:    d.version,
		State:      d.state,
		ChunkIDs:   slices.Clone(d.chunkIDs),
		UpdatedAt:  d.updatedAt,
		Generation: d.generation,
	}
}

// Document returns a live document's bookkeeping.
func (s *Snapshot) Document(docID string) (DocInfo, bool) {
	d, ok := s.shards[s.shardFor(docID)].docs[docID]
	if !ok {
		return DocInfo{}, false
	}
	return d.info(), true
}

// Documents lists live documents matching filters in id order, starting after cursor.
// Returns the page and the cursor of the next page ("" when exhausted).
func (s *Snapshot) Documents(cursor string, limit int, filters filter.Expression) ([]DocInfo, string) {
	if limit <= 0 {
		return nil, ""
	}
	var ids []*docEntry
	for _, sh := range s.shards {
		for id, d := range sh.docs {
			if cursor != "" && id <= cursor {
				continue
			}
			if !filters.Matches(id, d.metadata) {
				continue
			}
			ids = append(ids, d)
		}
	}
	slices.SortFunc(ids, func(a, b *docEntry) int { return strings.Compare(a.id, b.id) })

	next := ""
	if len(ids) > limit {
		ids = ids[:limit]
		next = ids[limit-1].id
	}
	out := make([]DocInfo, len(ids))
	for i, d := range ids {
		out[i] = d.info()
	}
	return out, next
}

func vectorNorm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}
