package pipeline

import (
	"context"

	"github.com/kailas-cloud/streamdex/internal/domain/batch"
	"github.com/kailas-cloud/streamdex/internal/domain/chunk"
	"github.com/kailas-cloud/streamdex/internal/domain/document"
	"github.com/kailas-cloud/streamdex/internal/index"
	"github.com/kailas-cloud/streamdex/internal/usecase/embedding"
)

// Chunker splits document text into positioned chunks.
type Chunker interface {
	Split(docID, text string) []chunk.Chunk
}

// Embedder computes embeddings for a set of items with per-item outcomes.
type Embedder interface {
	Embed(ctx context.Context, items []embedding.Item) ([]batch.Result, error)
}

// Index is the mutation side of the incremental index.
type Index interface {
	Snapshot() *index.Snapshot
	ApplyDocument(doc document.Document, chunks []chunk.Chunk) (index.Mutation, error)
	Delete(docID string) (index.Mutation, error)
}
