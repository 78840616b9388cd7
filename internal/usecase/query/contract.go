package query

import (
	"context"

	"github.com/kailas-cloud/streamdex/internal/domain"
	"github.com/kailas-cloud/streamdex/internal/domain/search/filter"
	"github.com/kailas-cloud/streamdex/internal/index"
)

// Index is the read side of the incremental index.
type Index interface {
	Query(ctx context.Context, vector []float32, k int, filters filter.Expression) (index.QueryResult, error)
	Stats() index.Stats
	Snapshot() *index.Snapshot
}

// Embedder vectorizes query text.
type Embedder interface {
	Embed(ctx context.Context, text string) (domain.EmbeddingResult, error)
}

// CachePinger checks the shared embedding cache.
type CachePinger interface {
	Ping(ctx context.Context) error
}
