package index

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kailas-cloud/streamdex/internal/domain"
	"github.com/kailas-cloud/streamdex/internal/domain/chunk"
	"github.com/kailas-cloud/streamdex/internal/domain/search/filter"
)

func emptyFilter() filter.Expression { return filter.Expression{} }

func mustFilter(t *testing.T, key, value string) filter.Expression {
	t.Helper()
	c, err := filter.NewMatch(key, value)
	require.NoError(t, err)
	e, err := filter.NewExpression([]filter.Condition{c}, nil, nil)
	require.NoError(t, err)
	return e
}

func seed(t *testing.T, idx *Index) {
	t.Helper()
	_, err := idx.ApplyDocument(mkDoc(t, "1", map[string]string{"headline": "first"}), []chunk.Chunk{
		mkChunk("1", 0, "x-axis", 1, 0, 0),
		mkChunk("1", 1, "diagonal", 1, 1, 0),
	})
	require.NoError(t, err)
	_, err = idx.ApplyDocument(mkDoc(t, "2", map[string]string{"headline": "second"}), []chunk.Chunk{
		mkChunk("2", 0, "y-axis", 0, 1, 0),
		mkChunk("2", 1, "z-axis", 0, 0, 1),
	})
	require.NoError(t, err)
}

func TestQuery_RanksByCosine(t *testing.T) {
	idx := newTestIndex(t)
	seed(t, idx)

	res, err := idx.Query(context.Background(), []float32{2, 0, 0}, 3, emptyFilter())
	require.NoError(t, err)
	require.Len(t, res.Items, 3)

	assert.Equal(t, "x-axis", res.Items[0].Text())
	assert.InDelta(t, 1.0, res.Items[0].Score(), 0)
	assert.Equal(t, "diagonal", res.Items[1].Text())
	assert.InDelta(t, 1/math.Sqrt2, res.Items[1].Score(), 1e-9)
	assert.InDelta(t, 0.0, res.Items[2].Score(), 1e-12)
	assert.Equal(t, uint64(2), res.Generation)
	assert.Equal(t, StrategyExact, res.Strategy)
	assert.Equal(t, "first", res.Items[0].Metadata()["headline"])
}

func TestQuery_KLargerThanIndex(t *testing.T) {
	idx := newTestIndex(t)
	seed(t, idx)

	res, err := idx.Query(context.Background(), []float32{1, 1, 1}, 100, emptyFilter())
	require.NoError(t, err)
	assert.Len(t, res.Items, 4)
	for i := 1; i < len(res.Items); i++ {
		assert.GreaterOrEqual(t, res.Items[i-1].Score(), res.Items[i].Score())
	}
}

func TestQuery_EmptyIndex(t *testing.T) {
	idx := newTestIndex(t)

	res, err := idx.Query(context.Background(), []float32{1, 0, 0}, 5, emptyFilter())
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	assert.Equal(t, uint64(0), res.Generation)
}

func TestQuery_TieBreak(t *testing.T) {
	idx := newTestIndex(t)
	_, err := idx.Upsert(mkChunk("a", 0, "old", 1, 0, 0))
	require.NoError(t, err)
	_, err = idx.Upsert(mkChunk("b", 0, "new", 1, 0, 0))
	require.NoError(t, err)
	_, err = idx.Upsert(mkChunk("c", 0, "also-new", 1, 0, 0))
	require.NoError(t, err)

	res, err := idx.Query(context.Background(), []float32{1, 0, 0}, 3, emptyFilter())
	require.NoError(t, err)
	require.Len(t, res.Items, 3)

	// equal scores: newest generation first
	assert.Equal(t, "also-new", res.Items[0].Text())
	assert.Equal(t, "new", res.Items[1].Text())
	assert.Equal(t, "old", res.Items[2].Text())
}

func TestQuery_TieBreakByChunkID(t *testing.T) {
	idx := newTestIndex(t)
	_, err := idx.ApplyDocument(mkDoc(t, "1", nil), []chunk.Chunk{
		mkChunk("1", 0, "p", 1, 0, 0),
		mkChunk("1", 1, "q", 1, 0, 0),
		mkChunk("1", 2, "r", 1, 0, 0),
	})
	require.NoError(t, err)

	res, err := idx.Query(context.Background(), []float32{1, 0, 0}, 3, emptyFilter())
	require.NoError(t, err)
	require.Len(t, res.Items, 3)
	for i := 1; i < len(res.Items); i++ {
		assert.Less(t, res.Items[i-1].ChunkID(), res.Items[i].ChunkID())
	}
}

func TestQuery_Filters(t *testing.T) {
	idx := newTestIndex(t)
	seed(t, idx)

	res, err := idx.Query(context.Background(), []float32{1, 0, 0}, 10, mustFilter(t, "headline", "second"))
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	for _, r := range res.Items {
		assert.Equal(t, "2", r.DocID())
	}

	res, err = idx.Query(context.Background(), []float32{1, 0, 0}, 10, mustFilter(t, filter.DocIDKey, "1"))
	require.NoError(t, err)
	assert.Len(t, res.Items, 2)

	res, err = idx.Query(context.Background(), []float32{1, 0, 0}, 10, mustFilter(t, "headline", "none"))
	require.NoError(t, err)
	assert.Empty(t, res.Items)
}

func TestQuery_InvalidInput(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	_, err := idx.Query(ctx, []float32{1, 0}, 1, emptyFilter())
	assert.ErrorIs(t, err, domain.ErrVectorDimMismatch)

	_, err = idx.Query(ctx, []float32{0, 0, 0}, 1, emptyFilter())
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = idx.Query(ctx, []float32{1, 0, 0}, 0, emptyFilter())
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	idx.Close()
	_, err = idx.Query(ctx, []float32{1, 0, 0}, 1, emptyFilter())
	assert.ErrorIs(t, err, domain.ErrIndexClosed)
}

func TestQuery_CancelledContext(t *testing.T) {
	idx := newTestIndex(t)
	seed(t, idx)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := idx.Query(ctx, []float32{1, 0, 0}, 1, emptyFilter())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQuery_ParallelScanMatchesSerial(t *testing.T) {
	const dims = 8
	build := func(threshold int) *Index {
		idx, err := New(Config{Dimensions: dims, Shards: 8, ParallelThreshold: threshold})
		require.NoError(t, err)
		r := rand.New(rand.NewPCG(1, 2))
		for d := range 50 {
			docID := fmt.Sprintf("doc-%d", d)
			chunks := make([]chunk.Chunk, 5)
			for p := range chunks {
				vec := make([]float32, dims)
				for i := range vec {
					vec[i] = r.Float32() - 0.5
				}
				chunks[p] = mkChunk(docID, p, fmt.Sprintf("%s-%d", docID, p), vec...)
			}
			_, err := idx.ApplyDocument(mkDoc(t, docID, nil), chunks)
			require.NoError(t, err)
		}
		return idx
	}

	serial := build(1 << 30)
	parallel := build(1)
	q := []float32{0.3, -0.1, 0.2, 0.9, -0.4, 0.0, 0.1, 0.5}

	a, err := serial.Query(context.Background(), q, 10, emptyFilter())
	require.NoError(t, err)
	b, err := parallel.Query(context.Background(), q, 10, emptyFilter())
	require.NoError(t, err)

	require.Len(t, b.Items, 10)
	for i := range a.Items {
		assert.Equal(t, a.Items[i].ChunkID(), b.Items[i].ChunkID())
		assert.Equal(t, a.Items[i].Score(), b.Items[i].Score())
	}
}

func TestQuery_ConcurrentDeleteNeverShowsPartialDocument(t *testing.T) {
	idx := newTestIndex(t)
	doc := mkDoc(t, "1", nil)
	chunks := []chunk.Chunk{
		mkChunk("1", 0, "a", 1, 0, 0),
		mkChunk("1", 1, "b", 1, 0.1, 0),
		mkChunk("1", 2, "c", 1, 0.2, 0),
	}

	ctx := context.Background()
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Go(func() {
		defer close(stop)
		for range 200 {
			_, err := idx.ApplyDocument(doc, chunks)
			assert.NoError(t, err)
			_, err = idx.Delete("1")
			assert.NoError(t, err)
		}
	})

	for range 4 {
		wg.Go(func() {
			for {
				select {
				case <-stop:
					return
				default:
				}
				res, err := idx.Query(ctx, []float32{1, 0, 0}, 10, emptyFilter())
				if !assert.NoError(t, err) {
					return
				}
				n := len(res.Items)
				assert.True(t, n == 0 || n == 3, "observed %d chunks of a 3-chunk document", n)
			}
		})
	}
	wg.Wait()
}

func TestCosine_SnapsToUnit(t *testing.T) {
	v := []float32{0.1, 0.2, 0.3}
	n := vectorNorm(v)
	assert.Equal(t, 1.0, cosine(v, n, v, n))

	w := []float32{-0.1, -0.2, -0.3}
	assert.Equal(t, -1.0, cosine(v, n, w, vectorNorm(w)))
}
