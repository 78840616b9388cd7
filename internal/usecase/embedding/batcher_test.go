package embedding

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kailas-cloud/streamdex/internal/domain"
	"github.com/kailas-cloud/streamdex/internal/metrics"
)

// scriptedEmbedder fails batch calls while batchFailures > 0 and any call
// whose input contains "bad".
type scriptedEmbedder struct {
	mu            sync.Mutex
	batchFailures int
	batchSizes    []int
	singleCalls   int
	dims          int
}

func (s *scriptedEmbedder) vec(text string) []float32 {
	v := make([]float32, s.dims)
	v[0] = float32(len(text))
	return v
}

func (s *scriptedEmbedder) Embed(_ context.Context, text string) (domain.EmbeddingResult, error) {
	s.mu.Lock()
	s.singleCalls++
	s.mu.Unlock()
	if strings.Contains(text, "bad") {
		return domain.EmbeddingResult{}, errors.New("provider rejected input")
	}
	return domain.EmbeddingResult{Embedding: s.vec(text)}, nil
}

func (s *scriptedEmbedder) BatchEmbed(_ context.Context, texts []string) (domain.BatchEmbeddingResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchSizes = append(s.batchSizes, len(texts))
	if s.batchFailures > 0 {
		s.batchFailures--
		return domain.BatchEmbeddingResult{}, domain.ErrRateLimited
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if strings.Contains(t, "bad") {
			return domain.BatchEmbeddingResult{}, errors.New("provider rejected batch")
		}
		out[i] = s.vec(t)
	}
	return domain.BatchEmbeddingResult{Embeddings: out}, nil
}

func fastConfig() BatcherConfig {
	return BatcherConfig{
		BatchSize:      2,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Dimensions:     2,
	}
}

func items(texts ...string) []Item {
	out := make([]Item, len(texts))
	for i, t := range texts {
		out[i] = Item{ID: t, Text: t}
	}
	return out
}

func TestBatcher_Defaults(t *testing.T) {
	b := NewBatcher(&scriptedEmbedder{dims: 1}, BatcherConfig{}, zap.NewNop())
	cfg := b.Config()
	assert.Equal(t, DefaultBatchSize, cfg.BatchSize)
	assert.Equal(t, DefaultMaxAttempts, cfg.MaxAttempts)
	assert.Equal(t, DefaultInitialBackoff, cfg.InitialBackoff)
	assert.Equal(t, DefaultMaxBackoff, cfg.MaxBackoff)
}

func TestBatcher_SplitsIntoBatches(t *testing.T) {
	inner := &scriptedEmbedder{dims: 2}
	b := NewBatcher(inner, fastConfig(), zap.NewNop())

	res, err := b.Embed(context.Background(), items("a", "bb", "ccc", "dddd", "eeeee"))
	require.NoError(t, err)
	require.Len(t, res, 5)

	assert.Equal(t, []int{2, 2, 1}, inner.batchSizes)
	for i, r := range res {
		assert.True(t, r.OK())
		assert.Equal(t, 1, r.Attempts())
		assert.Equal(t, float32(i+1), r.Vector()[0])
	}
	assert.Equal(t, "ccc", res[2].ID())
}

func TestBatcher_RetriesTransientFailure(t *testing.T) {
	inner := &scriptedEmbedder{dims: 2, batchFailures: 2}
	b := NewBatcher(inner, fastConfig(), zap.NewNop())
	before := testutil.ToFloat64(metrics.EmbeddingRetriesTotal.WithLabelValues("batch"))

	res, err := b.Embed(context.Background(), items("a", "b"))
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.True(t, res[0].OK())
	assert.Equal(t, 3, res[0].Attempts())
	assert.Zero(t, inner.singleCalls)

	after := testutil.ToFloat64(metrics.EmbeddingRetriesTotal.WithLabelValues("batch"))
	assert.InDelta(t, 2, after-before, 0.001)
}

func TestBatcher_IsolatesFailingItem(t *testing.T) {
	inner := &scriptedEmbedder{dims: 2}
	b := NewBatcher(inner, fastConfig(), zap.NewNop())

	res, err := b.Embed(context.Background(), items("good", "bad"))
	require.NoError(t, err)
	require.Len(t, res, 2)

	assert.True(t, res[0].OK())
	assert.Equal(t, 4, res[0].Attempts()) // 3 batch attempts + 1 single

	assert.False(t, res[1].OK())
	assert.ErrorIs(t, res[1].Err(), domain.ErrEmbeddingProviderError)
	assert.Equal(t, 6, res[1].Attempts())
	assert.Equal(t, 1+3, inner.singleCalls)
}

func TestBatcher_SingleItemBatchFailsWithoutIsolation(t *testing.T) {
	inner := &scriptedEmbedder{dims: 2}
	cfg := fastConfig()
	cfg.BatchSize = 1
	b := NewBatcher(inner, cfg, zap.NewNop())

	res, err := b.Embed(context.Background(), items("bad", "ok"))
	require.NoError(t, err)
	assert.False(t, res[0].OK())
	assert.Equal(t, 3, res[0].Attempts())
	assert.True(t, res[1].OK())
	assert.Zero(t, inner.singleCalls)
}

func TestBatcher_DimensionMismatchIsFailure(t *testing.T) {
	inner := &scriptedEmbedder{dims: 3}
	b := NewBatcher(inner, fastConfig(), zap.NewNop())

	res, err := b.Embed(context.Background(), items("x"))
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.False(t, res[0].OK())
	assert.ErrorIs(t, res[0].Err(), domain.ErrVectorDimMismatch)
	assert.ErrorIs(t, res[0].Err(), domain.ErrEmbeddingProviderError)
}

func TestBatcher_CancelledContext(t *testing.T) {
	inner := &scriptedEmbedder{dims: 2, batchFailures: 100}
	cfg := fastConfig()
	cfg.InitialBackoff = time.Hour
	cfg.MaxBackoff = time.Hour
	b := NewBatcher(inner, cfg, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Embed(ctx, items("a", "b"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBatcher_RateLimit(t *testing.T) {
	inner := &scriptedEmbedder{dims: 2}
	cfg := fastConfig()
	cfg.BatchSize = 1
	cfg.RateLimit = 20
	b := NewBatcher(inner, cfg, zap.NewNop())

	start := time.Now()
	res, err := b.Embed(context.Background(), items(strings.Split(strings.Repeat("x,", 25)+"x", ",")...))
	require.NoError(t, err)
	require.Len(t, res, 26)
	// burst of 20, then 6 more at 20/s
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
}

func TestBatcher_Empty(t *testing.T) {
	b := NewBatcher(&scriptedEmbedder{dims: 2}, fastConfig(), zap.NewNop())
	res, err := b.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, res)
}
