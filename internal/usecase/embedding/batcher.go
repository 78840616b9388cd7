package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kailas-cloud/streamdex/internal/domain"
	"github.com/kailas-cloud/streamdex/internal/domain/batch"
	"github.com/kailas-cloud/streamdex/internal/metrics"
)

// Batcher defaults.
const (
	DefaultBatchSize      = 32
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 200 * time.Millisecond
	DefaultMaxBackoff     = 5 * time.Second
	backoffMultiplier     = 2.0
)

// BatcherConfig configures batching and retries.
type BatcherConfig struct {
	BatchSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// RateLimit caps provider calls per second. Zero disables the limit.
	RateLimit float64
	// Dimensions rejects vectors of any other length. Zero disables the check.
	Dimensions int
}

func (c BatcherConfig) withDefaults() BatcherConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = max(DefaultMaxBackoff, c.InitialBackoff)
	}
	return c
}

// Item is a text to embed, identified by the caller.
type Item struct {
	ID   string
	Text string
}

// Batcher embeds items in batches of BatchSize with bounded retries.
// A batch that keeps failing is split into single-item calls so one bad
// item never fails its neighbours.
type Batcher struct {
	inner   domain.Embedder
	cfg     BatcherConfig
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewBatcher creates a batcher over inner.
func NewBatcher(inner domain.Embedder, cfg BatcherConfig, logger *zap.Logger) *Batcher {
	cfg = cfg.withDefaults()
	b := &Batcher{inner: inner, cfg: cfg, logger: logger}
	if cfg.RateLimit > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(1, int(cfg.RateLimit)))
	}
	return b
}

// Config returns the effective configuration.
func (b *Batcher) Config() BatcherConfig { return b.cfg }

// Embed returns one result per item in input order. Failed items carry their
// last error. The returned error is non-nil only when ctx ends.
func (b *Batcher) Embed(ctx context.Context, items []Item) ([]batch.Result, error) {
	results := make([]batch.Result, 0, len(items))
	for start := 0; start < len(items); start += b.cfg.BatchSize {
		end := min(start+b.cfg.BatchSize, len(items))
		part, err := b.embedBatch(ctx, items[start:end])
		if err != nil {
			return nil, err
		}
		results = append(results, part...)
	}
	return results, nil
}

func (b *Batcher) embedBatch(ctx context.Context, items []Item) ([]batch.Result, error) {
	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.Text
	}

	var vectors [][]float32
	attempts, err := b.retry(ctx, "batch", func() error {
		res, err := domain.EmbedBatch(ctx, b.inner, texts)
		if err != nil {
			return err
		}
		for i, v := range res.Embeddings {
			if err := b.validate(v); err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
		}
		vectors = res.Embeddings
		return nil
	})
	if err == nil {
		out := make([]batch.Result, len(items))
		for i, it := range items {
			out[i] = batch.NewOK(it.ID, vectors[i], attempts)
		}
		return out, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if len(items) == 1 {
		return []batch.Result{b.failed(items[0], err, attempts)}, nil
	}

	b.logger.Warn("Batch embedding failed, isolating items",
		zap.Int("batch_size", len(items)),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)

	out := make([]batch.Result, len(items))
	for i, it := range items {
		var vec []float32
		n, err := b.retry(ctx, "item", func() error {
			res, err := b.inner.Embed(ctx, it.Text)
			if err != nil {
				return err
			}
			if err := b.validate(res.Embedding); err != nil {
				return err
			}
			vec = res.Embedding
			return nil
		})
		switch {
		case err == nil:
			out[i] = batch.NewOK(it.ID, vec, attempts+n)
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			out[i] = b.failed(it, err, attempts+n)
		}
	}
	return out, nil
}

func (b *Batcher) validate(v []float32) error {
	if err := domain.CheckDimensions(v, b.cfg.Dimensions); err != nil {
		return err
	}
	for _, f := range v {
		if f != 0 {
			return nil
		}
	}
	return errors.New("zero vector")
}

func (b *Batcher) failed(it Item, err error, attempts int) batch.Result {
	if !errors.Is(err, domain.ErrEmbeddingProviderError) {
		err = fmt.Errorf("%w: %w", domain.ErrEmbeddingProviderError, err)
	}
	b.logger.Error("Embedding failed, dropping item",
		zap.String("id", it.ID),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
	return batch.NewError(it.ID, err, attempts)
}

// retry runs fn up to MaxAttempts times with exponential backoff and returns
// the number of attempts made.
func (b *Batcher) retry(ctx context.Context, scope string, fn func() error) (int, error) {
	delay := b.cfg.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= b.cfg.MaxAttempts; attempt++ {
		if b.limiter != nil {
			if err := b.limiter.Wait(ctx); err != nil {
				return attempt - 1, err
			}
		} else if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		if attempt > 1 {
			metrics.EmbeddingRetriesTotal.WithLabelValues(scope).Inc()
		}
		lastErr = fn()
		if lastErr == nil {
			return attempt, nil
		}
		if ctx.Err() != nil || attempt == b.cfg.MaxAttempts {
			return attempt, lastErr
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}

		delay = min(time.Duration(float64(delay)*backoffMultiplier), b.cfg.MaxBackoff)
	}
	return b.cfg.MaxAttempts, lastErr
}
