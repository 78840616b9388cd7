package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/streamdex/internal/domain"
)

// DefaultSlowThreshold is the provider latency above which a successful call is logged at warn.
const DefaultSlowThreshold = 2 * time.Second

// InstrumentedEmbedder sits directly above the provider and logs every call
// that reaches it. Cache hits never get here.
// Transport metrics (requests, duration, tokens) are recorded by the adapters.
type InstrumentedEmbedder struct {
	inner  domain.Embedder
	slow   time.Duration
	logger *zap.Logger
}

// NewInstrumentedEmbedder wraps an embedder with call logging.
func NewInstrumentedEmbedder(inner domain.Embedder, provider, model string, logger *zap.Logger) *InstrumentedEmbedder {
	return &InstrumentedEmbedder{
		inner:  inner,
		slow:   DefaultSlowThreshold,
		logger: logger.With(zap.String("provider", provider), zap.String("model", model)),
	}
}

// SetSlowThreshold changes the slow-call threshold. Zero disables slow-call warnings.
func (p *InstrumentedEmbedder) SetSlowThreshold(d time.Duration) {
	p.slow = d
}

func (p *InstrumentedEmbedder) Embed(ctx context.Context, text string) (domain.EmbeddingResult, error) {
	start := time.Now()
	result, err := p.inner.Embed(ctx, text)
	if err != nil {
		p.failed("embed", 1, start, err)
		return domain.EmbeddingResult{}, fmt.Errorf("embed: %w", err)
	}
	p.completed("embed", 1, start, result.PromptTokens, result.TotalTokens,
		zap.Int("dimensions", len(result.Embedding)))
	return result, nil
}

// BatchEmbed uses the native batch path when the inner embedder has one.
func (p *InstrumentedEmbedder) BatchEmbed(ctx context.Context, texts []string) (domain.BatchEmbeddingResult, error) {
	if len(texts) == 0 {
		return domain.BatchEmbeddingResult{}, nil
	}
	start := time.Now()
	result, err := domain.EmbedBatch(ctx, p.inner, texts)
	if err != nil {
		p.failed("batch_embed", len(texts), start, err)
		return domain.BatchEmbeddingResult{}, err
	}
	p.completed("batch_embed", len(texts), start, result.PromptTokens, result.TotalTokens)
	return result, nil
}

func (p *InstrumentedEmbedder) HealthCheck(ctx context.Context) error {
	if hc, ok := p.inner.(domain.HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

func (p *InstrumentedEmbedder) failed(op string, texts int, start time.Time, err error) {
	// A cancelled caller is not a provider failure.
	log := p.logger.Error
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		log = p.logger.Debug
	}
	log("Embedding call failed",
		zap.String("op", op),
		zap.Int("texts", texts),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err),
	)
}

func (p *InstrumentedEmbedder) completed(op string, texts int, start time.Time, promptTokens, totalTokens int, extra ...zap.Field) {
	duration := time.Since(start)
	fields := append([]zap.Field{
		zap.String("op", op),
		zap.Int("texts", texts),
		zap.Duration("duration", duration),
		zap.Int("prompt_tokens", promptTokens),
		zap.Int("total_tokens", totalTokens),
	}, extra...)

	if p.slow > 0 && duration > p.slow {
		p.logger.Warn("Slow embedding call", fields...)
		return
	}
	p.logger.Debug("Embedding call completed", fields...)
}
