// Package static provides a deterministic hashing embedder that needs no
// network or model download. Texts sharing words and character trigrams get
// similar vectors; semantic quality is far below a trained model.
package static

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/kailas-cloud/streamdex/internal/domain"
	"github.com/kailas-cloud/streamdex/internal/metrics"
)

// Model names the hashing scheme; it changes whenever vectors would change.
const Model = "hashing-v1"

const (
	provider = "static"

	tokenWeight = 0.7
	ngramWeight = 0.3
	ngramSize   = 3
)

// Embedder implements domain.Embedder and domain.BatchEmbedder.
type Embedder struct {
	dims int
}

// NewEmbedder creates a hashing embedder. dims <= 0 selects domain.DefaultDimensions.
func NewEmbedder(dims int) *Embedder {
	if dims <= 0 {
		dims = domain.DefaultDimensions
	}
	return &Embedder{dims: dims}
}

// Dimensions returns the vector length.
func (e *Embedder) Dimensions() int { return e.dims }

// Embed returns a unit vector for text. The result is never the zero vector.
func (e *Embedder) Embed(ctx context.Context, text string) (domain.EmbeddingResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.EmbeddingResult{}, err
	}
	tokens := tokenize(text)
	metrics.EmbeddingRequestsTotal.WithLabelValues(provider, Model, "success").Inc()
	return domain.EmbeddingResult{
		Embedding:    e.vector(text, tokens),
		PromptTokens: len(tokens),
		TotalTokens:  len(tokens),
	}, nil
}

// BatchEmbed embeds every text in order.
func (e *Embedder) BatchEmbed(ctx context.Context, texts []string) (domain.BatchEmbeddingResult, error) {
	if len(texts) == 0 {
		return domain.BatchEmbeddingResult{}, nil
	}
	out := domain.BatchEmbeddingResult{Embeddings: make([][]float32, len(texts))}
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return domain.BatchEmbeddingResult{}, err
		}
		tokens := tokenize(t)
		out.Embeddings[i] = e.vector(t, tokens)
		out.PromptTokens += len(tokens)
	}
	out.TotalTokens = out.PromptTokens
	metrics.EmbeddingRequestsTotal.WithLabelValues(provider, Model, "success").Inc()
	return out, nil
}

// HealthCheck always succeeds.
func (e *Embedder) HealthCheck(context.Context) error { return nil }

func (e *Embedder) vector(text string, tokens []string) []float32 {
	v := make([]float64, e.dims)
	for _, t := range tokens {
		e.add(v, "t:"+t, tokenWeight)
	}
	for _, g := range ngrams(strings.Join(tokens, ""), ngramSize) {
		e.add(v, "g:"+g, ngramWeight)
	}

	var norm float64
	for _, f := range v {
		norm += f * f
	}
	if norm == 0 {
		// no letters or digits: fall back to the raw text
		e.add(v, "r:"+text, 1)
		norm = 1
	}
	norm = math.Sqrt(norm)

	out := make([]float32, e.dims)
	for i, f := range v {
		out[i] = float32(f / norm)
	}
	return out
}

// add hashes feature into a signed bucket.
func (e *Embedder) add(v []float64, feature string, w float64) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % uint64(e.dims))
	if sum>>63 == 1 {
		w = -w
	}
	v[idx] += w
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return fields
}

func ngrams(s string, n int) []string {
	runes := []rune(s)
	if len(runes) < n {
		return nil
	}
	out := make([]string, 0, len(runes)-n+1)
	for i := 0; i+n <= len(runes); i++ {
		out = append(out, string(runes[i:i+n]))
	}
	return out
}
