package streamdex

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Option configures the Engine.
type Option interface {
	apply(*engineConfig)
}

// optionFunc adapts a function to the Option interface.
type optionFunc func(*engineConfig)

func (f optionFunc) apply(c *engineConfig) { f(c) }

type engineConfig struct {
	embedder   Embedder
	dimensions int

	maxTokens int
	overlap   int

	batchSize      int
	maxAttempts    int
	initialBackoff time.Duration
	rateLimit      float64

	cacheSize     int
	redisAddrs    []string
	redisPassword string

	workers    int
	queueBound int
	drain      time.Duration

	shards       int
	ann          bool
	annMinChunks int

	filterFields []string

	logger     *slog.Logger
	metricsReg prometheus.Registerer
}

// WithEmbedder sets the text embedding provider.
// Defaults to the built-in offline hashing embedder.
func WithEmbedder(e Embedder) Option {
	return optionFunc(func(c *engineConfig) {
		c.embedder = e
	})
}

// WithDimensions sets the embedding dimension. Defaults to 384.
func WithDimensions(dim int) Option {
	return optionFunc(func(c *engineConfig) {
		c.dimensions = dim
	})
}

// WithChunking sets the chunk window and overlap in tokens.
// Defaults: 400 tokens, 40 overlap.
func WithChunking(maxTokens, overlap int) Option {
	return optionFunc(func(c *engineConfig) {
		c.maxTokens = maxTokens
		c.overlap = overlap
	})
}

// WithBatching configures embedding batches and retries.
// Defaults: 32 texts per batch, 3 attempts.
func WithBatching(size, attempts int) Option {
	return optionFunc(func(c *engineConfig) {
		c.batchSize = size
		c.maxAttempts = attempts
	})
}

// WithBackoff sets the delay before the first embedding retry.
func WithBackoff(initial time.Duration) Option {
	return optionFunc(func(c *engineConfig) {
		c.initialBackoff = initial
	})
}

// WithRateLimit caps embedding provider calls per second. 0 disables the limit.
func WithRateLimit(rps float64) Option {
	return optionFunc(func(c *engineConfig) {
		c.rateLimit = rps
	})
}

// WithCacheSize bounds the in-process embedding cache. Default: 100000 entries.
func WithCacheSize(n int) Option {
	return optionFunc(func(c *engineConfig) {
		c.cacheSize = n
	})
}

// WithRedisCache shares the embedding cache through Redis instead of keeping it in process.
func WithRedisCache(addr, password string) Option {
	return optionFunc(func(c *engineConfig) {
		c.redisAddrs = []string{addr}
		c.redisPassword = password
	})
}

// WithWorkers bounds concurrent chunk and embed jobs. Defaults to GOMAXPROCS.
func WithWorkers(n int) Option {
	return optionFunc(func(c *engineConfig) {
		c.workers = n
	})
}

// WithQueueBound sets how many changes may wait for the index before Upsert blocks.
// Default: 1024.
func WithQueueBound(n int) Option {
	return optionFunc(func(c *engineConfig) {
		c.queueBound = n
	})
}

// WithDrainTimeout bounds how long Close waits for queued changes. Default: 30s.
func WithDrainTimeout(d time.Duration) Option {
	return optionFunc(func(c *engineConfig) {
		c.drain = d
	})
}

// WithShards sets the number of copy-on-write index shards. Default: 64.
func WithShards(n int) Option {
	return optionFunc(func(c *engineConfig) {
		c.shards = n
	})
}

// WithANN enables the approximate nearest neighbour accelerator for unfiltered
// queries once the index holds at least minChunks chunks (0 selects the default).
func WithANN(minChunks int) Option {
	return optionFunc(func(c *engineConfig) {
		c.ann = true
		c.annMinChunks = minChunks
	})
}

// WithFilterFields declares the metadata keys queries may filter on.
// "doc_id" is always allowed.
func WithFilterFields(keys ...string) Option {
	return optionFunc(func(c *engineConfig) {
		c.filterFields = append(c.filterFields, keys...)
	})
}

// WithLogger enables structured logging for engine operations.
// Pass nil to disable (default). Uses standard library slog.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(c *engineConfig) {
		c.logger = l
	})
}

// WithPrometheus registers engine metrics (operation counts and durations)
// on the given registerer. Pass nil to disable (default).
func WithPrometheus(reg prometheus.Registerer) Option {
	return optionFunc(func(c *engineConfig) {
		c.metricsReg = reg
	})
}
