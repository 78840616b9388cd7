package streamdex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/streamdex/internal/chunker"
	"github.com/kailas-cloud/streamdex/internal/db"
	"github.com/kailas-cloud/streamdex/internal/db/memory"
	dbRedis "github.com/kailas-cloud/streamdex/internal/db/redis"
	"github.com/kailas-cloud/streamdex/internal/domain"
	"github.com/kailas-cloud/streamdex/internal/domain/document"
	"github.com/kailas-cloud/streamdex/internal/domain/event"
	"github.com/kailas-cloud/streamdex/internal/index"
	"github.com/kailas-cloud/streamdex/internal/ingest"
	"github.com/kailas-cloud/streamdex/internal/metrics"
	"github.com/kailas-cloud/streamdex/internal/repository/embcache"
	"github.com/kailas-cloud/streamdex/internal/transport/static"
	embeddinguc "github.com/kailas-cloud/streamdex/internal/usecase/embedding"
	healthuc "github.com/kailas-cloud/streamdex/internal/usecase/health"
	"github.com/kailas-cloud/streamdex/internal/usecase/pipeline"
	queryuc "github.com/kailas-cloud/streamdex/internal/usecase/query"
)

const (
	defaultCacheSize    = 100_000
	defaultDrainTimeout = 30 * time.Second
	redisReadyTimeout   = 10 * time.Second
)

// Engine is an embedded streaming index. Upsert, Delete and Query are safe for
// concurrent use. Changes are applied in the order their calls return.
type Engine struct {
	tracker *ingest.Tracker
	events  chan event.Event
	pipe    *pipeline.Service
	idx     *index.Index
	query   *queryuc.Service
	health  *healthuc.Service
	obs     *observer

	// sendMu serializes diffing and hand-off so sequence numbers reach the
	// pipeline in order.
	sendMu   sync.Mutex
	lastSent uint64
	closed   atomic.Bool

	cancel     context.CancelFunc
	done       chan struct{}
	runErr     error
	drain      time.Duration
	closeCache func()

	closeOnce sync.Once
	closeErr  error
}

// New builds an engine and starts its ingestion pipeline.
// ctx bounds only the startup work (connecting to a Redis cache).
func New(ctx context.Context, opts ...Option) (*Engine, error) {
	cfg := &engineConfig{}
	for _, o := range opts {
		o.apply(cfg)
	}
	if cfg.dimensions == 0 {
		cfg.dimensions = domain.DefaultDimensions
	}
	if cfg.dimensions < 0 {
		return nil, fmt.Errorf("%w: dimensions must be positive", ErrInvalidRequest)
	}
	if cfg.drain <= 0 {
		cfg.drain = defaultDrainTimeout
	}

	obs, err := newObserver(cfg.logger, cfg.metricsReg)
	if err != nil {
		return nil, err
	}

	var chunkOpts []chunker.Option
	if cfg.maxTokens > 0 {
		chunkOpts = append(chunkOpts, chunker.WithMaxTokens(cfg.maxTokens), chunker.WithOverlap(cfg.overlap))
	}
	chk, err := chunker.New(chunkOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	store, pinger, closeCache, err := newCacheStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	logger := internalLogger(cfg.logger)
	emb := newEmbedder(cfg, store, logger)

	idx, err := index.New(index.Config{
		Dimensions: cfg.dimensions,
		Shards:     cfg.shards,
		ANN:        index.ANNConfig{Enabled: cfg.ann, MinChunks: cfg.annMinChunks},
		Logger:     logger,
	})
	if err != nil {
		closeCache()
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	batcher := embeddinguc.NewBatcher(emb, embeddinguc.BatcherConfig{
		BatchSize:      cfg.batchSize,
		MaxAttempts:    cfg.maxAttempts,
		InitialBackoff: cfg.initialBackoff,
		RateLimit:      cfg.rateLimit,
		Dimensions:     cfg.dimensions,
	}, logger)

	pipe := pipeline.New(pipeline.Config{
		Workers:      cfg.workers,
		QueueBound:   cfg.queueBound,
		DrainTimeout: cfg.drain,
	}, chk, batcher, idx, logger)

	runCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		tracker: ingest.NewTracker(),
		events:  make(chan event.Event),
		pipe:    pipe,
		idx:     idx,
		query: queryuc.New(idx, emb, queryuc.Config{
			FilterFields: cfg.filterFields,
			Cache:        pinger,
		}),
		health:     healthuc.New(idx),
		obs:        obs,
		cancel:     cancel,
		done:       make(chan struct{}),
		drain:      cfg.drain,
		closeCache: closeCache,
	}

	go func() {
		defer close(e.done)
		e.runErr = pipe.Run(runCtx, e.events)
	}()

	return e, nil
}

func newCacheStore(ctx context.Context, cfg *engineConfig) (db.KVStore, db.Pinger, func(), error) {
	if len(cfg.redisAddrs) == 0 {
		size := cfg.cacheSize
		if size <= 0 {
			size = defaultCacheSize
		}
		return memory.NewStore(size, 0), nil, func() {}, nil
	}

	store, err := dbRedis.NewStore(dbRedis.Config{
		Addrs:    cfg.redisAddrs,
		Password: cfg.redisPassword,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("streamdex: connect redis cache: %w", err)
	}
	if err := store.WaitForReady(ctx, redisReadyTimeout); err != nil {
		store.Close()
		return nil, nil, nil, fmt.Errorf("streamdex: redis cache not ready: %w", err)
	}
	return store, store, store.Close, nil
}

// newEmbedder wraps the provider with metrics and the content-addressed cache.
func newEmbedder(cfg *engineConfig, store db.KVStore, logger *zap.Logger) domain.Embedder {
	provider, model := "custom", "custom"
	var base domain.Embedder
	if cfg.embedder != nil {
		base = adaptEmbedder(cfg.embedder)
	} else {
		base = static.NewEmbedder(cfg.dimensions)
		provider, model = "static", static.Model
	}

	inst := embeddinguc.NewInstrumentedEmbedder(base, provider, model, logger)
	return embcache.New(inst, store, metrics.EmbeddingCacheTotal, logger,
		embcache.WithNamespace(fmt.Sprintf("%s:%s:%d", provider, model, cfg.dimensions)),
		embcache.WithDimensions(cfg.dimensions),
	)
}

// Upsert queues a document for indexing and returns its change sequence number.
// Re-submitting unchanged content is a no-op that returns the last sequence
// handed to the pipeline. Upsert blocks while the pipeline is saturated.
func (e *Engine) Upsert(ctx context.Context, doc Document) (seq uint64, err error) {
	start := time.Now()
	defer func() { e.obs.observe("upsert", start, err) }()

	d, err := document.New(doc.ID, doc.Text, doc.Metadata)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if !doc.Timestamp.IsZero() {
		d = d.WithTimestamp(doc.Timestamp)
	}

	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	if e.closed.Load() {
		return 0, ErrClosed
	}

	ev, changed := e.tracker.Observe(d)
	if !changed {
		return e.lastSent, nil
	}
	if err := e.send(ctx, ev); err != nil {
		e.tracker.Invalidate(doc.ID)
		return 0, err
	}
	return ev.Seq(), nil
}

// Delete queues removal of a document. Deleting an unknown id is a no-op.
func (e *Engine) Delete(ctx context.Context, id string) (seq uint64, err error) {
	start := time.Now()
	defer func() { e.obs.observe("delete", start, err) }()

	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	if e.closed.Load() {
		return 0, ErrClosed
	}

	ev, changed := e.tracker.Remove(id)
	if !changed {
		return e.lastSent, nil
	}
	if err := e.send(ctx, ev); err != nil {
		e.tracker.Invalidate(id)
		return 0, err
	}
	return ev.Seq(), nil
}

// send hands ev to the pipeline. Callers hold sendMu.
func (e *Engine) send(ctx context.Context, ev event.Event) error {
	select {
	case e.events <- ev:
		e.lastSent = ev.Seq()
		return nil
	case <-e.done:
		return e.stoppedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) stoppedErr() error {
	if e.runErr != nil {
		return fmt.Errorf("streamdex: ingestion stopped: %w", e.runErr)
	}
	return ErrClosed
}

// WaitApplied blocks until the change with sequence seq is visible to queries.
func (e *Engine) WaitApplied(ctx context.Context, seq uint64) error {
	err := e.pipe.WaitApplied(ctx, seq)
	if errors.Is(err, pipeline.ErrStopped) && !errors.Is(err, domain.ErrInvariantViolation) {
		return ErrClosed
	}
	return err
}

// Sync blocks until every change accepted so far is visible to queries.
func (e *Engine) Sync(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { e.obs.observe("sync", start, err) }()

	e.sendMu.Lock()
	seq := e.lastSent
	e.sendMu.Unlock()
	return e.WaitApplied(ctx, seq)
}

// Query ranks chunks of the current index generation. It never waits for ingestion.
func (e *Engine) Query(ctx context.Context, q Query) (res Results, err error) {
	start := time.Now()
	defer func() { e.obs.observe("query", start, err) }()

	if e.closed.Load() {
		return Results{}, ErrClosed
	}
	expr, err := q.Filters.expression()
	if err != nil {
		return Results{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	req, err := e.query.NewRequest(q.Text, q.Vector, q.K, expr, q.Timeout)
	if err != nil {
		return Results{}, err
	}
	resp, err := e.query.Query(ctx, &req)
	if err != nil {
		if errors.Is(err, domain.ErrIndexClosed) {
			return Results{}, ErrClosed
		}
		return Results{}, err
	}
	return Results{
		Hits:       hitsFromResults(resp.Items),
		Generation: resp.Generation,
		Strategy:   string(resp.Strategy),
	}, nil
}

// Stats returns counts of the current index generation.
func (e *Engine) Stats() Stats {
	st := e.query.Stats()
	return Stats{
		Documents:  st.Documents,
		Chunks:     st.Chunks,
		Generation: st.Generation,
		LastIngest: st.LastIngest,
		InstanceID: st.InstanceID,
		StartedAt:  st.StartedAt,
		Applied:    e.pipe.Applied(),
	}
}

// Documents lists indexed documents in id order, limit per page.
// Pass the returned cursor to continue; an empty cursor means the listing is complete.
func (e *Engine) Documents(cursor string, limit int) ([]DocumentInfo, string, error) {
	page, err := e.query.Inputs(cursor, limit, "")
	if err != nil {
		return nil, "", err
	}
	return documentInfos(page.Items), page.NextCursor, nil
}

// Document returns the bookkeeping for one indexed document.
func (e *Engine) Document(id string) (DocumentInfo, bool) {
	info, ok := e.idx.Snapshot().Document(id)
	if !ok {
		return DocumentInfo{}, false
	}
	return documentInfos([]index.DocInfo{info})[0], true
}

// Close stops accepting changes, applies the ones already accepted (bounded by
// the drain timeout) and releases the cache. It returns the error that stopped
// ingestion, if any. Safe to call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		start := time.Now()

		e.sendMu.Lock()
		e.closed.Store(true)
		close(e.events)
		e.sendMu.Unlock()

		timer := time.AfterFunc(e.drain, e.cancel)
		<-e.done
		timer.Stop()
		e.cancel()

		e.idx.Close()
		e.closeCache()
		e.closeErr = e.runErr
		e.obs.observe("close", start, e.closeErr)
	})
	return e.closeErr
}
