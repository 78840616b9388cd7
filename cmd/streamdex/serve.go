package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kailas-cloud/streamdex/internal/chunker"
	"github.com/kailas-cloud/streamdex/internal/config"
	"github.com/kailas-cloud/streamdex/internal/db"
	"github.com/kailas-cloud/streamdex/internal/db/memory"
	dbRedis "github.com/kailas-cloud/streamdex/internal/db/redis"
	"github.com/kailas-cloud/streamdex/internal/domain"
	"github.com/kailas-cloud/streamdex/internal/domain/event"
	"github.com/kailas-cloud/streamdex/internal/domain/search/request"
	"github.com/kailas-cloud/streamdex/internal/index"
	"github.com/kailas-cloud/streamdex/internal/ingest"
	logpkg "github.com/kailas-cloud/streamdex/internal/logger"
	"github.com/kailas-cloud/streamdex/internal/metrics"
	"github.com/kailas-cloud/streamdex/internal/repository/embcache"
	chiTransport "github.com/kailas-cloud/streamdex/internal/transport/chi"
	openaiEmb "github.com/kailas-cloud/streamdex/internal/transport/openai"
	"github.com/kailas-cloud/streamdex/internal/transport/static"
	embeddinguc "github.com/kailas-cloud/streamdex/internal/usecase/embedding"
	healthuc "github.com/kailas-cloud/streamdex/internal/usecase/health"
	"github.com/kailas-cloud/streamdex/internal/usecase/pipeline"
	queryuc "github.com/kailas-cloud/streamdex/internal/usecase/query"
	"github.com/kailas-cloud/streamdex/internal/version"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Watch the source and serve queries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			logger, err := logpkg.NewLogger(opts.environment(), cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("create logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, logger)
		},
	}
}

// serve runs the watcher, the pipeline and the HTTP server until ctx is
// cancelled or one of them fails. An index invariant violation is returned
// after HTTP has shut down so the process exits non-zero and rebuilds from source.
func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	logger.Info("Starting streamdex",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("addr", cfg.HTTP.Addr()),
		zap.String("source", cfg.Source.Path),
		zap.String("embedding_provider", cfg.Embedding.Provider),
		zap.Int("dimensions", cfg.Embedding.Dimensions),
	)

	// Register metrics explicitly (no init())
	metrics.RegisterEmbeddingMetrics()
	metrics.RegisterIndexMetrics()
	metrics.RegisterIngestMetrics()
	metrics.RegisterHTTPMetrics()

	cache, pinger, closeCache, err := buildCacheStore(ctx, cfg.Embedding.Cache, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	docEmbedder, queryEmbedder := buildEmbedders(cfg.Embedding, cache, logger)

	idx, err := index.New(index.Config{
		Dimensions: cfg.Embedding.Dimensions,
		Shards:     cfg.Index.Shards,
		ANN: index.ANNConfig{
			Enabled:    cfg.Index.ANN.Enabled,
			MinChunks:  cfg.Index.ANN.MinChunks,
			M:          cfg.Index.ANN.M,
			EfSearch:   cfg.Index.ANN.EfSearch,
			Oversample: cfg.Index.ANN.Oversample,
		},
		Logger: logger.Named("index"),
	})
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	defer idx.Close()

	chk, err := chunker.New(
		chunker.WithMaxTokens(cfg.Chunking.MaxTokens),
		chunker.WithOverlap(cfg.Chunking.Overlap()),
	)
	if err != nil {
		return fmt.Errorf("create chunker: %w", err)
	}

	batcher := embeddinguc.NewBatcher(docEmbedder, embeddinguc.BatcherConfig{
		BatchSize:      cfg.Embedding.BatchSize,
		MaxAttempts:    cfg.Embedding.MaxAttempts,
		InitialBackoff: time.Duration(cfg.Embedding.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.Embedding.MaxBackoffMs) * time.Millisecond,
		RateLimit:      cfg.Embedding.RateLimitRPS,
		Dimensions:     cfg.Embedding.Dimensions,
	}, logger.Named("embedding"))

	pipe := pipeline.New(pipeline.Config{
		Workers:      cfg.Pipeline.Workers,
		QueueBound:   cfg.Pipeline.QueueBound,
		DrainTimeout: time.Duration(cfg.Pipeline.DrainTimeoutSec) * time.Second,
	}, chk, batcher, idx, logger.Named("pipeline"))

	source, err := ingest.NewJSONLSource(ingest.SourceConfig{
		Path:         cfg.Source.Path,
		PollInterval: cfg.Source.PollInterval(),
		UseFSNotify:  cfg.Source.FSNotify(),
		Fields: ingest.Fields{
			ID:           cfg.Source.Fields.ID,
			Text:         cfg.Source.Fields.Text,
			FallbackText: cfg.Source.Fields.FallbackText,
			Metadata:     cfg.Source.Fields.Metadata,
			Timestamp:    cfg.Source.Fields.Timestamp,
			Deleted:      cfg.Source.Fields.Deleted,
		},
	}, ingest.NewTracker(), logger.Named("ingest"))
	if err != nil {
		return fmt.Errorf("create source: %w", err)
	}

	querySvc := queryuc.New(idx, queryEmbedder, queryuc.Config{
		Limits: request.Limits{
			DefaultK:       cfg.Query.DefaultK,
			MaxK:           cfg.Query.MaxK,
			DefaultTimeout: time.Duration(cfg.Query.DefaultTimeoutMs) * time.Millisecond,
			MaxTimeout:     time.Duration(cfg.Query.MaxTimeoutMs) * time.Millisecond,
		},
		FilterFields: cfg.Query.FilterFields,
		Cache:        pinger,
	})

	healthSvc := healthuc.New(idx)

	server := chiTransport.NewServer(querySvc, healthSvc, logger)
	srv := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      chiTransport.NewRouter(server, querySvc, logger),
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	events := make(chan event.Event)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(events)
		if err := source.Run(gctx, events); err != nil {
			return fmt.Errorf("source: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := pipe.Run(gctx, events); err != nil {
			return fmt.Errorf("pipeline: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("Starting HTTP server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error during shutdown", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		if errors.Is(err, domain.ErrInvariantViolation) {
			logger.Error("Index invariant violated, exiting so the index is rebuilt from source", zap.Error(err))
		} else {
			logger.Error("Server stopped with error", zap.Error(err))
		}
		return err
	}

	logger.Info("Server stopped gracefully", zap.Uint64("generation", idx.Stats().Generation))
	return nil
}

// buildCacheStore creates the shared embedding cache. The returned pinger is
// non-nil only for network stores.
func buildCacheStore(
	ctx context.Context, cfg config.CacheConfig, logger *zap.Logger,
) (db.KVStore, db.Pinger, func(), error) {
	switch cfg.Driver {
	case "none":
		return nil, nil, func() {}, nil
	case "redis":
		store, err := dbRedis.NewStore(dbRedis.Config{
			Addrs:    cfg.Addrs,
			Password: cfg.Password,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create redis cache: %w", err)
		}
		if err := store.WaitForReady(ctx, time.Duration(cfg.ReadinessTimeout)*time.Second); err != nil {
			store.Close()
			return nil, nil, nil, fmt.Errorf("redis cache not ready: %w", err)
		}
		logger.Info("Connected to embedding cache", zap.Strings("addrs", cfg.Addrs))
		return store, store, store.Close, nil
	default:
		return memory.NewStore(cfg.Size, time.Duration(cfg.TTLSec)*time.Second), nil, func() {}, nil
	}
}

// buildEmbedders assembles the decorator chains:
// provider -> Instrumented -> Cached -> Instruction (document and query prefixes differ).
func buildEmbedders(
	cfg config.EmbeddingConfig, cache db.KVStore, logger *zap.Logger,
) (doc, query domain.Embedder) {
	var (
		base  domain.Embedder
		model = cfg.Model
	)
	switch cfg.Provider {
	case "openai":
		base = openaiEmb.NewEmbedder(&openaiEmb.Config{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			Provider:   cfg.Provider,
			Logger:     logger,
		})
	default:
		base = static.NewEmbedder(cfg.Dimensions)
		model = static.Model
	}

	// Instrumented sits below the cache so metrics count provider calls only.
	var embedder domain.Embedder = embeddinguc.NewInstrumentedEmbedder(base, cfg.Provider, model, logger)

	if cache != nil {
		embedder = embcache.New(embedder, cache, metrics.EmbeddingCacheTotal, logger,
			embcache.WithNamespace(fmt.Sprintf("%s:%s:%d", cfg.Provider, model, cfg.Dimensions)),
			embcache.WithTTL(time.Duration(cfg.Cache.TTLSec)*time.Second),
			embcache.WithDimensions(cfg.Dimensions),
		)
	}

	// Instruction prefix (outermost, cache key includes instruction)
	doc, query = embedder, embedder
	if cfg.DocumentInstruction != "" {
		doc = domain.NewInstructionEmbedder(embedder, cfg.DocumentInstruction)
	}
	if cfg.QueryInstruction != "" {
		query = domain.NewInstructionEmbedder(embedder, cfg.QueryInstruction)
	}

	logger.Info("Embedders created",
		zap.String("provider", cfg.Provider),
		zap.String("model", model),
		zap.Int("dimensions", cfg.Dimensions),
		zap.Bool("cache", cache != nil),
	)
	return doc, query
}
