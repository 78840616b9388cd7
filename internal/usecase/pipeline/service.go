// Package pipeline turns ordered change events into index mutations.
//
// A dispatcher reads events in sequence order and queues one job per event on
// a bounded queue. Chunking and embedding of upserts run on a bounded worker
// pool. A single applier (the mutation lane) takes jobs from the queue in
// order, waits for each to be prepared and applies it to the index, so events
// are applied exactly in sequence order however the workers interleave.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kailas-cloud/streamdex/internal/domain"
	"github.com/kailas-cloud/streamdex/internal/domain/chunk"
	"github.com/kailas-cloud/streamdex/internal/domain/event"
	"github.com/kailas-cloud/streamdex/internal/metrics"
	"github.com/kailas-cloud/streamdex/internal/usecase/embedding"
)

// Defaults.
const (
	DefaultQueueBound   = 1024
	DefaultDrainTimeout = 30 * time.Second
)

// ErrStopped is returned by WaitApplied once the pipeline has stopped.
var ErrStopped = errors.New("pipeline stopped")

// Config holds pipeline settings.
type Config struct {
	// Workers bounds concurrent chunk+embed jobs. Defaults to GOMAXPROCS.
	Workers int
	// QueueBound is the number of events that may wait for the mutation lane
	// before the dispatcher stops reading the source.
	QueueBound int
	// DrainTimeout bounds in-flight work after shutdown starts.
	DrainTimeout time.Duration
}

type job struct {
	ev       event.Event
	enqueued time.Time
	done     chan struct{}
	chunks   []chunk.Chunk
	err      error
}

// Service is the ingestion pipeline.
type Service struct {
	cfg      Config
	chunker  Chunker
	embedder Embedder
	index    Index
	logger   *zap.Logger

	mu      sync.Mutex
	applied uint64
	notify  chan struct{}
	stopped bool
	stopErr error
}

// New creates a pipeline.
func New(cfg Config, chunker Chunker, embedder Embedder, idx Index, logger *zap.Logger) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.QueueBound <= 0 {
		cfg.QueueBound = DefaultQueueBound
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	return &Service{
		cfg:      cfg,
		chunker:  chunker,
		embedder: embedder,
		index:    idx,
		logger:   logger,
		notify:   make(chan struct{}),
	}
}

// Run consumes events until the channel closes or ctx is cancelled.
//
// On cancellation it stops reading events, finishes jobs already queued and
// applies them, bounded by DrainTimeout. It returns nil after a clean drain and
// an error wrapping domain.ErrInvariantViolation if the index halted.
func (s *Service) Run(ctx context.Context, events <-chan event.Event) error {
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	go func() {
		select {
		case <-ctx.Done():
		case <-workCtx.Done():
			return
		}
		timer := time.NewTimer(s.cfg.DrainTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			s.logger.Warn("Drain timeout reached, abandoning in-flight work",
				zap.Duration("timeout", s.cfg.DrainTimeout))
			cancelWork()
		case <-workCtx.Done():
		}
	}()

	var pool errgroup.Group
	pool.SetLimit(s.cfg.Workers)

	g, gctx := errgroup.WithContext(workCtx)
	queue := make(chan *job, s.cfg.QueueBound)

	g.Go(func() error {
		defer close(queue)
		s.dispatch(ctx, gctx, events, queue, &pool)
		return nil
	})
	g.Go(func() error {
		return s.apply(queue)
	})

	err := g.Wait()
	_ = pool.Wait()
	metrics.PipelineQueueDepth.Set(0)

	s.stop(err)
	if err != nil {
		s.logger.Error("Pipeline stopped", zap.Error(err))
		return err
	}
	s.logger.Info("Pipeline drained", zap.Uint64("applied_seq", s.Applied()))
	return nil
}

// dispatch queues one job per event in sequence order. It blocks while the
// queue is full, which stops it from reading further events.
func (s *Service) dispatch(
	ctx, workCtx context.Context,
	events <-chan event.Event,
	queue chan<- *job,
	pool *errgroup.Group,
) {
	for {
		var ev event.Event
		var ok bool
		select {
		case <-ctx.Done():
			return
		case <-workCtx.Done():
			return
		case ev, ok = <-events:
			if !ok {
				return
			}
		}

		j := &job{ev: ev, enqueued: time.Now(), done: make(chan struct{})}
		select {
		case queue <- j:
		case <-ctx.Done():
			return
		case <-workCtx.Done():
			return
		}
		metrics.PipelineQueueDepth.Set(float64(len(queue)))

		if ev.Kind() != event.KindUpsert {
			close(j.done)
			continue
		}
		pool.Go(func() error {
			s.prepare(workCtx, j)
			return nil
		})
	}
}

// apply is the mutation lane.
func (s *Service) apply(queue <-chan *job) error {
	for j := range queue {
		<-j.done
		metrics.PipelineQueueDepth.Set(float64(len(queue)))

		seq := j.ev.Seq()
		if j.err != nil {
			s.logger.Warn("Dropping event, preparation did not finish",
				zap.Uint64("seq", seq),
				zap.String("doc_id", j.ev.DocID()),
				zap.Error(j.err),
			)
			s.markApplied(seq)
			continue
		}

		var err error
		switch j.ev.Kind() {
		case event.KindUpsert:
			_, err = s.index.ApplyDocument(j.ev.Document(), j.chunks)
		case event.KindDelete:
			_, err = s.index.Delete(j.ev.DocID())
		}
		if err != nil {
			if errors.Is(err, domain.ErrInvariantViolation) ||
				errors.Is(err, domain.ErrIndexHalted) ||
				errors.Is(err, domain.ErrIndexClosed) {
				return fmt.Errorf("apply seq %d: %w", seq, err)
			}
			s.logger.Error("Failed to apply event",
				zap.Uint64("seq", seq),
				zap.String("doc_id", j.ev.DocID()),
				zap.Error(err),
			)
		}

		s.markApplied(seq)
		metrics.PipelineApplyLag.Observe(time.Since(j.enqueued).Seconds())
	}
	return nil
}

// prepare chunks and embeds an upsert. Chunks already present in the current
// snapshot reuse their embedding. Chunks that fail to embed are dropped.
func (s *Service) prepare(ctx context.Context, j *job) {
	defer close(j.done)

	doc := j.ev.Document()
	chunks := s.chunker.Split(doc.ID(), doc.Content())
	snap := s.index.Snapshot()

	var items []embedding.Item
	var pending []int
	for i := range chunks {
		if prev, ok := snap.Chunk(doc.ID(), chunks[i].ID()); ok && prev.HasEmbedding() {
			chunks[i] = chunks[i].WithEmbedding(prev.Embedding())
			metrics.PipelineChunksReusedTotal.Inc()
			continue
		}
		items = append(items, embedding.Item{ID: chunks[i].ID(), Text: chunks[i].Text()})
		pending = append(pending, i)
	}

	if len(items) > 0 {
		results, err := s.embedder.Embed(ctx, items)
		if err != nil {
			j.err = err
			return
		}
		for k, r := range results {
			if !r.OK() {
				metrics.PipelineChunksDroppedTotal.Inc()
				s.logger.Error("Dropping chunk after failed embedding",
					zap.String("doc_id", doc.ID()),
					zap.String("chunk_id", r.ID()),
					zap.Int("attempts", r.Attempts()),
					zap.Error(r.Err()),
				)
				continue
			}
			i := pending[k]
			chunks[i] = chunks[i].WithEmbedding(r.Vector())
		}
	}

	out := chunks[:0]
	for i := range chunks {
		if chunks[i].HasEmbedding() {
			out = append(out, chunks[i])
		}
	}
	j.chunks = out
}

// Applied returns the highest sequence number visible in the index.
func (s *Service) Applied() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied
}

// WaitApplied blocks until the event with sequence number seq has been applied
// (or dropped), ctx ends, or the pipeline stops.
func (s *Service) WaitApplied(ctx context.Context, seq uint64) error {
	for {
		s.mu.Lock()
		if s.applied >= seq {
			s.mu.Unlock()
			return nil
		}
		if s.stopped {
			err := s.stopErr
			s.mu.Unlock()
			if err != nil {
				return fmt.Errorf("%w: %w", ErrStopped, err)
			}
			return ErrStopped
		}
		ch := s.notify
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Service) markApplied(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.applied {
		s.applied = seq
	}
	close(s.notify)
	s.notify = make(chan struct{})
}

func (s *Service) stop(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.stopErr = err
	close(s.notify)
	s.notify = make(chan struct{})
}
