package query

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/kailas-cloud/streamdex/internal/domain"
	"github.com/kailas-cloud/streamdex/internal/domain/search/filter"
	"github.com/kailas-cloud/streamdex/internal/domain/search/request"
	"github.com/kailas-cloud/streamdex/internal/domain/search/result"
	"github.com/kailas-cloud/streamdex/internal/index"
)

// Inputs listing limits.
const (
	DefaultInputsLimit = 100
	MaxInputsLimit     = 1000
)

// Config holds query settings.
type Config struct {
	Limits request.Limits
	// FilterFields lists the metadata keys queries may filter on.
	// filter.DocIDKey is always allowed.
	FilterFields []string
	// Cache is the embedding cache reported by CacheStatus. Nil when disabled
	// or in-process.
	Cache CachePinger
}

// Embedding cache states reported by CacheStatus.
const (
	CacheOK          = "ok"
	CacheUnreachable = "error"
	CacheDisabled    = "disabled"
)

// Response is a ranked answer tagged with the generation it was read from.
type Response struct {
	Items      []result.Result
	Generation uint64
	Strategy   index.Strategy
}

// Stats describes the index served by this instance.
type Stats struct {
	Documents  int
	Chunks     int
	Generation uint64
	LastIngest time.Time
	InstanceID string
	StartedAt  time.Time
}

// InputsPage is one page of indexed documents.
type InputsPage struct {
	Items      []index.DocInfo
	NextCursor string
	Generation uint64
}

// Service answers retrieval queries against the current index snapshot.
type Service struct {
	idx        Index
	embed      Embedder
	limits     request.Limits
	allowed    map[string]struct{}
	cache      CachePinger
	instanceID string
	startedAt  time.Time
}

// New creates a query service. The instance id is regenerated on every start
// so clients can tell a rebuilt index from the one they saw before.
func New(idx Index, embed Embedder, cfg Config) *Service {
	limits := cfg.Limits
	if limits == (request.Limits{}) {
		limits = request.DefaultLimits()
	}
	allowed := map[string]struct{}{filter.DocIDKey: {}}
	for _, f := range cfg.FilterFields {
		allowed[f] = struct{}{}
	}
	return &Service{
		idx:        idx,
		embed:      embed,
		limits:     limits,
		allowed:    allowed,
		cache:      cfg.Cache,
		instanceID: uuid.NewString(),
		startedAt:  time.Now(),
	}
}

// NewRequest validates raw query parameters against the service limits.
func (s *Service) NewRequest(
	text string, vector []float32, k int, filters filter.Expression, timeout time.Duration,
) (request.Request, error) {
	req, err := request.New(text, vector, k, filters, timeout, s.limits)
	if err != nil {
		return request.Request{}, err
	}
	if err := s.validateFilters(filters); err != nil {
		return request.Request{}, err
	}
	return req, nil
}

// Query embeds the request text if needed and ranks chunks of the current snapshot.
// An empty result is not an error.
func (s *Service) Query(ctx context.Context, req *request.Request) (Response, error) {
	if err := s.validateFilters(req.Filters()); err != nil {
		return Response{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, req.Timeout())
	defer cancel()

	vector := req.Vector()
	if len(vector) == 0 {
		embResult, err := s.embed.Embed(ctx, req.Text())
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return Response{}, fmt.Errorf("%w: embedding query text: %w", domain.ErrQueryTimeout, err)
			}
			return Response{}, fmt.Errorf("vectorize query: %w", err)
		}
		domain.UsageFromContext(ctx).AddTokens(embResult.TotalTokens)
		vector = embResult.Embedding
	}

	res, err := s.idx.Query(ctx, vector, req.TopK(), req.Filters())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Response{}, fmt.Errorf("%w: after %s", domain.ErrQueryTimeout, req.Timeout())
		}
		return Response{}, fmt.Errorf("query index: %w", err)
	}

	return Response{Items: res.Items, Generation: res.Generation, Strategy: res.Strategy}, nil
}

// Stats returns counts of the current snapshot and the instance identity.
func (s *Service) Stats() Stats {
	st := s.idx.Stats()
	return Stats{
		Documents:  st.Documents,
		Chunks:     st.Chunks,
		Generation: st.Generation,
		LastIngest: st.LastIngest,
		InstanceID: s.instanceID,
		StartedAt:  s.startedAt,
	}
}

// CacheStatus pings the shared embedding cache. Queries keep working when it
// is unreachable; cache misses fall through to the provider.
func (s *Service) CacheStatus(ctx context.Context) string {
	if s.cache == nil {
		return CacheDisabled
	}
	if err := s.cache.Ping(ctx); err != nil {
		return CacheUnreachable
	}
	return CacheOK
}

// Generation returns the current index generation.
func (s *Service) Generation() uint64 { return s.idx.Stats().Generation }

// Inputs lists indexed documents in id order. docID narrows the listing to one document.
func (s *Service) Inputs(cursor string, limit int, docID string) (InputsPage, error) {
	if limit < 0 {
		return InputsPage{}, fmt.Errorf("%w: limit must not be negative", domain.ErrInvalidRequest)
	}
	if limit == 0 {
		limit = DefaultInputsLimit
	}
	limit = min(limit, MaxInputsLimit)

	var filters filter.Expression
	if docID != "" {
		c, err := filter.NewMatch(filter.DocIDKey, docID)
		if err != nil {
			return InputsPage{}, fmt.Errorf("%w: %w", domain.ErrInvalidRequest, err)
		}
		filters, _ = filter.NewExpression([]filter.Condition{c}, nil, nil)
	}

	snap := s.idx.Snapshot()
	items, next := snap.Documents(cursor, limit, filters)
	return InputsPage{Items: items, NextCursor: next, Generation: snap.Generation()}, nil
}

// FilterFields returns the keys queries may filter on, sorted.
func (s *Service) FilterFields() []string {
	out := make([]string, 0, len(s.allowed))
	for k := range s.allowed {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func (s *Service) validateFilters(expr filter.Expression) error {
	for _, k := range expr.Keys() {
		if _, ok := s.allowed[k]; !ok {
			return fmt.Errorf("%w: %q", domain.ErrUnknownFilterKey, k)
		}
	}
	return nil
}
