package chi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/oapi-codegen/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kailas-cloud/streamdex/internal/domain"
	"github.com/kailas-cloud/streamdex/internal/domain/search/result"
	logpkg "github.com/kailas-cloud/streamdex/internal/logger"
	healthuc "github.com/kailas-cloud/streamdex/internal/usecase/health"
	queryuc "github.com/kailas-cloud/streamdex/internal/usecase/query"
)

// maxBodyBytes bounds a query request body.
const maxBodyBytes = 1 << 20

// GenerationHeader carries the index generation a response was computed from.
const GenerationHeader = "X-Index-Generation"

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error, msg string) bool

// Server serves the read-only query API.
type Server struct {
	query         *queryuc.Service
	health        *healthuc.Service
	logger        *zap.Logger
	errorHandlers []errorHandler
}

// NewServer creates an HTTP API server.
func NewServer(query *queryuc.Service, health *healthuc.Service, logger *zap.Logger) *Server {
	s := &Server{
		query:  query,
		health: health,
		logger: logger,
	}
	s.errorHandlers = []errorHandler{
		sentinelHandler(domain.ErrUnknownFilterKey, http.StatusBadRequest, ErrorCodeUnknownFilterKey),
		sentinelHandler(domain.ErrVectorDimMismatch, http.StatusBadRequest, ErrorCodeVectorDimMismatch),
		sentinelHandler(domain.ErrInvalidRequest, http.StatusBadRequest, ErrorCodeValidationFailed),
		sentinelHandler(domain.ErrQueryTimeout, http.StatusGatewayTimeout, ErrorCodeQueryTimeout),
		sentinelHandler(domain.ErrEmbeddingProviderError, http.StatusBadGateway, ErrorCodeEmbeddingProviderError),
		sentinelHandler(domain.ErrIndexClosed, http.StatusServiceUnavailable, ErrorCodeUnavailable),
	}
	return s
}

// Query handles POST /v1/query and POST /v1/retrieve.
func (s *Server) Query(w http.ResponseWriter, r *http.Request) {
	var body QueryRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, ErrorCodeBadRequest, "Invalid request body: "+err.Error())
		return
	}

	text := ""
	switch {
	case body.Text != nil && body.Query != nil:
		writeError(w, http.StatusBadRequest, ErrorCodeValidationFailed, "text and query are aliases, set one")
		return
	case body.Text != nil:
		text = *body.Text
	case body.Query != nil:
		text = *body.Query
	}

	k := 0
	if body.K != nil {
		if *body.K <= 0 {
			writeError(w, http.StatusBadRequest, ErrorCodeValidationFailed, "k must be positive")
			return
		}
		k = *body.K
	}

	var timeout time.Duration
	if body.TimeoutMs != nil {
		if *body.TimeoutMs <= 0 {
			writeError(w, http.StatusBadRequest, ErrorCodeValidationFailed, "timeout_ms must be positive")
			return
		}
		timeout = time.Duration(*body.TimeoutMs) * time.Millisecond
	}

	filters, err := filtersFromRequest(body.Filters)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrorCodeValidationFailed, err.Error())
		return
	}

	req, err := s.query.NewRequest(text, body.Vector, k, filters, timeout)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}

	ctx, usage := domain.NewContextWithUsage(r.Context())
	resp, err := s.query.Query(ctx, &req)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}

	items := make([]QueryResultItem, len(resp.Items))
	for i := range resp.Items {
		items[i] = resultToResponse(&resp.Items[i])
	}

	setEmbeddingHeaders(w, usage)
	w.Header().Set(GenerationHeader, strconv.FormatUint(resp.Generation, 10))
	writeJSON(w, http.StatusOK, QueryResponse{
		Generation: resp.Generation,
		Strategy:   string(resp.Strategy),
		Items:      items,
	})
}

// Stats handles GET /v1/stats and GET /v1/statistics.
func (s *Server) Stats(w http.ResponseWriter, r *http.Request) {
	st := s.query.Stats()

	resp := StatsResponse{
		DocumentCount: st.Documents,
		ChunkCount:    st.Chunks,
		Generation:    st.Generation,
		InstanceID:    st.InstanceID,
		StartedAt:     st.StartedAt.UTC(),
		FilterFields:  s.query.FilterFields(),
		Cache:         s.query.CacheStatus(r.Context()),
	}
	if !st.LastIngest.IsZero() {
		ts := st.LastIngest.UTC()
		resp.LastIngestAt = &ts
	}

	w.Header().Set(GenerationHeader, strconv.FormatUint(st.Generation, 10))
	writeJSON(w, http.StatusOK, resp)
}

// Inputs handles GET /v1/inputs.
func (s *Server) Inputs(w http.ResponseWriter, r *http.Request) {
	var (
		limit  *int
		cursor *string
		docID  *string
	)
	q := r.URL.Query()
	if err := runtime.BindQueryParameter("form", true, false, "limit", q, &limit); err != nil {
		writeError(w, http.StatusBadRequest, ErrorCodeBadRequest, "Invalid format for parameter limit: "+err.Error())
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "cursor", q, &cursor); err != nil {
		writeError(w, http.StatusBadRequest, ErrorCodeBadRequest, "Invalid format for parameter cursor: "+err.Error())
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "doc_id", q, &docID); err != nil {
		writeError(w, http.StatusBadRequest, ErrorCodeBadRequest, "Invalid format for parameter doc_id: "+err.Error())
		return
	}

	page, err := s.query.Inputs(deref(cursor), deref(limit), deref(docID))
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}

	items := make([]InputItem, len(page.Items))
	for i, d := range page.Items {
		items[i] = InputItem{
			DocID:      d.ID,
			Metadata:   d.Metadata,
			Version:    d.Version,
			State:      string(d.State),
			ChunkCount: len(d.ChunkIDs),
			UpdatedAt:  d.UpdatedAt.UTC(),
			Generation: d.Generation,
		}
	}

	resp := InputsResponse{Items: items, HasMore: page.NextCursor != "", Generation: page.Generation}
	if page.NextCursor != "" {
		resp.NextCursor = &page.NextCursor
	}
	w.Header().Set(GenerationHeader, strconv.FormatUint(page.Generation, 10))
	writeJSON(w, http.StatusOK, resp)
}

// HealthCheck handles GET /v1/health and GET /health.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())

	checks := make(map[string]string, len(report.Checks))
	for k, v := range report.Checks {
		checks[k] = string(v)
	}

	httpStatus := http.StatusOK
	if report.Status == healthuc.Unhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	if report.Status != healthuc.Healthy {
		s.logger.Warn("Health check not ok",
			zap.String("status", string(report.Status)),
			zap.Any("checks", checks),
		)
	}

	writeJSON(w, httpStatus, HealthResponse{
		Status: string(report.Status),
		Checks: checks,
	})
}

// Metrics handles GET /metrics.
func (s *Server) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// NotFound answers unknown routes with a JSON error.
func (s *Server) NotFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, ErrorCodeBadRequest, "route not found")
}

// MethodNotAllowed answers known routes called with the wrong method.
func (s *Server) MethodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, ErrorCodeBadRequest, "method not allowed")
}

func setEmbeddingHeaders(w http.ResponseWriter, usage *domain.EmbeddingUsage) {
	if usage != nil && usage.Used {
		w.Header().Set("X-Embedding-Tokens", strconv.Itoa(usage.TotalTokens))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code ErrorCode, message string) {
	writeJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}

// safeDomainMessage returns a client-facing message without exposing internals.
// Request validation errors are built from request data only and are returned verbatim.
func safeDomainMessage(err error) string {
	for _, s := range []error{
		domain.ErrInvalidRequest,
		domain.ErrUnknownFilterKey,
		domain.ErrVectorDimMismatch,
	} {
		if errors.Is(err, s) {
			return err.Error()
		}
	}
	for _, s := range []error{
		domain.ErrQueryTimeout,
		domain.ErrEmbeddingProviderError,
		domain.ErrIndexClosed,
	} {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "internal error"
}

// sentinelHandler returns an errorHandler that matches a single sentinel error.
func sentinelHandler(sentinel error, status int, code ErrorCode) errorHandler {
	return func(w http.ResponseWriter, err error, msg string) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, msg)
		return true
	}
}

// handleDomainError logs through the request logger installed by WideEventMiddleware.
func (s *Server) handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	log := logpkg.FromContext(r.Context())
	log.Warn("domain error", zap.Error(err))
	msg := safeDomainMessage(err)
	for _, h := range s.errorHandlers {
		if h(w, err, msg) {
			return
		}
	}
	log.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, ErrorCodeInternalError, "internal error")
}

func resultToResponse(r *result.Result) QueryResultItem {
	meta := r.Metadata()
	if meta == nil {
		meta = map[string]string{}
	}
	return QueryResultItem{
		ChunkID:  r.ChunkID(),
		DocID:    r.DocID(),
		Text:     r.Text(),
		Metadata: meta,
		Score:    r.Score(),
	}
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
