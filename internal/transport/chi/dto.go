package chi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/kailas-cloud/streamdex/internal/domain/search/filter"
)

// ErrorCode is a machine-readable error category.
type ErrorCode string

// Error codes.
const (
	ErrorCodeBadRequest             ErrorCode = "bad_request"
	ErrorCodeValidationFailed       ErrorCode = "validation_failed"
	ErrorCodeUnknownFilterKey       ErrorCode = "unknown_filter_key"
	ErrorCodeVectorDimMismatch      ErrorCode = "vector_dim_mismatch"
	ErrorCodeQueryTimeout           ErrorCode = "query_timeout"
	ErrorCodeEmbeddingProviderError ErrorCode = "embedding_provider_error"
	ErrorCodeUnavailable            ErrorCode = "unavailable"
	ErrorCodeInternalError          ErrorCode = "internal_error"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// QueryRequest is the body of POST /v1/query.
// Query is accepted as an alias of Text.
type QueryRequest struct {
	Text      *string         `json:"text,omitempty"`
	Query     *string         `json:"query,omitempty"`
	Vector    []float32       `json:"vector,omitempty"`
	K         *int            `json:"k,omitempty"`
	Filters   json.RawMessage `json:"filters,omitempty"`
	TimeoutMs *int            `json:"timeout_ms,omitempty"`
}

// QueryResultItem is one ranked chunk.
type QueryResultItem struct {
	ChunkID  string            `json:"chunk_id"`
	DocID    string            `json:"doc_id"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata"`
	Score    float64           `json:"score"`
}

// QueryResponse is the body of a successful query.
type QueryResponse struct {
	Generation uint64            `json:"generation"`
	Strategy   string            `json:"strategy"`
	Items      []QueryResultItem `json:"items"`
}

// StatsResponse is the body of GET /v1/stats.
type StatsResponse struct {
	DocumentCount int        `json:"document_count"`
	ChunkCount    int        `json:"chunk_count"`
	Generation    uint64     `json:"generation"`
	LastIngestAt  *time.Time `json:"last_ingest_at,omitempty"`
	InstanceID    string     `json:"instance_id"`
	StartedAt     time.Time  `json:"started_at"`
	FilterFields  []string   `json:"filter_fields"`
	Cache         string     `json:"cache"`
}

// HealthResponse is the body of GET /v1/health.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// InputItem describes one indexed document.
type InputItem struct {
	DocID      string            `json:"doc_id"`
	Metadata   map[string]string `json:"metadata"`
	Version    int64             `json:"version"`
	State      string            `json:"state"`
	ChunkCount int               `json:"chunk_count"`
	UpdatedAt  time.Time         `json:"updated_at"`
	Generation uint64            `json:"generation"`
}

// InputsResponse is the body of GET /v1/inputs.
type InputsResponse struct {
	Items      []InputItem `json:"items"`
	NextCursor *string     `json:"next_cursor,omitempty"`
	HasMore    bool        `json:"has_more"`
	Generation uint64      `json:"generation"`
}

// filtersFromRequest parses either the structured form
// {"must": {k: v}, "should": {k: v}, "must_not": {k: v}} or a flat {k: v}
// object treated as must. Values must be scalars.
func filtersFromRequest(raw json.RawMessage) (filter.Expression, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return filter.Expression{}, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return filter.Expression{}, fmt.Errorf("filters must be an object: %w", err)
	}

	if isStructured(obj) {
		var groups [3][]filter.Condition
		for i, name := range []string{"must", "should", "must_not"} {
			g, ok := obj[name]
			if !ok {
				continue
			}
			var inner map[string]json.RawMessage
			if err := json.Unmarshal(g, &inner); err != nil {
				return filter.Expression{}, fmt.Errorf("filters.%s must be an object: %w", name, err)
			}
			conds, err := conditionsFromRequest(inner)
			if err != nil {
				return filter.Expression{}, fmt.Errorf("filters.%s: %w", name, err)
			}
			groups[i] = conds
		}
		return filter.NewExpression(groups[0], groups[1], groups[2])
	}

	conds, err := conditionsFromRequest(obj)
	if err != nil {
		return filter.Expression{}, fmt.Errorf("filters: %w", err)
	}
	return filter.NewExpression(conds, nil, nil)
}

// isStructured reports whether every key is a group name holding an object.
func isStructured(obj map[string]json.RawMessage) bool {
	if len(obj) == 0 {
		return false
	}
	for k, v := range obj {
		if k != "must" && k != "should" && k != "must_not" {
			return false
		}
		if v = bytes.TrimSpace(v); len(v) == 0 || v[0] != '{' {
			return false
		}
	}
	return true
}

func conditionsFromRequest(obj map[string]json.RawMessage) ([]filter.Condition, error) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	conds := make([]filter.Condition, 0, len(keys))
	for _, k := range keys {
		v, err := scalarValue(obj[k])
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		c, err := filter.NewMatch(k, v)
		if err != nil {
			return nil, err
		}
		conds = append(conds, c)
	}
	return conds, nil
}

func scalarValue(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", fmt.Errorf("empty value")
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	case '{', '[', 'n':
		return "", fmt.Errorf("value must be a string, number or boolean")
	default:
		// numbers and booleans compare by their literal text
		return string(raw), nil
	}
}
