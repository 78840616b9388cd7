package request

import (
	"fmt"
	"math"
	"time"

	"github.com/kailas-cloud/streamdex/internal/domain"
	"github.com/kailas-cloud/streamdex/internal/domain/search/filter"
)

// Query parameter limits.
const (
	// MaxQueryLength is the maximum allowed query text length in bytes.
	MaxQueryLength = 8192
	DefaultTopK    = 10
	MaxTopK        = 100
	DefaultTimeout = 2 * time.Second
	MaxTimeout     = 30 * time.Second
)

// Limits bounds the parameters a query may ask for.
type Limits struct {
	DefaultK       int
	MaxK           int
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
}

// DefaultLimits returns the built-in limits.
func DefaultLimits() Limits {
	return Limits{
		DefaultK:       DefaultTopK,
		MaxK:           MaxTopK,
		DefaultTimeout: DefaultTimeout,
		MaxTimeout:     MaxTimeout,
	}
}

// Request is a validated retrieval query: exactly one of text or vector is set.
type Request struct {
	text    string
	vector  []float32
	topK    int
	filters filter.Expression
	timeout time.Duration
}

// New validates and normalizes query parameters.
// k == 0 and timeout == 0 select the defaults; a timeout above the maximum is clamped.
func New(
	text string,
	vector []float32,
	k int,
	filters filter.Expression,
	timeout time.Duration,
	limits Limits,
) (Request, error) {
	switch {
	case text == "" && len(vector) == 0:
		return Request{}, fmt.Errorf("%w: text or vector is required", domain.ErrInvalidRequest)
	case text != "" && len(vector) > 0:
		return Request{}, fmt.Errorf("%w: text and vector are mutually exclusive", domain.ErrInvalidRequest)
	}
	if len(text) > MaxQueryLength {
		return Request{}, fmt.Errorf("%w: text too long (max %d bytes)", domain.ErrInvalidRequest, MaxQueryLength)
	}
	if len(vector) > 0 {
		if err := validateVector(vector); err != nil {
			return Request{}, err
		}
	}

	if k < 0 {
		return Request{}, fmt.Errorf("%w: k must be positive, got %d", domain.ErrInvalidRequest, k)
	}
	if k == 0 {
		k = limits.DefaultK
	}
	if limits.MaxK > 0 && k > limits.MaxK {
		return Request{}, fmt.Errorf("%w: k must be at most %d, got %d", domain.ErrInvalidRequest, limits.MaxK, k)
	}

	if timeout < 0 {
		return Request{}, fmt.Errorf("%w: timeout must not be negative", domain.ErrInvalidRequest)
	}
	if timeout == 0 {
		timeout = limits.DefaultTimeout
	}
	if limits.MaxTimeout > 0 && timeout > limits.MaxTimeout {
		timeout = limits.MaxTimeout
	}

	return Request{
		text:    text,
		vector:  vector,
		topK:    k,
		filters: filters,
		timeout: timeout,
	}, nil
}

func validateVector(v []float32) error {
	var zero = true
	for _, f := range v {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return fmt.Errorf("%w: vector contains non-finite values", domain.ErrInvalidRequest)
		}
		if f != 0 {
			zero = false
		}
	}
	if zero {
		return fmt.Errorf("%w: vector must not be all zeros", domain.ErrInvalidRequest)
	}
	return nil
}

// Text returns the query text (empty for vector queries).
func (r *Request) Text() string { return r.text }

// Vector returns the query vector (nil for text queries until embedded).
func (r *Request) Vector() []float32 { return r.vector }

// TopK returns the number of results to return.
func (r *Request) TopK() int { return r.topK }

// Filters returns the metadata pre-filter.
func (r *Request) Filters() filter.Expression { return r.filters }

// Timeout returns the query deadline.
func (r *Request) Timeout() time.Duration { return r.timeout }

// WithVector returns a copy carrying the embedded query vector.
func (r *Request) WithVector(v []float32) Request {
	c := *r
	c.vector = v
	return c
}
