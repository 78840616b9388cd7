package streamdex

import (
	"errors"

	"github.com/kailas-cloud/streamdex/internal/domain"
)

// Sentinel errors re-exported from the domain layer.
// Use errors.Is() to check.
var (
	ErrInvalidRequest         = domain.ErrInvalidRequest
	ErrUnknownFilterKey       = domain.ErrUnknownFilterKey
	ErrVectorDimMismatch      = domain.ErrVectorDimMismatch
	ErrQueryTimeout           = domain.ErrQueryTimeout
	ErrEmbeddingProviderError = domain.ErrEmbeddingProviderError
	ErrInvariantViolation     = domain.ErrInvariantViolation
	ErrIndexHalted            = domain.ErrIndexHalted
)

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("streamdex: engine closed")
