package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest signals a malformed query request.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnknownFilterKey signals a filter on a metadata key the index does not expose.
	ErrUnknownFilterKey = errors.New("unknown filter key")
	// ErrVectorDimMismatch signals a vector dimension mismatch.
	ErrVectorDimMismatch = errors.New("vector dimension mismatch")
	// ErrQueryTimeout signals a query that exceeded its deadline.
	ErrQueryTimeout = errors.New("query timeout")

	// ErrMalformedRecord signals a source record that cannot be turned into a document.
	ErrMalformedRecord = errors.New("malformed record")
	// ErrRateLimited signals a rate limit hit.
	ErrRateLimited = errors.New("rate limited")
	// ErrEmbeddingProviderError signals an embedding provider failure.
	ErrEmbeddingProviderError = errors.New("embedding provider error")

	// ErrInvariantViolation signals corrupted index state. The mutation lane stops on it.
	ErrInvariantViolation = errors.New("index invariant violation")
	// ErrIndexHalted is returned for mutations after the lane stopped.
	ErrIndexHalted = errors.New("index mutation lane halted")
	// ErrIndexClosed is returned for operations on a closed index.
	ErrIndexClosed = errors.New("index closed")
)

// InvariantViolationError wraps ErrInvariantViolation with the conflicting chunk ownership.
type InvariantViolationError struct {
	ChunkID    string
	OwnerID    string
	IncomingID string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("%s: chunk %s owned by %q, claimed by %q",
		ErrInvariantViolation.Error(), e.ChunkID, e.OwnerID, e.IncomingID)
}

func (e *InvariantViolationError) Unwrap() error { return ErrInvariantViolation }

// NewInvariantViolation creates an invariant violation error.
func NewInvariantViolation(chunkID, ownerID, incomingID string) error {
	return &InvariantViolationError{ChunkID: chunkID, OwnerID: ownerID, IncomingID: incomingID}
}

// MalformedRecordError wraps ErrMalformedRecord with the reason the record was skipped.
type MalformedRecordError struct {
	Reason string
	Detail string
}

func (e *MalformedRecordError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", ErrMalformedRecord.Error(), e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrMalformedRecord.Error(), e.Reason, e.Detail)
}

func (e *MalformedRecordError) Unwrap() error { return ErrMalformedRecord }

// NewMalformedRecord creates a malformed record error. reason is a short label used in metrics.
func NewMalformedRecord(reason, detail string) error {
	return &MalformedRecordError{Reason: reason, Detail: detail}
}
