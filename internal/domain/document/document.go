package document

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// MaxIDLength is the maximum document identifier length in bytes.
const MaxIDLength = 512

// State is the lifecycle state of a document inside the index.
type State string

// Document lifecycle states.
const (
	StateAbsent  State = "absent"
	StateActive  State = "active"
	StateUpdated State = "updated"
)

// Document is a source record keyed by a stable id (immutable value object).
type Document struct {
	id        string
	content   string
	metadata  map[string]string
	version   int64
	timestamp time.Time
}

// New validates and creates a Document with version 1.
// Empty content is allowed: such a document has no chunks.
func New(id, content string, metadata map[string]string) (Document, error) {
	if id == "" {
		return Document{}, fmt.Errorf("document ID is required")
	}
	if len(id) > MaxIDLength {
		return Document{}, fmt.Errorf("document ID too long (max %d)", MaxIDLength)
	}
	if strings.ContainsRune(id, 0) {
		return Document{}, fmt.Errorf("document ID must not contain NUL bytes")
	}

	return Document{
		id:       id,
		content:  content,
		metadata: maps.Clone(metadata),
		version:  1,
	}, nil
}

// Reconstruct creates a Document without validation.
func Reconstruct(id, content string, metadata map[string]string, version int64, ts time.Time) Document {
	return Document{id: id, content: content, metadata: metadata, version: version, timestamp: ts}
}

// ID returns the document identifier.
func (d *Document) ID() string { return d.id }

// Content returns the document text.
func (d *Document) Content() string { return d.content }

// Metadata returns the opaque key/value metadata.
func (d *Document) Metadata() map[string]string { return d.metadata }

// Version returns the per-id version, bumped on every content change.
func (d *Document) Version() int64 { return d.version }

// Timestamp returns the logical timestamp of the source record (zero if unknown).
func (d *Document) Timestamp() time.Time { return d.timestamp }

// WithVersion returns a copy with the given version.
func (d *Document) WithVersion(v int64) Document {
	c := *d
	c.version = v
	return c
}

// WithTimestamp returns a copy with the given logical timestamp.
func (d *Document) WithTimestamp(ts time.Time) Document {
	c := *d
	c.timestamp = ts
	return c
}

// ContentHash returns the hex SHA-256 of the content.
func (d *Document) ContentHash() string {
	h := sha256.Sum256([]byte(d.content))
	return hex.EncodeToString(h[:])
}

// MetadataHash returns a stable hash of the metadata set, independent of map order.
func (d *Document) MetadataHash() string {
	return HashMetadata(d.metadata)
}

// HashMetadata hashes a metadata set in sorted key order.
func HashMetadata(m map[string]string) string {
	h := sha256.New()
	for _, k := range slices.Sorted(maps.Keys(m)) {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(m[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
