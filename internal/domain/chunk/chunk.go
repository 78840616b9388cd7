package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// idLength is the number of hex characters kept from the id digest (128 bits).
const idLength = 32

// Chunk is a contiguous span of a document's text, the unit of embedding and retrieval.
type Chunk struct {
	id         string
	docID      string
	position   int
	text       string
	tokenCount int
	embedding  []float32
	generation uint64
}

// New creates a chunk without embedding. The id is derived from (docID, position, text).
func New(docID string, position int, text string, tokenCount int) Chunk {
	return Chunk{
		id:         ID(docID, position, text),
		docID:      docID,
		position:   position,
		text:       text,
		tokenCount: tokenCount,
	}
}

// ID derives the chunk identifier. Identical text at the same position of the same
// document always yields the same id.
func ID(docID string, position int, text string) string {
	th := sha256.Sum256([]byte(text))

	h := sha256.New()
	h.Write([]byte(docID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(position)))
	h.Write([]byte{0})
	h.Write(th[:])
	return hex.EncodeToString(h.Sum(nil))[:idLength]
}

// ID returns the chunk identifier.
func (c *Chunk) ID() string { return c.id }

// DocID returns the owning document identifier.
func (c *Chunk) DocID() string { return c.docID }

// Position returns the ordinal of the chunk within its document.
func (c *Chunk) Position() int { return c.position }

// Text returns the span text.
func (c *Chunk) Text() string { return c.text }

// TokenCount returns the number of tokens in the span.
func (c *Chunk) TokenCount() int { return c.tokenCount }

// Embedding returns the vector, nil until computed.
func (c *Chunk) Embedding() []float32 { return c.embedding }

// HasEmbedding reports whether the vector has been computed.
func (c *Chunk) HasEmbedding() bool { return len(c.embedding) > 0 }

// Generation returns the index generation at which the chunk was last written.
func (c *Chunk) Generation() uint64 { return c.generation }

// WithEmbedding returns a copy with the given vector.
func (c *Chunk) WithEmbedding(v []float32) Chunk {
	cp := *c
	cp.embedding = v
	return cp
}

// WithGeneration returns a copy stamped with the given generation.
func (c *Chunk) WithGeneration(g uint64) Chunk {
	cp := *c
	cp.generation = g
	return cp
}

// SameEmbedding reports whether both chunks carry bit-identical vectors.
func SameEmbedding(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
