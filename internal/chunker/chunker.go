// Package chunker splits document text into overlapping token windows.
package chunker

import (
	"fmt"
	"unicode"

	"github.com/kailas-cloud/streamdex/internal/domain/chunk"
)

// Defaults for the token window.
const (
	DefaultMaxTokens     = 400
	DefaultOverlapTokens = 40
)

// Chunker deterministically splits text into spans of at most maxTokens tokens,
// consecutive spans sharing exactly overlap tokens.
// A token is a maximal run of non-whitespace characters.
type Chunker struct {
	maxTokens int
	overlap   int
}

// Option configures the chunker.
type Option func(*Chunker)

// WithMaxTokens sets the maximum number of tokens per span.
func WithMaxTokens(n int) Option {
	return func(c *Chunker) {
		c.maxTokens = n
	}
}

// WithOverlap sets the number of tokens shared by consecutive spans.
func WithOverlap(n int) Option {
	return func(c *Chunker) {
		c.overlap = n
	}
}

// New creates a chunker. Requires maxTokens > 0 and 0 <= overlap < maxTokens.
func New(opts ...Option) (*Chunker, error) {
	c := &Chunker{
		maxTokens: DefaultMaxTokens,
		overlap:   DefaultOverlapTokens,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.maxTokens <= 0 {
		return nil, fmt.Errorf("max tokens must be positive, got %d", c.maxTokens)
	}
	if c.overlap < 0 || c.overlap >= c.maxTokens {
		return nil, fmt.Errorf("overlap must be in [0, %d), got %d", c.maxTokens, c.overlap)
	}
	return c, nil
}

// MaxTokens returns the window size.
func (c *Chunker) MaxTokens() int { return c.maxTokens }

// Overlap returns the overlap size.
func (c *Chunker) Overlap() int { return c.overlap }

// Span is a window of the source text.
type Span struct {
	Text       string
	TokenCount int
}

// Split chunks a document's text. Position i of the result is the i-th span.
func (c *Chunker) Split(docID, text string) []chunk.Chunk {
	spans := c.Spans(text)
	if len(spans) == 0 {
		return nil
	}
	chunks := make([]chunk.Chunk, len(spans))
	for i, s := range spans {
		chunks[i] = chunk.New(docID, i, s.Text, s.TokenCount)
	}
	return chunks
}

// Spans splits text into token windows. The text of a span is the original
// substring from its first token to its last token, inner whitespace preserved.
// Text without tokens yields no spans.
func (c *Chunker) Spans(text string) []Span {
	tokens := tokenize(text)
	n := len(tokens)
	if n == 0 {
		return nil
	}

	spans := make([]Span, 0, ExpectedCount(n, c.maxTokens, c.overlap))
	start := 0
	for {
		end := min(start+c.maxTokens, n)
		spans = append(spans, Span{
			Text:       text[tokens[start].start:tokens[end-1].end],
			TokenCount: end - start,
		})
		if end == n {
			break
		}
		start = end - c.overlap
	}
	return spans
}

// ExpectedCount returns ceil(max(tokens-overlap, 0) / (maxTokens-overlap)),
// with a minimum of one span for non-empty input.
func ExpectedCount(tokens, maxTokens, overlap int) int {
	if tokens == 0 {
		return 0
	}
	if tokens <= maxTokens {
		return 1
	}
	step := maxTokens - overlap
	return (tokens - overlap + step - 1) / step
}

type token struct {
	start, end int
}

func tokenize(text string) []token {
	var tokens []token
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				tokens = append(tokens, token{start: start, end: i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		tokens = append(tokens, token{start: start, end: len(text)})
	}
	return tokens
}

// CountTokens returns the number of tokens in text.
func CountTokens(text string) int {
	return len(tokenize(text))
}
