package result

// Result is a single retrieval hit.
type Result struct {
	chunkID    string
	docID      string
	text       string
	metadata   map[string]string
	score      float64
	generation uint64
}

// New creates a retrieval result.
func New(
	chunkID, docID, text string,
	metadata map[string]string,
	score float64,
	generation uint64,
) Result {
	return Result{
		chunkID: chunkID, docID: docID, text: text,
		metadata: metadata, score: score, generation: generation,
	}
}

// ChunkID returns the chunk identifier.
func (r *Result) ChunkID() string { return r.chunkID }

// DocID returns the owning document identifier.
func (r *Result) DocID() string { return r.docID }

// Text returns the chunk text.
func (r *Result) Text() string { return r.text }

// Metadata returns the owning document's metadata.
func (r *Result) Metadata() map[string]string { return r.metadata }

// Score returns the cosine similarity in [-1, 1].
func (r *Result) Score() float64 { return r.score }

// Generation returns the index generation at which the chunk was last written.
func (r *Result) Generation() uint64 { return r.generation }
