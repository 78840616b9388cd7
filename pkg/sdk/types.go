package streamdex

import (
	"time"

	"github.com/kailas-cloud/streamdex/internal/domain/search/filter"
	"github.com/kailas-cloud/streamdex/internal/domain/search/result"
	"github.com/kailas-cloud/streamdex/internal/index"
)

// DocIDKey filters on the document id instead of a metadata field.
const DocIDKey = filter.DocIDKey

// Document is the unit pushed into the engine.
type Document struct {
	ID       string
	Text     string
	Metadata map[string]string
	// Timestamp is informational; the zero value leaves it unset.
	Timestamp time.Time
}

// Filters narrows a query by exact metadata matches.
// Must: all match. Should: at least one matches. MustNot: none match.
type Filters struct {
	Must    map[string]string
	Should  map[string]string
	MustNot map[string]string
}

func (f Filters) expression() (filter.Expression, error) {
	must, err := conditions(f.Must)
	if err != nil {
		return filter.Expression{}, err
	}
	should, err := conditions(f.Should)
	if err != nil {
		return filter.Expression{}, err
	}
	mustNot, err := conditions(f.MustNot)
	if err != nil {
		return filter.Expression{}, err
	}
	return filter.NewExpression(must, should, mustNot)
}

func conditions(m map[string]string) ([]filter.Condition, error) {
	if len(m) == 0 {
		return nil, nil
	}
	out := make([]filter.Condition, 0, len(m))
	for k, v := range m {
		c, err := filter.NewMatch(k, v)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Query asks for the K chunks closest to Text or Vector. Exactly one of them must be set.
type Query struct {
	Text    string
	Vector  []float32
	// K is the number of hits; zero selects the default of 10.
	K       int
	Filters Filters
	// Timeout bounds the query; zero selects the default.
	Timeout time.Duration
}

// Hit is one ranked chunk.
type Hit struct {
	ChunkID  string
	DocID    string
	Text     string
	Metadata map[string]string
	Score    float64
}

// Results is a ranked answer read from a single index generation.
type Results struct {
	Hits       []Hit
	Generation uint64
	// Strategy is "exact" or "ann".
	Strategy string
}

// Stats describes the engine's index.
type Stats struct {
	Documents  int
	Chunks     int
	Generation uint64
	LastIngest time.Time
	InstanceID string
	StartedAt  time.Time
	// Applied is the sequence number of the last change the index has caught up with.
	Applied uint64
}

// DocumentInfo is the bookkeeping kept for an indexed document.
type DocumentInfo struct {
	ID         string
	Metadata   map[string]string
	Version    int64
	State      string
	ChunkIDs   []string
	UpdatedAt  time.Time
	Generation uint64
}

func hitsFromResults(items []result.Result) []Hit {
	hits := make([]Hit, 0, len(items))
	for i := range items {
		r := &items[i]
		hits = append(hits, Hit{
			ChunkID:  r.ChunkID(),
			DocID:    r.DocID(),
			Text:     r.Text(),
			Metadata: r.Metadata(),
			Score:    r.Score(),
		})
	}
	return hits
}

func documentInfos(items []index.DocInfo) []DocumentInfo {
	out := make([]DocumentInfo, 0, len(items))
	for _, d := range items {
		out = append(out, DocumentInfo{
			ID:         d.ID,
			Metadata:   d.Metadata,
			Version:    d.Version,
			State:      string(d.State),
			ChunkIDs:   d.ChunkIDs,
			UpdatedAt:  d.UpdatedAt,
			Generation: d.Generation,
		})
	}
	return out
}
