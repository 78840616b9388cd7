package filter

import "fmt"

// MaxConditionsPerGroup is the maximum number of conditions per filter group.
const MaxConditionsPerGroup = 32

// DocIDKey is the pseudo metadata key that matches the owning document id.
const DocIDKey = "doc_id"

// Expression is a metadata predicate with must/should/must_not boolean semantics.
// The zero value matches everything.
type Expression struct {
	must    []Condition
	should  []Condition
	mustNot []Condition
}

// NewExpression validates and creates a filter Expression.
func NewExpression(must, should, mustNot []Condition) (Expression, error) {
	if len(must) > MaxConditionsPerGroup {
		return Expression{}, fmt.Errorf("too many must conditions (max %d)", MaxConditionsPerGroup)
	}
	if len(should) > MaxConditionsPerGroup {
		return Expression{}, fmt.Errorf("too many should conditions (max %d)", MaxConditionsPerGroup)
	}
	if len(mustNot) > MaxConditionsPerGroup {
		return Expression{}, fmt.Errorf("too many must_not conditions (max %d)", MaxConditionsPerGroup)
	}
	return Expression{must: must, should: should, mustNot: mustNot}, nil
}

// Must returns the must conditions.
func (e Expression) Must() []Condition { return e.must }

// Should returns the should conditions.
func (e Expression) Should() []Condition { return e.should }

// MustNot returns the must-not conditions.
func (e Expression) MustNot() []Condition { return e.mustNot }

// IsEmpty reports whether the expression has no conditions.
func (e Expression) IsEmpty() bool {
	return len(e.must) == 0 && len(e.should) == 0 && len(e.mustNot) == 0
}

// Keys returns every key referenced by the expression, in group order.
func (e Expression) Keys() []string {
	keys := make([]string, 0, len(e.must)+len(e.should)+len(e.mustNot))
	for _, group := range [][]Condition{e.must, e.should, e.mustNot} {
		for _, c := range group {
			keys = append(keys, c.key)
		}
	}
	return keys
}

// Matches evaluates the expression against a document's id and metadata.
// All must conditions hold, at least one should condition holds (if any),
// and no must_not condition holds.
func (e Expression) Matches(docID string, metadata map[string]string) bool {
	for _, c := range e.must {
		if !c.matches(docID, metadata) {
			return false
		}
	}
	for _, c := range e.mustNot {
		if c.matches(docID, metadata) {
			return false
		}
	}
	if len(e.should) == 0 {
		return true
	}
	for _, c := range e.should {
		if c.matches(docID, metadata) {
			return true
		}
	}
	return false
}

// Condition is a single exact-match clause on a metadata key.
type Condition struct {
	key   string
	match string
}

// NewMatch creates an exact match condition.
func NewMatch(key, match string) (Condition, error) {
	if key == "" {
		return Condition{}, fmt.Errorf("filter key is required")
	}
	return Condition{key: key, match: match}, nil
}

// Key returns the metadata key.
func (c Condition) Key() string { return c.key }

// Match returns the exact match value.
func (c Condition) Match() string { return c.match }

func (c Condition) matches(docID string, metadata map[string]string) bool {
	if c.key == DocIDKey {
		return docID == c.match
	}
	v, ok := metadata[c.key]
	return ok && v == c.match
}
