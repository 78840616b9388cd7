package batch

// ItemStatus is the processing outcome of a single batch item.
type ItemStatus string

// Batch item status values.
const (
	StatusOK    ItemStatus = "ok"
	StatusError ItemStatus = "error"
)

// Result is the outcome of embedding one item of a batch.
type Result struct {
	id       string
	status   ItemStatus
	vector   []float32
	attempts int
	err      error
}

// NewOK creates a successful batch result carrying the computed vector.
func NewOK(id string, vector []float32, attempts int) Result {
	return Result{id: id, status: StatusOK, vector: vector, attempts: attempts}
}

// NewError creates a failed batch result.
func NewError(id string, err error, attempts int) Result {
	return Result{id: id, status: StatusError, err: err, attempts: attempts}
}

// ID returns the item identifier.
func (r Result) ID() string { return r.id }

// Status returns the processing outcome.
func (r Result) Status() ItemStatus { return r.status }

// OK reports whether the item succeeded.
func (r Result) OK() bool { return r.status == StatusOK }

// Vector returns the embedding of a successful item.
func (r Result) Vector() []float32 { return r.vector }

// Attempts returns how many provider calls the item took, including the batch call.
func (r Result) Attempts() int { return r.attempts }

// Err returns the error, if any.
func (r Result) Err() error { return r.err }
