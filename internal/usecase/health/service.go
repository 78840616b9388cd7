package health

import "context"

// Status represents the aggregated health status.
type Status string

const (
	// Healthy indicates the index applies mutations and serves queries.
	Healthy Status = "ok"
	// Unhealthy indicates the index stopped applying mutations.
	Unhealthy Status = "error"
)

// CheckResult represents an individual component health check outcome.
type CheckResult string

const (
	// CheckOK indicates a passing health check.
	CheckOK CheckResult = "ok"
	// CheckError indicates a failing health check.
	CheckError CheckResult = "error"
)

// Report aggregates health check results.
type Report struct {
	Status Status
	Checks map[string]CheckResult
}

// Service reports liveness of the index mutation lane. It never calls the
// embedder, its cache or the source.
type Service struct {
	index IndexState
}

// New creates a Service.
func New(index IndexState) *Service {
	return &Service{index: index}
}

// Check reports the index lane state.
func (s *Service) Check(_ context.Context) Report {
	if s.index.Halted() {
		return Report{Status: Unhealthy, Checks: map[string]CheckResult{"index": CheckError}}
	}
	return Report{Status: Healthy, Checks: map[string]CheckResult{"index": CheckOK}}
}
