package streamdex

import "context"

// HealthStatus represents the aggregated engine health.
type HealthStatus struct {
	Status string            // "ok", "error"
	Checks map[string]string // component → "ok"/"error"
}

// Health reports whether the index still applies changes. It never calls the
// embedder or its cache; see CacheStatus for the cache.
func (e *Engine) Health(ctx context.Context) HealthStatus {
	report := e.health.Check(ctx)
	checks := make(map[string]string, len(report.Checks))
	for k, v := range report.Checks {
		checks[k] = string(v)
	}
	return HealthStatus{
		Status: string(report.Status),
		Checks: checks,
	}
}

// CacheStatus reports the Redis embedding cache as "ok" or "error", or
// "disabled" for the in-process cache.
func (e *Engine) CacheStatus(ctx context.Context) string {
	return e.query.CacheStatus(ctx)
}
