package metrics

import "github.com/prometheus/client_golang/prometheus"

// Ingestion and pipeline Prometheus metrics.
var (
	IngestEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_events_total",
			Help:      "Change events emitted by the ingestion watcher",
		},
		[]string{"kind"}, // upsert / delete
	)

	IngestRecordsSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_records_skipped_total",
			Help:      "Source records skipped as malformed",
		},
		[]string{"reason"},
	)

	PipelineQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pipeline_queue_depth",
		Help:      "Events waiting in the ordered mutation queue",
	})

	PipelineChunksDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pipeline_chunks_dropped_total",
		Help:      "Chunks dropped after exhausting embedding retries",
	})

	PipelineChunksReusedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pipeline_chunks_reused_total",
		Help:      "Chunks whose embedding was reused from the current snapshot",
	})

	PipelineApplyLag = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "pipeline_apply_lag_seconds",
		Help:      "Time from event dispatch to index visibility",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
)

var ingestMetricsRegistered bool

// RegisterIngestMetrics registers Prometheus ingestion and pipeline metrics. Must be called once from main.
func RegisterIngestMetrics() {
	if ingestMetricsRegistered {
		return
	}
	prometheus.MustRegister(IngestEventsTotal)
	prometheus.MustRegister(IngestRecordsSkippedTotal)
	prometheus.MustRegister(PipelineQueueDepth)
	prometheus.MustRegister(PipelineChunksDroppedTotal)
	prometheus.MustRegister(PipelineChunksReusedTotal)
	prometheus.MustRegister(PipelineApplyLag)
	ingestMetricsRegistered = true
}
