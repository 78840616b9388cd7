package metrics

import "github.com/prometheus/client_golang/prometheus"

// Index Prometheus metrics.
var (
	IndexGeneration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "index_generation",
		Help:      "Current index generation",
	})

	IndexDocuments = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "index_documents",
		Help:      "Live documents in the current snapshot",
	})

	IndexChunks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "index_chunks",
		Help:      "Chunks in the current snapshot",
	})

	IndexMutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_mutations_total",
			Help:      "Index mutations by operation and outcome",
		},
		[]string{"op", "result"}, // result: applied / noop / error
	)

	IndexQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "index_query_duration_seconds",
			Help:      "Index scan duration in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"strategy"}, // exact / ann
	)

	IndexANNRebuildsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "index_ann_rebuilds_total",
		Help:      "ANN graph rebuilds triggered by accumulated deletions",
	})

	IndexANNFallbacksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "index_ann_fallbacks_total",
		Help:      "ANN queries answered by the exact scan because too few live candidates came back",
	})
)

var indexMetricsRegistered bool

// RegisterIndexMetrics registers Prometheus index metrics. Must be called once from main.
func RegisterIndexMetrics() {
	if indexMetricsRegistered {
		return
	}
	prometheus.MustRegister(IndexGeneration)
	prometheus.MustRegister(IndexDocuments)
	prometheus.MustRegister(IndexChunks)
	prometheus.MustRegister(IndexMutationsTotal)
	prometheus.MustRegister(IndexQueryDuration)
	prometheus.MustRegister(IndexANNRebuildsTotal)
	prometheus.MustRegister(IndexANNFallbacksTotal)
	indexMetricsRegistered = true
}
