package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collection counters and histograms.
type Metrics struct {
	APICallsTotal *prometheus.CounterVec   // labels: source, endpoint, status
	APILatency    *prometheus.HistogramVec // labels: source, endpoint

	RecordsIngested *prometheus.CounterVec // labels: collector, kind={observation,forecast}
	RecordsDropped  *prometheus.CounterVec // labels: collector, reason

	CollectionRuns     *prometheus.CounterVec   // labels: collector, status
	CollectionDuration *prometheus.HistogramVec // labels: collector
	LastSuccess        *prometheus.GaugeVec     // labels: collector

	TokenRefreshes *prometheus.CounterVec // labels: source, outcome
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		APICallsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "haar_api_calls_total",
				Help: "Total upstream weather API calls",
			},
			[]string{"source", "endpoint", "status"},
		),
		APILatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "haar_api_latency_seconds",
				Help:    "Upstream weather API call latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source", "endpoint"},
		),
		RecordsIngested: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "haar_records_ingested_total",
				Help: "Total observations and forecasts upserted",
			},
			[]string{"collector", "kind"},
		),
		RecordsDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "haar_records_dropped_total",
				Help: "Records discarded before persistence",
			},
			[]string{"collector", "reason"},
		),
		CollectionRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "haar_collection_runs_total",
				Help: "Collector invocations by outcome",
			},
			[]string{"collector", "status"},
		),
		CollectionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "haar_collection_duration_seconds",
				Help:    "Wall time of a collector invocation",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"collector"},
		),
		LastSuccess: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "haar_collection_last_success_timestamp_seconds",
				Help: "Unix time of the last successful collection",
			},
			[]string{"collector"},
		),
		TokenRefreshes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "haar_token_refreshes_total",
				Help: "OAuth token refresh attempts",
			},
			[]string{"source", "outcome"},
		),
	}
}

// NewForTesting returns metrics on a private registry so tests can create
// as many as they like.
func NewForTesting() *Metrics {
	return New(prometheus.NewRegistry())
}
