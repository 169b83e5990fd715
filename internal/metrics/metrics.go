package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the attribution engine.
type Metrics struct {
	// Ingestion metrics
	EventsIngested     *prometheus.CounterVec
	EventsRejected     *prometheus.CounterVec
	EventsDuplicated   *prometheus.CounterVec
	ThrottleRejections *prometheus.CounterVec

	// Identity metrics
	JourneysCreated     prometheus.Counter
	JourneysMerged      prometheus.Counter
	OrphanedTouchpoints prometheus.Counter
	ResolveLatency      prometheus.Histogram

	// Aggregation metrics
	RefreshDuration       *prometheus.HistogramVec
	BucketsUpdated        *prometheus.CounterVec
	ConsistencyViolations *prometheus.CounterVec

	// Attribution metrics
	PathsComputed  *prometheus.CounterVec
	ComputeLatency prometheus.Histogram

	// Validator metrics
	ValidationRuns     *prometheus.CounterVec
	ValidationAccuracy *prometheus.GaugeVec

	// HTTP metrics
	RequestDuration *prometheus.HistogramVec
	RateLimitHits   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		EventsIngested: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_ingested_total",
				Help:      "Total events accepted into the event store",
			},
			[]string{"stream", "tenant_id"},
		),
		EventsRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_rejected_total",
				Help:      "Events rejected before storage",
			},
			[]string{"stream", "reason"},
		),
		EventsDuplicated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_duplicated_total",
				Help:      "Events dropped as idempotency-key duplicates",
			},
			[]string{"stream"},
		),
		ThrottleRejections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "throttle_rejections_total",
				Help:      "Writes rejected due to tenant overload",
			},
			[]string{"tenant_id"},
		),
		JourneysCreated: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "journeys_created_total",
				Help:      "New user journeys created by the resolver",
			},
		),
		JourneysMerged: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "journeys_merged_total",
				Help:      "Cross-device merges into existing journeys",
			},
		),
		OrphanedTouchpoints: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orphaned_touchpoints_total",
				Help:      "Touchpoints left unmerged below the confidence threshold",
			},
		),
		ResolveLatency: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resolve_latency_seconds",
				Help:      "Identity resolution latency per event",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
		),
		RefreshDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rollup_refresh_duration_seconds",
				Help:      "Rollup refresh cycle duration",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
			},
			[]string{"granularity"},
		),
		BucketsUpdated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollup_buckets_updated_total",
				Help:      "Rollup buckets rewritten by refresh cycles",
			},
			[]string{"granularity"},
		),
		ConsistencyViolations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "consistency_violations_total",
				Help:      "Rollup vs raw-path reconciliation mismatches beyond tolerance",
			},
			[]string{"tenant_id"},
		),
		PathsComputed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attribution_paths_computed_total",
				Help:      "Attribution paths materialized",
			},
			[]string{"model_type"},
		),
		ComputeLatency: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "attribution_compute_latency_seconds",
				Help:      "Per-path attribution computation latency",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
			},
		),
		ValidationRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "validation_runs_total",
				Help:      "Ground-truth validation runs",
			},
			[]string{"model_type", "status"},
		),
		ValidationAccuracy: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "validation_accuracy",
				Help:      "Most recent validation accuracy per campaign/model",
			},
			[]string{"campaign_id", "model_type"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"path", "method", "status"},
		),
		RateLimitHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_hits_total",
				Help:      "Requests rejected by the HTTP rate limiter",
			},
			[]string{"path"},
		),
	}
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
