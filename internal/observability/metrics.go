// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// Matching metrics
	MatchRunsTotal    *prometheus.CounterVec
	MatchDuration     prometheus.Histogram
	LinksCreatedTotal prometheus.Counter

	// Validation metrics
	ValidationRunsTotal *prometheus.CounterVec
	ValidationFindings  prometheus.Gauge

	// Ingestion metrics
	EventsIngestedTotal  *prometheus.CounterVec
	EventsDuplicateTotal *prometheus.CounterVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec

	// Health metrics
	LastSuccessfulMatch      prometheus.Gauge
	LastSuccessfulValidation prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "cryptotax_engine"
	}

	return &Metrics{
		// Matching metrics
		MatchRunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "matching",
			Name:      "runs_total",
			Help:      "Total number of matching runs by status",
		}, []string{"status"}),
		MatchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "matching",
			Name:      "run_duration_seconds",
			Help:      "Duration of matching runs in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}),
		LinksCreatedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "matching",
			Name:      "links_created_total",
			Help:      "Total number of cost basis links created",
		}),

		// Validation metrics
		ValidationRunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validation",
			Name:      "runs_total",
			Help:      "Total number of validation runs by status",
		}, []string{"status"}),
		ValidationFindings: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "validation",
			Name:      "findings",
			Help:      "Number of findings reported by the most recent validation run",
		}),

		// Ingestion metrics
		EventsIngestedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "events_stored_total",
			Help:      "Total number of events stored by source",
		}, []string{"source"}),
		EventsDuplicateTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "events_duplicate_total",
			Help:      "Total number of duplicate events skipped by source",
		}, []string{"source"}),

		// Database metrics
		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"database", "operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),

		// Health metrics
		LastSuccessfulMatch: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_match_timestamp",
			Help:      "Unix timestamp of last successful matching run",
		}),
		LastSuccessfulValidation: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_validation_timestamp",
			Help:      "Unix timestamp of last successful validation run",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordMatchRun records one matching run.
func RecordMatchRun(status string, durationSeconds float64, linksCreated int) {
	DefaultMetrics.MatchRunsTotal.WithLabelValues(status).Inc()
	DefaultMetrics.MatchDuration.Observe(durationSeconds)
	if linksCreated > 0 {
		DefaultMetrics.LinksCreatedTotal.Add(float64(linksCreated))
	}
}

// RecordValidationRun records one validation run.
func RecordValidationRun(status string, findings int) {
	DefaultMetrics.ValidationRunsTotal.WithLabelValues(status).Inc()
	DefaultMetrics.ValidationFindings.Set(float64(findings))
}

// RecordIngestion records one sync pass for a source.
func RecordIngestion(source string, stored, duplicates int) {
	DefaultMetrics.EventsIngestedTotal.WithLabelValues(source).Add(float64(stored))
	DefaultMetrics.EventsDuplicateTotal.WithLabelValues(source).Add(float64(duplicates))
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}

// MarkMatchSuccess updates the last successful match timestamp.
func MarkMatchSuccess(unixSeconds int64) {
	DefaultMetrics.LastSuccessfulMatch.Set(float64(unixSeconds))
}

// MarkValidationSuccess updates the last successful validation timestamp.
func MarkValidationSuccess(unixSeconds int64) {
	DefaultMetrics.LastSuccessfulValidation.Set(float64(unixSeconds))
}
