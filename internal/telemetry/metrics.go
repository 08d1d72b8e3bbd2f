// Package telemetry provides application-level observability for the model history service.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served by the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<MH_TELEMETRY_METRICS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router, so it never
// competes with API traffic and can be firewalled separately.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Revision writes, no-op changes and revision conflicts
//   - Diff build latency
//   - Shipper delivery errors
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// Revision metrics are labelled by model and action only. Foreign keys and user ids are
// unbounded and never used as labels.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template, and status code.
//
// HTTPRequestsTotal is a CounterVec with labels {method, path, status}.
// The path label holds the Gin route template (e.g. /api/v1/history/:model/:foreign_key),
// not the raw URL.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Error rate (%):                    sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//
// HTTPRequestDuration is a HistogramVec with labels {method, path}.
//
// Example PromQL queries:
//   - p99 latency per route:  histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Revision metrics, recorded by the history recorder.
//
// RecordsWrittenTotal is a CounterVec with labels {model, action}. Fan-out records are
// counted under the related model.
//
// Example PromQL queries:
//   - Write rate by model:  sum by (model) (rate(history_records_written_total[5m]))
//
// NoopChangesTotal counts change events that produced no storable field change.
//
// RevisionConflictsTotal counts inserts rejected because another writer took the same
// revision number first. Every conflict is retried; a sustained rate means writers for the
// same entity race and the lock backend should be switched on.
//
// Example PromQL queries:
//   - Alert expression:  increase(history_revision_conflicts_total[10m]) > 20
var (
	RecordsWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "history_records_written_total",
			Help: "Total number of history records written, by model and action.",
		},
		[]string{"model", "action"},
	)

	NoopChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "history_noop_changes_total",
			Help: "Total number of change events that produced no history record, by model.",
		},
		[]string{"model"},
	)

	RevisionConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "history_revision_conflicts_total",
			Help: "Total number of revision number conflicts detected on insert.",
		},
	)
)

// DiffDuration is a Histogram of the time spent building one diff, including loading prior
// revisions and the live entity.
//
// Example PromQL queries:
//   - p95 diff latency:  histogram_quantile(0.95, rate(history_diff_duration_seconds_bucket[5m]))
var DiffDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "history_diff_duration_seconds",
		Help:    "Duration of building a revision diff.",
		Buckets: prometheus.DefBuckets,
	},
)

// ShipperErrorsTotal is a CounterVec with label {shipper} incremented when a record could
// not be delivered to an external destination.
var ShipperErrorsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "history_shipper_errors_total",
		Help: "Total number of failed record deliveries, by shipper type.",
	},
	[]string{"shipper"},
)

// DBOpenConnections is a Gauge that tracks the number of open connections currently
// held by the sql.DB connection pool. It is sampled every 30 seconds by
// StartDBStatsCollector rather than per-request.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB connection
// pool statistics every 30 seconds and updates the DBOpenConnections gauge.
// The goroutine exits when the database becomes unreachable, which happens when the
// application shuts down and closes the pool.
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
