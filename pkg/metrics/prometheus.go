package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus mirrors of the per-instance aggregates. The Collector remains
// the source of truth for Snapshot and Summary; these families exist for
// scraping and are never read back.
var (
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moor_operations_total",
			Help: "Completed connector operations by outcome",
		},
		[]string{"connector", "operation", "status"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "moor_operation_duration_seconds",
			Help:    "Connector operation latency distribution",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
		[]string{"connector", "operation"},
	)

	connectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moor_connections_total",
			Help: "Successful connection establishments",
		},
		[]string{"connector"},
	)
)

func observeOperation(connector, operation string, success bool, d time.Duration) {
	status := "success"
	if !success {
		status = "failure"
	}
	operationsTotal.WithLabelValues(connector, operation, status).Inc()
	operationDuration.WithLabelValues(connector, operation).Observe(d.Seconds())
}

func observeConnection(connector string) {
	connectionsTotal.WithLabelValues(connector).Inc()
}
