// Package metrics exposes Prometheus metrics for the reconciliation loop.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// SyncsTotal counts completed sync operations by outcome.
	SyncsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "syncwave_syncs_total",
		Help: "Completed sync operations partitioned by application and phase.",
	}, []string{"application", "phase"})

	// SyncDuration observes wall-clock sync latency.
	SyncDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "syncwave_sync_duration_seconds",
		Help:    "Duration of sync operations.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"application"})

	// ResourceActions counts resource-level actions by kind of change.
	ResourceActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "syncwave_resource_actions_total",
		Help: "Resource-level sync actions partitioned by application, action, and status.",
	}, []string{"application", "action", "status"})

	// DriftDetections counts self-heal triggers caused by detected drift.
	DriftDetections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "syncwave_drift_detections_total",
		Help: "Drift detections that triggered a self-heal sync.",
	}, []string{"application"})
)

// Register registers all collectors with the given registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(SyncsTotal, SyncDuration, ResourceActions, DriftDetections)
}
