// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ReconcilePasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apiregistry_reconcile_passes_total",
			Help: "Reconciliation passes by outcome",
		},
		[]string{"status"},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "apiregistry_reconcile_duration_seconds",
			Help:    "Duration of reconciliation passes",
			Buckets: prometheus.DefBuckets,
		},
	)

	RegistryChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apiregistry_registry_changes_total",
			Help: "Registry entries added, updated and removed",
		},
		[]string{"kind"},
	)

	RegistryEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "apiregistry_registry_entries",
			Help: "Entries in the published registry snapshot",
		},
	)

	PoolsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "apiregistry_pools_open",
			Help: "Open data source connection pools",
		},
	)

	PoolOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apiregistry_pool_operations_total",
			Help: "Pool create/close/sweep operations by outcome",
		},
		[]string{"op", "status"},
	)

	AuditEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apiregistry_audit_events_total",
			Help: "Audit events submitted by executor path",
		},
		[]string{"path"},
	)
)

func init() {
	prometheus.MustRegister(ReconcilePasses)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(RegistryChanges)
	prometheus.MustRegister(RegistryEntries)
	prometheus.MustRegister(PoolsOpen)
	prometheus.MustRegister(PoolOperations)
	prometheus.MustRegister(AuditEvents)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Status maps an error to a status label.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
