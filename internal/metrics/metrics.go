package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RegistryRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broconnector_registry_requests_total",
			Help: "Total bronhouderportaal API calls",
		},
		[]string{"operation", "status"},
	)

	RegistryRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broconnector_registry_request_duration_seconds",
			Help:    "Bronhouderportaal API call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	PublicRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broconnector_public_requests_total",
			Help: "Total public BRO and PDOK API calls",
		},
		[]string{"endpoint", "status"},
	)

	SyncTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broconnector_sync_transitions_total",
			Help: "Total sync log state transitions",
		},
		[]string{"kind", "to"},
	)

	SchedulerRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broconnector_scheduler_runs_total",
			Help: "Total scheduler passes",
		},
		[]string{"status"},
	)

	SchedulerRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "broconnector_scheduler_run_duration_seconds",
			Help:    "Scheduler pass duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		},
	)

	ImportedObjectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broconnector_imported_objects_total",
			Help: "Total registry objects materialized by imports",
		},
		[]string{"kind"},
	)

	ImportedMeasurementsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broconnector_imported_measurements_total",
			Help: "Total measurement TVPs inserted by imports",
		},
	)
)
