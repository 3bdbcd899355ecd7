package retrieval

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric result label values.
const (
	resultOK      = "success"
	resultError   = "error"
	resultTimeout = "timeout"

	opStore  = "store"
	opSearch = "search"
)

var (
	// searchesTotal counts backend search attempts.
	// Labels: backend (qdrant, sqlite), result (success, error, timeout)
	searchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "retrieval",
			Subsystem: "engine",
			Name:      "searches_total",
			Help:      "Total number of backend search attempts",
		},
		[]string{"backend", "result"},
	)

	// storesTotal counts backend store attempts.
	// Labels: backend, result
	storesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "retrieval",
			Subsystem: "engine",
			Name:      "stores_total",
			Help:      "Total number of backend store attempts",
		},
		[]string{"backend", "result"},
	)

	// deletesTotal counts backend delete-by-file attempts.
	// Labels: backend, result
	deletesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "retrieval",
			Subsystem: "engine",
			Name:      "deletes_total",
			Help:      "Total number of backend delete-by-file attempts",
		},
		[]string{"backend", "result"},
	)

	// fallbacksTotal counts primary-to-fallback escalations.
	// Labels: operation (store, search)
	fallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "retrieval",
			Subsystem: "engine",
			Name:      "fallbacks_total",
			Help:      "Total number of escalations from the primary to the fallback backend",
		},
		[]string{"operation"},
	)

	// searchDuration tracks per-backend query latency.
	searchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "retrieval",
			Subsystem: "engine",
			Name:      "search_duration_seconds",
			Help:      "Duration of backend search operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	// belowThresholdTotal counts hits discarded by the relevance threshold.
	belowThresholdTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "retrieval",
			Subsystem: "engine",
			Name:      "results_below_threshold_total",
			Help:      "Total number of search hits discarded by the relevance threshold",
		},
	)
)
