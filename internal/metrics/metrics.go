// Package metrics defines the Prometheus collectors for the photo cache.
// Collectors register with the default registry at init, so the /metrics
// handler from promhttp exposes them without further wiring.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "photomatic"

var (
	// HTTP instrumentation metrics
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "handler"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "handler", "code"},
	)

	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Current number of HTTP requests being served",
		},
	)

	// Index builds
	IndexBuilds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_builds_total",
			Help:      "Index builds by result (success, failure)",
		},
		[]string{"result"},
	)

	IndexBuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "index_build_duration_seconds",
			Help:      "Duration of successful index builds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		},
	)

	IndexedPhotos = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "indexed_photos",
			Help:      "Entries in the published indexes",
		},
		[]string{"index"},
	)

	SkippedFiles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_skipped_files_total",
			Help:      "Files skipped during index builds because they could not be read",
		},
	)

	// Selection
	Selections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "selections_total",
			Help:      "Photo selections by outcome (same_day, random, building, no_images)",
		},
		[]string{"outcome"},
	)

	// Derived image cache
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "derived_cache_lookups_total",
			Help:      "Derived image lookups by result (hit, miss)",
		},
		[]string{"result"},
	)

	RenderDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "render_duration_seconds",
			Help:      "Time to build a derived image on a cache miss",
			Buckets:   prometheus.DefBuckets,
		},
	)

	RenderFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "render_failures_total",
			Help:      "Derived image builds that failed to decode or encode",
		},
	)

	PersistFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Derived images served without being written to the cache",
		},
	)

	BytesServed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_served_total",
			Help:      "Total image bytes served",
		},
	)

	// Eviction
	ManagedEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "managed_cache_entries",
			Help:      "Derived images currently tracked by the eviction manager",
		},
	)

	ProtectedKeys = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "protected_cache_keys",
			Help:      "Keys exempt from eviction in the published snapshot",
		},
	)

	Evictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Derived images removed by the eviction manager",
		},
	)
)

func init() {
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestsInFlight)
	prometheus.MustRegister(IndexBuilds)
	prometheus.MustRegister(IndexBuildDuration)
	prometheus.MustRegister(IndexedPhotos)
	prometheus.MustRegister(SkippedFiles)
	prometheus.MustRegister(Selections)
	prometheus.MustRegister(CacheLookups)
	prometheus.MustRegister(RenderDuration)
	prometheus.MustRegister(RenderFailures)
	prometheus.MustRegister(PersistFailures)
	prometheus.MustRegister(BytesServed)
	prometheus.MustRegister(ManagedEntries)
	prometheus.MustRegister(ProtectedKeys)
	prometheus.MustRegister(Evictions)
}
