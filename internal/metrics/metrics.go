// Package metrics provides Prometheus metrics for the AEP shim.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Call outcomes.
const (
	OutcomeVirtual     = "virtual"
	OutcomePassthrough = "passthrough"
	OutcomeError       = "error"
)

var (
	// Intercepted call metrics
	callsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aep_calls_total",
			Help: "Total intercepted calls by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	// Cache metrics
	cacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aep_cache_hits_total",
			Help: "Reads served from an already cached file",
		},
	)

	cacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aep_cache_misses_total",
			Help: "Reads that had to go to the backing store",
		},
	)

	cacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aep_cache_bytes",
			Help: "Aggregate cached bytes as last observed by this process",
		},
	)

	cacheEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aep_cache_evictions_total",
			Help: "Cached files truncated to make room",
		},
	)

	cacheEvictionSkipsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aep_cache_eviction_skips_total",
			Help: "Eviction candidates skipped because readers hold them open",
		},
	)

	// Backing store metrics
	backendFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aep_backend_fetch_duration_seconds",
			Help:    "Backing store fetch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"strategy", "mode"},
	)

	backendFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aep_backend_fetches_total",
			Help: "Total backing store fetches",
		},
		[]string{"strategy", "mode", "status"},
	)

	backendBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aep_backend_bytes_total",
			Help: "Total bytes fetched from the backing store",
		},
		[]string{"strategy"},
	)

	// Tree and handle metrics
	treeNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aep_tree_nodes",
			Help: "Number of entries in the virtual tree",
		},
	)

	openHandles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aep_open_handles",
			Help: "Virtual file handles currently open in this process",
		},
	)

	lockTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aep_lock_timeouts_total",
			Help: "Per file lock waits that gave up and proceeded",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordCall records one intercepted call.
func RecordCall(op, outcome string) {
	callsTotal.WithLabelValues(op, outcome).Inc()
}

// RecordCacheHit records a read served from the cache.
func RecordCacheHit() {
	cacheHitsTotal.Inc()
}

// RecordCacheMiss records a read that went to the backing store.
func RecordCacheMiss() {
	cacheMissesTotal.Inc()
}

// SetCacheBytes publishes the shared cache size counter.
func SetCacheBytes(bytes int64) {
	cacheBytes.Set(float64(bytes))
}

// RecordEviction records one evicted file.
func RecordEviction() {
	cacheEvictionsTotal.Inc()
}

// RecordEvictionSkip records a candidate left alone because it was busy.
func RecordEvictionSkip() {
	cacheEvictionSkipsTotal.Inc()
}

// RecordBackendFetch records one backing store operation. mode is "whole"
// or "range".
func RecordBackendFetch(strategy, mode string, bytes int64, duration time.Duration, success bool) {
	backendFetchDuration.WithLabelValues(strategy, mode).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	backendFetchesTotal.WithLabelValues(strategy, mode, status).Inc()
	if bytes > 0 {
		backendBytesTotal.WithLabelValues(strategy).Add(float64(bytes))
	}
}

// SetTreeNodes sets the virtual tree entry count.
func SetTreeNodes(count int) {
	treeNodes.Set(float64(count))
}

// AddOpenHandles moves the open handle gauge by delta.
func AddOpenHandles(delta int) {
	openHandles.Add(float64(delta))
}

// RecordLockTimeout records a lock wait that expired.
func RecordLockTimeout() {
	lockTimeoutsTotal.Inc()
}
