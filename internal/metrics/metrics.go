// Package metrics publishes Prometheus series for query traffic, the result
// cache, and warehouse executions.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LookupOutcome labels what a result cache lookup found.
type LookupOutcome string

const (
	LookupHit     LookupOutcome = "hit"
	LookupMiss    LookupOutcome = "miss"
	LookupExpired LookupOutcome = "expired"
	LookupCorrupt LookupOutcome = "corrupt"
	LookupError   LookupOutcome = "error"
)

// StoreOutcome labels whether a result cache write landed.
type StoreOutcome string

const (
	StoreStored StoreOutcome = "stored"
	StoreError  StoreOutcome = "error"
)

// Cache operation label values.
const (
	opLookup = "lookup"
	opStore  = "store"
)

// Recorder owns the gateway's Prometheus series. A nil *Recorder is a valid
// no-op so callers never need to guard their observation sites.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	queryRequests *prometheus.CounterVec
	queryLatency  *prometheus.HistogramVec
	querySharing  *prometheus.CounterVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec
	invalidated     *prometheus.CounterVec
	cleanupSweeps   *prometheus.CounterVec
	cleanupRemoved  prometheus.Counter
	unindexed       prometheus.Counter

	engineExecutions *prometheus.CounterVec
	engineLatency    *prometheus.HistogramVec
	engineBytes      prometheus.Counter
}

// NewRecorder registers the gateway series plus the standard process and Go
// runtime collectors on reg. A nil reg gets a private registry, which keeps
// parallel recorders in tests from colliding on the global default.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	r := &Recorder{
		gatherer: reg,
		handler:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}

	r.queryRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "querygate",
		Subsystem: "query",
		Name:      "requests_total",
		Help:      "Total /v1/query requests processed by the gateway.",
	}, []string{"status", "outcome"})
	r.queryLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "querygate",
		Subsystem: "query",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed /v1/query requests.",
		Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"status"})
	r.querySharing = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "querygate",
		Subsystem: "query",
		Name:      "singleflight_total",
		Help:      "Compute-path calls split by whether they led or joined a flight.",
	}, []string{"role"})

	r.cacheOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "querygate",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Result cache operations executed by the gateway.",
	}, []string{"operation", "result"})
	r.cacheLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "querygate",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for result cache operations.",
		Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1},
	}, []string{"operation", "result"})
	r.invalidated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "querygate",
		Subsystem: "cache",
		Name:      "invalidated_entries_total",
		Help:      "Cache entries removed by invalidation, split by trigger scope.",
	}, []string{"scope"})
	r.cleanupSweeps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "querygate",
		Subsystem: "cache",
		Name:      "cleanup_sweeps_total",
		Help:      "Expired-entry sweeps executed by the background cleaner.",
	}, []string{"result"})
	r.cleanupRemoved = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "querygate",
		Subsystem: "cache",
		Name:      "cleanup_removed_total",
		Help:      "Expired entries removed by the background cleaner.",
	})
	r.unindexed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "querygate",
		Subsystem: "cache",
		Name:      "unindexed_entries_total",
		Help:      "Entries stored without extractable table dependencies; TTL is their only invalidation path.",
	})

	r.engineExecutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "querygate",
		Subsystem: "engine",
		Name:      "executions_total",
		Help:      "Warehouse executions dispatched by the gateway.",
	}, []string{"outcome"})
	r.engineLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "querygate",
		Subsystem: "engine",
		Name:      "execution_duration_seconds",
		Help:      "Latency distribution for warehouse executions.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"outcome"})
	r.engineBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "querygate",
		Subsystem: "engine",
		Name:      "scanned_bytes_total",
		Help:      "Bytes scanned by the warehouse on behalf of the gateway.",
	})

	reg.MustRegister(
		r.queryRequests, r.queryLatency, r.querySharing,
		r.cacheOperations, r.cacheLatency, r.invalidated, r.cleanupSweeps, r.cleanupRemoved, r.unindexed,
		r.engineExecutions, r.engineLatency, r.engineBytes,
	)
	return r
}

// Handler serves the exposition endpoint. On a nil recorder it answers 503 so
// /metrics stays routable even when metrics are switched off.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics not configured", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer exposes the recorder's registry.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveQuery records one completed query request under its cache status.
func (r *Recorder) ObserveQuery(status string, failed bool, duration time.Duration) {
	if r == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	r.queryRequests.WithLabelValues(labelValue(status), outcome).Inc()
	r.queryLatency.WithLabelValues(labelValue(status)).Observe(duration.Seconds())
}

// ObserveSingleFlight records whether a compute call led its flight or joined
// one already in progress.
func (r *Recorder) ObserveSingleFlight(shared bool) {
	if r == nil {
		return
	}
	role := "leader"
	if shared {
		role = "waiter"
	}
	r.querySharing.WithLabelValues(role).Inc()
}

// ObserveCacheLookup records one result cache lookup.
func (r *Recorder) ObserveCacheLookup(outcome LookupOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	result := labelValue(string(outcome))
	r.cacheOperations.WithLabelValues(opLookup, result).Inc()
	r.cacheLatency.WithLabelValues(opLookup, result).Observe(duration.Seconds())
}

// ObserveCacheStore records one result cache write.
func (r *Recorder) ObserveCacheStore(outcome StoreOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	result := labelValue(string(outcome))
	r.cacheOperations.WithLabelValues(opStore, result).Inc()
	r.cacheLatency.WithLabelValues(opStore, result).Observe(duration.Seconds())
}

// ObserveInvalidation records entries removed by an invalidation trigger.
func (r *Recorder) ObserveInvalidation(scope string, removed int64) {
	if r == nil {
		return
	}
	r.invalidated.WithLabelValues(labelValue(scope)).Add(float64(removed))
}

// ObserveCleanup records one sweep of the background cleaner.
func (r *Recorder) ObserveCleanup(removed int64, failed bool) {
	if r == nil {
		return
	}
	result := "ok"
	if failed {
		result = "error"
	}
	r.cleanupSweeps.WithLabelValues(result).Inc()
	if removed > 0 {
		r.cleanupRemoved.Add(float64(removed))
	}
}

// ObserveUnindexedEntry records a stored entry with no extractable table
// dependencies.
func (r *Recorder) ObserveUnindexedEntry() {
	if r == nil {
		return
	}
	r.unindexed.Inc()
}

// ObserveEngineExecution records one warehouse dispatch.
func (r *Recorder) ObserveEngineExecution(outcome string, bytesScanned int64, duration time.Duration) {
	if r == nil {
		return
	}
	r.engineExecutions.WithLabelValues(labelValue(outcome)).Inc()
	r.engineLatency.WithLabelValues(labelValue(outcome)).Observe(duration.Seconds())
	if bytesScanned > 0 {
		r.engineBytes.Add(float64(bytesScanned))
	}
}

// labelValue keeps label sets bounded when a caller hands us an empty string.
func labelValue(v string) string {
	if trimmed := strings.TrimSpace(v); trimmed != "" {
		return trimmed
	}
	return "unknown"
}
