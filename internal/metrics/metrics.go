// Package metrics exposes Prometheus instrumentation for the sync layer.
// All methods are nil-safe so components can run without metrics in tests.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// SyncMetrics counts record fetches, cache traffic, and queue activity.
type SyncMetrics struct {
	fetchTotal   *prometheus.CounterVec
	cacheLookups *prometheus.CounterVec
	queuedTotal  prometheus.Counter
	replayTotal  *prometheus.CounterVec
	evictedTotal prometheus.Counter
	pendingOps   prometheus.Gauge
}

func NewSyncMetrics(reg prometheus.Registerer) *SyncMetrics {
	m := &SyncMetrics{
		fetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wardsync",
			Subsystem: "sync",
			Name:      "fetch_total",
			Help:      "Record fetches by result source",
		}, []string{"source"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wardsync",
			Subsystem: "cache",
			Name:      "lookup_total",
			Help:      "Cache lookups by outcome",
		}, []string{"outcome"}),
		queuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wardsync",
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Write operations deferred to the queue",
		}),
		replayTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wardsync",
			Subsystem: "queue",
			Name:      "replay_total",
			Help:      "Queued operation replays by outcome",
		}, []string{"outcome"}),
		evictedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wardsync",
			Subsystem: "cache",
			Name:      "evicted_total",
			Help:      "Snapshots removed by eviction sweeps",
		}),
		pendingOps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wardsync",
			Subsystem: "queue",
			Name:      "pending",
			Help:      "Operations currently awaiting replay",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.fetchTotal, m.cacheLookups, m.queuedTotal, m.replayTotal, m.evictedTotal, m.pendingOps)
	return m
}

// ObserveFetch records a completed fetch; source is "live", "cache", or "miss".
func (m *SyncMetrics) ObserveFetch(source string) {
	if m == nil {
		return
	}
	m.fetchTotal.WithLabelValues(source).Inc()
}

// ObserveCacheLookup records a cache lookup; outcome is "hit" or "miss".
func (m *SyncMetrics) ObserveCacheLookup(hit bool) {
	if m == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.cacheLookups.WithLabelValues(outcome).Inc()
}

// ObserveEnqueued records a write deferred to the queue.
func (m *SyncMetrics) ObserveEnqueued() {
	if m == nil {
		return
	}
	m.queuedTotal.Inc()
}

// ObserveReplay records a replay attempt; outcome is "delivered", "rejected",
// or "transport_failure".
func (m *SyncMetrics) ObserveReplay(outcome string) {
	if m == nil {
		return
	}
	m.replayTotal.WithLabelValues(outcome).Inc()
}

// ObserveEvicted records snapshots removed by an eviction sweep.
func (m *SyncMetrics) ObserveEvicted(n int64) {
	if m == nil {
		return
	}
	m.evictedTotal.Add(float64(n))
}

// SetPending updates the pending-operation gauge.
func (m *SyncMetrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingOps.Set(float64(n))
}
