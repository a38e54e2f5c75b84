// Package metrics holds the bridge's prometheus collectors. A nil *Metrics is
// valid and records nothing, so components can be built without a registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "kakarot_rpc"

type Metrics struct {
	Registry *prometheus.Registry

	rpcRequests      *prometheus.CounterVec
	rpcDuration      *prometheus.HistogramVec
	upstreamCalls    *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	upstreamRetries  *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
	activeFilters    prometheus.Gauge
	submissions      *prometheus.CounterVec
	headBlock        prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rpc", Name: "requests_total",
			Help: "JSON-RPC requests served, by method and outcome.",
		}, []string{"method", "outcome"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "rpc", Name: "request_duration_seconds",
			Help:    "JSON-RPC handler latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		upstreamCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "upstream", Name: "calls_total",
			Help: "Backend calls, by method and outcome.",
		}, []string{"method", "outcome"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "upstream", Name: "call_duration_seconds",
			Help:    "Backend call latency including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		upstreamRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "upstream", Name: "retries_total",
			Help: "Backend call retries.",
		}, []string{"method"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "lookups_total",
			Help: "Cache lookups, by cache and result.",
		}, []string{"cache", "result"}),
		activeFilters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "filters", Name: "active",
			Help: "Installed filters.",
		}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "txpipe", Name: "submissions_total",
			Help: "Raw transaction submissions, by outcome.",
		}, []string{"outcome"}),
		headBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "chain", Name: "head_block",
			Help: "Latest backend block number observed.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.rpcRequests, m.rpcDuration,
		m.upstreamCalls, m.upstreamDuration, m.upstreamRetries,
		m.cacheLookups, m.activeFilters, m.submissions, m.headBlock,
	)
	return m
}

func (m *Metrics) ObserveRPC(method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.rpcRequests.WithLabelValues(method, outcome).Inc()
	m.rpcDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) ObserveUpstream(method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.upstreamCalls.WithLabelValues(method, outcome).Inc()
	m.upstreamDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) UpstreamRetry(method string) {
	if m == nil {
		return
	}
	m.upstreamRetries.WithLabelValues(method).Inc()
}

// CacheLookup records a hit or miss against the named cache.
func (m *Metrics) CacheLookup(cache string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(cache, result).Inc()
}

func (m *Metrics) FilterInstalled() {
	if m == nil {
		return
	}
	m.activeFilters.Inc()
}

func (m *Metrics) FilterRemoved() {
	if m == nil {
		return
	}
	m.activeFilters.Dec()
}

func (m *Metrics) Submission(outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Head(n uint64) {
	if m == nil {
		return
	}
	m.headBlock.Set(float64(n))
}
