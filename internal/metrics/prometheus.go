package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dreamware/shardcast/internal/pool"
)

// PrometheusCollector implements Collector backed by Prometheus.
type PrometheusCollector struct {
	reg       *prometheus.Registry
	namespace string
	once      sync.Once

	broadcasts    *prometheus.CounterVec
	broadcastTime *prometheus.HistogramVec
	shardResults  *prometheus.CounterVec
	shardFailures *prometheus.CounterVec
	poolQueued    *prometheus.GaugeVec
	poolActive    *prometheus.GaugeVec
	poolSize      *prometheus.GaugeVec
}

// Compile-time assertion that PrometheusCollector implements Collector.
var _ Collector = (*PrometheusCollector)(nil)

// NewPrometheus creates a collector registering into reg. A nil reg gets a
// fresh registry; an empty namespace defaults to "shardcast".
func NewPrometheus(reg *prometheus.Registry, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if namespace == "" {
		namespace = "shardcast"
	}
	p := &PrometheusCollector{reg: reg, namespace: namespace}
	p.ensureRegistered()
	return p
}

func (p *PrometheusCollector) ensureRegistered() {
	p.once.Do(func() {
		p.broadcasts = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "broadcast",
			Name:      "requests_total",
			Help:      "Broadcast requests by action and outcome (success,partial,rejected,invalid).",
		}, []string{"action", "outcome"})

		p.broadcastTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "broadcast",
			Name:      "duration_seconds",
			Help:      "Wall time of broadcast requests in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms .. ~41s
		}, []string{"action"})

		p.shardResults = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "broadcast",
			Name:      "shards_total",
			Help:      "Shard copies targeted by broadcasts by result (successful,failed).",
		}, []string{"action", "result"})

		p.shardFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "broadcast",
			Name:      "shard_failures_total",
			Help:      "Shard failures by reason.",
		}, []string{"action", "reason"})

		p.poolQueued = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "pool",
			Name:      "queued_tasks",
			Help:      "Tasks waiting for a pool slot.",
		}, []string{"pool"})

		p.poolActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "pool",
			Name:      "active_tasks",
			Help:      "Tasks currently running on the pool.",
		}, []string{"pool"})

		p.poolSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "pool",
			Name:      "size",
			Help:      "Configured pool size.",
		}, []string{"pool"})

		p.reg.MustRegister(
			p.broadcasts, p.broadcastTime, p.shardResults, p.shardFailures,
			p.poolQueued, p.poolActive, p.poolSize,
		)
	})
}

func (p *PrometheusCollector) RecordBroadcast(action, outcome string, seconds float64) {
	p.broadcasts.WithLabelValues(action, outcome).Inc()
	p.broadcastTime.WithLabelValues(action).Observe(seconds)
}

func (p *PrometheusCollector) RecordShards(action string, successful, failed int) {
	p.shardResults.WithLabelValues(action, "successful").Add(float64(successful))
	p.shardResults.WithLabelValues(action, "failed").Add(float64(failed))
}

func (p *PrometheusCollector) RecordShardFailure(action, reason string) {
	p.shardFailures.WithLabelValues(action, reason).Inc()
}

func (p *PrometheusCollector) ObservePool(s pool.Stats) {
	p.poolQueued.WithLabelValues(s.Name).Set(float64(s.Queued))
	p.poolActive.WithLabelValues(s.Name).Set(float64(s.Active))
	p.poolSize.WithLabelValues(s.Name).Set(float64(s.Size))
}

// Handler serves the collector's registry in the Prometheus text format.
func (p *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{})
}
