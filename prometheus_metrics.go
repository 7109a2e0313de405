package surveillance

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics implements the Metrics interface using Prometheus
type PrometheusMetrics struct {
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	registry   *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance
// If registry is nil, uses the default Prometheus registry
func NewPrometheusMetrics(registry *prometheus.Registry) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer.(*prometheus.Registry)
	}

	pm := &PrometheusMetrics{
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		registry:   registry,
	}

	pm.registerDefaultMetrics()
	return pm
}

// registerDefaultMetrics pre-registers the cross-cutting surveillance
// metrics (circuit breaker, distributed lock, dedup store, rate limiter,
// upstream calls) that have a fixed label shape, so their HELP text and
// buckets are explicit rather than inferred from the first call's tags.
// The funnel counters (spec §4.I/§4.K) are not pre-registered: the
// detector, scorer and orchestrator send them through this Metrics sink
// as well as StatsHash, so they, like any other ad-hoc metric name, are
// created on first use by the dynamic registration path below.
func (p *PrometheusMetrics) registerDefaultMetrics() {
	p.counters[MetricCircuitTransition] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "surveillance",
			Subsystem: "circuit",
			Name:      "transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"upstream", "to"},
	)

	p.counters[MetricCircuitCacheMiss] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "surveillance",
			Subsystem: "circuit",
			Name:      "cache_misses_total",
			Help:      "Total number of circuit breaker shared-state cache misses",
		},
		[]string{"upstream"},
	)

	p.counters[MetricCircuitRejected] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "surveillance",
			Subsystem: "circuit",
			Name:      "rejected_total",
			Help:      "Total number of calls rejected by an open circuit",
		},
		[]string{"upstream"},
	)

	p.counters[MetricLockAcquired] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "surveillance",
			Subsystem: "lock",
			Name:      "acquired_total",
			Help:      "Total number of distributed lock acquisitions",
		},
		[]string{"key"},
	)

	p.counters[MetricLockFailed] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "surveillance",
			Subsystem: "lock",
			Name:      "failed_total",
			Help:      "Total number of distributed lock acquisition failures",
		},
		[]string{"key"},
	)

	p.counters[MetricLockContention] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "surveillance",
			Subsystem: "lock",
			Name:      "contention_total",
			Help:      "Total number of distributed lock retries due to contention",
		},
		[]string{"key"},
	)

	p.counters[MetricLockRefreshed] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "surveillance",
			Subsystem: "lock",
			Name:      "refreshed_total",
			Help:      "Total number of distributed lock TTL auto-refreshes",
		},
		[]string{"key"},
	)

	p.counters[MetricLockOrphaned] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "surveillance",
			Subsystem: "lock",
			Name:      "orphaned_total",
			Help:      "Total number of orphaned locks found during cleanup",
		},
		[]string{"key"},
	)

	p.counters[MetricLockCleanup] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "surveillance",
			Subsystem: "lock",
			Name:      "cleanup_total",
			Help:      "Total number of lock cleanup sweeps",
		},
		[]string{"removed"},
	)

	p.counters[MetricLockForceRelease] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "surveillance",
			Subsystem: "lock",
			Name:      "force_release_total",
			Help:      "Total number of admin-forced lock releases",
		},
		[]string{"key"},
	)

	p.counters[MetricDedupHit] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "surveillance",
			Subsystem: "dedup",
			Name:      "hits_total",
			Help:      "Total number of dedup store contains() hits",
		},
		[]string{},
	)

	p.counters[MetricDedupMiss] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "surveillance",
			Subsystem: "dedup",
			Name:      "misses_total",
			Help:      "Total number of dedup store contains() misses",
		},
		[]string{},
	)

	p.counters[MetricDedupFallback] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "surveillance",
			Subsystem: "dedup",
			Name:      "fallback_used_total",
			Help:      "Total number of dedup operations served by the in-memory fallback",
		},
		[]string{},
	)

	p.counters[MetricDedupEvicted] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "surveillance",
			Subsystem: "dedup",
			Name:      "evicted_total",
			Help:      "Total number of entries evicted from the dedup in-memory fallback",
		},
		[]string{},
	)

	p.counters[MetricRateLimiterBacklog] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "surveillance",
			Subsystem: "ratelimiter",
			Name:      "backlog_total",
			Help:      "Total number of rate-limited (429) responses observed per upstream",
		},
		[]string{"upstream"},
	)

	p.counters[MetricUpstreamCallError] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "surveillance",
			Subsystem: "upstream",
			Name:      "call_errors_total",
			Help:      "Total number of failed upstream client calls",
		},
		[]string{"upstream"},
	)

	p.gauges[MetricLockActive] = promauto.With(p.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "surveillance",
			Subsystem: "lock",
			Name:      "active",
			Help:      "Current number of held distributed locks",
		},
		[]string{},
	)

	p.histograms[MetricLockDuration] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "surveillance",
			Subsystem: "lock",
			Name:      "duration_seconds",
			Help:      "Distributed lock acquire-to-release duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"key"},
	)

	p.histograms[MetricRateLimiterWait] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "surveillance",
			Subsystem: "ratelimiter",
			Name:      "wait_duration_seconds",
			Help:      "Time a submission waited for a rate limiter token, in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"upstream"},
	)

	p.histograms[MetricUpstreamCallDuration] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "surveillance",
			Subsystem: "upstream",
			Name:      "call_duration_seconds",
			Help:      "Upstream client call duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"upstream"},
	)
}

// Increment increments a Prometheus counter
func (p *PrometheusMetrics) Increment(name string, tags ...string) {
	counter, ok := p.counters[name]
	if !ok {
		// Create dynamic counter if it doesn't exist
		counter = promauto.With(p.registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "surveillance",
				Name:      name,
				Help:      "Dynamic counter: " + name,
			},
			p.extractLabels(tags),
		)
		p.counters[name] = counter
	}

	labels := p.extractLabelValues(tags)
	counter.With(labels).Inc()
}

// Gauge sets a Prometheus gauge value
func (p *PrometheusMetrics) Gauge(name string, value float64, tags ...string) {
	gauge, ok := p.gauges[name]
	if !ok {
		// Create dynamic gauge if it doesn't exist
		gauge = promauto.With(p.registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "surveillance",
				Name:      name,
				Help:      "Dynamic gauge: " + name,
			},
			p.extractLabels(tags),
		)
		p.gauges[name] = gauge
	}

	labels := p.extractLabelValues(tags)
	gauge.With(labels).Set(value)
}

// Histogram records a value in a Prometheus histogram
func (p *PrometheusMetrics) Histogram(name string, value float64, tags ...string) {
	histogram, ok := p.histograms[name]
	if !ok {
		// Create dynamic histogram if it doesn't exist
		histogram = promauto.With(p.registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "surveillance",
				Name:      name,
				Help:      "Dynamic histogram: " + name,
				Buckets:   prometheus.DefBuckets,
			},
			p.extractLabels(tags),
		)
		p.histograms[name] = histogram
	}

	labels := p.extractLabelValues(tags)
	histogram.With(labels).Observe(value)
}

// Timing records a duration in a Prometheus histogram
func (p *PrometheusMetrics) Timing(name string, duration time.Duration, tags ...string) {
	p.Histogram(name, duration.Seconds(), tags...)
}

// extractLabels extracts label names from tags (every even index)
func (p *PrometheusMetrics) extractLabels(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}

	labels := make([]string, 0, len(tags)/2)
	for i := 0; i < len(tags); i += 2 {
		if i < len(tags) {
			labels = append(labels, tags[i])
		}
	}
	return labels
}

// extractLabelValues creates a label map from tags (key-value pairs)
func (p *PrometheusMetrics) extractLabelValues(tags []string) prometheus.Labels {
	if len(tags) == 0 {
		return prometheus.Labels{}
	}

	labels := make(prometheus.Labels)
	for i := 0; i < len(tags)-1; i += 2 {
		labels[tags[i]] = tags[i+1]
	}
	return labels
}

// GetRegistry returns the underlying Prometheus registry
func (p *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return p.registry
}
