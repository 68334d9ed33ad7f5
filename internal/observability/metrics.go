package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "storm_cache"

// Metrics holds the Prometheus counters, histograms, and gauges for the cache service.
type Metrics struct {
	// Cache lookups.
	CacheLookups *prometheus.CounterVec // labels: source, result={hit,miss,stale,corrupt}
	CacheEvicted prometheus.Counter

	// Upstream fetches.
	UpstreamFetches  *prometheus.CounterVec   // labels: source, outcome={success,timeout,rate_limited,schema_error,unavailable}
	UpstreamDuration *prometheus.HistogramVec // labels: source
	UpstreamRetries  *prometheus.CounterVec   // labels: source
	SharedFetches    *prometheus.CounterVec   // labels: source; callers that joined an in-flight fetch
	Fallbacks        *prometheus.CounterVec   // labels: source, step={stale,last_resort,gap}

	// Resolve requests.
	ResolveDuration prometheus.Histogram
	ResolveCoverage prometheus.Histogram
	PoolQueueDepth  prometheus.Gauge

	// Scheduler.
	SchedulerRuns    *prometheus.CounterVec // labels: job={refresh,evict,warmup}, outcome={success,error}
	SchedulerRunning prometheus.Gauge

	// Publishing.
	EventsPublished prometheus.Counter
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

// NewUnregisteredMetrics creates Metrics for one-shot tools that never serve
// /metrics.
func NewUnregisteredMetrics() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by source and result.",
		}, []string{"source", "result"}),
		CacheEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evicted_total",
			Help:      "Segments removed by age-based eviction.",
		}),
		UpstreamFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_fetches_total",
			Help:      "Upstream fetches by source and outcome, after retries.",
		}, []string{"source", "outcome"}),
		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_fetch_duration_seconds",
			Help:      "Duration of an upstream fetch including retries.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"source"}),
		UpstreamRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_retries_total",
			Help:      "Retried upstream attempts by source.",
		}, []string{"source"}),
		SharedFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shared_fetches_total",
			Help:      "Resolve calls that joined a fetch already in flight for the same key.",
		}, []string{"source"}),
		Fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Windows served by a fallback step instead of a fresh fetch.",
		}, []string{"source", "step"}),
		ResolveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolve_duration_seconds",
			Help:      "Duration of a complete resolve call.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
		ResolveCoverage: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolve_coverage_percent",
			Help:      "Verified coverage percent of resolved ranges.",
			Buckets:   []float64{0, 25, 50, 75, 90, 95, 99, 100},
		}),
		PoolQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resolve_queue_depth",
			Help:      "Resolve jobs waiting for a worker.",
		}),
		SchedulerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_runs_total",
			Help:      "Scheduler job runs by job and outcome.",
		}, []string{"job", "outcome"}),
		SchedulerRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_running",
			Help:      "1 when the background scheduler is active, 0 when stopped.",
		}),
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events written to the sink topic.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.CacheLookups,
		m.CacheEvicted,
		m.UpstreamFetches,
		m.UpstreamDuration,
		m.UpstreamRetries,
		m.SharedFetches,
		m.Fallbacks,
		m.ResolveDuration,
		m.ResolveCoverage,
		m.PoolQueueDepth,
		m.SchedulerRuns,
		m.SchedulerRunning,
		m.EventsPublished,
	}
}
