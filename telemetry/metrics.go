package telemetry

import (
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the enrichment pipeline collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	resolutions     *prometheus.CounterVec
	resolutionTime  *prometheus.HistogramVec
	cacheLookups    *prometheus.CounterVec
	retries         prometheus.Counter
	items           *prometheus.GaugeVec
	dbOpenConns     prometheus.Gauge
	dbInUseConns    prometheus.Gauge
	dbWaitCount     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Metadata resolution attempts by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		resolutionTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolution_duration_seconds",
			Help:      "Latency of each resolution strategy.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 1.5, 2.5, 5, 10},
		}, []string{"strategy"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Enrichment cache lookups by result.",
		}, []string{"result"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrichment_retries_total",
			Help:      "Automatic enrichment retries scheduled.",
		}),
		items: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "items",
			Help:      "Captured items by enrichment status.",
		}, []string{"status"}),
		dbOpenConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_open_connections",
			Help:      "Open database connections.",
		}),
		dbInUseConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_in_use_connections",
			Help:      "Database connections in use.",
		}),
		dbWaitCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_wait_count",
			Help:      "Total number of connections waited for.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.resolutions, m.resolutionTime, m.cacheLookups, m.retries,
			m.items, m.dbOpenConns, m.dbInUseConns, m.dbWaitCount)
	}
	return m
}

// ObserveResolution records one strategy attempt
func (m *Metrics) ObserveResolution(strategy, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(strategy, outcome).Inc()
	m.resolutionTime.WithLabelValues(strategy).Observe(d.Seconds())
}

// CacheLookup records a cache hit or miss
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// RetryScheduled counts an automatic retry
func (m *Metrics) RetryScheduled() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// SetItemCounts replaces the per-status item gauge values
func (m *Metrics) SetItemCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.items.Reset()
	for status, n := range counts {
		m.items.WithLabelValues(status).Set(float64(n))
	}
}

// UpdateDBStats copies connection pool statistics into the gauges
func (m *Metrics) UpdateDBStats(db *sql.DB) {
	if m == nil || db == nil {
		return
	}
	stats := db.Stats()
	m.dbOpenConns.Set(float64(stats.OpenConnections))
	m.dbInUseConns.Set(float64(stats.InUse))
	m.dbWaitCount.Set(float64(stats.WaitCount))
}
