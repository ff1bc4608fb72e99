package search

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the search engine.
type Metrics struct {
	SearchesTotal      prometheus.Counter
	TierExecutedTotal  *prometheus.CounterVec
	TierTimeoutsTotal  *prometheus.CounterVec
	DegradedTotal      prometheus.Counter
	SearchDuration     prometheus.Histogram
	CacheServedTotal   prometheus.Counter
}

// NewMetrics creates and registers the search metrics once per process.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			SearchesTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "search_requests_total",
					Help: "Total number of search requests",
				},
			),
			TierExecutedTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "search_tier_executed_total",
					Help: "Total number of tier executions",
				},
				[]string{"tier"}, // "0", "1", "2"
			),
			TierTimeoutsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "search_tier_timeouts_total",
					Help: "Total number of tier timeouts",
				},
				[]string{"tier"},
			),
			DegradedTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "search_degraded_total",
					Help: "Total number of searches served without the embedding path",
				},
			),
			SearchDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "search_duration_seconds",
					Help:    "Duration of search requests in seconds",
					Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
				},
			),
			CacheServedTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "search_cache_served_total",
					Help: "Total number of searches answered from the query cache",
				},
			),
		}
	})
	return globalMetrics
}

func (m *Metrics) recordTier(tier string) {
	if m == nil {
		return
	}
	m.TierExecutedTotal.WithLabelValues(tier).Inc()
}

func (m *Metrics) recordTierTimeout(tier string) {
	if m == nil {
		return
	}
	m.TierTimeoutsTotal.WithLabelValues(tier).Inc()
}

func (m *Metrics) recordSearch(seconds float64, degraded, fromCache bool) {
	if m == nil {
		return
	}
	m.SearchesTotal.Inc()
	m.SearchDuration.Observe(seconds)
	if degraded {
		m.DegradedTotal.Inc()
	}
	if fromCache {
		m.CacheServedTotal.Inc()
	}
}
