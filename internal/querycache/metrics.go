package querycache

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the query cache.
type Metrics struct {
	HitsTotal          *prometheus.CounterVec
	MissesTotal        prometheus.Counter
	InvalidationsTotal prometheus.Counter
	SweptTotal         prometheus.Counter
	L1Size             prometheus.Gauge
}

// NewMetrics creates and registers the query cache metrics. Registration
// happens once per process; later calls return the same instance.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			HitsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "querycache_hits_total",
					Help: "Total number of query cache hits per level",
				},
				[]string{"level"}, // "l1" or "l2"
			),
			MissesTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "querycache_misses_total",
					Help: "Total number of query cache misses",
				},
			),
			InvalidationsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "querycache_invalidations_total",
					Help: "Total number of cache entries dropped by write invalidation",
				},
			),
			SweptTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "querycache_swept_total",
					Help: "Total number of expired cache entries removed by sweeps",
				},
			),
			L1Size: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "querycache_l1_size",
					Help: "Current number of entries in the in-process cache level",
				},
			),
		}
	})
	return globalMetrics
}

func (m *Metrics) recordHit(level string) {
	if m == nil {
		return
	}
	m.HitsTotal.WithLabelValues(level).Inc()
}

func (m *Metrics) recordMiss() {
	if m == nil {
		return
	}
	m.MissesTotal.Inc()
}

func (m *Metrics) recordInvalidations(n int) {
	if m == nil || n == 0 {
		return
	}
	m.InvalidationsTotal.Add(float64(n))
}

func (m *Metrics) recordSwept(n int) {
	if m == nil || n == 0 {
		return
	}
	m.SweptTotal.Add(float64(n))
}

func (m *Metrics) setL1Size(n int) {
	if m == nil {
		return
	}
	m.L1Size.Set(float64(n))
}
