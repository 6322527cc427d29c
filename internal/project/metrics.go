package project

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for project loading.
type Metrics struct {
	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter
	CacheEvictionsTotal prometheus.Counter
	CacheSize           prometheus.Gauge

	ClonesTotal   *prometheus.CounterVec
	CloneDuration prometheus.Histogram

	// Lazy projects that had to be cloned, and single-file reads that did not.
	MaterializationsTotal prometheus.Counter
	RemoteReadsTotal      prometheus.Counter
}

// NewMetrics registers project metrics once per process.
//
// Metrics:
//   - project_cache_hits_total
//   - project_cache_misses_total
//   - project_cache_evictions_total
//   - project_cache_size
//   - project_clones_total{result}
//   - project_clone_duration_seconds
//   - project_lazy_materializations_total
//   - project_remote_reads_total
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			CacheHitsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "project_cache_hits_total",
				Help: "Total number of project cache hits",
			}),
			CacheMissesTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "project_cache_misses_total",
				Help: "Total number of project cache misses",
			}),
			CacheEvictionsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "project_cache_evictions_total",
				Help: "Total number of checkouts evicted from the project cache",
			}),
			CacheSize: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "project_cache_size",
				Help: "Current number of cached checkouts",
			}),
			ClonesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "project_clones_total",
				Help: "Total number of clones by result",
			}, []string{"result"}),
			CloneDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "project_clone_duration_seconds",
				Help:    "Duration of repository clones in seconds",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			}),
			MaterializationsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "project_lazy_materializations_total",
				Help: "Total number of lazy projects that required a clone",
			}),
			RemoteReadsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "project_remote_reads_total",
				Help: "Total number of single-file reads served without a clone",
			}),
		}
	})
	return globalMetrics
}

func (m *Metrics) recordClone(err error, seconds float64) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.ClonesTotal.WithLabelValues(result).Inc()
	m.CloneDuration.Observe(seconds)
}
