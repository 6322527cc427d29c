package planning

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for goal planning.
type Metrics struct {
	PlansTotal   *prometheus.CounterVec
	PlanDuration prometheus.Histogram
}

// NewMetrics registers planning metrics once per process.
//
// Metrics:
//   - planning_plans_total{outcome} - planned, no_goals or error
//   - planning_duration_seconds
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			PlansTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "planning_plans_total",
				Help: "Total number of pushes planned by outcome",
			}, []string{"outcome"}),
			PlanDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "planning_duration_seconds",
				Help:    "Duration of goal planning in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
			}),
		}
	})
	return globalMetrics
}
