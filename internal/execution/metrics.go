package execution

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for goal execution.
type Metrics struct {
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	HooksTotal        *prometheus.CounterVec
	FailuresTotal     *prometheus.CounterVec
}

// NewMetrics registers execution metrics once per process.
//
// Metrics:
//   - goal_executions_total{goal,state}
//   - goal_execution_duration_seconds{goal}
//   - goal_hooks_total{stage,result} - result is ok, failed, skipped or disabled
//   - goal_failures_total{where}
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			ExecutionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "goal_executions_total",
				Help: "Total number of goal executions by final state",
			}, []string{"goal", "state"}),
			ExecutionDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "goal_execution_duration_seconds",
				Help:    "Duration of goal executions in seconds",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
			}, []string{"goal"}),
			HooksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "goal_hooks_total",
				Help: "Total number of goal hook invocations",
			}, []string{"stage", "result"}),
			FailuresTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "goal_failures_total",
				Help: "Total number of goal failures by where they happened",
			}, []string{"where"}),
		}
	})
	return globalMetrics
}
