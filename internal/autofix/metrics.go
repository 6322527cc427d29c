package autofix

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for autofix runs.
type Metrics struct {
	// Transforms counts transform runs; outcome is applied, unchanged,
	// ignored, failed or skipped.
	Transforms *prometheus.CounterVec
	Pushes     prometheus.Counter
}

func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			Transforms: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "autofix_transforms_total",
				Help: "Total number of autofix transform runs by outcome",
			}, []string{"autofix", "outcome"}),
			Pushes: promauto.NewCounter(prometheus.CounterOpts{
				Name: "autofix_pushes_total",
				Help: "Total number of pushes carrying autofix commits",
			}),
		}
	})
	return globalMetrics
}
