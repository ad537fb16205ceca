// internal/pkg/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "inventory"

// Metrics 汇总库存引擎暴露给 Prometheus 的指标。
type Metrics struct {
	Operations      *prometheus.CounterVec
	OperationTime   *prometheus.HistogramVec
	LockWait        prometheus.Histogram
	PublishFailures prometheus.Counter
	RollupFailures  prometheus.Counter
	RollupDropped   prometheus.Counter
}

// New 在给定的 Registerer 上注册全部指标。测试里传入 prometheus.NewRegistry() 避免重复注册。
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Stock ledger operations by operation and outcome.",
		}, []string{"op", "outcome"}),
		OperationTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "End-to-end latency of stock ledger operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		LockWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for per-variant exclusive access.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		PublishFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_event_publish_failures_total",
			Help:      "Stock change events that could not be published.",
		}),
		RollupFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sold_count_rollup_failures_total",
			Help:      "Product sold-count increments that failed.",
		}),
		RollupDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sold_count_rollup_dropped_total",
			Help:      "Product sold-count increments dropped because the queue was full.",
		}),
	}
}
