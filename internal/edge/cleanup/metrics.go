package cleanup

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Metrics exposes Prometheus counters for the eviction worker.
type Metrics struct {
	runsTotal      *prometheus.CounterVec
	objectsEvicted prometheus.Counter
	duration       prometheus.Histogram
	errorsTotal    *prometheus.CounterVec
	logger         *zap.Logger
}

func NewMetrics(namespace string, logger *zap.Logger) *Metrics {
	return NewMetricsWithRegistry(namespace, prometheus.DefaultRegisterer, logger)
}

func NewMetricsWithRegistry(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *Metrics {
	m := &Metrics{
		logger: logger,
	}

	m.runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "cache_cleanup_runs_total",
			Help:      "Total cleanup sweeps by outcome",
		},
		[]string{"status"},
	)

	m.objectsEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "cache_cleanup_objects_evicted_total",
			Help:      "Total cached objects evicted by age",
		},
	)

	m.duration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "cache_cleanup_duration_seconds",
			Help:      "Duration of cleanup sweeps",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60},
		},
	)

	m.errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "cache_cleanup_errors_total",
			Help:      "Cleanup errors by type",
		},
		[]string{"error_type"},
	)

	registerer.MustRegister(
		m.runsTotal,
		m.objectsEvicted,
		m.duration,
		m.errorsTotal,
	)

	return m
}

func (m *Metrics) RecordRun(status string) {
	m.runsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordEvicted(count int) {
	m.objectsEvicted.Add(float64(count))
}

func (m *Metrics) RecordDuration(seconds float64) {
	m.duration.Observe(seconds)
}

func (m *Metrics) RecordError(errorType string) {
	m.errorsTotal.WithLabelValues(errorType).Inc()
}
