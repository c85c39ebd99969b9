// Package metrics provides Prometheus instrumentation for the media gateway.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
)

// PrometheusMetrics provides high-performance metrics collection using Prometheus
type PrometheusMetrics struct {
	// Request metrics
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	activeRequests  prometheus.Gauge

	// Cache metrics
	cacheHitsTotal   *prometheus.CounterVec
	cacheMissesTotal *prometheus.CounterVec
	cacheHitRatio    *prometheus.GaugeVec
	poisonedTotal    *prometheus.CounterVec

	// Origin metrics
	originFetchDuration *prometheus.HistogramVec
	originBlockedTotal  *prometheus.CounterVec
	redirectsTotal      *prometheus.CounterVec

	// Traffic metrics
	bytesServedTotal *prometheus.CounterVec
	errorsTotal      *prometheus.CounterVec

	logger      *zap.Logger
	httpHandler func(*fasthttp.RequestCtx)
}

// NewPrometheusMetrics creates a new Prometheus-based metrics collector
func NewPrometheusMetrics(namespace string, logger *zap.Logger) *PrometheusMetrics {
	return NewPrometheusMetricsWithRegistry(namespace, prometheus.DefaultRegisterer, logger)
}

// NewPrometheusMetricsWithRegistry creates a new Prometheus-based metrics collector with custom registry
func NewPrometheusMetricsWithRegistry(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *PrometheusMetrics {
	pm := &PrometheusMetrics{
		logger: logger,
	}

	pm.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Total number of media requests processed",
		},
		[]string{"host", "method", "status"},
	)

	pm.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Time taken to process media requests",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"host", "method", "status"},
	)

	pm.activeRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "active_requests",
			Help:      "Number of currently active media requests",
		},
	)

	pm.cacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"host"},
	)

	pm.cacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"host"},
	)

	pm.cacheHitRatio = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "cache_hit_ratio",
			Help:      "Cache hit ratio (0-1) per origin host",
		},
		[]string{"host"},
	)

	pm.poisonedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "poisoned_objects_total",
			Help:      "Cached objects deleted because their content type is not media",
		},
		[]string{"host"},
	)

	pm.originFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "origin_fetch_duration_seconds",
			Help:      "Time taken to fetch media from origins",
			Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
		[]string{"host", "outcome"}, // outcome: ok, blocked, error
	)

	pm.originBlockedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "origin_blocked_total",
			Help:      "Origin responses classified as blocks",
		},
		[]string{"host", "reason"},
	)

	pm.redirectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "redirects_total",
			Help:      "Requests redirected back to their origin",
		},
		[]string{"host", "reason"},
	)

	pm.bytesServedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "bytes_served_total",
			Help:      "Bytes delivered to clients",
		},
		[]string{"host", "cache_status"}, // cache_status: hit, miss
	)

	pm.errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "errors_total",
			Help:      "Total number of errors by type",
		},
		[]string{"error_type", "host"},
	)

	registerer.MustRegister(
		pm.requestsTotal,
		pm.requestDuration,
		pm.activeRequests,
		pm.cacheHitsTotal,
		pm.cacheMissesTotal,
		pm.cacheHitRatio,
		pm.poisonedTotal,
		pm.originFetchDuration,
		pm.originBlockedTotal,
		pm.redirectsTotal,
		pm.bytesServedTotal,
		pm.errorsTotal,
	)

	// Create HTTP handler - registerer implements Gatherer interface
	gatherer, ok := registerer.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}
	pm.httpHandler = fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	logger.Debug("Prometheus metrics initialized")
	return pm
}

// RecordRequest records a request with timing
func (pm *PrometheusMetrics) RecordRequest(host, method string, status int, duration time.Duration) {
	statusRange := getStatusCodeRange(status)
	pm.requestsTotal.WithLabelValues(host, method, statusRange).Inc()
	pm.requestDuration.WithLabelValues(host, method, statusRange).Observe(duration.Seconds())
}

// RecordCacheHit records a cache hit and updates hit ratio
func (pm *PrometheusMetrics) RecordCacheHit(host string) {
	pm.cacheHitsTotal.WithLabelValues(host).Inc()
	pm.updateCacheHitRatio(host)
}

// RecordCacheMiss records a cache miss and updates hit ratio
func (pm *PrometheusMetrics) RecordCacheMiss(host string) {
	pm.cacheMissesTotal.WithLabelValues(host).Inc()
	pm.updateCacheHitRatio(host)
}

// RecordPoisonedObject records a cached object deleted on poison detection
func (pm *PrometheusMetrics) RecordPoisonedObject(host string) {
	pm.poisonedTotal.WithLabelValues(host).Inc()
}

// RecordOriginFetch records an origin fetch with its outcome
func (pm *PrometheusMetrics) RecordOriginFetch(host, outcome string, duration time.Duration) {
	pm.originFetchDuration.WithLabelValues(host, outcome).Observe(duration.Seconds())
}

// RecordOriginBlocked records an origin response classified as a block
func (pm *PrometheusMetrics) RecordOriginBlocked(host, reason string) {
	pm.originBlockedTotal.WithLabelValues(host, reason).Inc()
}

// RecordRedirect records a fallback redirect to origin
func (pm *PrometheusMetrics) RecordRedirect(host, reason string) {
	pm.redirectsTotal.WithLabelValues(host, reason).Inc()
}

// RecordBytesServed records bytes delivered to a client
func (pm *PrometheusMetrics) RecordBytesServed(host, cacheStatus string, bytes int64) {
	if bytes > 0 {
		pm.bytesServedTotal.WithLabelValues(host, cacheStatus).Add(float64(bytes))
	}
}

// RecordError records an error by type
func (pm *PrometheusMetrics) RecordError(errorType, host string) {
	pm.errorsTotal.WithLabelValues(errorType, host).Inc()
}

// IncActiveRequests increments active request counter
func (pm *PrometheusMetrics) IncActiveRequests() {
	pm.activeRequests.Inc()
}

// DecActiveRequests decrements active request counter
func (pm *PrometheusMetrics) DecActiveRequests() {
	pm.activeRequests.Dec()
}

// ServeHTTP serves Prometheus metrics via HTTP
func (pm *PrometheusMetrics) ServeHTTP(ctx *fasthttp.RequestCtx) {
	pm.httpHandler(ctx)
}

// getStatusCodeRange converts a status code to a range label (2xx, 3xx, 4xx, 5xx)
func getStatusCodeRange(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "2xx"
	case statusCode >= 300 && statusCode < 400:
		return "3xx"
	case statusCode >= 400 && statusCode < 500:
		return "4xx"
	case statusCode >= 500 && statusCode < 600:
		return "5xx"
	default:
		return "unknown"
	}
}

// updateCacheHitRatio calculates and updates cache hit ratio
func (pm *PrometheusMetrics) updateCacheHitRatio(host string) {
	hits := pm.getCounterValue(pm.cacheHitsTotal.WithLabelValues(host))
	misses := pm.getCounterValue(pm.cacheMissesTotal.WithLabelValues(host))

	total := hits + misses
	if total > 0 {
		pm.cacheHitRatio.WithLabelValues(host).Set(hits / total)
	}
}

// getCounterValue extracts current value from a counter (helper function)
func (pm *PrometheusMetrics) getCounterValue(counter prometheus.Counter) float64 {
	metric := &dto.Metric{}
	if err := counter.Write(metric); err != nil {
		pm.logger.Warn("Failed to read counter value", zap.Error(err))
		return 0
	}
	return metric.GetCounter().GetValue()
}
