package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func gaugeValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metric:
		for _, m := range family.GetMetric() {
			for k, v := range labels {
				found := false
				for _, lp := range m.GetLabel() {
					if lp.GetName() == k && lp.GetValue() == v {
						found = true
						break
					}
				}
				if !found {
					continue metric
				}
			}
			if m.GetGauge() != nil {
				return m.GetGauge().GetValue()
			}
			return m.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}

func TestCacheHitRatio(t *testing.T) {
	registry := prometheus.NewRegistry()
	pm := NewPrometheusMetricsWithRegistry("mediacdn", registry, zap.NewNop())

	pm.RecordCacheHit("example.com")
	pm.RecordCacheHit("example.com")
	pm.RecordCacheHit("example.com")
	pm.RecordCacheMiss("example.com")

	ratio := gaugeValue(t, registry, "mediacdn_gateway_cache_hit_ratio",
		map[string]string{"host": "example.com"})
	assert.InDelta(t, 0.75, ratio, 0.001)
}

func TestRequestAndTrafficCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	pm := NewPrometheusMetricsWithRegistry("mediacdn", registry, zap.NewNop())

	pm.RecordRequest("example.com", "GET", 200, 15*time.Millisecond)
	pm.RecordRequest("example.com", "GET", 302, 2*time.Millisecond)
	pm.RecordBytesServed("example.com", "hit", 4096)
	pm.RecordBytesServed("example.com", "hit", 0) // zero bytes are not counted

	requests := gaugeValue(t, registry, "mediacdn_gateway_requests_total",
		map[string]string{"host": "example.com", "method": "GET", "status": "2xx"})
	assert.Equal(t, 1.0, requests)

	served := gaugeValue(t, registry, "mediacdn_gateway_bytes_served_total",
		map[string]string{"host": "example.com", "cache_status": "hit"})
	assert.Equal(t, 4096.0, served)
}

func TestActiveRequestsGauge(t *testing.T) {
	registry := prometheus.NewRegistry()
	pm := NewPrometheusMetricsWithRegistry("mediacdn", registry, zap.NewNop())

	pm.IncActiveRequests()
	pm.IncActiveRequests()
	pm.DecActiveRequests()

	active := gaugeValue(t, registry, "mediacdn_gateway_active_requests", nil)
	assert.Equal(t, 1.0, active)
}
