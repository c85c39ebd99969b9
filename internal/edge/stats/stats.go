// Package stats assembles the operational snapshot served on /stats.
// Only non-sensitive numbers are exposed; configuration is never echoed.
package stats

import (
	"runtime"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"
)

// Collector builds stats snapshots from the process, the host, and the
// Prometheus registry.
type Collector struct {
	version   string
	startTime time.Time
	gatherer  prometheus.Gatherer
	logger    *zap.Logger
}

func NewCollector(version string, gatherer prometheus.Gatherer, logger *zap.Logger) *Collector {
	return &Collector{
		version:   version,
		startTime: time.Now().UTC(),
		gatherer:  gatherer,
		logger:    logger,
	}
}

// Snapshot is the JSON payload of /stats.
type Snapshot struct {
	Version       string      `json:"version"`
	UptimeSeconds int64       `json:"uptime_seconds"`
	Goroutines    int         `json:"goroutines"`
	Memory        MemoryStats `json:"memory"`
	Requests      int64       `json:"requests_total"`
	CacheHits     int64       `json:"cache_hits_total"`
	CacheMisses   int64       `json:"cache_misses_total"`
	BytesServed   int64       `json:"bytes_served_total"`
}

// MemoryStats mixes host memory (gopsutil) with Go heap numbers.
type MemoryStats struct {
	TotalBytes     uint64  `json:"total_bytes"`
	UsedBytes      uint64  `json:"used_bytes"`
	UsedPercent    float64 `json:"used_percent"`
	HeapAllocBytes uint64  `json:"heap_alloc_bytes"`
}

// Collect gathers a point-in-time snapshot. Failures to read host memory
// are logged and leave those fields zero rather than failing the endpoint.
func (c *Collector) Collect() Snapshot {
	snap := Snapshot{
		Version:       c.version,
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	snap.Memory.HeapAllocBytes = ms.HeapAlloc

	if vm, err := mem.VirtualMemory(); err != nil {
		c.logger.Warn("Failed to read system memory", zap.Error(err))
	} else {
		snap.Memory.TotalBytes = vm.Total
		snap.Memory.UsedBytes = vm.Used
		snap.Memory.UsedPercent = vm.UsedPercent
	}

	snap.Requests = c.counterTotal("_gateway_requests_total")
	snap.CacheHits = c.counterTotal("_gateway_cache_hits_total")
	snap.CacheMisses = c.counterTotal("_gateway_cache_misses_total")
	snap.BytesServed = c.counterTotal("_gateway_bytes_served_total")

	return snap
}

// counterTotal sums every label combination of one counter family. The
// metric namespace is configurable, so families are matched by suffix.
func (c *Collector) counterTotal(suffix string) int64 {
	if c.gatherer == nil {
		return 0
	}
	families, err := c.gatherer.Gather()
	if err != nil {
		c.logger.Warn("Failed to gather metrics for stats", zap.Error(err))
		return 0
	}

	var total float64
	for _, family := range families {
		if !strings.HasSuffix(family.GetName(), suffix) {
			continue
		}
		for _, m := range family.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return int64(total)
}
