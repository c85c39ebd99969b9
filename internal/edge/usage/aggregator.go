// Package usage aggregates per-tenant bandwidth and request counters in
// memory, journals them to a write-ahead file so restarts lose nothing, and
// drains them to the billing store on a timer using a snapshot-then-subtract
// protocol that tolerates races with concurrent recording.
package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mediacdn/engine/pkg/types"
)

// Aggregator is the single writer for the gateway's usage counters.
type Aggregator struct {
	mu       sync.Mutex
	counters map[int]*types.UsageSnapshot

	walMu   sync.Mutex
	walPath string
	dirty   atomic.Bool

	store    BillingStore
	interval time.Duration
	logger   *zap.Logger

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewAggregator builds an aggregator, re-hydrating counters from the WAL
// file if one exists. store may be nil when billing is disabled.
func NewAggregator(walPath string, store BillingStore, interval time.Duration, logger *zap.Logger) (*Aggregator, error) {
	if interval <= 0 {
		interval = 60 * time.Second
	}

	a := &Aggregator{
		counters: make(map[int]*types.UsageSnapshot),
		walPath:  walPath,
		store:    store,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	if err := a.rehydrate(); err != nil {
		return nil, err
	}
	return a, nil
}

// Record adds one request's usage for a tenant. Callers fire and forget;
// recording never fails the request that produced it. The counters are
// journaled on the flush tick, not here, so recording stays a map update.
func (a *Aggregator) Record(tenantID int, originHost string, bytes int64, cacheHit bool) {
	a.mu.Lock()
	c, ok := a.counters[tenantID]
	if !ok {
		c = &types.UsageSnapshot{TenantID: tenantID, OriginHost: originHost}
		a.counters[tenantID] = c
	}
	c.OriginHost = originHost
	c.BandwidthBytes += bytes
	c.Requests++
	if cacheHit {
		c.CacheHits++
	} else {
		c.CacheMisses++
	}
	a.mu.Unlock()

	a.dirty.Store(true)
}

// Snapshot returns a copy of the live counters.
func (a *Aggregator) Snapshot() []types.UsageSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	snaps := make([]types.UsageSnapshot, 0, len(a.counters))
	for _, c := range a.counters {
		snaps = append(snaps, *c)
	}
	return snaps
}

// Start launches the periodic flush loop.
func (a *Aggregator) Start() {
	go a.run()
}

// Stop performs a final flush and stops the loop. Safe to call more than
// once.
func (a *Aggregator) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.stopCh) })

	select {
	case <-a.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	if a.store != nil {
		err := a.flushOnce(ctx)
		a.persistWALIfDirty()
		return err
	}
	return nil
}

func (a *Aggregator) run() {
	defer close(a.doneCh)

	// Without a billing binding the counters can only grow; drop them and
	// the WAL rather than leak in deployments that never flush.
	if a.store == nil {
		a.logger.Warn("No billing store configured, discarding usage state")
		a.clearAll()
		return
	}

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), a.interval)
			if err := a.flushOnce(ctx); err != nil {
				a.logger.Error("Usage flush failed, retrying next tick", zap.Error(err))
			}
			cancel()
			// A failed or empty flush still journals counters recorded
			// since the last write.
			a.persistWALIfDirty()
		case <-a.stopCh:
			return
		}
	}
}

// flushOnce snapshots the counters, writes one batch to the billing store,
// and on success subtracts the snapshotted amounts. Increments that land
// during the write survive the subtraction and flush next tick.
func (a *Aggregator) flushOnce(ctx context.Context) error {
	a.mu.Lock()
	snaps := make([]types.UsageSnapshot, 0, len(a.counters))
	var totalRequests int64
	for _, c := range a.counters {
		snaps = append(snaps, *c)
		totalRequests += c.Requests
	}
	a.mu.Unlock()

	if totalRequests == 0 {
		return nil
	}

	if err := a.store.FlushUsage(ctx, snaps, time.Now()); err != nil {
		return fmt.Errorf("billing flush: %w", err)
	}

	a.mu.Lock()
	for _, snap := range snaps {
		c, ok := a.counters[snap.TenantID]
		if !ok {
			continue
		}
		c.BandwidthBytes -= snap.BandwidthBytes
		c.Requests -= snap.Requests
		c.CacheHits -= snap.CacheHits
		c.CacheMisses -= snap.CacheMisses
		if c.Requests == 0 && c.BandwidthBytes == 0 {
			delete(a.counters, snap.TenantID)
		}
	}
	a.mu.Unlock()

	a.persistWAL()

	a.logger.Debug("Usage flushed",
		zap.Int("tenants", len(snaps)),
		zap.Int64("requests", totalRequests))
	return nil
}

// persistWALIfDirty journals only when counters changed since the last
// write, so quiet intervals do not rewrite the file.
func (a *Aggregator) persistWALIfDirty() {
	if a.dirty.Load() {
		a.persistWAL()
	}
}

// persistWAL journals the live counters so a restart resumes where the
// process left off. It runs once per flush tick rather than per request,
// so a crash loses at most one interval of unflushed usage. A failed
// journal write is logged and skipped; the billing totals stay correct
// either way.
func (a *Aggregator) persistWAL() {
	if a.walPath == "" {
		return
	}

	// Clear before snapshotting so a Record landing mid-write re-marks
	// the counters for the next tick.
	a.dirty.Store(false)
	snaps := a.Snapshot()
	data, err := json.Marshal(snaps)
	if err != nil {
		a.logger.Error("Failed to marshal usage WAL", zap.Error(err))
		return
	}

	a.walMu.Lock()
	defer a.walMu.Unlock()
	tmpPath := a.walPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		a.logger.Error("Failed to write usage WAL", zap.Error(err))
		return
	}
	if err := os.Rename(tmpPath, a.walPath); err != nil {
		os.Remove(tmpPath)
		a.logger.Error("Failed to replace usage WAL", zap.Error(err))
	}
}

func (a *Aggregator) rehydrate() error {
	if a.walPath == "" {
		return nil
	}

	data, err := os.ReadFile(a.walPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read usage WAL: %w", err)
	}

	var snaps []types.UsageSnapshot
	if err := json.Unmarshal(data, &snaps); err != nil {
		// A corrupt WAL should not keep the gateway down; billing loses at
		// most one interval of unflushed usage.
		a.logger.Error("Corrupt usage WAL, starting empty", zap.Error(err))
		return nil
	}

	for i := range snaps {
		snap := snaps[i]
		a.counters[snap.TenantID] = &snap
	}

	a.logger.Info("Re-hydrated usage counters from WAL",
		zap.Int("tenants", len(snaps)))
	return nil
}

func (a *Aggregator) clearAll() {
	a.mu.Lock()
	a.counters = make(map[int]*types.UsageSnapshot)
	a.mu.Unlock()
	a.dirty.Store(false)

	if a.walPath != "" {
		a.walMu.Lock()
		if err := os.Remove(a.walPath); err != nil && !os.IsNotExist(err) {
			a.logger.Error("Failed to remove usage WAL", zap.Error(err))
		}
		a.walMu.Unlock()
	}
}
