package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/mediacdn/engine/pkg/types"
)

// BillingStore receives batched usage flushes. Implementations must be safe
// for concurrent upserts on (tenant_id, hour_start) from many gateways.
type BillingStore interface {
	FlushUsage(ctx context.Context, snapshots []types.UsageSnapshot, now time.Time) error
	Close() error
}

const lifetimeUpsert = `
INSERT INTO tenant_usage
	(tenant_id, origin_host, bandwidth_used_bytes, cache_hits, cache_misses, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
	origin_host = VALUES(origin_host),
	bandwidth_used_bytes = bandwidth_used_bytes + VALUES(bandwidth_used_bytes),
	cache_hits = cache_hits + VALUES(cache_hits),
	cache_misses = cache_misses + VALUES(cache_misses),
	updated_at = VALUES(updated_at)`

const hourlyUpsert = `
INSERT INTO tenant_usage_hourly
	(tenant_id, hour_start, bandwidth_bytes, requests, cache_hits, cache_misses)
VALUES (?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
	bandwidth_bytes = bandwidth_bytes + VALUES(bandwidth_bytes),
	requests = requests + VALUES(requests),
	cache_hits = cache_hits + VALUES(cache_hits),
	cache_misses = cache_misses + VALUES(cache_misses)`

// MySQLBillingStore writes usage to a MySQL-compatible billing database.
type MySQLBillingStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewMySQLBillingStore(dsn string, logger *zap.Logger) (*MySQLBillingStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open billing database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to billing database: %w", err)
	}

	return &MySQLBillingStore{db: db, logger: logger}, nil
}

// FlushUsage writes one batch inside a transaction: per tenant, a lifetime
// totals upsert plus an hourly rollup keyed by (tenant_id, hour_start) with
// additive conflict semantics.
func (m *MySQLBillingStore) FlushUsage(ctx context.Context, snapshots []types.UsageSnapshot, now time.Time) error {
	if len(snapshots) == 0 {
		return nil
	}

	hourStart := now.UTC().Truncate(time.Hour)

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin billing transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, snap := range snapshots {
		if _, err := tx.ExecContext(ctx, lifetimeUpsert,
			snap.TenantID, snap.OriginHost, snap.BandwidthBytes,
			snap.CacheHits, snap.CacheMisses, now.UTC()); err != nil {
			return fmt.Errorf("lifetime upsert for tenant %d: %w", snap.TenantID, err)
		}

		if _, err := tx.ExecContext(ctx, hourlyUpsert,
			snap.TenantID, hourStart, snap.BandwidthBytes,
			snap.Requests, snap.CacheHits, snap.CacheMisses); err != nil {
			return fmt.Errorf("hourly upsert for tenant %d: %w", snap.TenantID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit billing transaction: %w", err)
	}

	m.logger.Debug("Flushed usage batch to billing store",
		zap.Int("tenants", len(snapshots)),
		zap.Time("hour_start", hourStart))
	return nil
}

func (m *MySQLBillingStore) Close() error {
	return m.db.Close()
}
