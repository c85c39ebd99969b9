package usage

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	sqle "github.com/dolthub/go-mysql-server"
	"github.com/dolthub/go-mysql-server/memory"
	"github.com/dolthub/go-mysql-server/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mediacdn/engine/pkg/types"
)

// startBillingServer runs an in-memory MySQL-compatible server and returns
// a DSN pointing at it.
func startBillingServer(t *testing.T) string {
	t.Helper()

	db := memory.NewDatabase("billing")
	db.BaseDatabase.EnablePrimaryKeyIndexes()
	pro := memory.NewDBProvider(db)
	engine := sqle.NewDefault(pro)

	cfg := server.Config{
		Protocol: "tcp",
		Address:  "localhost:0",
	}
	s, err := server.NewServer(cfg, engine, memory.NewSessionBuilder(pro), nil)
	require.NoError(t, err)

	go func() { _ = s.Start() }()
	t.Cleanup(func() { _ = s.Close() })

	return fmt.Sprintf("root:@tcp(%s)/billing?parseTime=true", s.Listener.Addr().String())
}

func createBillingSchema(t *testing.T, dsn string) {
	t.Helper()
	db, err := sql.Open("mysql", dsn)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE tenant_usage (
		tenant_id INT PRIMARY KEY,
		origin_host VARCHAR(255),
		bandwidth_used_bytes BIGINT NOT NULL DEFAULT 0,
		cache_hits BIGINT NOT NULL DEFAULT 0,
		cache_misses BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMP
	)`)
	require.NoError(t, err)

	_, err = db.Exec(`CREATE TABLE tenant_usage_hourly (
		tenant_id INT NOT NULL,
		hour_start TIMESTAMP NOT NULL,
		bandwidth_bytes BIGINT NOT NULL DEFAULT 0,
		requests BIGINT NOT NULL DEFAULT 0,
		cache_hits BIGINT NOT NULL DEFAULT 0,
		cache_misses BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (tenant_id, hour_start)
	)`)
	require.NoError(t, err)
}

func TestMySQLBillingStoreFlush(t *testing.T) {
	dsn := startBillingServer(t)
	createBillingSchema(t, dsn)

	store, err := NewMySQLBillingStore(dsn, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	now := time.Date(2026, 8, 26, 14, 30, 0, 0, time.UTC)

	snaps := []types.UsageSnapshot{
		{TenantID: 1, OriginHost: "example.com", BandwidthBytes: 1000, Requests: 4, CacheHits: 3, CacheMisses: 1},
		{TenantID: 2, OriginHost: "other.example.com", BandwidthBytes: 500, Requests: 1, CacheHits: 0, CacheMisses: 1},
	}
	require.NoError(t, store.FlushUsage(ctx, snaps, now))

	// A second flush in the same hour accumulates instead of overwriting.
	require.NoError(t, store.FlushUsage(ctx, []types.UsageSnapshot{
		{TenantID: 1, OriginHost: "example.com", BandwidthBytes: 250, Requests: 2, CacheHits: 1, CacheMisses: 1},
	}, now.Add(10*time.Minute)))

	db, err := sql.Open("mysql", dsn)
	require.NoError(t, err)
	defer db.Close()

	var bandwidth, hits, misses int64
	err = db.QueryRow(
		"SELECT bandwidth_used_bytes, cache_hits, cache_misses FROM tenant_usage WHERE tenant_id = 1").
		Scan(&bandwidth, &hits, &misses)
	require.NoError(t, err)
	assert.Equal(t, int64(1250), bandwidth)
	assert.Equal(t, int64(4), hits)
	assert.Equal(t, int64(2), misses)

	var hourlyBandwidth, hourlyRequests int64
	err = db.QueryRow(
		"SELECT bandwidth_bytes, requests FROM tenant_usage_hourly WHERE tenant_id = 1").
		Scan(&hourlyBandwidth, &hourlyRequests)
	require.NoError(t, err)
	assert.Equal(t, int64(1250), hourlyBandwidth)
	assert.Equal(t, int64(6), hourlyRequests)

	var rows int
	err = db.QueryRow("SELECT COUNT(*) FROM tenant_usage_hourly").Scan(&rows)
	require.NoError(t, err)
	assert.Equal(t, 2, rows, "one hourly row per tenant in the same hour")
}

func TestMySQLBillingStoreEmptyBatch(t *testing.T) {
	dsn := startBillingServer(t)
	createBillingSchema(t, dsn)

	store, err := NewMySQLBillingStore(dsn, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	assert.NoError(t, store.FlushUsage(context.Background(), nil, time.Now()))
}
