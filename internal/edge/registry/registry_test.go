package registry

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mediacdn/engine/internal/common/configtypes"
	"github.com/mediacdn/engine/internal/common/redis"
	"github.com/mediacdn/engine/pkg/types"
)

func newTestRegistry(t *testing.T) (*Registry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	client, err := redis.NewClient(&configtypes.RedisConfig{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return New(client, "mediacdn:", zap.NewNop()), mr
}

func TestLookup(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("mediacdn:domain:example.com",
		`[{"tenant_id":7,"status":"active"},{"tenant_id":9,"status":"suspended"}]`))

	records, err := reg.Lookup(ctx, "example.com")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 7, records[0].TenantID)
	assert.Equal(t, types.TenantStatusActive, records[0].Status)
	assert.Equal(t, types.TenantStatusSuspended, records[1].Status)
	assert.Equal(t, []int{7}, types.ActiveTenants(records))
}

func TestLookupHostIsCaseInsensitive(t *testing.T) {
	reg, mr := newTestRegistry(t)

	require.NoError(t, mr.Set("mediacdn:domain:example.com",
		`[{"tenant_id":1,"status":"active"}]`))

	records, err := reg.Lookup(context.Background(), "EXAMPLE.com")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestLookupMissingHost(t *testing.T) {
	reg, _ := newTestRegistry(t)

	records, err := reg.Lookup(context.Background(), "unregistered.example.com")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestLookupCorruptRecord(t *testing.T) {
	reg, mr := newTestRegistry(t)

	require.NoError(t, mr.Set("mediacdn:domain:example.com", "{not json"))

	records, err := reg.Lookup(context.Background(), "example.com")
	require.NoError(t, err, "corrupt records are treated as unregistered")
	assert.Empty(t, records)
}

func TestLookupRegistryDown(t *testing.T) {
	reg, mr := newTestRegistry(t)

	mr.Close()

	_, err := reg.Lookup(context.Background(), "example.com")
	assert.Error(t, err)
}
