// Package registry reads tenant domain registrations from Redis.
// Records are managed by an external control plane; the gateway only reads.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mediacdn/engine/internal/common/redis"
	"github.com/mediacdn/engine/pkg/types"
)

const domainKeyFormat = "%sdomain:%s"

// Registry looks up which tenants have registered an origin host.
type Registry struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger
}

func New(client *redis.Client, keyPrefix string, logger *zap.Logger) *Registry {
	return &Registry{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger,
	}
}

// Lookup returns the domain records registered for host. A missing key
// returns an empty slice with no error; transport failures return an error
// so the caller can distinguish "not registered" from "registry down".
func (r *Registry) Lookup(ctx context.Context, host string) ([]types.DomainRecord, error) {
	key := r.domainKey(host)

	raw, err := r.client.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("registry lookup for %s: %w", host, err)
	}
	if raw == "" {
		return nil, nil
	}

	var records []types.DomainRecord
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		// A corrupt record is a control-plane bug; treat it as unregistered
		// rather than taking the host down.
		r.logger.Error("Corrupt domain record in registry",
			zap.String("host", host),
			zap.String("key", key),
			zap.Error(err))
		return nil, nil
	}

	return records, nil
}

// HealthCheck verifies the backing Redis connection.
func (r *Registry) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}

func (r *Registry) domainKey(host string) string {
	return fmt.Sprintf(domainKeyFormat, r.keyPrefix, strings.ToLower(host))
}
