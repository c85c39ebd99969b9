// Package admission decides whether the gateway will proxy for an origin
// host, based on the configured mode, block/allow lists, and the tenant
// registry.
package admission

import (
	"context"

	"go.uber.org/zap"

	"github.com/mediacdn/engine/pkg/pattern"
	"github.com/mediacdn/engine/pkg/types"
)

// RegistryLookup is the read side of the tenant domain registry.
type RegistryLookup interface {
	Lookup(ctx context.Context, host string) ([]types.DomainRecord, error)
}

// Validator evaluates admission policy for origin hosts.
type Validator struct {
	mode     types.OriginMode
	allowed  *pattern.HostList
	blocked  *pattern.HostList
	registry RegistryLookup
	logger   *zap.Logger
}

// New builds a Validator. registry may be nil; in registered mode a missing
// registry denies every host, in other modes it only disables usage
// attribution.
func New(mode string, allowedList, blockedList string, registry RegistryLookup, logger *zap.Logger) *Validator {
	return &Validator{
		mode:     types.OriginMode(mode),
		allowed:  pattern.ParseHostList(allowedList),
		blocked:  pattern.ParseHostList(blockedList),
		registry: registry,
		logger:   logger,
	}
}

// Validate returns the admission decision for host. The blocklist always
// wins; a "*" entry is a kill switch that denies everything.
func (v *Validator) Validate(ctx context.Context, host string) types.AdmissionResult {
	if v.blocked.KillSwitch() {
		return types.AdmissionResult{
			Reason: types.ReasonKillSwitch,
			Source: types.SourceConfig,
		}
	}
	if v.blocked.Matches(host) {
		return types.AdmissionResult{
			Reason: types.ReasonBlocklisted,
			Source: types.SourceConfig,
		}
	}

	switch v.mode {
	case types.OriginModeOpen:
		return types.AdmissionResult{
			Allowed:       true,
			Reason:        types.ReasonAllowed,
			Source:        types.SourceDefault,
			DomainRecords: v.lookupOptional(ctx, host),
		}

	case types.OriginModeList:
		if !v.allowed.Matches(host) {
			return types.AdmissionResult{
				Reason: types.ReasonNotInList,
				Source: types.SourceConfig,
			}
		}
		return types.AdmissionResult{
			Allowed:       true,
			Reason:        types.ReasonAllowed,
			Source:        types.SourceConfig,
			DomainRecords: v.lookupOptional(ctx, host),
		}

	case types.OriginModeRegistered:
		return v.validateRegistered(ctx, host)

	default:
		v.logger.Warn("Unknown origin mode, denying",
			zap.String("mode", string(v.mode)),
			zap.String("host", host))
		return types.AdmissionResult{
			Reason: types.ReasonBadMode,
			Source: types.SourceDefault,
		}
	}
}

func (v *Validator) validateRegistered(ctx context.Context, host string) types.AdmissionResult {
	if v.registry == nil {
		v.logger.Error("Registered mode requires a registry binding",
			zap.String("host", host))
		return types.AdmissionResult{
			Reason: types.ReasonNoRegistry,
			Source: types.SourceDefault,
		}
	}

	records, err := v.registry.Lookup(ctx, host)
	if err != nil {
		v.logger.Error("Registry lookup failed",
			zap.String("host", host),
			zap.Error(err))
		return types.AdmissionResult{
			Reason: types.ReasonNoRegistry,
			Source: types.SourceRegistry,
		}
	}
	if len(records) == 0 {
		return types.AdmissionResult{
			Reason: types.ReasonNotRegistered,
			Source: types.SourceRegistry,
		}
	}
	if len(types.ActiveTenants(records)) == 0 {
		return types.AdmissionResult{
			Reason:        types.ReasonNoActive,
			Source:        types.SourceRegistry,
			DomainRecords: records,
		}
	}

	return types.AdmissionResult{
		Allowed:       true,
		Reason:        types.ReasonAllowed,
		Source:        types.SourceRegistry,
		DomainRecords: records,
	}
}

// lookupOptional populates domain records for usage attribution in open and
// list modes. Registry failures here are non-fatal.
func (v *Validator) lookupOptional(ctx context.Context, host string) []types.DomainRecord {
	if v.registry == nil {
		return nil
	}
	records, err := v.registry.Lookup(ctx, host)
	if err != nil {
		v.logger.Debug("Opportunistic registry lookup failed",
			zap.String("host", host),
			zap.Error(err))
		return nil
	}
	return records
}
