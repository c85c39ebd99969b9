package admission

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/mediacdn/engine/pkg/types"
)

type stubRegistry struct {
	records map[string][]types.DomainRecord
	err     error
	calls   int
}

func (s *stubRegistry) Lookup(_ context.Context, host string) ([]types.DomainRecord, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.records[host], nil
}

func active(tenantID int) types.DomainRecord {
	return types.DomainRecord{TenantID: tenantID, Status: types.TenantStatusActive}
}

func TestValidateOpenMode(t *testing.T) {
	reg := &stubRegistry{records: map[string][]types.DomainRecord{
		"example.com": {active(3)},
	}}
	v := New("open", "", "", reg, zap.NewNop())

	result := v.Validate(context.Background(), "example.com")
	assert.True(t, result.Allowed)
	assert.Equal(t, types.ReasonAllowed, result.Reason)
	assert.Len(t, result.DomainRecords, 1)

	// Unregistered hosts are still allowed in open mode.
	result = v.Validate(context.Background(), "other.example.com")
	assert.True(t, result.Allowed)
	assert.Empty(t, result.DomainRecords)
}

func TestValidateOpenModeRegistryFailureNonFatal(t *testing.T) {
	reg := &stubRegistry{err: errors.New("redis down")}
	v := New("open", "", "", reg, zap.NewNop())

	result := v.Validate(context.Background(), "example.com")
	assert.True(t, result.Allowed)
	assert.Empty(t, result.DomainRecords)
}

func TestValidateListMode(t *testing.T) {
	v := New("list", "cdn.example.com,*.media.example.com", "", nil, zap.NewNop())

	tests := []struct {
		host    string
		allowed bool
		reason  types.AdmissionReason
	}{
		{"cdn.example.com", true, types.ReasonAllowed},
		{"img.media.example.com", true, types.ReasonAllowed},
		{"media.example.com", false, types.ReasonNotInList}, // wildcard excludes the parent
		{"evil.example.com", false, types.ReasonNotInList},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			result := v.Validate(context.Background(), tt.host)
			assert.Equal(t, tt.allowed, result.Allowed)
			assert.Equal(t, tt.reason, result.Reason)
		})
	}
}

func TestValidateRegisteredMode(t *testing.T) {
	reg := &stubRegistry{records: map[string][]types.DomainRecord{
		"active.example.com": {active(1), {TenantID: 2, Status: types.TenantStatusBlocked}},
		"frozen.example.com": {{TenantID: 3, Status: types.TenantStatusSuspended}},
	}}
	v := New("registered", "", "", reg, zap.NewNop())

	result := v.Validate(context.Background(), "active.example.com")
	assert.True(t, result.Allowed)
	assert.Equal(t, types.SourceRegistry, result.Source)
	assert.Len(t, result.DomainRecords, 2)

	result = v.Validate(context.Background(), "frozen.example.com")
	assert.False(t, result.Allowed)
	assert.Equal(t, types.ReasonNoActive, result.Reason)

	result = v.Validate(context.Background(), "unknown.example.com")
	assert.False(t, result.Allowed)
	assert.Equal(t, types.ReasonNotRegistered, result.Reason)
}

func TestValidateRegisteredModeRegistryUnavailable(t *testing.T) {
	v := New("registered", "", "", nil, zap.NewNop())
	result := v.Validate(context.Background(), "example.com")
	assert.False(t, result.Allowed)
	assert.Equal(t, types.ReasonNoRegistry, result.Reason)

	v = New("registered", "", "", &stubRegistry{err: errors.New("redis down")}, zap.NewNop())
	result = v.Validate(context.Background(), "example.com")
	assert.False(t, result.Allowed)
	assert.Equal(t, types.ReasonNoRegistry, result.Reason)
}

func TestValidateBlocklistPrecedence(t *testing.T) {
	reg := &stubRegistry{records: map[string][]types.DomainRecord{
		"blocked.example.com": {active(1)},
	}}
	v := New("open", "", "blocked.example.com,*.spam.net", reg, zap.NewNop())

	result := v.Validate(context.Background(), "blocked.example.com")
	assert.False(t, result.Allowed)
	assert.Equal(t, types.ReasonBlocklisted, result.Reason)
	assert.Zero(t, reg.calls, "blocklisted hosts never hit the registry")

	result = v.Validate(context.Background(), "mail.spam.net")
	assert.False(t, result.Allowed)

	// The wildcard blocks subdomains, not the parent itself.
	result = v.Validate(context.Background(), "spam.net")
	assert.True(t, result.Allowed)
}

func TestValidateKillSwitch(t *testing.T) {
	v := New("open", "", "*", nil, zap.NewNop())
	result := v.Validate(context.Background(), "anything.example.com")
	assert.False(t, result.Allowed)
	assert.Equal(t, types.ReasonKillSwitch, result.Reason)
}

func TestValidateUnknownMode(t *testing.T) {
	v := New("whitelist", "", "", nil, zap.NewNop())
	result := v.Validate(context.Background(), "example.com")
	assert.False(t, result.Allowed)
	assert.Equal(t, types.ReasonBadMode, result.Reason)
}
