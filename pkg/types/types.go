package types

import (
	"time"
)

// TenantStatus is the registration state of a tenant's claim on an origin host.
type TenantStatus string

const (
	TenantStatusActive    TenantStatus = "active"
	TenantStatusBlocked   TenantStatus = "blocked"
	TenantStatusSuspended TenantStatus = "suspended"
)

// DomainRecord is one tenant's registration of an origin host.
// The registry stores an ordered list of these per host; a missing key and an
// empty list are equivalent.
type DomainRecord struct {
	TenantID int          `json:"tenant_id"`
	Status   TenantStatus `json:"status"`
}

// IsActive reports whether bandwidth should accrue to this tenant.
func (r DomainRecord) IsActive() bool {
	return r.Status == TenantStatusActive
}

// ActiveTenants filters a record list down to the tenant IDs with active status.
func ActiveTenants(records []DomainRecord) []int {
	var ids []int
	for _, r := range records {
		if r.IsActive() {
			ids = append(ids, r.TenantID)
		}
	}
	return ids
}

// OriginMode selects the admission policy for origin hosts.
type OriginMode string

const (
	OriginModeOpen       OriginMode = "open"
	OriginModeList       OriginMode = "list"
	OriginModeRegistered OriginMode = "registered"
)

// Compression algorithm names for at-rest storage.
const (
	CompressionNone   = "none"
	CompressionSnappy = "snappy"
	CompressionLZ4    = "lz4"
)

// File extensions for compressed objects on disk.
const (
	ExtSnappy = ".snappy"
	ExtLZ4    = ".lz4"
)

// CompressionMinSize is the minimum content size in bytes for compression
// to be applied. Smaller payloads gain nothing and pay the header cost.
const CompressionMinSize = 1024

// AdmissionReason explains an admission decision.
type AdmissionReason string

const (
	ReasonAllowed       AdmissionReason = "allowed"
	ReasonBlocklisted   AdmissionReason = "blocklisted"
	ReasonKillSwitch    AdmissionReason = "kill_switch"
	ReasonNotInList     AdmissionReason = "not_in_allow_list"
	ReasonNotRegistered AdmissionReason = "not_registered"
	ReasonNoActive      AdmissionReason = "no_active_tenant"
	ReasonBadMode       AdmissionReason = "unknown_mode"
	ReasonNoRegistry    AdmissionReason = "registry_unavailable"
)

// AdmissionSource names where the decision came from.
type AdmissionSource string

const (
	SourceConfig   AdmissionSource = "config"
	SourceRegistry AdmissionSource = "registry"
	SourceDefault  AdmissionSource = "default"
)

// AdmissionResult is the outcome of validating an origin host.
// DomainRecords is populated opportunistically (open/list modes) or
// authoritatively (registered mode) so usage can be attributed to tenants.
type AdmissionResult struct {
	Allowed       bool
	Reason        AdmissionReason
	Source        AdmissionSource
	DomainRecords []DomainRecord
}

// ObjectMetadata is the descriptive half of a cached object.
type ObjectMetadata struct {
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	ETag        string    `json:"etag"`
	Uploaded    time.Time `json:"uploaded"`

	// Custom metadata recorded at write time.
	SourceURL     string `json:"source_url"`
	OriginHost    string `json:"origin_host"`
	CachedAt      string `json:"cached_at"`
	ContentLength int64  `json:"content_length,omitempty"`
}

// UsageSnapshot is one tenant's in-memory counter state.
// Counters are monotonic non-negative; only the aggregator's flusher subtracts,
// and never more than the amount a flush successfully wrote.
type UsageSnapshot struct {
	TenantID       int    `json:"tenant_id"`
	OriginHost     string `json:"origin_host"`
	BandwidthBytes int64  `json:"bandwidth_bytes"`
	Requests       int64  `json:"requests"`
	CacheHits      int64  `json:"cache_hits"`
	CacheMisses    int64  `json:"cache_misses"`
}
