package models

import (
	"time"

	"github.com/google/uuid"
)

// License tiers.
const (
	TierFree       = "free"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
	TierStandalone = "standalone"
)

// Quota kinds tracked per tenant.
const (
	QuotaScansPerMonth   = "scans_per_month"
	QuotaExportsPerMonth = "exports_per_month"
	QuotaAPICallsPerDay  = "api_calls_per_day"
)

// License is the active entitlement for a tenant. It is created and updated
// by an external admin path; the core only reads it.
type License struct {
	TenantID           uuid.UUID      `json:"tenant_id"`
	Tier               string         `json:"tier"`
	AllowedScanners    []ScanType     `json:"allowed_scanners"`
	AllowedRegions     []string       `json:"allowed_regions"`
	FeatureFlags       []string       `json:"feature_flags,omitempty"`
	Quotas             map[string]int `json:"quotas"` // quota kind -> limit per period
	MaxConcurrentUsers int            `json:"max_concurrent_users"`
	ValidFrom          time.Time      `json:"valid_from"`
	ValidUntil         time.Time      `json:"valid_until"`
	Suspended          bool           `json:"suspended"`
	HardwareBinding    string         `json:"hardware_binding,omitempty"` // standalone tier only
}

// AllowsScanner reports whether the license covers a scan type.
func (l *License) AllowsScanner(t ScanType) bool {
	for _, s := range l.AllowedScanners {
		if s == t {
			return true
		}
	}
	return false
}

// AllowsRegion reports whether the license covers a target region. An empty
// target region is always allowed.
func (l *License) AllowsRegion(region string) bool {
	if region == "" {
		return true
	}
	for _, r := range l.AllowedRegions {
		if r == region {
			return true
		}
	}
	return false
}

// ActiveAt reports whether the license is valid at the given instant.
func (l *License) ActiveAt(at time.Time) bool {
	if l.Suspended {
		return false
	}
	return !at.Before(l.ValidFrom) && at.Before(l.ValidUntil)
}

// QuotaCounter is the usage count for one (tenant, period, kind) bucket.
// Monotonic non-decreasing within a period; periods reset on calendar
// boundary rollover.
type QuotaCounter struct {
	TenantID  uuid.UUID `json:"tenant_id"`
	PeriodKey string    `json:"period_key"`
	Kind      string    `json:"kind"`
	ScanType  ScanType  `json:"scan_type,omitempty"`
	Used      int       `json:"used"`
	Limit     int       `json:"limit"`
	ResetsAt  time.Time `json:"resets_at"`
}
