package models

import (
	"github.com/google/uuid"
)

// Severity levels for findings. The registry's severity table is
// authoritative; scanner-declared severity is advisory only.
type Severity string

const (
	SeverityCritical Severity = "Critical"
	SeverityHigh     Severity = "High"
	SeverityMedium   Severity = "Medium"
	SeverityLow      Severity = "Low"
	SeverityInfo     Severity = "Info"
)

// SeverityRank maps a severity to a sortable priority (Critical highest).
func SeverityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 2
	case SeverityInfo:
		return 1
	}
	return 0
}

// Finding is a single detected violation or PII occurrence, owned by exactly
// one scan job in the same tenant scope.
type Finding struct {
	ID         uuid.UUID `json:"finding_id"`
	JobID      uuid.UUID `json:"job_id"`
	Type       string    `json:"type"`
	Category   string    `json:"category"`
	Severity   Severity  `json:"severity"`
	Location   string    `json:"location"`
	Excerpt    string    `json:"excerpt"`
	Confidence float64   `json:"confidence"`
	RuleID     string    `json:"rule_id"`
	RegionTags []string  `json:"region_tags,omitempty"`
	PIIKind    string    `json:"pii_kind,omitempty"`
}

// Finding categories shared across scanners.
const (
	CategoryPII           = "pii"
	CategorySecret        = "secret"
	CategoryConsent       = "consent"
	CategoryTracker       = "tracker"
	CategoryLegalNotice   = "legal_notice"
	CategoryDocumentation = "documentation"
	CategoryAIRisk        = "ai_risk"
	CategoryAssessment    = "assessment"
	CategorySecurity      = "security"
)
