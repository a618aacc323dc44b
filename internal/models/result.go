package models

import (
	"time"

	"github.com/google/uuid"
)

// GDPR compliance principles used for component scoring.
const (
	PrincipleLawfulness       = "lawfulness"
	PrinciplePurposeLimit     = "purpose_limitation"
	PrincipleDataMinimisation = "data_minimisation"
	PrincipleAccuracy         = "accuracy"
	PrincipleStorageLimit     = "storage_limitation"
	PrincipleIntegrity        = "integrity_confidentiality"
)

// AllPrinciples lists every compliance principle in scoring order.
var AllPrinciples = []string{
	PrincipleLawfulness, PrinciplePurposeLimit, PrincipleDataMinimisation,
	PrincipleAccuracy, PrincipleStorageLimit, PrincipleIntegrity,
}

// ResultTotals summarizes findings for one scan.
type ResultTotals struct {
	TotalFindings    int              `json:"total_findings"`
	CriticalFindings int              `json:"critical_findings"`
	HighAndCritical  int              `json:"high_and_critical"`
	BySeverity       map[Severity]int `json:"by_severity"`
	ByCategory       map[string]int   `json:"by_category"`
	PIITotals        map[string]int   `json:"pii_totals"`
}

// RegionViolation is a rule-pack violation surfaced in the canonical result.
type RegionViolation struct {
	RuleID      string   `json:"rule_id"`
	Region      string   `json:"region"`
	GDPRArticle string   `json:"gdpr_article"`
	Severity    Severity `json:"severity"`
}

// DPIAResult carries the questionnaire outcome for dpia scans.
type DPIAResult struct {
	DPIARequired    bool              `json:"dpia_required"`
	CategoryScores  map[string]int    `json:"category_scores"`
	RiskLevels      map[string]string `json:"risk_levels"`
	OverallPct      float64           `json:"overall_pct"`
	Recommendations []string          `json:"recommendations"`
}

// ScanResult is the canonical per-job result document consumed by reporting
// and the UI. One exists for every terminal job; non-Succeeded results carry
// partial counts and are flagged as such.
type ScanResult struct {
	JobID           uuid.UUID          `json:"job_id"`
	TenantID        uuid.UUID          `json:"tenant_id"`
	ScanType        ScanType           `json:"scan_type"`
	CompletedAt     time.Time          `json:"completed_at"`
	DurationMS      int64              `json:"duration_ms"`
	State           JobState           `json:"state"`
	Partial         bool               `json:"partial"`
	FilesScanned    int                `json:"files_scanned"`
	LinesAnalyzed   int                `json:"lines_analyzed"`
	Units           map[string]int     `json:"units,omitempty"`
	Findings        []Finding          `json:"findings"`
	Totals          ResultTotals       `json:"totals"`
	ComplianceScore float64            `json:"compliance_score"`
	PrincipleScores map[string]float64 `json:"principle_scores"`
	RegionViolation []RegionViolation  `json:"region_violations"`
	ScanMode        ScanMode           `json:"scan_mode,omitempty"`
	DPIA            *DPIAResult        `json:"dpia,omitempty"`
	Diagnostics     []Diagnostic       `json:"diagnostics,omitempty"`
}

// ComplianceHistoryPoint is an append-only record of a tenant's score at a
// moment in time. It is owned by the tenant and survives finding deletion;
// erasure of the source job only detaches the back-reference.
type ComplianceHistoryPoint struct {
	TenantID        uuid.UUID          `json:"tenant_id"`
	At              time.Time          `json:"at"`
	OverallScore    float64            `json:"overall_score"`
	ComponentScores map[string]float64 `json:"component_scores"`
	SourceJobID     *uuid.UUID         `json:"source_job_id,omitempty"`
}
