package aggregator

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/privyscan/privyscan/internal/models"
	"github.com/privyscan/privyscan/internal/registry"
	"github.com/privyscan/privyscan/internal/scanner"
)

// Input is everything a finished (or torn-down) job run produced.
type Input struct {
	Job         *models.ScanJob
	State       models.JobState
	StartedAt   time.Time
	CompletedAt time.Time
	Findings    []models.Finding
	Diagnostics []models.Diagnostic
	Hints       *scanner.SummaryHints
	Snapshot    *registry.Snapshot
}

// Build converts a scanner's event stream output into the canonical
// ScanResult. Scanners keep their own vocabulary; the mapping here is the
// single source of truth for the unified metrics contract. Compliance scores
// are filled in afterwards by the scoring engine.
func Build(in Input) *models.ScanResult {
	hints := in.Hints
	if hints == nil {
		hints = &scanner.SummaryHints{}
	}

	findings := canonicalize(in.Findings, in.Snapshot)

	totals := models.ResultTotals{
		BySeverity: make(map[models.Severity]int),
		ByCategory: make(map[string]int),
		PIITotals:  make(map[string]int),
	}
	for _, f := range findings {
		totals.TotalFindings++
		totals.BySeverity[f.Severity]++
		totals.ByCategory[f.Category]++
		if f.PIIKind != "" {
			totals.PIITotals[f.PIIKind]++
		}
		switch f.Severity {
		case models.SeverityCritical:
			totals.CriticalFindings++
			totals.HighAndCritical++
		case models.SeverityHigh:
			totals.HighAndCritical++
		}
	}

	filesScanned := hints.FilesScanned
	if filesScanned < 1 {
		filesScanned = 1
	}

	result := &models.ScanResult{
		JobID:           in.Job.ID,
		TenantID:        in.Job.TenantID,
		ScanType:        in.Job.ScanType,
		CompletedAt:     in.CompletedAt,
		DurationMS:      in.CompletedAt.Sub(in.StartedAt).Milliseconds(),
		State:           in.State,
		Partial:         hints.Partial || in.State != models.JobStateSucceeded,
		FilesScanned:    filesScanned,
		LinesAnalyzed:   hints.LinesAnalyzed,
		Units:           hints.Units,
		Findings:        findings,
		Totals:          totals,
		RegionViolation: regionViolations(hints.Violations),
		ScanMode:        hints.ScanMode,
		DPIA:            hints.DPIA,
		Diagnostics:     in.Diagnostics,
	}
	return result
}

// canonicalize deduplicates by (rule_id, location, evidence hash), lets the
// registry severity table override scanner-declared severities, and orders
// findings deterministically by (location, rule_id).
func canonicalize(findings []models.Finding, snap *registry.Snapshot) []models.Finding {
	seen := make(map[string]bool, len(findings))
	out := make([]models.Finding, 0, len(findings))
	for _, f := range findings {
		key := f.RuleID + "|" + f.Location + "|" + evidenceHash(f.Excerpt)
		if seen[key] {
			continue
		}
		seen[key] = true
		if snap != nil {
			if sev, ok := snap.SeverityFor(f.RuleID); ok {
				f.Severity = sev
			}
		}
		out = append(out, f)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Location != out[j].Location {
			return out[i].Location < out[j].Location
		}
		return out[i].RuleID < out[j].RuleID
	})
	return out
}

func evidenceHash(excerpt string) string {
	sum := sha256.Sum256([]byte(excerpt))
	return hex.EncodeToString(sum[:8])
}

func regionViolations(violations []registry.RuleViolation) []models.RegionViolation {
	out := make([]models.RegionViolation, 0, len(violations))
	for _, v := range violations {
		out = append(out, models.RegionViolation{
			RuleID:      v.RuleID,
			Region:      v.Region,
			GDPRArticle: strings.Join(v.GDPRArticles, ", "),
			Severity:    v.Severity,
		})
	}
	return out
}
