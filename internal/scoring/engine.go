package scoring

import (
	"time"

	"github.com/privyscan/privyscan/internal/models"
	"github.com/privyscan/privyscan/internal/registry"
)

// maxDeductionPerPrinciple caps how far one scan can drag a single principle.
const maxDeductionPerPrinciple = 100.0

// Engine computes compliance scores from canonical scan results. Pure
// arithmetic over the registry's weight table; no I/O.
type Engine struct{}

func New() *Engine {
	return &Engine{}
}

// Score fills in the principle scores and the overall compliance score on a
// result. Every principle starts at 100; findings deduct severity-weighted
// penalties, uplifted by the rule pack's penalty multiplier for pack rules.
func (e *Engine) Score(result *models.ScanResult, snap *registry.Snapshot) {
	weights := snap.Weights()

	deductions := make(map[string]float64, len(models.AllPrinciples))
	for _, f := range result.Findings {
		penalty := weights.PenaltyFor(f.Severity)
		if penalty == 0 {
			continue
		}
		penalty *= snap.PenaltyMultiplierFor(f.RuleID)
		principle := weights.PrincipleFor(f)
		if deductions[principle]+penalty > maxDeductionPerPrinciple {
			deductions[principle] = maxDeductionPerPrinciple
		} else {
			deductions[principle] += penalty
		}
	}

	result.PrincipleScores = make(map[string]float64, len(models.AllPrinciples))
	for _, p := range models.AllPrinciples {
		result.PrincipleScores[p] = clamp(100 - deductions[p])
	}

	var weightedSum, weightTotal float64
	for _, p := range models.AllPrinciples {
		w := weights.PrincipleWeights[p]
		weightedSum += result.PrincipleScores[p] * w
		weightTotal += w
	}
	if weightTotal > 0 {
		result.ComplianceScore = clamp(weightedSum / weightTotal)
	} else {
		result.ComplianceScore = 100
	}
}

// HistoryPoint builds the trajectory record appended after scoring.
func (e *Engine) HistoryPoint(result *models.ScanResult, at time.Time) models.ComplianceHistoryPoint {
	jobID := result.JobID
	components := make(map[string]float64, len(result.PrincipleScores))
	for p, s := range result.PrincipleScores {
		components[p] = s
	}
	return models.ComplianceHistoryPoint{
		TenantID:        result.TenantID,
		At:              at,
		OverallScore:    result.ComplianceScore,
		ComponentScores: components,
		SourceJobID:     &jobID,
	}
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
