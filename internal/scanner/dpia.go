package scanner

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/privyscan/privyscan/internal/models"
	"github.com/privyscan/privyscan/internal/registry"
)

// DPIA questionnaire geometry: 5 categories of 5 questions, answers in
// {0=No, 1=Partial, 2=Yes}.
const (
	dpiaQuestionsPerCategory = 5
	dpiaMaxAnswer            = 2
	dpiaCategoryMax          = 10
	dpiaHighThreshold        = 7
	dpiaMediumThreshold      = 4
)

// categoryScore scales a raw answer sum onto the 0-10 category scale. A Yes
// carries 5 points, a Partial 2.5, capped at the category maximum.
func categoryScore(raw int) int {
	score := raw * 5 / 2
	if score > dpiaCategoryMax {
		score = dpiaCategoryMax
	}
	return score
}

// DPIA risk levels per category.
const (
	dpiaRiskHigh   = "High"
	dpiaRiskMedium = "Medium"
	dpiaRiskLow    = "Low"
)

// dpiaCategories is the fixed category order used for scoring and output.
var dpiaCategories = []string{
	"data_category",
	"processing_activity",
	"rights_impact",
	"transfer_sharing",
	"security_measures",
}

// Categories whose High rating alone forces a DPIA.
var dpiaForcingCategories = map[string]bool{
	"data_category":       true,
	"processing_activity": true,
	"rights_impact":       true,
}

// Per-category remediation advice keyed by risk level.
var dpiaRecommendations = map[string]map[string]string{
	"data_category": {
		dpiaRiskHigh:   "Minimize collection of special-category data and document the legal basis for each data class (GDPR Art. 9)",
		dpiaRiskMedium: "Review whether every collected data class is necessary for the stated purpose",
	},
	"processing_activity": {
		dpiaRiskHigh:   "Document each processing activity in the register and assess automated decision-making safeguards (GDPR Art. 22)",
		dpiaRiskMedium: "Verify the processing register covers all active processing activities",
	},
	"rights_impact": {
		dpiaRiskHigh:   "Implement accessible mechanisms for access, rectification and erasure requests (GDPR Art. 15-17)",
		dpiaRiskMedium: "Confirm data subject request handling meets the one-month response deadline",
	},
	"transfer_sharing": {
		dpiaRiskHigh:   "Put standard contractual clauses or an adequacy basis in place for every third-country transfer (GDPR Ch. V)",
		dpiaRiskMedium: "Inventory processors and sub-processors and confirm data processing agreements exist",
	},
	"security_measures": {
		dpiaRiskHigh:   "Deploy encryption at rest and in transit and establish a tested breach response procedure (GDPR Art. 32)",
		dpiaRiskMedium: "Review access controls and logging against the state of the art",
	},
}

const dpiaArt35Recommendation = "Conduct a full Data Protection Impact Assessment as required by GDPR Art. 35 before processing begins"

// DPIAScanner scores the structured questionnaire. It is an assessment
// engine, not a content scan: identical answers always produce identical
// classifications and percentages.
type DPIAScanner struct {
	deps Deps
}

func NewDPIAScanner(deps Deps) *DPIAScanner {
	return &DPIAScanner{deps: deps}
}

func (s *DPIAScanner) Type() models.ScanType { return models.ScanTypeDPIA }

// RetrySafe is false: pure computation never fails transiently.
func (s *DPIAScanner) RetrySafe() bool { return false }

func (s *DPIAScanner) Run(ctx context.Context, req *models.ScanRequest, snap *registry.Snapshot, emit Emit) (*SummaryHints, error) {
	hints := &SummaryHints{Units: map[string]int{}}

	answers := req.Target.Answers
	if err := validateAnswers(answers); err != nil {
		return hints, err
	}
	if err := ctx.Err(); err != nil {
		return hints, err
	}

	result := &models.DPIAResult{
		CategoryScores: make(map[string]int, len(dpiaCategories)),
		RiskLevels:     make(map[string]string, len(dpiaCategories)),
	}

	total := 0
	var findings []models.Finding
	for _, cat := range dpiaCategories {
		raw := 0
		for _, a := range answers[cat] {
			raw += a
		}
		score := categoryScore(raw)
		level := riskLevelFor(score)
		result.CategoryScores[cat] = score
		result.RiskLevels[cat] = level
		total += score

		if level == dpiaRiskHigh && dpiaForcingCategories[cat] {
			result.DPIARequired = true
		}
		if rec, ok := dpiaRecommendations[cat][level]; ok {
			result.Recommendations = append(result.Recommendations, rec)
		}

		findings = append(findings, models.Finding{
			ID:         uuid.New(),
			JobID:      req.RequestID,
			Type:       "dpia_category",
			Category:   models.CategoryAssessment,
			Severity:   dpiaSeverity(level),
			Location:   "category=" + cat,
			Excerpt:    fmt.Sprintf("%s scored %d/10 (%s risk)", cat, score, level),
			Confidence: 1.0,
			RuleID:     "DPIA_" + level,
		})
	}
	if result.DPIARequired {
		result.Recommendations = append(result.Recommendations, dpiaArt35Recommendation)
	}

	maxTotal := len(dpiaCategories) * dpiaCategoryMax
	result.OverallPct = float64(total) * 100 / float64(maxTotal)

	if err := emitFindings(emit, findings); err != nil {
		return hints, err
	}
	if err := emitProgress(emit, 100, "questionnaire scored"); err != nil {
		return hints, err
	}

	hints.DPIA = result
	hints.FilesScanned = 1
	hints.Units["categories_assessed"] = len(dpiaCategories)
	return hints, nil
}

// validateAnswers enforces the exact questionnaire shape before scoring.
func validateAnswers(answers map[string][]int) error {
	if answers == nil {
		return fmt.Errorf("dpia scan requires questionnaire answers")
	}
	for _, cat := range dpiaCategories {
		got, ok := answers[cat]
		if !ok {
			return fmt.Errorf("dpia answers missing category %q", cat)
		}
		if len(got) != dpiaQuestionsPerCategory {
			return fmt.Errorf("dpia category %q has %d answers, want %d", cat, len(got), dpiaQuestionsPerCategory)
		}
		for i, a := range got {
			if a < 0 || a > dpiaMaxAnswer {
				return fmt.Errorf("dpia category %q answer %d out of range: %d", cat, i+1, a)
			}
		}
	}
	return nil
}

func riskLevelFor(score int) string {
	switch {
	case score >= dpiaHighThreshold:
		return dpiaRiskHigh
	case score >= dpiaMediumThreshold:
		return dpiaRiskMedium
	}
	return dpiaRiskLow
}

func dpiaSeverity(level string) models.Severity {
	switch level {
	case dpiaRiskHigh:
		return models.SeverityHigh
	case dpiaRiskMedium:
		return models.SeverityMedium
	}
	return models.SeverityInfo
}
