package registry

import (
	"github.com/privyscan/privyscan/internal/models"
)

// WeightTable maps severities to score penalties and PII kinds / finding
// categories to compliance principle buckets.
type WeightTable struct {
	SeverityPenalty   map[models.Severity]float64
	PrincipleWeights  map[string]float64
	PIIKindPrinciple  map[string]string
	CategoryPrinciple map[string]string
}

// defaultWeightTable mirrors the scoring contract: Critical -25, High -10,
// Medium -3, Low -1, Info 0; principle weights uniform.
func defaultWeightTable() WeightTable {
	principleWeights := make(map[string]float64, len(models.AllPrinciples))
	for _, p := range models.AllPrinciples {
		principleWeights[p] = 1.0
	}
	return WeightTable{
		SeverityPenalty: map[models.Severity]float64{
			models.SeverityCritical: 25,
			models.SeverityHigh:     10,
			models.SeverityMedium:   3,
			models.SeverityLow:      1,
			models.SeverityInfo:     0,
		},
		PrincipleWeights: principleWeights,
		PIIKindPrinciple: map[string]string{
			PIIKindDutchBSN:   models.PrincipleLawfulness,
			PIIKindCreditCard: models.PrincipleIntegrity,
			PIIKindIBAN:       models.PrincipleIntegrity,
			PIIKindEmail:      models.PrincipleDataMinimisation,
			PIIKindPhone:      models.PrincipleDataMinimisation,
			PIIKindIPAddress:  models.PrincipleStorageLimit,
			PIIKindPostcodeNL: models.PrincipleDataMinimisation,
			PIIKindDOB:        models.PrincipleDataMinimisation,
			PIIKindAPIKey:     models.PrincipleIntegrity,
			PIIKindSecret:     models.PrincipleIntegrity,
		},
		CategoryPrinciple: map[string]string{
			models.CategoryConsent:       models.PrincipleLawfulness,
			models.CategoryTracker:       models.PrinciplePurposeLimit,
			models.CategoryLegalNotice:   models.PrincipleAccuracy,
			models.CategoryDocumentation: models.PrincipleAccuracy,
			models.CategoryAIRisk:        models.PrincipleLawfulness,
			models.CategoryAssessment:    models.PrincipleAccuracy,
			models.CategorySecurity:      models.PrincipleIntegrity,
			models.CategorySecret:        models.PrincipleIntegrity,
		},
	}
}

// PrincipleFor resolves the principle bucket for a finding. PII kind wins
// over category; unmapped findings fall into lawfulness.
func (w WeightTable) PrincipleFor(f models.Finding) string {
	if f.PIIKind != "" {
		if p, ok := w.PIIKindPrinciple[f.PIIKind]; ok {
			return p
		}
	}
	if p, ok := w.CategoryPrinciple[f.Category]; ok {
		return p
	}
	return models.PrincipleLawfulness
}

// PenaltyFor returns the score deduction for a severity.
func (w WeightTable) PenaltyFor(s models.Severity) float64 {
	return w.SeverityPenalty[s]
}
