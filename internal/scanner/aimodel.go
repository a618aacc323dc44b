package scanner

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/privyscan/privyscan/internal/detect"
	"github.com/privyscan/privyscan/internal/models"
	"github.com/privyscan/privyscan/internal/registry"
)

// maxModelArtifactRead bounds how much of a model file is read for metadata
// inspection. Headers of every supported format fit well within this.
const maxModelArtifactRead = 8 * 1024 * 1024

// EU AI Act risk categories.
const (
	AIRiskProhibited = "Prohibited"
	AIRiskHigh       = "High"
	AIRiskGPAI       = "GPAI"
	AIRiskLimited    = "Limited"
	AIRiskMinimal    = "Minimal"
)

// Textual predicates over the declared use and documentation. Matching is
// structural only; the scanner never executes model code or bias tests.
var (
	prohibitedUseHint = regexp.MustCompile(`(?i)(social[ -]scoring|real[- ]time (remote )?biometric|subliminal techniq|emotion recognition in (the )?workplace|predictive policing)`)
	highRiskUseHint   = regexp.MustCompile(`(?i)(employment|recruit|credit[ -]scor|creditworthiness|law enforcement|border control|migration|medical devi|diagnos|critical infrastructure|education(al)? (scoring|admission)|essential (public|private) services)`)
	gpaiHint          = regexp.MustCompile(`(?i)(general[- ]purpose|foundation model|large language model|\bllm\b|multi[- ]?modal model)`)
	limitedUseHint    = regexp.MustCompile(`(?i)(chat ?bot|deep ?fake|synthetic (media|content)|content generat)`)
	docsPresentHint   = regexp.MustCompile(`(?i)(intended (purpose|use)|technical documentation|model card|instructions for use|risk management)`)
	biasEvalHint      = regexp.MustCompile(`(?i)(bias (evaluation|assessment|audit)|fairness (assessment|evaluation|metric)|disparate impact analysis)`)
)

// AIModelScanner inspects a model artifact's metadata and the accompanying
// documentation text, classifies the system into an EU AI Act risk category
// and checks the declared documentation items against the rule pack.
type AIModelScanner struct {
	deps Deps
}

func NewAIModelScanner(deps Deps) *AIModelScanner {
	return &AIModelScanner{deps: deps}
}

func (s *AIModelScanner) Type() models.ScanType { return models.ScanTypeAIModel }

// RetrySafe is false: classification over fixed inputs is deterministic.
func (s *AIModelScanner) RetrySafe() bool { return false }

func (s *AIModelScanner) Run(ctx context.Context, req *models.ScanRequest, snap *registry.Snapshot, emit Emit) (*SummaryHints, error) {
	hints := &SummaryHints{Units: map[string]int{}}

	info, artifactName, err := s.inspectArtifact(ctx, req)
	if err != nil {
		return hints, err
	}
	if err := emitProgress(emit, 30, "artifact metadata inspected"); err != nil {
		return hints, err
	}

	docText := req.Target.DocText
	ruleCtx := registry.NewRuleContext(models.ScanTypeAIModel)
	ruleCtx.Flags[registry.CtxAIProhibitedUse] = prohibitedUseHint.MatchString(docText)
	ruleCtx.Flags[registry.CtxAIHighRiskUse] = highRiskUseHint.MatchString(docText)
	ruleCtx.Flags[registry.CtxAIGeneralPurpose] = gpaiHint.MatchString(docText)
	ruleCtx.Flags[registry.CtxAIDocsPresent] = docsPresentHint.MatchString(docText)
	ruleCtx.Flags[registry.CtxAIBiasEvalPresent] = biasEvalHint.MatchString(docText)

	risk := classifyRisk(ruleCtx, docText)
	ruleCtx.Values["ai_risk_category"] = risk

	location := artifactName
	if location == "" {
		location = "declared documentation"
	}
	var findings []models.Finding
	findings = append(findings, models.Finding{
		ID:         uuid.New(),
		JobID:      req.RequestID,
		Type:       "ai_risk_classification",
		Category:   models.CategoryAIRisk,
		Severity:   riskSeverity(risk),
		Location:   location,
		Excerpt:    fmt.Sprintf("classified as %s risk under the EU AI Act", risk),
		Confidence: 0.8,
		RuleID:     "AI_RISK_" + strings.ToUpper(risk),
	})
	if info != nil && !info.Recognized {
		findings = append(findings, models.Finding{
			ID:         uuid.New(),
			JobID:      req.RequestID,
			Type:       "ai_artifact_unrecognized",
			Category:   models.CategoryDocumentation,
			Severity:   models.SeverityInfo,
			Location:   location,
			Excerpt:    "model artifact format not recognized, metadata unavailable",
			Confidence: 1.0,
			RuleID:     "AI_UNKNOWN_FORMAT",
		})
	}
	if err := emitFindings(emit, findings); err != nil {
		return hints, err
	}

	violations := snap.EvaluateRules(models.ScanTypeAIModel, ruleCtx, req.Options.Regions)
	hints.Violations = violations
	if err := emitFindings(emit, violationFindings(req.RequestID, location, violations)); err != nil {
		return hints, err
	}

	hints.FilesScanned = 1
	hints.LinesAnalyzed = strings.Count(docText, "\n")
	if docText != "" {
		hints.LinesAnalyzed++
	}
	if info != nil {
		hints.Units["artifacts_inspected"] = 1
		if info.ParamCount > 0 {
			hints.Units["declared_tensors"] = len(info.TensorNames)
		}
	}
	return hints, nil
}

// inspectArtifact reads the model file from the local path or blob handle.
// A missing artifact is allowed; documentation-only assessments are valid.
func (s *AIModelScanner) inspectArtifact(ctx context.Context, req *models.ScanRequest) (*detect.ModelInfo, string, error) {
	switch {
	case req.Target.Path != "":
		f, err := os.Open(req.Target.Path)
		if err != nil {
			return nil, "", fmt.Errorf("opening model artifact: %w", err)
		}
		defer f.Close()
		data, err := io.ReadAll(io.LimitReader(f, maxModelArtifactRead))
		if err != nil {
			return nil, "", fmt.Errorf("reading model artifact: %w", err)
		}
		return detect.InspectModelArtifact(req.Target.Path, data), req.Target.Path, nil
	case req.Target.BlobHandle != "":
		rc, err := s.deps.Blobs.Fetch(ctx, req.Target.BlobHandle)
		if err != nil {
			return nil, "", fmt.Errorf("fetching model artifact: %w", err)
		}
		defer rc.Close()
		data, err := io.ReadAll(io.LimitReader(rc, maxModelArtifactRead))
		if err != nil {
			return nil, "", fmt.Errorf("reading model artifact: %w", err)
		}
		return detect.InspectModelArtifact(req.Target.BlobHandle, data), req.Target.BlobHandle, nil
	}
	return nil, "", nil
}

// classifyRisk maps the declared use onto the EU AI Act ladder. Prohibited
// beats High beats GPAI beats Limited; everything else is Minimal.
func classifyRisk(ruleCtx *registry.RuleContext, docText string) string {
	switch {
	case ruleCtx.Flags[registry.CtxAIProhibitedUse]:
		return AIRiskProhibited
	case ruleCtx.Flags[registry.CtxAIHighRiskUse]:
		return AIRiskHigh
	case ruleCtx.Flags[registry.CtxAIGeneralPurpose]:
		return AIRiskGPAI
	case limitedUseHint.MatchString(docText):
		return AIRiskLimited
	}
	return AIRiskMinimal
}

func riskSeverity(risk string) models.Severity {
	switch risk {
	case AIRiskProhibited:
		return models.SeverityCritical
	case AIRiskHigh:
		return models.SeverityHigh
	case AIRiskGPAI, AIRiskLimited:
		return models.SeverityMedium
	}
	return models.SeverityInfo
}
