package scanner

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/privyscan/privyscan/internal/detect"
	"github.com/privyscan/privyscan/internal/models"
	"github.com/privyscan/privyscan/internal/registry"
)

// maxProbeBody caps how much of one response body is inspected.
const maxProbeBody = 1024 * 1024

// Response headers accepted as evidence of rate limiting.
var rateLimitHeaders = []string{
	"X-RateLimit-Limit", "X-Rate-Limit-Limit", "RateLimit-Limit",
	"RateLimit", "Retry-After",
}

// APIScanner issues read-only probes against the declared endpoints. Each
// response body runs through the text scanner; auth and rate-limit posture
// feeds the region rule packs.
type APIScanner struct {
	deps Deps
	text *detect.TextScanner
}

func NewAPIScanner(deps Deps) *APIScanner {
	return &APIScanner{deps: deps, text: detect.NewTextScanner()}
}

func (s *APIScanner) Type() models.ScanType { return models.ScanTypeAPI }

// RetrySafe is true: probe failures are usually transient network errors.
func (s *APIScanner) RetrySafe() bool { return true }

func (s *APIScanner) Run(ctx context.Context, req *models.ScanRequest, snap *registry.Snapshot, emit Emit) (*SummaryHints, error) {
	hints := &SummaryHints{Units: map[string]int{}}
	endpoints := req.Target.Endpoints
	if len(endpoints) == 0 && req.Target.URL != "" {
		endpoints = []string{req.Target.URL}
	}
	if len(endpoints) == 0 {
		return hints, fmt.Errorf("api scan requires at least one endpoint")
	}

	ruleCtx := registry.NewRuleContext(models.ScanTypeAPI)
	client := s.deps.httpClient()
	limiter := s.deps.limiter()

	for i, endpoint := range endpoints {
		if err := ctx.Err(); err != nil {
			hints.Partial = true
			return hints, err
		}
		if err := limiter.Wait(ctx); err != nil {
			hints.Partial = true
			return hints, err
		}

		probe, err := s.probe(ctx, client, endpoint)
		if err != nil {
			if ctx.Err() != nil {
				hints.Partial = true
				return hints, ctx.Err()
			}
			if derr := emitDiagnostic(emit, models.DiagWarning, fmt.Sprintf("probe of %s failed: %v", endpoint, err)); derr != nil {
				return hints, derr
			}
			continue
		}
		hints.Units["endpoints_probed"]++

		ruleCtx.Flags[registry.CtxAuthHeaderChecked] = true
		if probe.authRequired {
			ruleCtx.Flags[registry.CtxAuthHeaderPresent] = true
		}
		if probe.rateLimited {
			ruleCtx.Flags[registry.CtxRateLimitPresent] = true
		}

		res, scanErr := s.text.ScanString(ctx, probe.body, snap, req.Options.Regions, func(offset int) string {
			return fmt.Sprintf("endpoint=%s offset=%d", endpoint, offset)
		})
		if res != nil {
			hints.LinesAnalyzed += res.Lines
			if ferr := emitFindings(emit, stampOwnership(req.RequestID, res.Findings)); ferr != nil {
				return hints, ferr
			}
		}
		if scanErr != nil {
			hints.Partial = true
			return hints, scanErr
		}

		pct := (i + 1) * 90 / len(endpoints)
		if err := emitProgress(emit, pct, fmt.Sprintf("endpoint %d/%d probed", i+1, len(endpoints))); err != nil {
			return hints, err
		}
	}

	violations := snap.EvaluateRules(models.ScanTypeAPI, ruleCtx, req.Options.Regions)
	hints.Violations = violations
	location := req.Target.URL
	if location == "" {
		location = endpoints[0]
	}
	if err := emitFindings(emit, violationFindings(req.RequestID, location, violations)); err != nil {
		return hints, err
	}
	hints.FilesScanned = hints.Units["endpoints_probed"]
	return hints, nil
}

type probeResult struct {
	body         string
	authRequired bool
	rateLimited  bool
}

// probe issues one unauthenticated GET. A 401/403 means the endpoint demands
// credentials; anything else that serves content counts as open.
func (s *APIScanner) probe(ctx context.Context, client *http.Client, endpoint string) (*probeResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	if err != nil {
		return nil, err
	}

	out := &probeResult{body: string(body)}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		out.authRequired = true
	}
	for _, h := range rateLimitHeaders {
		if resp.Header.Get(h) != "" {
			out.rateLimited = true
			break
		}
	}
	return out, nil
}
