package registry

import (
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/privyscan/privyscan/internal/logger"
	"github.com/privyscan/privyscan/internal/models"
)

// Snapshot is an immutable view of patterns, rule packs and weight tables.
// Workers capture a snapshot at admission and keep it for the whole scan;
// a reload never changes a scan mid-flight.
type Snapshot struct {
	version  int64
	patterns []PIIPattern
	rules    []Rule
	weights  WeightTable
}

// Version identifies the snapshot for diagnostics.
func (s *Snapshot) Version() int64 { return s.version }

// Weights returns the severity/principle weight table.
func (s *Snapshot) Weights() WeightTable { return s.weights }

// Match runs the ordered pattern set over a text window. Deterministic and
// side-effect free; duplicate hits for the same (offset, rule) collapse.
func (s *Snapshot) Match(text string, regions []string) []RawMatch {
	var matches []RawMatch
	seen := make(map[string]bool)

	for _, p := range s.patterns {
		if !regionApplies(p.RegionTags, regions) {
			continue
		}
		for _, loc := range p.Matcher.FindAllStringIndex(text, -1) {
			key := fmt.Sprintf("%d|%s", loc[0], p.RuleID)
			if seen[key] {
				continue
			}
			seen[key] = true

			hit := text[loc[0]:loc[1]]
			confidence := p.ConfidenceBase
			validated := false
			if p.Validator != nil {
				if p.Validator(hit) {
					validated = true
				} else {
					confidence *= validatorFailFactor
				}
			}
			matches = append(matches, RawMatch{
				Kind:       p.Kind,
				RuleID:     p.RuleID,
				Offset:     loc[0],
				Length:     loc[1] - loc[0],
				Text:       hit,
				Confidence: confidence,
				Severity:   p.DefaultSeverity,
				RegionTags: p.RegionTags,
				Validated:  validated,
			})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Offset != matches[j].Offset {
			return matches[i].Offset < matches[j].Offset
		}
		return matches[i].RuleID < matches[j].RuleID
	})
	return matches
}

// SeverityFor returns the registry's severity for a rule id, checking
// patterns then pack rules. The registry is authoritative; scanner-declared
// severity is advisory only.
func (s *Snapshot) SeverityFor(ruleID string) (models.Severity, bool) {
	for _, p := range s.patterns {
		if p.RuleID == ruleID {
			return p.DefaultSeverity, true
		}
	}
	for _, r := range s.rules {
		if r.ID == ruleID {
			return r.Severity, true
		}
	}
	return "", false
}

// PenaltyMultiplierFor returns the rule pack's penalty multiplier for a rule
// id, or 1.0 when the id is not a pack rule.
func (s *Snapshot) PenaltyMultiplierFor(ruleID string) float64 {
	for _, r := range s.rules {
		if r.ID == ruleID && r.PenaltyMultiplier > 0 {
			return r.PenaltyMultiplier
		}
	}
	return defaultPenaltyMultiplier
}

// EvaluateRules runs every applicable rule pack predicate over the
// normalized scanner context.
func (s *Snapshot) EvaluateRules(scanType models.ScanType, ctx *RuleContext, regions []string) []RuleViolation {
	var violations []RuleViolation
	for _, r := range s.rules {
		if !r.appliesTo(scanType) {
			continue
		}
		if !regionApplies([]string{r.Region}, regions) {
			continue
		}
		if r.Predicate != nil && r.Predicate(ctx) {
			violations = append(violations, RuleViolation{
				RuleID:            r.ID,
				Region:            r.Region,
				Severity:          r.Severity,
				Category:          r.Category,
				GDPRArticles:      r.GDPRArticles,
				PenaltyMultiplier: r.PenaltyMultiplier,
				Description:       r.Description,
			})
		}
	}
	sort.Slice(violations, func(i, j int) bool { return violations[i].RuleID < violations[j].RuleID })
	return violations
}

// regionApplies reports whether an entry tagged with `tags` applies to the
// requested region set. Untagged entries always apply; an empty request set
// means "all regions". The EU tag covers every EU member region pack.
func regionApplies(tags, regions []string) bool {
	if len(tags) == 0 || len(regions) == 0 {
		return true
	}
	for _, t := range tags {
		for _, r := range regions {
			if t == r || t == "EU" {
				return true
			}
		}
	}
	return false
}

// Registry holds the current snapshot and swaps it atomically on reload.
type Registry struct {
	mu      sync.RWMutex
	current *Snapshot
	logger  *logger.Logger
}

// New builds a registry with the built-in pattern set and rule packs.
func New(log *logger.Logger) *Registry {
	return &Registry{
		current: &Snapshot{
			version:  1,
			patterns: builtinPatterns(),
			rules:    builtinRules(),
			weights:  defaultWeightTable(),
		},
		logger: log,
	}
}

// Snapshot returns the current immutable snapshot.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// PackFile is the serialized form of a loadable rule pack. Predicates are
// referenced by name; unknown names fail validation.
type PackFile struct {
	Patterns []PackPattern `json:"patterns"`
	Rules    []PackRule    `json:"rules"`
}

// PackPattern is one serialized PII pattern entry.
type PackPattern struct {
	Kind       string   `json:"pii_kind"`
	RuleID     string   `json:"rule_id"`
	Regex      string   `json:"regex"`
	Validator  string   `json:"validator,omitempty"`
	Confidence float64  `json:"confidence_base"`
	Severity   string   `json:"default_severity"`
	RegionTags []string `json:"region_tags,omitempty"`
}

// PackRule is one serialized region rule entry.
type PackRule struct {
	ID                string   `json:"rule_id"`
	Region            string   `json:"region"`
	AppliesTo         []string `json:"applies_to_scan_types"`
	Predicate         string   `json:"predicate"`
	Severity          string   `json:"severity"`
	Category          string   `json:"category,omitempty"`
	GDPRArticles      []string `json:"gdpr_article_refs,omitempty"`
	PenaltyMultiplier float64  `json:"penalty_multiplier,omitempty"`
	Description       string   `json:"description,omitempty"`
}

// Reload validates and atomically installs a new pack. A malformed pack
// returns a validation error and the previous snapshot stays in place;
// a reload never fails a scan.
func (r *Registry) Reload(pack *PackFile) error {
	next, err := r.compile(pack)
	if err != nil {
		return fmt.Errorf("rule pack validation failed: %w", err)
	}

	r.mu.Lock()
	next.version = r.current.version + 1
	r.current = next
	r.mu.Unlock()

	r.logger.Info("rule pack reloaded", "version", next.version,
		"patterns", len(next.patterns), "rules", len(next.rules))
	return nil
}

func (r *Registry) compile(pack *PackFile) (*Snapshot, error) {
	patterns := make([]PIIPattern, 0, len(pack.Patterns))
	for i, pp := range pack.Patterns {
		re, err := regexp.Compile(pp.Regex)
		if err != nil {
			return nil, fmt.Errorf("pattern %d (%s): %w", i, pp.Kind, err)
		}
		var validator Validator
		if pp.Validator != "" {
			v, ok := validators[pp.Validator]
			if !ok {
				return nil, fmt.Errorf("pattern %d (%s): unknown validator %q", i, pp.Kind, pp.Validator)
			}
			validator = v
		}
		sev, err := parseSeverity(pp.Severity)
		if err != nil {
			return nil, fmt.Errorf("pattern %d (%s): %w", i, pp.Kind, err)
		}
		patterns = append(patterns, PIIPattern{
			Kind:            pp.Kind,
			RuleID:          pp.RuleID,
			Matcher:         re,
			Validator:       validator,
			ConfidenceBase:  pp.Confidence,
			DefaultSeverity: sev,
			RegionTags:      pp.RegionTags,
		})
	}

	rules := make([]Rule, 0, len(pack.Rules))
	for i, pr := range pack.Rules {
		pred, ok := rulePredicates[pr.Predicate]
		if !ok {
			return nil, fmt.Errorf("rule %d (%s): unknown predicate %q", i, pr.ID, pr.Predicate)
		}
		sev, err := parseSeverity(pr.Severity)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, pr.ID, err)
		}
		appliesTo := make([]models.ScanType, 0, len(pr.AppliesTo))
		for _, ts := range pr.AppliesTo {
			t, ok := models.ParseScanType(ts)
			if !ok {
				return nil, fmt.Errorf("rule %d (%s): unknown scan type %q", i, pr.ID, ts)
			}
			appliesTo = append(appliesTo, t)
		}
		multiplier := pr.PenaltyMultiplier
		if multiplier == 0 {
			multiplier = defaultPenaltyMultiplier
		}
		category := pr.Category
		if category == "" {
			category = models.CategoryConsent
		}
		rules = append(rules, Rule{
			ID:                pr.ID,
			Region:            pr.Region,
			AppliesTo:         appliesTo,
			Severity:          sev,
			Category:          category,
			GDPRArticles:      pr.GDPRArticles,
			PenaltyMultiplier: multiplier,
			Description:       pr.Description,
			Predicate:         pred,
		})
	}

	return &Snapshot{
		patterns: patterns,
		rules:    rules,
		weights:  defaultWeightTable(),
	}, nil
}

func parseSeverity(s string) (models.Severity, error) {
	switch models.Severity(s) {
	case models.SeverityCritical, models.SeverityHigh, models.SeverityMedium,
		models.SeverityLow, models.SeverityInfo:
		return models.Severity(s), nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}
