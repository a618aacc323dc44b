package registry

import (
	"github.com/privyscan/privyscan/internal/models"
)

// RuleContext is the normalized scanner context rule predicates operate on.
// Scanners fill in the flags/counts their family produces; predicates read
// them without knowing which scanner ran.
type RuleContext struct {
	ScanType models.ScanType
	Flags    map[string]bool
	Counts   map[string]int
	Values   map[string]string
}

// NewRuleContext returns an empty context for a scan type.
func NewRuleContext(t models.ScanType) *RuleContext {
	return &RuleContext{
		ScanType: t,
		Flags:    make(map[string]bool),
		Counts:   make(map[string]int),
		Values:   make(map[string]string),
	}
}

// Context keys produced by the HTML/DOM analyzer and the AI model scanner.
const (
	CtxConsentBannerPresent = "consent_banner_present"
	CtxRejectAllPresent     = "reject_all_present"
	CtxPreTickedMarketing   = "pre_ticked_marketing"
	CtxGABeforeConsent      = "ga_before_consent"
	CtxGAAnonymized         = "ga_anonymized"
	CtxGALoaded             = "ga_loaded"
	CtxKvKPresent           = "kvk_present"
	CtxImprintPresent       = "imprint_present"
	CtxPrivacyPolicyLinked  = "privacy_policy_linked"
	CtxTrackersFound        = "trackers_found"
	CtxAuthHeaderChecked    = "auth_header_checked"
	CtxAuthHeaderPresent    = "auth_header_present"
	CtxRateLimitPresent     = "rate_limit_present"
	CtxAIProhibitedUse      = "ai_prohibited_use"
	CtxAIHighRiskUse        = "ai_high_risk_use"
	CtxAIGeneralPurpose     = "ai_general_purpose"
	CtxAIDocsPresent        = "ai_docs_present"
	CtxAIBiasEvalPresent    = "ai_bias_eval_present"
)

// Rule is one region rule pack entry.
type Rule struct {
	ID                string
	Region            string
	AppliesTo         []models.ScanType
	Severity          models.Severity
	Category          string
	GDPRArticles      []string
	PenaltyMultiplier float64
	Description       string
	Predicate         func(*RuleContext) bool
}

// RuleViolation is the result of a rule predicate firing.
type RuleViolation struct {
	RuleID            string
	Region            string
	Severity          models.Severity
	Category          string
	GDPRArticles      []string
	PenaltyMultiplier float64
	Description       string
}

func (r Rule) appliesTo(t models.ScanType) bool {
	for _, s := range r.AppliesTo {
		if s == t {
			return true
		}
	}
	return false
}

// defaultPenaltyMultiplier applies when a rule pack does not set one.
const defaultPenaltyMultiplier = 1.0

// nlPenaltyMultiplier is the Dutch UAVG uplift on NL-tagged rule penalties.
const nlPenaltyMultiplier = 1.2

// rulePredicates names the predicates a serialized rule pack may reference.
var rulePredicates = map[string]func(*RuleContext) bool{
	"missing_reject_all": func(c *RuleContext) bool {
		return c.Flags[CtxConsentBannerPresent] && !c.Flags[CtxRejectAllPresent]
	},
	"missing_consent_banner": func(c *RuleContext) bool {
		return c.Counts[CtxTrackersFound] > 0 && !c.Flags[CtxConsentBannerPresent]
	},
	"pre_ticked_marketing": func(c *RuleContext) bool {
		return c.Flags[CtxPreTickedMarketing]
	},
	"ga_before_consent": func(c *RuleContext) bool {
		return c.Flags[CtxGABeforeConsent]
	},
	"ga_not_anonymized": func(c *RuleContext) bool {
		return c.Flags[CtxGALoaded] && !c.Flags[CtxGAAnonymized]
	},
	"missing_imprint": func(c *RuleContext) bool {
		return !c.Flags[CtxImprintPresent]
	},
	"missing_kvk": func(c *RuleContext) bool {
		return !c.Flags[CtxKvKPresent]
	},
	"missing_privacy_policy": func(c *RuleContext) bool {
		return !c.Flags[CtxPrivacyPolicyLinked]
	},
	"missing_auth_header": func(c *RuleContext) bool {
		return c.Flags[CtxAuthHeaderChecked] && !c.Flags[CtxAuthHeaderPresent]
	},
	"missing_rate_limit": func(c *RuleContext) bool {
		return c.Flags[CtxAuthHeaderChecked] && !c.Flags[CtxRateLimitPresent]
	},
	"ai_prohibited": func(c *RuleContext) bool {
		return c.Flags[CtxAIProhibitedUse]
	},
	"ai_high_risk_undocumented": func(c *RuleContext) bool {
		return c.Flags[CtxAIHighRiskUse] && !c.Flags[CtxAIDocsPresent]
	},
	"ai_missing_bias_eval": func(c *RuleContext) bool {
		return c.Flags[CtxAIHighRiskUse] && !c.Flags[CtxAIBiasEvalPresent]
	},
	"ai_gpai_transparency": func(c *RuleContext) bool {
		return c.Flags[CtxAIGeneralPurpose] && !c.Flags[CtxAIDocsPresent]
	},
}

// builtinRules returns the default region rule packs (EU baseline plus the
// NL/UAVG pack). Unlisted regions evaluate the EU pack only.
func builtinRules() []Rule {
	website := []models.ScanType{models.ScanTypeWebsite}
	api := []models.ScanType{models.ScanTypeAPI}
	aimodel := []models.ScanType{models.ScanTypeAIModel}

	return []Rule{
		// --- NL (UAVG) ---
		{
			ID: "MISSING_REJECT_ALL", Category: models.CategoryConsent, Region: "NL", AppliesTo: website,
			Severity: models.SeverityCritical, GDPRArticles: []string{"Art. 7"},
			PenaltyMultiplier: nlPenaltyMultiplier,
			Description:       "Consent banner offers no 'Reject All' that is as easy as 'Accept All'",
			Predicate:         rulePredicates["missing_reject_all"],
		},
		{
			ID: "PRE_TICKED_MARKETING", Category: models.CategoryConsent, Region: "NL", AppliesTo: website,
			Severity: models.SeverityCritical, GDPRArticles: []string{"Art. 7", "Art. 4(11)"},
			PenaltyMultiplier: nlPenaltyMultiplier,
			Description:       "Marketing consent checkbox is pre-ticked",
			Predicate:         rulePredicates["pre_ticked_marketing"],
		},
		{
			ID: "GOOGLE_ANALYTICS_NL", Category: models.CategoryConsent, Region: "NL", AppliesTo: website,
			Severity: models.SeverityCritical, GDPRArticles: []string{"Art. 6"},
			PenaltyMultiplier: nlPenaltyMultiplier,
			Description:       "Google Analytics loads before a consent signal",
			Predicate:         rulePredicates["ga_before_consent"],
		},
		{
			ID: "GA_NOT_ANONYMIZED_NL", Category: models.CategoryTracker, Region: "NL", AppliesTo: website,
			Severity: models.SeverityHigh, GDPRArticles: []string{"Art. 5(1)(c)"},
			PenaltyMultiplier: nlPenaltyMultiplier,
			Description:       "Google Analytics runs without IP anonymization",
			Predicate:         rulePredicates["ga_not_anonymized"],
		},
		{
			ID: "MISSING_DUTCH_IMPRINT", Category: models.CategoryLegalNotice, Region: "NL", AppliesTo: website,
			Severity: models.SeverityMedium,
			PenaltyMultiplier: nlPenaltyMultiplier,
			Description:       "No colofon/imprint page linked",
			Predicate:         rulePredicates["missing_imprint"],
		},
		{
			ID: "MISSING_KVK_NUMBER", Category: models.CategoryLegalNotice, Region: "NL", AppliesTo: website,
			Severity: models.SeverityMedium,
			PenaltyMultiplier: nlPenaltyMultiplier,
			Description:       "No KvK number published on a commercial website",
			Predicate:         rulePredicates["missing_kvk"],
		},

		// --- EU baseline ---
		{
			ID: "MISSING_CONSENT_BANNER", Category: models.CategoryConsent, Region: "EU", AppliesTo: website,
			Severity: models.SeverityHigh, GDPRArticles: []string{"Art. 7"},
			PenaltyMultiplier: defaultPenaltyMultiplier,
			Description:       "Trackers present but no consent banner detected",
			Predicate:         rulePredicates["missing_consent_banner"],
		},
		{
			ID: "MISSING_PRIVACY_POLICY", Category: models.CategoryLegalNotice, Region: "EU", AppliesTo: website,
			Severity: models.SeverityHigh, GDPRArticles: []string{"Art. 13"},
			PenaltyMultiplier: defaultPenaltyMultiplier,
			Description:       "No privacy policy link found",
			Predicate:         rulePredicates["missing_privacy_policy"],
		},
		{
			ID: "API_NO_AUTH_HEADER", Category: models.CategorySecurity, Region: "EU", AppliesTo: api,
			Severity: models.SeverityHigh, GDPRArticles: []string{"Art. 32"},
			PenaltyMultiplier: defaultPenaltyMultiplier,
			Description:       "Endpoint serves data without an authentication header requirement",
			Predicate:         rulePredicates["missing_auth_header"],
		},
		{
			ID: "API_NO_RATE_LIMIT", Category: models.CategorySecurity, Region: "EU", AppliesTo: api,
			Severity: models.SeverityMedium, GDPRArticles: []string{"Art. 32"},
			PenaltyMultiplier: defaultPenaltyMultiplier,
			Description:       "Endpoint exposes no rate-limit headers",
			Predicate:         rulePredicates["missing_rate_limit"],
		},

		// --- EU AI Act ---
		{
			ID: "AI_PROHIBITED_PRACTICE", Category: models.CategoryAIRisk, Region: "EU", AppliesTo: aimodel,
			Severity: models.SeverityCritical,
			PenaltyMultiplier: defaultPenaltyMultiplier,
			Description:       "Declared use matches an EU AI Act prohibited practice",
			Predicate:         rulePredicates["ai_prohibited"],
		},
		{
			ID: "AI_HIGH_RISK_UNDOCUMENTED", Category: models.CategoryAIRisk, Region: "EU", AppliesTo: aimodel,
			Severity: models.SeverityHigh,
			PenaltyMultiplier: defaultPenaltyMultiplier,
			Description:       "High-risk system lacks technical documentation",
			Predicate:         rulePredicates["ai_high_risk_undocumented"],
		},
		{
			ID: "AI_MISSING_BIAS_EVAL", Category: models.CategoryAIRisk, Region: "EU", AppliesTo: aimodel,
			Severity: models.SeverityHigh,
			PenaltyMultiplier: defaultPenaltyMultiplier,
			Description:       "High-risk system declares no bias evaluation",
			Predicate:         rulePredicates["ai_missing_bias_eval"],
		},
		{
			ID: "AI_GPAI_TRANSPARENCY", Category: models.CategoryAIRisk, Region: "EU", AppliesTo: aimodel,
			Severity: models.SeverityMedium,
			PenaltyMultiplier: defaultPenaltyMultiplier,
			Description:       "General-purpose model lacks transparency documentation",
			Predicate:         rulePredicates["ai_gpai_transparency"],
		},
	}
}
