package registry

import (
	"regexp"

	"github.com/privyscan/privyscan/internal/models"
)

// PIIPattern is one entry of the ordered pattern set. The matcher is a
// deterministic recognizer over a text window; the optional validator is a
// checksum-style post-check.
type PIIPattern struct {
	Kind            string
	RuleID          string
	Matcher         *regexp.Regexp
	Validator       Validator
	ConfidenceBase  float64
	DefaultSeverity models.Severity
	RegionTags      []string
}

// validatorFailFactor degrades confidence when a match fails its validator.
const validatorFailFactor = 0.5

// PII kinds emitted by the built-in pattern set.
const (
	PIIKindEmail      = "email"
	PIIKindPhone      = "phone"
	PIIKindDutchBSN   = "dutch_bsn"
	PIIKindCreditCard = "credit_card"
	PIIKindIBAN       = "iban"
	PIIKindIPAddress  = "ip_address"
	PIIKindPostcodeNL = "dutch_postcode"
	PIIKindAPIKey     = "api_key"
	PIIKindSecret     = "secret"
	PIIKindDOB        = "date_of_birth"
)

// builtinPatterns returns the compiled default PII pattern set. Order matters:
// more specific recognizers run before generic ones so dedup keeps the
// strongest classification for an offset.
func builtinPatterns() []PIIPattern {
	return []PIIPattern{
		{
			Kind:            PIIKindDutchBSN,
			RuleID:          "PII_DUTCH_BSN",
			Matcher:         regexp.MustCompile(`\b\d{9}\b|\b\d{3}[ .-]\d{3}[ .-]\d{3}\b`),
			Validator:       ValidateBSN,
			ConfidenceBase:  0.95,
			DefaultSeverity: models.SeverityCritical,
			RegionTags:      []string{"NL"},
		},
		{
			Kind:            PIIKindCreditCard,
			RuleID:          "PII_CREDIT_CARD",
			Matcher:         regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`),
			Validator:       ValidateLuhn,
			ConfidenceBase:  0.9,
			DefaultSeverity: models.SeverityCritical,
		},
		{
			Kind:            PIIKindIBAN,
			RuleID:          "PII_IBAN",
			Matcher:         regexp.MustCompile(`\b[A-Z]{2}\d{2}[ ]?[A-Z0-9]{4}(?:[ ]?[0-9A-Z]{2,4}){2,6}\b`),
			Validator:       ValidateIBAN,
			ConfidenceBase:  0.9,
			DefaultSeverity: models.SeverityHigh,
			RegionTags:      []string{"EU"},
		},
		{
			Kind:            PIIKindEmail,
			RuleID:          "PII_EMAIL",
			Matcher:         regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
			ConfidenceBase:  0.9,
			DefaultSeverity: models.SeverityMedium,
		},
		{
			Kind:            PIIKindPhone,
			RuleID:          "PII_PHONE",
			Matcher:         regexp.MustCompile(`(?:\+31|0031|0)[ -]?[1-9](?:[ -]?\d){8}\b`),
			ConfidenceBase:  0.7,
			DefaultSeverity: models.SeverityMedium,
			RegionTags:      []string{"NL"},
		},
		{
			Kind:            PIIKindIPAddress,
			RuleID:          "PII_IP_ADDRESS",
			Matcher:         regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
			ConfidenceBase:  0.6,
			DefaultSeverity: models.SeverityLow,
		},
		{
			Kind:            PIIKindPostcodeNL,
			RuleID:          "PII_DUTCH_POSTCODE",
			Matcher:         regexp.MustCompile(`\b[1-9]\d{3}\s?[A-Z]{2}\b`),
			ConfidenceBase:  0.5,
			DefaultSeverity: models.SeverityLow,
			RegionTags:      []string{"NL"},
		},
		{
			Kind:            PIIKindDOB,
			RuleID:          "PII_DATE_OF_BIRTH",
			Matcher:         regexp.MustCompile(`\b(?:0[1-9]|[12]\d|3[01])[-/](?:0[1-9]|1[0-2])[-/](?:19|20)\d{2}\b`),
			ConfidenceBase:  0.5,
			DefaultSeverity: models.SeverityMedium,
		},
		{
			Kind:            PIIKindAPIKey,
			RuleID:          "SECRET_AWS_KEY",
			Matcher:         regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
			ConfidenceBase:  0.95,
			DefaultSeverity: models.SeverityCritical,
		},
		{
			Kind:            PIIKindSecret,
			RuleID:          "SECRET_ASSIGNMENT",
			Matcher:         regexp.MustCompile(`(?i)(?:api[_-]?key|secret|password|token)\s*[:=]\s*['"][^'"\s]{8,}['"]`),
			ConfidenceBase:  0.8,
			DefaultSeverity: models.SeverityHigh,
		},
	}
}

// RawMatch is one deterministic pattern hit inside a text window.
type RawMatch struct {
	Kind       string
	RuleID     string
	Offset     int
	Length     int
	Text       string
	Confidence float64
	Severity   models.Severity
	RegionTags []string
	Validated  bool
}
