package detect

import (
	"math"
	"net/http"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/privyscan/privyscan/internal/models"
	"github.com/privyscan/privyscan/internal/registry"
)

// PageCapture is one fetched page handed to the DOM analyzer.
type PageCapture struct {
	URL             string
	HTML            string
	ResponseHeaders http.Header
	LoadedResources []string
	SetCookies      []string
}

// PageObservations are the DOM-level facts extracted from one capture. They
// feed the region rule engine through a RuleContext.
type PageObservations struct {
	ConsentBannerPresent bool
	RejectAllPresent     bool
	AcceptAllPresent     bool
	PreTickedMarketing   bool
	Trackers             []string
	GALoaded             bool
	GAAnonymized         bool
	GABeforeConsent      bool
	KvKPresent           bool
	ImprintPresent       bool
	PrivacyPolicyLinked  bool
	DeclaredCookies      int
	HeaderCookies        int
	Lines                int
	Findings             []models.Finding
}

// Tracker domains classified as marketing/analytics.
var trackerDomains = map[string]string{
	"google-analytics.com":    "google_analytics",
	"googletagmanager.com":    "google_analytics",
	"analytics.google.com":    "google_analytics",
	"doubleclick.net":         "doubleclick",
	"facebook.net":            "facebook_pixel",
	"connect.facebook.net":    "facebook_pixel",
	"hotjar.com":              "hotjar",
	"clarity.ms":              "ms_clarity",
	"matomo.cloud":            "matomo",
	"linkedin.com/px":         "linkedin_insight",
	"tiktok.com/i18n/pixel":   "tiktok_pixel",
	"ads.twitter.com":         "twitter_ads",
	"hs-scripts.com":          "hubspot",
	"snap.licdn.com":          "linkedin_insight",
	"stats.g.doubleclick.net": "doubleclick",
}

var (
	kvkPattern      = regexp.MustCompile(`(?i)\bkvk(?:[ .:-]?(?:nr|nummer|number))?\.?[ .:]*\d{8}\b`)
	rejectPattern   = regexp.MustCompile(`(?i)\b(reject all|decline all|refuse all|alles weigeren|weiger alles|alles afwijzen)\b`)
	acceptPattern   = regexp.MustCompile(`(?i)\b(accept all|allow all|alles accepteren|accepteer alles|alles toestaan)\b`)
	imprintPattern  = regexp.MustCompile(`(?i)\b(colofon|imprint|impressum)\b`)
	privacyPattern  = regexp.MustCompile(`(?i)\b(privacy[- ]?(policy|statement|verklaring|beleid))\b`)
	consentIDHint   = regexp.MustCompile(`(?i)(cookie|consent|cmp|gdpr|avg)`)
	cookieDeclHint  = regexp.MustCompile(`(?i)cookie.?(declaration|list|table|overzicht|overview)`)
	marketingHint   = regexp.MustCompile(`(?i)(marketing|newsletter|nieuwsbrief|advertis|promo)`)
	gaAnonymizeHint = regexp.MustCompile(`(?i)anonymize_?ip['"\s:=]+(true|1)`)
)

// AnalyzePage extracts consent, tracker, cookie and legal-notice observations
// from one page capture. Deterministic over the capture contents.
func AnalyzePage(capture *PageCapture) *PageObservations {
	obs := &PageObservations{
		Lines: strings.Count(capture.HTML, "\n") + 1,
	}

	doc, err := html.Parse(strings.NewReader(capture.HTML))
	if err == nil {
		walkDOM(doc, capture, obs)
	}

	// Raw-text passes catch tokens that sit outside parseable markup.
	if kvkPattern.MatchString(capture.HTML) {
		obs.KvKPresent = true
	}
	if rejectPattern.MatchString(capture.HTML) {
		obs.RejectAllPresent = true
	}
	if acceptPattern.MatchString(capture.HTML) {
		obs.AcceptAllPresent = true
	}
	if gaAnonymizeHint.MatchString(capture.HTML) {
		obs.GAAnonymized = true
	}

	// An accept/reject control is consent UI even when its container id and
	// class give no hint.
	if obs.AcceptAllPresent || obs.RejectAllPresent {
		obs.ConsentBannerPresent = true
	}

	collectResourceTrackers(capture, obs)

	obs.HeaderCookies = len(capture.SetCookies)
	if obs.HeaderCookies == 0 {
		obs.HeaderCookies = len(capture.ResponseHeaders.Values("Set-Cookie"))
	}

	obs.Findings = buildPageFindings(capture.URL, obs)
	return obs
}

// walkDOM visits every node once, accumulating consent/tracker/legal facts.
// GA ordering is positional: a GA script seen before any consent-manager
// script means analytics load without a consent signal.
func walkDOM(n *html.Node, capture *PageCapture, obs *PageObservations) {
	sawConsentScript := false

	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script":
				src := attr(n, "src")
				body := textOf(n)
				if isGoogleAnalytics(src) || strings.Contains(body, "gtag(") || strings.Contains(body, "ga(") && strings.Contains(body, "create") {
					obs.GALoaded = true
					addTracker(obs, "google_analytics")
					if !sawConsentScript {
						obs.GABeforeConsent = true
					}
				}
				if consentIDHint.MatchString(src) || consentIDHint.MatchString(attr(n, "id")) {
					sawConsentScript = true
				}
				if t := trackerFor(src); t != "" {
					addTracker(obs, t)
				}
			case "div", "section", "aside", "dialog":
				idClass := attr(n, "id") + " " + attr(n, "class")
				if consentIDHint.MatchString(idClass) {
					obs.ConsentBannerPresent = true
				}
			case "table":
				idClass := attr(n, "id") + " " + attr(n, "class")
				if cookieDeclHint.MatchString(idClass) {
					if rows := countDataRows(n); rows > obs.DeclaredCookies {
						obs.DeclaredCookies = rows
					}
				}
			case "input":
				if strings.EqualFold(attr(n, "type"), "checkbox") && hasAttr(n, "checked") {
					label := attr(n, "name") + " " + attr(n, "id") + " " + attr(n, "value")
					if marketingHint.MatchString(label) {
						obs.PreTickedMarketing = true
					}
				}
			case "button", "a":
				text := textOf(n)
				if rejectPattern.MatchString(text) {
					obs.RejectAllPresent = true
				}
				if acceptPattern.MatchString(text) {
					obs.AcceptAllPresent = true
				}
				if n.Data == "a" {
					href := attr(n, "href")
					if imprintPattern.MatchString(text) || imprintPattern.MatchString(href) {
						obs.ImprintPresent = true
					}
					if privacyPattern.MatchString(text) || privacyPattern.MatchString(href) {
						obs.PrivacyPolicyLinked = true
					}
				}
			case "img", "iframe":
				if t := trackerFor(attr(n, "src")); t != "" {
					addTracker(obs, t)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
}

// countDataRows counts table rows carrying data cells, skipping header rows.
func countDataRows(n *html.Node) int {
	count := 0
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.ElementNode && c.Data == "td" {
					count++
					break
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return count
}

func collectResourceTrackers(capture *PageCapture, obs *PageObservations) {
	for _, res := range capture.LoadedResources {
		if t := trackerFor(res); t != "" {
			addTracker(obs, t)
			if t == "google_analytics" {
				obs.GALoaded = true
			}
		}
	}
}

func isGoogleAnalytics(src string) bool {
	return strings.Contains(src, "google-analytics.com") || strings.Contains(src, "googletagmanager.com")
}

func trackerFor(src string) string {
	for domain, name := range trackerDomains {
		if strings.Contains(src, domain) {
			return name
		}
	}
	return ""
}

func addTracker(obs *PageObservations, name string) {
	for _, t := range obs.Trackers {
		if t == name {
			return
		}
	}
	obs.Trackers = append(obs.Trackers, name)
}

// buildPageFindings converts per-page observations into tracker findings.
// Consent/legal findings come from the rule engine, not from here, so the
// registry stays the single source of severities.
func buildPageFindings(url string, obs *PageObservations) []models.Finding {
	var findings []models.Finding
	for _, t := range obs.Trackers {
		findings = append(findings, models.Finding{
			Type:       "tracker_detected",
			Category:   models.CategoryTracker,
			Severity:   models.SeverityMedium,
			Location:   url,
			Excerpt:    t,
			Confidence: 0.9,
			RuleID:     "TRACKER_" + strings.ToUpper(t),
		})
	}
	return findings
}

// EstimateCookieCount estimates cookie usage from the detected tracker count
// when neither Set-Cookie headers nor declared cookies are available. The
// 0.7-per-tracker heuristic is deliberately isolated here so consumers can
// replace it.
func EstimateCookieCount(trackers int) int {
	if trackers <= 0 {
		return 0
	}
	est := int(math.Round(float64(trackers) * 0.7))
	if est < 2 {
		est = 2
	}
	if est > 20 {
		est = 20
	}
	return est
}

// CookieCount resolves the cookie count by priority: explicit Set-Cookie
// headers, then declared cookies, then the tracker estimate.
func CookieCount(obs *PageObservations) int {
	if obs.HeaderCookies > 0 {
		return obs.HeaderCookies
	}
	if obs.DeclaredCookies > 0 {
		return obs.DeclaredCookies
	}
	return EstimateCookieCount(len(obs.Trackers))
}

// MergeRuleContext folds page observations into a rule context. Flags are
// sticky across pages: a banner found on any page counts for the site.
func MergeRuleContext(ctx *registry.RuleContext, obs *PageObservations) {
	orFlag(ctx, registry.CtxConsentBannerPresent, obs.ConsentBannerPresent)
	orFlag(ctx, registry.CtxRejectAllPresent, obs.RejectAllPresent)
	orFlag(ctx, registry.CtxPreTickedMarketing, obs.PreTickedMarketing)
	orFlag(ctx, registry.CtxGABeforeConsent, obs.GABeforeConsent)
	orFlag(ctx, registry.CtxGAAnonymized, obs.GAAnonymized)
	orFlag(ctx, registry.CtxGALoaded, obs.GALoaded)
	orFlag(ctx, registry.CtxKvKPresent, obs.KvKPresent)
	orFlag(ctx, registry.CtxImprintPresent, obs.ImprintPresent)
	orFlag(ctx, registry.CtxPrivacyPolicyLinked, obs.PrivacyPolicyLinked)
	ctx.Counts[registry.CtxTrackersFound] += len(obs.Trackers)
}

func orFlag(ctx *registry.RuleContext, key string, v bool) {
	if v {
		ctx.Flags[key] = true
	}
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, name string) bool {
	for _, a := range n.Attr {
		if a.Key == name {
			return true
		}
	}
	return false
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return b.String()
}
