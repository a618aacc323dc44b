package detect

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privyscan/privyscan/internal/logger"
	"github.com/privyscan/privyscan/internal/registry"
)

func testSnapshot() *registry.Snapshot {
	return registry.New(logger.NewLogger("TEST")).Snapshot()
}

func offsetLoc(offset int) string { return fmt.Sprintf("offset=%d", offset) }

func TestScanString_MasksExcerpts(t *testing.T) {
	ts := NewTextScanner()
	res, err := ts.ScanString(context.Background(), "contact: jan.devries@example.nl", testSnapshot(), nil, offsetLoc)
	require.NoError(t, err)
	require.Len(t, res.Findings, 1)

	f := res.Findings[0]
	assert.Equal(t, "PII_EMAIL", f.RuleID)
	assert.NotContains(t, f.Excerpt, "jan.devries", "excerpt never carries the raw value")
	assert.Contains(t, f.Excerpt, "*")
	assert.Equal(t, "offset=9", f.Location)
}

func TestScanReader_ChunkBoundarySeenOnce(t *testing.T) {
	// A tiny chunk forces the email to straddle the chunk boundary; the
	// overlap window must find it exactly once.
	ts := &TextScanner{ChunkSize: 16, Overlap: 8}
	text := "padpadpad jan@example.nl padpadpad"

	res, err := ts.ScanReader(context.Background(), strings.NewReader(text), testSnapshot(), nil, offsetLoc)
	require.NoError(t, err)

	var emails int
	for _, f := range res.Findings {
		if f.RuleID == "PII_EMAIL" {
			emails++
		}
	}
	assert.Equal(t, 1, emails)
	assert.Equal(t, int64(len(text)), res.Bytes)
}

func TestScanReader_NonUTF8Diagnosed(t *testing.T) {
	ts := NewTextScanner()
	res, err := ts.ScanReader(context.Background(), strings.NewReader("a\x00b\x00c"), testSnapshot(), nil, offsetLoc)
	require.NoError(t, err)
	require.Len(t, res.Diagnostics, 1)
	assert.Contains(t, res.Diagnostics[0].Message, "normalization")
}

func TestMaskExcerpt(t *testing.T) {
	assert.Equal(t, "****", MaskExcerpt("abcd"))
	assert.Equal(t, "ab***fg", MaskExcerpt("abcdefg"))
	masked := MaskExcerpt("jan.devries@example.nl")
	assert.Equal(t, "jan.", masked[:4])
	assert.NotContains(t, masked, "devries")
}

func TestAnalyzePage_ConsentAndTrackers(t *testing.T) {
	page := `<html><body>
		<div id="cookie-consent-banner">
			<button>Alles weigeren</button>
			<button>Accept All</button>
		</div>
		<script src="https://www.googletagmanager.com/gtag/js"></script>
		<a href="/privacy-policy">Privacy Policy</a>
		<a href="/colofon">Colofon</a>
		<p>KvK nummer 12345678</p>
	</body></html>`

	obs := AnalyzePage(&PageCapture{URL: "https://example.nl", HTML: page, ResponseHeaders: http.Header{}})

	assert.True(t, obs.ConsentBannerPresent)
	assert.True(t, obs.RejectAllPresent)
	assert.True(t, obs.AcceptAllPresent)
	assert.True(t, obs.PrivacyPolicyLinked)
	assert.True(t, obs.ImprintPresent)
	assert.True(t, obs.KvKPresent)
	assert.True(t, obs.GALoaded)
	assert.Contains(t, obs.Trackers, "google_analytics")
	require.Len(t, obs.Findings, 1)
	assert.Equal(t, "TRACKER_GOOGLE_ANALYTICS", obs.Findings[0].RuleID)
}

func TestAnalyzePage_PreTickedMarketingCheckbox(t *testing.T) {
	page := `<html><body>
		<form><input type="checkbox" name="newsletter-optin" checked></form>
	</body></html>`

	obs := AnalyzePage(&PageCapture{URL: "https://example.nl", HTML: page, ResponseHeaders: http.Header{}})
	assert.True(t, obs.PreTickedMarketing)
}

func TestAnalyzePage_UnhintedBannerCountsAsConsent(t *testing.T) {
	// The container id gives no consent hint; the accept control alone is
	// the evidence.
	page := `<html><body>
		<div id="banner">
			<button>Accept All</button>
		</div>
	</body></html>`

	obs := AnalyzePage(&PageCapture{URL: "https://example.nl", HTML: page, ResponseHeaders: http.Header{}})
	assert.True(t, obs.AcceptAllPresent)
	assert.False(t, obs.RejectAllPresent)
	assert.True(t, obs.ConsentBannerPresent)

	ctx := registry.NewRuleContext("website")
	MergeRuleContext(ctx, obs)
	violations := testSnapshot().EvaluateRules("website", ctx, []string{"NL"})

	var ids []string
	for _, v := range violations {
		ids = append(ids, v.RuleID)
	}
	assert.Contains(t, ids, "MISSING_REJECT_ALL", "accept-only banner must surface the missing reject control")
}

func TestAnalyzePage_DeclaredCookieTable(t *testing.T) {
	page := `<html><body>
		<table id="CookieDeclaration">
			<tr><th>Name</th><th>Purpose</th></tr>
			<tr><td>_ga</td><td>analytics</td></tr>
			<tr><td>_gid</td><td>analytics</td></tr>
			<tr><td>sess</td><td>session</td></tr>
		</table>
	</body></html>`

	obs := AnalyzePage(&PageCapture{URL: "https://example.nl", HTML: page, ResponseHeaders: http.Header{}})
	assert.Equal(t, 3, obs.DeclaredCookies, "header rows are not cookies")
	assert.Equal(t, 3, CookieCount(obs))
}

func TestCookieCount_Priority(t *testing.T) {
	assert.Equal(t, 3, CookieCount(&PageObservations{HeaderCookies: 3, DeclaredCookies: 9}))
	assert.Equal(t, 9, CookieCount(&PageObservations{DeclaredCookies: 9}))
	assert.Equal(t, 2, CookieCount(&PageObservations{Trackers: []string{"hotjar"}}), "estimate floors at 2")
	assert.Equal(t, 0, CookieCount(&PageObservations{}))
}

func TestEstimateCookieCount_Bounds(t *testing.T) {
	assert.Equal(t, 0, EstimateCookieCount(0))
	assert.Equal(t, 2, EstimateCookieCount(1))
	assert.Equal(t, 7, EstimateCookieCount(10))
	assert.Equal(t, 20, EstimateCookieCount(100), "estimate caps at 20")
}

func TestMergeRuleContext_FlagsAreSticky(t *testing.T) {
	ctx := registry.NewRuleContext("website")
	MergeRuleContext(ctx, &PageObservations{ConsentBannerPresent: true, Trackers: []string{"hotjar"}})
	MergeRuleContext(ctx, &PageObservations{ConsentBannerPresent: false, Trackers: []string{"doubleclick"}})

	assert.True(t, ctx.Flags[registry.CtxConsentBannerPresent], "a banner on any page counts for the site")
	assert.Equal(t, 2, ctx.Counts[registry.CtxTrackersFound])
}
