package scanner

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/privyscan/privyscan/internal/detect"
	"github.com/privyscan/privyscan/internal/models"
	"github.com/privyscan/privyscan/internal/registry"
)

// defaultMaxPages bounds the crawl when the request does not set a budget.
const defaultMaxPages = 5

// maxPageBody caps how much HTML is read per page.
const maxPageBody = 2 * 1024 * 1024

// WebsiteScanner fetches the target page plus a bounded set of same-host
// links, runs each capture through the DOM analyzer and evaluates the region
// rule packs over the merged observations. Flags are sticky across pages: a
// consent banner found anywhere counts for the site.
type WebsiteScanner struct {
	deps Deps
	text *detect.TextScanner
}

func NewWebsiteScanner(deps Deps) *WebsiteScanner {
	return &WebsiteScanner{deps: deps, text: detect.NewTextScanner()}
}

func (s *WebsiteScanner) Type() models.ScanType { return models.ScanTypeWebsite }

// RetrySafe is true: fetch resets are transient.
func (s *WebsiteScanner) RetrySafe() bool { return true }

func (s *WebsiteScanner) Run(ctx context.Context, req *models.ScanRequest, snap *registry.Snapshot, emit Emit) (*SummaryHints, error) {
	hints := &SummaryHints{Units: map[string]int{}}
	if req.Target.URL == "" {
		return hints, fmt.Errorf("website scan requires a target url")
	}
	base, err := url.Parse(req.Target.URL)
	if err != nil {
		return hints, fmt.Errorf("parsing target url: %w", err)
	}

	maxPages := req.Options.MaxPages
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}

	client := s.deps.httpClient()
	limiter := s.deps.limiter()
	ruleCtx := registry.NewRuleContext(models.ScanTypeWebsite)

	queue := []string{base.String()}
	visited := map[string]bool{}
	trackers := map[string]bool{}
	cookies := &siteCookies{}

	for len(queue) > 0 && hints.Units["pages_scanned"] < maxPages {
		if err := ctx.Err(); err != nil {
			hints.Partial = true
			return s.finish(req, snap, ruleCtx, trackers, cookies, hints, emit, err)
		}

		pageURL := queue[0]
		queue = queue[1:]
		if visited[pageURL] {
			continue
		}
		visited[pageURL] = true

		if err := limiter.Wait(ctx); err != nil {
			hints.Partial = true
			return s.finish(req, snap, ruleCtx, trackers, cookies, hints, emit, err)
		}

		capture, err := s.fetch(ctx, client, pageURL)
		if err != nil {
			if ctx.Err() != nil {
				hints.Partial = true
				return s.finish(req, snap, ruleCtx, trackers, cookies, hints, emit, ctx.Err())
			}
			if derr := emitDiagnostic(emit, models.DiagWarning, fmt.Sprintf("fetch of %s failed: %v", pageURL, err)); derr != nil {
				return hints, derr
			}
			continue
		}

		obs := detect.AnalyzePage(capture)
		detect.MergeRuleContext(ruleCtx, obs)
		for _, t := range obs.Trackers {
			trackers[t] = true
		}
		cookies.header += obs.HeaderCookies
		if obs.DeclaredCookies > cookies.declared {
			cookies.declared = obs.DeclaredCookies
		}
		hints.LinesAnalyzed += obs.Lines
		hints.Units["pages_scanned"]++

		if err := emitFindings(emit, stampOwnership(req.RequestID, obs.Findings)); err != nil {
			return hints, err
		}

		// PII in visible page text (contact pages leak emails, BSNs).
		res, scanErr := s.text.ScanString(ctx, capture.HTML, snap, req.Options.Regions, func(offset int) string {
			return fmt.Sprintf("%s offset=%d", pageURL, offset)
		})
		if res != nil {
			if ferr := emitFindings(emit, stampOwnership(req.RequestID, res.Findings)); ferr != nil {
				return hints, ferr
			}
		}
		if scanErr != nil {
			hints.Partial = true
			return s.finish(req, snap, ruleCtx, trackers, cookies, hints, emit, scanErr)
		}

		for _, link := range sameHostLinks(base, capture.HTML) {
			if !visited[link] {
				queue = append(queue, link)
			}
		}

		pct := hints.Units["pages_scanned"] * 90 / maxPages
		if err := emitProgress(emit, pct, fmt.Sprintf("page %d/%d analyzed", hints.Units["pages_scanned"], maxPages)); err != nil {
			return hints, err
		}
	}
	return s.finish(req, snap, ruleCtx, trackers, cookies, hints, emit, nil)
}

// siteCookies accumulates cookie evidence across pages. Set-Cookie headers
// add up; a declaration table is site-wide, so the largest one wins.
type siteCookies struct {
	header   int
	declared int
}

// count resolves the site cookie count by priority: explicit Set-Cookie
// headers, then the declared cookie table, then the tracker estimate.
func (c *siteCookies) count(trackers int) int {
	if c.header > 0 {
		return c.header
	}
	if c.declared > 0 {
		return c.declared
	}
	return detect.EstimateCookieCount(trackers)
}

// finish evaluates the rule packs over whatever pages were captured and
// closes out the counters. Runs on the cancellation path too so a partial
// scan still carries its violations.
func (s *WebsiteScanner) finish(req *models.ScanRequest, snap *registry.Snapshot, ruleCtx *registry.RuleContext, trackers map[string]bool, cookies *siteCookies, hints *SummaryHints, emit Emit, runErr error) (*SummaryHints, error) {
	hints.Units["trackers_found"] = len(trackers)
	hints.Units["cookies_found"] = cookies.count(len(trackers))

	if hints.Units["pages_scanned"] > 0 {
		violations := snap.EvaluateRules(models.ScanTypeWebsite, ruleCtx, req.Options.Regions)
		hints.Violations = violations
		if err := emitFindings(emit, violationFindings(req.RequestID, req.Target.URL, violations)); err != nil && runErr == nil {
			runErr = err
		}
	}
	hints.FilesScanned = hints.Units["pages_scanned"]
	return hints, runErr
}

func (s *WebsiteScanner) fetch(ctx context.Context, client *http.Client, pageURL string) (*detect.PageCapture, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/html")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBody))
	if err != nil {
		return nil, err
	}
	return &detect.PageCapture{
		URL:             pageURL,
		HTML:            string(body),
		ResponseHeaders: resp.Header,
		SetCookies:      resp.Header.Values("Set-Cookie"),
	}, nil
}

// sameHostLinks extracts absolute same-host links from a page, skipping
// fragments and non-HTTP schemes.
func sameHostLinks(base *url.URL, pageHTML string) []string {
	doc, err := html.Parse(strings.NewReader(pageHTML))
	if err != nil {
		return nil
	}
	var links []string
	seen := map[string]bool{}
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, a := range n.Attr {
				if a.Key != "href" {
					continue
				}
				ref, err := url.Parse(strings.TrimSpace(a.Val))
				if err != nil {
					continue
				}
				abs := base.ResolveReference(ref)
				abs.Fragment = ""
				if (abs.Scheme == "http" || abs.Scheme == "https") && abs.Host == base.Host {
					link := abs.String()
					if !seen[link] {
						seen[link] = true
						links = append(links, link)
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(doc)
	return links
}
