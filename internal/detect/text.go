package detect

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/privyscan/privyscan/internal/models"
	"github.com/privyscan/privyscan/internal/registry"
)

// TextScanner runs the registry pattern set over a chunked byte stream.
// Overlapping windows guarantee matches spanning chunk boundaries are found
// exactly once; dedup is by (absolute offset, rule_id).
type TextScanner struct {
	ChunkSize int
	Overlap   int
}

// NewTextScanner returns a scanner with the default chunk geometry.
func NewTextScanner() *TextScanner {
	return &TextScanner{ChunkSize: 64 * 1024, Overlap: 256}
}

// TextResult is the outcome of scanning one stream.
type TextResult struct {
	Findings    []models.Finding
	Diagnostics []models.Diagnostic
	Lines       int
	Bytes       int64
}

// LocationFunc renders a finding location from an absolute byte offset.
type LocationFunc func(offset int) string

// ScanReader streams r through the pattern matcher. Cancellation is observed
// between chunks.
func (t *TextScanner) ScanReader(ctx context.Context, r io.Reader, snap *registry.Snapshot, regions []string, loc LocationFunc) (*TextResult, error) {
	result := &TextResult{}
	seen := make(map[string]bool)

	buf := make([]byte, t.ChunkSize)
	var carry []byte // overlap tail from the previous chunk
	base := 0        // absolute offset of carry start

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		n, readErr := r.Read(buf)
		if n > 0 {
			chunk := append(carry, buf[:n]...)
			text, degraded := normalizeText(chunk)
			if degraded {
				result.Diagnostics = appendOnce(result.Diagnostics, models.Diagnostic{
					Level:   models.DiagWarning,
					Message: "non-UTF8 input, lossy text normalization applied",
				})
			}

			for _, m := range snap.Match(text, regions) {
				abs := base + m.Offset
				key := fmt.Sprintf("%d|%s", abs, m.RuleID)
				if seen[key] {
					continue
				}
				seen[key] = true
				result.Findings = append(result.Findings, models.Finding{
					Type:       "pii_match",
					Category:   categoryFor(m.Kind),
					Severity:   m.Severity,
					Location:   loc(abs),
					Excerpt:    MaskExcerpt(m.Text),
					Confidence: m.Confidence,
					RuleID:     m.RuleID,
					RegionTags: m.RegionTags,
					PIIKind:    m.Kind,
				})
			}

			result.Bytes += int64(n)
			result.Lines += bytes.Count(buf[:n], []byte{'\n'})

			// Keep the overlap tail so boundary-spanning matches are seen
			// again in the next window at the same absolute offset.
			if len(chunk) > t.Overlap {
				carry = append([]byte(nil), chunk[len(chunk)-t.Overlap:]...)
				base += len(chunk) - t.Overlap
			} else {
				carry = chunk
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return result, readErr
		}
	}
	if result.Bytes > 0 {
		result.Lines++ // final line without trailing newline
	}
	return result, nil
}

// ScanString is a convenience wrapper over ScanReader.
func (t *TextScanner) ScanString(ctx context.Context, s string, snap *registry.Snapshot, regions []string, loc LocationFunc) (*TextResult, error) {
	return t.ScanReader(ctx, strings.NewReader(s), snap, regions, loc)
}

func categoryFor(kind string) string {
	switch kind {
	case registry.PIIKindAPIKey, registry.PIIKindSecret:
		return models.CategorySecret
	}
	return models.CategoryPII
}

// normalizeText decodes a chunk to text with best-effort encoding handling.
// UTF-16 style interleaved NULs are stripped; invalid UTF-8 runes become
// replacement characters.
func normalizeText(b []byte) (string, bool) {
	degraded := false
	if bytes.IndexByte(b, 0) >= 0 {
		b = bytes.ReplaceAll(b, []byte{0}, nil)
		degraded = true
	}
	if utf8.Valid(b) {
		return string(b), degraded
	}
	return strings.ToValidUTF8(string(b), "�"), true
}

// MaskExcerpt keeps the shape of matched evidence while hiding most of it.
func MaskExcerpt(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	keep := 2
	if len(s) > 12 {
		keep = 4
	}
	return s[:keep] + strings.Repeat("*", len(s)-2*keep) + s[len(s)-keep:]
}

func appendOnce(diags []models.Diagnostic, d models.Diagnostic) []models.Diagnostic {
	for _, existing := range diags {
		if existing.Message == d.Message {
			return diags
		}
	}
	return append(diags, d)
}
