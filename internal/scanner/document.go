package scanner

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/privyscan/privyscan/internal/detect"
	"github.com/privyscan/privyscan/internal/models"
	"github.com/privyscan/privyscan/internal/registry"
)

// maxDocumentSize caps how much of one blob is read into memory.
const maxDocumentSize = 32 * 1024 * 1024

// DocumentScanner fetches an uploaded blob and scans its extracted text.
// TXT and CSV are read directly; PDF and DOCX go through a best-effort
// printable-text extraction with a diagnostic noting the degraded fidelity.
type DocumentScanner struct {
	deps Deps
	text *detect.TextScanner
}

func NewDocumentScanner(deps Deps) *DocumentScanner {
	return &DocumentScanner{deps: deps, text: detect.NewTextScanner()}
}

func (s *DocumentScanner) Type() models.ScanType { return models.ScanTypeDocument }

// RetrySafe is true: the blob fetch is network I/O.
func (s *DocumentScanner) RetrySafe() bool { return true }

func (s *DocumentScanner) Run(ctx context.Context, req *models.ScanRequest, snap *registry.Snapshot, emit Emit) (*SummaryHints, error) {
	hints := &SummaryHints{Units: map[string]int{}}
	if req.Target.BlobHandle == "" {
		return hints, fmt.Errorf("document scan requires a blob handle")
	}

	rc, err := s.deps.Blobs.Fetch(ctx, req.Target.BlobHandle)
	if err != nil {
		return hints, fmt.Errorf("fetching document blob: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxDocumentSize))
	if err != nil {
		return hints, fmt.Errorf("reading document blob: %w", err)
	}
	if err := emitProgress(emit, 10, "document fetched"); err != nil {
		return hints, err
	}

	pages, diag := extractPages(req.Target.ContentType, data)
	if diag != "" {
		if err := emitDiagnostic(emit, models.DiagWarning, diag); err != nil {
			return hints, err
		}
	}

	hints.FilesScanned = 1
	for i, page := range pages {
		if err := ctx.Err(); err != nil {
			hints.Partial = true
			return hints, err
		}
		pageNo := i + 1
		res, scanErr := s.text.ScanString(ctx, page, snap, req.Options.Regions, func(offset int) string {
			return fmt.Sprintf("page=%d offset=%d", pageNo, offset)
		})
		if res != nil {
			hints.LinesAnalyzed += res.Lines
			for _, d := range res.Diagnostics {
				if derr := emitDiagnostic(emit, d.Level, d.Message); derr != nil {
					return hints, derr
				}
			}
			if ferr := emitFindings(emit, stampOwnership(req.RequestID, res.Findings)); ferr != nil {
				return hints, ferr
			}
		}
		if scanErr != nil {
			hints.Partial = true
			return hints, scanErr
		}
		hints.Units["pages_scanned"]++
		pct := 10 + (pageNo*90)/len(pages)
		if err := emitProgress(emit, pct, fmt.Sprintf("page %d/%d", pageNo, len(pages))); err != nil {
			return hints, err
		}
	}
	return hints, nil
}

// extractPages splits a document into per-page text units. Form feeds mark
// page boundaries in plain text; PDF and DOCX fall back to printable-run
// extraction, which loses layout but keeps the detectable content.
func extractPages(contentType string, data []byte) ([]string, string) {
	switch strings.ToLower(contentType) {
	case "txt", "text/plain", "csv", "text/csv", "":
		pages := strings.Split(string(data), "\f")
		if len(pages) == 0 {
			pages = []string{""}
		}
		return pages, ""
	case "pdf", "application/pdf":
		return []string{extractPrintable(data)},
			"pdf text layer extraction is best-effort, layout and pagination are lost"
	case "docx", "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return []string{extractPrintable(data)},
			"docx extraction is best-effort, scanning embedded text runs only"
	default:
		return []string{extractPrintable(data)},
			fmt.Sprintf("unknown content type %q, scanning printable text runs", contentType)
	}
}

// extractPrintable pulls runs of printable characters out of an opaque binary
// container. Runs shorter than four characters are noise and dropped.
func extractPrintable(data []byte) string {
	var b strings.Builder
	var run []byte
	flush := func() {
		if len(run) >= 4 {
			b.Write(run)
			b.WriteByte('\n')
		}
		run = run[:0]
	}
	for _, c := range data {
		if c >= 0x20 && c < 0x7f || c == '\t' {
			run = append(run, c)
		} else {
			flush()
		}
	}
	flush()
	return b.String()
}
