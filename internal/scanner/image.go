package scanner

import (
	"context"
	"fmt"
	"io"

	"github.com/privyscan/privyscan/internal/detect"
	"github.com/privyscan/privyscan/internal/models"
	"github.com/privyscan/privyscan/internal/registry"
)

// maxImageSize caps the image payload handed to the OCR engine.
const maxImageSize = 16 * 1024 * 1024

// ImageScanner extracts text from an uploaded image through the OCR
// collaborator and scans the recognized text. Without an OCR engine the scan
// completes empty with a diagnostic instead of failing.
type ImageScanner struct {
	deps Deps
	text *detect.TextScanner
}

func NewImageScanner(deps Deps) *ImageScanner {
	return &ImageScanner{deps: deps, text: detect.NewTextScanner()}
}

func (s *ImageScanner) Type() models.ScanType { return models.ScanTypeImage }

// RetrySafe is true: blob fetch and OCR calls are collaborator I/O.
func (s *ImageScanner) RetrySafe() bool { return true }

func (s *ImageScanner) Run(ctx context.Context, req *models.ScanRequest, snap *registry.Snapshot, emit Emit) (*SummaryHints, error) {
	hints := &SummaryHints{Units: map[string]int{}}
	if req.Target.BlobHandle == "" {
		return hints, fmt.Errorf("image scan requires a blob handle")
	}

	ocr := s.deps.OCR
	if ocr == nil {
		ocr = detect.UnavailableOCR{}
	}
	if !ocr.Available() {
		if err := emitDiagnostic(emit, models.DiagWarning, "OCR engine not available, image content not inspected"); err != nil {
			return hints, err
		}
		hints.FilesScanned = 1
		return hints, nil
	}

	rc, err := s.deps.Blobs.Fetch(ctx, req.Target.BlobHandle)
	if err != nil {
		return hints, fmt.Errorf("fetching image blob: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxImageSize))
	if err != nil {
		return hints, fmt.Errorf("reading image blob: %w", err)
	}
	if err := emitProgress(emit, 25, "image fetched"); err != nil {
		return hints, err
	}

	recognized, err := ocr.ExtractText(ctx, data)
	if err != nil {
		if ctx.Err() != nil {
			hints.Partial = true
			return hints, ctx.Err()
		}
		// OCR faults degrade the scan rather than fail it.
		if derr := emitDiagnostic(emit, models.DiagError, fmt.Sprintf("OCR extraction failed: %v", err)); derr != nil {
			return hints, derr
		}
		hints.FilesScanned = 1
		hints.Partial = true
		return hints, nil
	}
	if err := emitProgress(emit, 60, fmt.Sprintf("%d text regions recognized", len(recognized.Regions))); err != nil {
		return hints, err
	}

	res, scanErr := s.text.ScanString(ctx, recognized.FullText(), snap, req.Options.Regions, func(offset int) string {
		return fmt.Sprintf("image_text offset=%d", offset)
	})
	if res != nil {
		hints.LinesAnalyzed = res.Lines
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

	hints.FilesScanned = 1
	hints.Units["text_regions"] = len(recognized.Regions)
	return hints, nil
}
