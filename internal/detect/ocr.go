package detect

import (
	"context"
)

// OCREngine is an optional capability provided by a collaborator. When no
// engine is available the image scanner degrades gracefully instead of
// failing the job.
type OCREngine interface {
	// Available reports whether text extraction can be attempted.
	Available() bool
	// ExtractText recognizes text regions in an image.
	ExtractText(ctx context.Context, image []byte) (*OCRText, error)
}

// OCRText is the recognized content of one image.
type OCRText struct {
	Regions []OCRRegion
}

// OCRRegion is one recognized text block with its recognition confidence.
type OCRRegion struct {
	Text       string
	Confidence float64
}

// FullText joins all recognized regions.
func (t *OCRText) FullText() string {
	out := ""
	for i, r := range t.Regions {
		if i > 0 {
			out += "\n"
		}
		out += r.Text
	}
	return out
}

// UnavailableOCR is the no-engine placeholder.
type UnavailableOCR struct{}

func (UnavailableOCR) Available() bool { return false }

func (UnavailableOCR) ExtractText(ctx context.Context, image []byte) (*OCRText, error) {
	return &OCRText{}, nil
}
