package scanner

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/privyscan/privyscan/internal/detect"
	"github.com/privyscan/privyscan/internal/models"
	"github.com/privyscan/privyscan/internal/registry"
)

// maxCodeFileSize caps how much of a single source file is inspected.
const maxCodeFileSize = 5 * 1024 * 1024

// Directories that never contain first-party source worth scanning.
var skippedDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	"node_modules": true,
	"vendor":       true,
	"__pycache__":  true,
	".venv":        true,
	"dist":         true,
	"build":        true,
}

// Extensions treated as binary without sniffing.
var binaryExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".ico": true,
	".pdf": true, ".zip": true, ".gz": true, ".tar": true, ".jar": true,
	".exe": true, ".dll": true, ".so": true, ".dylib": true, ".class": true,
	".wasm": true, ".woff": true, ".woff2": true, ".ttf": true, ".mp4": true,
}

// CodeScanner walks a local source tree and runs the pattern matcher over
// every textual file. Hardcoded secrets, API keys and PII literals surface as
// findings located by file and byte offset.
type CodeScanner struct {
	deps Deps
	text *detect.TextScanner
}

func NewCodeScanner(deps Deps) *CodeScanner {
	return &CodeScanner{deps: deps, text: detect.NewTextScanner()}
}

func (s *CodeScanner) Type() models.ScanType { return models.ScanTypeCode }

// RetrySafe is false: local tree walks are deterministic, a failure repeats.
func (s *CodeScanner) RetrySafe() bool { return false }

func (s *CodeScanner) Run(ctx context.Context, req *models.ScanRequest, snap *registry.Snapshot, emit Emit) (*SummaryHints, error) {
	root := req.Target.Path
	if root == "" {
		return &SummaryHints{}, fmt.Errorf("code scan requires a target path")
	}

	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return &SummaryHints{}, fmt.Errorf("walking %s: %w", filepath.Base(root), err)
	}

	hints := &SummaryHints{Units: map[string]int{}}
	for i, path := range files {
		if err := ctx.Err(); err != nil {
			hints.Partial = true
			return hints, err
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = filepath.Base(path)
		}
		skipped, scanErr := s.scanFile(ctx, path, rel, req, snap, emit, hints)
		if scanErr != nil {
			if ctx.Err() != nil {
				hints.Partial = true
				return hints, scanErr
			}
			// Unreadable files degrade to diagnostics; the tree scan continues.
			if err := emitDiagnostic(emit, models.DiagWarning, fmt.Sprintf("skipped %s: %v", rel, scanErr)); err != nil {
				return hints, err
			}
			continue
		}
		if !skipped {
			hints.FilesScanned++
		}

		if (i+1)%25 == 0 || i == len(files)-1 {
			pct := (i + 1) * 100 / len(files)
			if err := emitProgress(emit, pct, fmt.Sprintf("%d/%d files", i+1, len(files))); err != nil {
				return hints, err
			}
		}
	}
	return hints, nil
}

// scanFile inspects one file; returns skipped=true for binaries and oversize
// files, which count as walked but not scanned.
func (s *CodeScanner) scanFile(ctx context.Context, path, rel string, req *models.ScanRequest, snap *registry.Snapshot, emit Emit, hints *SummaryHints) (bool, error) {
	if binaryExtensions[strings.ToLower(filepath.Ext(path))] {
		return true, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	if info.Size() > maxCodeFileSize {
		return true, emitDiagnostic(emit, models.DiagInfo, fmt.Sprintf("skipped %s: exceeds size cap", rel))
	}

	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	// Magic sniff: a NUL in the first block means binary content.
	head := make([]byte, 512)
	n, _ := f.Read(head)
	if bytes.IndexByte(head[:n], 0) >= 0 {
		return true, nil
	}
	if _, err := f.Seek(0, 0); err != nil {
		return false, err
	}

	res, err := s.text.ScanReader(ctx, f, snap, req.Options.Regions, func(offset int) string {
		return fmt.Sprintf("%s@%d", rel, offset)
	})
	if res != nil {
		hints.LinesAnalyzed += res.Lines
		for _, d := range res.Diagnostics {
			if derr := emitDiagnostic(emit, d.Level, rel+": "+d.Message); derr != nil {
				return false, derr
			}
		}
		if ferr := emitFindings(emit, stampOwnership(req.RequestID, res.Findings)); ferr != nil {
			return false, ferr
		}
	}
	return false, err
}
