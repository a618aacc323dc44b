package models

// Diagnostic levels.
const (
	DiagInfo    = "info"
	DiagWarning = "warning"
	DiagError   = "error"
)

// Diagnostic is a non-terminal problem report attached to a scan: skipped
// items, encoding fallbacks, OCR unavailable, recoverable fetch errors.
type Diagnostic struct {
	Level   string `json:"level"`
	Message string `json:"msg"`
}
