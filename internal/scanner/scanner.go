package scanner

import (
	"context"
	"database/sql"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/privyscan/privyscan/internal/detect"
	"github.com/privyscan/privyscan/internal/logger"
	"github.com/privyscan/privyscan/internal/models"
	"github.com/privyscan/privyscan/internal/registry"
)

// EventKind classifies one stream event.
type EventKind string

const (
	EventProgress   EventKind = "progress"
	EventFinding    EventKind = "finding"
	EventDiagnostic EventKind = "diagnostic"
	EventTerminal   EventKind = "terminal"
)

// Event is one entry in a job's event stream. Scanners emit progress, finding
// and diagnostic events; the terminal event is appended by the orchestrator.
type Event struct {
	Kind          EventKind          `json:"kind"`
	ProgressPct   int                `json:"progress_pct,omitempty"`
	Note          string             `json:"note,omitempty"`
	Finding       *models.Finding    `json:"finding,omitempty"`
	Diagnostic    *models.Diagnostic `json:"diagnostic,omitempty"`
	TerminalState models.JobState    `json:"terminal_state,omitempty"`
}

// Emit delivers one event to the orchestrator. The call itself observes
// cancellation: a non-nil return means the job is being torn down and the
// scanner must stop.
type Emit func(Event) error

// SummaryHints are the scanner-vocabulary counters a run produces. The
// aggregator maps them onto the unified result contract; scanners never build
// a ScanResult themselves.
type SummaryHints struct {
	FilesScanned  int
	LinesAnalyzed int
	Units         map[string]int
	ScanMode      models.ScanMode
	Violations    []registry.RuleViolation
	DPIA          *models.DPIAResult
	Partial       bool
}

// Scanner is the contract every scan family implements. Implementations are
// stateless across invocations; all per-run state lives in ctx, the request
// and the registry snapshot captured at admission.
type Scanner interface {
	// Type returns the scan type this implementation serves.
	Type() models.ScanType

	// RetrySafe reports whether the orchestrator may retry this scanner
	// after a transient infrastructure error. Deterministic local scanners
	// return false.
	RetrySafe() bool

	// Run executes one scan. Recoverable problems become diagnostics and
	// the run continues; only unrecoverable conditions return an error.
	// Hints are returned even on error so partial work is preserved.
	Run(ctx context.Context, req *models.ScanRequest, snap *registry.Snapshot, emit Emit) (*SummaryHints, error)
}

// BlobFetcher retrieves uploaded content by opaque handle.
type BlobFetcher interface {
	Fetch(ctx context.Context, handle string) (io.ReadCloser, error)
}

// SecretResolver turns an opaque secret handle into plaintext. The plaintext
// never reaches logs or storage.
type SecretResolver interface {
	Resolve(ctx context.Context, handle string) (string, error)
}

// Deps are the collaborator adapters shared by all scanners.
type Deps struct {
	Blobs        BlobFetcher
	Secrets      SecretResolver
	OCR          detect.OCREngine
	HTTPClient   *http.Client
	FetchLimiter *rate.Limiter
	Logger       *logger.Logger

	// OpenDB is injectable for tests; nil means sql.Open.
	OpenDB         func(driverName, dsn string) (*sql.DB, error)
	DBQueryTimeout time.Duration
}

func (d *Deps) httpClient() *http.Client {
	if d.HTTPClient != nil {
		return d.HTTPClient
	}
	return &http.Client{Timeout: 20 * time.Second}
}

func (d *Deps) limiter() *rate.Limiter {
	if d.FetchLimiter != nil {
		return d.FetchLimiter
	}
	return rate.NewLimiter(rate.Limit(4), 4)
}

func (d *Deps) openDB(driverName, dsn string) (*sql.DB, error) {
	if d.OpenDB != nil {
		return d.OpenDB(driverName, dsn)
	}
	return sql.Open(driverName, dsn)
}

func (d *Deps) queryTimeout() time.Duration {
	if d.DBQueryTimeout > 0 {
		return d.DBQueryTimeout
	}
	return 30 * time.Second
}

func (d *Deps) log() *logger.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return logger.NewLogger("SCANNER")
}

// Registry holds the closed set of scanner implementations, constructed once
// at startup. Unknown scan types are rejected at submission.
type Registry struct {
	scanners map[models.ScanType]Scanner
}

// NewRegistry wires every scanner family with the shared collaborators.
func NewRegistry(deps Deps) *Registry {
	r := &Registry{scanners: make(map[models.ScanType]Scanner)}
	for _, s := range []Scanner{
		NewCodeScanner(deps),
		NewDocumentScanner(deps),
		NewImageScanner(deps),
		NewDatabaseScanner(deps),
		NewAPIScanner(deps),
		NewWebsiteScanner(deps),
		NewAIModelScanner(deps),
		NewDPIAScanner(deps),
	} {
		r.scanners[s.Type()] = s
	}
	return r
}

// NewRegistryOf builds a registry from explicit implementations.
func NewRegistryOf(scanners ...Scanner) *Registry {
	r := &Registry{scanners: make(map[models.ScanType]Scanner)}
	for _, s := range scanners {
		r.scanners[s.Type()] = s
	}
	return r
}

// Get returns the implementation for a scan type.
func (r *Registry) Get(t models.ScanType) (Scanner, bool) {
	s, ok := r.scanners[t]
	return s, ok
}

// emitProgress sends a progress event.
func emitProgress(emit Emit, pct int, note string) error {
	return emit(Event{Kind: EventProgress, ProgressPct: pct, Note: note})
}

// emitDiagnostic attaches a non-terminal diagnostic to the stream.
func emitDiagnostic(emit Emit, level, msg string) error {
	return emit(Event{Kind: EventDiagnostic, Diagnostic: &models.Diagnostic{Level: level, Message: msg}})
}

// emitFindings sends findings one at a time so cancellation is observed
// between emissions.
func emitFindings(emit Emit, findings []models.Finding) error {
	for i := range findings {
		f := findings[i]
		if err := emit(Event{Kind: EventFinding, Finding: &f}); err != nil {
			return err
		}
	}
	return nil
}

// violationFindings converts rule-pack violations into findings anchored at
// the scan target.
func violationFindings(jobID uuid.UUID, location string, violations []registry.RuleViolation) []models.Finding {
	findings := make([]models.Finding, 0, len(violations))
	for _, v := range violations {
		findings = append(findings, models.Finding{
			ID:         uuid.New(),
			JobID:      jobID,
			Type:       "gdpr_violation",
			Category:   v.Category,
			Severity:   v.Severity,
			Location:   location,
			Excerpt:    v.Description,
			Confidence: 1.0,
			RuleID:     v.RuleID,
			RegionTags: []string{v.Region},
		})
	}
	return findings
}

// stampOwnership fills in finding identity for detector output, which carries
// content fields only.
func stampOwnership(jobID uuid.UUID, findings []models.Finding) []models.Finding {
	for i := range findings {
		if findings[i].ID == uuid.Nil {
			findings[i].ID = uuid.New()
		}
		findings[i].JobID = jobID
	}
	return findings
}
