package models

import (
	"time"

	"github.com/google/uuid"
)

// ScanType identifies a scanner family. The set is closed; unknown types are
// rejected at submission, never deep in the pipeline.
type ScanType string

const (
	ScanTypeCode     ScanType = "code"
	ScanTypeDocument ScanType = "document"
	ScanTypeImage    ScanType = "image"
	ScanTypeDatabase ScanType = "database"
	ScanTypeAPI      ScanType = "api"
	ScanTypeWebsite  ScanType = "website"
	ScanTypeAIModel  ScanType = "ai_model"
	ScanTypeDPIA     ScanType = "dpia"
)

// AllScanTypes lists every scan type the core registers.
var AllScanTypes = []ScanType{
	ScanTypeCode, ScanTypeDocument, ScanTypeImage, ScanTypeDatabase,
	ScanTypeAPI, ScanTypeWebsite, ScanTypeAIModel, ScanTypeDPIA,
}

// ParseScanType validates a scan type string against the closed enum.
func ParseScanType(s string) (ScanType, bool) {
	for _, t := range AllScanTypes {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// ScanMode selects the database sampling budget.
type ScanMode string

const (
	ScanModeFast  ScanMode = "FAST"
	ScanModeSmart ScanMode = "SMART"
	ScanModeDeep  ScanMode = "DEEP"
)

// SampleBudget returns the per-table row budget for a scan mode.
func (m ScanMode) SampleBudget() int {
	switch m {
	case ScanModeDeep:
		return 500
	case ScanModeSmart:
		return 300
	default:
		return 100
	}
}

// JobState is the lifecycle state of a scan job. Terminal states are immutable.
type JobState string

const (
	JobStateQueued    JobState = "Queued"
	JobStateAdmitted  JobState = "Admitted"
	JobStateRunning   JobState = "Running"
	JobStateSucceeded JobState = "Succeeded"
	JobStateFailed    JobState = "Failed"
	JobStateCancelled JobState = "Cancelled"
	JobStateTimedOut  JobState = "TimedOut"
)

// Terminal reports whether the state is final.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateSucceeded, JobStateFailed, JobStateCancelled, JobStateTimedOut:
		return true
	}
	return false
}

// ScanTarget carries the scanner-specific target description. Credentials
// arrive as opaque secret handles, never as plaintext.
type ScanTarget struct {
	URL         string           `json:"url,omitempty"`          // website, api base
	Path        string           `json:"path,omitempty"`         // code tree, model artifact
	BlobHandle  string           `json:"blob_handle,omitempty"`  // document, image
	DSNHandle   string           `json:"dsn_handle,omitempty"`   // database (opaque secret handle)
	Endpoints   []string         `json:"endpoints,omitempty"`    // api probes
	SpecHandle  string           `json:"spec_handle,omitempty"`  // optional OpenAPI document
	DocText     string           `json:"doc_text,omitempty"`     // ai_model accompanying documentation
	Answers     map[string][]int `json:"answers,omitempty"`      // dpia questionnaire
	Region      string           `json:"region,omitempty"`       // target region for license gating
	ContentType string           `json:"content_type,omitempty"` // document hint (pdf, docx, txt, csv)
}

// ScanOptions are caller-supplied knobs applied on top of defaults.
type ScanOptions struct {
	Mode     ScanMode `json:"mode,omitempty"`
	MaxPages int      `json:"max_pages,omitempty"` // website link budget
	Regions  []string `json:"regions,omitempty"`   // rule regions to evaluate
}

// ScanRequest is an admission request for one scan job.
type ScanRequest struct {
	RequestID   uuid.UUID   `json:"request_id"`
	TenantID    uuid.UUID   `json:"tenant_id"`
	Principal   Principal   `json:"principal"`
	ScanType    ScanType    `json:"scan_type"`
	Target      ScanTarget  `json:"target"`
	Options     ScanOptions `json:"options"`
	SubmittedAt time.Time   `json:"submitted_at"`
	Deadline    *time.Time  `json:"deadline,omitempty"`
}

// ScanJob tracks the lifecycle of one admitted request. JobID equals the
// request ID of the submission that created it.
type ScanJob struct {
	ID              uuid.UUID  `json:"job_id"`
	TenantID        uuid.UUID  `json:"tenant_id"`
	ScanType        ScanType   `json:"scan_type"`
	State           JobState   `json:"state"`
	WorkerID        string     `json:"worker_id,omitempty"`
	SubmittedAt     time.Time  `json:"submitted_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	ProgressPct     int        `json:"progress_pct"`
	PartialFindings int        `json:"partial_findings_count"`
	CancelledBy     string     `json:"cancelled_by,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}
