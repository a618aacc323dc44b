package orchestrator

import (
	"context"

	"github.com/google/uuid"

	"github.com/privyscan/privyscan/internal/license"
	"github.com/privyscan/privyscan/internal/models"
)

// Store is the persistence surface the orchestrator drives. Every method is
// tenant-scoped; implementations must reject cross-tenant access.
type Store interface {
	// SaveJob inserts a new job record.
	SaveJob(ctx context.Context, job *models.ScanJob) error

	// UpdateJob persists a job state transition.
	UpdateJob(ctx context.Context, job *models.ScanJob) error

	// GetJob loads one job for a tenant.
	GetJob(ctx context.Context, tenantID, jobID uuid.UUID) (*models.ScanJob, error)

	// AppendFindings stores findings incrementally during a run. The write is
	// idempotent on finding ID so a replay never doubles a row.
	AppendFindings(ctx context.Context, tenantID, jobID uuid.UUID, findings []models.Finding) error

	// ListFindings returns every persisted finding for a job.
	ListFindings(ctx context.Context, tenantID, jobID uuid.UUID) ([]models.Finding, error)

	// CompleteJob writes the terminal job state, the canonical result and the
	// optional history point in one transaction.
	CompleteJob(ctx context.Context, job *models.ScanJob, result *models.ScanResult, point *models.ComplianceHistoryPoint) error

	// ListUnfinishedJobs returns jobs left in a non-terminal state, used by
	// startup recovery.
	ListUnfinishedJobs(ctx context.Context) ([]models.ScanJob, error)

	// AppendAudit records one audit event.
	AppendAudit(ctx context.Context, event models.AuditEvent) error
}

// Admitter gates submissions against licenses and quotas.
type Admitter interface {
	Admit(ctx context.Context, req *models.ScanRequest) (*license.Reservation, *license.Rejection, error)
	Commit(ctx context.Context, res *license.Reservation) error
	Release(ctx context.Context, res *license.Reservation) error
}

// Notifier is called after a job reaches a terminal state. Implementations
// must not block; delivery failures are their own concern.
type Notifier interface {
	JobFinished(job *models.ScanJob, result *models.ScanResult)
}
