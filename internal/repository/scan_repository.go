package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/privyscan/privyscan/internal/models"
)

// ScanRepository persists jobs, findings and results. Every query filters on
// tenant_id; a job ID from another tenant behaves exactly like a missing row.
type ScanRepository struct {
	db *sql.DB
}

func NewScanRepository(db *sql.DB) *ScanRepository {
	return &ScanRepository{db: db}
}

// SaveJob inserts a new job record.
func (r *ScanRepository) SaveJob(ctx context.Context, job *models.ScanJob) error {
	query := `
		INSERT INTO scan_jobs (
			job_id, tenant_id, scan_type, state, worker_id,
			submitted_at, started_at, finished_at, progress_pct,
			partial_findings, cancelled_by, error_message, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := r.db.ExecContext(ctx, query,
		job.ID, job.TenantID, job.ScanType, job.State, nullStr(job.WorkerID),
		job.SubmittedAt, job.StartedAt, job.FinishedAt, job.ProgressPct,
		job.PartialFindings, nullStr(job.CancelledBy), nullStr(job.ErrorMessage),
		job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}
	return nil
}

// UpdateJob persists a job state transition.
func (r *ScanRepository) UpdateJob(ctx context.Context, job *models.ScanJob) error {
	query := `
		UPDATE scan_jobs SET
			state = $3, worker_id = $4, started_at = $5, finished_at = $6,
			progress_pct = $7, partial_findings = $8, cancelled_by = $9,
			error_message = $10, updated_at = $11
		WHERE tenant_id = $1 AND job_id = $2`

	_, err := r.db.ExecContext(ctx, query,
		job.TenantID, job.ID, job.State, nullStr(job.WorkerID),
		job.StartedAt, job.FinishedAt, job.ProgressPct, job.PartialFindings,
		nullStr(job.CancelledBy), nullStr(job.ErrorMessage), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("updating job: %w", err)
	}
	return nil
}

// GetJob loads one job. A missing row or a tenant mismatch both return nil.
func (r *ScanRepository) GetJob(ctx context.Context, tenantID, jobID uuid.UUID) (*models.ScanJob, error) {
	query := `
		SELECT job_id, tenant_id, scan_type, state, worker_id,
			   submitted_at, started_at, finished_at, progress_pct,
			   partial_findings, cancelled_by, error_message, created_at, updated_at
		FROM scan_jobs
		WHERE tenant_id = $1 AND job_id = $2`

	job, err := scanJob(r.db.QueryRowContext(ctx, query, tenantID, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading job: %w", err)
	}
	return job, nil
}

// ListJobs returns a tenant's jobs, newest first.
func (r *ScanRepository) ListJobs(ctx context.Context, tenantID uuid.UUID, limit int) ([]models.ScanJob, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT job_id, tenant_id, scan_type, state, worker_id,
			   submitted_at, started_at, finished_at, progress_pct,
			   partial_findings, cancelled_by, error_message, created_at, updated_at
		FROM scan_jobs
		WHERE tenant_id = $1
		ORDER BY submitted_at DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.ScanJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// ListUnfinishedJobs returns jobs left in a non-terminal state across all
// tenants, for startup recovery.
func (r *ScanRepository) ListUnfinishedJobs(ctx context.Context) ([]models.ScanJob, error) {
	query := `
		SELECT job_id, tenant_id, scan_type, state, worker_id,
			   submitted_at, started_at, finished_at, progress_pct,
			   partial_findings, cancelled_by, error_message, created_at, updated_at
		FROM scan_jobs
		WHERE state IN ('Queued', 'Admitted', 'Running')
		ORDER BY submitted_at`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing unfinished jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.ScanJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// AppendFindings stores findings as they arrive. ON CONFLICT DO NOTHING on
// the finding ID makes replays harmless.
func (r *ScanRepository) AppendFindings(ctx context.Context, tenantID, jobID uuid.UUID, findings []models.Finding) error {
	if len(findings) == 0 {
		return nil
	}
	query := `
		INSERT INTO findings (
			finding_id, tenant_id, job_id, type, category, severity,
			location, excerpt, confidence, rule_id, region_tags, pii_kind
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (finding_id) DO NOTHING`

	for _, f := range findings {
		_, err := r.db.ExecContext(ctx, query,
			f.ID, tenantID, jobID, f.Type, f.Category, f.Severity,
			f.Location, f.Excerpt, f.Confidence, nullStr(f.RuleID),
			pq.Array(f.RegionTags), nullStr(f.PIIKind),
		)
		if err != nil {
			return fmt.Errorf("inserting finding: %w", err)
		}
	}
	return nil
}

// ListFindings returns every finding of a job in insertion order.
func (r *ScanRepository) ListFindings(ctx context.Context, tenantID, jobID uuid.UUID) ([]models.Finding, error) {
	query := `
		SELECT finding_id, job_id, type, category, severity, location,
			   excerpt, confidence, rule_id, region_tags, pii_kind
		FROM findings
		WHERE tenant_id = $1 AND job_id = $2
		ORDER BY created_at, finding_id`

	rows, err := r.db.QueryContext(ctx, query, tenantID, jobID)
	if err != nil {
		return nil, fmt.Errorf("listing findings: %w", err)
	}
	defer rows.Close()

	var findings []models.Finding
	for rows.Next() {
		var f models.Finding
		var excerpt, ruleID, piiKind sql.NullString
		var tags pq.StringArray
		if err := rows.Scan(&f.ID, &f.JobID, &f.Type, &f.Category, &f.Severity,
			&f.Location, &excerpt, &f.Confidence, &ruleID, &tags, &piiKind); err != nil {
			return nil, fmt.Errorf("scanning finding: %w", err)
		}
		f.Excerpt = excerpt.String
		f.RuleID = ruleID.String
		f.PIIKind = piiKind.String
		f.RegionTags = tags
		findings = append(findings, f)
	}
	return findings, rows.Err()
}

// CompleteJob writes the terminal transition, the canonical result document
// and the optional history point in a single transaction.
func (r *ScanRepository) CompleteJob(ctx context.Context, job *models.ScanJob, result *models.ScanResult, point *models.ComplianceHistoryPoint) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	updateQuery := `
		UPDATE scan_jobs SET
			state = $3, worker_id = $4, started_at = $5, finished_at = $6,
			progress_pct = $7, partial_findings = $8, cancelled_by = $9,
			error_message = $10, updated_at = $11
		WHERE tenant_id = $1 AND job_id = $2`
	if _, err := tx.ExecContext(ctx, updateQuery,
		job.TenantID, job.ID, job.State, nullStr(job.WorkerID),
		job.StartedAt, job.FinishedAt, job.ProgressPct, job.PartialFindings,
		nullStr(job.CancelledBy), nullStr(job.ErrorMessage), time.Now(),
	); err != nil {
		return fmt.Errorf("updating job: %w", err)
	}

	doc, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	resultQuery := `
		INSERT INTO scan_results (job_id, tenant_id, scan_type, state, partial, compliance_score, completed_at, document)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (job_id) DO UPDATE SET
			state = EXCLUDED.state, partial = EXCLUDED.partial,
			compliance_score = EXCLUDED.compliance_score,
			completed_at = EXCLUDED.completed_at, document = EXCLUDED.document`
	if _, err := tx.ExecContext(ctx, resultQuery,
		result.JobID, result.TenantID, result.ScanType, result.State,
		result.Partial, result.ComplianceScore, result.CompletedAt, doc,
	); err != nil {
		return fmt.Errorf("upserting result: %w", err)
	}

	if point != nil {
		scores, err := json.Marshal(point.ComponentScores)
		if err != nil {
			return fmt.Errorf("encoding component scores: %w", err)
		}
		historyQuery := `
			INSERT INTO compliance_history (tenant_id, at, overall_score, component_scores, source_job_id)
			VALUES ($1, $2, $3, $4, $5)`
		if _, err := tx.ExecContext(ctx, historyQuery,
			point.TenantID, point.At, point.OverallScore, scores, point.SourceJobID,
		); err != nil {
			return fmt.Errorf("inserting history point: %w", err)
		}
	}

	return tx.Commit()
}

// GetResult loads a job's canonical result document.
func (r *ScanRepository) GetResult(ctx context.Context, tenantID, jobID uuid.UUID) (*models.ScanResult, error) {
	query := `SELECT document FROM scan_results WHERE tenant_id = $1 AND job_id = $2`

	var doc []byte
	err := r.db.QueryRowContext(ctx, query, tenantID, jobID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading result: %w", err)
	}

	var result models.ScanResult
	if err := json.Unmarshal(doc, &result); err != nil {
		return nil, fmt.Errorf("decoding result: %w", err)
	}
	return &result, nil
}

// History returns a tenant's compliance points since a cutoff, oldest first.
func (r *ScanRepository) History(ctx context.Context, tenantID uuid.UUID, since time.Time) ([]models.ComplianceHistoryPoint, error) {
	query := `
		SELECT tenant_id, at, overall_score, component_scores, source_job_id
		FROM compliance_history
		WHERE tenant_id = $1 AND at >= $2
		ORDER BY at`

	rows, err := r.db.QueryContext(ctx, query, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}
	defer rows.Close()

	var points []models.ComplianceHistoryPoint
	for rows.Next() {
		var p models.ComplianceHistoryPoint
		var scores []byte
		var sourceJobID uuid.NullUUID
		if err := rows.Scan(&p.TenantID, &p.At, &p.OverallScore, &scores, &sourceJobID); err != nil {
			return nil, fmt.Errorf("scanning history point: %w", err)
		}
		if len(scores) > 0 {
			if err := json.Unmarshal(scores, &p.ComponentScores); err != nil {
				return nil, fmt.Errorf("decoding component scores: %w", err)
			}
		}
		if sourceJobID.Valid {
			id := sourceJobID.UUID
			p.SourceJobID = &id
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// AppendAudit records one audit event.
func (r *ScanRepository) AppendAudit(ctx context.Context, event models.AuditEvent) error {
	attrs, err := json.Marshal(event.Attributes)
	if err != nil {
		return fmt.Errorf("encoding attributes: %w", err)
	}
	query := `
		INSERT INTO audit_log (tenant_id, at, actor, action, target, outcome, attributes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := r.db.ExecContext(ctx, query,
		event.TenantID, event.At, event.Actor, event.Action, event.Target, event.Outcome, attrs,
	); err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}

// ListAudit returns a tenant's audit trail, newest first.
func (r *ScanRepository) ListAudit(ctx context.Context, tenantID uuid.UUID, limit int) ([]models.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT tenant_id, at, actor, action, target, outcome, attributes
		FROM audit_log
		WHERE tenant_id = $1
		ORDER BY at DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing audit events: %w", err)
	}
	defer rows.Close()

	var events []models.AuditEvent
	for rows.Next() {
		var ev models.AuditEvent
		var attrs []byte
		if err := rows.Scan(&ev.TenantID, &ev.At, &ev.Actor, &ev.Action, &ev.Target, &ev.Outcome, &attrs); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &ev.Attributes); err != nil {
				return nil, fmt.Errorf("decoding attributes: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// EraseJob removes a job, its findings and its result in one transaction.
// History points sourced from the job are detached, never deleted; the
// tenant keeps its score trail. Returns false when the job does not exist
// for the tenant.
func (r *ScanRepository) EraseJob(ctx context.Context, tenantID, jobID uuid.UUID) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE compliance_history SET source_job_id = NULL WHERE tenant_id = $1 AND source_job_id = $2`,
		tenantID, jobID,
	); err != nil {
		return false, fmt.Errorf("detaching history points: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM findings WHERE tenant_id = $1 AND job_id = $2`,
		tenantID, jobID,
	); err != nil {
		return false, fmt.Errorf("deleting findings: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM scan_results WHERE tenant_id = $1 AND job_id = $2`,
		tenantID, jobID,
	); err != nil {
		return false, fmt.Errorf("deleting result: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM scan_jobs WHERE tenant_id = $1 AND job_id = $2`,
		tenantID, jobID,
	)
	if err != nil {
		return false, fmt.Errorf("deleting job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("counting deleted jobs: %w", err)
	}
	if affected == 0 {
		return false, nil
	}
	return true, tx.Commit()
}

// scanJob reads one job row from either *sql.Row or *sql.Rows.
func scanJob(row interface {
	Scan(dest ...interface{}) error
}) (*models.ScanJob, error) {
	var job models.ScanJob
	var workerID, cancelledBy, errorMessage sql.NullString
	var startedAt, finishedAt sql.NullTime
	if err := row.Scan(
		&job.ID, &job.TenantID, &job.ScanType, &job.State, &workerID,
		&job.SubmittedAt, &startedAt, &finishedAt, &job.ProgressPct,
		&job.PartialFindings, &cancelledBy, &errorMessage, &job.CreatedAt, &job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.WorkerID = workerID.String
	job.CancelledBy = cancelledBy.String
	job.ErrorMessage = errorMessage.String
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = &finishedAt.Time
	}
	return &job, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
