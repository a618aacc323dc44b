package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/privyscan/privyscan/internal/logger"
)

// migrationLockID is the advisory lock guarding concurrent migrations.
const migrationLockID = 728394001

// RunMigrations creates the scan engine schema. All statements are
// idempotent; every tenant-scoped table puts tenant_id first in its
// composite indexes so tenant-filtered queries stay on the index.
func RunMigrations(db *sql.DB, log *logger.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	log.Info("running database migrations")

	if _, err := db.ExecContext(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("acquiring migration lock: %w", err)
	}
	defer func() {
		if _, err := db.Exec("SELECT pg_advisory_unlock($1)", migrationLockID); err != nil {
			log.Error("releasing migration lock", err)
		}
	}()

	migrations := []string{
		// Scan jobs: one row per admitted submission. The job ID is the
		// submission's request ID, so a duplicate submit conflicts here.
		`CREATE TABLE IF NOT EXISTS scan_jobs (
			job_id UUID PRIMARY KEY,
			tenant_id UUID NOT NULL,
			scan_type VARCHAR(20) NOT NULL,
			state VARCHAR(20) NOT NULL,
			worker_id VARCHAR(255),
			submitted_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ,
			progress_pct INTEGER NOT NULL DEFAULT 0,
			partial_findings INTEGER NOT NULL DEFAULT 0,
			cancelled_by VARCHAR(255),
			error_message TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// Findings: appended incrementally during a run. The primary key
		// makes the append idempotent under replays and retries.
		`CREATE TABLE IF NOT EXISTS findings (
			finding_id UUID PRIMARY KEY,
			tenant_id UUID NOT NULL,
			job_id UUID NOT NULL REFERENCES scan_jobs(job_id) ON DELETE CASCADE,
			type VARCHAR(50) NOT NULL,
			category VARCHAR(50) NOT NULL,
			severity VARCHAR(20) NOT NULL,
			location TEXT NOT NULL,
			excerpt TEXT,
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			rule_id VARCHAR(100),
			region_tags TEXT[] DEFAULT '{}',
			pii_kind VARCHAR(50),
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// Canonical results: one document per terminal job.
		`CREATE TABLE IF NOT EXISTS scan_results (
			job_id UUID PRIMARY KEY REFERENCES scan_jobs(job_id) ON DELETE CASCADE,
			tenant_id UUID NOT NULL,
			scan_type VARCHAR(20) NOT NULL,
			state VARCHAR(20) NOT NULL,
			partial BOOLEAN NOT NULL DEFAULT false,
			compliance_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			completed_at TIMESTAMPTZ NOT NULL,
			document JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// Compliance history: append-only, tenant-owned. source_job_id is a
		// soft reference; erasing a job detaches it instead of deleting the
		// point.
		`CREATE TABLE IF NOT EXISTS compliance_history (
			history_id BIGSERIAL PRIMARY KEY,
			tenant_id UUID NOT NULL,
			at TIMESTAMPTZ NOT NULL,
			overall_score DOUBLE PRECISION NOT NULL,
			component_scores JSONB NOT NULL DEFAULT '{}',
			source_job_id UUID
		)`,

		// Audit log: append-only. Targets are stored redacted by the caller.
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id BIGSERIAL PRIMARY KEY,
			tenant_id UUID NOT NULL,
			at TIMESTAMPTZ NOT NULL,
			actor VARCHAR(255) NOT NULL,
			action VARCHAR(50) NOT NULL,
			target TEXT NOT NULL,
			outcome VARCHAR(20) NOT NULL,
			attributes JSONB NOT NULL DEFAULT '{}'
		)`,

		`CREATE INDEX IF NOT EXISTS idx_scan_jobs_tenant_state ON scan_jobs(tenant_id, state)`,
		`CREATE INDEX IF NOT EXISTS idx_scan_jobs_tenant_submitted ON scan_jobs(tenant_id, submitted_at)`,
		`CREATE INDEX IF NOT EXISTS idx_scan_jobs_state ON scan_jobs(state)`,
		`CREATE INDEX IF NOT EXISTS idx_findings_tenant_job ON findings(tenant_id, job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_findings_tenant_severity ON findings(tenant_id, severity)`,
		`CREATE INDEX IF NOT EXISTS idx_scan_results_tenant_completed ON scan_results(tenant_id, completed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_compliance_history_tenant_at ON compliance_history(tenant_id, at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_tenant_at ON audit_log(tenant_id, at)`,
	}

	for i, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	log.Info("database migrations complete", "statements", len(migrations))
	return nil
}
