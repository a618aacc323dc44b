package aggregator

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privyscan/privyscan/internal/logger"
	"github.com/privyscan/privyscan/internal/models"
	"github.com/privyscan/privyscan/internal/registry"
	"github.com/privyscan/privyscan/internal/scanner"
)

func testJob() *models.ScanJob {
	return &models.ScanJob{
		ID:       uuid.New(),
		TenantID: uuid.New(),
		ScanType: models.ScanTypeCode,
	}
}

func TestBuild_DeduplicatesAndOrders(t *testing.T) {
	job := testJob()
	f1 := models.Finding{
		ID: uuid.New(), JobID: job.ID, Type: "pii_match", Category: models.CategoryPII,
		Severity: models.SeverityMedium, Location: "b.go@10", Excerpt: "ja**ld", RuleID: "PII_EMAIL", PIIKind: "email",
	}
	dup := f1
	dup.ID = uuid.New()
	f2 := models.Finding{
		ID: uuid.New(), JobID: job.ID, Type: "pii_match", Category: models.CategoryPII,
		Severity: models.SeverityCritical, Location: "a.go@5", Excerpt: "12****89", RuleID: "PII_BSN", PIIKind: "dutch_bsn",
	}

	started := time.Now().Add(-3 * time.Second)
	result := Build(Input{
		Job:         job,
		State:       models.JobStateSucceeded,
		StartedAt:   started,
		CompletedAt: time.Now(),
		Findings:    []models.Finding{f1, dup, f2},
		Hints:       &scanner.SummaryHints{FilesScanned: 2, LinesAnalyzed: 40},
	})

	require.Len(t, result.Findings, 2)
	assert.Equal(t, "a.go@5", result.Findings[0].Location)
	assert.Equal(t, "b.go@10", result.Findings[1].Location)

	assert.Equal(t, 2, result.Totals.TotalFindings)
	assert.Equal(t, 1, result.Totals.CriticalFindings)
	assert.Equal(t, 1, result.Totals.HighAndCritical)
	assert.Equal(t, 1, result.Totals.PIITotals["email"])
	assert.False(t, result.Partial)
	assert.GreaterOrEqual(t, result.DurationMS, int64(3000))

	// T2: by_severity sums exactly to |findings|.
	sum := 0
	for _, n := range result.Totals.BySeverity {
		sum += n
	}
	assert.Equal(t, len(result.Findings), sum)
}

func TestBuild_RegistrySeverityWins(t *testing.T) {
	snap := registry.New(logger.NewLogger("TEST")).Snapshot()
	job := testJob()

	// Scanner-declared severity is advisory; MISSING_REJECT_ALL is Critical
	// in the rule pack.
	f := models.Finding{
		ID: uuid.New(), JobID: job.ID, Type: "gdpr_violation", Category: models.CategoryConsent,
		Severity: models.SeverityLow, Location: "https://example.nl", RuleID: "MISSING_REJECT_ALL",
	}

	result := Build(Input{
		Job: job, State: models.JobStateSucceeded,
		StartedAt: time.Now(), CompletedAt: time.Now(),
		Findings: []models.Finding{f},
		Snapshot: snap,
	})
	require.Len(t, result.Findings, 1)
	assert.Equal(t, models.SeverityCritical, result.Findings[0].Severity)
}

func TestBuild_NonSucceededIsPartial(t *testing.T) {
	for _, state := range []models.JobState{
		models.JobStateFailed, models.JobStateCancelled, models.JobStateTimedOut,
	} {
		result := Build(Input{
			Job: testJob(), State: state,
			StartedAt: time.Now(), CompletedAt: time.Now(),
		})
		assert.True(t, result.Partial, "state %s", state)
		assert.Equal(t, 1, result.FilesScanned, "files_scanned floor")
	}
}

func TestBuild_RegionViolationsJoinArticles(t *testing.T) {
	result := Build(Input{
		Job: testJob(), State: models.JobStateSucceeded,
		StartedAt: time.Now(), CompletedAt: time.Now(),
		Hints: &scanner.SummaryHints{
			FilesScanned: 1,
			Violations: []registry.RuleViolation{{
				RuleID: "PRE_TICKED_MARKETING", Region: "NL",
				Severity: models.SeverityCritical, GDPRArticles: []string{"Art. 7", "Art. 4(11)"},
			}},
		},
	})
	require.Len(t, result.RegionViolation, 1)
	assert.Equal(t, "Art. 7, Art. 4(11)", result.RegionViolation[0].GDPRArticle)
}
