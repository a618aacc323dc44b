package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privyscan/privyscan/internal/config"
	"github.com/privyscan/privyscan/internal/license"
	"github.com/privyscan/privyscan/internal/logger"
	"github.com/privyscan/privyscan/internal/models"
	"github.com/privyscan/privyscan/internal/registry"
	"github.com/privyscan/privyscan/internal/scanner"
)

type memStore struct {
	mu       sync.Mutex
	jobs     map[uuid.UUID]models.ScanJob
	findings map[uuid.UUID][]models.Finding
	results  map[uuid.UUID]*models.ScanResult
	points   []models.ComplianceHistoryPoint
	audits   []models.AuditEvent
}

func newMemStore() *memStore {
	return &memStore{
		jobs:     make(map[uuid.UUID]models.ScanJob),
		findings: make(map[uuid.UUID][]models.Finding),
		results:  make(map[uuid.UUID]*models.ScanResult),
	}
}

func (m *memStore) SaveJob(ctx context.Context, job *models.ScanJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = *job
	return nil
}

func (m *memStore) UpdateJob(ctx context.Context, job *models.ScanJob) error {
	return m.SaveJob(ctx, job)
}

func (m *memStore) GetJob(ctx context.Context, tenantID, jobID uuid.UUID) (*models.ScanJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok || job.TenantID != tenantID {
		return nil, nil
	}
	return &job, nil
}

func (m *memStore) AppendFindings(ctx context.Context, tenantID, jobID uuid.UUID, findings []models.Finding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range findings {
		dup := false
		for _, have := range m.findings[jobID] {
			if have.ID == f.ID {
				dup = true
				break
			}
		}
		if !dup {
			m.findings[jobID] = append(m.findings[jobID], f)
		}
	}
	return nil
}

func (m *memStore) ListFindings(ctx context.Context, tenantID, jobID uuid.UUID) ([]models.Finding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Finding(nil), m.findings[jobID]...), nil
}

func (m *memStore) CompleteJob(ctx context.Context, job *models.ScanJob, result *models.ScanResult, point *models.ComplianceHistoryPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = *job
	m.results[job.ID] = result
	if point != nil {
		m.points = append(m.points, *point)
	}
	return nil
}

func (m *memStore) ListUnfinishedJobs(ctx context.Context) ([]models.ScanJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ScanJob
	for _, job := range m.jobs {
		if !job.State.Terminal() {
			out = append(out, job)
		}
	}
	return out, nil
}

func (m *memStore) AppendAudit(ctx context.Context, event models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, event)
	return nil
}

func (m *memStore) jobState(jobID uuid.UUID) models.JobState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[jobID].State
}

func (m *memStore) result(jobID uuid.UUID) *models.ScanResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.results[jobID]
}

type fakeAdmitter struct {
	mu       sync.Mutex
	reject   *license.Rejection
	admits   int
	commits  int
	releases int
}

func (f *fakeAdmitter) Admit(ctx context.Context, req *models.ScanRequest) (*license.Reservation, *license.Rejection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject != nil {
		return nil, f.reject, nil
	}
	f.admits++
	return &license.Reservation{}, nil, nil
}

func (f *fakeAdmitter) Commit(ctx context.Context, res *license.Reservation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	return nil
}

func (f *fakeAdmitter) Release(ctx context.Context, res *license.Reservation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	return nil
}

type fakeScanner struct {
	typ       models.ScanType
	retrySafe bool
	run       func(ctx context.Context, req *models.ScanRequest, snap *registry.Snapshot, emit scanner.Emit) (*scanner.SummaryHints, error)
}

func (s *fakeScanner) Type() models.ScanType { return s.typ }
func (s *fakeScanner) RetrySafe() bool       { return s.retrySafe }
func (s *fakeScanner) Run(ctx context.Context, req *models.ScanRequest, snap *registry.Snapshot, emit scanner.Emit) (*scanner.SummaryHints, error) {
	return s.run(ctx, req, snap, emit)
}

func testConfig() *config.Config {
	return &config.Config{
		GlobalPoolSize:           4,
		PerTypeCaps:              map[models.ScanType]int{},
		QueueMaxAdmitted:         100,
		BackpressureThresholdPct: 80,
		DeadlinePerType:          map[models.ScanType]time.Duration{},
		RetryMaxAttempts:         2,
		RetryBackoffBase:         time.Millisecond,
		QueryTimeout:             5 * time.Second,
	}
}

func testOrchestrator(t *testing.T, cfg *config.Config, scanners ...scanner.Scanner) (*Orchestrator, *memStore, *fakeAdmitter) {
	t.Helper()
	store := newMemStore()
	adm := &fakeAdmitter{}
	reg := registry.New(logger.NewLogger("TEST"))
	o := New(cfg, scanner.NewRegistryOf(scanners...), adm, store, reg, logger.NewLogger("TEST"))
	return o, store, adm
}

func request(scanType models.ScanType) *models.ScanRequest {
	tenantID := uuid.New()
	return &models.ScanRequest{
		RequestID: uuid.New(),
		TenantID:  tenantID,
		Principal: models.Principal{TenantID: tenantID, UserID: "alice"},
		ScanType:  scanType,
		Target:    models.ScanTarget{URL: "https://example.nl"},
	}
}

func waitState(t *testing.T, store *memStore, jobID uuid.UUID, want models.JobState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return store.jobState(jobID) == want
	}, 5*time.Second, 5*time.Millisecond, "job never reached %s", want)
}

func TestSubmit_RunsToCompletion(t *testing.T) {
	sc := &fakeScanner{typ: models.ScanTypeDocument, run: func(ctx context.Context, req *models.ScanRequest, snap *registry.Snapshot, emit scanner.Emit) (*scanner.SummaryHints, error) {
		if err := emit(scanner.Event{Kind: scanner.EventProgress, ProgressPct: 50}); err != nil {
			return nil, err
		}
		finding := models.Finding{ID: uuid.New(), JobID: req.RequestID, Type: "pii", Category: models.CategoryPII, Severity: models.SeverityHigh, PIIKind: "email", Location: "page=1", Confidence: 0.9}
		if err := emit(scanner.Event{Kind: scanner.EventFinding, Finding: &finding}); err != nil {
			return nil, err
		}
		return &scanner.SummaryHints{FilesScanned: 1, Units: map[string]int{"pages_scanned": 1}}, nil
	}}

	o, store, adm := testOrchestrator(t, testConfig(), sc)
	require.NoError(t, o.Start(context.Background()))
	defer o.Stop()

	req := request(models.ScanTypeDocument)
	job, rej, err := o.Submit(context.Background(), req)
	require.NoError(t, err)
	require.Nil(t, rej)
	require.NotNil(t, job)
	assert.Equal(t, req.RequestID, job.ID)

	waitState(t, store, job.ID, models.JobStateSucceeded)

	result := store.result(job.ID)
	require.NotNil(t, result)
	assert.Equal(t, models.JobStateSucceeded, result.State)
	assert.False(t, result.Partial)
	assert.Equal(t, 1, result.Totals.TotalFindings)
	assert.Equal(t, 1, result.Units["pages_scanned"])
	assert.NotZero(t, result.ComplianceScore)

	store.mu.Lock()
	points := len(store.points)
	findings := len(store.findings[job.ID])
	store.mu.Unlock()
	assert.Equal(t, 1, points, "succeeded job records a history point")
	assert.Equal(t, 1, findings, "findings are persisted during the run")

	adm.mu.Lock()
	assert.Equal(t, 1, adm.commits)
	assert.Zero(t, adm.releases)
	adm.mu.Unlock()
}

func TestSubmit_UnknownScanType(t *testing.T) {
	o, store, adm := testOrchestrator(t, testConfig())

	req := request(models.ScanTypeWebsite)
	job, rej, err := o.Submit(context.Background(), req)
	require.NoError(t, err)
	require.Nil(t, job)
	require.NotNil(t, rej)
	assert.Equal(t, license.RejectedUnknownScanType, rej.Kind)

	adm.mu.Lock()
	assert.Zero(t, adm.admits, "rejected before the enforcer is consulted")
	adm.mu.Unlock()

	store.mu.Lock()
	require.Len(t, store.audits, 1)
	assert.Equal(t, models.AuditOutcomeRejected, store.audits[0].Outcome)
	store.mu.Unlock()
}

func TestSubmit_Backpressure(t *testing.T) {
	cfg := testConfig()
	cfg.QueueMaxAdmitted = 1
	cfg.BackpressureThresholdPct = 100

	o, _, _ := testOrchestrator(t, cfg, &fakeScanner{typ: models.ScanTypeDocument})

	// Not started: the first submission stays queued and fills the window.
	_, rej, err := o.Submit(context.Background(), request(models.ScanTypeDocument))
	require.NoError(t, err)
	require.Nil(t, rej)

	_, rej, err = o.Submit(context.Background(), request(models.ScanTypeDocument))
	require.NoError(t, err)
	require.NotNil(t, rej)
	assert.Equal(t, license.RejectedConcurrency, rej.Kind)
	assert.Equal(t, "queue_backpressure", rej.Reason)
}

func TestCancel_QueuedJobGoesTerminalDirectly(t *testing.T) {
	o, store, adm := testOrchestrator(t, testConfig(), &fakeScanner{typ: models.ScanTypeDocument})

	// Not started, so the job cannot be picked up before the cancel.
	req := request(models.ScanTypeDocument)
	job, rej, err := o.Submit(context.Background(), req)
	require.NoError(t, err)
	require.Nil(t, rej)

	require.NoError(t, o.Cancel(context.Background(), req.TenantID, job.ID, "alice"))

	assert.Equal(t, models.JobStateCancelled, store.jobState(job.ID))
	result := store.result(job.ID)
	require.NotNil(t, result)
	assert.True(t, result.Partial)

	// The quota stays consumed; a queued cancel is not a refund.
	adm.mu.Lock()
	assert.Equal(t, 1, adm.commits)
	assert.Zero(t, adm.releases)
	adm.mu.Unlock()

	// Cancelling again is a no-op.
	require.NoError(t, o.Cancel(context.Background(), req.TenantID, job.ID, "alice"))
}

func TestCancel_RunningJob(t *testing.T) {
	started := make(chan struct{})
	sc := &fakeScanner{typ: models.ScanTypeWebsite, run: func(ctx context.Context, req *models.ScanRequest, snap *registry.Snapshot, emit scanner.Emit) (*scanner.SummaryHints, error) {
		close(started)
		<-ctx.Done()
		return &scanner.SummaryHints{FilesScanned: 1, Partial: true}, ctx.Err()
	}}

	o, store, _ := testOrchestrator(t, testConfig(), sc)
	require.NoError(t, o.Start(context.Background()))
	defer o.Stop()

	req := request(models.ScanTypeWebsite)
	job, rej, err := o.Submit(context.Background(), req)
	require.NoError(t, err)
	require.Nil(t, rej)

	<-started
	require.NoError(t, o.Cancel(context.Background(), req.TenantID, job.ID, "alice"))

	waitState(t, store, job.ID, models.JobStateCancelled)
	store.mu.Lock()
	saved := store.jobs[job.ID]
	store.mu.Unlock()
	assert.Equal(t, "alice", saved.CancelledBy)

	result := store.result(job.ID)
	require.NotNil(t, result)
	assert.True(t, result.Partial)
}

func TestDeadline_TimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.DeadlinePerType[models.ScanTypeWebsite] = 30 * time.Millisecond

	sc := &fakeScanner{typ: models.ScanTypeWebsite, run: func(ctx context.Context, req *models.ScanRequest, snap *registry.Snapshot, emit scanner.Emit) (*scanner.SummaryHints, error) {
		<-ctx.Done()
		return &scanner.SummaryHints{Partial: true}, ctx.Err()
	}}

	o, store, _ := testOrchestrator(t, cfg, sc)
	require.NoError(t, o.Start(context.Background()))
	defer o.Stop()

	job, rej, err := o.Submit(context.Background(), request(models.ScanTypeWebsite))
	require.NoError(t, err)
	require.Nil(t, rej)

	waitState(t, store, job.ID, models.JobStateTimedOut)
	result := store.result(job.ID)
	require.NotNil(t, result)
	assert.True(t, result.Partial)
}

func TestRetry_TransientFailureThenSuccess(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	sc := &fakeScanner{typ: models.ScanTypeAPI, retrySafe: true, run: func(ctx context.Context, req *models.ScanRequest, snap *registry.Snapshot, emit scanner.Emit) (*scanner.SummaryHints, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return nil, errors.New("connection reset")
		}
		return &scanner.SummaryHints{FilesScanned: 1}, nil
	}}

	o, store, _ := testOrchestrator(t, testConfig(), sc)
	require.NoError(t, o.Start(context.Background()))
	defer o.Stop()

	job, rej, err := o.Submit(context.Background(), request(models.ScanTypeAPI))
	require.NoError(t, err)
	require.Nil(t, rej)

	waitState(t, store, job.ID, models.JobStateSucceeded)
	mu.Lock()
	assert.Equal(t, 3, attempts)
	mu.Unlock()
}

func TestRetry_SkippedForUnsafeScanner(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	sc := &fakeScanner{typ: models.ScanTypeCode, retrySafe: false, run: func(ctx context.Context, req *models.ScanRequest, snap *registry.Snapshot, emit scanner.Emit) (*scanner.SummaryHints, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return nil, errors.New("walk failed")
	}}

	o, store, _ := testOrchestrator(t, testConfig(), sc)
	require.NoError(t, o.Start(context.Background()))
	defer o.Stop()

	job, rej, err := o.Submit(context.Background(), request(models.ScanTypeCode))
	require.NoError(t, err)
	require.Nil(t, rej)

	waitState(t, store, job.ID, models.JobStateFailed)
	mu.Lock()
	assert.Equal(t, 1, attempts)
	mu.Unlock()

	store.mu.Lock()
	saved := store.jobs[job.ID]
	store.mu.Unlock()
	assert.Equal(t, "walk failed", saved.ErrorMessage)
}

func TestPanic_IsContained(t *testing.T) {
	sc := &fakeScanner{typ: models.ScanTypeAIModel, retrySafe: true, run: func(ctx context.Context, req *models.ScanRequest, snap *registry.Snapshot, emit scanner.Emit) (*scanner.SummaryHints, error) {
		panic("nil header")
	}}

	o, store, _ := testOrchestrator(t, testConfig(), sc)
	require.NoError(t, o.Start(context.Background()))
	defer o.Stop()

	job, rej, err := o.Submit(context.Background(), request(models.ScanTypeAIModel))
	require.NoError(t, err)
	require.Nil(t, rej)

	waitState(t, store, job.ID, models.JobStateFailed)
	store.mu.Lock()
	saved := store.jobs[job.ID]
	store.mu.Unlock()
	assert.Contains(t, saved.ErrorMessage, "panic")
}

func TestStream_ReplaysAndTails(t *testing.T) {
	release := make(chan struct{})
	sc := &fakeScanner{typ: models.ScanTypeDocument, run: func(ctx context.Context, req *models.ScanRequest, snap *registry.Snapshot, emit scanner.Emit) (*scanner.SummaryHints, error) {
		if err := emit(scanner.Event{Kind: scanner.EventProgress, ProgressPct: 10}); err != nil {
			return nil, err
		}
		<-release
		if err := emit(scanner.Event{Kind: scanner.EventProgress, ProgressPct: 90}); err != nil {
			return nil, err
		}
		return &scanner.SummaryHints{FilesScanned: 1}, nil
	}}

	o, store, _ := testOrchestrator(t, testConfig(), sc)
	require.NoError(t, o.Start(context.Background()))
	defer o.Stop()

	req := request(models.ScanTypeDocument)
	job, rej, err := o.Submit(context.Background(), req)
	require.NoError(t, err)
	require.Nil(t, rej)

	require.Eventually(t, func() bool {
		replay, _, cancel, err := o.Stream(context.Background(), req.TenantID, job.ID)
		defer cancel()
		return err == nil && len(replay) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	replay, live, cancel, err := o.Stream(context.Background(), req.TenantID, job.ID)
	require.NoError(t, err)
	defer cancel()
	require.NotEmpty(t, replay)
	assert.Equal(t, scanner.EventProgress, replay[0].Kind)

	close(release)
	var sawTerminal bool
	for ev := range live {
		if ev.Kind == scanner.EventTerminal {
			sawTerminal = true
			assert.Equal(t, models.JobStateSucceeded, ev.TerminalState)
		}
	}
	assert.True(t, sawTerminal, "live stream ends with the terminal event")
	waitState(t, store, job.ID, models.JobStateSucceeded)
}

func TestPerTypeCap_LimitsConcurrency(t *testing.T) {
	cfg := testConfig()
	cfg.PerTypeCaps[models.ScanTypeDatabase] = 1

	running := make(chan uuid.UUID, 2)
	release := make(chan struct{})
	sc := &fakeScanner{typ: models.ScanTypeDatabase, run: func(ctx context.Context, req *models.ScanRequest, snap *registry.Snapshot, emit scanner.Emit) (*scanner.SummaryHints, error) {
		running <- req.RequestID
		<-release
		return &scanner.SummaryHints{FilesScanned: 1}, nil
	}}

	o, store, _ := testOrchestrator(t, cfg, sc)
	require.NoError(t, o.Start(context.Background()))
	defer o.Stop()

	first, _, err := o.Submit(context.Background(), request(models.ScanTypeDatabase))
	require.NoError(t, err)
	second, _, err := o.Submit(context.Background(), request(models.ScanTypeDatabase))
	require.NoError(t, err)

	<-running
	// The cap holds the second job back even though pool slots are free.
	select {
	case <-running:
		t.Fatal("second database job ran past the per-type cap")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	waitState(t, store, first.ID, models.JobStateSucceeded)
	waitState(t, store, second.ID, models.JobStateSucceeded)
}

func TestRecovery_FailsStaleJobsWithPartialResults(t *testing.T) {
	store := newMemStore()
	tenantID := uuid.New()
	jobID := uuid.New()
	startedAt := time.Now().Add(-time.Minute)
	require.NoError(t, store.SaveJob(context.Background(), &models.ScanJob{
		ID: jobID, TenantID: tenantID, ScanType: models.ScanTypeCode,
		State: models.JobStateRunning, SubmittedAt: startedAt, StartedAt: &startedAt,
	}))
	require.NoError(t, store.AppendFindings(context.Background(), tenantID, jobID, []models.Finding{
		{ID: uuid.New(), JobID: jobID, Type: "pii", Category: models.CategoryPII, Severity: models.SeverityHigh, Location: "main.go@12", Confidence: 0.9},
	}))

	reg := registry.New(logger.NewLogger("TEST"))
	o := New(testConfig(), scanner.NewRegistryOf(), &fakeAdmitter{}, store, reg, logger.NewLogger("TEST"))
	require.NoError(t, o.Start(context.Background()))
	defer o.Stop()

	assert.Equal(t, models.JobStateFailed, store.jobState(jobID))
	result := store.result(jobID)
	require.NotNil(t, result)
	assert.True(t, result.Partial)
	assert.Equal(t, 1, result.Totals.TotalFindings)

	store.mu.Lock()
	saved := store.jobs[jobID]
	store.mu.Unlock()
	assert.Equal(t, "interrupted by process restart", saved.ErrorMessage)
}
