package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privyscan/privyscan/internal/collab"
	"github.com/privyscan/privyscan/internal/config"
	"github.com/privyscan/privyscan/internal/license"
	"github.com/privyscan/privyscan/internal/logger"
	"github.com/privyscan/privyscan/internal/models"
	"github.com/privyscan/privyscan/internal/orchestrator"
	"github.com/privyscan/privyscan/internal/registry"
	"github.com/privyscan/privyscan/internal/scanner"
)

// apiStore backs both the orchestrator and the read handlers in-memory.
type apiStore struct {
	mu       sync.Mutex
	jobs     map[uuid.UUID]models.ScanJob
	findings map[uuid.UUID][]models.Finding
	results  map[uuid.UUID]*models.ScanResult
	points   []models.ComplianceHistoryPoint
	audits   []models.AuditEvent
}

func newAPIStore() *apiStore {
	return &apiStore{
		jobs:     make(map[uuid.UUID]models.ScanJob),
		findings: make(map[uuid.UUID][]models.Finding),
		results:  make(map[uuid.UUID]*models.ScanResult),
	}
}

func (s *apiStore) SaveJob(ctx context.Context, job *models.ScanJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = *job
	return nil
}

func (s *apiStore) UpdateJob(ctx context.Context, job *models.ScanJob) error {
	return s.SaveJob(ctx, job)
}

func (s *apiStore) GetJob(ctx context.Context, tenantID, jobID uuid.UUID) (*models.ScanJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.TenantID != tenantID {
		return nil, nil
	}
	return &job, nil
}

func (s *apiStore) AppendFindings(ctx context.Context, tenantID, jobID uuid.UUID, findings []models.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findings[jobID] = append(s.findings[jobID], findings...)
	return nil
}

func (s *apiStore) ListFindings(ctx context.Context, tenantID, jobID uuid.UUID) ([]models.Finding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Finding(nil), s.findings[jobID]...), nil
}

func (s *apiStore) CompleteJob(ctx context.Context, job *models.ScanJob, result *models.ScanResult, point *models.ComplianceHistoryPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = *job
	s.results[job.ID] = result
	if point != nil {
		s.points = append(s.points, *point)
	}
	return nil
}

func (s *apiStore) ListUnfinishedJobs(ctx context.Context) ([]models.ScanJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ScanJob
	for _, job := range s.jobs {
		if !job.State.Terminal() {
			out = append(out, job)
		}
	}
	return out, nil
}

func (s *apiStore) AppendAudit(ctx context.Context, event models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, event)
	return nil
}

func (s *apiStore) ListJobs(ctx context.Context, tenantID uuid.UUID, limit int) ([]models.ScanJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ScanJob
	for _, job := range s.jobs {
		if job.TenantID == tenantID {
			out = append(out, job)
		}
	}
	return out, nil
}

func (s *apiStore) GetResult(ctx context.Context, tenantID, jobID uuid.UUID) (*models.ScanResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, ok := s.results[jobID]
	if !ok || result.TenantID != tenantID {
		return nil, nil
	}
	return result, nil
}

func (s *apiStore) History(ctx context.Context, tenantID uuid.UUID, since time.Time) ([]models.ComplianceHistoryPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ComplianceHistoryPoint
	for _, p := range s.points {
		if p.TenantID == tenantID && !p.At.Before(since) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *apiStore) ListAudit(ctx context.Context, tenantID uuid.UUID, limit int) ([]models.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AuditEvent
	for _, ev := range s.audits {
		if ev.TenantID == tenantID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *apiStore) EraseJob(ctx context.Context, tenantID, jobID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.TenantID != tenantID {
		return false, nil
	}
	for i := range s.points {
		if s.points[i].SourceJobID != nil && *s.points[i].SourceJobID == jobID {
			s.points[i].SourceJobID = nil
		}
	}
	delete(s.findings, jobID)
	delete(s.results, jobID)
	delete(s.jobs, jobID)
	return true, nil
}

type fakeUsage struct {
	counters []models.QuotaCounter
}

func (f *fakeUsage) Usage(ctx context.Context, tenantID uuid.UUID) ([]models.QuotaCounter, error) {
	return f.counters, nil
}

type fakeAdmitter struct {
	mu     sync.Mutex
	reject *license.Rejection
}

func (f *fakeAdmitter) Admit(ctx context.Context, req *models.ScanRequest) (*license.Reservation, *license.Rejection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject != nil {
		return nil, f.reject, nil
	}
	return &license.Reservation{}, nil, nil
}

func (f *fakeAdmitter) Commit(ctx context.Context, res *license.Reservation) error  { return nil }
func (f *fakeAdmitter) Release(ctx context.Context, res *license.Reservation) error { return nil }

type fakeScanner struct {
	typ models.ScanType
	run func(ctx context.Context, req *models.ScanRequest, snap *registry.Snapshot, emit scanner.Emit) (*scanner.SummaryHints, error)
}

func (s *fakeScanner) Type() models.ScanType { return s.typ }
func (s *fakeScanner) RetrySafe() bool       { return false }
func (s *fakeScanner) Run(ctx context.Context, req *models.ScanRequest, snap *registry.Snapshot, emit scanner.Emit) (*scanner.SummaryHints, error) {
	if s.run == nil {
		return &scanner.SummaryHints{FilesScanned: 1}, nil
	}
	return s.run(ctx, req, snap, emit)
}

type apiHarness struct {
	server  *Server
	store   *apiStore
	usage   *fakeUsage
	adm     *fakeAdmitter
	rules   *registry.Registry
	orch    *orchestrator.Orchestrator
	tenant  uuid.UUID
	headers map[string]string
}

func newHarness(t *testing.T, scanners ...scanner.Scanner) *apiHarness {
	t.Helper()

	cfg := &config.Config{
		Port:                     "0",
		GlobalPoolSize:           4,
		PerTypeCaps:              map[models.ScanType]int{},
		QueueMaxAdmitted:         100,
		BackpressureThresholdPct: 80,
		DeadlinePerType:          map[models.ScanType]time.Duration{},
		RetryMaxAttempts:         0,
		RetryBackoffBase:         time.Millisecond,
		QueryTimeout:             5 * time.Second,
	}

	log := logger.NewLogger("TEST")
	store := newAPIStore()
	adm := &fakeAdmitter{}
	rules := registry.New(log)
	orch := orchestrator.New(cfg, scanner.NewRegistryOf(scanners...), adm, store, rules, log)
	require.NoError(t, orch.Start(context.Background()))
	t.Cleanup(orch.Stop)

	usage := &fakeUsage{}
	handler := NewScanHandler(orch, store, usage, rules, "day", log)
	srv := NewServer(cfg, collab.StaticResolver{}, handler, nil, log)

	tenantID := uuid.New()
	return &apiHarness{
		server: srv,
		store:  store,
		usage:  usage,
		adm:    adm,
		rules:  rules,
		orch:   orch,
		tenant: tenantID,
		headers: map[string]string{
			"X-Tenant-ID": tenantID.String(),
			"X-User-ID":   "alice",
			"X-Roles":     "admin",
		},
	}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.server.Engine().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestAuth_RequiredOnAPIRoutes(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest("GET", "/api/v1/scans", nil)
	rec := httptest.NewRecorder()
	h.server.Engine().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, "GET", "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "health endpoint is open")
}

func TestSubmitScan_RunsToResult(t *testing.T) {
	sc := &fakeScanner{typ: models.ScanTypeWebsite, run: func(ctx context.Context, req *models.ScanRequest, snap *registry.Snapshot, emit scanner.Emit) (*scanner.SummaryHints, error) {
		finding := models.Finding{ID: uuid.New(), JobID: req.RequestID, Type: "tracker", Category: models.CategoryTracker, Severity: models.SeverityMedium, Location: "https://example.nl", Confidence: 0.8}
		if err := emit(scanner.Event{Kind: scanner.EventFinding, Finding: &finding}); err != nil {
			return nil, err
		}
		return &scanner.SummaryHints{FilesScanned: 1}, nil
	}}
	h := newHarness(t, sc)

	rec := h.do(t, "POST", "/api/v1/scans", map[string]any{
		"scan_type": "website",
		"target":    map[string]any{"url": "https://example.nl"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	job := decode[models.ScanJob](t, rec)
	require.NotEqual(t, uuid.Nil, job.ID)

	require.Eventually(t, func() bool {
		rec := h.do(t, "GET", "/api/v1/scans/"+job.ID.String(), nil)
		if rec.Code != http.StatusOK {
			return false
		}
		return decode[models.ScanJob](t, rec).State == models.JobStateSucceeded
	}, 5*time.Second, 10*time.Millisecond)

	rec = h.do(t, "GET", "/api/v1/scans/"+job.ID.String()+"/result", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	result := decode[models.ScanResult](t, rec)
	assert.Equal(t, job.ID, result.JobID)
	assert.Equal(t, 1, result.Totals.TotalFindings)
	assert.NotZero(t, result.ComplianceScore)

	rec = h.do(t, "GET", "/api/v1/scans", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listing := decode[map[string]json.RawMessage](t, rec)
	var jobs []models.ScanJob
	require.NoError(t, json.Unmarshal(listing["jobs"], &jobs))
	assert.Len(t, jobs, 1)
}

func TestSubmitScan_UnknownTypeRejected(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, "POST", "/api/v1/scans", map[string]any{"scan_type": "telepathy"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitScan_QuotaRejected(t *testing.T) {
	h := newHarness(t, &fakeScanner{typ: models.ScanTypeDocument})
	h.adm.mu.Lock()
	h.adm.reject = &license.Rejection{Kind: license.RejectedQuota, Reason: "scans_per_month exhausted", RetryAfter: 3600 * time.Second}
	h.adm.mu.Unlock()

	rec := h.do(t, "POST", "/api/v1/scans", map[string]any{"scan_type": "document"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3600", rec.Header().Get("Retry-After"))
}

func TestSubmitScan_ConcurrencyRejectedBodyInMillis(t *testing.T) {
	h := newHarness(t, &fakeScanner{typ: models.ScanTypeDocument})
	h.adm.mu.Lock()
	h.adm.reject = &license.Rejection{Kind: license.RejectedConcurrency, Reason: "concurrent_user_cap", RetryAfter: 30 * time.Second}
	h.adm.mu.Unlock()

	rec := h.do(t, "POST", "/api/v1/scans", map[string]any{"scan_type": "document"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))

	body := decode[map[string]map[string]any](t, rec)
	rejection := body["rejection"]
	require.NotNil(t, rejection)
	assert.Equal(t, float64(30000), rejection["retry_after_ms"], "body carries milliseconds, matching the field name")
}

func TestCancelScan_MissingJob(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, "POST", "/api/v1/scans/"+uuid.NewString()+"/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, "POST", "/api/v1/scans/not-a-uuid/cancel", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEraseScan_ActiveThenTerminal(t *testing.T) {
	release := make(chan struct{})
	sc := &fakeScanner{typ: models.ScanTypeDocument, run: func(ctx context.Context, req *models.ScanRequest, snap *registry.Snapshot, emit scanner.Emit) (*scanner.SummaryHints, error) {
		<-release
		return &scanner.SummaryHints{FilesScanned: 1}, nil
	}}
	h := newHarness(t, sc)

	rec := h.do(t, "POST", "/api/v1/scans", map[string]any{"scan_type": "document"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	job := decode[models.ScanJob](t, rec)

	rec = h.do(t, "DELETE", "/api/v1/scans/"+job.ID.String(), nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "an active scan cannot be erased")

	close(release)
	require.Eventually(t, func() bool {
		rec := h.do(t, "GET", "/api/v1/scans/"+job.ID.String(), nil)
		return rec.Code == http.StatusOK && decode[models.ScanJob](t, rec).State.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	rec = h.do(t, "DELETE", "/api/v1/scans/"+job.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, "GET", "/api/v1/scans/"+job.ID.String()+"/result", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "the erased result is gone")

	h.store.mu.Lock()
	var sawErase bool
	for _, ev := range h.store.audits {
		if ev.Action == models.AuditActionErase && ev.Outcome == models.AuditOutcomeOK {
			sawErase = true
		}
	}
	h.store.mu.Unlock()
	assert.True(t, sawErase, "erasure is audited")
}

func TestGetHistory_ReturnsForecastInput(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	h.store.mu.Lock()
	for i := 0; i < 3; i++ {
		h.store.points = append(h.store.points, models.ComplianceHistoryPoint{
			TenantID:     h.tenant,
			At:           now.AddDate(0, 0, -i),
			OverallScore: 70 + float64(i),
		})
	}
	h.store.mu.Unlock()

	rec := h.do(t, "GET", "/api/v1/history?days=30", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]json.RawMessage](t, rec)
	var points []models.ComplianceHistoryPoint
	require.NoError(t, json.Unmarshal(body["points"], &points))
	assert.Len(t, points, 3)
	assert.NotEqual(t, "null", string(body["forecast"]))
}

func TestGetUsage_ReportsCounters(t *testing.T) {
	h := newHarness(t)
	h.usage.counters = []models.QuotaCounter{
		{TenantID: h.tenant, PeriodKey: "2026-08", Kind: models.QuotaScansPerMonth, Used: 3, Limit: 100},
	}

	rec := h.do(t, "GET", "/api/v1/usage", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string][]models.QuotaCounter](t, rec)
	require.Len(t, body["usage"], 1)
	assert.Equal(t, 3, body["usage"][0].Used)
}

func TestReloadRules_RoleGatedAndVersioned(t *testing.T) {
	h := newHarness(t)
	pack := registry.PackFile{
		Patterns: []registry.PackPattern{
			{Kind: "email", RuleID: "PII-EMAIL", Regex: `[a-z]+@[a-z]+\.[a-z]{2,}`, Confidence: 0.7, Severity: "High"},
		},
	}

	h.headers["X-Roles"] = "auditor"
	rec := h.do(t, "POST", "/api/v1/rules/reload", pack)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	h.headers["X-Roles"] = "admin"
	rec = h.do(t, "POST", "/api/v1/rules/reload", pack)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[map[string]int](t, rec)
	assert.Equal(t, 2, body["version"])

	// A malformed pack is refused and the installed snapshot stays.
	bad := registry.PackFile{Patterns: []registry.PackPattern{{Kind: "broken", Regex: "([", Severity: "High"}}}
	rec = h.do(t, "POST", "/api/v1/rules/reload", bad)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, int64(2), h.rules.Snapshot().Version())
}

func TestWebhookNotifier_RetriesWithStableIdempotencyKey(t *testing.T) {
	var mu sync.Mutex
	var keys []string
	fails := 1
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		keys = append(keys, r.Header.Get("X-Idempotency-Key"))
		if fails > 0 {
			fails--
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	n := NewWebhookNotifier(ts.URL, 3, logger.NewLogger("TEST"))
	n.sleep = func(time.Duration) {}

	job := &models.ScanJob{ID: uuid.New(), TenantID: uuid.New(), ScanType: models.ScanTypeCode, State: models.JobStateSucceeded}
	result := &models.ScanResult{JobID: job.ID, TenantID: job.TenantID, ComplianceScore: 82.5}
	n.deliver(job, result)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, keys, 2, "one failure then one success")
	assert.Equal(t, keys[0], keys[1], "retries reuse the idempotency key")
	assert.Equal(t, job.ID.String(), keys[0])
}
