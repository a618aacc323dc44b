package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/privyscan/privyscan/internal/license"
	"github.com/privyscan/privyscan/internal/logger"
	"github.com/privyscan/privyscan/internal/models"
	"github.com/privyscan/privyscan/internal/orchestrator"
	"github.com/privyscan/privyscan/internal/registry"
	"github.com/privyscan/privyscan/internal/scanner"
	"github.com/privyscan/privyscan/internal/scoring"
	"github.com/privyscan/privyscan/internal/tenant"
)

// ResultStore is the read and erasure surface the handlers need beyond the
// orchestrator's live view.
type ResultStore interface {
	ListJobs(ctx context.Context, tenantID uuid.UUID, limit int) ([]models.ScanJob, error)
	GetResult(ctx context.Context, tenantID, jobID uuid.UUID) (*models.ScanResult, error)
	History(ctx context.Context, tenantID uuid.UUID, since time.Time) ([]models.ComplianceHistoryPoint, error)
	ListAudit(ctx context.Context, tenantID uuid.UUID, limit int) ([]models.AuditEvent, error)
	AppendAudit(ctx context.Context, event models.AuditEvent) error
	EraseJob(ctx context.Context, tenantID, jobID uuid.UUID) (bool, error)
}

// UsageReader reports quota consumption.
type UsageReader interface {
	Usage(ctx context.Context, tenantID uuid.UUID) ([]models.QuotaCounter, error)
}

// ScanHandler exposes the scan lifecycle over HTTP.
type ScanHandler struct {
	orch    *orchestrator.Orchestrator
	store   ResultStore
	usage   UsageReader
	rules   *registry.Registry
	history string // downsample bucket
	log     *logger.Logger
}

func NewScanHandler(orch *orchestrator.Orchestrator, store ResultStore, usage UsageReader, rules *registry.Registry, historyBucket string, log *logger.Logger) *ScanHandler {
	if historyBucket == "" {
		historyBucket = "day"
	}
	return &ScanHandler{orch: orch, store: store, usage: usage, rules: rules, history: historyBucket, log: log}
}

// RegisterRoutes mounts the scan API on a router group.
func (h *ScanHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/scans", h.SubmitScan)
	rg.GET("/scans", h.ListScans)
	rg.GET("/scans/:id", h.GetScan)
	rg.POST("/scans/:id/cancel", h.CancelScan)
	rg.GET("/scans/:id/events", h.StreamEvents)
	rg.GET("/scans/:id/result", h.GetResult)
	rg.DELETE("/scans/:id", h.EraseScan)

	rg.GET("/usage", h.GetUsage)
	rg.GET("/history", h.GetHistory)
	rg.GET("/audit", h.GetAudit)

	rg.POST("/rules/reload", requireRole("admin"), h.ReloadRules)
}

type submitScanRequest struct {
	ScanType string             `json:"scan_type" binding:"required"`
	Target   models.ScanTarget  `json:"target"`
	Options  models.ScanOptions `json:"options"`
}

// SubmitScan admits one scan request and returns the queued job.
func (h *ScanHandler) SubmitScan(c *gin.Context) {
	p := tenant.MustGetPrincipal(c.Request.Context())

	var body submitScanRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	req := &models.ScanRequest{
		RequestID:   uuid.New(),
		TenantID:    p.TenantID,
		Principal:   p,
		ScanType:    models.ScanType(body.ScanType),
		Target:      body.Target,
		Options:     body.Options,
		SubmittedAt: time.Now(),
	}

	job, rej, err := h.orch.Submit(c.Request.Context(), req)
	if err != nil {
		h.log.Error("submitting scan", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "submission failed"})
		return
	}
	if rej != nil {
		h.writeRejection(c, rej)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

func (h *ScanHandler) writeRejection(c *gin.Context, rej *license.Rejection) {
	status := http.StatusForbidden
	switch rej.Kind {
	case license.RejectedUnknownScanType:
		status = http.StatusBadRequest
	case license.RejectedQuota, license.RejectedConcurrency:
		status = http.StatusTooManyRequests
	}
	if rej.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(int(rej.RetryAfter.Seconds())))
	}
	c.JSON(status, gin.H{"rejection": rej})
}

// ListScans returns the tenant's jobs, newest first.
func (h *ScanHandler) ListScans(c *gin.Context) {
	p := tenant.MustGetPrincipal(c.Request.Context())
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	jobs, err := h.store.ListJobs(c.Request.Context(), p.TenantID, limit)
	if err != nil {
		h.log.Error("listing scans", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

// GetScan returns the live view of one job.
func (h *ScanHandler) GetScan(c *gin.Context) {
	p := tenant.MustGetPrincipal(c.Request.Context())
	jobID, ok := parseJobID(c)
	if !ok {
		return
	}

	job, err := h.orch.Job(c.Request.Context(), p.TenantID, jobID)
	if err != nil {
		writeJobError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// CancelScan requests cancellation. Cancelling a finished job is a no-op.
func (h *ScanHandler) CancelScan(c *gin.Context) {
	p := tenant.MustGetPrincipal(c.Request.Context())
	jobID, ok := parseJobID(c)
	if !ok {
		return
	}

	if err := h.orch.Cancel(c.Request.Context(), p.TenantID, jobID, p.UserID); err != nil {
		writeJobError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancellation requested"})
}

// StreamEvents replays the job's event stream and tails it as
// server-sent events until the terminal event.
func (h *ScanHandler) StreamEvents(c *gin.Context) {
	p := tenant.MustGetPrincipal(c.Request.Context())
	jobID, ok := parseJobID(c)
	if !ok {
		return
	}

	replay, live, cancel, err := h.orch.Stream(c.Request.Context(), p.TenantID, jobID)
	if err != nil {
		writeJobError(c, err)
		return
	}
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	for _, ev := range replay {
		writeEvent(c, ev)
	}
	c.Writer.Flush()

	for {
		select {
		case ev, open := <-live:
			if !open {
				return
			}
			writeEvent(c, ev)
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

func writeEvent(c *gin.Context, ev scanner.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	c.Writer.WriteString("event: " + string(ev.Kind) + "\n")
	c.Writer.WriteString("data: " + string(data) + "\n\n")
}

// GetResult returns the canonical result of a terminal job.
func (h *ScanHandler) GetResult(c *gin.Context) {
	p := tenant.MustGetPrincipal(c.Request.Context())
	jobID, ok := parseJobID(c)
	if !ok {
		return
	}

	result, err := h.store.GetResult(c.Request.Context(), p.TenantID, jobID)
	if err != nil {
		h.log.Error("loading result", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "loading result failed"})
		return
	}
	if result == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no result for this scan"})
		return
	}
	c.JSON(http.StatusOK, result)
}

// EraseScan removes a terminal job with its findings and result. History
// points stay, detached from the erased job.
func (h *ScanHandler) EraseScan(c *gin.Context) {
	p := tenant.MustGetPrincipal(c.Request.Context())
	jobID, ok := parseJobID(c)
	if !ok {
		return
	}

	job, err := h.orch.Job(c.Request.Context(), p.TenantID, jobID)
	if err != nil {
		writeJobError(c, err)
		return
	}
	if !job.State.Terminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "scan is still active; cancel it first"})
		return
	}

	erased, err := h.store.EraseJob(c.Request.Context(), p.TenantID, jobID)
	if err != nil {
		h.log.Error("erasing scan", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "erasure failed"})
		return
	}
	if !erased {
		c.JSON(http.StatusNotFound, gin.H{"error": "scan not found"})
		return
	}

	h.audit(c, p, models.AuditActionErase, "job:"+jobID.String(), models.AuditOutcomeOK)
	c.JSON(http.StatusOK, gin.H{"status": "erased"})
}

// GetUsage reports the tenant's quota counters.
func (h *ScanHandler) GetUsage(c *gin.Context) {
	p := tenant.MustGetPrincipal(c.Request.Context())

	counters, err := h.usage.Usage(c.Request.Context(), p.TenantID)
	if err != nil {
		h.log.Error("reading usage", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reading usage failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": counters})
}

// GetHistory returns the tenant's compliance trail with the downsampled
// forecast input.
func (h *ScanHandler) GetHistory(c *gin.Context) {
	p := tenant.MustGetPrincipal(c.Request.Context())

	days, _ := strconv.Atoi(c.DefaultQuery("days", "90"))
	if days <= 0 {
		days = 90
	}
	since := time.Now().AddDate(0, 0, -days)

	points, err := h.store.History(c.Request.Context(), p.TenantID, since)
	if err != nil {
		h.log.Error("loading history", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "loading history failed"})
		return
	}

	bucket := c.DefaultQuery("bucket", h.history)
	c.JSON(http.StatusOK, gin.H{
		"points":   points,
		"forecast": scoring.BuildForecastInput(points, bucket),
	})
}

// GetAudit returns the tenant's audit trail.
func (h *ScanHandler) GetAudit(c *gin.Context) {
	p := tenant.MustGetPrincipal(c.Request.Context())
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	events, err := h.store.ListAudit(c.Request.Context(), p.TenantID, limit)
	if err != nil {
		h.log.Error("listing audit events", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing audit failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// ReloadRules installs a new rule pack. Jobs already admitted keep the
// snapshot they were admitted with.
func (h *ScanHandler) ReloadRules(c *gin.Context) {
	p := tenant.MustGetPrincipal(c.Request.Context())

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 4<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reading rule pack"})
		return
	}
	var pack registry.PackFile
	if err := json.Unmarshal(body, &pack); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed rule pack"})
		return
	}

	if err := h.rules.Reload(&pack); err != nil {
		h.audit(c, p, models.AuditActionReload, "rules", models.AuditOutcomeError)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	h.audit(c, p, models.AuditActionReload, "rules", models.AuditOutcomeOK)
	c.JSON(http.StatusOK, gin.H{"version": h.rules.Snapshot().Version()})
}

func (h *ScanHandler) audit(c *gin.Context, p models.Principal, action, target, outcome string) {
	ev := models.AuditEvent{
		At:       time.Now(),
		TenantID: p.TenantID,
		Actor:    p.UserID,
		Action:   action,
		Target:   target,
		Outcome:  outcome,
	}
	if err := h.store.AppendAudit(c.Request.Context(), ev); err != nil {
		h.log.Error("appending audit event", err)
	}
}

func parseJobID(c *gin.Context) (uuid.UUID, bool) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid scan id"})
		return uuid.Nil, false
	}
	return jobID, true
}

func writeJobError(c *gin.Context, err error) {
	if err == orchestrator.ErrNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "scan not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
