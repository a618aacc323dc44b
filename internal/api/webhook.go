package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/privyscan/privyscan/internal/logger"
	"github.com/privyscan/privyscan/internal/models"
)

// WebhookNotifier posts terminal job summaries to a configured endpoint.
// The job ID doubles as the idempotency key so the receiver can drop
// duplicate deliveries from retries.
type WebhookNotifier struct {
	url      string
	attempts int
	client   *http.Client
	log      *logger.Logger

	// sleep is injectable for tests.
	sleep func(time.Duration)
}

func NewWebhookNotifier(url string, attempts int, log *logger.Logger) *WebhookNotifier {
	if attempts < 1 {
		attempts = 3
	}
	return &WebhookNotifier{
		url:      url,
		attempts: attempts,
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      log,
		sleep:    time.Sleep,
	}
}

type webhookPayload struct {
	JobID           string  `json:"job_id"`
	TenantID        string  `json:"tenant_id"`
	ScanType        string  `json:"scan_type"`
	State           string  `json:"state"`
	Partial         bool    `json:"partial"`
	TotalFindings   int     `json:"total_findings"`
	ComplianceScore float64 `json:"compliance_score"`
}

func (n *WebhookNotifier) JobFinished(job *models.ScanJob, result *models.ScanResult) {
	if n.url == "" {
		return
	}
	go n.deliver(job, result)
}

func (n *WebhookNotifier) deliver(job *models.ScanJob, result *models.ScanResult) {
	body, err := json.Marshal(webhookPayload{
		JobID:           job.ID.String(),
		TenantID:        job.TenantID.String(),
		ScanType:        string(job.ScanType),
		State:           string(job.State),
		Partial:         result.Partial,
		TotalFindings:   result.Totals.TotalFindings,
		ComplianceScore: result.ComplianceScore,
	})
	if err != nil {
		n.log.Error("encoding webhook payload", err)
		return
	}

	for attempt := 0; attempt < n.attempts; attempt++ {
		if attempt > 0 {
			n.sleep(time.Duration(attempt) * time.Second)
		}
		if err := n.post(job, body); err != nil {
			n.log.Warn("webhook delivery failed", "job_id", job.ID.String(), "attempt", attempt+1, "error", err.Error())
			continue
		}
		return
	}
	n.log.Error("webhook delivery exhausted retries", fmt.Errorf("job %s", job.ID))
}

func (n *WebhookNotifier) post(job *models.ScanJob, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", job.ID.String())

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
