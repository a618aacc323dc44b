package license

import (
	"encoding/json"
	"fmt"
	"time"
)

// Rejection kinds. Rejections are structured admission outcomes, not faults;
// they never produce a job.
const (
	RejectedLicense         = "license"
	RejectedQuota           = "quota"
	RejectedConcurrency     = "concurrency"
	RejectedUnknownScanType = "unknown_scan_type"
)

// Rejection is a structured pre-admission refusal.
type Rejection struct {
	Kind       string        `json:"kind"`
	Reason     string        `json:"reason,omitempty"`
	QuotaKind  string        `json:"quota_kind,omitempty"`
	Used       int           `json:"used,omitempty"`
	Limit      int           `json:"limit,omitempty"`
	ResetsAt   time.Time     `json:"resets_at,omitempty"`
	RetryAfter time.Duration `json:"-"`
}

// MarshalJSON serializes RetryAfter as whole milliseconds so the wire field
// matches its _ms suffix.
func (r Rejection) MarshalJSON() ([]byte, error) {
	type plain Rejection
	return json.Marshal(struct {
		plain
		RetryAfterMS int64 `json:"retry_after_ms,omitempty"`
	}{plain: plain(r), RetryAfterMS: r.RetryAfter.Milliseconds()})
}

func (r *Rejection) Error() string {
	switch r.Kind {
	case RejectedQuota:
		return fmt.Sprintf("rejected: quota %s exhausted (%d/%d)", r.QuotaKind, r.Used, r.Limit)
	case RejectedConcurrency:
		return fmt.Sprintf("rejected: concurrency limit, retry after %s", r.RetryAfter)
	case RejectedUnknownScanType:
		return "rejected: unknown scan type"
	}
	return fmt.Sprintf("rejected: license (%s)", r.Reason)
}

func rejectLicense(reason string) *Rejection {
	return &Rejection{Kind: RejectedLicense, Reason: reason}
}
