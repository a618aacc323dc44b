package models

import (
	"time"

	"github.com/google/uuid"
)

// Principal is the already-verified actor of a request, supplied by the auth
// collaborator. Immutable per request.
type Principal struct {
	TenantID          uuid.UUID `json:"tenant_id"`
	UserID            string    `json:"user_id"`
	Roles             []string  `json:"roles"`
	DeviceFingerprint string    `json:"device_fingerprint,omitempty"`
}

// HasRole reports whether the principal carries the given role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuditEvent is an append-only audit record. Targets are stored redacted;
// secret material never enters the audit trail.
type AuditEvent struct {
	At         time.Time         `json:"at"`
	TenantID   uuid.UUID         `json:"tenant_id"`
	Actor      string            `json:"actor"`
	Action     string            `json:"action"`
	Target     string            `json:"target"`
	Outcome    string            `json:"outcome"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Audit actions recorded by the core.
const (
	AuditActionSubmit = "submit"
	AuditActionCancel = "cancel"
	AuditActionFinish = "finish"
	AuditActionErase  = "erase"
	AuditActionReload = "rules_reload"
)

// Audit outcomes.
const (
	AuditOutcomeOK       = "ok"
	AuditOutcomeRejected = "rejected"
	AuditOutcomeError    = "error"
)
