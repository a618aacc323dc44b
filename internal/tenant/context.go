package tenant

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/privyscan/privyscan/internal/models"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// PrincipalKey is the context key for the verified principal
	PrincipalKey contextKey = "principal"
	// RequestIDKey is the context key for the request/job ID
	RequestIDKey contextKey = "request_id"
)

var (
	// ErrNoPrincipal is returned when no principal is attached to the context
	ErrNoPrincipal = errors.New("no principal found in request context")
	// ErrNoTenantContext is returned when tenant context is missing
	ErrNoTenantContext = errors.New("no tenant context found in request")
)

// WithPrincipal attaches the verified principal to the context.
func WithPrincipal(ctx context.Context, p models.Principal) context.Context {
	return context.WithValue(ctx, PrincipalKey, p)
}

// WithRequestID attaches the request/job ID to the context.
func WithRequestID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// GetPrincipal extracts the principal from context.
func GetPrincipal(ctx context.Context) (models.Principal, error) {
	p, ok := ctx.Value(PrincipalKey).(models.Principal)
	if !ok {
		return models.Principal{}, ErrNoPrincipal
	}
	return p, nil
}

// GetTenantID extracts the tenant ID of the attached principal.
func GetTenantID(ctx context.Context) (uuid.UUID, error) {
	p, err := GetPrincipal(ctx)
	if err != nil {
		return uuid.Nil, ErrNoTenantContext
	}
	return p.TenantID, nil
}

// GetRequestID extracts the request ID from context.
func GetRequestID(ctx context.Context) (uuid.UUID, error) {
	id, ok := ctx.Value(RequestIDKey).(uuid.UUID)
	if !ok {
		return uuid.Nil, ErrNoTenantContext
	}
	return id, nil
}

// MustGetPrincipal extracts the principal or panics.
// Use this only in handlers where auth middleware guarantees context exists.
func MustGetPrincipal(ctx context.Context) models.Principal {
	p, err := GetPrincipal(ctx)
	if err != nil {
		panic("principal not found: ensure auth middleware is applied")
	}
	return p
}
