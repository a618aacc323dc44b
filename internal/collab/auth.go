package collab

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"

	"github.com/privyscan/privyscan/internal/models"
)

// ErrUnauthenticated is returned when a request carries no usable identity.
var ErrUnauthenticated = errors.New("unauthenticated request")

// PrincipalResolver turns an incoming request into a verified principal.
// The core trusts the resolver completely; it never inspects credentials
// itself.
type PrincipalResolver interface {
	Resolve(ctx context.Context, r *http.Request) (*models.Principal, error)
}

// StaticResolver reads identity from request headers. Development and test
// deployments only; it performs no verification.
type StaticResolver struct{}

func (StaticResolver) Resolve(ctx context.Context, r *http.Request) (*models.Principal, error) {
	rawTenant := r.Header.Get("X-Tenant-ID")
	if rawTenant == "" {
		return nil, ErrUnauthenticated
	}
	tenantID, err := uuid.Parse(rawTenant)
	if err != nil {
		return nil, fmt.Errorf("invalid tenant id: %w", err)
	}
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		return nil, ErrUnauthenticated
	}

	p := &models.Principal{
		TenantID:          tenantID,
		UserID:            userID,
		DeviceFingerprint: r.Header.Get("X-Device-Fingerprint"),
	}
	if roles := r.Header.Get("X-Roles"); roles != "" {
		for _, role := range strings.Split(roles, ",") {
			if role = strings.TrimSpace(role); role != "" {
				p.Roles = append(p.Roles, role)
			}
		}
	}
	return p, nil
}

// OIDCResolver verifies bearer tokens against an OpenID Connect issuer and
// maps the tenant_id and roles claims onto the principal.
type OIDCResolver struct {
	verifier *oidc.IDTokenVerifier
}

func NewOIDCResolver(ctx context.Context, issuerURL, clientID string) (*OIDCResolver, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("discovering OIDC provider: %w", err)
	}
	return &OIDCResolver{
		verifier: provider.Verifier(&oidc.Config{ClientID: clientID}),
	}, nil
}

type oidcClaims struct {
	TenantID          string   `json:"tenant_id"`
	Roles             []string `json:"roles"`
	DeviceFingerprint string   `json:"device_fingerprint"`
}

func (o *OIDCResolver) Resolve(ctx context.Context, r *http.Request) (*models.Principal, error) {
	authz := r.Header.Get("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		return nil, ErrUnauthenticated
	}
	token, err := o.verifier.Verify(ctx, strings.TrimPrefix(authz, "Bearer "))
	if err != nil {
		return nil, fmt.Errorf("verifying token: %w", err)
	}

	var claims oidcClaims
	if err := token.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decoding claims: %w", err)
	}
	tenantID, err := uuid.Parse(claims.TenantID)
	if err != nil {
		return nil, fmt.Errorf("invalid tenant_id claim: %w", err)
	}

	return &models.Principal{
		TenantID:          tenantID,
		UserID:            token.Subject,
		Roles:             claims.Roles,
		DeviceFingerprint: claims.DeviceFingerprint,
	}, nil
}
