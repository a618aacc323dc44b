package license

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/privyscan/privyscan/internal/models"
)

// Store resolves the active license for a tenant. Licenses are written by an
// external admin path; the core only reads them.
type Store interface {
	ResolveLicense(ctx context.Context, tenantID uuid.UUID) (*models.License, error)
}

// StaticStore serves licenses from memory. Used in development and tests; a
// missing entry means no active license.
type StaticStore struct {
	mu       sync.RWMutex
	licenses map[uuid.UUID]*models.License
}

func NewStaticStore() *StaticStore {
	return &StaticStore{licenses: make(map[uuid.UUID]*models.License)}
}

// Put installs or replaces a tenant's license.
func (s *StaticStore) Put(l *models.License) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.licenses[l.TenantID] = l
}

func (s *StaticStore) ResolveLicense(ctx context.Context, tenantID uuid.UUID) (*models.License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.licenses[tenantID], nil
}
