package initialization

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privyscan/privyscan/internal/config"
	"github.com/privyscan/privyscan/internal/license"
	"github.com/privyscan/privyscan/internal/logger"
	"github.com/privyscan/privyscan/internal/models"
)

func TestSeed_LoadsLicenseFile(t *testing.T) {
	tenantID := uuid.New()
	path := filepath.Join(t.TempDir(), "licenses.json")
	body := `[{"tenant_id":"` + tenantID.String() + `","tier":"pro","allowed_scanners":["code"],"quotas":{"scans_per_month":50},"valid_from":"2026-01-01T00:00:00Z","valid_until":"2027-01-01T00:00:00Z"}]`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	store := license.NewStaticStore()
	cfg := &config.Config{LicenseFilePath: path}
	require.NoError(t, Seed(cfg, store, logger.NewLogger("TEST")))

	lic, err := store.ResolveLicense(context.Background(), tenantID)
	require.NoError(t, err)
	require.NotNil(t, lic)
	assert.Equal(t, models.TierPro, lic.Tier)
	assert.True(t, lic.AllowsScanner(models.ScanTypeCode))
	assert.False(t, lic.AllowsScanner(models.ScanTypeWebsite))
}

func TestSeed_DevTenantGetsPermissiveLicense(t *testing.T) {
	tenantID := uuid.New()
	store := license.NewStaticStore()
	cfg := &config.Config{Environment: "development", DevTenantID: tenantID.String()}
	require.NoError(t, Seed(cfg, store, logger.NewLogger("TEST")))

	lic, err := store.ResolveLicense(context.Background(), tenantID)
	require.NoError(t, err)
	require.NotNil(t, lic)
	assert.True(t, lic.ActiveAt(time.Now()))
	for _, st := range models.AllScanTypes {
		assert.True(t, lic.AllowsScanner(st))
	}
}

func TestSeed_ProductionWithoutFileIsEmpty(t *testing.T) {
	store := license.NewStaticStore()
	cfg := &config.Config{Environment: "production", DevTenantID: uuid.NewString()}
	require.NoError(t, Seed(cfg, store, logger.NewLogger("TEST")))

	lic, err := store.ResolveLicense(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, lic)
}
