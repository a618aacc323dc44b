package initialization

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/privyscan/privyscan/internal/config"
	"github.com/privyscan/privyscan/internal/license"
	"github.com/privyscan/privyscan/internal/logger"
	"github.com/privyscan/privyscan/internal/models"
)

// Seed installs tenant licenses at startup. Licenses come from the configured
// license file; in development with no file, a permissive license is created
// for the dev tenant so scans can be submitted out of the box.
func Seed(cfg *config.Config, store *license.StaticStore, log *logger.Logger) error {
	if cfg.LicenseFilePath != "" {
		n, err := loadFile(cfg.LicenseFilePath, store)
		if err != nil {
			return fmt.Errorf("loading license file: %w", err)
		}
		log.Info("licenses loaded", "path", cfg.LicenseFilePath, "count", n)
		return nil
	}

	if cfg.Environment != "development" || cfg.DevTenantID == "" {
		return nil
	}
	tenantID, err := uuid.Parse(cfg.DevTenantID)
	if err != nil {
		return fmt.Errorf("parsing DEV_TENANT_ID: %w", err)
	}
	store.Put(devLicense(tenantID))
	log.Info("development license installed", "tenant_id", tenantID.String())
	return nil
}

// devLicense covers every scanner and region with generous quotas for one year.
func devLicense(tenantID uuid.UUID) *models.License {
	now := time.Now()
	return &models.License{
		TenantID:        tenantID,
		Tier:            models.TierEnterprise,
		AllowedScanners: models.AllScanTypes,
		AllowedRegions:  []string{"NL", "DE", "FR", "BE", "EU"},
		Quotas: map[string]int{
			models.QuotaScansPerMonth:   10000,
			models.QuotaExportsPerMonth: 1000,
			models.QuotaAPICallsPerDay:  100000,
		},
		MaxConcurrentUsers: 100,
		ValidFrom:          now,
		ValidUntil:         now.AddDate(1, 0, 0),
	}
}

func loadFile(path string, store *license.StaticStore) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var licenses []models.License
	if err := json.Unmarshal(data, &licenses); err != nil {
		return 0, err
	}
	for i := range licenses {
		store.Put(&licenses[i])
	}
	return len(licenses), nil
}
