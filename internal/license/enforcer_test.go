package license

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privyscan/privyscan/internal/logger"
	"github.com/privyscan/privyscan/internal/models"
)

func testEnforcer(t *testing.T) (*Enforcer, *StaticStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewStaticStore()
	return NewEnforcer(rdb, store, 30*time.Minute, logger.NewLogger("TEST")), store
}

func proLicense(tenantID uuid.UUID) *models.License {
	return &models.License{
		TenantID:           tenantID,
		Tier:               models.TierPro,
		AllowedScanners:    models.AllScanTypes,
		AllowedRegions:     []string{"EU", "NL"},
		Quotas:             map[string]int{models.QuotaScansPerMonth: 10},
		MaxConcurrentUsers: 2,
		ValidFrom:          time.Now().Add(-time.Hour),
		ValidUntil:         time.Now().Add(24 * time.Hour),
	}
}

func submission(tenantID uuid.UUID, user string) *models.ScanRequest {
	return &models.ScanRequest{
		RequestID: uuid.New(),
		TenantID:  tenantID,
		Principal: models.Principal{TenantID: tenantID, UserID: user},
		ScanType:  models.ScanTypeWebsite,
		Target:    models.ScanTarget{URL: "https://example.nl", Region: "NL"},
	}
}

func TestAdmit_ReservesQuota(t *testing.T) {
	e, store := testEnforcer(t)
	tenantID := uuid.New()
	store.Put(proLicense(tenantID))

	res, rej, err := e.Admit(context.Background(), submission(tenantID, "alice"))
	require.NoError(t, err)
	require.Nil(t, rej)
	require.NotNil(t, res)

	usage, err := e.Usage(context.Background(), tenantID)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, models.QuotaScansPerMonth, usage[0].Kind)
	assert.Equal(t, 1, usage[0].Used)
	assert.Equal(t, 10, usage[0].Limit)
}

func TestAdmit_QuotaExhausted(t *testing.T) {
	e, store := testEnforcer(t)
	tenantID := uuid.New()
	lic := proLicense(tenantID)
	lic.MaxConcurrentUsers = 0
	store.Put(lic)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		res, rej, err := e.Admit(ctx, submission(tenantID, "alice"))
		require.NoError(t, err)
		require.Nil(t, rej)
		require.NoError(t, e.Commit(ctx, res))
	}

	res, rej, err := e.Admit(ctx, submission(tenantID, "alice"))
	require.NoError(t, err)
	require.Nil(t, res)
	require.NotNil(t, rej)
	assert.Equal(t, RejectedQuota, rej.Kind)
	assert.Equal(t, models.QuotaScansPerMonth, rej.QuotaKind)
	assert.Equal(t, 10, rej.Used)
	assert.Equal(t, 10, rej.Limit)
	assert.False(t, rej.ResetsAt.IsZero())

	// The refused submission consumed nothing.
	usage, err := e.Usage(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, 10, usage[0].Used)
}

func TestRelease_ReturnsCapacity(t *testing.T) {
	e, store := testEnforcer(t)
	tenantID := uuid.New()
	store.Put(proLicense(tenantID))

	ctx := context.Background()
	res, rej, err := e.Admit(ctx, submission(tenantID, "alice"))
	require.NoError(t, err)
	require.Nil(t, rej)
	require.NoError(t, e.Release(ctx, res))

	usage, err := e.Usage(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, 0, usage[0].Used)

	// Release after commit or reap is a no-op, not a double decrement.
	require.NoError(t, e.Release(ctx, res))
	usage, _ = e.Usage(ctx, tenantID)
	assert.Equal(t, 0, usage[0].Used)
}

func TestReservation_ExpiresAndAutoReleases(t *testing.T) {
	e, store := testEnforcer(t)
	tenantID := uuid.New()
	store.Put(proLicense(tenantID))

	ctx := context.Background()
	_, rej, err := e.Admit(ctx, submission(tenantID, "alice"))
	require.NoError(t, err)
	require.Nil(t, rej)

	// Never committed; move past the reservation TTL.
	e.now = func() time.Time { return time.Now().Add(ReservationTTL + time.Second) }

	usage, err := e.Usage(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, 0, usage[0].Used)
}

func TestAdmit_LicenseGates(t *testing.T) {
	e, store := testEnforcer(t)
	ctx := context.Background()

	// No license at all.
	_, rej, err := e.Admit(ctx, submission(uuid.New(), "alice"))
	require.NoError(t, err)
	require.NotNil(t, rej)
	assert.Equal(t, RejectedLicense, rej.Kind)
	assert.Equal(t, "no_active_license", rej.Reason)

	// Expired.
	tenantID := uuid.New()
	expired := proLicense(tenantID)
	expired.ValidUntil = time.Now().Add(-time.Minute)
	store.Put(expired)
	_, rej, _ = e.Admit(ctx, submission(tenantID, "alice"))
	require.NotNil(t, rej)
	assert.Equal(t, "expired", rej.Reason)

	// Scanner not in the entitlement.
	tenantID = uuid.New()
	limited := proLicense(tenantID)
	limited.AllowedScanners = []models.ScanType{models.ScanTypeDPIA}
	store.Put(limited)
	_, rej, _ = e.Admit(ctx, submission(tenantID, "alice"))
	require.NotNil(t, rej)
	assert.Equal(t, "scanner_not_licensed", rej.Reason)

	// Region not covered.
	tenantID = uuid.New()
	usOnly := proLicense(tenantID)
	usOnly.AllowedRegions = []string{"US"}
	store.Put(usOnly)
	_, rej, _ = e.Admit(ctx, submission(tenantID, "alice"))
	require.NotNil(t, rej)
	assert.Equal(t, "region_not_licensed", rej.Reason)
}

func TestAdmit_HardwareBinding(t *testing.T) {
	e, store := testEnforcer(t)
	tenantID := uuid.New()
	lic := proLicense(tenantID)
	lic.Tier = models.TierStandalone
	lic.HardwareBinding = "fp-expected"
	store.Put(lic)

	ctx := context.Background()
	req := submission(tenantID, "alice")
	req.Principal.DeviceFingerprint = "fp-other"
	_, rej, err := e.Admit(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, rej)
	assert.Equal(t, "hardware_mismatch", rej.Reason)

	req.Principal.DeviceFingerprint = "fp-expected"
	_, rej, err = e.Admit(ctx, req)
	require.NoError(t, err)
	assert.Nil(t, rej)
}

func TestAdmit_ConcurrentUserCap(t *testing.T) {
	e, store := testEnforcer(t)
	tenantID := uuid.New()
	store.Put(proLicense(tenantID)) // cap 2

	ctx := context.Background()
	for _, user := range []string{"alice", "bob"} {
		_, rej, err := e.Admit(ctx, submission(tenantID, user))
		require.NoError(t, err)
		require.Nil(t, rej)
	}

	// Third distinct user is over the cap.
	_, rej, err := e.Admit(ctx, submission(tenantID, "carol"))
	require.NoError(t, err)
	require.NotNil(t, rej)
	assert.Equal(t, RejectedConcurrency, rej.Kind)
	assert.Greater(t, rej.RetryAfter, time.Duration(0))

	// An already-active user only refreshes their heartbeat.
	_, rej, err = e.Admit(ctx, submission(tenantID, "alice"))
	require.NoError(t, err)
	assert.Nil(t, rej)
}

func TestCanSubmit_IsSideEffectFree(t *testing.T) {
	e, store := testEnforcer(t)
	tenantID := uuid.New()
	store.Put(proLicense(tenantID))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		rej, err := e.CanSubmit(ctx, submission(tenantID, "alice"))
		require.NoError(t, err)
		assert.Nil(t, rej)
	}
	usage, err := e.Usage(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, 0, usage[0].Used)
}
