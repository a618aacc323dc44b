package license

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/privyscan/privyscan/internal/logger"
	"github.com/privyscan/privyscan/internal/models"
)

// ReservationTTL is how long an uncommitted quota reservation survives
// before it is auto-released.
const ReservationTTL = 60 * time.Second

// concurrencyRetryAfter is the client back-off hint on session-cap refusals.
const concurrencyRetryAfter = 30 * time.Second

// Reservation is the handle returned by a successful quota reserve. The
// holder must Commit or Release it; expiry releases it lazily.
type Reservation struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	Kind      string
	PeriodKey string
	N         int

	counterKey string
	pendingKey string
	member     string
}

// Enforcer gates submissions on license validity, feature and region
// entitlements, concurrent-session caps and quota counters. Counters live in
// Redis so every orchestrator instance sees the same usage.
type Enforcer struct {
	rdb        *redis.Client
	store      Store
	sessionTTL time.Duration
	logger     *logger.Logger
	now        func() time.Time
}

func NewEnforcer(rdb *redis.Client, store Store, sessionTTL time.Duration, log *logger.Logger) *Enforcer {
	if sessionTTL <= 0 {
		sessionTTL = 30 * time.Minute
	}
	return &Enforcer{
		rdb:        rdb,
		store:      store,
		sessionTTL: sessionTTL,
		logger:     log,
		now:        time.Now,
	}
}

// Admit runs the full synchronous admission check for a submission: license
// gates, session cap, then quota pre-increment. On success the returned
// reservation is already counted against the quota.
func (e *Enforcer) Admit(ctx context.Context, req *models.ScanRequest) (*Reservation, *Rejection, error) {
	lic, rej, err := e.checkLicense(ctx, req)
	if rej != nil || err != nil {
		return nil, rej, err
	}

	if rej, err := e.registerSession(ctx, lic, req.Principal); rej != nil || err != nil {
		return nil, rej, err
	}

	return e.Reserve(ctx, lic, req.TenantID, models.QuotaScansPerMonth, 1)
}

// CanSubmit is the side-effect-free form of Admit: it reports whether a
// submission would be accepted without consuming quota or registering a
// session.
func (e *Enforcer) CanSubmit(ctx context.Context, req *models.ScanRequest) (*Rejection, error) {
	lic, rej, err := e.checkLicense(ctx, req)
	if rej != nil || err != nil {
		return rej, err
	}
	limit, ok := lic.Quotas[models.QuotaScansPerMonth]
	if !ok || limit <= 0 {
		return nil, nil
	}
	period, resetsAt := periodFor(models.QuotaScansPerMonth, e.now())
	used, err := e.currentUsed(ctx, req.TenantID, models.QuotaScansPerMonth, period)
	if err != nil {
		return nil, err
	}
	if used+1 > limit {
		return &Rejection{
			Kind: RejectedQuota, QuotaKind: models.QuotaScansPerMonth,
			Used: used, Limit: limit, ResetsAt: resetsAt,
		}, nil
	}
	return nil, nil
}

func (e *Enforcer) checkLicense(ctx context.Context, req *models.ScanRequest) (*models.License, *Rejection, error) {
	lic, err := e.store.ResolveLicense(ctx, req.TenantID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving license: %w", err)
	}
	if lic == nil {
		return nil, rejectLicense("no_active_license"), nil
	}
	if lic.Suspended {
		return nil, rejectLicense("suspended"), nil
	}
	if !lic.ActiveAt(e.now()) {
		return nil, rejectLicense("expired"), nil
	}
	if !lic.AllowsScanner(req.ScanType) {
		return nil, rejectLicense("scanner_not_licensed"), nil
	}
	if !lic.AllowsRegion(req.Target.Region) {
		return nil, rejectLicense("region_not_licensed"), nil
	}
	if lic.HardwareBinding != "" && lic.HardwareBinding != req.Principal.DeviceFingerprint {
		return nil, rejectLicense("hardware_mismatch"), nil
	}
	return lic, nil, nil
}

// registerSession maintains the sliding set of distinct active users per
// tenant. Expired entries are cleaned lazily on access; a user already in
// the set only refreshes their heartbeat.
func (e *Enforcer) registerSession(ctx context.Context, lic *models.License, p models.Principal) (*Rejection, error) {
	if lic.MaxConcurrentUsers <= 0 || p.UserID == "" {
		return nil, nil
	}
	key := "sessions:" + lic.TenantID.String()
	member := p.UserID
	now := e.now()

	if err := e.rdb.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now.Unix(), 10)).Err(); err != nil {
		return nil, fmt.Errorf("pruning sessions: %w", err)
	}

	score := float64(now.Add(e.sessionTTL).Unix())
	existing, err := e.rdb.ZScore(ctx, key, member).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}
	if err == nil && existing > 0 {
		return nil, e.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	}

	active, err := e.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("counting sessions: %w", err)
	}
	if int(active) >= lic.MaxConcurrentUsers {
		return &Rejection{Kind: RejectedConcurrency, Reason: "concurrent_user_cap", RetryAfter: concurrencyRetryAfter}, nil
	}
	if err := e.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return nil, fmt.Errorf("registering session: %w", err)
	}
	return nil, nil
}

// Reserve pre-increments the quota counter and records a reservation with a
// TTL. Once a job is admitted it has consumed capacity even if it later
// fails, so only an explicit Release (pre-admission rejection path) gives
// the capacity back.
func (e *Enforcer) Reserve(ctx context.Context, lic *models.License, tenantID uuid.UUID, kind string, n int) (*Reservation, *Rejection, error) {
	limit, tracked := lic.Quotas[kind]
	period, resetsAt := periodFor(kind, e.now())
	res := &Reservation{
		ID: uuid.New(), TenantID: tenantID, Kind: kind, PeriodKey: period, N: n,
		counterKey: counterKey(tenantID, kind, period),
		pendingKey: pendingKey(tenantID, kind, period),
	}
	res.member = res.ID.String() + "|" + strconv.Itoa(n)

	if !tracked || limit <= 0 {
		return res, nil, nil // untracked kinds are unlimited
	}

	if err := e.reapExpired(ctx, res.pendingKey, res.counterKey); err != nil {
		return nil, nil, err
	}
	used, err := e.currentUsed(ctx, tenantID, kind, period)
	if err != nil {
		return nil, nil, err
	}
	if used+n > limit {
		return nil, &Rejection{
			Kind: RejectedQuota, QuotaKind: kind,
			Used: used, Limit: limit, ResetsAt: resetsAt,
		}, nil
	}

	pipe := e.rdb.TxPipeline()
	pipe.IncrBy(ctx, res.counterKey, int64(n))
	pipe.ExpireAt(ctx, res.counterKey, resetsAt.Add(24*time.Hour))
	pipe.ZAdd(ctx, res.pendingKey, redis.Z{
		Score:  float64(e.now().Add(ReservationTTL).Unix()),
		Member: res.member,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, nil, fmt.Errorf("reserving quota: %w", err)
	}
	return res, nil, nil
}

// Commit finalizes a reservation: the consumption stays counted.
func (e *Enforcer) Commit(ctx context.Context, res *Reservation) error {
	if res == nil {
		return nil
	}
	return e.rdb.ZRem(ctx, res.pendingKey, res.member).Err()
}

// Release returns reserved capacity, used when a submission is refused
// after its quota was pre-incremented.
func (e *Enforcer) Release(ctx context.Context, res *Reservation) error {
	if res == nil {
		return nil
	}
	removed, err := e.rdb.ZRem(ctx, res.pendingKey, res.member).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return nil // already reaped or committed
	}
	return e.rdb.DecrBy(ctx, res.counterKey, int64(res.N)).Err()
}

// Usage returns the tenant's current-period counters for every quota kind
// the license tracks.
func (e *Enforcer) Usage(ctx context.Context, tenantID uuid.UUID) ([]models.QuotaCounter, error) {
	lic, err := e.store.ResolveLicense(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if lic == nil {
		return nil, nil
	}

	kinds := make([]string, 0, len(lic.Quotas))
	for kind := range lic.Quotas {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	counters := make([]models.QuotaCounter, 0, len(kinds))
	for _, kind := range kinds {
		period, resetsAt := periodFor(kind, e.now())
		if err := e.reapExpired(ctx, pendingKey(tenantID, kind, period), counterKey(tenantID, kind, period)); err != nil {
			return nil, err
		}
		used, err := e.currentUsed(ctx, tenantID, kind, period)
		if err != nil {
			return nil, err
		}
		counters = append(counters, models.QuotaCounter{
			TenantID:  tenantID,
			PeriodKey: period,
			Kind:      kind,
			Used:      used,
			Limit:     lic.Quotas[kind],
			ResetsAt:  resetsAt,
		})
	}
	return counters, nil
}

func (e *Enforcer) currentUsed(ctx context.Context, tenantID uuid.UUID, kind, period string) (int, error) {
	val, err := e.rdb.Get(ctx, counterKey(tenantID, kind, period)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading quota counter: %w", err)
	}
	used, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("corrupt quota counter %q: %w", val, err)
	}
	return used, nil
}

// reapExpired lazily releases reservations whose TTL passed without a
// commit or release.
func (e *Enforcer) reapExpired(ctx context.Context, pendKey, ctrKey string) error {
	nowStr := strconv.FormatInt(e.now().Unix(), 10)
	members, err := e.rdb.ZRangeByScore(ctx, pendKey, &redis.ZRangeBy{Min: "-inf", Max: nowStr}).Result()
	if err != nil {
		return fmt.Errorf("listing expired reservations: %w", err)
	}
	for _, m := range members {
		parts := strings.SplitN(m, "|", 2)
		n := 1
		if len(parts) == 2 {
			if parsed, perr := strconv.Atoi(parts[1]); perr == nil {
				n = parsed
			}
		}
		removed, err := e.rdb.ZRem(ctx, pendKey, m).Result()
		if err != nil {
			return err
		}
		if removed > 0 {
			if err := e.rdb.DecrBy(ctx, ctrKey, int64(n)).Err(); err != nil {
				return err
			}
			e.logger.Warn("auto-released expired quota reservation", "member", m)
		}
	}
	return nil
}

func counterKey(tenantID uuid.UUID, kind, period string) string {
	return fmt.Sprintf("quota:%s:%s:%s", tenantID, kind, period)
}

func pendingKey(tenantID uuid.UUID, kind, period string) string {
	return fmt.Sprintf("quota:pending:%s:%s:%s", tenantID, kind, period)
}

// periodFor maps a quota kind to its calendar period key and reset instant.
func periodFor(kind string, now time.Time) (string, time.Time) {
	now = now.UTC()
	if kind == models.QuotaAPICallsPerDay {
		day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return day.Format("2006-01-02"), day.AddDate(0, 0, 1)
	}
	month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return month.Format("2006-01"), month.AddDate(0, 1, 0)
}
