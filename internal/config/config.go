package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/privyscan/privyscan/internal/models"
)

// Config carries every recognized runtime option. Values come from the
// environment with calendar defaults matching the service contract.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	Environment string

	// Worker pool
	GlobalPoolSize int
	PerTypeCaps    map[models.ScanType]int

	// Admission queue
	QueueMaxAdmitted         int
	BackpressureThresholdPct int

	// Deadlines per scan type
	DeadlinePerType map[models.ScanType]time.Duration

	// Retry policy for retry-safe scanners
	RetryMaxAttempts int
	RetryBackoffBase time.Duration

	// Registry reload
	RulePackPath       string
	ReloadPollInterval time.Duration

	// Persistence
	PersistencePoolSize int
	QueryTimeout        time.Duration

	// Cancellation
	CancelObservationLatency time.Duration

	// History
	HistoryDownsampleBucket string // "day" | "hour"

	// Sessions
	SessionTTL time.Duration

	// Inner I/O timeouts
	HTTPFetchTimeout time.Duration
	DBQueryTimeout   time.Duration

	// Collaborators
	AuthMode           string // static, oidc
	OIDCIssuerURL      string
	OIDCClientID       string
	SecretMode         string // plain, aws-kms
	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AzureBlobURL       string
	BlobLocalRoot      string
	SMTPHost           string
	SMTPPort           int
	SMTPUser           string
	SMTPPassword       string
	MailFrom           string
	MailRecipients     []string
	WebhookURL         string
	WebhookAttempts    int

	// Licenses
	LicenseFilePath string
	DevTenantID     string
}

// Default per-type deadlines. DB deadline covers the DEEP budget.
func defaultDeadlines() map[models.ScanType]time.Duration {
	return map[models.ScanType]time.Duration{
		models.ScanTypeCode:     10 * time.Minute,
		models.ScanTypeDocument: 10 * time.Minute,
		models.ScanTypeImage:    10 * time.Minute,
		models.ScanTypeDatabase: 30 * time.Minute,
		models.ScanTypeAPI:      10 * time.Minute,
		models.ScanTypeWebsite:  5 * time.Minute,
		models.ScanTypeAIModel:  10 * time.Minute,
		models.ScanTypeDPIA:     1 * time.Minute,
	}
}

func defaultPerTypeCaps() map[models.ScanType]int {
	return map[models.ScanType]int{
		models.ScanTypeDatabase: 8,
		models.ScanTypeWebsite:  16,
	}
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	LoadEnvOnce()

	poolSize := getInt("WORKERS_GLOBAL_POOL_SIZE", 32)
	queueMax := getInt("QUEUE_MAX_ADMITTED", 10000)
	backpressure := getInt("QUEUE_BACKPRESSURE_THRESHOLD_PCT", 80)
	retryMax := getInt("RETRIES_MAX_ATTEMPTS", 2)
	retryBase := getInt("RETRIES_BACKOFF_MS_BASE", 500)
	reloadPoll := getInt("REGISTRY_RELOAD_POLL_INTERVAL_MS", 60000)
	persistPool := getInt("PERSISTENCE_POOL_SIZE", 25)
	queryTimeout := getInt("PERSISTENCE_QUERY_TIMEOUT_MS", 30000)
	cancelLatency := getInt("CANCELLATION_MAX_OBSERVATION_LATENCY_MS", 2000)
	sessionTTL := getInt("SESSION_TTL_MS", 1800000)
	smtpPort := getInt("SMTP_PORT", 587)
	webhookAttempts := getInt("WEBHOOK_MAX_ATTEMPTS", 3)

	cfg := &Config{
		Port:        GetEnvWithFallback("PORT", "8080"),
		DatabaseURL: GetEnvWithFallback("DATABASE_URL", "postgresql://localhost:5432/privyscan?sslmode=disable"),
		RedisURL:    GetEnvWithFallback("REDIS_URL", "redis://localhost:6379/0"),
		Environment: GetEnvWithFallback("ENVIRONMENT", "development"),

		GlobalPoolSize:           poolSize,
		PerTypeCaps:              defaultPerTypeCaps(),
		QueueMaxAdmitted:         queueMax,
		BackpressureThresholdPct: backpressure,
		DeadlinePerType:          defaultDeadlines(),
		RetryMaxAttempts:         retryMax,
		RetryBackoffBase:         time.Duration(retryBase) * time.Millisecond,

		RulePackPath:       GetEnvWithFallback("RULE_PACK_PATH", ""),
		ReloadPollInterval: time.Duration(reloadPoll) * time.Millisecond,

		PersistencePoolSize: persistPool,
		QueryTimeout:        time.Duration(queryTimeout) * time.Millisecond,

		CancelObservationLatency: time.Duration(cancelLatency) * time.Millisecond,
		HistoryDownsampleBucket:  GetEnvWithFallback("HISTORY_DOWNSAMPLE_BUCKET", "day"),
		SessionTTL:               time.Duration(sessionTTL) * time.Millisecond,

		HTTPFetchTimeout: time.Duration(getInt("HTTP_FETCH_TIMEOUT_MS", 20000)) * time.Millisecond,
		DBQueryTimeout:   time.Duration(getInt("DB_QUERY_TIMEOUT_MS", 30000)) * time.Millisecond,

		AuthMode:           GetEnvWithFallback("AUTH_MODE", "static"),
		OIDCIssuerURL:      GetEnvWithFallback("OIDC_ISSUER_URL", ""),
		OIDCClientID:       GetEnvWithFallback("OIDC_CLIENT_ID", ""),
		SecretMode:         GetEnvWithFallback("SECRET_MODE", "plain"),
		AWSRegion:          GetEnvWithFallback("AWS_REGION", "eu-west-1"),
		AWSAccessKeyID:     GetEnvWithFallback("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey: GetEnvWithFallback("AWS_SECRET_ACCESS_KEY", ""),
		AzureBlobURL:       GetEnvWithFallback("AZURE_BLOB_URL", ""),
		BlobLocalRoot:      GetEnvWithFallback("BLOB_LOCAL_ROOT", "./data"),
		SMTPHost:           GetEnvWithFallback("SMTP_HOST", ""),
		SMTPPort:           smtpPort,
		SMTPUser:           GetEnvWithFallback("SMTP_USER", ""),
		SMTPPassword:       GetEnvWithFallback("SMTP_PASSWORD", ""),
		MailFrom:           GetEnvWithFallback("MAIL_FROM", "privyscan@localhost"),
		MailRecipients:     splitList(GetEnvWithFallback("MAIL_RECIPIENTS", "")),
		WebhookURL:         GetEnvWithFallback("WEBHOOK_URL", ""),
		WebhookAttempts:    webhookAttempts,

		LicenseFilePath: GetEnvWithFallback("LICENSE_FILE", ""),
		DevTenantID:     GetEnvWithFallback("DEV_TENANT_ID", ""),
	}

	applyPerTypeOverrides(cfg)
	return cfg, nil
}

// applyPerTypeOverrides parses WORKERS_PER_TYPE_CAPS and DEADLINES_PER_TYPE_MS,
// both comma-separated "type=value" lists.
func applyPerTypeOverrides(cfg *Config) {
	if raw := GetEnvWithFallback("WORKERS_PER_TYPE_CAPS", ""); raw != "" {
		for key, val := range parsePairs(raw) {
			if t, ok := models.ParseScanType(key); ok {
				cfg.PerTypeCaps[t] = val
			}
		}
	}
	if raw := GetEnvWithFallback("DEADLINES_PER_TYPE_MS", ""); raw != "" {
		for key, val := range parsePairs(raw) {
			if t, ok := models.ParseScanType(key); ok {
				cfg.DeadlinePerType[t] = time.Duration(val) * time.Millisecond
			}
		}
	}
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(item); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func parsePairs(raw string) map[string]int {
	out := make(map[string]int)
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 {
			continue
		}
		if v, err := strconv.Atoi(parts[1]); err == nil {
			out[parts[0]] = v
		}
	}
	return out
}

func getInt(key string, fallback int) int {
	v, err := strconv.Atoi(GetEnvWithFallback(key, strconv.Itoa(fallback)))
	if err != nil {
		return fallback
	}
	return v
}
