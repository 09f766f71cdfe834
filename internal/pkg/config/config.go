package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/AccessGate/internal/pkg/env"
)

const (
	DefaultGracePeriodDays   = 5
	DefaultRetryMaxAttempts  = 5
	DefaultRetryBaseDelay    = 2 * time.Second
	DefaultRetryMaxDelay     = 10 * time.Minute
	DefaultMetricsInterval   = 15 * time.Second
	DefaultSweepInterval     = 10 * time.Minute
	DefaultWorkers           = 3
	DefaultAccessCallTimeout = 10 * time.Second
	DefaultAdminRateLimit    = 120
)

// Config is the typed runtime configuration of the service.
type Config struct {
	AppHost string `validate:"required"`
	AppPort string `validate:"required,numeric"`

	DBDriver   string `validate:"oneof=mysql postgres sqlite"`
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBPath     string

	CacheHost     string `validate:"required"`
	CachePort     string `validate:"required,numeric"`
	CachePassword string
	CacheDB       int `validate:"gte=0"`

	GracePeriodDays      int           `validate:"gte=1"`
	RetryMaxAttempts     int           `validate:"gte=1"`
	RetryBaseDelay       time.Duration `validate:"gt=0"`
	RetryMaxDelay        time.Duration `validate:"gtefield=RetryBaseDelay"`
	MetricsInterval      time.Duration `validate:"gt=0"`
	SweepInterval        time.Duration `validate:"gt=0"`
	GrantWorkers         int           `validate:"gte=1"`
	RevokeWorkers        int           `validate:"gte=1"`
	AccessCallTimeout    time.Duration `validate:"gt=0"`
	RefundPartialRevokes bool

	StripeWebhookSecret  string
	StripeAPIKey         string
	StripeAPIBaseURL     string `validate:"omitempty,url"`
	PatreonWebhookSecret string

	TelegramBotToken   string
	TelegramAPIBaseURL string `validate:"omitempty,url"`

	NotifySNSTopicARN string
	AWSRegion         string

	// AdminTokens maps bearer token to actor name.
	AdminTokens map[string]string
	// AdminRateLimit is the per-IP request budget per minute on /admin.
	AdminRateLimit int `validate:"gte=1"`
	// LimiterCacheDB is the Redis database holding limiter counters.
	// Negative keeps the counters in process memory.
	LimiterCacheDB int
}

var validate = validator.New()

// Load reads the configuration from the env package and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		AppHost: env.GetEnv("APP_HOST", "0.0.0.0"),
		AppPort: env.GetEnv("APP_PORT", "4000"),

		DBDriver:   strings.ToLower(env.GetEnv("DB_DRIVER", "mysql")),
		DBHost:     env.GetEnv("DB_HOST", "127.0.0.1"),
		DBPort:     env.GetEnv("DB_PORT", ""),
		DBUser:     env.GetEnv("DB_USER", ""),
		DBPassword: env.GetEnv("DB_PASSWORD", ""),
		DBName:     env.GetEnv("DB_NAME", "accessgate"),
		DBPath:     env.GetEnv("DB_PATH", "accessgate.db"),

		CacheHost:     env.GetEnv("CACHE_HOST", "localhost"),
		CachePort:     env.GetEnv("CACHE_PORT", "6379"),
		CachePassword: env.GetEnv("CACHE_PASSWORD", ""),
		CacheDB:       intOr("CACHE_DB", 0),

		GracePeriodDays:      positiveIntOr("GRACE_PERIOD_DAYS", DefaultGracePeriodDays),
		RetryMaxAttempts:     positiveIntOr("RETRY_MAX_ATTEMPTS", DefaultRetryMaxAttempts),
		RetryBaseDelay:       durationOr("RETRY_BASE_DELAY", DefaultRetryBaseDelay),
		RetryMaxDelay:        durationOr("RETRY_MAX_DELAY", DefaultRetryMaxDelay),
		MetricsInterval:      durationOr("METRICS_INTERVAL", DefaultMetricsInterval),
		SweepInterval:        durationOr("SWEEP_INTERVAL", DefaultSweepInterval),
		GrantWorkers:         positiveIntOr("GRANT_WORKERS", DefaultWorkers),
		RevokeWorkers:        positiveIntOr("REVOKE_WORKERS", DefaultWorkers),
		AccessCallTimeout:    durationOr("ACCESS_CALL_TIMEOUT", DefaultAccessCallTimeout),
		RefundPartialRevokes: boolOr("REFUND_PARTIAL_REVOKES", false),

		StripeWebhookSecret:  strings.TrimSpace(env.GetEnv("STRIPE_WEBHOOK_SECRET", "")),
		StripeAPIKey:         strings.TrimSpace(env.GetEnv("STRIPE_API_KEY", "")),
		StripeAPIBaseURL:     strings.TrimSpace(env.GetEnv("STRIPE_API_BASE_URL", "https://api.stripe.com")),
		PatreonWebhookSecret: strings.TrimSpace(env.GetEnv("PATREON_WEBHOOK_SECRET", "")),

		TelegramBotToken:   strings.TrimSpace(env.GetEnv("TELEGRAM_BOT_TOKEN", "")),
		TelegramAPIBaseURL: strings.TrimSpace(env.GetEnv("TELEGRAM_API_BASE_URL", "https://api.telegram.org")),

		NotifySNSTopicARN: strings.TrimSpace(env.GetEnv("NOTIFY_SNS_TOPIC_ARN", "")),
		AWSRegion:         strings.TrimSpace(env.GetEnv("AWS_REGION", "eu-central-1")),

		AdminTokens:    ParseAdminTokens(env.GetEnv("ADMIN_TOKENS", "")),
		AdminRateLimit: positiveIntOr("ADMIN_RATE_LIMIT", DefaultAdminRateLimit),
		LimiterCacheDB: intOr("LIMITER_CACHE_DB", 1),
	}

	if cfg.DBPort == "" {
		cfg.DBPort = defaultDBPort(cfg.DBDriver)
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// GracePeriod returns the grace window as a duration.
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodDays) * 24 * time.Hour
}

// ParseAdminTokens parses "actor:token,actor:token" pairs into a token→actor map.
// Malformed pairs are skipped.
func ParseAdminTokens(raw string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		actor, token, ok := strings.Cut(pair, ":")
		actor = strings.TrimSpace(actor)
		token = strings.TrimSpace(token)
		if !ok || actor == "" || token == "" {
			log.Warnf("[Config] Ignoring malformed ADMIN_TOKENS entry")
			continue
		}
		out[token] = actor
	}
	return out
}

func defaultDBPort(driver string) string {
	switch driver {
	case "postgres":
		return "5432"
	case "mysql":
		return "3306"
	default:
		return ""
	}
}

func intOr(key string, def int) int {
	raw := strings.TrimSpace(env.GetEnv(key, ""))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Warnf("[Config] %s=%q is not a number, using %d", key, raw, def)
		return def
	}
	return v
}

// positiveIntOr falls back to def for missing, non-numeric and non-positive values.
func positiveIntOr(key string, def int) int {
	v := intOr(key, def)
	if v <= 0 {
		log.Warnf("[Config] %s must be positive, using %d", key, def)
		return def
	}
	return v
}

func durationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(env.GetEnv(key, ""))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		log.Warnf("[Config] %s=%q is not a positive duration, using %s", key, raw, def)
		return def
	}
	return d
}

func boolOr(key string, def bool) bool {
	raw := strings.TrimSpace(env.GetEnv(key, ""))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}
