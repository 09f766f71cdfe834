package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/AccessGate/internal/pkg/env"
)

func withEnv(t *testing.T, vals map[string]string) {
	t.Helper()
	env.Env = vals
	t.Cleanup(func() { env.Env = nil })
}

func TestLoad_Defaults(t *testing.T) {
	withEnv(t, map[string]string{})

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultGracePeriodDays, cfg.GracePeriodDays)
	assert.Equal(t, 5*24*time.Hour, cfg.GracePeriod())
	assert.Equal(t, DefaultRetryMaxAttempts, cfg.RetryMaxAttempts)
	assert.Equal(t, DefaultRetryBaseDelay, cfg.RetryBaseDelay)
	assert.Equal(t, DefaultRetryMaxDelay, cfg.RetryMaxDelay)
	assert.Equal(t, DefaultMetricsInterval, cfg.MetricsInterval)
	assert.Equal(t, "mysql", cfg.DBDriver)
	assert.Equal(t, "3306", cfg.DBPort)
	assert.False(t, cfg.RefundPartialRevokes)
	assert.Empty(t, cfg.AdminTokens)
	assert.Equal(t, DefaultAdminRateLimit, cfg.AdminRateLimit)
	assert.Equal(t, 1, cfg.LimiterCacheDB)
}

func TestLoad_GracePeriodFallsBackOnInvalidValues(t *testing.T) {
	for _, raw := range []string{"0", "-3", "abc", "1.5"} {
		t.Run(raw, func(t *testing.T) {
			withEnv(t, map[string]string{"GRACE_PERIOD_DAYS": raw})
			cfg, err := Load()
			require.NoError(t, err)
			assert.Equal(t, DefaultGracePeriodDays, cfg.GracePeriodDays)
		})
	}

	withEnv(t, map[string]string{"GRACE_PERIOD_DAYS": "7"})
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.GracePeriodDays)
}

func TestLoad_Overrides(t *testing.T) {
	withEnv(t, map[string]string{
		"DB_DRIVER":              "postgres",
		"RETRY_MAX_ATTEMPTS":     "8",
		"RETRY_BASE_DELAY":       "500ms",
		"RETRY_MAX_DELAY":        "30s",
		"GRANT_WORKERS":          "6",
		"REFUND_PARTIAL_REVOKES": "true",
		"ADMIN_TOKENS":           "alice:tok-a, bob:tok-b",
	})

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "5432", cfg.DBPort)
	assert.Equal(t, 8, cfg.RetryMaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryBaseDelay)
	assert.Equal(t, 30*time.Second, cfg.RetryMaxDelay)
	assert.Equal(t, 6, cfg.GrantWorkers)
	assert.True(t, cfg.RefundPartialRevokes)
	assert.Equal(t, map[string]string{"tok-a": "alice", "tok-b": "bob"}, cfg.AdminTokens)
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	withEnv(t, map[string]string{"DB_DRIVER": "oracle"})
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_RejectsMaxDelayBelowBase(t *testing.T) {
	withEnv(t, map[string]string{"RETRY_BASE_DELAY": "1m", "RETRY_MAX_DELAY": "10s"})
	_, err := Load()
	assert.Error(t, err)
}

func TestParseAdminTokens_SkipsMalformed(t *testing.T) {
	got := ParseAdminTokens("ops:abc,broken,:nope,, dev : xyz ")
	assert.Equal(t, map[string]string{"abc": "ops", "xyz": "dev"}, got)
}
