package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://cache:6379/2")
	t.Setenv("POLL_INTERVAL_MS", "250")
	t.Setenv("POLL_MAX_ATTEMPTS", "12")
	t.Setenv("LOCK_TTL_SECONDS", "90")
	t.Setenv("FINALIZE_TIMEOUT_SECONDS", "60")
	t.Setenv("AUTO_FINALIZE", "true")
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("DB_DSN", "postgres://localhost/imports")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "redis://cache:6379/2", cfg.RedisURL)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 12, cfg.PollMaxAttempts)
	assert.Equal(t, 90*time.Second, cfg.LockTTL)
	assert.True(t, cfg.AutoFinalize)
	assert.Equal(t, "postgres", cfg.DBDriver)
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("POLL_MAX_ATTEMPTS", "many")
	t.Setenv("AUTO_FINALIZE", "sometimes")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.PollMaxAttempts)
	assert.False(t, cfg.AutoFinalize)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			RedisURL:      "redis://127.0.0.1:6379/0",
			PollInterval:  time.Second,
			ProgressEvery: 10,
			DBDriver:      "sqlite3",
		}
	}
	require.NoError(t, valid().Validate())

	cfg := valid()
	cfg.RedisURL = ""
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.DBDriver = "oracle"
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.PollMaxAttempts = -1
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.GinMode = "release"
	assert.Error(t, cfg.Validate())
}

func TestValidateFinalizeTimeoutWithinLease(t *testing.T) {
	cfg := &Config{
		RedisURL:        "redis://127.0.0.1:6379/0",
		PollInterval:    time.Second,
		ProgressEvery:   10,
		DBDriver:        "sqlite3",
		LockTTL:         time.Minute,
		FinalizeTimeout: 10 * time.Minute,
	}
	assert.ErrorContains(t, cfg.Validate(), "FINALIZE_TIMEOUT_SECONDS")

	cfg.FinalizeTimeout = time.Minute
	assert.Error(t, cfg.Validate())

	cfg.FinalizeTimeout = 30 * time.Second
	assert.NoError(t, cfg.Validate())

	// リースなしのロックは保持期間まで残る
	cfg.LockTTL = 0
	cfg.FinalizeTimeout = time.Hour
	assert.NoError(t, cfg.Validate())
}

func TestFinalizeAttempts(t *testing.T) {
	cfg := &Config{PollInterval: 500 * time.Millisecond, FinalizeTimeout: time.Minute, PollMaxAttempts: 30}
	assert.Equal(t, 120, cfg.FinalizeAttempts())

	cfg.FinalizeTimeout = 0
	assert.Equal(t, 30, cfg.FinalizeAttempts())
}

func TestKeyRetention(t *testing.T) {
	assert.Equal(t, 2*time.Hour, (&Config{KeyRetentionMins: 120}).KeyRetention())
	assert.Zero(t, (&Config{}).KeyRetention())
}
