package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 10000, cfg.Queue.MaxSize)
	assert.Equal(t, 100, cfg.Queue.BatchSize)
	assert.Equal(t, 72, cfg.Tracker.RetentionHours)
	assert.Contains(t, cfg.RateLimits.Channels, "sms")
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Queue, cfg.Queue)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadYAMLOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
log:
  level: debug
  format: text
queue:
  max_size: 500
  batch_size: 10
rate_limits:
  channels:
    sms:
      rate: 2
      burst: 10
senders:
  email:
    enabled: true
    smtp_host: mail.example.com
    from_address: alerts@example.com
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 500, cfg.Queue.MaxSize)
	assert.Equal(t, 10, cfg.Queue.BatchSize)
	// Keys absent from the file keep their defaults.
	assert.Equal(t, 5*time.Second, cfg.Queue.BatchTimeout)
	assert.Equal(t, float64(2), cfg.RateLimits.Channels["sms"].Rate)
	assert.True(t, cfg.Senders.Email.Enabled)
	assert.Equal(t, "mail.example.com", cfg.Senders.Email.SMTPHost)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ALERT_COURIER_LOG__LEVEL", "warn")
	t.Setenv("ALERT_COURIER_QUEUE__MAX_SIZE", "42")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 42, cfg.Queue.MaxSize)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
queue:
  max_size: 0
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestValidateRejectsBadRateLimit(t *testing.T) {
	cfg := Default()
	cfg.RateLimits.Channels["sms"] = RateLimitConfig{Rate: -1, Burst: 0}
	assert.Error(t, cfg.Validate())
}
