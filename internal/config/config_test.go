package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRequiresAPIKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GEMINI_API_KEY")
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-key")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.PreferIPv4)
	assert.Equal(t, 240*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 180*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, int64(48<<20), cfg.MaxUploadBytes)
	assert.Equal(t, "https://generativelanguage.googleapis.com", cfg.GeminiBaseURL)
	assert.Equal(t, "v1beta", cfg.GeminiAPIVersion)
	assert.Equal(t, "classifier", cfg.IntentMode)
	assert.Equal(t, 3, cfg.RetryMaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.RetryBaseDelay)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-key")
	t.Setenv("WEB_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("INTENT_MODE", "Tool")
	t.Setenv("RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("RETRY_BASE_DELAY_MS", "2500")
	t.Setenv("MAX_UPLOAD_MB", "10")
	t.Setenv("GEMINI_MAX_RPS", "1.5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "tool", cfg.IntentMode)
	assert.Equal(t, 5, cfg.RetryMaxAttempts)
	assert.Equal(t, 2500*time.Millisecond, cfg.RetryBaseDelay)
	assert.Equal(t, int64(10<<20), cfg.MaxUploadBytes)
	assert.Equal(t, 1.5, cfg.GeminiMaxRPS)
}

func TestLoadClampsBadValues(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-key")
	t.Setenv("RETRY_MAX_ATTEMPTS", "0")
	t.Setenv("REQUEST_TIMEOUT_SECONDS", "-1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.RetryMaxAttempts)
	assert.Equal(t, 240*time.Second, cfg.RequestTimeout)
}
