package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	unsetenv(t, "AUTH_SECRET", "GOOGLE_CLIENT_ID", "REDIS_DB", "OTP_MAX_ATTEMPTS", "ACCESS_TOKEN_TTL_MINUTES", "OTP_TTL")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.AuthSecret)
	assert.Empty(t, cfg.GoogleClientID)
}

// unsetenv removes keys for the test; envconfig treats a set but empty
// variable as a value, not as missing.
func unsetenv(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestLoadDefaults(t *testing.T) {
	unsetenv(t, "PORT", "OTP_TTL", "ACCESS_TOKEN_TTL_MINUTES", "REDIS_PREFIX", "REDIS_DB", "OTP_MAX_ATTEMPTS")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Address())
	assert.Equal(t, 5*time.Minute, cfg.OTPTTL)
	assert.Equal(t, 8*time.Hour, cfg.AccessTokenTTL())
	assert.Equal(t, "basil:", cfg.RedisPrefix)
}

func TestLoadReadsEnvironment(t *testing.T) {
	unsetenv(t, "REDIS_DB")
	t.Setenv("PORT", "9090")
	t.Setenv("AUTH_SECRET", "  padded-secret  ")
	t.Setenv("OTP_TTL", "90s")
	t.Setenv("OTP_MAX_ATTEMPTS", "3")
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Address())
	assert.Equal(t, "padded-secret", cfg.AuthSecret)
	assert.Equal(t, 90*time.Second, cfg.OTPTTL)
	assert.Equal(t, 3, cfg.OTPMaxAttempts)
	assert.Equal(t, 480, cfg.AccessTokenTTLMinutes)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	unsetenv(t, "OTP_TTL", "OTP_MAX_ATTEMPTS", "ACCESS_TOKEN_TTL_MINUTES")
	t.Setenv("REDIS_DB", "primary")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadClientTrimsAPIURL(t *testing.T) {
	unsetenv(t, "REDIS_DB", "LOG_LEVEL")
	t.Setenv("BASIL_API_URL", " https://api.basil.local/ ")

	cfg, err := LoadClient()
	require.NoError(t, err)
	assert.Equal(t, "https://api.basil.local", cfg.APIURL)
	assert.Equal(t, "warn", cfg.LogLevel)
}
