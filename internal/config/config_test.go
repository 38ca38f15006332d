package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 6, cfg.OTP.Length)
	assert.Equal(t, 10*time.Minute, cfg.OTP.TTL)
	assert.Equal(t, 120*time.Second, cfg.OTP.ResendCooldown)
	assert.Equal(t, 72*time.Hour, cfg.Subscription.PendingTTL)
	assert.Equal(t, "20.00", cfg.Subscription.Prices["monthly"])
	assert.Equal(t, "scylla", cfg.Storage.Driver)
	assert.Equal(t, "0.0.0.0:8080", cfg.GetServerAddress())
	assert.False(t, cfg.IsProduction())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("OTP_MAX_ATTEMPTS", "3")
	t.Setenv("OTP_RESEND_COOLDOWN", "45s")
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("SERVER_PORT", "9090")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.OTP.MaxAttempts)
	assert.Equal(t, 45*time.Second, cfg.OTP.ResendCooldown)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("BUCKETING_DEADLINE_BUCKETS=32\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("BUCKETING_DEADLINE_BUCKETS") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Bucketing.DeadlineBuckets)

	_, err = Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.NoError(t, err, "a missing env file is not an error")
}

func TestValidateRejectsBadLimits(t *testing.T) {
	t.Setenv("OTP_LENGTH", "2")
	_, err := Load("")
	assert.ErrorContains(t, err, "otp.length")
}

func TestValidateRejectsUnknownStorage(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "sqlite")
	_, err := Load("")
	assert.ErrorContains(t, err, "unknown storage driver")
}

func TestProductionRequiresRealSecrets(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	_, err := Load("")
	assert.ErrorContains(t, err, "jwt.secret")

	t.Setenv("JWT_SECRET", "a-production-secret-that-is-long-enough")
	_, err = Load("")
	assert.ErrorContains(t, err, "security.pepper")

	t.Setenv("SECURITY_PEPPER", "prod-pepper")
	_, err = Load("")
	assert.ErrorContains(t, err, "sandbox")

	t.Setenv("GATEWAY_DRIVER", "paystack")
	t.Setenv("KMS_ENABLED", "true")
	_, err = Load("")
	require.NoError(t, err)
}
