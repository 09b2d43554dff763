package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	assert.NoError(t, cfg.Validate())
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
log_level = "debug"

[session]
idle_threshold = "5m"

[server]
port = 9100
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 5*time.Minute, cfg.Session.IdleThreshold.Duration)
	assert.Equal(t, 9100, cfg.Server.Port)

	// Untouched sections keep their defaults.
	assert.Equal(t, "wss://iqoption.com/echo/websocket", cfg.IQOption.WsURL)
	assert.Equal(t, 24*time.Hour, cfg.Redis.TradeTTL.Duration)
	assert.Equal(t, 50, cfg.Settlement.BatchSize)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
[redis]
addr = "fromfile:6379"
`)

	t.Setenv("IQBRIDGE_REDIS_ADDR", "fromenv:6380")
	t.Setenv("IQBRIDGE_SERVER_PORT", "9200")
	t.Setenv("IQBRIDGE_SESSION_IDLE_THRESHOLD", "3m")
	t.Setenv("IQBRIDGE_SERVER_CORS_ORIGINS", "https://a.test, https://b.test")
	t.Setenv("IQBRIDGE_SESSION_SHARED_LOCKS", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "fromenv:6380", cfg.Redis.Addr)
	assert.Equal(t, 9200, cfg.Server.Port)
	assert.Equal(t, 3*time.Minute, cfg.Session.IdleThreshold.Duration)
	assert.Equal(t, []string{"https://a.test", "https://b.test"}, cfg.Server.CORSOrigins)
	assert.True(t, cfg.Session.SharedLocks)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "loud"
	cfg.IQOption.WsURL = ""
	cfg.Server.Port = 0
	cfg.Redis.Addr = ""

	err := cfg.Validate()
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "log_level")
	assert.Contains(t, msg, "ws_url")
	assert.Contains(t, msg, "port")
	assert.Contains(t, msg, "redis: addr")
}

func TestValidateAccountCredentialRules(t *testing.T) {
	cfg := Defaults()
	cfg.Account.Password = "pw"
	cfg.Account.EncryptedCredsPath = "creds.enc.json"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")

	cfg = Defaults()
	cfg.Account.EncryptedCredsPath = "creds.enc.json"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "creds_password")

	cfg = Defaults()
	cfg.Account.Password = "pw"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "email")
}

func TestValidateSharedLocksRequireTTL(t *testing.T) {
	cfg := Defaults()
	cfg.Session.SharedLocks = true
	cfg.Session.LockTTL.Duration = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock_ttl")
}

func TestRedactedConfigHidesSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Redis.Password = "redis-secret"
	cfg.Server.APIKey = "api-secret"
	cfg.Account.Email = "trader@test"
	cfg.Account.Password = "account-secret"
	cfg.Account.CredsPassword = "file-secret"

	red := RedactedConfig(&cfg)

	assert.Equal(t, "***", red.Redis.Password)
	assert.Equal(t, "***", red.Server.APIKey)
	assert.Equal(t, "***", red.Account.Password)
	assert.Equal(t, "***", red.Account.CredsPassword)
	assert.Equal(t, "trader@test", red.Account.Email)

	// The original is untouched.
	assert.Equal(t, "redis-secret", cfg.Redis.Password)
}
