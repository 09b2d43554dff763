package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies IQBRIDGE_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known IQBRIDGE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── IQ Option ──
	setStr(&cfg.IQOption.WsURL, "IQBRIDGE_IQOPTION_WS_URL")
	setStr(&cfg.IQOption.LoginURL, "IQBRIDGE_IQOPTION_LOGIN_URL")
	setDuration(&cfg.IQOption.HandshakeTimeout, "IQBRIDGE_IQOPTION_HANDSHAKE_TIMEOUT")
	setDuration(&cfg.IQOption.RequestTimeout, "IQBRIDGE_IQOPTION_REQUEST_TIMEOUT")

	// ── Session ──
	setDuration(&cfg.Session.IdleThreshold, "IQBRIDGE_SESSION_IDLE_THRESHOLD")
	setDuration(&cfg.Session.KeepAliveInterval, "IQBRIDGE_SESSION_KEEPALIVE_INTERVAL")
	setDuration(&cfg.Session.QuietPeriod, "IQBRIDGE_SESSION_QUIET_PERIOD")
	setInt(&cfg.Session.MaxAccounts, "IQBRIDGE_SESSION_MAX_ACCOUNTS")
	setBool(&cfg.Session.SharedLocks, "IQBRIDGE_SESSION_SHARED_LOCKS")
	setDuration(&cfg.Session.LockTTL, "IQBRIDGE_SESSION_LOCK_TTL")

	// ── Settlement ──
	setDuration(&cfg.Settlement.StrategyTimeout, "IQBRIDGE_SETTLEMENT_STRATEGY_TIMEOUT")
	setDuration(&cfg.Settlement.SettleDelay, "IQBRIDGE_SETTLEMENT_SETTLE_DELAY")
	setInt(&cfg.Settlement.BatchSize, "IQBRIDGE_SETTLEMENT_BATCH_SIZE")
	setInt(&cfg.Settlement.QueryLimit, "IQBRIDGE_SETTLEMENT_QUERY_LIMIT")
	setDuration(&cfg.Settlement.QueryWindow, "IQBRIDGE_SETTLEMENT_QUERY_WINDOW")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "IQBRIDGE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "IQBRIDGE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "IQBRIDGE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "IQBRIDGE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "IQBRIDGE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "IQBRIDGE_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.TradeTTL, "IQBRIDGE_REDIS_TRADE_TTL")

	// ── Server ──
	setInt(&cfg.Server.Port, "IQBRIDGE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "IQBRIDGE_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "IQBRIDGE_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "IQBRIDGE_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "IQBRIDGE_SERVER_RATE_WINDOW")

	// ── Account ──
	setStr(&cfg.Account.Email, "IQBRIDGE_ACCOUNT_EMAIL")
	setStr(&cfg.Account.Password, "IQBRIDGE_ACCOUNT_PASSWORD")
	setStr(&cfg.Account.EncryptedCredsPath, "IQBRIDGE_ACCOUNT_ENCRYPTED_CREDS_PATH")
	setStr(&cfg.Account.CredsPassword, "IQBRIDGE_ACCOUNT_CREDS_PASSWORD")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "IQBRIDGE_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
