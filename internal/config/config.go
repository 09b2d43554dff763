// Package config defines the top-level configuration for the IQ Option
// bridge gateway and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by IQBRIDGE_* environment
// variables.
type Config struct {
	IQOption   IQOptionConfig   `toml:"iqoption"`
	Session    SessionConfig    `toml:"session"`
	Settlement SettlementConfig `toml:"settlement"`
	Redis      RedisConfig      `toml:"redis"`
	Server     ServerConfig     `toml:"server"`
	Account    AccountConfig    `toml:"account"`
	LogLevel   string           `toml:"log_level"`
}

// IQOptionConfig holds the upstream brokerage endpoints.
type IQOptionConfig struct {
	WsURL    string `toml:"ws_url"`
	LoginURL string `toml:"login_url"`
	// HandshakeTimeout bounds the full authenticate sequence (HTTP login +
	// websocket dial + ssid acceptance).
	HandshakeTimeout duration `toml:"handshake_timeout"`
	RequestTimeout   duration `toml:"request_timeout"`
}

// SessionConfig tunes the session manager.
type SessionConfig struct {
	// IdleThreshold is how long an unused session survives before the sweep
	// (or the next acquire) discards it.
	IdleThreshold duration `toml:"idle_threshold"`
	// KeepAliveInterval is the period of the background liveness sweep.
	KeepAliveInterval duration `toml:"keepalive_interval"`
	// QuietPeriod exempts sessions younger than this from keep-alive probes.
	QuietPeriod duration `toml:"quiet_period"`
	// MaxAccounts caps the number of concurrently cached account sessions.
	MaxAccounts int `toml:"max_accounts"`
	// SharedLocks additionally takes the Redis lock inside exclusive scopes
	// so two gateway replicas cannot interleave a balance-mode switch.
	SharedLocks bool     `toml:"shared_locks"`
	LockTTL     duration `toml:"lock_ttl"`
}

// SettlementConfig tunes the settlement resolver.
type SettlementConfig struct {
	// StrategyTimeout bounds each individual strategy call.
	StrategyTimeout duration `toml:"strategy_timeout"`
	// SettleDelay is the wait after a ledger refresh before the ledger is
	// trusted (upstream eventual consistency).
	SettleDelay duration `toml:"settle_delay"`
	// BatchSize is how many recently-closed operations the batch scan pulls.
	BatchSize int `toml:"batch_size"`
	// QueryLimit / QueryWindow rate-limit the expensive strategies (ledger
	// refresh, batch scan) per account.
	QueryLimit  int      `toml:"query_limit"`
	QueryWindow duration `toml:"query_window"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	TradeTTL   duration `toml:"trade_ttl"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey protects every route except /health; empty disables auth.
	APIKey string `toml:"api_key"`
	// RateLimit requests per RateWindow per client IP; 0 disables limiting.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// AccountConfig optionally names a brokerage account whose session is warmed
// at startup and kept alive by the background sweep. Credentials come either
// inline or from an encrypted file produced by the crypto package.
type AccountConfig struct {
	Email              string `toml:"email"`
	Password           string `toml:"password"`
	EncryptedCredsPath string `toml:"encrypted_creds_path"`
	CredsPassword      string `toml:"creds_password"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		IQOption: IQOptionConfig{
			WsURL:            "wss://iqoption.com/echo/websocket",
			LoginURL:         "https://auth.iqoption.com/api/v2/login",
			HandshakeTimeout: duration{20 * time.Second},
			RequestTimeout:   duration{10 * time.Second},
		},
		Session: SessionConfig{
			IdleThreshold:     duration{10 * time.Minute},
			KeepAliveInterval: duration{30 * time.Second},
			QuietPeriod:       duration{time.Minute},
			MaxAccounts:       32,
			SharedLocks:       false,
			LockTTL:           duration{30 * time.Second},
		},
		Settlement: SettlementConfig{
			StrategyTimeout: duration{8 * time.Second},
			SettleDelay:     duration{2 * time.Second},
			BatchSize:       50,
			QueryLimit:      10,
			QueryWindow:     duration{time.Minute},
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
			TradeTTL:   duration{24 * time.Hour},
		},
		Server: ServerConfig{
			Port:        8000,
			CORSOrigins: []string{"*"},
			RateLimit:   60,
			RateWindow:  duration{time.Minute},
		},
		LogLevel: "info",
	}
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// IQ Option endpoints
	if c.IQOption.WsURL == "" {
		errs = append(errs, "iqoption: ws_url must not be empty")
	}
	if c.IQOption.LoginURL == "" {
		errs = append(errs, "iqoption: login_url must not be empty")
	}
	if c.IQOption.HandshakeTimeout.Duration <= 0 {
		errs = append(errs, "iqoption: handshake_timeout must be > 0")
	}
	if c.IQOption.RequestTimeout.Duration <= 0 {
		errs = append(errs, "iqoption: request_timeout must be > 0")
	}

	// Session
	if c.Session.IdleThreshold.Duration <= 0 {
		errs = append(errs, "session: idle_threshold must be > 0")
	}
	if c.Session.KeepAliveInterval.Duration <= 0 {
		errs = append(errs, "session: keepalive_interval must be > 0")
	}
	if c.Session.QuietPeriod.Duration < 0 {
		errs = append(errs, "session: quiet_period must be >= 0")
	}
	if c.Session.MaxAccounts < 1 {
		errs = append(errs, "session: max_accounts must be >= 1")
	}
	if c.Session.SharedLocks && c.Session.LockTTL.Duration <= 0 {
		errs = append(errs, "session: lock_ttl must be > 0 when shared_locks is enabled")
	}

	// Settlement
	if c.Settlement.StrategyTimeout.Duration <= 0 {
		errs = append(errs, "settlement: strategy_timeout must be > 0")
	}
	if c.Settlement.SettleDelay.Duration < 0 {
		errs = append(errs, "settlement: settle_delay must be >= 0")
	}
	if c.Settlement.BatchSize < 1 {
		errs = append(errs, "settlement: batch_size must be >= 1")
	}
	if c.Settlement.QueryLimit < 0 {
		errs = append(errs, "settlement: query_limit must be >= 0")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}
	if c.Redis.TradeTTL.Duration <= 0 {
		errs = append(errs, "redis: trade_ttl must be > 0")
	}

	// Server
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
		errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
	}

	// Account — inline and encrypted credential sources are exclusive.
	if c.Account.Password != "" && c.Account.EncryptedCredsPath != "" {
		errs = append(errs, "account: password and encrypted_creds_path are mutually exclusive")
	}
	if c.Account.EncryptedCredsPath != "" && c.Account.CredsPassword == "" {
		errs = append(errs, "account: creds_password is required when encrypted_creds_path is set")
	}
	if c.Account.Password != "" && c.Account.Email == "" {
		errs = append(errs, "account: email is required when password is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
