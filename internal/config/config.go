// Package config defines the top-level configuration for the conditional
// trading engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by IBEX_* environment variables.
type Config struct {
	Gateway      GatewayConfig      `toml:"ib_gateway"`
	Runtime      RuntimeConfig      `toml:"runtime"`
	Worker       WorkerConfig       `toml:"worker"`
	Verification VerificationConfig `toml:"verification"`
	Limits       LimitsConfig       `toml:"limits"`
	Postgres     PostgresConfig     `toml:"postgres"`
	Redis        RedisConfig        `toml:"redis"`
	S3           S3Config           `toml:"s3"`
	Server       ServerConfig       `toml:"server"`
	Notify       NotifyConfig       `toml:"notify"`
	Markets      []MarketConfig     `toml:"markets"`
	RulesPath    string             `toml:"rules_path"`
	Mode         string             `toml:"mode"`
	LogLevel     string             `toml:"log_level"`
}

// GatewayConfig holds broker bridge endpoints and trading mode.
type GatewayConfig struct {
	BaseURL           string   `toml:"base_url"`
	WsURL             string   `toml:"ws_url"`
	APIKey            string   `toml:"api_key"`
	Account           string   `toml:"account"`
	TradingMode       string   `toml:"trading_mode"` // "paper" or "live"
	EnableLiveTrading bool     `toml:"enable_live_trading"`
	RequestTimeout    duration `toml:"request_timeout"`
	MaxRetries        int      `toml:"max_retries"`
}

// RuntimeConfig holds scheduler and recovery loop parameters.
type RuntimeConfig struct {
	MonitorInterval  duration `toml:"monitor_interval"`
	LeaseTTL         duration `toml:"lease_ttl"`
	RecoveryInterval duration `toml:"recovery_interval"`
	ExpirySweep      duration `toml:"expiry_sweep"`
	BarPageSize      int      `toml:"bar_page_size"`
	BarRetentionDays int      `toml:"bar_retention_days"`
}

// WorkerConfig sizes the evaluation worker pool.
type WorkerConfig struct {
	Threads   int `toml:"threads"`
	QueueSize int `toml:"queue_size"`
}

// VerificationConfig holds pre-trade verification rule parameters.
type VerificationConfig struct {
	MaxOrderNotional   float64  `toml:"max_order_notional"`
	AllowedOrderTypes  []string `toml:"allowed_order_types"`
	MinAvailableFunds  float64  `toml:"min_available_funds"`
	MaxPositionPerSym  float64  `toml:"max_position_per_symbol"`
	RequireMarketOpen  bool     `toml:"require_market_open"`
	AccountSnapshotTTL duration `toml:"account_snapshot_ttl"`
	RuleVersion        int      `toml:"rule_version"`
}

// LimitsConfig bounds user-supplied strategy shapes.
type LimitsConfig struct {
	MaxConditions   int `toml:"max_conditions"`
	MaxSymbols      int `toml:"max_symbols"`
	MaxChainDepth   int `toml:"max_chain_depth"`
	MaxOpenPerUser  int `toml:"max_open_strategies"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"` // empty disables authentication
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// MarketConfig describes one supported market's calendar inputs.
type MarketConfig struct {
	Market         string   `toml:"market"`
	Timezone       string   `toml:"timezone"`
	Currency       string   `toml:"currency"`
	Sessions       []string `toml:"sessions"`
	Holidays       []string `toml:"holidays"`
	HalfDays       []string `toml:"half_days"`
	HalfDaySession string   `toml:"half_day_session"`
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

// Scheduler bounds. Out-of-range values are clamped, not rejected.
const (
	MinMonitorInterval = 20 * time.Second
	MaxMonitorInterval = 300 * time.Second
	MinWorkerThreads   = 1
	MaxWorkerThreads   = 32
	MinQueueSize       = 64
	MaxQueueSize       = 100_000
)

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Gateway: GatewayConfig{
			BaseURL:        "https://localhost:5000/v1/api",
			WsURL:          "wss://localhost:5000/v1/api/ws",
			TradingMode:    "paper",
			RequestTimeout: duration{15 * time.Second},
			MaxRetries:     3,
		},
		Runtime: RuntimeConfig{
			MonitorInterval:  duration{60 * time.Second},
			LeaseTTL:         duration{90 * time.Second},
			RecoveryInterval: duration{30 * time.Second},
			ExpirySweep:      duration{30 * time.Second},
			BarPageSize:      1000,
			BarRetentionDays: 35,
		},
		Worker: WorkerConfig{
			Threads:   2,
			QueueSize: 4096,
		},
		Verification: VerificationConfig{
			MaxOrderNotional:   5000,
			AllowedOrderTypes:  []string{"MKT", "LMT"},
			MinAvailableFunds:  0,
			MaxPositionPerSym:  0,
			RequireMarketOpen:  true,
			AccountSnapshotTTL: duration{10 * time.Second},
			RuleVersion:        1,
		},
		Limits: LimitsConfig{
			MaxConditions:  5,
			MaxSymbols:     8,
			MaxChainDepth:  16,
			MaxOpenPerUser: 200,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "ibexd",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "ibexd-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   50,
			RateWindow:  duration{time.Second},
		},
		Notify: NotifyConfig{
			Events: []string{"TRIGGERED", "FILLED", "VERIFICATION_FAILED", "EXPIRED", "FAILED", "ROLLED"},
		},
		Markets: []MarketConfig{
			{
				Market:         "HK",
				Timezone:       "Asia/Hong_Kong",
				Currency:       "HKD",
				Sessions:       []string{"09:30-12:00", "13:00-16:00"},
				HalfDaySession: "09:30-12:00",
			},
			{
				Market:   "US",
				Timezone: "America/New_York",
				Currency: "USD",
				Sessions: []string{"09:30-16:00"},
			},
		},
		RulesPath: "",
		Mode:      "full",
		LogLevel:  "info",
	}
}

// Normalize clamps out-of-range scheduler values into their allowed bounds.
// It is applied after Load so a bad knob degrades instead of failing startup.
func (c *Config) Normalize() {
	if c.Runtime.MonitorInterval.Duration < MinMonitorInterval {
		c.Runtime.MonitorInterval.Duration = MinMonitorInterval
	}
	if c.Runtime.MonitorInterval.Duration > MaxMonitorInterval {
		c.Runtime.MonitorInterval.Duration = MaxMonitorInterval
	}
	if c.Worker.Threads < MinWorkerThreads {
		c.Worker.Threads = MinWorkerThreads
	}
	if c.Worker.Threads > MaxWorkerThreads {
		c.Worker.Threads = MaxWorkerThreads
	}
	if c.Worker.QueueSize < MinQueueSize {
		c.Worker.QueueSize = MinQueueSize
	}
	if c.Worker.QueueSize > MaxQueueSize {
		c.Worker.QueueSize = MaxQueueSize
	}
	if c.Runtime.LeaseTTL.Duration <= 0 {
		c.Runtime.LeaseTTL.Duration = 90 * time.Second
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"serve":  true,
	"engine": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, engine, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Gateway
	if c.Gateway.BaseURL == "" {
		errs = append(errs, "ib_gateway: base_url must not be empty")
	}
	switch strings.ToLower(c.Gateway.TradingMode) {
	case "paper":
	case "live":
		if !c.Gateway.EnableLiveTrading {
			errs = append(errs, "ib_gateway: trading_mode=live requires enable_live_trading=true")
		}
	default:
		errs = append(errs, fmt.Sprintf("ib_gateway: trading_mode must be paper or live, got %q", c.Gateway.TradingMode))
	}
	if c.Gateway.RequestTimeout.Duration <= 0 {
		errs = append(errs, "ib_gateway: request_timeout must be positive")
	}

	// Verification
	if c.Verification.MaxOrderNotional <= 0 {
		errs = append(errs, "verification: max_order_notional must be > 0")
	}
	if len(c.Verification.AllowedOrderTypes) == 0 {
		errs = append(errs, "verification: allowed_order_types must not be empty")
	}

	// Limits
	if c.Limits.MaxConditions < 1 {
		errs = append(errs, "limits: max_conditions must be >= 1")
	}
	if c.Limits.MaxSymbols < 1 {
		errs = append(errs, "limits: max_symbols must be >= 1")
	}
	if c.Limits.MaxChainDepth < 1 {
		errs = append(errs, "limits: max_chain_depth must be >= 1")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Endpoint == "" {
		errs = append(errs, "s3: endpoint must not be empty")
	}
	if c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}

	// Markets
	if len(c.Markets) == 0 {
		errs = append(errs, "markets: at least one market must be configured")
	}
	seen := map[string]bool{}
	for _, m := range c.Markets {
		name := strings.ToUpper(m.Market)
		if name == "" {
			errs = append(errs, "markets: market name must not be empty")
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Sprintf("markets: duplicate market %q", name))
		}
		seen[name] = true
		if m.Timezone == "" {
			errs = append(errs, fmt.Sprintf("markets: %s: timezone must not be empty", name))
		}
		if len(m.Sessions) == 0 {
			errs = append(errs, fmt.Sprintf("markets: %s: at least one session must be configured", name))
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
