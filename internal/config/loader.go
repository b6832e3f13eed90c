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
// built-in defaults, applies IBEX_* environment variable overrides, and
// clamps scheduler knobs into their allowed bounds. The returned Config has
// NOT been validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	cfg.Normalize()

	return &cfg, nil
}

// applyEnvOverrides reads well-known IBEX_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Gateway ──
	setStr(&cfg.Gateway.BaseURL, "IBEX_GATEWAY_BASE_URL")
	setStr(&cfg.Gateway.WsURL, "IBEX_GATEWAY_WS_URL")
	setStr(&cfg.Gateway.APIKey, "IBEX_GATEWAY_API_KEY")
	setStr(&cfg.Gateway.Account, "IBEX_GATEWAY_ACCOUNT")
	setStr(&cfg.Gateway.TradingMode, "IBEX_GATEWAY_TRADING_MODE")
	setBool(&cfg.Gateway.EnableLiveTrading, "IBEX_GATEWAY_ENABLE_LIVE_TRADING")
	setDuration(&cfg.Gateway.RequestTimeout, "IBEX_GATEWAY_REQUEST_TIMEOUT")
	setInt(&cfg.Gateway.MaxRetries, "IBEX_GATEWAY_MAX_RETRIES")

	// ── Runtime ──
	setDuration(&cfg.Runtime.MonitorInterval, "IBEX_RUNTIME_MONITOR_INTERVAL")
	setDuration(&cfg.Runtime.LeaseTTL, "IBEX_RUNTIME_LEASE_TTL")
	setDuration(&cfg.Runtime.RecoveryInterval, "IBEX_RUNTIME_RECOVERY_INTERVAL")
	setDuration(&cfg.Runtime.ExpirySweep, "IBEX_RUNTIME_EXPIRY_SWEEP")
	setInt(&cfg.Runtime.BarPageSize, "IBEX_RUNTIME_BAR_PAGE_SIZE")
	setInt(&cfg.Runtime.BarRetentionDays, "IBEX_RUNTIME_BAR_RETENTION_DAYS")

	// ── Worker ──
	setInt(&cfg.Worker.Threads, "IBEX_WORKER_THREADS")
	setInt(&cfg.Worker.QueueSize, "IBEX_WORKER_QUEUE_SIZE")

	// ── Verification ──
	setFloat64(&cfg.Verification.MaxOrderNotional, "IBEX_VERIFICATION_MAX_ORDER_NOTIONAL")
	setStringSlice(&cfg.Verification.AllowedOrderTypes, "IBEX_VERIFICATION_ALLOWED_ORDER_TYPES")
	setFloat64(&cfg.Verification.MinAvailableFunds, "IBEX_VERIFICATION_MIN_AVAILABLE_FUNDS")
	setFloat64(&cfg.Verification.MaxPositionPerSym, "IBEX_VERIFICATION_MAX_POSITION_PER_SYMBOL")
	setBool(&cfg.Verification.RequireMarketOpen, "IBEX_VERIFICATION_REQUIRE_MARKET_OPEN")
	setDuration(&cfg.Verification.AccountSnapshotTTL, "IBEX_VERIFICATION_ACCOUNT_SNAPSHOT_TTL")
	setInt(&cfg.Verification.RuleVersion, "IBEX_VERIFICATION_RULE_VERSION")

	// ── Limits ──
	setInt(&cfg.Limits.MaxConditions, "IBEX_LIMITS_MAX_CONDITIONS")
	setInt(&cfg.Limits.MaxSymbols, "IBEX_LIMITS_MAX_SYMBOLS")
	setInt(&cfg.Limits.MaxChainDepth, "IBEX_LIMITS_MAX_CHAIN_DEPTH")
	setInt(&cfg.Limits.MaxOpenPerUser, "IBEX_LIMITS_MAX_OPEN_STRATEGIES")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "IBEX_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "IBEX_DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "IBEX_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "IBEX_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "IBEX_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "IBEX_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "IBEX_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "IBEX_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "IBEX_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "IBEX_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "IBEX_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "IBEX_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "IBEX_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "IBEX_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "IBEX_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "IBEX_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "IBEX_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "IBEX_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "IBEX_S3_REGION")
	setStr(&cfg.S3.Bucket, "IBEX_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "IBEX_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "IBEX_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "IBEX_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "IBEX_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "IBEX_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "IBEX_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "IBEX_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "IBEX_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "IBEX_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "IBEX_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "IBEX_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "IBEX_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "IBEX_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "IBEX_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.RulesPath, "IBEX_RULES_PATH")
	setStr(&cfg.Mode, "IBEX_MODE")
	setStr(&cfg.LogLevel, "IBEX_LOG_LEVEL")
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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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
