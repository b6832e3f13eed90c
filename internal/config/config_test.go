package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestNormalizeClampsSchedulerKnobs(t *testing.T) {
	cfg := Defaults()
	cfg.Runtime.MonitorInterval.Duration = 5 * time.Second
	cfg.Worker.Threads = 0
	cfg.Worker.QueueSize = 1
	cfg.Normalize()
	assert.Equal(t, MinMonitorInterval, cfg.Runtime.MonitorInterval.Duration)
	assert.Equal(t, MinWorkerThreads, cfg.Worker.Threads)
	assert.Equal(t, MinQueueSize, cfg.Worker.QueueSize)

	cfg.Runtime.MonitorInterval.Duration = time.Hour
	cfg.Worker.Threads = 500
	cfg.Worker.QueueSize = 10_000_000
	cfg.Normalize()
	assert.Equal(t, MaxMonitorInterval, cfg.Runtime.MonitorInterval.Duration)
	assert.Equal(t, MaxWorkerThreads, cfg.Worker.Threads)
	assert.Equal(t, MaxQueueSize, cfg.Worker.QueueSize)
}

func TestValidateLiveTradingGuard(t *testing.T) {
	cfg := Defaults()
	cfg.Gateway.TradingMode = "live"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "enable_live_trading")

	cfg.Gateway.EnableLiveTrading = true
	require.NoError(t, cfg.Validate())
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "bogus"
	cfg.LogLevel = "loud"
	cfg.Gateway.BaseURL = ""
	cfg.Redis.Addr = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
	assert.Contains(t, err.Error(), "unknown log_level")
	assert.Contains(t, err.Error(), "base_url")
	assert.Contains(t, err.Error(), "redis")
}

func TestValidateMarkets(t *testing.T) {
	cfg := Defaults()
	cfg.Markets = nil
	require.Error(t, cfg.Validate())

	cfg = Defaults()
	cfg.Markets = append(cfg.Markets, MarketConfig{Market: "hk", Timezone: "Asia/Hong_Kong", Sessions: []string{"09:30-16:00"}})
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate market")
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Gateway.APIKey = "secret-key"
	cfg.Postgres.Password = "pw"
	cfg.S3.SecretKey = "s3secret"

	red := RedactedConfig(&cfg)
	assert.Equal(t, "***", red.Gateway.APIKey)
	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.S3.SecretKey)
	assert.Equal(t, "secret-key", cfg.Gateway.APIKey)

	red.Markets[0].Market = "XX"
	assert.NotEqual(t, "XX", cfg.Markets[0].Market)
}
