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
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "momentum", cfg.Mode)
	assert.Equal(t, "memory", cfg.State.Backend)
	assert.Equal(t, time.Second, cfg.Engine.EffectiveMDTimeout())
}

func TestLoad_YAMLOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cryptotrader.yaml")
	content := `
symbols: [BTCUSDT, ETHUSDT]
engine:
  cycle_interval: 250ms
  md_queue_max: 8
  md_timeout: 100ms
risk:
  daily_drawdown_stop_pct: 0.05
recovery:
  max_restarts_per_hour: 5
  backoff_base: 2s
  auto_recover: true
execution:
  rate_limit_rps: 10
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Symbols)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.CycleInterval)
	assert.Equal(t, 8, cfg.Engine.MDQueueMax)
	assert.Equal(t, 100*time.Millisecond, cfg.Engine.EffectiveMDTimeout())
	assert.Equal(t, 0.05, cfg.Risk.DailyDrawdownStopPct)
	assert.Equal(t, 5, cfg.Recovery.MaxRestartsPerHour)
	assert.Equal(t, 2*time.Second, cfg.Recovery.BackoffBase)
	assert.True(t, cfg.Recovery.AutoRecover)
	assert.Equal(t, 10.0, cfg.Execution.RateLimitRPS)

	// untouched sections keep defaults
	assert.Equal(t, 2.0, cfg.Risk.ATRSLMult)
	assert.Equal(t, "1m", cfg.Exchange.Timeframe)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CRYPTOTRADER_SYMBOLS", "solusdt, bnbusdt ,")
	t.Setenv("CRYPTOTRADER_HTTP_PORT", "9090")
	t.Setenv("CRYPTOTRADER_STATE_BACKEND", "redis")
	t.Setenv("CRYPTOTRADER_REDIS_ADDR", "localhost:6379")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, []string{"SOLUSDT", "BNBUSDT"}, cfg.Symbols)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "redis", cfg.State.Backend)
	assert.Equal(t, "localhost:6379", cfg.State.RedisAddr)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero cycle", func(c *Config) { c.Engine.CycleInterval = 0 }, "cycle_interval"},
		{"zero queue", func(c *Config) { c.Engine.MDQueueMax = 0 }, "md_queue_max"},
		{"bad risk pct", func(c *Config) { c.Risk.RiskPerTradePct = 2 }, "risk_per_trade_pct"},
		{"bad dd pct", func(c *Config) { c.Risk.DailyDrawdownStopPct = 0 }, "daily_drawdown_stop_pct"},
		{"zero rps", func(c *Config) { c.Execution.RateLimitRPS = 0 }, "rate_limit_rps"},
		{"decision shorter than order spacing", func(c *Config) {
			c.Execution.RateLimitRPS = 0.5
			c.Engine.DecisionTimeout = time.Second
		}, "decision_timeout"},
		{"negative equity refresh", func(c *Config) { c.Risk.EquityRefresh = -time.Second }, "equity_refresh"},
		{"unknown venue", func(c *Config) { c.Exchange.Venue = "ftx" }, "unknown exchange venue"},
		{"redis without addr", func(c *Config) { c.State.Backend = "redis" }, "redis_addr"},
		{"postgres without dsn", func(c *Config) { c.State.Backend = "postgres" }, "postgres_dsn"},
		{"sqlite without path", func(c *Config) { c.State.Backend = "sqlite" }, "sqlite_path"},
		{"unknown backend", func(c *Config) { c.State.Backend = "etcd" }, "unknown state backend"},
		{"bad port", func(c *Config) { c.HTTP.Port = 70000 }, "http.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSplitSymbols(t *testing.T) {
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, SplitSymbols(" btcusdt,ETHUSDT,, "))
	assert.Nil(t, SplitSymbols(""))
}
