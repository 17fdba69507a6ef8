package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the static per-process runtime configuration
type Config struct {
	Mode      string          `yaml:"mode"`
	Symbols   []string        `yaml:"symbols"`
	ModelPath string          `yaml:"model_path"`
	Engine    EngineConfig    `yaml:"engine"`
	Risk      RiskConfig      `yaml:"risk"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	Execution ExecutionConfig `yaml:"execution"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	State     StateConfig     `yaml:"state"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// EngineConfig holds engine_defaults shared by every symbol unless overridden
type EngineConfig struct {
	CycleInterval        time.Duration `yaml:"cycle_interval"`
	MDQueueMax           int           `yaml:"md_queue_max"`
	MDTimeout            time.Duration `yaml:"md_timeout"` // zero means cycle_interval
	DecisionTimeout      time.Duration `yaml:"decision_timeout"`
	MaxConsecutiveErrors int           `yaml:"max_consecutive_errors"`
	ScoreThreshold       float64       `yaml:"score_threshold"` // probability distance from 0.5 needed to trade
	ATRPeriod            int           `yaml:"atr_period"`
	MaxSampleAge         time.Duration `yaml:"max_sample_age"`
}

// RiskConfig mirrors risk_config
type RiskConfig struct {
	Equity               float64 `yaml:"equity"`
	RiskPerTradePct      float64 `yaml:"risk_per_trade_pct"`
	ATRSLMult            float64 `yaml:"atr_sl_mult"`
	MaxLeverage          float64 `yaml:"max_leverage"`
	DailyDrawdownStopPct float64 `yaml:"daily_drawdown_stop_pct"`
	KillSwitchOnDD       bool    `yaml:"kill_switch_on_dd"`
	// EquityRefresh is how often account equity is read from the venue
	EquityRefresh time.Duration `yaml:"equity_refresh"`
}

// RecoveryConfig controls restart throttling
type RecoveryConfig struct {
	MaxRestartsPerHour int           `yaml:"max_restarts_per_hour"`
	BackoffBase        time.Duration `yaml:"backoff_base"`
	AutoRecover        bool          `yaml:"auto_recover"`
	HealthPollInterval time.Duration `yaml:"health_poll_interval"`
}

// ExecutionConfig controls order dispatch
type ExecutionConfig struct {
	RateLimitRPS float64       `yaml:"rate_limit_rps"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// BreakerConfig configures the exchange circuit breaker
type BreakerConfig struct {
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	HalfOpenRequests    uint32        `yaml:"half_open_requests"`
	Interval            time.Duration `yaml:"interval"`
	Timeout             time.Duration `yaml:"timeout"`
}

// ExchangeConfig selects and configures the venue adapter
type ExchangeConfig struct {
	Venue          string        `yaml:"venue"` // binance | paper
	BaseURL        string        `yaml:"base_url"`
	WSURL          string        `yaml:"ws_url"`
	APIKey         string        `yaml:"api_key"`
	APISecret      string        `yaml:"api_secret"`
	Timeframe      string        `yaml:"timeframe"`
	QuoteAsset     string        `yaml:"quote_asset"` // equity is valued in this asset
	BootstrapLimit int           `yaml:"bootstrap_limit"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RESTRPS        float64       `yaml:"rest_rps"`
	Breaker        BreakerConfig `yaml:"breaker"`
	Stream         bool          `yaml:"stream"`
}

// StateConfig selects the StateStore backend
type StateConfig struct {
	Backend     string `yaml:"backend"` // memory | redis | postgres | sqlite
	KeyPrefix   string `yaml:"key_prefix"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisDB     int    `yaml:"redis_db"`
	PostgresDSN string `yaml:"postgres_dsn"`
	SQLitePath  string `yaml:"sqlite_path"`
}

// HTTPConfig is the control surface listener
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Default returns a configuration usable for paper trading out of the box
func Default() *Config {
	return &Config{
		Mode:    "momentum",
		Symbols: []string{"BTCUSDT"},
		Engine: EngineConfig{
			CycleInterval:        time.Second,
			MDQueueMax:           256,
			DecisionTimeout:      2 * time.Second,
			MaxConsecutiveErrors: 5,
			ScoreThreshold:       0.1,
			ATRPeriod:            14,
			MaxSampleAge:         10 * time.Second,
		},
		Risk: RiskConfig{
			Equity:               10000,
			RiskPerTradePct:      0.005,
			ATRSLMult:            2.0,
			MaxLeverage:          3.0,
			DailyDrawdownStopPct: 0.03,
			KillSwitchOnDD:       true,
			EquityRefresh:        10 * time.Second,
		},
		Recovery: RecoveryConfig{
			MaxRestartsPerHour: 3,
			BackoffBase:        5 * time.Second,
			AutoRecover:        false,
			HealthPollInterval: 5 * time.Second,
		},
		Execution: ExecutionConfig{
			RateLimitRPS: 5,
			MaxRetries:   3,
			RetryBackoff: 250 * time.Millisecond,
		},
		Exchange: ExchangeConfig{
			Venue:          "paper",
			BaseURL:        "https://api.binance.com",
			WSURL:          "wss://stream.binance.com:9443/ws",
			Timeframe:      "1m",
			QuoteAsset:     "USDT",
			BootstrapLimit: 500,
			RequestTimeout: 10 * time.Second,
			RESTRPS:        10,
			Stream:         true,
			Breaker: BreakerConfig{
				ConsecutiveFailures: 5,
				HalfOpenRequests:    1,
				Interval:            time.Minute,
				Timeout:             30 * time.Second,
			},
		},
		State: StateConfig{
			Backend:   "memory",
			KeyPrefix: "cryptotrader:",
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8080,
		},
	}
}

// Load reads configuration from a YAML file layered over Default, then
// applies environment overrides and validates. A missing path yields defaults.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies CRYPTOTRADER_* environment variables
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CRYPTOTRADER_SYMBOLS"); v != "" {
		cfg.Symbols = SplitSymbols(v)
	}
	if v := os.Getenv("CRYPTOTRADER_MODE"); v != "" {
		cfg.Mode = v
	}
	if v := os.Getenv("CRYPTOTRADER_MODEL_PATH"); v != "" {
		cfg.ModelPath = v
	}
	if v := os.Getenv("CRYPTOTRADER_VENUE"); v != "" {
		cfg.Exchange.Venue = v
	}
	if v := os.Getenv("CRYPTOTRADER_API_KEY"); v != "" {
		cfg.Exchange.APIKey = v
	}
	if v := os.Getenv("CRYPTOTRADER_API_SECRET"); v != "" {
		cfg.Exchange.APISecret = v
	}
	if v := os.Getenv("CRYPTOTRADER_STATE_BACKEND"); v != "" {
		cfg.State.Backend = v
	}
	if v := os.Getenv("CRYPTOTRADER_REDIS_ADDR"); v != "" {
		cfg.State.RedisAddr = v
	}
	if v := os.Getenv("CRYPTOTRADER_PG_DSN"); v != "" {
		cfg.State.PostgresDSN = v
	}
	if v := os.Getenv("CRYPTOTRADER_SQLITE_PATH"); v != "" {
		cfg.State.SQLitePath = v
	}
	if v := os.Getenv("CRYPTOTRADER_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.Port = port
		}
	}
	if v := os.Getenv("CRYPTOTRADER_RATE_LIMIT_RPS"); v != "" {
		if rps, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Execution.RateLimitRPS = rps
		}
	}
	if v := os.Getenv("CRYPTOTRADER_AUTO_RECOVER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Recovery.AutoRecover = b
		}
	}
}

// SplitSymbols parses a comma separated symbol list, upper-casing entries
func SplitSymbols(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate ensures the configuration is usable
func (c *Config) Validate() error {
	if c.Engine.CycleInterval <= 0 {
		return fmt.Errorf("engine.cycle_interval must be positive")
	}
	if c.Engine.MDQueueMax <= 0 {
		return fmt.Errorf("engine.md_queue_max must be positive, got %d", c.Engine.MDQueueMax)
	}
	if c.Engine.MDTimeout < 0 || c.Engine.DecisionTimeout < 0 {
		return fmt.Errorf("engine timeouts cannot be negative")
	}
	if c.Engine.MaxConsecutiveErrors <= 0 {
		return fmt.Errorf("engine.max_consecutive_errors must be positive")
	}
	if c.Engine.ATRPeriod <= 0 {
		return fmt.Errorf("engine.atr_period must be positive")
	}

	if c.Risk.Equity <= 0 {
		return fmt.Errorf("risk.equity must be positive")
	}
	if c.Risk.RiskPerTradePct <= 0 || c.Risk.RiskPerTradePct > 1 {
		return fmt.Errorf("risk.risk_per_trade_pct must be in (0, 1], got %f", c.Risk.RiskPerTradePct)
	}
	if c.Risk.ATRSLMult <= 0 {
		return fmt.Errorf("risk.atr_sl_mult must be positive")
	}
	if c.Risk.MaxLeverage <= 0 {
		return fmt.Errorf("risk.max_leverage must be positive")
	}
	if c.Risk.DailyDrawdownStopPct <= 0 || c.Risk.DailyDrawdownStopPct > 1 {
		return fmt.Errorf("risk.daily_drawdown_stop_pct must be in (0, 1], got %f", c.Risk.DailyDrawdownStopPct)
	}
	if c.Risk.EquityRefresh < 0 {
		return fmt.Errorf("risk.equity_refresh cannot be negative")
	}

	if c.Recovery.MaxRestartsPerHour < 0 {
		return fmt.Errorf("recovery.max_restarts_per_hour cannot be negative")
	}
	if c.Recovery.BackoffBase < 0 {
		return fmt.Errorf("recovery.backoff_base cannot be negative")
	}

	if c.Execution.RateLimitRPS <= 0 {
		return fmt.Errorf("execution.rate_limit_rps must be positive")
	}
	if c.Execution.MaxRetries < 0 {
		return fmt.Errorf("execution.max_retries cannot be negative")
	}
	if spacing := time.Duration(float64(time.Second) / c.Execution.RateLimitRPS); c.Engine.DecisionTimeout > 0 && c.Engine.DecisionTimeout < spacing {
		return fmt.Errorf("engine.decision_timeout %s is shorter than the order spacing %s of execution.rate_limit_rps", c.Engine.DecisionTimeout, spacing)
	}

	switch c.Exchange.Venue {
	case "paper":
	case "binance":
		if c.Exchange.BaseURL == "" {
			return fmt.Errorf("exchange.base_url is required for binance")
		}
	default:
		return fmt.Errorf("unknown exchange venue %q", c.Exchange.Venue)
	}
	if c.Exchange.Timeframe == "" {
		return fmt.Errorf("exchange.timeframe is required")
	}
	if c.Exchange.BootstrapLimit <= 0 {
		return fmt.Errorf("exchange.bootstrap_limit must be positive")
	}

	switch c.State.Backend {
	case "memory":
	case "redis":
		if c.State.RedisAddr == "" {
			return fmt.Errorf("state.redis_addr is required for redis backend")
		}
	case "postgres":
		if c.State.PostgresDSN == "" {
			return fmt.Errorf("state.postgres_dsn is required for postgres backend")
		}
	case "sqlite":
		if c.State.SQLitePath == "" {
			return fmt.Errorf("state.sqlite_path is required for sqlite backend")
		}
	default:
		return fmt.Errorf("unknown state backend %q", c.State.Backend)
	}

	if c.HTTP.Enabled && (c.HTTP.Port <= 0 || c.HTTP.Port > 65535) {
		return fmt.Errorf("http.port out of range: %d", c.HTTP.Port)
	}
	return nil
}

// EffectiveMDTimeout resolves the queue wait, falling back to the cycle interval
func (e EngineConfig) EffectiveMDTimeout() time.Duration {
	if e.MDTimeout > 0 {
		return e.MDTimeout
	}
	return e.CycleInterval
}
