// Package config loads the YAML configuration for the scalper and applies
// environment variable overrides.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"scalper/internal/domain"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration.
type Config struct {
	Storage Storage       `yaml:"storage"`
	Alpaca  Alpaca        `yaml:"alpaca"`
	Logging Logging       `yaml:"logging"`
	Trading TradingConfig `yaml:"trading"`
	Risk    RiskConfig    `yaml:"risk"`
	Replay  ReplayConfig  `yaml:"replay"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
	ReportDir  string `yaml:"report_dir"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed"` // "iex" or "sip"
}

// Logging configures the application logger.
type Logging struct {
	Level string `yaml:"level"`
}

// TradingConfig defines the traded universe and execution parameters.
type TradingConfig struct {
	Symbols           []string `yaml:"symbols"`
	Lot               float64  `yaml:"lot"`                 // target notional per new entry (USD)
	BuyTimeoutMinutes float64  `yaml:"buy_timeout_minutes"` // cancel a working buy after this long
	CheckupSeconds    int      `yaml:"checkup_seconds"`     // periodic checkup cadence
	RateLimitPerMin   int      `yaml:"rate_limit_per_min"`  // market-data request budget
}

// RiskConfig carries the portfolio and per-position risk limits. Monetary
// values are USD; zero-valued optional caps fall back to lot-derived
// defaults at engine construction.
type RiskConfig struct {
	MaxPositions              int     `yaml:"max_positions"`
	MaxPositionNotional       float64 `yaml:"max_position_notional"`
	MaxTotalExposure          float64 `yaml:"max_total_exposure"`
	MaxDailyLoss              float64 `yaml:"max_daily_loss"`
	StopLossPct               float64 `yaml:"stop_loss_pct"`
	TimeStopMinutes           float64 `yaml:"time_stop_minutes"`
	MaxSpreadBps              float64 `yaml:"max_spread_bps"`
	MaxSpreadCents            float64 `yaml:"max_spread_cents"`
	MaxBarRangePct            float64 `yaml:"max_bar_range_pct"`
	MaxReturnStdPct           float64 `yaml:"max_return_std_pct"`
	SymbolMaxForcedExits      int     `yaml:"symbol_max_forced_exits"`
	ForcedExitCooldownMinutes float64 `yaml:"forced_exit_cooldown_minutes"`
	DisableAfterBreakerMinutes float64 `yaml:"disable_after_breaker_minutes"`
	EnableSpreadGuard         bool    `yaml:"enable_spread_guard"`
	EnableVolatilityGuard     bool    `yaml:"enable_volatility_guard"`
}

// ReplayConfig controls deterministic backtests.
type ReplayConfig struct {
	StartCash float64         `yaml:"start_cash"`
	Friction  domain.Friction `yaml:"friction"`
}

// ---------------------------------------------------------------------------
// Defaults and loading
// ---------------------------------------------------------------------------

// Default returns a Config with the documented default limits.
func Default() *Config {
	return &Config{
		Storage: Storage{
			DataDir:    "data",
			SQLitePath: "data/scalper.db",
			ReportDir:  "reports",
		},
		Alpaca: Alpaca{
			BaseURL: "https://paper-api.alpaca.markets",
			Feed:    "iex",
		},
		Logging: Logging{Level: "info"},
		Trading: TradingConfig{
			Lot:               2000,
			BuyTimeoutMinutes: 2,
			CheckupSeconds:    30,
			RateLimitPerMin:   200,
		},
		Risk: RiskConfig{
			MaxPositions:               3,
			MaxDailyLoss:               100.0,
			StopLossPct:                0.003,
			TimeStopMinutes:            10.0,
			MaxSpreadBps:               25.0,
			MaxBarRangePct:             0.01,
			MaxReturnStdPct:            0.01,
			SymbolMaxForcedExits:       2,
			DisableAfterBreakerMinutes: 24 * 60,
			EnableSpreadGuard:          true,
			EnableVolatilityGuard:      true,
		},
		Replay: ReplayConfig{
			StartCash: 100000,
			Friction: domain.Friction{
				SpreadBps:             10,
				SpreadCentsMin:        0.01,
				ParticipationRate:     0.05,
				ActivationLatencyBars: 1,
			},
		},
	}
}

// Load reads the YAML configuration file at the given path on top of the
// defaults and then applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars (highest priority — canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}
