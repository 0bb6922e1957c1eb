// Package config defines all configuration for the trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// required external-interface values sourced from unprefixed env vars
// (MONGO_URI, BINANCE_US_API_KEY, ...) and the rest overridable via
// ENGINE_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"usspot-engine/internal/apperr"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Venue     VenueConfig     `mapstructure:"venue"`
	Signal    SignalConfig    `mapstructure:"signal"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Scanner   ScannerConfig   `mapstructure:"scanner"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Ops       OpsConfig       `mapstructure:"ops"`
}

// VenueConfig holds the Binance.US REST/WS endpoints and API credentials.
// ApiKey/ApiSecret are always sourced from env (BINANCE_US_API_KEY,
// BINANCE_US_API_SECRET); BaseURL may come from env (BINANCE_US_BASE_URL) or
// the YAML file.
type VenueConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	WSBaseURL string `mapstructure:"ws_base_url"`
	ApiKey    string `mapstructure:"api_key"`
	ApiSecret string `mapstructure:"api_secret"`
}

// SignalConfig tunes the signal generator's four playbooks and the active tier.
//
//   - Tier: one of TIER_1_CONSERVATIVE, TIER_2_MODERATE, TIER_3_AGGRESSIVE, sourced
//     from the SIGNAL_TIER env var. It is validated at load; no component reads it,
//     so it does not select any threshold, sizing or position-count profile.
//   - ImpulseThresholdBps: loaded but not read by any playbook; playbook C uses a
//     fixed 4% excursion over 5m bars.
//   - MakerOffsetBps: single source of truth for the router's maker-first price
//     offset from top-of-book (see execution.Router).
type SignalConfig struct {
	Tier                string  `mapstructure:"tier"`
	ImpulseThresholdBps float64 `mapstructure:"impulse_threshold_bps"`
	MakerOffsetBps      float64 `mapstructure:"maker_offset_bps"`
	MinMLConfidence     float64 `mapstructure:"min_ml_confidence"`
	PlaybookAEnabled    bool    `mapstructure:"playbook_a_enabled"`
	PlaybookBEnabled    bool    `mapstructure:"playbook_b_enabled"`
	PlaybookCEnabled    bool    `mapstructure:"playbook_c_enabled"`
	PlaybookDEnabled    bool    `mapstructure:"playbook_d_enabled"`

	// Per-playbook trigger tuning. Zero means "use the playbook's built-in default."
	VolumeMultA           float64 `mapstructure:"volume_mult_a"`
	StopATRMultA          float64 `mapstructure:"stop_atr_mult_a"`
	DeviationATRMultB     float64 `mapstructure:"deviation_atr_mult_b"`
	StopATRMultB          float64 `mapstructure:"stop_atr_mult_b"`
	MaxTradesPerSessionB  int     `mapstructure:"max_trades_per_session_b"`
	StopATRMultC          float64 `mapstructure:"stop_atr_mult_c"`
}

// RiskConfig sets the Kelly-sizing and portfolio-heat limits that trigger the
// kill switch.
//
//   - RPercent: fraction of equity risked per trade, in [0,1] — NEVER a whole
//     percent (0.01 means 1%, not 1.0).
//   - KellyCap: fraction of full Kelly multiplied into the sized fraction
//     (quarter-Kelly = 0.25).
//   - MaxExposurePercent: portfolio-heat ceiling, Σ|entry−stop|·qty / equity across
//     open positions plus the candidate (risk gate d).
//   - MaxConcurrentPositions: validated and logged at boot; no gate enforces it.
//   - MaxDailyLossR / MaxWeeklyLossR: kill-switch thresholds in R-multiples.
type RiskConfig struct {
	RPercent               float64       `mapstructure:"r_percent"`
	KellyCap               float64       `mapstructure:"kelly_cap"`
	MaxExposurePercent     float64       `mapstructure:"max_exposure_percent"`
	MaxConcurrentPositions int           `mapstructure:"max_concurrent_positions"`
	ReserveTargetPercent   float64       `mapstructure:"reserve_target_percent"`
	ReserveFloorPercent    float64       `mapstructure:"reserve_floor_percent"`
	MaxDailyLossR          float64       `mapstructure:"max_daily_loss_r"`
	MaxWeeklyLossR         float64       `mapstructure:"max_weekly_loss_r"`
	CooldownAfterKill      time.Duration `mapstructure:"cooldown_after_kill"`
}

// ScannerConfig controls how the engine discovers and filters tradeable pairs.
type ScannerConfig struct {
	Universe       []string      `mapstructure:"universe"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	MinVolume24h   float64       `mapstructure:"min_volume_24h"`
	MaxSpreadBps   float64       `mapstructure:"max_spread_bps"`
	MinTOBDepth    float64       `mapstructure:"min_tob_depth"`
	CooldownPeriod time.Duration `mapstructure:"cooldown_period"`
}

// ExecutionConfig tunes the router's price shaping, order-type policy, and
// slippage thresholds.
//
//   - MaxPriceAdjustmentBps: cap on the maker-first offset before the router
//     reverts to a market price (§4.6 default 50 bps).
//   - EventDecayThresholdPct: decay from signal time beyond which an event
//     signal is submitted MARKET instead of LIMIT_MAKER (default 0.2%).
//   - OrderTypeBypass: when set to "LIMIT", skips the maker/market policy and
//     always submits a plain LIMIT order.
type ExecutionConfig struct {
	MakerFirst             bool    `mapstructure:"maker_first"`
	VWAPBiasEnabled        bool    `mapstructure:"vwap_bias_enabled"`
	OrderTypeBypass        string  `mapstructure:"order_type_bypass"`
	MaxPriceAdjustmentBps  float64 `mapstructure:"max_price_adjustment_bps"`
	EventDecayThresholdPct float64 `mapstructure:"event_decay_threshold_pct"`
	NormalSlippageLimitBps float64 `mapstructure:"normal_slippage_limit_bps"`
	EventSlippageLimitBps  float64 `mapstructure:"event_slippage_limit_bps"`
}

// StoreConfig sets where state is persisted. MongoURI is read and validated
// because it is a required external-interface variable, but the engine's
// actual store connects through SQLitePath (see internal/store).
type StoreConfig struct {
	MongoURI   string `mapstructure:"-"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// OpsConfig carries the remaining required external-interface values that
// have no natural home in a domain-specific section.
type OpsConfig struct {
	Port              int    `mapstructure:"port"`
	JWTSecret         string `mapstructure:"-"`
	JWTRefreshSecret  string `mapstructure:"-"`
}

// Load reads config from a YAML file with env var overrides. Required
// external-interface values are sourced from unprefixed env vars per the
// external-interfaces contract: MONGO_URI, BINANCE_US_API_KEY,
// BINANCE_US_API_SECRET, BINANCE_US_BASE_URL, SIGNAL_TIER, PORT, JWT_SECRET,
// JWT_REFRESH_SECRET. All other fields may additionally be overridden via
// ENGINE_* prefixed env vars.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Store.MongoURI = os.Getenv("MONGO_URI")
	if key := os.Getenv("BINANCE_US_API_KEY"); key != "" {
		cfg.Venue.ApiKey = key
	}
	if secret := os.Getenv("BINANCE_US_API_SECRET"); secret != "" {
		cfg.Venue.ApiSecret = secret
	}
	if base := os.Getenv("BINANCE_US_BASE_URL"); base != "" {
		cfg.Venue.BaseURL = base
	}
	if tier := os.Getenv("SIGNAL_TIER"); tier != "" {
		cfg.Signal.Tier = tier
	}
	if port := os.Getenv("PORT"); port != "" {
		var p int
		if _, err := fmt.Sscanf(port, "%d", &p); err == nil {
			cfg.Ops.Port = p
		}
	}
	cfg.Ops.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.Ops.JWTRefreshSecret = os.Getenv("JWT_REFRESH_SECRET")

	if os.Getenv("ENGINE_DRY_RUN") == "true" || os.Getenv("ENGINE_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges, returning a
// *apperr.ConfigError naming the first offending field.
func (c *Config) Validate() error {
	if c.Store.MongoURI == "" {
		return &apperr.ConfigError{Field: "MONGO_URI", Reason: "required env var is not set"}
	}
	if c.Venue.ApiKey == "" {
		return &apperr.ConfigError{Field: "BINANCE_US_API_KEY", Reason: "required env var is not set"}
	}
	if c.Venue.ApiSecret == "" {
		return &apperr.ConfigError{Field: "BINANCE_US_API_SECRET", Reason: "required env var is not set"}
	}
	if c.Venue.BaseURL == "" {
		return &apperr.ConfigError{Field: "BINANCE_US_BASE_URL", Reason: "required env var is not set"}
	}
	switch c.Signal.Tier {
	case "TIER_1_CONSERVATIVE", "TIER_2_MODERATE", "TIER_3_AGGRESSIVE":
	default:
		return &apperr.ConfigError{Field: "SIGNAL_TIER", Reason: "must be one of TIER_1_CONSERVATIVE, TIER_2_MODERATE, TIER_3_AGGRESSIVE"}
	}
	if c.Ops.Port <= 0 {
		return &apperr.ConfigError{Field: "PORT", Reason: "required env var is not set or not a positive integer"}
	}
	if c.Ops.JWTSecret == "" {
		return &apperr.ConfigError{Field: "JWT_SECRET", Reason: "required env var is not set"}
	}
	if c.Ops.JWTRefreshSecret == "" {
		return &apperr.ConfigError{Field: "JWT_REFRESH_SECRET", Reason: "required env var is not set"}
	}
	if c.Risk.RPercent <= 0 || c.Risk.RPercent > 1 {
		return &apperr.ConfigError{Field: "risk.r_percent", Reason: "must be a fraction in (0,1]"}
	}
	if c.Risk.KellyCap <= 0 || c.Risk.KellyCap > 1 {
		return &apperr.ConfigError{Field: "risk.kelly_cap", Reason: "must be a fraction in (0,1]"}
	}
	if c.Risk.MaxExposurePercent <= 0 || c.Risk.MaxExposurePercent > 1 {
		return &apperr.ConfigError{Field: "risk.max_exposure_percent", Reason: "must be a fraction in (0,1]"}
	}
	if c.Risk.MaxConcurrentPositions <= 0 {
		return &apperr.ConfigError{Field: "risk.max_concurrent_positions", Reason: "must be > 0"}
	}
	if c.Store.SQLitePath == "" {
		return &apperr.ConfigError{Field: "store.sqlite_path", Reason: "required"}
	}
	return nil
}
