// Package config provides configuration management for the trading engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied by Normalize when a field is unset.
const (
	defaultRiskPercent       = 2.0
	defaultMinSignalStrength = 75.0
	defaultMaxPositions      = 5
	defaultMarketTick        = "5s"
	defaultMetaTick          = "5m"
	defaultReconcileTick     = "60s"
	defaultEODClose          = "15:20"
	defaultTimezone          = "Asia/Kolkata"
	defaultShutdownGrace     = 10 * time.Second
)

// Config represents the complete engine configuration.
type Config struct {
	Environment EnvironmentConfig         `yaml:"environment"`
	Broker      BrokerConfig              `yaml:"broker"`
	Feed        FeedConfig                `yaml:"feed"`
	Database    DatabaseConfig            `yaml:"database"`
	Redis       RedisConfig               `yaml:"redis"`
	Risk        RiskConfig                `yaml:"risk"`
	Meta        MetaConfig                `yaml:"meta"`
	Schedule    ScheduleConfig            `yaml:"schedule"`
	Metrics     MetricsConfig             `yaml:"metrics"`
	Strategies  map[string]StrategyConfig `yaml:"strategies"`
}

// EnvironmentConfig defines the trading mode and logging.
type EnvironmentConfig struct {
	Mode              string  `yaml:"mode"`      // paper | live
	LogLevel          string  `yaml:"log_level"` // debug | info | warn | error
	InitialCapital    float64 `yaml:"initial_capital"`
	EnableLiveTrading bool    `yaml:"enable_live_trading"` // second gate on live order flow
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	BaseURL     string        `yaml:"base_url"`
	AccessToken string        `yaml:"access_token"`
	Timeout     time.Duration `yaml:"timeout"`
	// Per-endpoint sliding-window rate limits, requests per window.
	RateLimitPerSecond int `yaml:"rate_limit_per_second"`
}

// FeedConfig defines the push-socket feed settings.
type FeedConfig struct {
	AuthorizePath string `yaml:"authorize_path"`
	// MaxReconnects bounds the reconnect ladder before the engine falls
	// back to REST-only quoting.
	MaxReconnects int `yaml:"max_reconnects"`
}

// DatabaseConfig defines the relational store connection.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig defines the optional shared cache tier.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RiskConfig defines risk management parameters.
type RiskConfig struct {
	RiskPercent       float64 `yaml:"risk_percent"`        // base % of equity risked per trade
	MinSignalStrength float64 `yaml:"min_signal_strength"` // 0-100
	MaxPositions      int     `yaml:"max_positions"`
	MaxDailyLossPct   float64 `yaml:"max_daily_loss_pct"` // % of equity
	MaxLeverage       float64 `yaml:"max_leverage"`
	MinLots           int     `yaml:"min_lots"`
	MaxLots           int     `yaml:"max_lots"`
	LotSizes          map[string]int `yaml:"lot_sizes"` // per symbol
	// OverrideToken re-arms a tripped circuit breaker when presented.
	OverrideToken string `yaml:"override_token"`
}

// MetaConfig defines the meta-controller settings.
type MetaConfig struct {
	PolicyPath   string `yaml:"policy_path"`
	ModelVersion string `yaml:"model_version"`
}

// ScheduleConfig defines tick cadences and the exchange session clock.
type ScheduleConfig struct {
	Timezone      string        `yaml:"timezone"`
	MarketTick    string        `yaml:"market_tick"`
	MetaTick      string        `yaml:"meta_tick"`
	ReconcileTick string        `yaml:"reconcile_tick"`
	MarketOpen    string        `yaml:"market_open"`  // "HH:MM"
	MarketClose   string        `yaml:"market_close"` // "HH:MM"
	EODClose      string        `yaml:"eod_close"`    // force-exit time, "HH:MM"
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// MetricsConfig defines the operational metrics listener.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// StrategyConfig is the per-strategy block: enablement, weighting and the
// optional trading-window filter.
type StrategyConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Allocation float64 `yaml:"allocation"`
	// Filter constrains when the strategy's signals are accepted.
	Filter StrategyFilter `yaml:"filter"`
}

// StrategyFilter is a time-of-day / day-of-week gate on signals.
type StrategyFilter struct {
	StartTime string   `yaml:"start_time"` // "HH:MM", empty = open
	EndTime   string   `yaml:"end_time"`   // "HH:MM", empty = close
	Days      []string `yaml:"days"`       // e.g. ["Mon","Tue"], empty = all
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", configPath, err)
	}

	// Expand environment variables so secrets stay out of the file.
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", configPath, err)
	}

	config.Normalize()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Normalize sets default values for unset configuration fields.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.Environment.Mode) == "" {
		c.Environment.Mode = "paper"
	}
	if strings.TrimSpace(c.Environment.LogLevel) == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Broker.Timeout <= 0 {
		c.Broker.Timeout = 10 * time.Second
	}
	if c.Broker.RateLimitPerSecond <= 0 {
		c.Broker.RateLimitPerSecond = 10
	}
	if c.Feed.MaxReconnects <= 0 {
		c.Feed.MaxReconnects = 5
	}
	if c.Risk.RiskPercent <= 0 {
		c.Risk.RiskPercent = defaultRiskPercent
	}
	if c.Risk.MinSignalStrength <= 0 {
		c.Risk.MinSignalStrength = defaultMinSignalStrength
	}
	if c.Risk.MaxPositions <= 0 {
		c.Risk.MaxPositions = defaultMaxPositions
	}
	if c.Risk.MaxDailyLossPct <= 0 {
		c.Risk.MaxDailyLossPct = 3.0
	}
	if c.Risk.MaxLeverage <= 0 {
		c.Risk.MaxLeverage = 4.0
	}
	if c.Risk.MinLots <= 0 {
		c.Risk.MinLots = 1
	}
	if c.Risk.MaxLots <= 0 {
		c.Risk.MaxLots = 20
	}
	if c.Risk.LotSizes == nil {
		c.Risk.LotSizes = map[string]int{"NIFTY": 75, "SENSEX": 20}
	}
	if strings.TrimSpace(c.Schedule.Timezone) == "" {
		c.Schedule.Timezone = defaultTimezone
	}
	if strings.TrimSpace(c.Schedule.MarketTick) == "" {
		c.Schedule.MarketTick = defaultMarketTick
	}
	if strings.TrimSpace(c.Schedule.MetaTick) == "" {
		c.Schedule.MetaTick = defaultMetaTick
	}
	if strings.TrimSpace(c.Schedule.ReconcileTick) == "" {
		c.Schedule.ReconcileTick = defaultReconcileTick
	}
	if strings.TrimSpace(c.Schedule.MarketOpen) == "" {
		c.Schedule.MarketOpen = "09:15"
	}
	if strings.TrimSpace(c.Schedule.MarketClose) == "" {
		c.Schedule.MarketClose = "15:30"
	}
	if strings.TrimSpace(c.Schedule.EODClose) == "" {
		c.Schedule.EODClose = defaultEODClose
	}
	if c.Schedule.ShutdownGrace <= 0 {
		c.Schedule.ShutdownGrace = defaultShutdownGrace
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9105
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	switch strings.ToLower(c.Environment.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be one of: debug, info, warn, error")
	}
	if c.Environment.InitialCapital <= 0 {
		return fmt.Errorf("environment.initial_capital must be > 0")
	}
	if c.Environment.Mode == "live" && !c.Environment.EnableLiveTrading {
		return fmt.Errorf("environment.enable_live_trading must be true to run in live mode")
	}

	if strings.TrimSpace(c.Broker.AccessToken) == "" {
		return fmt.Errorf("broker.access_token is required")
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if c.Risk.RiskPercent <= 0 || c.Risk.RiskPercent > 10 {
		return fmt.Errorf("risk.risk_percent must be in (0, 10]")
	}
	if c.Risk.MinSignalStrength < 0 || c.Risk.MinSignalStrength > 100 {
		return fmt.Errorf("risk.min_signal_strength must be in [0, 100]")
	}
	if c.Risk.MinLots > c.Risk.MaxLots {
		return fmt.Errorf("risk.min_lots (%d) must be <= risk.max_lots (%d)", c.Risk.MinLots, c.Risk.MaxLots)
	}

	for name, sc := range c.Strategies {
		if sc.Allocation < 0 || sc.Allocation > 1 {
			return fmt.Errorf("strategies.%s.allocation must be in [0, 1]", name)
		}
		if err := sc.Filter.validate(); err != nil {
			return fmt.Errorf("strategies.%s.filter: %w", name, err)
		}
	}

	loc, err := c.Location()
	if err != nil {
		return err
	}
	for _, field := range []struct{ name, val string }{
		{"schedule.market_open", c.Schedule.MarketOpen},
		{"schedule.market_close", c.Schedule.MarketClose},
		{"schedule.eod_close", c.Schedule.EODClose},
	} {
		if _, err := time.ParseInLocation("15:04", field.val, loc); err != nil {
			return fmt.Errorf("%s invalid: %w", field.name, err)
		}
	}
	for _, field := range []struct{ name, val string }{
		{"schedule.market_tick", c.Schedule.MarketTick},
		{"schedule.meta_tick", c.Schedule.MetaTick},
		{"schedule.reconcile_tick", c.Schedule.ReconcileTick},
	} {
		d, err := time.ParseDuration(field.val)
		if err != nil {
			return fmt.Errorf("%s invalid: %w", field.name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", field.name)
		}
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}

	return nil
}

func (f StrategyFilter) validate() error {
	for _, v := range []string{f.StartTime, f.EndTime} {
		if v == "" {
			continue
		}
		if _, err := time.Parse("15:04", v); err != nil {
			return fmt.Errorf("time %q invalid: %w", v, err)
		}
	}
	for _, d := range f.Days {
		switch strings.ToLower(strings.TrimSpace(d)) {
		case "mon", "tue", "wed", "thu", "fri":
		default:
			return fmt.Errorf("day %q invalid (trading days are Mon-Fri)", d)
		}
	}
	return nil
}

// Allows reports whether the filter admits a signal at the given local time.
func (f StrategyFilter) Allows(now time.Time) bool {
	if len(f.Days) > 0 {
		ok := false
		want := strings.ToLower(now.Weekday().String()[:3])
		for _, d := range f.Days {
			if strings.ToLower(strings.TrimSpace(d)) == want {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	hm := now.Format("15:04")
	if f.StartTime != "" && hm < f.StartTime {
		return false
	}
	if f.EndTime != "" && hm > f.EndTime {
		return false
	}
	return true
}

// IsPaperTrading returns true when the engine is in paper mode.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// LiveOrdersEnabled is the double gate on real order flow: live mode AND the
// explicit enable flag.
func (c *Config) LiveOrdersEnabled() bool {
	return c.Environment.Mode == "live" && c.Environment.EnableLiveTrading
}

// Location resolves the configured exchange timezone.
func (c *Config) Location() (*time.Location, error) {
	tz := c.Schedule.Timezone
	if strings.TrimSpace(tz) == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", tz, err)
	}
	return loc, nil
}

// MarketTick returns the market tick cadence.
func (c *Config) MarketTick() time.Duration { return c.duration(c.Schedule.MarketTick, 5*time.Second) }

// MetaTick returns the meta-controller cadence.
func (c *Config) MetaTick() time.Duration { return c.duration(c.Schedule.MetaTick, 5*time.Minute) }

// ReconcileTick returns the reconciliation cadence.
func (c *Config) ReconcileTick() time.Duration {
	return c.duration(c.Schedule.ReconcileTick, 60*time.Second)
}

func (c *Config) duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// LotSize returns the contract lot size for a symbol, defaulting to 1 for
// unknown symbols so sizing stays conservative.
func (c *Config) LotSize(symbol string) int {
	if n, ok := c.Risk.LotSizes[symbol]; ok && n > 0 {
		return n
	}
	return 1
}

// IsWithinMarketHours checks the exchange session window on a weekday.
func (c *Config) IsWithinMarketHours(now time.Time) (bool, error) {
	loc, err := c.Location()
	if err != nil {
		return false, err
	}
	local := now.In(loc)
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return false, nil
	}
	hm := local.Format("15:04")
	return hm >= c.Schedule.MarketOpen && hm < c.Schedule.MarketClose, nil
}
