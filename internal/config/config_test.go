package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
environment:
  mode: paper
  log_level: info
  initial_capital: 1000000
broker:
  base_url: https://api.example.com
  access_token: test-token
database:
  dsn: user:pass@tcp(localhost:3306)/trading?parseTime=true
redis:
  addr: localhost:6379
risk:
  risk_percent: 2
  min_signal_strength: 75
strategies:
  vwap_deviation:
    enabled: true
    allocation: 0.2
  pcr_reversal:
    enabled: true
    allocation: 0.1
    filter:
      start_time: "09:30"
      end_time: "14:30"
      days: ["Mon", "Tue", "Wed"]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.True(t, cfg.IsPaperTrading())
	assert.False(t, cfg.LiveOrdersEnabled())
	assert.Equal(t, 2.0, cfg.Risk.RiskPercent)
	assert.Equal(t, 5, cfg.Risk.MaxPositions, "max positions default")
	assert.Equal(t, 5*time.Second, cfg.MarketTick())
	assert.Equal(t, 5*time.Minute, cfg.MetaTick())
	assert.Equal(t, 60*time.Second, cfg.ReconcileTick())
	assert.Equal(t, "15:20", cfg.Schedule.EODClose)
	assert.Equal(t, 75, cfg.LotSize("NIFTY"))
	assert.Equal(t, 20, cfg.LotSize("SENSEX"))
	assert.Equal(t, 1, cfg.LotSize("UNKNOWN"))
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_BROKER_TOKEN", "secret-from-env")
	yaml := `
environment:
  mode: paper
  initial_capital: 500000
broker:
  access_token: ${TEST_BROKER_TOKEN}
database:
  dsn: dsn
`
	cfg, err := Load(writeConfig(t, yaml))
	require.NoError(t, err)
	assert.Equal(t, "secret-from-env", cfg.Broker.AccessToken)
}

func TestLiveModeRequiresExplicitGate(t *testing.T) {
	yaml := `
environment:
  mode: live
  initial_capital: 500000
broker:
  access_token: tok
database:
  dsn: dsn
`
	_, err := Load(writeConfig(t, yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "enable_live_trading")
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Environment.Mode = "demo" }},
		{"no token", func(c *Config) { c.Broker.AccessToken = " " }},
		{"no dsn", func(c *Config) { c.Database.DSN = "" }},
		{"zero capital", func(c *Config) { c.Environment.InitialCapital = 0 }},
		{"risk percent too high", func(c *Config) { c.Risk.RiskPercent = 25 }},
		{"lots inverted", func(c *Config) { c.Risk.MinLots = 10; c.Risk.MaxLots = 2 }},
		{"bad eod", func(c *Config) { c.Schedule.EODClose = "25:99" }},
		{"bad strategy allocation", func(c *Config) {
			c.Strategies = map[string]StrategyConfig{"x": {Allocation: 1.5}}
		}},
		{"bad filter day", func(c *Config) {
			c.Strategies = map[string]StrategyConfig{"x": {Filter: StrategyFilter{Days: []string{"Sun"}}}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, validYAML))
			require.NoError(t, err)
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestStrategyFilterAllows(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	f := StrategyFilter{StartTime: "09:30", EndTime: "14:30", Days: []string{"Mon"}}

	monMorning := time.Date(2026, 8, 3, 10, 0, 0, 0, loc) // Monday
	monEarly := time.Date(2026, 8, 3, 9, 0, 0, 0, loc)
	tueMorning := time.Date(2026, 8, 4, 10, 0, 0, 0, loc)

	assert.True(t, f.Allows(monMorning))
	assert.False(t, f.Allows(monEarly), "before window")
	assert.False(t, f.Allows(tueMorning), "wrong day")

	assert.True(t, StrategyFilter{}.Allows(tueMorning), "empty filter admits everything")
}

func TestIsWithinMarketHours(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)
	loc, err := cfg.Location()
	require.NoError(t, err)

	open, err := cfg.IsWithinMarketHours(time.Date(2026, 8, 3, 10, 0, 0, 0, loc))
	require.NoError(t, err)
	assert.True(t, open)

	closed, err := cfg.IsWithinMarketHours(time.Date(2026, 8, 3, 15, 45, 0, 0, loc))
	require.NoError(t, err)
	assert.False(t, closed)

	weekend, err := cfg.IsWithinMarketHours(time.Date(2026, 8, 1, 10, 0, 0, 0, loc)) // Saturday
	require.NoError(t, err)
	assert.False(t, weekend)
}
