package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bytevantage/optionflow/internal/config"
	"github.com/bytevantage/optionflow/internal/models"
	"github.com/bytevantage/optionflow/internal/notify"
)

func testConfig() config.RiskConfig {
	return config.RiskConfig{
		RiskPercent:       2,
		MinSignalStrength: 75,
		MaxPositions:      5,
		MaxDailyLossPct:   3,
		MaxLeverage:       4,
		MinLots:           1,
		MaxLots:           20,
		OverrideToken:     "let-me-in",
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	lotSize := func(symbol string) int {
		if symbol == "SENSEX" {
			return 20
		}
		return 75
	}
	m := NewManager(testConfig(), 1_000_000, lotSize, "15:20", time.UTC, &notify.MockNotifier{}, nil)
	m.now = func() time.Time { return time.Date(2026, 8, 3, 11, 0, 0, 0, time.UTC) }
	return m
}

func testSignal(confidence float64) *models.Signal {
	return &models.Signal{
		StrategyID: "vwap_deviation",
		MetaGroup:  models.GroupMeanReversion,
		Symbol:     models.SymbolNifty,
		Right:      models.RightCall,
		Strike:     26000,
		EntryPrice: 80,
		Target:     104,
		StopLoss:   64,
		Strength:   85,
		Confidence: confidence,
	}
}

func openPosition(id string, group models.MetaGroup) *models.Position {
	return &models.Position{
		ID:         id,
		Quantity:   75,
		EntryPrice: 80,
		StopLoss:   64,
		MetaGroup:  group,
		Status:     models.StatusOpen,
	}
}

func TestConfidenceBuckets(t *testing.T) {
	cases := []struct {
		confidence float64
		want       float64
	}{
		{0.50, 0.8},
		{0.7499, 0.8},
		{0.75, 1.0},
		{0.8499, 1.0},
		{0.85, 1.2},
		{0.90, 1.5},
		{0.9499, 1.5},
		{0.95, 2.0}, // inclusive upper bucket
		{0.99, 2.0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, confidenceMultiplier(tc.confidence), "confidence %.4f", tc.confidence)
	}
}

func TestSizeIsDeterministicAndLotRounded(t *testing.T) {
	m := newTestManager(t)
	sig := testSignal(0.80)

	qty1, err := m.Size(sig)
	require.NoError(t, err)
	qty2, err := m.Size(sig)
	require.NoError(t, err)
	assert.Equal(t, qty1, qty2, "sizing must be deterministic for fixed inputs")
	assert.Zero(t, qty1%75, "quantity rounds to lot multiples")

	// Base: 1,000,000 * 2% = 20,000 risk; per-unit risk 16 -> 1250 units
	// -> 16 lots of 75 = 1200 units at 1.0x confidence.
	assert.Equal(t, 1200, qty1)
}

func TestSizeScalesWithConfidence(t *testing.T) {
	m := newTestManager(t)
	low, err := m.Size(testSignal(0.70))
	require.NoError(t, err)
	high, err := m.Size(testSignal(0.95))
	require.NoError(t, err)
	assert.Greater(t, high, low)
	// 0.95 earns 2.0x: 40,000/16 = 2500 units -> 33 lots, clamped to 20 -> 1500.
	assert.Equal(t, 20*75, high)
}

func TestSizeRegimeAdjustment(t *testing.T) {
	m := newTestManager(t)
	base, err := m.Size(testSignal(0.80))
	require.NoError(t, err)

	m.SetRegime(models.RegimeHighVol)
	highVol, err := m.Size(testSignal(0.80))
	require.NoError(t, err)
	assert.Less(t, highVol, base)

	m.SetRegime(models.RegimeLowVol)
	lowVol, err := m.Size(testSignal(0.80))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, lowVol, base)
}

func TestSizePortfolioRiskThrottle(t *testing.T) {
	m := newTestManager(t)
	base, err := m.Size(testSignal(0.80))
	require.NoError(t, err)

	// Load the book with at-risk capital > 8% of equity:
	// (80-64)*75 = 1200 per position; need > 80,000 -> 70 positions worth.
	for i := 0; i < 70; i++ {
		m.AddPosition(openPosition(string(rune('a'+i)), models.GroupMomentumTrend))
	}
	throttled, err := m.Size(testSignal(0.80))
	require.NoError(t, err)
	assert.Less(t, throttled, base, "heavy at-risk book halves sizing")
}

func TestSizeRejectsInvertedStops(t *testing.T) {
	m := newTestManager(t)
	sig := testSignal(0.8)
	sig.StopLoss = 90
	_, err := m.Size(sig)
	assert.Error(t, err)
}

func TestValidateMaxConcurrentPositions(t *testing.T) {
	m := newTestManager(t)
	for i := 0; i < 5; i++ {
		m.AddPosition(openPosition(string(rune('a'+i)), models.MetaGroup(i%9)))
	}
	ok, reason := m.Validate(testSignal(0.8))
	assert.False(t, ok)
	assert.Equal(t, RejectMaxPositions, reason)
}

func TestValidatePerGroupCap(t *testing.T) {
	m := newTestManager(t)
	m.AddPosition(openPosition("a", models.GroupMeanReversion))
	m.AddPosition(openPosition("b", models.GroupMeanReversion))

	ok, reason := m.Validate(testSignal(0.8))
	assert.False(t, ok)
	assert.Equal(t, RejectGroupCap, reason)

	other := testSignal(0.8)
	other.MetaGroup = models.GroupMomentumTrend
	ok, _ = m.Validate(other)
	assert.True(t, ok, "other groups unaffected by the cap")
}

func TestValidateWeakSignal(t *testing.T) {
	m := newTestManager(t)
	sig := testSignal(0.8)
	sig.Strength = 60
	ok, reason := m.Validate(sig)
	assert.False(t, ok)
	assert.Equal(t, RejectWeakSignal, reason)
}

func TestValidateStarvedGroup(t *testing.T) {
	m := newTestManager(t)
	var alloc models.Allocation
	alloc.Weights[models.GroupMomentumTrend] = 1.0
	m.SetAllocation(alloc)

	ok, reason := m.Validate(testSignal(0.8)) // mean reversion group: weight 0
	assert.False(t, ok)
	assert.Equal(t, RejectGroupStarved, reason)
}

func TestValidatePauseDirective(t *testing.T) {
	m := newTestManager(t)
	alloc := models.UniformAllocation(time.Now())
	alloc.Paused = true
	m.SetAllocation(alloc)

	ok, reason := m.Validate(testSignal(0.8))
	assert.False(t, ok)
	assert.Equal(t, RejectPaused, reason)
}

func TestDailyLossBreakerTripsAndOverrides(t *testing.T) {
	notifier := &notify.MockNotifier{}
	m := NewManager(testConfig(), 1_000_000, nil, "15:20", time.UTC, notifier, nil)
	m.now = func() time.Time { return time.Date(2026, 8, 3, 11, 0, 0, 0, time.UTC) }

	m.RecordClose(-31_000) // over the 3% (30,000) limit
	assert.True(t, m.BreakerTripped())

	ok, reason := m.Validate(testSignal(0.9))
	assert.False(t, ok)
	assert.Equal(t, RejectDailyLoss, reason)

	events := notifier.Recorded()
	require.NotEmpty(t, events)
	assert.Equal(t, notify.LevelCritical, events[0].Level)

	assert.False(t, m.Override("wrong-token"))
	assert.True(t, m.BreakerTripped())
	assert.True(t, m.Override("let-me-in"))
	assert.False(t, m.BreakerTripped())
}

func TestRolloverDayResetsBreaker(t *testing.T) {
	m := newTestManager(t)
	m.RecordClose(-40_000)
	require.True(t, m.BreakerTripped())

	m.now = func() time.Time { return time.Date(2026, 8, 4, 9, 15, 0, 0, time.UTC) }
	assert.True(t, m.RolloverDay())
	assert.False(t, m.BreakerTripped())
	assert.Zero(t, m.DayRealized())
	assert.False(t, m.RolloverDay(), "same day is not a rollover")
}

func TestShouldExitStopLossSequence(t *testing.T) {
	m := newTestManager(t)
	pos := &models.Position{
		ID: "p", Quantity: 75, EntryPrice: 50.70, StopLoss: 40.00, Target: 70, Status: models.StatusOpen,
	}
	for _, ltp := range []float64{45, 42} {
		exit, _ := m.ShouldExit(pos, ltp)
		assert.False(t, exit, "ltp %.2f above stop", ltp)
	}
	exit, reason := m.ShouldExit(pos, 39.5)
	assert.True(t, exit)
	assert.Equal(t, models.ExitReasonStopLoss, reason)
}

func TestShouldExitTP3AndTrailing(t *testing.T) {
	m := newTestManager(t)
	pos := &models.Position{ID: "p", EntryPrice: 80, StopLoss: 64, TP3: 104, Status: models.StatusOpen}

	exit, reason := m.ShouldExit(pos, 104.5)
	assert.True(t, exit)
	assert.Equal(t, models.ExitReasonTP3, reason)

	pos.TrailingSL = 95
	exit, reason = m.ShouldExit(pos, 94)
	assert.True(t, exit)
	assert.Equal(t, models.ExitReasonTrailingSL, reason)
}

func TestShouldExitEOD(t *testing.T) {
	m := newTestManager(t)
	m.now = func() time.Time { return time.Date(2026, 8, 3, 15, 20, 0, 0, time.UTC) }
	pos := &models.Position{ID: "p", EntryPrice: 80, StopLoss: 64, Target: 104, Status: models.StatusOpen}

	exit, reason := m.ShouldExit(pos, 85)
	assert.True(t, exit)
	assert.Equal(t, models.ExitReasonEOD, reason)
}

func TestShouldExitRiskOff(t *testing.T) {
	m := newTestManager(t)
	m.Pause("critic loss spike")
	pos := &models.Position{ID: "p", EntryPrice: 80, StopLoss: 64, Target: 104, Status: models.StatusOpen}

	exit, reason := m.ShouldExit(pos, 85)
	assert.True(t, exit)
	assert.Equal(t, models.ExitReasonRiskOff, reason)
}
