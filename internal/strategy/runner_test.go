package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bytevantage/optionflow/internal/config"
	"github.com/bytevantage/optionflow/internal/models"
)

func snapshotWithChain(pcr float64) *models.MarketSnapshot {
	expiry := time.Date(2026, 8, 4, 0, 0, 0, 0, time.UTC)
	leg := func(strike float64, right models.Right) *models.OptionLeg {
		return &models.OptionLeg{
			Strike: strike, Right: right, Bid: 79, Ask: 81, Last: 80,
			OI: 10000, Volume: 500, Greeks: models.Greeks{IV: 14, Delta: 0.5},
		}
	}
	chain := &models.OptionChain{
		Symbol: models.SymbolNifty, Expiry: expiry, SpotPrice: 26000,
		Strikes: map[float64]models.StrikeLegs{
			26000: {Call: leg(26000, models.RightCall), Put: leg(26000, models.RightPut)},
			26100: {Call: leg(26100, models.RightCall), Put: leg(26100, models.RightPut)},
		},
		PCR: pcr, CapturedAt: time.Now(),
	}
	return &models.MarketSnapshot{
		Symbols: map[models.Symbol]*models.SymbolSnapshot{
			models.SymbolNifty: {
				Symbol: models.SymbolNifty, Spot: 26000, ATMStrike: 26000,
				Expiry: expiry, Chain: chain,
				Technicals: models.Technicals{VWAP: 26000, ADX: 20},
				SpotAt:     time.Now(), ChainAt: time.Now(),
			},
		},
		CapturedAt: time.Now(),
	}
}

func enabledAll() map[string]config.StrategyConfig {
	return map[string]config.StrategyConfig{
		"vwap_deviation":  {Enabled: true},
		"pcr_reversal":    {Enabled: true},
		"oi_accumulation": {Enabled: true},
	}
}

func TestLookupAliases(t *testing.T) {
	for _, name := range []string{"vwap_deviation", "VWAPDeviation", "vwap-deviation", " VWAP_DEVIATION ", "VWAPDeviationStrategy"} {
		s, ok := Lookup(name)
		require.True(t, ok, "alias %q should resolve", name)
		assert.Equal(t, "vwap_deviation", s.ID)
		assert.Equal(t, models.GroupMeanReversion, s.Group)
	}
	_, ok := Lookup("no_such_thing")
	assert.False(t, ok)
}

func TestRunnerSkipsStaleSnapshot(t *testing.T) {
	r := NewRunner(enabledAll(), nil)
	snap := snapshotWithChain(1.5)
	snap.Stale = true
	assert.Empty(t, r.Run(snap), "stale snapshot must not produce signals")
	assert.Nil(t, r.Run(nil))
}

func TestRunnerEmitsPCRReversalSignal(t *testing.T) {
	r := NewRunner(map[string]config.StrategyConfig{"pcr_reversal": {Enabled: true}}, nil)
	signals := r.Run(snapshotWithChain(1.5))

	require.Len(t, signals, 1)
	sig := signals[0]
	assert.Equal(t, "pcr_reversal", sig.StrategyID)
	assert.Equal(t, models.GroupPCRSentiment, sig.MetaGroup)
	assert.Equal(t, models.RightCall, sig.Right, "crowded put book sets up a long call")
	assert.Equal(t, models.SideBuy, sig.Side)
	assert.InDelta(t, 80.0, sig.EntryPrice, 0.01, "entry at leg midpoint")
	assert.Greater(t, sig.Target, sig.EntryPrice)
	assert.Less(t, sig.StopLoss, sig.EntryPrice)
}

func TestValidateRejectsAbsentStrikeAndBadPrice(t *testing.T) {
	r := NewRunner(nil, nil)
	snap := snapshotWithChain(1.0)
	raw := []models.Signal{
		{StrategyID: "x", Symbol: models.SymbolNifty, Strike: 27750, Right: models.RightCall, EntryPrice: 10, Strength: 80},
		{StrategyID: "x", Symbol: models.SymbolNifty, Strike: 26000, Right: models.RightCall, EntryPrice: 0, Strength: 80},
		{StrategyID: "x", Symbol: models.SymbolNifty, Strike: 26000, Right: models.RightCall, EntryPrice: 80, Strength: 70},
	}
	out := r.validate(snap, raw)
	require.Len(t, out, 1, "absent strike and non-positive entry are rejected")
	assert.Equal(t, 26000.0, out[0].Strike)
}

func TestValidateDeduplicatesKeepingStrongest(t *testing.T) {
	r := NewRunner(nil, nil)
	snap := snapshotWithChain(1.0)
	expiry := snap.Symbols[models.SymbolNifty].Expiry
	raw := []models.Signal{
		{StrategyID: "a", Symbol: models.SymbolNifty, Strike: 26000, Right: models.RightCall, Expiry: expiry, EntryPrice: 80, Strength: 60},
		{StrategyID: "b", Symbol: models.SymbolNifty, Strike: 26000, Right: models.RightCall, Expiry: expiry, EntryPrice: 80, Strength: 90},
		{StrategyID: "c", Symbol: models.SymbolNifty, Strike: 26100, Right: models.RightCall, Expiry: expiry, EntryPrice: 80, Strength: 50},
	}
	out := r.validate(snap, raw)
	require.Len(t, out, 2, "same leg deduplicates, distinct strikes survive")

	byStrike := map[float64]models.Signal{}
	for _, s := range out {
		byStrike[s.Strike] = s
	}
	assert.Equal(t, "b", byStrike[26000].StrategyID, "highest strength wins the dedupe")
}

func TestRunnerHonorsTimeFilter(t *testing.T) {
	r := NewRunner(map[string]config.StrategyConfig{
		"pcr_reversal": {Enabled: true, Filter: config.StrategyFilter{StartTime: "09:30", EndTime: "10:00"}},
	}, nil)
	r.now = func() time.Time { return time.Date(2026, 8, 3, 14, 0, 0, 0, time.UTC) }

	assert.Empty(t, r.Run(snapshotWithChain(1.5)), "outside the strategy's window")
}

func TestCanonicalFallsBackToNormalized(t *testing.T) {
	assert.Equal(t, "quantumedge", Canonical("QuantumEdgeStrategy"))
	assert.Equal(t, "pcr_reversal", Canonical("PCR-Reversal"))
}
