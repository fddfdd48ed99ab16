package marketdata

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bytevantage/optionflow/internal/broker"
	"github.com/bytevantage/optionflow/internal/cache"
	"github.com/bytevantage/optionflow/internal/models"
)

func chainRow(strike float64, oi, volume int64) broker.ChainRow {
	leg := func() *broker.ChainLeg {
		return &broker.ChainLeg{
			InstrumentKey: fmt.Sprintf("NSE_FO|X%0.f", strike),
			MarketData:    broker.OptionMarketData{LTP: 50, Bid: 49, Ask: 51, OI: oi, PrevOI: oi - 5, Volume: volume},
			Greeks:        broker.OptionGreeks{IV: 14, Delta: 0.5, Gamma: 0.001, Theta: -4, Vega: 9},
		}
	}
	return broker.ChainRow{StrikePrice: strike, Call: leg(), Put: leg()}
}

func newTestManager(t *testing.T, mock *broker.MockBroker) *Manager {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	m := NewManager(mock, cache.New(nil, nil), Options{Location: loc}, nil)
	m.now = func() time.Time { return time.Date(2026, 8, 3, 10, 0, 0, 0, loc) }
	return m
}

func TestSpotFallsBackToREST(t *testing.T) {
	mock := broker.NewMockBroker()
	mock.LTPFunc = func(_ context.Context, keys []string) (map[string]float64, error) {
		return map[string]float64{broker.NiftyIndexKey: 26120.5}, nil
	}
	m := newTestManager(t, mock)
	// The cache ages entries on the real clock, so the REST write must be
	// stamped on it too for the second call to find a fresh entry.
	m.now = time.Now

	spot, _, err := m.Spot(context.Background(), models.SymbolNifty)
	require.NoError(t, err)
	assert.Equal(t, 26120.5, spot)
	assert.Equal(t, 1, mock.Calls("LTP"))

	// Second call hits the cache, not REST.
	spot, _, err = m.Spot(context.Background(), models.SymbolNifty)
	require.NoError(t, err)
	assert.Equal(t, 26120.5, spot)
	assert.Equal(t, 1, mock.Calls("LTP"))
}

func TestStrikeFilterBand(t *testing.T) {
	const spot = 26000.0
	mock := broker.NewMockBroker()
	mock.OptionChainFunc = func(context.Context, string, string) ([]broker.ChainRow, error) {
		return []broker.ChainRow{
			chainRow(23000, 1000, 100), // beyond -10%: dropped regardless of liquidity
			chainRow(25900, 0, 0),      // inside ATM core (+-2%): kept despite zero OI
			chainRow(24900, 10, 1),     // ~-4.2%: inside +-5%, kept despite floors
			chainRow(24300, 10, 1),     // ~-6.5%: outside +-5% and illiquid: dropped
			chainRow(27000, 100, 50),   // ~+3.8%: inside +-5%, kept
			chainRow(28300, 100, 50),   // ~+8.8%: outside +-5% but liquid: kept
		}, nil
	}
	m := newTestManager(t, mock)

	chain, err := m.Chain(context.Background(), models.SymbolNifty, spot)
	require.NoError(t, err)

	_, has := chain.Strikes[23000.0]
	assert.False(t, has, "outside +-10% band")
	_, has = chain.Strikes[25900.0]
	assert.True(t, has, "ATM core keeps all strikes")
	_, has = chain.Strikes[24900.0]
	assert.True(t, has, "+-5% keeps floors-exempt strikes")
	_, has = chain.Strikes[24300.0]
	assert.False(t, has, "illiquid strike outside +-5% dropped")
	_, has = chain.Strikes[28300.0]
	assert.True(t, has, "liquid strike inside band kept")
	assert.Greater(t, chain.PCR, 0.0, "aggregates recomputed after filtering")
}

func TestChainTriesFallbackExpiries(t *testing.T) {
	var expiries []string
	mock := broker.NewMockBroker()
	mock.OptionChainFunc = func(_ context.Context, _ string, expiry string) ([]broker.ChainRow, error) {
		expiries = append(expiries, expiry)
		if len(expiries) < 2 {
			return nil, nil // current expiry empty
		}
		return []broker.ChainRow{chainRow(26000, 100, 50)}, nil
	}
	m := newTestManager(t, mock)

	chain, err := m.Chain(context.Background(), models.SymbolNifty, 26000)
	require.NoError(t, err)
	require.Len(t, expiries, 2)
	assert.Equal(t, "2026-08-04", expiries[0])
	assert.Equal(t, "2026-08-11", expiries[1], "fallback is the next weekly cycle")
	assert.Equal(t, "2026-08-11", chain.Expiry.Format("2006-01-02"))
}

func TestSnapshotMarksStaleOnSpotFailure(t *testing.T) {
	mock := broker.NewMockBroker()
	mock.LTPFunc = func(context.Context, []string) (map[string]float64, error) {
		return nil, &broker.APIError{Kind: broker.KindTransient, Op: "LTP", Body: "down"}
	}
	m := newTestManager(t, mock)

	var staleSymbols []models.Symbol
	m.OnStale(func(s models.Symbol) { staleSymbols = append(staleSymbols, s) })

	snap := m.Snapshot(context.Background())
	assert.True(t, snap.Stale, "snapshot with no data must be stale")
	for _, sym := range snap.Symbols {
		assert.True(t, sym.Stale)
	}
	assert.NotEmpty(t, staleSymbols)
}

func TestSnapshotPCRSubstitutionForSensex(t *testing.T) {
	mock := broker.NewMockBroker()
	mock.LTPFunc = func(_ context.Context, keys []string) (map[string]float64, error) {
		return map[string]float64{
			broker.NiftyIndexKey:  26000,
			broker.SensexIndexKey: 85000,
		}, nil
	}
	mock.OptionChainFunc = func(_ context.Context, key, _ string) ([]broker.ChainRow, error) {
		if key == broker.SensexIndexKey {
			// Broker glitch: zero call OI across the SENSEX chain.
			row := chainRow(85000, 0, 50)
			row.Call.MarketData.OI = 0
			row.Put.MarketData.OI = 900
			return []broker.ChainRow{row}, nil
		}
		row := chainRow(26000, 1000, 50)
		row.Put.MarketData.OI = 920
		return []broker.ChainRow{row}, nil
	}
	m := newTestManager(t, mock)

	snap := m.Snapshot(context.Background())
	nifty := snap.Symbols[models.SymbolNifty]
	sensex := snap.Symbols[models.SymbolSensex]
	require.NotNil(t, nifty.Chain)
	require.NotNil(t, sensex.Chain)

	assert.InDelta(t, 0.92, nifty.Chain.PCR, 1e-9)
	assert.Equal(t, nifty.Chain.PCR, sensex.Chain.PCR,
		"SENSEX with zero call OI publishes NIFTY's PCR")
}

func TestEnsureGreeksComputedWhenMissing(t *testing.T) {
	mock := broker.NewMockBroker()
	mock.OptionChainFunc = func(context.Context, string, string) ([]broker.ChainRow, error) {
		row := chainRow(26000, 100, 50)
		// Broker sent IV but no Greeks.
		row.Call.Greeks = broker.OptionGreeks{IV: 15}
		row.Put.Greeks = broker.OptionGreeks{IV: 15}
		return []broker.ChainRow{row}, nil
	}
	m := newTestManager(t, mock)

	chain, err := m.Chain(context.Background(), models.SymbolNifty, 26000)
	require.NoError(t, err)
	call := chain.Leg(26000, models.RightCall)
	require.NotNil(t, call)
	assert.InDelta(t, 0.5, call.Greeks.Delta, 0.15, "ATM call delta near 0.5")
	assert.Greater(t, call.Greeks.Gamma, 0.0)
	assert.Less(t, call.Greeks.Theta, 0.0)
	put := chain.Leg(26000, models.RightPut)
	assert.Less(t, put.Greeks.Delta, 0.0, "put delta negative")
}

func TestAddBarEvictsBeyondCap(t *testing.T) {
	m := newTestManager(t, broker.NewMockBroker())
	base := time.Now()
	for i := 0; i < maxBarsPerFrame+10; i++ {
		m.AddBar(models.SymbolNifty, "5m", Bar{Time: base.Add(time.Duration(i) * 5 * time.Minute), Close: float64(i)})
	}
	bars := m.Bars(models.SymbolNifty, "5m")
	assert.Len(t, bars, maxBarsPerFrame)
	assert.Equal(t, float64(maxBarsPerFrame+9), bars[len(bars)-1].Close)
}
