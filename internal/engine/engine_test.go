package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bytevantage/optionflow/internal/broker"
	"github.com/bytevantage/optionflow/internal/config"
	"github.com/bytevantage/optionflow/internal/models"
	"github.com/bytevantage/optionflow/internal/notify"
	"github.com/bytevantage/optionflow/internal/storage"
)

func testEngineConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Environment.Mode = "paper"
	cfg.Environment.InitialCapital = 1_000_000
	cfg.Broker.AccessToken = "test"
	cfg.Database.DSN = "unused-in-tests"
	cfg.Schedule.Timezone = "UTC"
	cfg.Strategies = map[string]config.StrategyConfig{
		"pcr_reversal": {Enabled: true},
	}
	cfg.Normalize()
	return cfg
}

func chainRowAt(strike float64, putOI int64) broker.ChainRow {
	leg := func(oi int64) *broker.ChainLeg {
		return &broker.ChainLeg{
			MarketData: broker.OptionMarketData{LTP: 80, Bid: 79, Ask: 81, OI: oi, PrevOI: oi, Volume: 500},
			Greeks:     broker.OptionGreeks{IV: 14, Delta: 0.5, Gamma: 0.0004},
		}
	}
	return broker.ChainRow{StrikePrice: strike, Call: leg(10000), Put: leg(putOI)}
}

func healthyMockBroker() *broker.MockBroker {
	mock := broker.NewMockBroker()
	mock.LTPFunc = func(_ context.Context, keys []string) (map[string]float64, error) {
		out := make(map[string]float64)
		for _, k := range keys {
			switch k {
			case broker.NiftyIndexKey:
				out[k] = 26000
			case broker.SensexIndexKey:
				out[k] = 85000
			default:
				out[k] = 80
			}
		}
		return out, nil
	}
	mock.OptionChainFunc = func(_ context.Context, key, _ string) ([]broker.ChainRow, error) {
		strike := 26000.0
		if key == broker.SensexIndexKey {
			strike = 85000.0
		}
		// High put OI drives the pcr_reversal strategy long.
		return []broker.ChainRow{chainRowAt(strike, 20000)}, nil
	}
	return mock
}

func newTestEngine(t *testing.T, mock *broker.MockBroker) (*Engine, *storage.MockStorage) {
	t.Helper()
	store := storage.NewMockStorage()
	eng, err := New(testEngineConfig(), Options{
		Broker:   mock,
		Store:    store,
		Notifier: &notify.MockNotifier{},
	}, nil)
	require.NoError(t, err)
	midSession := time.Date(2026, 8, 3, 11, 0, 0, 0, time.UTC)
	eng.now = func() time.Time { return midSession }
	eng.risk.WithClock(eng.now)
	return eng, store
}

func TestMarketTickExecutesSignalEndToEnd(t *testing.T) {
	eng, store := newTestEngine(t, healthyMockBroker())

	eng.marketTick(context.Background())

	positions := eng.orders.OpenPositions()
	require.NotEmpty(t, positions, "pcr signal should have executed in paper mode")
	pos := positions[0]
	assert.Equal(t, "pcr_reversal", pos.StrategyID)
	assert.Equal(t, models.StatusOpen, pos.Status)
	assert.Equal(t, 80.0, pos.EntryPrice, "paper fill at quoted mid")
	assert.NotZero(t, pos.EntryContext.Spot)

	_, saved := store.Position(pos.ID)
	assert.True(t, saved)
}

func TestMarketTickSkipsStrategiesOnStaleSnapshot(t *testing.T) {
	// Feed disconnected and REST down: the tick runs, the snapshot comes
	// back stale, strategies are skipped and the engine keeps ticking.
	mock := broker.NewMockBroker()
	mock.LTPFunc = func(context.Context, []string) (map[string]float64, error) {
		return nil, &broker.APIError{Kind: broker.KindTransient, Op: "LTP", Body: "down"}
	}
	eng, _ := newTestEngine(t, mock)

	eng.marketTick(context.Background())
	assert.Empty(t, eng.orders.OpenPositions(), "no trades off a stale snapshot")
	assert.Equal(t, 1, eng.staleNoFeedStreak)

	// Next tick succeeds once quotes are back.
	mock.LTPFunc = healthyMockBroker().LTPFunc
	mock.OptionChainFunc = healthyMockBroker().OptionChainFunc
	eng.marketTick(context.Background())
	assert.Zero(t, eng.staleNoFeedStreak, "streak resets on recovery")
}

func TestMarketTickOutsideHoursDoesNothing(t *testing.T) {
	mock := healthyMockBroker()
	eng, _ := newTestEngine(t, mock)
	eng.now = func() time.Time { return time.Date(2026, 8, 3, 3, 0, 0, 0, time.UTC) } // pre-open

	eng.marketTick(context.Background())
	assert.Empty(t, eng.orders.OpenPositions())
	assert.Zero(t, mock.Calls("OptionChain"), "no market data pulled outside hours")
}

func TestEODTickFlushesOpenPositions(t *testing.T) {
	eng, store := newTestEngine(t, healthyMockBroker())

	eng.marketTick(context.Background())
	require.NotEmpty(t, eng.orders.OpenPositions())

	// Move past the EOD close and run the EOD scheduler.
	eodTime := time.Date(2026, 8, 3, 15, 21, 0, 0, time.UTC)
	eng.now = func() time.Time { return eodTime }
	eng.eodTick(context.Background())

	assert.Empty(t, eng.orders.OpenPositions(), "EOD flush closes the book")
	trades := store.Trades()
	require.NotEmpty(t, trades)
	assert.Equal(t, models.ExitReasonEOD, trades[0].ExitReason)

	// Second run the same day is a no-op.
	eng.eodTick(context.Background())
	assert.Len(t, store.Trades(), len(trades))
}

func TestMetaTickInstallsAllocation(t *testing.T) {
	eng, store := newTestEngine(t, healthyMockBroker())

	eng.metaTick(context.Background())

	alloc := eng.meta.Allocation()
	require.NoError(t, alloc.Validate())
	assert.Len(t, store.Allocations(), 1, "allocation audit recorded")
}

func TestReconcileTickRunsSweep(t *testing.T) {
	mock := healthyMockBroker()
	mock.PositionsFunc = func(context.Context) ([]broker.BrokerPosition, error) { return nil, nil }
	eng, _ := newTestEngine(t, mock)

	eng.reconcileTick(context.Background())
	assert.Equal(t, 1, mock.Calls("Positions"))
}

func TestRestartYieldsSameOpenBook(t *testing.T) {
	// Engine restart with no new ticks must restore the identical open
	// position set.
	eng, store := newTestEngine(t, healthyMockBroker())
	eng.marketTick(context.Background())
	before := eng.orders.OpenPositions()
	require.NotEmpty(t, before)

	fresh, err := New(testEngineConfig(), Options{
		Broker: healthyMockBroker(), Store: store, Notifier: &notify.MockNotifier{},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, fresh.orders.Rehydrate(context.Background()))
	after := fresh.orders.OpenPositions()
	require.Len(t, after, len(before))

	byID := make(map[string]models.Position, len(after))
	for _, p := range after {
		byID[p.ID] = p
	}
	for _, want := range before {
		got, ok := byID[want.ID]
		require.True(t, ok, "position %s missing after restart", want.ID)
		assert.Equal(t, want.EntryPrice, got.EntryPrice)
		assert.Equal(t, want.Quantity, got.Quantity)
		assert.Equal(t, want.InstrumentKey, got.InstrumentKey)
		assert.Equal(t, want.StopLoss, got.StopLoss)
	}
}
