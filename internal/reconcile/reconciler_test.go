package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bytevantage/optionflow/internal/broker"
	"github.com/bytevantage/optionflow/internal/models"
	"github.com/bytevantage/optionflow/internal/notify"
	"github.com/bytevantage/optionflow/internal/storage"
)

type staticBook struct {
	positions []models.Position
}

func (b *staticBook) OpenPositions() []models.Position { return b.positions }

func sensexShort() broker.BrokerPosition {
	return broker.BrokerPosition{
		InstrumentKey: "BSE_FO|SENSEX06AUG2026PE85300",
		TradingSymbol: "SENSEX 85300 PE",
		Quantity:      -20,
		Product:       "I",
	}
}

func TestOrphanKillAfterTwoMoreSweeps(t *testing.T) {
	// Broker reports a short the engine never opened. First sweep flags
	// it; the divergence must survive two further sweeps before the
	// opposite-side market order goes out.
	mock := broker.NewMockBroker()
	mock.PositionsFunc = func(context.Context) ([]broker.BrokerPosition, error) {
		return []broker.BrokerPosition{sensexShort()}, nil
	}
	var placed []broker.OrderRequest
	mock.PlaceOrderFunc = func(_ context.Context, req broker.OrderRequest) (*broker.OrderResult, error) {
		placed = append(placed, req)
		return &broker.OrderResult{Status: "success", OrderID: "kill-1"}, nil
	}

	store := storage.NewMockStorage()
	notifier := &notify.MockNotifier{}
	r := New(mock, &staticBook{}, store, notifier, true, nil)

	for sweep := 1; sweep <= 2; sweep++ {
		summary, err := r.Sweep(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, summary.BrokerOnly, "sweep %d", sweep)
		assert.Zero(t, summary.OrphansKilled, "sweep %d must not kill yet", sweep)
		assert.Empty(t, placed)
	}

	summary, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.OrphansKilled)

	require.Len(t, placed, 1)
	assert.Equal(t, "BUY", placed[0].Side, "short orphan is bought back")
	assert.Equal(t, 20, placed[0].Quantity)
	assert.Equal(t, "MARKET", placed[0].OrderType)
	assert.Equal(t, "I", placed[0].Product)

	orphans := store.Orphans()
	require.Len(t, orphans, 1, "audit row written")
	assert.Equal(t, "kill-1", orphans[0].OrderID)

	var criticals int
	for _, e := range notifier.Recorded() {
		if e.Level == notify.LevelCritical && e.Event == "ORPHAN_KILL" {
			criticals++
		}
	}
	assert.Equal(t, 1, criticals, "notifier fires CRITICAL on the kill")
}

func TestDivergenceStreakResetsWhenCleared(t *testing.T) {
	mock := broker.NewMockBroker()
	present := true
	mock.PositionsFunc = func(context.Context) ([]broker.BrokerPosition, error) {
		if present {
			return []broker.BrokerPosition{sensexShort()}, nil
		}
		return nil, nil
	}
	var kills int
	mock.PlaceOrderFunc = func(context.Context, broker.OrderRequest) (*broker.OrderResult, error) {
		kills++
		return &broker.OrderResult{OrderID: "x"}, nil
	}
	r := New(mock, &staticBook{}, storage.NewMockStorage(), nil, true, nil)

	_, err := r.Sweep(context.Background())
	require.NoError(t, err)
	_, err = r.Sweep(context.Background())
	require.NoError(t, err)

	present = false // broker position vanished (manually closed)
	_, err = r.Sweep(context.Background())
	require.NoError(t, err)

	present = true // back again: streak starts over
	for i := 0; i < 2; i++ {
		_, err = r.Sweep(context.Background())
		require.NoError(t, err)
	}
	assert.Zero(t, kills, "cleared divergence must restart its streak")
}

func TestMatchedPositionsAreNotOrphans(t *testing.T) {
	enginePos := models.Position{
		ID:            "pos-1",
		InstrumentKey: "NSE_FO|NIFTY04AUG2026CE26150",
		Quantity:      75,
		Status:        models.StatusOpen,
	}
	mock := broker.NewMockBroker()
	mock.PositionsFunc = func(context.Context) ([]broker.BrokerPosition, error) {
		return []broker.BrokerPosition{{
			InstrumentKey: "NSE_FO|NIFTY04AUG2026CE26150",
			Quantity:      75,
		}}, nil
	}
	r := New(mock, &staticBook{positions: []models.Position{enginePos}}, storage.NewMockStorage(), nil, true, nil)

	summary, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Matched)
	assert.Zero(t, summary.BrokerOnly)
	assert.Zero(t, summary.EngineOnly)
}

func TestEngineOnlyNeverAutoKilledButAlerts(t *testing.T) {
	enginePos := models.Position{
		ID:            "pos-fresh",
		InstrumentKey: "NSE_FO|NIFTY04AUG2026CE26150",
		Quantity:      75,
		EntryTime:     time.Now(),
		Status:        models.StatusOpen,
	}
	mock := broker.NewMockBroker() // broker reports nothing
	var orders int
	mock.PlaceOrderFunc = func(context.Context, broker.OrderRequest) (*broker.OrderResult, error) {
		orders++
		return &broker.OrderResult{}, nil
	}
	notifier := &notify.MockNotifier{}
	r := New(mock, &staticBook{positions: []models.Position{enginePos}}, storage.NewMockStorage(), notifier, true, nil)

	for i := 0; i < 4; i++ {
		_, err := r.Sweep(context.Background())
		require.NoError(t, err)
	}

	assert.Zero(t, orders, "engine-only positions are never auto-killed")
	assert.Equal(t, 1, r.FlaggedEngineOnly())

	var alerts int
	for _, e := range notifier.Recorded() {
		if e.Event == "ENGINE_POSITION_UNMATCHED" {
			alerts++
		}
	}
	assert.Equal(t, 1, alerts, "persistent divergence raises one alert")
}

func TestPaperModeSkipsKillOrder(t *testing.T) {
	mock := broker.NewMockBroker()
	mock.PositionsFunc = func(context.Context) ([]broker.BrokerPosition, error) {
		return []broker.BrokerPosition{sensexShort()}, nil
	}
	var orders int
	mock.PlaceOrderFunc = func(context.Context, broker.OrderRequest) (*broker.OrderResult, error) {
		orders++
		return &broker.OrderResult{}, nil
	}
	store := storage.NewMockStorage()
	r := New(mock, &staticBook{}, store, nil, false, nil)

	for i := 0; i < 3; i++ {
		_, err := r.Sweep(context.Background())
		require.NoError(t, err)
	}
	assert.Zero(t, orders, "paper mode places no broker orders")
	assert.Len(t, store.Orphans(), 1, "audit still written in paper mode")
}
