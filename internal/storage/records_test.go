package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bytevantage/optionflow/internal/models"
)

func samplePosition() *models.Position {
	return &models.Position{
		ID: "pos-abc",
		Instrument: models.Instrument{
			Symbol: models.SymbolNifty,
			Kind:   models.KindOption,
			Strike: 26150,
			Expiry: time.Date(2026, 8, 4, 0, 0, 0, 0, time.UTC),
			Right:  models.RightCall,
		},
		InstrumentKey: "NSE_FO|NIFTY04AUG2026CE26150",
		Quantity:      75,
		EntryPrice:    80.35,
		CurrentPrice:  83.40,
		EntryTime:     time.Date(2026, 8, 3, 10, 15, 0, 0, time.UTC),
		StrategyID:    "vwap_deviation",
		MetaGroup:     models.GroupMeanReversion,
		Target:        104.5,
		StopLoss:      64.3,
		TP1:           88.4, TP2: 96.4, TP3: 104.5,
		UnrealizedPnL: 228.75,
		Status:        models.StatusOpen,
		EntryGreeks:   models.Greeks{IV: 14.2, Delta: 0.52},
		EntryContext: models.MarketContext{
			Spot: 26120, VIX: 13.1, Regime: models.RegimeNormal, Hour: 10, DayOfWeek: 1, DaysToExpiry: 1,
		},
	}
}

func TestRecordRoundTrip(t *testing.T) {
	pos := samplePosition()

	record, err := toRecord(pos)
	require.NoError(t, err)
	restored, err := fromRecord(record)
	require.NoError(t, err)

	assert.Equal(t, pos.ID, restored.ID)
	assert.Equal(t, pos.Instrument.Symbol, restored.Instrument.Symbol)
	assert.Equal(t, pos.Instrument.Strike, restored.Instrument.Strike)
	assert.Equal(t, pos.Instrument.Right, restored.Instrument.Right)
	assert.Equal(t, pos.InstrumentKey, restored.InstrumentKey)
	assert.Equal(t, pos.Quantity, restored.Quantity)
	assert.Equal(t, pos.EntryPrice, restored.EntryPrice)
	assert.Equal(t, pos.MetaGroup, restored.MetaGroup)
	assert.Equal(t, pos.EntryGreeks, restored.EntryGreeks)
	assert.Equal(t, pos.EntryContext, restored.EntryContext)
	assert.Equal(t, models.StatusOpen, restored.Status)
	require.NoError(t, restored.Validate(), "round-tripped position must stay valid")
}

func TestFromRecordRejectsMalformedBlob(t *testing.T) {
	record, err := toRecord(samplePosition())
	require.NoError(t, err)
	record.EntryContext = "{not json"

	_, err = fromRecord(record)
	assert.Error(t, err, "malformed context blob must surface, not silently zero")
}

func TestMockStorageRestoreSkipsClosed(t *testing.T) {
	store := NewMockStorage()
	ctx := t.Context()

	open := samplePosition()
	require.NoError(t, store.SavePosition(ctx, open))

	closed := samplePosition()
	closed.ID = "pos-closed"
	closed.Status = models.StatusClosed
	require.NoError(t, store.SavePosition(ctx, closed))

	positions, quarantined, err := store.RestoreOpenPositions(ctx)
	require.NoError(t, err)
	assert.Len(t, positions, 1)
	assert.Empty(t, quarantined)
	assert.Equal(t, "pos-abc", positions[0].ID)
}

func TestMockStorageUpdatePriceRecomputesMTM(t *testing.T) {
	store := NewMockStorage()
	ctx := t.Context()
	require.NoError(t, store.SavePosition(ctx, samplePosition()))

	require.NoError(t, store.UpdatePositionPrice(ctx, "pos-abc", 85.0, time.Now()))
	pos, ok := store.Position("pos-abc")
	require.True(t, ok)
	assert.InDelta(t, (85.0-80.35)*75, pos.UnrealizedPnL, 0.01)
	assert.Equal(t, 1, store.PriceWrites("pos-abc"))

	assert.ErrorIs(t, store.UpdatePositionPrice(ctx, "missing", 1, time.Now()), ErrNotFound)
}
