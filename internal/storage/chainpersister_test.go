package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bytevantage/optionflow/internal/models"
)

func sampleChain(symbol models.Symbol) *models.OptionChain {
	return &models.OptionChain{
		Symbol:    symbol,
		Expiry:    time.Date(2026, 8, 4, 0, 0, 0, 0, time.UTC),
		SpotPrice: 26120,
		Strikes: map[float64]models.StrikeLegs{
			26100: {Call: &models.OptionLeg{Strike: 26100, Right: models.RightCall, OI: 100}},
		},
		CapturedAt: time.Now(),
	}
}

func TestOfferRateLimitsPerSymbol(t *testing.T) {
	store := NewMockStorage()
	p := NewChainPersister(store, nil)
	now := time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	p.Offer(sampleChain(models.SymbolNifty))
	p.Offer(sampleChain(models.SymbolNifty)) // inside the 60 s window, dropped
	p.Offer(sampleChain(models.SymbolSensex))
	p.Drain(context.Background())

	assert.Len(t, store.Chains(), 2, "one save per symbol inside the window")

	now = now.Add(61 * time.Second)
	p.Offer(sampleChain(models.SymbolNifty))
	p.Drain(context.Background())
	assert.Len(t, store.Chains(), 3, "window elapsed, save admitted")
}

func TestOfferIgnoresEmptyChains(t *testing.T) {
	store := NewMockStorage()
	p := NewChainPersister(store, nil)

	p.Offer(nil)
	p.Offer(&models.OptionChain{Symbol: models.SymbolNifty})
	p.Drain(context.Background())

	assert.Empty(t, store.Chains())
}
