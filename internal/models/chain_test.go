package models

import (
	"testing"
	"time"
)

func leg(strike float64, right Right, oi int64) *OptionLeg {
	return &OptionLeg{Strike: strike, Right: right, OI: oi, Bid: 10, Ask: 11, Last: 10.5}
}

func testChain() *OptionChain {
	return &OptionChain{
		Symbol:    SymbolNifty,
		Expiry:    time.Date(2026, 8, 4, 0, 0, 0, 0, time.UTC),
		SpotPrice: 26120,
		Strikes: map[float64]StrikeLegs{
			26000: {Call: leg(26000, RightCall, 1000), Put: leg(26000, RightPut, 4000)},
			26100: {Call: leg(26100, RightCall, 2000), Put: leg(26100, RightPut, 2500)},
			26200: {Call: leg(26200, RightCall, 3500), Put: leg(26200, RightPut, 1200)},
		},
		CapturedAt: time.Now(),
	}
}

func TestRecomputeAggregates(t *testing.T) {
	c := testChain()
	c.RecomputeAggregates()

	if c.TotalCallOI != 6500 || c.TotalPutOI != 7700 {
		t.Fatalf("OI totals = %d/%d, want 6500/7700", c.TotalCallOI, c.TotalPutOI)
	}
	want := 7700.0 / 6500.0
	if diff := c.PCR - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("pcr = %f, want %f", c.PCR, want)
	}
}

func TestRecomputeAggregatesZeroCallOI(t *testing.T) {
	c := testChain()
	for k, legs := range c.Strikes {
		legs.Call.OI = 0
		c.Strikes[k] = legs
	}
	c.RecomputeAggregates()
	if c.PCR != 0 {
		t.Errorf("pcr with zero call OI = %f, want 0 (caller substitutes)", c.PCR)
	}
}

func TestATMStrike(t *testing.T) {
	c := testChain()
	if atm := c.ATMStrike(); atm != 26100 {
		t.Errorf("atm = %f, want 26100 for spot %f", atm, c.SpotPrice)
	}
}

func TestRecomputeMaxPain(t *testing.T) {
	c := testChain()
	c.RecomputeMaxPain()

	// Writer loss per settle strike:
	// 26000: calls 0; puts (26100-26000)*2500 + (26200-26000)*1200 = 490000
	// 26100: calls (26100-26000)*1000 = 100000; puts (26200-26100)*1200 = 120000 -> 220000
	// 26200: calls (26200-26000)*1000 + (26200-26100)*2000 = 400000; puts 0 -> 400000
	if c.MaxPainStrike != 26100 {
		t.Errorf("max pain = %f, want 26100", c.MaxPainStrike)
	}
}

func TestLegLookup(t *testing.T) {
	c := testChain()
	if l := c.Leg(26100, RightPut); l == nil || l.Right != RightPut {
		t.Fatal("missing put leg at 26100")
	}
	if l := c.Leg(26350, RightCall); l != nil {
		t.Fatal("expected nil for absent strike")
	}
}

func TestMidFallsBackToLast(t *testing.T) {
	l := &OptionLeg{Bid: 0, Ask: 12, Last: 11.4}
	if m := l.Mid(); m != 11.4 {
		t.Errorf("mid = %f, want last-trade fallback", m)
	}
	l = &OptionLeg{Bid: 10, Ask: 12}
	if m := l.Mid(); m != 11 {
		t.Errorf("mid = %f, want 11", m)
	}
}
