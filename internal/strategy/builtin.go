package strategy

import (
	"math"
	"time"

	"github.com/bytevantage/optionflow/internal/models"
)

// Built-in strategies. Each is a pure function over the snapshot; they are
// deliberately simple reference implementations that give the runner, the
// meta-grouping and the allocation fan-out real registrants.

func init() {
	Register(Strategy{ID: "vwap_deviation", Group: models.GroupMeanReversion, Run: vwapDeviation},
		"VWAPDeviation", "vwap-deviation")
	Register(Strategy{ID: "pcr_reversal", Group: models.GroupPCRSentiment, Run: pcrReversal},
		"PCRReversal", "pcr-reversal")
	Register(Strategy{ID: "oi_accumulation", Group: models.GroupOIInstitutionalFlow, Run: oiAccumulation},
		"OIAccumulation", "oi-accumulation")
}

const (
	vwapDeviationThreshold = 0.002 // 0.2% from session VWAP
	pcrHighThreshold       = 1.3
	pcrLowThreshold        = 0.7
	oiChangeFloor          = 10000
	defaultTargetPct       = 1.30
	defaultStopPct         = 0.80
)

// buildSignal assembles a long option signal at the ATM strike for the given
// right, priced off the leg's midpoint.
func buildSignal(sym *models.SymbolSnapshot, strategyID string, group models.MetaGroup, right models.Right, strike float64, strength, confidence float64) (models.Signal, bool) {
	leg := sym.Chain.Leg(strike, right)
	if leg == nil {
		return models.Signal{}, false
	}
	entry := leg.Mid()
	if entry <= 0 {
		return models.Signal{}, false
	}
	return models.Signal{
		StrategyID: strategyID,
		MetaGroup:  group,
		Symbol:     sym.Symbol,
		Right:      right,
		Strike:     strike,
		Expiry:     sym.Expiry,
		Side:       models.SideBuy,
		EntryPrice: entry,
		Target:     entry * defaultTargetPct,
		StopLoss:   entry * defaultStopPct,
		Strength:   math.Min(100, strength),
		Confidence: math.Min(1, confidence),
		Greeks:     leg.Greeks,
		CreatedAt:  time.Now(),
	}, true
}

// vwapDeviation fades stretched moves away from the session VWAP: a long
// call when spot trades well below VWAP, a long put well above it.
func vwapDeviation(snap *models.MarketSnapshot) []models.Signal {
	var out []models.Signal
	for _, sym := range snap.Symbols {
		if sym.Stale || sym.Chain == nil || sym.Technicals.VWAP <= 0 {
			continue
		}
		dev := (sym.Spot - sym.Technicals.VWAP) / sym.Technicals.VWAP
		if math.Abs(dev) < vwapDeviationThreshold {
			continue
		}
		// Trending tape (high ADX) punishes mean reversion.
		if sym.Technicals.ADX > 35 {
			continue
		}
		right := models.RightCall
		if dev > 0 {
			right = models.RightPut
		}
		strength := 60 + math.Min(30, math.Abs(dev)*10000/2)
		confidence := 0.70 + math.Min(0.2, math.Abs(dev)*20)
		if sig, ok := buildSignal(sym, "vwap_deviation", models.GroupMeanReversion, right, sym.ATMStrike, strength, confidence); ok {
			out = append(out, sig)
		}
	}
	return out
}

// pcrReversal trades sentiment extremes in the put-call ratio: a crowded put
// book (high PCR) sets up a bounce, a crowded call book a fade.
func pcrReversal(snap *models.MarketSnapshot) []models.Signal {
	var out []models.Signal
	for _, sym := range snap.Symbols {
		if sym.Stale || sym.Chain == nil {
			continue
		}
		pcr := sym.Chain.PCR
		var right models.Right
		var stretch float64
		switch {
		case pcr >= pcrHighThreshold:
			right = models.RightCall
			stretch = pcr - pcrHighThreshold
		case pcr > 0 && pcr <= pcrLowThreshold:
			right = models.RightPut
			stretch = pcrLowThreshold - pcr
		default:
			continue
		}
		strength := 55 + math.Min(35, stretch*100)
		confidence := 0.72 + math.Min(0.18, stretch/2)
		if sig, ok := buildSignal(sym, "pcr_reversal", models.GroupPCRSentiment, right, sym.ATMStrike, strength, confidence); ok {
			out = append(out, sig)
		}
	}
	return out
}

// oiAccumulation follows aggressive same-day OI building near the money:
// heavy call writing unwinding (negative call OI change) or fresh put
// accumulation signal direction. Spot movement is not consulted.
func oiAccumulation(snap *models.MarketSnapshot) []models.Signal {
	var out []models.Signal
	for _, sym := range snap.Symbols {
		if sym.Stale || sym.Chain == nil {
			continue
		}
		atm := sym.ATMStrike
		call := sym.Chain.Leg(atm, models.RightCall)
		put := sym.Chain.Leg(atm, models.RightPut)
		if call == nil || put == nil {
			continue
		}
		diff := put.OIChange - call.OIChange
		if math.Abs(float64(diff)) < oiChangeFloor {
			continue
		}
		// Put writers stacking up under spot is support; call writers
		// stacking above is resistance.
		right := models.RightCall
		if diff < 0 {
			right = models.RightPut
		}
		strength := 50 + math.Min(40, math.Abs(float64(diff))/float64(oiChangeFloor)*10)
		confidence := 0.70 + math.Min(0.15, math.Abs(float64(diff))/float64(oiChangeFloor)/100)
		if sig, ok := buildSignal(sym, "oi_accumulation", models.GroupOIInstitutionalFlow, right, atm, strength, confidence); ok {
			out = append(out, sig)
		}
	}
	return out
}
