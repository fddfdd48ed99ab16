package models

import (
	"math"
	"sort"
	"time"
)

// Greeks carries the option sensitivities quoted by the broker or computed
// from Black-Scholes when the feed omits them.
type Greeks struct {
	IV    float64 `json:"iv"`
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
}

// OptionLeg is a single contract (strike + right) within a chain snapshot.
type OptionLeg struct {
	InstrumentKey string  `json:"instrument_key"`
	Strike        float64 `json:"strike"`
	Right         Right   `json:"right"`
	Bid           float64 `json:"bid"`
	Ask           float64 `json:"ask"`
	Last          float64 `json:"last"`
	OI            int64   `json:"oi"`
	OIChange      int64   `json:"oi_change"`
	Volume        int64   `json:"volume"`
	Greeks        Greeks  `json:"greeks"`
}

// Mid returns the bid/ask midpoint, falling back to the last trade when the
// book is one-sided.
func (l *OptionLeg) Mid() float64 {
	if l.Bid > 0 && l.Ask > 0 {
		return (l.Bid + l.Ask) / 2
	}
	return l.Last
}

// StrikeLegs pairs the call and put legs at one strike. Either side may be nil
// when the broker did not return it.
type StrikeLegs struct {
	Call *OptionLeg `json:"call,omitempty"`
	Put  *OptionLeg `json:"put,omitempty"`
}

// OptionChain is one snapshot of the option chain for a symbol and expiry,
// with derived aggregates recomputed after strike filtering.
type OptionChain struct {
	Symbol        Symbol                 `json:"symbol"`
	Expiry        time.Time              `json:"expiry"`
	SpotPrice     float64                `json:"spot_price"`
	Strikes       map[float64]StrikeLegs `json:"strikes"`
	PCR           float64                `json:"pcr"`
	MaxPainStrike float64                `json:"max_pain_strike"`
	TotalCallOI   int64                  `json:"total_call_oi"`
	TotalPutOI    int64                  `json:"total_put_oi"`
	CapturedAt    time.Time              `json:"captured_at"`
}

// Leg returns the leg at the given strike and right, or nil when absent.
func (c *OptionChain) Leg(strike float64, right Right) *OptionLeg {
	legs, ok := c.Strikes[strike]
	if !ok {
		return nil
	}
	if right == RightPut {
		return legs.Put
	}
	return legs.Call
}

// SortedStrikes returns the chain's strikes in ascending order.
func (c *OptionChain) SortedStrikes() []float64 {
	strikes := make([]float64, 0, len(c.Strikes))
	for k := range c.Strikes {
		strikes = append(strikes, k)
	}
	sort.Float64s(strikes)
	return strikes
}

// ATMStrike returns the listed strike nearest the chain's spot price.
func (c *OptionChain) ATMStrike() float64 {
	best := 0.0
	bestDiff := math.MaxFloat64
	for strike := range c.Strikes {
		if d := math.Abs(strike - c.SpotPrice); d < bestDiff {
			bestDiff = d
			best = strike
		}
	}
	return best
}

// RecomputeAggregates refreshes the OI totals and PCR from the current strike
// map. Max pain is recomputed separately because it needs the full writer-loss
// scan.
func (c *OptionChain) RecomputeAggregates() {
	var callOI, putOI int64
	for _, legs := range c.Strikes {
		if legs.Call != nil {
			callOI += legs.Call.OI
		}
		if legs.Put != nil {
			putOI += legs.Put.OI
		}
	}
	c.TotalCallOI = callOI
	c.TotalPutOI = putOI
	if callOI > 0 {
		c.PCR = float64(putOI) / float64(callOI)
	} else {
		c.PCR = 0
	}
}

// RecomputeMaxPain sets MaxPainStrike to the strike minimizing aggregate
// option-writer loss at expiry.
func (c *OptionChain) RecomputeMaxPain() {
	strikes := c.SortedStrikes()
	if len(strikes) == 0 {
		c.MaxPainStrike = 0
		return
	}

	bestStrike := strikes[0]
	bestLoss := math.MaxFloat64
	for _, settle := range strikes {
		var loss float64
		for strike, legs := range c.Strikes {
			if legs.Call != nil && settle > strike {
				loss += (settle - strike) * float64(legs.Call.OI)
			}
			if legs.Put != nil && settle < strike {
				loss += (strike - settle) * float64(legs.Put.OI)
			}
		}
		if loss < bestLoss {
			bestLoss = loss
			bestStrike = settle
		}
	}
	c.MaxPainStrike = bestStrike
}
