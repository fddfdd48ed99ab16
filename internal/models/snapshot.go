package models

import "time"

// Technicals are the multi-timeframe indicator readings attached to a symbol
// snapshot. Values are for the primary (5 minute) timeframe unless suffixed.
type Technicals struct {
	RSI           float64 `json:"rsi"`
	RSI15m        float64 `json:"rsi_15m"`
	RSI1h         float64 `json:"rsi_1h"`
	MACD          float64 `json:"macd"`
	MACDSignal    float64 `json:"macd_signal"`
	BollingerUp   float64 `json:"bollinger_upper"`
	BollingerMid  float64 `json:"bollinger_middle"`
	BollingerDown float64 `json:"bollinger_lower"`
	ATR           float64 `json:"atr"`
	ADX           float64 `json:"adx"`
	VIXProxy      float64 `json:"vix_proxy"`
	VIXPercentile float64 `json:"vix_percentile"`
	VWAP          float64 `json:"vwap"`
	IVRank        float64 `json:"iv_rank"`
}

// SymbolSnapshot is the fused market view for one underlying at a point in
// time: spot, resolved expiry, filtered chain and indicators.
type SymbolSnapshot struct {
	Symbol     Symbol       `json:"symbol"`
	Spot       float64      `json:"spot"`
	ATMStrike  float64      `json:"atm_strike"`
	Expiry     time.Time    `json:"expiry"`
	Chain      *OptionChain `json:"chain,omitempty"`
	Technicals Technicals   `json:"technicals"`
	SpotAt     time.Time    `json:"spot_at"`
	ChainAt    time.Time    `json:"chain_at"`
	CapturedAt time.Time    `json:"captured_at"`
	Stale      bool         `json:"stale"`
}

// MarketSnapshot is the per-tick view handed to strategies. Strategies must
// treat it as read-only.
type MarketSnapshot struct {
	Symbols    map[Symbol]*SymbolSnapshot `json:"symbols"`
	CapturedAt time.Time                  `json:"captured_at"`
	Stale      bool                       `json:"stale"`
}

// Snapshot freshness bounds. A snapshot whose spot or chain is older than
// these must not drive order execution.
const (
	SpotMaxAge  = 5 * time.Second
	ChainMaxAge = 10 * time.Second
)

// MarkStaleness flags the snapshot (and each symbol) stale when the spot or
// chain ages exceed the freshness contract at the given instant.
func (m *MarketSnapshot) MarkStaleness(now time.Time) {
	stale := false
	for _, sym := range m.Symbols {
		symStale := now.Sub(sym.SpotAt) > SpotMaxAge
		if sym.Chain != nil && now.Sub(sym.ChainAt) > ChainMaxAge {
			symStale = true
		}
		if sym.Chain == nil {
			symStale = true
		}
		sym.Stale = symStale
		stale = stale || symStale
	}
	m.Stale = stale || len(m.Symbols) == 0
}

// Regime classifies prevailing volatility from the VIX percentile.
type Regime string

// Market regimes.
const (
	RegimeLowVol  Regime = "LOW_VOL"
	RegimeNormal  Regime = "NORMAL"
	RegimeHighVol Regime = "HIGH_VOL"
	RegimeCrisis  Regime = "CRISIS"
)

// RegimeFromVIXPercentile buckets the trailing VIX percentile into a regime.
func RegimeFromVIXPercentile(pct float64) Regime {
	switch {
	case pct > 0.9:
		return RegimeCrisis
	case pct > 0.7:
		return RegimeHighVol
	case pct < 0.3:
		return RegimeLowVol
	default:
		return RegimeNormal
	}
}
