package models

import (
	"fmt"
	"time"
)

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

// Position statuses.
const (
	StatusOpen      PositionStatus = "OPEN"
	StatusClosed    PositionStatus = "CLOSED"
	StatusCancelled PositionStatus = "CANCELLED"
)

// Exit reasons recorded on position close.
const (
	ExitReasonTP3        = "TP3_HIT"
	ExitReasonStopLoss   = "STOP_LOSS_HIT"
	ExitReasonTrailingSL = "TRAILING_SL_HIT"
	ExitReasonEOD        = "EOD"
	ExitReasonRiskOff    = "RISK_OFF"
	ExitReasonOrphan     = "ORPHAN_KILL"
	ExitReasonManual     = "MANUAL_CLOSE"
)

// MarketContext captures the market conditions surrounding an entry or exit,
// kept for later model training and audit.
type MarketContext struct {
	Spot         float64 `json:"spot"`
	VIX          float64 `json:"vix"`
	Regime       Regime  `json:"regime"`
	Hour         int     `json:"hour"`
	DayOfWeek    int     `json:"day_of_week"`
	DaysToExpiry int     `json:"days_to_expiry"`
	PCR          float64 `json:"pcr,omitempty"`
	OI           int64   `json:"oi,omitempty"`
	Volume       int64   `json:"volume,omitempty"`
	Spread       float64 `json:"spread,omitempty"`
}

// Position is one open or closed long option position. Quantity is in units
// (lots x lot size), always positive: the engine only buys.
type Position struct {
	ID            string     `json:"id"`
	Instrument    Instrument `json:"instrument"`
	InstrumentKey string     `json:"instrument_key"`
	Quantity      int        `json:"quantity"`
	EntryPrice    float64    `json:"entry_price"`
	CurrentPrice  float64    `json:"current_price"`
	EntryTime     time.Time  `json:"entry_time"`
	StrategyID    string     `json:"strategy_id"`
	MetaGroup     MetaGroup  `json:"meta_group"`

	Target     float64 `json:"target"`
	StopLoss   float64 `json:"stop_loss"`
	TP1        float64 `json:"tp1"`
	TP2        float64 `json:"tp2"`
	TP3        float64 `json:"tp3"`
	TrailingSL float64 `json:"trailing_sl,omitempty"`

	RealizedPnL   float64 `json:"realized_pnl"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`

	EntryGreeks   Greeks `json:"entry_greeks"`
	CurrentGreeks Greeks `json:"current_greeks"`

	Status     PositionStatus `json:"status"`
	ExitReason string         `json:"exit_reason,omitempty"`
	ExitTime   time.Time      `json:"exit_time,omitempty"`
	ExitPrice  float64        `json:"exit_price,omitempty"`

	EntryContext MarketContext `json:"entry_context"`
	ExitContext  MarketContext `json:"exit_context,omitempty"`

	LastTickAt time.Time `json:"last_tick_at,omitempty"`
}

// UpdatePrice applies a tick to the position. The MTM formula is
// (ltp - entry) * qty for every position: the book is long-only, so it holds
// for calls and puts alike. Applying the same LTP twice is a no-op.
func (p *Position) UpdatePrice(ltp float64, at time.Time) bool {
	if p.Status != StatusOpen {
		return false
	}
	changed := p.CurrentPrice != ltp
	p.CurrentPrice = ltp
	p.UnrealizedPnL = (ltp - p.EntryPrice) * float64(p.Quantity)
	p.LastTickAt = at
	return changed
}

// Validate enforces the integrity invariant: a position with an incomplete
// option instrument cannot be priced or exited and must be quarantined.
func (p *Position) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("position has empty id")
	}
	if p.Instrument.Kind != KindOption || !p.Instrument.Complete() {
		return fmt.Errorf("position %s has incomplete instrument %q", p.ID, p.Instrument)
	}
	if p.Quantity <= 0 {
		return fmt.Errorf("position %s has non-positive quantity %d", p.ID, p.Quantity)
	}
	if p.EntryPrice <= 0 {
		return fmt.Errorf("position %s has non-positive entry price %.2f", p.ID, p.EntryPrice)
	}
	return nil
}

// Clone returns a deep copy so storage reads never leak mutable state.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

// Trade is the append-only record of a closed position, enriched with the
// telemetry needed to retrain the allocation policy.
type Trade struct {
	PositionID    string         `json:"position_id"`
	Instrument    Instrument     `json:"instrument"`
	InstrumentKey string         `json:"instrument_key"`
	StrategyID    string         `json:"strategy_id"`
	MetaGroup     MetaGroup      `json:"meta_group"`
	Quantity      int            `json:"quantity"`
	EntryPrice    float64        `json:"entry_price"`
	ExitPrice     float64        `json:"exit_price"`
	EntryTime     time.Time      `json:"entry_time"`
	ExitTime      time.Time      `json:"exit_time"`
	ExitReason    string         `json:"exit_reason"`
	PnL           float64        `json:"pnl"`
	EntryContext  MarketContext  `json:"entry_context"`
	ExitContext   MarketContext  `json:"exit_context"`
	ModelVersion  string         `json:"model_version,omitempty"`
	Features      string         `json:"features_snapshot,omitempty"`
}

// TradeFromPosition builds the closed-trade record for a position that has
// been fully exited.
func TradeFromPosition(p *Position, modelVersion, features string) Trade {
	return Trade{
		PositionID:    p.ID,
		Instrument:    p.Instrument,
		InstrumentKey: p.InstrumentKey,
		StrategyID:    p.StrategyID,
		MetaGroup:     p.MetaGroup,
		Quantity:      p.Quantity,
		EntryPrice:    p.EntryPrice,
		ExitPrice:     p.ExitPrice,
		EntryTime:     p.EntryTime,
		ExitTime:      p.ExitTime,
		ExitReason:    p.ExitReason,
		PnL:           p.RealizedPnL,
		EntryContext:  p.EntryContext,
		ExitContext:   p.ExitContext,
		ModelVersion:  modelVersion,
		Features:      features,
	}
}
