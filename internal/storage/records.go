package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bytevantage/optionflow/internal/models"
)

// PositionRecord is the positions table row. Nested value objects (greeks,
// market context) are stored as JSON columns; the hot columns the reconciler
// and price updater touch stay flat.
type PositionRecord struct {
	PositionID    string    `gorm:"column:position_id;primaryKey;size:64"`
	Symbol        string    `gorm:"column:symbol;size:16;index:idx_positions_symbol_status"`
	Strike        float64   `gorm:"column:strike"`
	Right         string    `gorm:"column:opt_right;size:8"`
	Expiry        time.Time `gorm:"column:expiry"`
	InstrumentKey string    `gorm:"column:instrument_key;size:96;index"`
	Quantity      int       `gorm:"column:quantity"`
	EntryPrice    float64   `gorm:"column:entry_price"`
	CurrentPrice  float64   `gorm:"column:current_price"`
	EntryTime     time.Time `gorm:"column:entry_time"`
	StrategyID    string    `gorm:"column:strategy_id;size:64"`
	MetaGroup     int       `gorm:"column:meta_group"`
	Target        float64   `gorm:"column:target"`
	StopLoss      float64   `gorm:"column:stop_loss"`
	TP1           float64   `gorm:"column:tp1"`
	TP2           float64   `gorm:"column:tp2"`
	TP3           float64   `gorm:"column:tp3"`
	TrailingSL    float64   `gorm:"column:trailing_sl"`
	RealizedPnL   float64   `gorm:"column:realized_pnl"`
	UnrealizedPnL float64   `gorm:"column:unrealized_pnl"`
	Status        string    `gorm:"column:status;size:16;index:idx_positions_symbol_status"`
	ExitReason    string    `gorm:"column:exit_reason;size:32"`
	ExitTime      time.Time `gorm:"column:exit_time"`
	ExitPrice     float64   `gorm:"column:exit_price"`
	EntryGreeks   string    `gorm:"column:entry_greeks;type:json"`
	CurrentGreeks string    `gorm:"column:current_greeks;type:json"`
	EntryContext  string    `gorm:"column:entry_context;type:json"`
	ExitContext   string    `gorm:"column:exit_context;type:json"`
	LastTickAt    time.Time `gorm:"column:last_tick_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName implements gorm's table naming.
func (PositionRecord) TableName() string { return "positions" }

// TradeRecord is the append-only trades table row.
type TradeRecord struct {
	ID            uint      `gorm:"primaryKey;autoIncrement"`
	PositionID    string    `gorm:"column:position_id;size:64;index"`
	Symbol        string    `gorm:"column:symbol;size:16;index:idx_trades_symbol_time"`
	Strike        float64   `gorm:"column:strike"`
	Right         string    `gorm:"column:opt_right;size:8"`
	Expiry        time.Time `gorm:"column:expiry"`
	InstrumentKey string    `gorm:"column:instrument_key;size:96"`
	StrategyID    string    `gorm:"column:strategy_id;size:64"`
	MetaGroup     int       `gorm:"column:meta_group"`
	Quantity      int       `gorm:"column:quantity"`
	EntryPrice    float64   `gorm:"column:entry_price"`
	ExitPrice     float64   `gorm:"column:exit_price"`
	EntryTime     time.Time `gorm:"column:entry_time"`
	ExitTime      time.Time `gorm:"column:exit_time;index:idx_trades_symbol_time"`
	ExitReason    string    `gorm:"column:exit_reason;size:32"`
	PnL           float64   `gorm:"column:pnl"`
	EntryContext  string    `gorm:"column:entry_context;type:json"`
	ExitContext   string    `gorm:"column:exit_context;type:json"`
	ModelVersion  string    `gorm:"column:model_version;size:32"`
	Features      string    `gorm:"column:features_snapshot;type:json"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName implements gorm's table naming.
func (TradeRecord) TableName() string { return "trades" }

// ChainSnapshotRecord stores one filtered chain snapshot as a JSON blob with
// the context columns indexed for time-correlated lookups.
type ChainSnapshotRecord struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	Symbol     string    `gorm:"column:symbol;size:16;index:idx_chain_symbol_time"`
	Expiry     time.Time `gorm:"column:expiry"`
	SpotPrice  float64   `gorm:"column:spot_price"`
	Chain      string    `gorm:"column:chain_json;type:json"`
	CapturedAt time.Time `gorm:"column:captured_at;index:idx_chain_symbol_time"`
}

// TableName implements gorm's table naming.
func (ChainSnapshotRecord) TableName() string { return "option_chain_snapshots" }

// AllocationAuditRecord is one meta-controller refresh: the allocation vector
// plus the critic loss observed on the preceding online update.
type AllocationAuditRecord struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	Day        string    `gorm:"column:day;size:10;index"`
	Weights    string    `gorm:"column:weights;type:json"`
	Paused     bool      `gorm:"column:paused"`
	CriticLoss float64   `gorm:"column:critic_loss"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName implements gorm's table naming.
func (AllocationAuditRecord) TableName() string { return "allocation_audit" }

// OrphanAuditRecord is one reconciler kill.
type OrphanAuditRecord struct {
	ID            string    `gorm:"column:id;primaryKey;size:64"`
	InstrumentKey string    `gorm:"column:instrument_key;size:96"`
	Symbol        string    `gorm:"column:symbol;size:32"`
	Quantity      int       `gorm:"column:quantity"`
	Side          string    `gorm:"column:side;size:8"`
	OrderID       string    `gorm:"column:order_id;size:64"`
	Detail        string    `gorm:"column:detail;size:512"`
	CreatedAt     time.Time `gorm:"column:created_at"`
}

// TableName implements gorm's table naming.
func (OrphanAuditRecord) TableName() string { return "orphan_audit" }

// toRecord flattens a Position into its row form.
func toRecord(p *models.Position) (*PositionRecord, error) {
	entryGreeks, err := json.Marshal(p.EntryGreeks)
	if err != nil {
		return nil, fmt.Errorf("marshal entry greeks: %w", err)
	}
	currentGreeks, err := json.Marshal(p.CurrentGreeks)
	if err != nil {
		return nil, fmt.Errorf("marshal current greeks: %w", err)
	}
	entryCtx, err := json.Marshal(p.EntryContext)
	if err != nil {
		return nil, fmt.Errorf("marshal entry context: %w", err)
	}
	exitCtx, err := json.Marshal(p.ExitContext)
	if err != nil {
		return nil, fmt.Errorf("marshal exit context: %w", err)
	}
	return &PositionRecord{
		PositionID:    p.ID,
		Symbol:        string(p.Instrument.Symbol),
		Strike:        p.Instrument.Strike,
		Right:         string(p.Instrument.Right),
		Expiry:        p.Instrument.Expiry,
		InstrumentKey: p.InstrumentKey,
		Quantity:      p.Quantity,
		EntryPrice:    p.EntryPrice,
		CurrentPrice:  p.CurrentPrice,
		EntryTime:     p.EntryTime,
		StrategyID:    p.StrategyID,
		MetaGroup:     int(p.MetaGroup),
		Target:        p.Target,
		StopLoss:      p.StopLoss,
		TP1:           p.TP1,
		TP2:           p.TP2,
		TP3:           p.TP3,
		TrailingSL:    p.TrailingSL,
		RealizedPnL:   p.RealizedPnL,
		UnrealizedPnL: p.UnrealizedPnL,
		Status:        string(p.Status),
		ExitReason:    p.ExitReason,
		ExitTime:      p.ExitTime,
		ExitPrice:     p.ExitPrice,
		EntryGreeks:   string(entryGreeks),
		CurrentGreeks: string(currentGreeks),
		EntryContext:  string(entryCtx),
		ExitContext:   string(exitCtx),
		LastTickAt:    p.LastTickAt,
	}, nil
}

// fromRecord rebuilds a Position from its row form.
func fromRecord(r *PositionRecord) (*models.Position, error) {
	p := &models.Position{
		ID: r.PositionID,
		Instrument: models.Instrument{
			Symbol:    models.Symbol(r.Symbol),
			Kind:      models.KindOption,
			Strike:    r.Strike,
			Expiry:    r.Expiry,
			Right:     models.Right(r.Right),
			BrokerKey: r.InstrumentKey,
		},
		InstrumentKey: r.InstrumentKey,
		Quantity:      r.Quantity,
		EntryPrice:    r.EntryPrice,
		CurrentPrice:  r.CurrentPrice,
		EntryTime:     r.EntryTime,
		StrategyID:    r.StrategyID,
		MetaGroup:     models.MetaGroup(r.MetaGroup),
		Target:        r.Target,
		StopLoss:      r.StopLoss,
		TP1:           r.TP1,
		TP2:           r.TP2,
		TP3:           r.TP3,
		TrailingSL:    r.TrailingSL,
		RealizedPnL:   r.RealizedPnL,
		UnrealizedPnL: r.UnrealizedPnL,
		Status:        models.PositionStatus(r.Status),
		ExitReason:    r.ExitReason,
		ExitTime:      r.ExitTime,
		ExitPrice:     r.ExitPrice,
		LastTickAt:    r.LastTickAt,
	}
	for _, blob := range []struct {
		raw string
		out any
	}{
		{r.EntryGreeks, &p.EntryGreeks},
		{r.CurrentGreeks, &p.CurrentGreeks},
		{r.EntryContext, &p.EntryContext},
		{r.ExitContext, &p.ExitContext},
	} {
		if blob.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(blob.raw), blob.out); err != nil {
			return nil, fmt.Errorf("unmarshal position %s blob: %w", r.PositionID, err)
		}
	}
	return p, nil
}
