// Package storage provides durable persistence for positions, closed trades,
// option chain snapshots and allocation audit rows.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/bytevantage/optionflow/internal/models"
)

// ErrNotFound is returned when a position row does not exist.
var ErrNotFound = errors.New("storage: not found")

// QuarantinedRow is a persisted position that failed integrity validation on
// reload. The caller removes it from the book and alerts; it is never
// auto-closed.
type QuarantinedRow struct {
	PositionID string
	Reason     string
}

// OrphanAudit is the durable record of a reconciler kill.
type OrphanAudit struct {
	ID            string
	InstrumentKey string
	Symbol        string
	Quantity      int
	Side          string
	OrderID       string
	Detail        string
	CreatedAt     time.Time
}

// Interface is the persistence contract. Save and Remove are atomic with
// respect to a single position; Restore returns a consistent snapshot.
type Interface interface {
	// Positions
	SavePosition(ctx context.Context, pos *models.Position) error
	RemovePosition(ctx context.Context, positionID string) error
	RestoreOpenPositions(ctx context.Context) ([]models.Position, []QuarantinedRow, error)
	UpdatePositionPrice(ctx context.Context, positionID string, ltp float64, at time.Time) error

	// Trades
	RecordTrade(ctx context.Context, trade models.Trade) error

	// Option chain snapshots (append-only, for later analysis)
	SaveChainSnapshot(ctx context.Context, chain *models.OptionChain) error
	CleanupChainSnapshots(ctx context.Context, keep time.Duration) error

	// Audit
	RecordAllocation(ctx context.Context, alloc models.Allocation, criticLoss float64) error
	RecordOrphanKill(ctx context.Context, audit OrphanAudit) error
}
