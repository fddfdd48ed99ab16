package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/bytevantage/optionflow/internal/models"
)

// GormStore implements Interface on a relational database through gorm.
type GormStore struct {
	db     *gorm.DB
	logger *log.Logger
}

var _ Interface = (*GormStore)(nil)

// Open connects to MySQL with the given DSN and migrates the schema. An
// unreachable database at startup is fatal to the engine; the error is
// returned for the caller to abort on.
func Open(dsn string, logger *log.Logger) (*GormStore, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "storage: ", log.LstdFlags)
	}
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	store := &GormStore{db: db, logger: logger}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return store, nil
}

// NewWithDB wraps an existing gorm handle (tests, alternative drivers).
func NewWithDB(db *gorm.DB, logger *log.Logger) (*GormStore, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "storage: ", log.LstdFlags)
	}
	store := &GormStore{db: db, logger: logger}
	if err := store.migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *GormStore) migrate() error {
	return s.db.AutoMigrate(
		&PositionRecord{},
		&TradeRecord{},
		&ChainSnapshotRecord{},
		&AllocationAuditRecord{},
		&OrphanAuditRecord{},
	)
}

// SavePosition upserts the position by position_id.
func (s *GormStore) SavePosition(ctx context.Context, pos *models.Position) error {
	record, err := toRecord(pos)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(record).Error
}

// RemovePosition deletes the position row.
func (s *GormStore) RemovePosition(ctx context.Context, positionID string) error {
	res := s.db.WithContext(ctx).Delete(&PositionRecord{}, "position_id = ?", positionID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RestoreOpenPositions loads every OPEN row. Rows that fail integrity
// validation are surfaced as quarantined instead of being silently dropped
// or returned as tradable positions.
func (s *GormStore) RestoreOpenPositions(ctx context.Context) ([]models.Position, []QuarantinedRow, error) {
	var records []PositionRecord
	if err := s.db.WithContext(ctx).Where("status = ?", string(models.StatusOpen)).Find(&records).Error; err != nil {
		return nil, nil, err
	}

	var positions []models.Position
	var quarantined []QuarantinedRow
	for i := range records {
		pos, err := fromRecord(&records[i])
		if err != nil {
			quarantined = append(quarantined, QuarantinedRow{PositionID: records[i].PositionID, Reason: err.Error()})
			continue
		}
		if err := pos.Validate(); err != nil {
			quarantined = append(quarantined, QuarantinedRow{PositionID: pos.ID, Reason: err.Error()})
			continue
		}
		positions = append(positions, *pos)
	}
	return positions, quarantined, nil
}

// UpdatePositionPrice is the low-priority per-tick column update: only the
// price, MTM and tick-time columns are written.
func (s *GormStore) UpdatePositionPrice(ctx context.Context, positionID string, ltp float64, at time.Time) error {
	var entry struct {
		EntryPrice float64
		Quantity   int
	}
	err := s.db.WithContext(ctx).Model(&PositionRecord{}).
		Select("entry_price", "quantity").
		Where("position_id = ?", positionID).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	mtm := (ltp - entry.EntryPrice) * float64(entry.Quantity)
	return s.db.WithContext(ctx).Model(&PositionRecord{}).
		Where("position_id = ?", positionID).
		Updates(map[string]any{
			"current_price":  ltp,
			"unrealized_pnl": mtm,
			"last_tick_at":   at,
		}).Error
}

// RecordTrade appends a closed-trade row.
func (s *GormStore) RecordTrade(ctx context.Context, trade models.Trade) error {
	entryCtx, err := json.Marshal(trade.EntryContext)
	if err != nil {
		return err
	}
	exitCtx, err := json.Marshal(trade.ExitContext)
	if err != nil {
		return err
	}
	record := TradeRecord{
		PositionID:    trade.PositionID,
		Symbol:        string(trade.Instrument.Symbol),
		Strike:        trade.Instrument.Strike,
		Right:         string(trade.Instrument.Right),
		Expiry:        trade.Instrument.Expiry,
		InstrumentKey: trade.InstrumentKey,
		StrategyID:    trade.StrategyID,
		MetaGroup:     int(trade.MetaGroup),
		Quantity:      trade.Quantity,
		EntryPrice:    trade.EntryPrice,
		ExitPrice:     trade.ExitPrice,
		EntryTime:     trade.EntryTime,
		ExitTime:      trade.ExitTime,
		ExitReason:    trade.ExitReason,
		PnL:           trade.PnL,
		EntryContext:  string(entryCtx),
		ExitContext:   string(exitCtx),
		ModelVersion:  trade.ModelVersion,
		Features:      trade.Features,
	}
	return s.db.WithContext(ctx).Create(&record).Error
}

// SaveChainSnapshot appends one filtered chain snapshot as a JSON blob.
func (s *GormStore) SaveChainSnapshot(ctx context.Context, chain *models.OptionChain) error {
	blob, err := json.Marshal(chain)
	if err != nil {
		return err
	}
	record := ChainSnapshotRecord{
		Symbol:     string(chain.Symbol),
		Expiry:     chain.Expiry,
		SpotPrice:  chain.SpotPrice,
		Chain:      string(blob),
		CapturedAt: chain.CapturedAt,
	}
	return s.db.WithContext(ctx).Create(&record).Error
}

// CleanupChainSnapshots prunes snapshot rows older than the retention window.
func (s *GormStore) CleanupChainSnapshots(ctx context.Context, keep time.Duration) error {
	cutoff := time.Now().Add(-keep)
	return s.db.WithContext(ctx).Where("captured_at < ?", cutoff).Delete(&ChainSnapshotRecord{}).Error
}

// RecordAllocation appends an allocation audit row.
func (s *GormStore) RecordAllocation(ctx context.Context, alloc models.Allocation, criticLoss float64) error {
	weights, err := json.Marshal(alloc.Weights)
	if err != nil {
		return err
	}
	record := AllocationAuditRecord{
		Day:        alloc.Timestamp.Format("2006-01-02"),
		Weights:    string(weights),
		Paused:     alloc.Paused,
		CriticLoss: criticLoss,
	}
	return s.db.WithContext(ctx).Create(&record).Error
}

// RecordOrphanKill appends a reconciler kill audit row.
func (s *GormStore) RecordOrphanKill(ctx context.Context, audit OrphanAudit) error {
	record := OrphanAuditRecord{
		ID:            audit.ID,
		InstrumentKey: audit.InstrumentKey,
		Symbol:        audit.Symbol,
		Quantity:      audit.Quantity,
		Side:          audit.Side,
		OrderID:       audit.OrderID,
		Detail:        audit.Detail,
		CreatedAt:     audit.CreatedAt,
	}
	return s.db.WithContext(ctx).Create(&record).Error
}
