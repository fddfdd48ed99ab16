package storage

import (
	"context"
	"sync"
	"time"

	"github.com/bytevantage/optionflow/internal/models"
)

// MockStorage is an in-memory Interface implementation for tests. Optional
// error hooks simulate persistence failures.
type MockStorage struct {
	mu          sync.Mutex
	positions   map[string]models.Position
	trades      []models.Trade
	chains      []models.OptionChain
	allocations []models.Allocation
	orphans     []OrphanAudit
	priceWrites map[string]int

	// Quarantined rows returned by RestoreOpenPositions.
	Quarantined []QuarantinedRow

	SaveErr        error
	RemoveErr      error
	RestoreErr     error
	UpdatePriceErr error
}

var _ Interface = (*MockStorage)(nil)

// NewMockStorage returns an empty in-memory store.
func NewMockStorage() *MockStorage {
	return &MockStorage{
		positions:   make(map[string]models.Position),
		priceWrites: make(map[string]int),
	}
}

// SavePosition implements Interface.
func (m *MockStorage) SavePosition(_ context.Context, pos *models.Position) error {
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[pos.ID] = *pos.Clone()
	return nil
}

// RemovePosition implements Interface.
func (m *MockStorage) RemovePosition(_ context.Context, positionID string) error {
	if m.RemoveErr != nil {
		return m.RemoveErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[positionID]; !ok {
		return ErrNotFound
	}
	delete(m.positions, positionID)
	return nil
}

// RestoreOpenPositions implements Interface.
func (m *MockStorage) RestoreOpenPositions(context.Context) ([]models.Position, []QuarantinedRow, error) {
	if m.RestoreErr != nil {
		return nil, nil, m.RestoreErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Position
	for _, pos := range m.positions {
		if pos.Status == models.StatusOpen {
			out = append(out, pos)
		}
	}
	return out, m.Quarantined, nil
}

// UpdatePositionPrice implements Interface.
func (m *MockStorage) UpdatePositionPrice(_ context.Context, positionID string, ltp float64, at time.Time) error {
	if m.UpdatePriceErr != nil {
		return m.UpdatePriceErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[positionID]
	if !ok {
		return ErrNotFound
	}
	pos.CurrentPrice = ltp
	pos.UnrealizedPnL = (ltp - pos.EntryPrice) * float64(pos.Quantity)
	pos.LastTickAt = at
	m.positions[positionID] = pos
	m.priceWrites[positionID]++
	return nil
}

// RecordTrade implements Interface.
func (m *MockStorage) RecordTrade(_ context.Context, trade models.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, trade)
	return nil
}

// SaveChainSnapshot implements Interface.
func (m *MockStorage) SaveChainSnapshot(_ context.Context, chain *models.OptionChain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chains = append(m.chains, *chain)
	return nil
}

// CleanupChainSnapshots implements Interface.
func (m *MockStorage) CleanupChainSnapshots(context.Context, time.Duration) error { return nil }

// RecordAllocation implements Interface.
func (m *MockStorage) RecordAllocation(_ context.Context, alloc models.Allocation, _ float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocations = append(m.allocations, alloc)
	return nil
}

// RecordOrphanKill implements Interface.
func (m *MockStorage) RecordOrphanKill(_ context.Context, audit OrphanAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orphans = append(m.orphans, audit)
	return nil
}

// Position returns a stored position by ID.
func (m *MockStorage) Position(id string) (models.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[id]
	return pos, ok
}

// Trades returns recorded trades.
func (m *MockStorage) Trades() []models.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Trade(nil), m.trades...)
}

// Chains returns saved chain snapshots.
func (m *MockStorage) Chains() []models.OptionChain {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.OptionChain(nil), m.chains...)
}

// Allocations returns recorded allocation audits.
func (m *MockStorage) Allocations() []models.Allocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Allocation(nil), m.allocations...)
}

// Orphans returns recorded orphan kills.
func (m *MockStorage) Orphans() []OrphanAudit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OrphanAudit(nil), m.orphans...)
}

// PriceWrites returns how many per-tick price updates hit a position row.
func (m *MockStorage) PriceWrites(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.priceWrites[id]
}
