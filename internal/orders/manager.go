// Package orders owns the live position set: order submission in paper or
// live mode, per-tick mark-to-market, closes and startup rehydration.
package orders

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/bytevantage/optionflow/internal/broker"
	"github.com/bytevantage/optionflow/internal/feed"
	"github.com/bytevantage/optionflow/internal/models"
	"github.com/bytevantage/optionflow/internal/notify"
	"github.com/bytevantage/optionflow/internal/risk"
	"github.com/bytevantage/optionflow/internal/storage"
)

// Mode selects the fill model.
type Mode string

// Trading modes.
const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// Paper fill model parameters.
const (
	paperFillDelay        = 50 * time.Millisecond
	partialFillChance     = 0.10
	partialFillMinLots    = 100
	partialFillRatioLow   = 0.5
	partialFillRatioHigh  = 0.9
)

// Live order parameters.
const (
	limitTolerancePct   = 0.02 // entry BUY limit at the signal's entry price*(1+2%); exits are market orders
	placementAttempts   = 3
	placementBackoff    = 500 * time.Millisecond
	intradayProduct     = "I"
	orderValidity       = "DAY"
)

// Trailing stop: arms once price clears TP1, then ratchets at 10% below the
// high-water mark.
const trailingPullbackPct = 0.10

// Rehydration feed-subscription pacing: 3 subscriptions per half second so a
// large book does not trip subscription throttling.
const (
	rehydrateBatchSize  = 3
	rehydrateBatchPause = 500 * time.Millisecond
)

// persistPoolSize caps concurrent best-effort price persists.
const persistPoolSize = 8

// FeedSubscriber is the slice of the push feed the manager drives.
type FeedSubscriber interface {
	Subscribe(instrumentKeys []string, cb feed.Callback) error
	Unsubscribe(instrumentKeys []string)
}

// Observer receives position updates after each applied tick.
type Observer func(models.Position)

// Manager owns the open-position map; all reads from other components go
// through its read-locked accessors.
type Manager struct {
	mode     Mode
	broker   broker.Broker
	store    storage.Interface
	risk     *risk.Manager
	feed     FeedSubscriber
	notifier notify.Notifier
	logger   *log.Logger
	lotSize  func(string) int
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
	rng      *rand.Rand
	rngMu    sync.Mutex

	mu        sync.RWMutex
	positions map[string]*models.Position // by position ID
	byKey     map[string]string           // instrument key -> position ID
	closing   map[string]bool             // closes in flight

	obsMu     sync.Mutex
	observers []Observer

	persistSem   *semaphore.Weighted
	modelVersion string
}

// New creates an order manager.
func New(mode Mode, bk broker.Broker, store storage.Interface, rk *risk.Manager, fd FeedSubscriber, notifier notify.Notifier, lotSize func(string) int, modelVersion string, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stderr, "orders: ", log.LstdFlags)
	}
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	if lotSize == nil {
		lotSize = func(string) int { return 1 }
	}
	if bk == nil {
		panic("orders.New: broker must not be nil")
	}
	if store == nil {
		panic("orders.New: storage must not be nil")
	}
	return &Manager{
		mode:         mode,
		broker:       bk,
		store:        store,
		risk:         rk,
		feed:         fd,
		notifier:     notifier,
		logger:       logger,
		lotSize:      lotSize,
		now:          time.Now,
		sleep:        sleepCtx,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		positions:    make(map[string]*models.Position),
		byKey:        make(map[string]string),
		closing:      make(map[string]bool),
		persistSem:   semaphore.NewWeighted(persistPoolSize),
		modelVersion: modelVersion,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RegisterObserver attaches a position-update observer.
func (m *Manager) RegisterObserver(obs Observer) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, obs)
}

// ============ Entry ============

// Execute turns a validated, sized signal into an open position. It submits
// the order per mode, persists the position, subscribes its instrument to
// the feed and registers it with the risk book.
func (m *Manager) Execute(ctx context.Context, sig *models.Signal, quantity int, entryCtx models.MarketContext) (*models.Position, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("execute %s: non-positive quantity %d", sig.StrategyID, quantity)
	}

	inst := sig.Instrument()
	key := broker.InstrumentKey(inst)
	inst.BrokerKey = key

	fillPrice, fillQty, err := m.submitEntry(ctx, sig, key, quantity)
	if err != nil {
		return nil, err
	}

	now := m.now()
	pos := &models.Position{
		ID:            uuid.NewString(),
		Instrument:    inst,
		InstrumentKey: key,
		Quantity:      fillQty,
		EntryPrice:    fillPrice,
		CurrentPrice:  fillPrice,
		EntryTime:     now,
		StrategyID:    sig.StrategyID,
		MetaGroup:     sig.MetaGroup,
		Target:        sig.Target,
		StopLoss:      sig.StopLoss,
		EntryGreeks:   sig.Greeks,
		CurrentGreeks: sig.Greeks,
		Status:        models.StatusOpen,
		EntryContext:  entryCtx,
	}
	// Staged profit levels: thirds of the way to target.
	step := (sig.Target - fillPrice) / 3
	if step > 0 {
		pos.TP1 = fillPrice + step
		pos.TP2 = fillPrice + 2*step
		pos.TP3 = sig.Target
	} else {
		pos.TP3 = sig.Target
	}

	if err := m.store.SavePosition(ctx, pos); err != nil {
		// The order is already filled; keep trading on the in-memory book
		// but surface the persistence gap loudly.
		m.logger.Printf("persisting new position %s failed: %v", pos.ID, err)
	}

	m.mu.Lock()
	m.positions[pos.ID] = pos
	m.byKey[key] = pos.ID
	m.mu.Unlock()

	if m.feed != nil {
		if err := m.feed.Subscribe([]string{key}, m.onTickCallback()); err != nil {
			m.logger.Printf("feed subscribe for %s failed: %v", key, err)
		}
	}
	if m.risk != nil {
		m.risk.AddPosition(pos)
	}

	m.notifier.Send(notify.LevelInfo, notify.EventTradeEntry,
		fmt.Sprintf("%s %s x%d @ %.2f (%s)", sig.Side, inst, fillQty, fillPrice, sig.StrategyID))
	return pos, nil
}

// submitEntry runs the mode's fill model and returns (price, quantity).
func (m *Manager) submitEntry(ctx context.Context, sig *models.Signal, key string, quantity int) (float64, int, error) {
	if m.mode == ModePaper {
		return m.paperFill(ctx, sig, quantity)
	}

	limit := sig.EntryPrice * (1 + limitTolerancePct)
	result, err := m.placeWithRetry(ctx, broker.OrderRequest{
		InstrumentKey: key,
		Quantity:      quantity,
		Side:          string(models.SideBuy),
		OrderType:     "LIMIT",
		Price:         limit,
		Product:       intradayProduct,
		Validity:      orderValidity,
		Tag:           sig.StrategyID,
	})
	if err != nil {
		return 0, 0, err
	}
	m.logger.Printf("live entry order %s placed for %s x%d limit %.2f", result.OrderID, key, quantity, limit)
	return sig.EntryPrice, quantity, nil
}

// paperFill fills at the quoted decision price after a simulated delay; an
// order of 100+ lots has a 10% chance of a partial fill in [0.5, 0.9].
func (m *Manager) paperFill(ctx context.Context, sig *models.Signal, quantity int) (float64, int, error) {
	if err := m.sleep(ctx, paperFillDelay); err != nil {
		return 0, 0, err
	}
	fillQty := quantity
	lots := quantity / m.lotSize(string(sig.Symbol))
	if lots >= partialFillMinLots && m.roll() < partialFillChance {
		ratio := partialFillRatioLow + m.roll()*(partialFillRatioHigh-partialFillRatioLow)
		lotSize := m.lotSize(string(sig.Symbol))
		fillQty = int(float64(quantity)*ratio) / lotSize * lotSize
		if fillQty < lotSize {
			fillQty = lotSize
		}
		m.logger.Printf("paper partial fill: %d of %d", fillQty, quantity)
	}
	return sig.EntryPrice, fillQty, nil
}

func (m *Manager) roll() float64 {
	m.rngMu.Lock()
	defer m.rngMu.Unlock()
	return m.rng.Float64()
}

// placeWithRetry submits an order with bounded retries on transient
// failures. Broker rejects surface immediately: the caller re-sizes next
// tick rather than hammering a rejecting book.
func (m *Manager) placeWithRetry(ctx context.Context, req broker.OrderRequest) (*broker.OrderResult, error) {
	backoff := placementBackoff
	var lastErr error
	for attempt := 1; attempt <= placementAttempts; attempt++ {
		result, err := m.broker.PlaceOrder(ctx, req)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !broker.IsTransient(err) {
			return nil, err
		}
		if attempt < placementAttempts {
			m.logger.Printf("order placement attempt %d/%d failed: %v", attempt, placementAttempts, err)
			if serr := m.sleep(ctx, backoff); serr != nil {
				return nil, serr
			}
			backoff *= 2
		}
	}
	return nil, fmt.Errorf("order placement failed after %d attempts: %w", placementAttempts, lastErr)
}

// ============ Per-tick updates ============

// onTickCallback adapts the feed callback to OnTick.
func (m *Manager) onTickCallback() feed.Callback {
	return func(msg feed.Message) {
		m.OnTick(msg.InstrumentKey, msg.LTP, msg.ReceivedAt)
		if msg.Greeks != nil {
			m.updateGreeks(msg.InstrumentKey, msg.Greeks)
		}
	}
}

// OnTick applies a price update to the owning position: recompute MTM,
// ratchet the trailing stop, persist best-effort and broadcast. Exit
// decisions are NOT taken here; the main loop owns them.
func (m *Manager) OnTick(instrumentKey string, ltp float64, at time.Time) {
	m.mu.Lock()
	id, ok := m.byKey[instrumentKey]
	if !ok {
		m.mu.Unlock()
		return
	}
	pos := m.positions[id]
	changed := pos.UpdatePrice(ltp, at)
	if changed {
		m.ratchetTrailing(pos, ltp)
	}
	snapshot := *pos
	m.mu.Unlock()

	if !changed {
		return
	}
	m.persistPriceAsync(snapshot.ID, ltp, at)
	m.broadcast(snapshot)
}

// ratchetTrailing arms the trailing stop once price clears TP1 and ratchets
// it upward with the high-water mark. It never moves down.
func (m *Manager) ratchetTrailing(pos *models.Position, ltp float64) {
	if pos.TP1 <= 0 || ltp < pos.TP1 {
		return
	}
	candidate := ltp * (1 - trailingPullbackPct)
	if candidate > pos.TrailingSL {
		pos.TrailingSL = candidate
	}
}

func (m *Manager) updateGreeks(instrumentKey string, g *feed.FeedGreeks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[instrumentKey]
	if !ok {
		return
	}
	m.positions[id].CurrentGreeks = models.Greeks{
		IV: g.IV, Delta: g.Delta, Gamma: g.Gamma, Theta: g.Theta, Vega: g.Vega,
	}
}

// persistPriceAsync writes the tick through a bounded worker pool. When the
// pool is saturated the write is skipped: persistence of intermediate prices
// is best-effort and only the latest matters.
func (m *Manager) persistPriceAsync(positionID string, ltp float64, at time.Time) {
	if !m.persistSem.TryAcquire(1) {
		return
	}
	go func() {
		defer m.persistSem.Release(1)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.store.UpdatePositionPrice(ctx, positionID, ltp, at); err != nil && err != storage.ErrNotFound {
			m.logger.Printf("price persist for %s failed: %v", positionID, err)
		}
	}()
}

func (m *Manager) broadcast(pos models.Position) {
	m.obsMu.Lock()
	observers := append([]Observer(nil), m.observers...)
	m.obsMu.Unlock()
	for _, obs := range observers {
		obs(pos)
	}
}

// ============ Accessors ============

// Position returns a copy of the position by ID.
func (m *Manager) Position(id string) (models.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.positions[id]
	if !ok {
		return models.Position{}, false
	}
	return *pos, true
}

// OpenPositions returns copies of every open position.
func (m *Manager) OpenPositions() []models.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, *pos)
	}
	return out
}

// UnrealizedTotal sums MTM across the book.
func (m *Manager) UnrealizedTotal() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total float64
	for _, pos := range m.positions {
		total += pos.UnrealizedPnL
	}
	return total
}

// ============ Close ============

// Close exits a position: fetch a fresh LTP, place the exit order, enrich
// with exit-time context, persist, record the trade and notify.
func (m *Manager) Close(ctx context.Context, positionID, reason string, exitCtx models.MarketContext, features string) error {
	m.mu.Lock()
	pos, ok := m.positions[positionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("close: position %s not tracked", positionID)
	}
	if pos.Status != models.StatusOpen || m.closing[positionID] {
		m.mu.Unlock()
		return fmt.Errorf("close: position %s already closing or closed", positionID)
	}
	m.closing[positionID] = true
	key := pos.InstrumentKey
	m.mu.Unlock()

	// Fresh LTP so a stale book price cannot collapse exit onto entry.
	exitPrice := m.freshLTP(ctx, key, pos.CurrentPrice)

	if m.mode == ModeLive {
		req := broker.OrderRequest{
			InstrumentKey: key,
			Quantity:      pos.Quantity,
			Side:          string(models.SideSell),
			OrderType:     "MARKET",
			Product:       intradayProduct,
			Validity:      orderValidity,
			Tag:           "exit-" + reason,
		}
		if _, err := m.placeWithRetry(ctx, req); err != nil {
			m.mu.Lock()
			delete(m.closing, positionID)
			m.mu.Unlock()
			return fmt.Errorf("exit order for %s: %w", positionID, err)
		}
	}

	now := m.now()
	m.mu.Lock()
	pos.Status = models.StatusClosed
	pos.ExitPrice = exitPrice
	pos.ExitTime = now
	pos.ExitReason = reason
	pos.CurrentPrice = exitPrice
	pos.RealizedPnL = (exitPrice - pos.EntryPrice) * float64(pos.Quantity)
	pos.UnrealizedPnL = 0
	pos.ExitContext = exitCtx
	closed := *pos
	delete(m.positions, positionID)
	delete(m.byKey, key)
	delete(m.closing, positionID)
	m.mu.Unlock()

	if m.feed != nil {
		m.feed.Unsubscribe([]string{key})
	}
	if m.risk != nil {
		m.risk.RemovePosition(positionID)
		m.risk.RecordClose(closed.RealizedPnL)
	}

	if err := m.store.SavePosition(ctx, &closed); err != nil {
		m.logger.Printf("persisting close of %s failed: %v", positionID, err)
	}
	trade := models.TradeFromPosition(&closed, m.modelVersion, features)
	if err := m.store.RecordTrade(ctx, trade); err != nil {
		m.logger.Printf("recording trade for %s failed: %v", positionID, err)
	}

	m.notifier.Send(notify.LevelInfo, notify.EventTradeExit,
		fmt.Sprintf("%s x%d @ %.2f (%s) pnl %.2f", closed.Instrument, closed.Quantity, exitPrice, reason, closed.RealizedPnL))
	m.broadcast(closed)
	return nil
}

// freshLTP fetches the latest price for the exit, falling back to the last
// known book price when the quote layer is down.
func (m *Manager) freshLTP(ctx context.Context, key string, fallback float64) float64 {
	prices, err := m.broker.LTP(ctx, []string{key})
	if err == nil {
		if ltp, ok := prices[key]; ok && ltp > 0 {
			return ltp
		}
	} else {
		m.logger.Printf("fresh LTP for %s unavailable, using last tick: %v", key, err)
	}
	return fallback
}

// ============ Startup rehydration ============

// Rehydrate reloads OPEN positions from persistence before the first live
// tick: rebuild missing instrument keys, reattach the feed with rate-limited
// batches and re-add to the risk book. Quarantined rows alert and stay out
// of the book.
func (m *Manager) Rehydrate(ctx context.Context) error {
	positions, quarantined, err := m.store.RestoreOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("restoring positions: %w", err)
	}

	for _, q := range quarantined {
		m.logger.Printf("quarantined position %s: %s", q.PositionID, q.Reason)
		m.notifier.Send(notify.LevelCritical, "POSITION_QUARANTINED",
			fmt.Sprintf("position %s failed integrity checks: %s", q.PositionID, q.Reason))
	}

	var keys []string
	m.mu.Lock()
	for i := range positions {
		pos := positions[i]
		if pos.InstrumentKey == "" {
			pos.InstrumentKey = broker.InstrumentKey(pos.Instrument)
			pos.Instrument.BrokerKey = pos.InstrumentKey
		}
		p := pos
		m.positions[p.ID] = &p
		m.byKey[p.InstrumentKey] = p.ID
		keys = append(keys, p.InstrumentKey)
		if m.risk != nil {
			m.risk.AddPosition(&p)
		}
	}
	m.mu.Unlock()

	if m.feed != nil {
		for i := 0; i < len(keys); i += rehydrateBatchSize {
			end := i + rehydrateBatchSize
			if end > len(keys) {
				end = len(keys)
			}
			if err := m.feed.Subscribe(keys[i:end], m.onTickCallback()); err != nil {
				m.logger.Printf("rehydrate subscribe batch failed: %v", err)
			}
			if end < len(keys) {
				if err := m.sleep(ctx, rehydrateBatchPause); err != nil {
					return err
				}
			}
		}
	}

	m.logger.Printf("rehydrated %d open positions (%d quarantined)", len(positions), len(quarantined))
	return nil
}
