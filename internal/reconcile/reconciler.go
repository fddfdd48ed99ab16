// Package reconcile periodically diffs broker-reported positions against the
// engine book and closes positions the engine does not know about.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bytevantage/optionflow/internal/broker"
	"github.com/bytevantage/optionflow/internal/models"
	"github.com/bytevantage/optionflow/internal/notify"
	"github.com/bytevantage/optionflow/internal/storage"
)

// promoteAfterSweeps is how many consecutive sweeps a divergence must
// survive before it is promoted to an orphan. Very fresh engine-initiated
// positions routinely lag the broker report by one sweep; killing on sight
// produced false positives in the predecessor system.
const promoteAfterSweeps = 3

const sweepTimeout = 8 * time.Second

// Book is the engine-side view the reconciler reads; it never mutates it.
type Book interface {
	OpenPositions() []models.Position
}

// Summary is one sweep's outcome.
type Summary struct {
	BrokerPositions int
	EnginePositions int
	Matched         int
	BrokerOnly      int
	EngineOnly      int
	OrphansKilled   int
}

// Reconciler runs the periodic diff.
type Reconciler struct {
	broker   broker.Broker
	book     Book
	store    storage.Interface
	notifier notify.Notifier
	logger   *log.Logger
	live     bool

	mu            sync.Mutex
	brokerFlagged map[string]int // broker-only divergences: consecutive sweeps seen
	engineFlagged map[string]int // engine-only divergences: consecutive sweeps seen
	engineFirst   map[string]time.Time

	// onSummary, when set, observes sweep summaries (metrics hook).
	onSummary func(Summary)
}

// New creates a reconciler. In paper mode kills are logged but no broker
// order is placed.
func New(bk broker.Broker, book Book, store storage.Interface, notifier notify.Notifier, live bool, logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.New(os.Stderr, "reconcile: ", log.LstdFlags)
	}
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	return &Reconciler{
		broker:        bk,
		book:          book,
		store:         store,
		notifier:      notifier,
		logger:        logger,
		live:          live,
		brokerFlagged: make(map[string]int),
		engineFlagged: make(map[string]int),
		engineFirst:   make(map[string]time.Time),
	}
}

// OnSummary registers a sweep observer.
func (r *Reconciler) OnSummary(fn func(Summary)) { r.onSummary = fn }

// Sweep performs one reconciliation pass.
func (r *Reconciler) Sweep(ctx context.Context) (Summary, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	brokerPositions, err := r.broker.Positions(fetchCtx)
	if err != nil {
		return Summary{}, fmt.Errorf("fetching broker positions: %w", err)
	}
	enginePositions := r.book.OpenPositions()

	summary := Summary{
		BrokerPositions: len(brokerPositions),
		EnginePositions: len(enginePositions),
	}

	// Match by (symbol, |quantity|). Engine entries consume broker entries
	// so duplicate quantities pair off one to one.
	type matchKey struct {
		symbol string
		qty    int
	}
	engineByKey := make(map[matchKey][]models.Position)
	for _, pos := range enginePositions {
		k := matchKey{symbol: pos.InstrumentKey, qty: pos.Quantity}
		engineByKey[k] = append(engineByKey[k], pos)
	}

	var brokerOnly []broker.BrokerPosition
	for _, bp := range brokerPositions {
		if bp.Quantity == 0 {
			continue
		}
		k := matchKey{symbol: bp.InstrumentKey, qty: int(math.Abs(float64(bp.Quantity)))}
		if matched := engineByKey[k]; len(matched) > 0 {
			engineByKey[k] = matched[1:]
			summary.Matched++
			continue
		}
		brokerOnly = append(brokerOnly, bp)
	}
	summary.BrokerOnly = len(brokerOnly)

	var engineOnly []models.Position
	for _, remaining := range engineByKey {
		engineOnly = append(engineOnly, remaining...)
	}
	summary.EngineOnly = len(engineOnly)

	killed := r.handleBrokerOnly(ctx, brokerOnly)
	summary.OrphansKilled = killed
	r.handleEngineOnly(engineOnly)

	r.logger.Printf("reconcile sweep: broker=%d engine=%d matched=%d broker_only=%d engine_only=%d killed=%d",
		summary.BrokerPositions, summary.EnginePositions, summary.Matched,
		summary.BrokerOnly, summary.EngineOnly, summary.OrphansKilled)
	if r.onSummary != nil {
		r.onSummary(summary)
	}
	return summary, nil
}

// handleBrokerOnly tracks broker positions the engine doesn't hold. A
// divergence seen on promoteAfterSweeps consecutive sweeps is an orphan:
// an opposite-side market order flattens it, with a durable audit record.
func (r *Reconciler) handleBrokerOnly(ctx context.Context, positions []broker.BrokerPosition) int {
	r.mu.Lock()
	seen := make(map[string]bool, len(positions))
	var promote []broker.BrokerPosition
	for _, bp := range positions {
		key := fmt.Sprintf("%s|%d", bp.InstrumentKey, bp.Quantity)
		seen[key] = true
		r.brokerFlagged[key]++
		if r.brokerFlagged[key] == 1 {
			r.logger.Printf("flagged broker-only position %s qty %d (sweep 1/%d)", bp.InstrumentKey, bp.Quantity, promoteAfterSweeps)
		}
		if r.brokerFlagged[key] >= promoteAfterSweeps {
			promote = append(promote, bp)
			delete(r.brokerFlagged, key)
		}
	}
	// Divergences that disappeared reset their streak.
	for key := range r.brokerFlagged {
		if !seen[key] {
			delete(r.brokerFlagged, key)
		}
	}
	r.mu.Unlock()

	killed := 0
	for _, bp := range promote {
		if err := r.killOrphan(ctx, bp); err != nil {
			r.logger.Printf("orphan kill for %s failed: %v", bp.InstrumentKey, err)
			continue
		}
		killed++
	}
	return killed
}

// killOrphan flattens one broker orphan with an opposite-side intraday
// market order and writes the audit row.
func (r *Reconciler) killOrphan(ctx context.Context, bp broker.BrokerPosition) error {
	qty := bp.Quantity
	side := models.SideSell
	if qty < 0 {
		side = models.SideBuy // short at the broker: buy it back
		qty = -qty
	}

	orderID := "paper-kill"
	if r.live {
		result, err := r.broker.PlaceOrder(ctx, broker.OrderRequest{
			InstrumentKey: bp.InstrumentKey,
			Quantity:      qty,
			Side:          string(side),
			OrderType:     "MARKET",
			Product:       "I",
			Validity:      "DAY",
			Tag:           "orphan-kill",
		})
		if err != nil {
			return err
		}
		orderID = result.OrderID
	}

	audit := storage.OrphanAudit{
		ID:            uuid.NewString(),
		InstrumentKey: bp.InstrumentKey,
		Symbol:        bp.TradingSymbol,
		Quantity:      qty,
		Side:          string(side),
		OrderID:       orderID,
		Detail:        fmt.Sprintf("broker qty %d with no engine match for %d sweeps", bp.Quantity, promoteAfterSweeps),
		CreatedAt:     time.Now(),
	}
	if err := r.store.RecordOrphanKill(ctx, audit); err != nil {
		r.logger.Printf("orphan audit write failed: %v", err)
	}

	r.logger.Printf("orphan killed: %s %s x%d (order %s)", side, bp.InstrumentKey, qty, orderID)
	r.notifier.Send(notify.LevelCritical, "ORPHAN_KILL",
		fmt.Sprintf("closed untracked broker position %s qty %d", bp.InstrumentKey, bp.Quantity))
	return nil
}

// handleEngineOnly flags engine positions the broker doesn't report. These
// may simply be very fresh, so they are never auto-killed; a divergence that
// persists past the promotion window raises a critical alert for manual
// review.
func (r *Reconciler) handleEngineOnly(positions []models.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(positions))
	for _, pos := range positions {
		key := pos.ID
		seen[key] = true
		r.engineFlagged[key]++
		if r.engineFlagged[key] == 1 {
			r.engineFirst[key] = time.Now()
		}
		if r.engineFlagged[key] == promoteAfterSweeps {
			r.logger.Printf("engine position %s (%s) missing at broker since %s",
				pos.ID, pos.InstrumentKey, r.engineFirst[key].Format(time.RFC3339))
			r.notifier.Send(notify.LevelCritical, "ENGINE_POSITION_UNMATCHED",
				fmt.Sprintf("position %s (%s) has no broker match across %d sweeps", pos.ID, pos.InstrumentKey, promoteAfterSweeps))
		}
	}
	for key := range r.engineFlagged {
		if !seen[key] {
			delete(r.engineFlagged, key)
			delete(r.engineFirst, key)
		}
	}
}

// FlaggedEngineOnly reports how many engine positions are currently flagged.
func (r *Reconciler) FlaggedEngineOnly() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.engineFlagged)
}
