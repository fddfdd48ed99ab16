// Package risk implements position sizing, pre-trade validation, per-position
// exit predicates and the daily-loss circuit breaker.
package risk

import (
	"fmt"
	"log"
	"math"
	"os"
	"sync"
	"time"

	"github.com/bytevantage/optionflow/internal/config"
	"github.com/bytevantage/optionflow/internal/models"
	"github.com/bytevantage/optionflow/internal/notify"
)

// Sizing bounds.
const (
	minStrategyMultiplier = 0.8
	maxStrategyMultiplier = 1.15
	maxPerGroupPositions  = 2
)

// RejectReason explains why Validate refused a signal.
type RejectReason string

// Rejection reasons.
const (
	RejectNone           RejectReason = ""
	RejectPaused         RejectReason = "PAUSED"
	RejectDailyLoss      RejectReason = "DAILY_LOSS_LIMIT"
	RejectLeverage       RejectReason = "LEVERAGE_CAP"
	RejectMaxPositions   RejectReason = "MAX_POSITIONS"
	RejectGroupCap       RejectReason = "GROUP_CAP"
	RejectGroupStarved   RejectReason = "GROUP_ALLOCATION_ZERO"
	RejectWeakSignal     RejectReason = "MIN_STRENGTH"
	RejectBadStops       RejectReason = "INVALID_STOPS"
)

// Manager is the stateful risk engine. It observes positions through the
// order manager's add/remove calls and never mutates broker state.
type Manager struct {
	cfg      config.RiskConfig
	lotSize  func(string) int
	logger   *log.Logger
	notifier notify.Notifier
	loc      *time.Location
	now      func() time.Time

	mu           sync.RWMutex
	equity       float64
	dayRealized  float64
	peakEquity   float64
	day          string
	book         map[string]*models.Position
	strategyMult map[string]float64
	allocation   models.Allocation
	regime       models.Regime

	breakerTripped bool
	manualPause    bool

	eodClose string // "HH:MM"
}

// NewManager creates a risk manager with the configured initial equity.
func NewManager(cfg config.RiskConfig, initialCapital float64, lotSize func(string) int, eodClose string, loc *time.Location, notifier notify.Notifier, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stderr, "risk: ", log.LstdFlags)
	}
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	if loc == nil {
		loc = time.UTC
	}
	if lotSize == nil {
		lotSize = func(string) int { return 1 }
	}
	if eodClose == "" {
		eodClose = "15:20"
	}
	m := &Manager{
		cfg:          cfg,
		lotSize:      lotSize,
		logger:       logger,
		notifier:     notifier,
		loc:          loc,
		now:          time.Now,
		equity:       initialCapital,
		peakEquity:   initialCapital,
		book:         make(map[string]*models.Position),
		strategyMult: make(map[string]float64),
		allocation:   models.UniformAllocation(time.Now()),
		regime:       models.RegimeNormal,
		eodClose:     eodClose,
	}
	m.day = m.now().In(loc).Format("2006-01-02")
	return m
}

// WithClock overrides the manager's time source (tests).
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// ============ Book observation ============

// AddPosition registers an open position with the risk book.
func (m *Manager) AddPosition(pos *models.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.book[pos.ID] = pos
}

// RemovePosition drops a position from the risk book.
func (m *Manager) RemovePosition(positionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.book, positionID)
}

// OpenPositions returns the current book size.
func (m *Manager) OpenPositions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.book)
}

// SetAllocation installs the latest meta-controller allocation.
func (m *Manager) SetAllocation(alloc models.Allocation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocation = alloc
}

// SetRegime installs the prevailing volatility regime used by sizing.
func (m *Manager) SetRegime(regime models.Regime) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regime = regime
}

// SetStrategyMultiplier tunes a strategy's sizing weight; top performers run
// 1.10-1.15. Values clamp into [0.8, 1.15].
func (m *Manager) SetStrategyMultiplier(strategyID string, mult float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategyMult[strategyID] = math.Max(minStrategyMultiplier, math.Min(maxStrategyMultiplier, mult))
}

// ============ Sizing ============

// confidenceMultiplier buckets signal confidence; bucket bounds are
// lower-inclusive, so exactly 0.95 earns the 2.0x bucket.
func confidenceMultiplier(confidence float64) float64 {
	switch {
	case confidence >= 0.95:
		return 2.0
	case confidence >= 0.90:
		return 1.5
	case confidence >= 0.85:
		return 1.2
	case confidence >= 0.75:
		return 1.0
	default:
		return 0.8
	}
}

// portfolioRiskMultiplier throttles sizing as at-risk capital grows.
func portfolioRiskMultiplier(atRiskPct float64) float64 {
	switch {
	case atRiskPct > 8:
		return 0.5
	case atRiskPct > 6:
		return 0.7
	case atRiskPct > 4:
		return 0.85
	default:
		return 1.0
	}
}

// regimeMultiplier scales sizing with prevailing volatility.
func regimeMultiplier(regime models.Regime) float64 {
	switch regime {
	case models.RegimeHighVol, models.RegimeCrisis:
		return 0.8
	case models.RegimeLowVol:
		return 1.2
	default:
		return 1.0
	}
}

// Size computes the quantity (units, lot multiples) for a signal. It is
// deterministic for fixed inputs: same signal, same equity, same book, same
// regime.
func (m *Manager) Size(sig *models.Signal) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	perUnitRisk := sig.EntryPrice - sig.StopLoss
	if perUnitRisk <= 0 {
		return 0, fmt.Errorf("signal %s has stop %.2f at or above entry %.2f", sig.StrategyID, sig.StopLoss, sig.EntryPrice)
	}

	riskAmount := m.equity * m.cfg.RiskPercent / 100
	riskAmount *= confidenceMultiplier(sig.Confidence)
	if mult, ok := m.strategyMult[sig.StrategyID]; ok {
		riskAmount *= mult
	}
	riskAmount *= portfolioRiskMultiplier(m.atRiskPctLocked())
	riskAmount *= regimeMultiplier(m.regime)

	lot := m.lotSize(string(sig.Symbol))
	rawUnits := riskAmount / perUnitRisk
	lots := int(rawUnits) / lot
	if lots < m.cfg.MinLots {
		lots = m.cfg.MinLots
	}
	if lots > m.cfg.MaxLots {
		lots = m.cfg.MaxLots
	}
	return lots * lot, nil
}

// atRiskPctLocked sums the distance to stop across the open book as a
// percent of equity. Caller holds at least the read lock.
func (m *Manager) atRiskPctLocked() float64 {
	if m.equity <= 0 {
		return 100
	}
	var atRisk float64
	for _, pos := range m.book {
		risk := pos.EntryPrice - pos.StopLoss
		if risk < 0 {
			risk = 0
		}
		atRisk += risk * float64(pos.Quantity)
	}
	return atRisk / m.equity * 100
}

// ============ Validation ============

// Validate decides whether a sized signal may execute. The returned reason
// is empty on acceptance.
func (m *Manager) Validate(sig *models.Signal) (bool, RejectReason) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.breakerTripped || m.manualPause {
		return false, RejectDailyLoss
	}
	if m.allocation.Paused {
		return false, RejectPaused
	}
	if sig.Strength < m.cfg.MinSignalStrength {
		return false, RejectWeakSignal
	}
	if sig.StopLoss >= sig.EntryPrice {
		return false, RejectBadStops
	}
	if len(m.book) >= m.cfg.MaxPositions {
		return false, RejectMaxPositions
	}
	if m.allocation.Weight(sig.MetaGroup) <= 0 {
		return false, RejectGroupStarved
	}
	groupCount := 0
	for _, pos := range m.book {
		if pos.MetaGroup == sig.MetaGroup {
			groupCount++
		}
	}
	if groupCount >= maxPerGroupPositions {
		return false, RejectGroupCap
	}

	var exposure float64
	for _, pos := range m.book {
		exposure += pos.EntryPrice * float64(pos.Quantity)
	}
	if m.equity > 0 && exposure/m.equity >= m.cfg.MaxLeverage {
		return false, RejectLeverage
	}
	return true, RejectNone
}

// ============ Exit predicates ============

// ShouldExit evaluates a position against the latest quote. Target checks
// use TP3 when set, falling back to the plain target.
func (m *Manager) ShouldExit(pos *models.Position, ltp float64) (bool, string) {
	target := pos.TP3
	if target <= 0 {
		target = pos.Target
	}
	if target > 0 && ltp >= target {
		return true, models.ExitReasonTP3
	}
	if pos.StopLoss > 0 && ltp <= pos.StopLoss {
		return true, models.ExitReasonStopLoss
	}
	if pos.TrailingSL > 0 && ltp <= pos.TrailingSL {
		return true, models.ExitReasonTrailingSL
	}
	if m.pastEOD() {
		return true, models.ExitReasonEOD
	}
	m.mu.RLock()
	riskOff := m.breakerTripped || m.manualPause
	m.mu.RUnlock()
	if riskOff {
		return true, models.ExitReasonRiskOff
	}
	return false, ""
}

func (m *Manager) pastEOD() bool {
	return m.now().In(m.loc).Format("15:04") >= m.eodClose
}

// ============ Daily accounting and circuit breaker ============

// RecordClose folds a closed trade's PnL into the day's tally and trips the
// daily-loss breaker when the configured drawdown is breached.
func (m *Manager) RecordClose(pnl float64) {
	m.mu.Lock()
	m.dayRealized += pnl
	m.equity += pnl
	if m.equity > m.peakEquity {
		m.peakEquity = m.equity
	}
	limit := -m.peakEquity * m.cfg.MaxDailyLossPct / 100
	tripping := !m.breakerTripped && m.dayRealized <= limit
	if tripping {
		m.breakerTripped = true
	}
	day := m.dayRealized
	m.mu.Unlock()

	if tripping {
		m.logger.Printf("daily loss %.2f breached limit %.2f; trading disabled until next session", day, limit)
		m.notifier.Send(notify.LevelCritical, "DAILY_LOSS_BREAKER", fmt.Sprintf("daily loss %.2f tripped the circuit breaker", day))
	}
}

// Equity returns current account equity.
func (m *Manager) Equity() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.equity
}

// DayRealized returns today's realized PnL.
func (m *Manager) DayRealized() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dayRealized
}

// BreakerTripped reports whether the daily-loss breaker is active.
func (m *Manager) BreakerTripped() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.breakerTripped || m.manualPause
}

// Pause halts new entries until an Override; used by the feed-dead
// and critic-loss breakers.
func (m *Manager) Pause(reason string) {
	m.mu.Lock()
	already := m.manualPause
	m.manualPause = true
	m.mu.Unlock()
	if !already {
		m.logger.Printf("trading paused: %s", reason)
		m.notifier.Send(notify.LevelCritical, "TRADING_PAUSED", reason)
	}
}

// Override re-arms tripped breakers when the presented token matches the
// configured one. All breakers are re-entrant through this path.
func (m *Manager) Override(token string) bool {
	if token == "" || token != m.cfg.OverrideToken {
		return false
	}
	m.mu.Lock()
	m.breakerTripped = false
	m.manualPause = false
	m.mu.Unlock()
	m.logger.Printf("circuit breakers re-armed via override token")
	return true
}

// RolloverDay resets the day's tally and re-arms the daily breaker when the
// local date has changed. Returns true on a new trading day.
func (m *Manager) RolloverDay() bool {
	today := m.now().In(m.loc).Format("2006-01-02")
	m.mu.Lock()
	defer m.mu.Unlock()
	if today == m.day {
		return false
	}
	m.day = today
	m.dayRealized = 0
	m.breakerTripped = false
	return true
}
