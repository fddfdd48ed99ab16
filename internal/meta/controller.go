package meta

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/bytevantage/optionflow/internal/marketdata"
	"github.com/bytevantage/optionflow/internal/models"
	"github.com/bytevantage/optionflow/internal/notify"
	"github.com/bytevantage/optionflow/internal/storage"
)

// Pause gates, from the predecessor system's live thresholds.
const (
	pauseVIXPercentile  = 0.95
	pauseGEXMagnitude   = 5.0 // billions
	pauseDeltaMagnitude = 5.0 // normalized portfolio delta
)

// Fan-out budget.
const (
	maxTotalSelected = 5
	maxPerGroup      = 2
)

// criticLossJumpFactor trips the pause breaker when consecutive online
// updates report a loss spike.
const criticLossJumpFactor = 3.0

// BarSource supplies the 5-minute bar window for feature extraction.
type BarSource interface {
	Bars(symbol models.Symbol, timeframe string) []marketdata.Bar
}

// AllocationSink receives refreshed allocations and regimes (the risk
// manager in production).
type AllocationSink interface {
	SetAllocation(alloc models.Allocation)
	SetRegime(regime models.Regime)
	Pause(reason string)
}

// Controller is the meta-controller: every meta tick it rebuilds the feature
// vector, runs the frozen policy and installs the capped allocation.
type Controller struct {
	extractor *Extractor
	policy    Policy
	bars      BarSource
	sink      AllocationSink
	store     storage.Interface
	notifier  notify.Notifier
	logger    *log.Logger
	symbol    models.Symbol
	now       func() time.Time

	mu             sync.RWMutex
	current        models.Allocation
	lastFeatures   FeatureVector
	lastCriticLoss float64
}

// NewController wires the meta-controller for a primary symbol.
func NewController(policy Policy, bars BarSource, sink AllocationSink, store storage.Interface, notifier notify.Notifier, loc *time.Location, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.New(os.Stderr, "meta: ", log.LstdFlags)
	}
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	return &Controller{
		extractor: NewExtractor(loc),
		policy:    policy,
		bars:      bars,
		sink:      sink,
		store:     store,
		notifier:  notifier,
		logger:    logger,
		symbol:    models.SymbolNifty,
		now:       time.Now,
		current:   models.UniformAllocation(time.Now()),
	}
}

// Allocation returns the latest allocation.
func (c *Controller) Allocation() models.Allocation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// LastFeatures returns the most recent feature vector (telemetry for trade
// records).
func (c *Controller) LastFeatures() FeatureVector {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastFeatures
}

// FeaturesJSON serializes the last feature vector for trade telemetry.
func (c *Controller) FeaturesJSON() string {
	f := c.LastFeatures()
	raw, err := json.Marshal(f[:])
	if err != nil {
		return ""
	}
	return string(raw)
}

// ModelVersion reports the loaded policy's version, "uniform" without one.
func (c *Controller) ModelVersion() string {
	if c.policy == nil {
		return "uniform"
	}
	return c.policy.Version()
}

// RefreshAllocation is the meta tick: build features from the primary
// symbol's snapshot, infer, cap, gate and install.
func (c *Controller) RefreshAllocation(ctx context.Context, snap *models.MarketSnapshot, portfolio models.Greeks) models.Allocation {
	now := c.now()
	sym := snap.Symbols[c.symbol]

	var bars []marketdata.Bar
	if c.bars != nil {
		bars = c.bars.Bars(c.symbol, "5m")
	}
	features := c.extractor.Build(sym, bars, portfolio, now)

	var raw [models.NumMetaGroups]float64
	if c.policy != nil {
		raw = c.policy.Infer(features)
	} else {
		for i := range raw {
			raw[i] = 1.0 / models.NumMetaGroups
		}
	}
	alloc := models.CapAndNormalize(raw, now)

	// Regime gating: extreme volatility, dealer gamma or directional
	// exposure pauses all new entries until the next tick.
	if reason := c.pauseReason(features); reason != "" {
		alloc.Paused = true
		c.logger.Printf("PAUSE directive: %s", reason)
	}

	c.mu.Lock()
	c.current = alloc
	c.lastFeatures = features
	lastLoss := c.lastCriticLoss
	c.mu.Unlock()

	if c.sink != nil {
		c.sink.SetAllocation(alloc)
		c.sink.SetRegime(models.RegimeFromVIXPercentile(features[fVIXPercentile]))
	}
	if c.store != nil {
		if err := c.store.RecordAllocation(ctx, alloc, lastLoss); err != nil {
			c.logger.Printf("allocation audit write failed: %v", err)
		}
	}
	c.logger.Printf("allocation refreshed (paused=%t): %v", alloc.Paused, alloc.Weights)
	return alloc
}

func (c *Controller) pauseReason(features FeatureVector) string {
	if features[fVIXPercentile] > pauseVIXPercentile {
		return fmt.Sprintf("VIX percentile %.2f above %.2f", features[fVIXPercentile], pauseVIXPercentile)
	}
	if math.Abs(features[fGEXTotal]) > pauseGEXMagnitude {
		return fmt.Sprintf("GEX %.2fB beyond +-%.1fB", features[fGEXTotal], pauseGEXMagnitude)
	}
	if math.Abs(features[fPortfolioDelta]) > pauseDeltaMagnitude {
		return fmt.Sprintf("portfolio delta %.2f beyond +-%.1f", features[fPortfolioDelta], pauseDeltaMagnitude)
	}
	return ""
}

// ObserveCriticLoss feeds the online trainer's critic loss. A jump of more
// than 3x between consecutive updates pauses trading pending a manual
// override.
func (c *Controller) ObserveCriticLoss(loss float64) {
	c.mu.Lock()
	prev := c.lastCriticLoss
	c.lastCriticLoss = loss
	c.mu.Unlock()

	if prev > 0 && loss > prev*criticLossJumpFactor {
		msg := fmt.Sprintf("critic loss jumped %.4f -> %.4f (>%.0fx)", prev, loss, criticLossJumpFactor)
		c.notifier.Send(notify.LevelCritical, "CRITIC_LOSS_SPIKE", msg)
		if c.sink != nil {
			c.sink.Pause(msg)
		}
	}
}

// FilterSignals ranks this tick's signals by strength x allocation x
// confidence and budgets the selection: at most 5 in total and 2 per
// meta-group. A paused allocation selects nothing.
func (c *Controller) FilterSignals(signals []models.Signal) []models.Signal {
	alloc := c.Allocation()
	if alloc.Paused || len(signals) == 0 {
		return nil
	}

	type scored struct {
		sig   models.Signal
		score float64
	}
	ranked := make([]scored, 0, len(signals))
	for _, sig := range signals {
		weight := alloc.Weight(sig.MetaGroup)
		if weight <= 0 {
			continue
		}
		ranked = append(ranked, scored{sig: sig, score: sig.Strength * weight * sig.Confidence})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	var out []models.Signal
	perGroup := make(map[models.MetaGroup]int)
	for _, r := range ranked {
		if len(out) >= maxTotalSelected {
			break
		}
		if perGroup[r.sig.MetaGroup] >= maxPerGroup {
			continue
		}
		perGroup[r.sig.MetaGroup]++
		out = append(out, r.sig)
	}
	return out
}
