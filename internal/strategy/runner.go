package strategy

import (
	"log"
	"os"
	"sync"
	"time"

	"github.com/bytevantage/optionflow/internal/config"
	"github.com/bytevantage/optionflow/internal/models"
)

// Runner invokes every enabled strategy against the latest snapshot and
// normalizes, validates and deduplicates the output.
type Runner struct {
	logger   *log.Logger
	enabled  map[string]config.StrategyConfig // canonical ID -> config block
	now      func() time.Time

	// loggedDrops throttles validation logging to once per (strategy, reason).
	mu          sync.Mutex
	loggedDrops map[string]bool
}

// NewRunner builds a runner from the per-strategy config blocks. Names are
// resolved through the alias map; unknown names are logged and skipped.
func NewRunner(strategies map[string]config.StrategyConfig, logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.New(os.Stderr, "strategy: ", log.LstdFlags)
	}
	enabled := make(map[string]config.StrategyConfig)
	for name, sc := range strategies {
		if !sc.Enabled {
			continue
		}
		s, ok := Lookup(name)
		if !ok {
			logger.Printf("unknown strategy %q in config, skipping", name)
			continue
		}
		enabled[s.ID] = sc
	}
	return &Runner{
		logger:      logger,
		enabled:     enabled,
		now:         time.Now,
		loggedDrops: make(map[string]bool),
	}
}

// EnabledIDs returns the canonical IDs the runner will invoke.
func (r *Runner) EnabledIDs() []string {
	out := make([]string, 0, len(r.enabled))
	for id := range r.enabled {
		out = append(out, id)
	}
	return out
}

// Run invokes the enabled strategies against the snapshot. Stale snapshots
// return no signals. Strategies run in parallel (they are pure); outputs
// funnel into one validated, deduplicated slice.
func (r *Runner) Run(snap *models.MarketSnapshot) []models.Signal {
	if snap == nil || snap.Stale {
		return nil
	}
	now := r.now()

	var wg sync.WaitGroup
	results := make(chan []models.Signal, len(r.enabled))
	for id, sc := range r.enabled {
		s, ok := registry[id]
		if !ok {
			continue
		}
		if !sc.Filter.Allows(now) {
			continue
		}
		wg.Add(1)
		go func(s Strategy) {
			defer wg.Done()
			results <- s.Run(snap)
		}(s)
	}
	wg.Wait()
	close(results)

	var raw []models.Signal
	for batch := range results {
		raw = append(raw, batch...)
	}
	return r.validate(snap, raw)
}

// validate normalizes strategy IDs, enforces the tradable-leg and positive
// entry-price invariants, and deduplicates per leg keeping the strongest.
func (r *Runner) validate(snap *models.MarketSnapshot, raw []models.Signal) []models.Signal {
	best := make(map[models.LegKey]models.Signal)
	for _, sig := range raw {
		sig.StrategyID = Canonical(sig.StrategyID)
		if !sig.MetaGroup.Valid() {
			sig.MetaGroup = GroupOf(sig.StrategyID)
		}
		if sig.Side == "" {
			sig.Side = models.SideBuy
		}

		if sig.EntryPrice <= 0 {
			r.dropOnce(sig.StrategyID, "entry_price<=0")
			continue
		}
		sym, ok := snap.Symbols[sig.Symbol]
		if !ok || sym.Stale || sym.Chain == nil {
			r.dropOnce(sig.StrategyID, "symbol_stale")
			continue
		}
		if sym.Chain.Leg(sig.Strike, sig.Right) == nil {
			r.dropOnce(sig.StrategyID, "absent_strike")
			continue
		}

		key := sig.Key()
		if existing, ok := best[key]; !ok || sig.Strength > existing.Strength {
			best[key] = sig
		}
	}

	out := make([]models.Signal, 0, len(best))
	for _, sig := range best {
		out = append(out, sig)
	}
	return out
}

// dropOnce logs a validation drop once per (strategy, reason) so a broken
// strategy cannot flood the log at tick cadence.
func (r *Runner) dropOnce(strategyID, reason string) {
	key := strategyID + "|" + reason
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loggedDrops[key] {
		return
	}
	r.loggedDrops[key] = true
	r.logger.Printf("dropping signals from %s: %s (logged once)", strategyID, reason)
}
