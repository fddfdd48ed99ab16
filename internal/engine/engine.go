// Package engine wires the trading components together and drives the
// market, meta and reconcile ticks. All cross-component references are
// injected here; no component imports another's concrete type.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bytevantage/optionflow/internal/broker"
	"github.com/bytevantage/optionflow/internal/cache"
	"github.com/bytevantage/optionflow/internal/config"
	"github.com/bytevantage/optionflow/internal/feed"
	"github.com/bytevantage/optionflow/internal/marketdata"
	"github.com/bytevantage/optionflow/internal/meta"
	"github.com/bytevantage/optionflow/internal/metrics"
	"github.com/bytevantage/optionflow/internal/models"
	"github.com/bytevantage/optionflow/internal/notify"
	"github.com/bytevantage/optionflow/internal/orders"
	"github.com/bytevantage/optionflow/internal/reconcile"
	"github.com/bytevantage/optionflow/internal/risk"
	"github.com/bytevantage/optionflow/internal/storage"
	"github.com/bytevantage/optionflow/internal/strategy"
)

// Engine owns every component's lifecycle.
type Engine struct {
	cfg      *config.Config
	logger   *log.Logger
	loc      *time.Location
	notifier notify.Notifier
	metrics  *metrics.Metrics

	broker     broker.Broker
	feed       *feed.Feed
	cache      *cache.Cache
	store      storage.Interface
	persister  *storage.ChainPersister
	market     *marketdata.Manager
	runner     *strategy.Runner
	risk       *risk.Manager
	orders     *orders.Manager
	reconciler *reconcile.Reconciler
	meta       *meta.Controller

	symbols []models.Symbol
	now     func() time.Time

	eodDoneDay string
	feedDeadAt time.Time
	// staleNoFeedStreak counts consecutive market ticks where the feed was
	// down and the REST fallback produced a stale snapshot; a minute of
	// those trips the pause breaker.
	staleNoFeedStreak int
}

// Options carries optional dependency overrides so tests can wire isolated
// instances. Nil fields are constructed from the config.
type Options struct {
	Broker   broker.Broker
	Store    storage.Interface
	Notifier notify.Notifier
	Feed     *feed.Feed
}

// New builds the engine from configuration. Unrecoverable startup failures
// (unreachable database, corrupt policy artifact) are returned as errors and
// exit the process non-zero.
func New(cfg *config.Config, opts Options, logger *log.Logger) (*Engine, error) {
	if logger == nil {
		logger = log.New(os.Stdout, "[ENGINE] ", log.LstdFlags)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}

	bk := opts.Broker
	if bk == nil {
		client := broker.NewClient(cfg.Broker.BaseURL, cfg.Broker.AccessToken, cfg.Broker.RateLimitPerSecond, logger)
		bk = broker.NewCircuitBreakerBroker(client)
	}

	store := opts.Store
	if store == nil {
		gormStore, err := storage.Open(cfg.Database.DSN, logger)
		if err != nil {
			return nil, fmt.Errorf("database unreachable at startup: %w", err)
		}
		store = gormStore
	}

	policy, err := meta.LoadPolicy(cfg.Meta.PolicyPath)
	if err != nil {
		return nil, fmt.Errorf("policy artifact: %w", err)
	}
	if policy == nil && cfg.Meta.PolicyPath != "" {
		logger.Printf("policy artifact %q missing; allocations default to uniform", cfg.Meta.PolicyPath)
	}

	m := metrics.New()
	sharedTier := cache.NewRedisTier(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	dataCache := cache.New(sharedTier, logger)
	persister := storage.NewChainPersister(store, logger)

	fd := opts.Feed
	if fd == nil {
		fd = feed.New(bk, cfg.Feed.MaxReconnects, logger)
	}

	symbols := []models.Symbol{models.SymbolNifty, models.SymbolSensex}
	market := marketdata.NewManager(bk, dataCache, marketdata.Options{
		Feed:      fd,
		Persister: persister,
		Location:  loc,
		Symbols:   symbols,
	}, logger)
	market.OnStale(func(symbol models.Symbol) {
		m.StaleSnapshots.WithLabelValues(string(symbol)).Inc()
	})

	rk := risk.NewManager(cfg.Risk, cfg.Environment.InitialCapital, cfg.LotSize, cfg.Schedule.EODClose, loc, notifier, logger)

	mode := orders.ModePaper
	if cfg.LiveOrdersEnabled() {
		mode = orders.ModeLive
	}

	modelVersion := cfg.Meta.ModelVersion
	metaController := meta.NewController(policyOrNil(policy), market, rk, store, notifier, loc, logger)
	if modelVersion == "" {
		modelVersion = metaController.ModelVersion()
	}

	om := orders.New(mode, bk, store, rk, fd, notifier, cfg.LotSize, modelVersion, logger)
	runner := strategy.NewRunner(cfg.Strategies, logger)
	reconciler := reconcile.New(bk, om, store, notifier, mode == orders.ModeLive, logger)
	reconciler.OnSummary(func(s reconcile.Summary) {
		m.ReconcileSweeps.Inc()
		m.ReconcileFlagged.Set(float64(s.EngineOnly))
		if s.OrphansKilled > 0 {
			m.OrphanKills.Add(float64(s.OrphansKilled))
		}
	})
	fd.OnStateChange(func(s feed.State) {
		if s == feed.StateConnected {
			m.FeedState.Set(1)
		} else {
			m.FeedState.Set(0)
		}
	})

	return &Engine{
		cfg:        cfg,
		logger:     logger,
		loc:        loc,
		notifier:   notifier,
		metrics:    m,
		broker:     bk,
		feed:       fd,
		cache:      dataCache,
		store:      store,
		persister:  persister,
		market:     market,
		runner:     runner,
		risk:       rk,
		orders:     om,
		reconciler: reconciler,
		meta:       metaController,
		symbols:    symbols,
		now:        time.Now,
	}, nil
}

// policyOrNil avoids a typed-nil interface when no artifact was loaded.
func policyOrNil(p *meta.LinearPolicy) meta.Policy {
	if p == nil {
		return nil
	}
	return p
}

// Run starts the engine and blocks until ctx is cancelled or a fatal error
// occurs. Shutdown drains in-flight work within the configured grace period.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Printf("starting engine in %s mode", e.cfg.Environment.Mode)

	// Broker health check before anything trades.
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	profile, err := e.broker.Profile(checkCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("broker health check failed: %w", err)
	}
	e.logger.Printf("broker connected (user %s)", profile.UserID)

	// Rehydrate persisted positions before the first tick is processed.
	if err := e.orders.Rehydrate(ctx); err != nil {
		return fmt.Errorf("startup rehydration failed: %w", err)
	}

	// Connect the push feed and subscribe the index spots. A dead feed is
	// not fatal: the quote layer falls through to REST.
	if err := e.feed.Connect(ctx); err != nil {
		e.logger.Printf("feed connect failed, running on REST fallback: %v", err)
		e.feedDeadAt = e.now()
	} else {
		for _, symbol := range e.symbols {
			if err := e.feed.Subscribe([]string{broker.IndexKey(symbol)}, e.market.OnSpotTick(symbol)); err != nil {
				e.logger.Printf("index subscribe %s failed: %v", symbol, err)
			}
		}
	}

	if err := e.market.Backfill(ctx); err != nil {
		e.logger.Printf("candle backfill incomplete: %v", err)
	}

	if e.cfg.Metrics.Enabled {
		go func() {
			if err := e.metrics.Serve(e.cfg.Metrics.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
				e.logger.Printf("metrics listener error: %v", err)
			}
		}()
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return e.tickLoop(groupCtx, e.cfg.MarketTick(), e.marketTick) })
	group.Go(func() error { return e.tickLoop(groupCtx, e.cfg.MetaTick(), e.metaTick) })
	group.Go(func() error { return e.tickLoop(groupCtx, e.cfg.ReconcileTick(), e.reconcileTick) })
	group.Go(func() error { return e.tickLoop(groupCtx, 30*time.Second, e.eodTick) })
	group.Go(func() error {
		return e.tickLoop(groupCtx, 10*time.Minute, func(context.Context) { e.cache.Sweep(time.Hour) })
	})

	<-groupCtx.Done()
	e.shutdown()
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	e.logger.Printf("engine stopped")
	return nil
}

// tickLoop drives one scheduler: fire immediately, then on cadence. A tick
// that outruns its interval is logged and the next tick starts on schedule
// with no queue buildup.
func (e *Engine) tickLoop(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	runOnce := func() {
		start := e.now()
		fn(ctx)
		if elapsed := e.now().Sub(start); elapsed > interval {
			e.metrics.TickOverruns.Inc()
			e.logger.Printf("tick overran its %v cadence by %v", interval, elapsed-interval)
		}
	}
	runOnce()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			runOnce()
		}
	}
}

// marketTick is the 5-second cycle: snapshot, exits, strategies, filter,
// risk, execute.
func (e *Engine) marketTick(ctx context.Context) {
	e.metrics.TicksTotal.Inc()
	e.risk.RolloverDay()

	open, err := e.cfg.IsWithinMarketHours(e.now())
	if err != nil || !open {
		return
	}

	snap := e.market.Snapshot(ctx)
	e.checkFeedHealth()

	// Exit decisions precede entries: the book reflects reality before new
	// risk is added.
	e.checkExits(ctx, snap)

	e.metrics.OpenPositions.Set(float64(len(e.orders.OpenPositions())))
	e.metrics.UnrealizedPnL.Set(e.orders.UnrealizedTotal())
	e.metrics.DailyRealizedPnL.Set(e.risk.DayRealized())

	if snap.Stale {
		if e.feed.State() != feed.StateConnected {
			e.staleNoFeedStreak++
			// Roughly a minute of 5-second ticks with neither data source
			// healthy: stop accepting new risk until manually overridden.
			if e.staleNoFeedStreak == 12 {
				e.risk.Pause("feed disconnected and REST fallback stale for over a minute")
			}
		}
		return
	}
	e.staleNoFeedStreak = 0

	signals := e.runner.Run(snap)
	if len(signals) == 0 {
		return
	}
	e.metrics.SignalsGenerated.Add(float64(len(signals)))

	selected := e.meta.FilterSignals(signals)
	for i := range selected {
		sig := selected[i]
		ok, reason := e.risk.Validate(&sig)
		if !ok {
			e.metrics.SignalsRejected.WithLabelValues(string(reason)).Inc()
			continue
		}
		quantity, err := e.risk.Size(&sig)
		if err != nil {
			e.metrics.SignalsRejected.WithLabelValues("SIZING").Inc()
			e.logger.Printf("sizing %s failed: %v", sig.StrategyID, err)
			continue
		}
		entryCtx := e.buildContext(snap, sig.Symbol, sig.Strike, sig.Right)
		if _, err := e.orders.Execute(ctx, &sig, quantity, entryCtx); err != nil {
			e.metrics.SignalsRejected.WithLabelValues("BROKER_REJECT").Inc()
			e.logger.Printf("execute %s failed: %v", sig.StrategyID, err)
			continue
		}
		e.metrics.SignalsExecuted.Inc()
	}
}

// checkExits evaluates every open position against the risk predicates and
// closes the ones that trigger.
func (e *Engine) checkExits(ctx context.Context, snap *models.MarketSnapshot) {
	for _, pos := range e.orders.OpenPositions() {
		p := pos
		exit, reason := e.risk.ShouldExit(&p, p.CurrentPrice)
		if !exit {
			continue
		}
		exitCtx := e.buildContext(snap, p.Instrument.Symbol, p.Instrument.Strike, p.Instrument.Right)
		if err := e.orders.Close(ctx, p.ID, reason, exitCtx, e.meta.FeaturesJSON()); err != nil {
			e.logger.Printf("closing %s (%s) failed: %v", p.ID, reason, err)
		}
	}
}

// metaTick refreshes the allocation from the latest snapshot and the
// portfolio's aggregate Greeks.
func (e *Engine) metaTick(ctx context.Context) {
	open, err := e.cfg.IsWithinMarketHours(e.now())
	if err != nil || !open {
		return
	}
	snap := e.market.Snapshot(ctx)
	var portfolio models.Greeks
	for _, pos := range e.orders.OpenPositions() {
		qty := float64(pos.Quantity)
		portfolio.Delta += pos.CurrentGreeks.Delta * qty
		portfolio.Gamma += pos.CurrentGreeks.Gamma * qty
		portfolio.Vega += pos.CurrentGreeks.Vega * qty
	}
	alloc := e.meta.RefreshAllocation(ctx, snap, portfolio)
	for g := 0; g < models.NumMetaGroups; g++ {
		e.metrics.AllocationWeights.WithLabelValues(models.MetaGroup(g).String()).Set(alloc.Weights[g])
	}
}

// reconcileTick runs one reconciliation sweep.
func (e *Engine) reconcileTick(ctx context.Context) {
	if _, err := e.reconciler.Sweep(ctx); err != nil {
		e.logger.Printf("reconcile sweep failed: %v", err)
	}
}

// eodTick force-closes every open position at the configured end-of-day
// time, once per trading day.
func (e *Engine) eodTick(ctx context.Context) {
	local := e.now().In(e.loc)
	day := local.Format("2006-01-02")
	if e.eodDoneDay == day || local.Format("15:04") < e.cfg.Schedule.EODClose {
		return
	}
	positions := e.orders.OpenPositions()
	if len(positions) > 0 {
		e.logger.Printf("EOD flush: closing %d open positions", len(positions))
		snap := e.market.Snapshot(ctx)
		for _, pos := range positions {
			exitCtx := e.buildContext(snap, pos.Instrument.Symbol, pos.Instrument.Strike, pos.Instrument.Right)
			if err := e.orders.Close(ctx, pos.ID, models.ExitReasonEOD, exitCtx, e.meta.FeaturesJSON()); err != nil {
				e.logger.Printf("EOD close of %s failed: %v", pos.ID, err)
			}
		}
	}
	e.eodDoneDay = day
	if err := e.persister.Cleanup(ctx); err != nil {
		e.logger.Printf("chain snapshot cleanup failed: %v", err)
	}
}

// checkFeedHealth sends a CRITICAL FEED_DEAD alert once the push feed has been
// out of the connected state for over two minutes. It does not pause trading;
// marketTick pauses after a minute of stale snapshots while the feed is down.
func (e *Engine) checkFeedHealth() {
	state := e.feed.State()
	if state == feed.StateConnected {
		e.feedDeadAt = time.Time{}
		return
	}
	if e.feedDeadAt.IsZero() {
		e.feedDeadAt = e.now()
		return
	}
	if e.now().Sub(e.feedDeadAt) > 2*time.Minute {
		e.notifier.Send(notify.LevelCritical, "FEED_DEAD",
			fmt.Sprintf("push feed in state %s for over 2 minutes", state))
	}
}

// buildContext captures the market conditions around an entry or exit.
func (e *Engine) buildContext(snap *models.MarketSnapshot, symbol models.Symbol, strike float64, right models.Right) models.MarketContext {
	local := e.now().In(e.loc)
	mctx := models.MarketContext{
		Hour:      local.Hour(),
		DayOfWeek: int(local.Weekday()),
	}
	sym, ok := snap.Symbols[symbol]
	if !ok {
		return mctx
	}
	mctx.Spot = sym.Spot
	mctx.VIX = sym.Technicals.VIXProxy
	mctx.Regime = models.RegimeFromVIXPercentile(sym.Technicals.VIXPercentile)
	if !sym.Expiry.IsZero() {
		mctx.DaysToExpiry = marketdata.DaysToExpiry(sym.Expiry, local)
	}
	if sym.Chain != nil {
		mctx.PCR = sym.Chain.PCR
		if leg := sym.Chain.Leg(strike, right); leg != nil {
			mctx.OI = leg.OI
			mctx.Volume = leg.Volume
			if leg.Bid > 0 && leg.Ask > 0 {
				mctx.Spread = leg.Ask - leg.Bid
			}
		}
	}
	return mctx
}

// shutdown drains in-flight work within the grace period and releases
// resources: timers stopped by ctx, pending ticks drained, state persisted,
// feed disconnected.
func (e *Engine) shutdown() {
	e.logger.Printf("shutting down: draining in-flight work (grace %v)", e.cfg.Schedule.ShutdownGrace)
	graceCtx, cancel := context.WithTimeout(context.Background(), e.cfg.Schedule.ShutdownGrace)
	defer cancel()

	// Persist the open book one last time.
	for _, pos := range e.orders.OpenPositions() {
		p := pos
		if err := e.store.SavePosition(graceCtx, &p); err != nil {
			e.logger.Printf("final persist of %s failed: %v", p.ID, err)
		}
	}
	e.persister.Drain(graceCtx)
	e.feed.Disconnect()
	if err := e.metrics.Shutdown(graceCtx); err != nil {
		e.logger.Printf("metrics shutdown: %v", err)
	}
}
