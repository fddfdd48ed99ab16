package marketdata

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"sync"
	"time"

	"github.com/bytevantage/optionflow/internal/broker"
	"github.com/bytevantage/optionflow/internal/cache"
	"github.com/bytevantage/optionflow/internal/feed"
	"github.com/bytevantage/optionflow/internal/models"
	"github.com/bytevantage/optionflow/internal/storage"
)

// Strike filter bounds around spot.
const (
	strikeBandPct   = 0.10 // keep strikes within +-10% of spot
	atmCorePct      = 0.02 // inside +-2% keep everything
	liquidityPct    = 0.05 // inside +-5% keep regardless of floors
	oiFloor         = 50
	volumeFloor     = 5
	fallbackTries   = 2
	maxBarsPerFrame = 240
	ivHistoryCap    = 365
)

// barsPerYear maps a timeframe to its annualization factor for the VIX proxy
// (6.25 trading hours/day x ~250 days).
var barsPerYear = map[string]float64{
	"5m":  250 * 75,
	"15m": 250 * 25,
	"1h":  250 * 6.25,
}

// FeedSource is the slice of the push feed the manager consumes.
type FeedSource interface {
	LastPrice(instrumentKey string) (feed.Message, bool)
}

// Manager owns the spot and chain cache entries and builds MarketSnapshots.
type Manager struct {
	broker    broker.Broker
	feed      FeedSource
	cache     *cache.Cache
	persister *storage.ChainPersister
	logger    *log.Logger
	loc       *time.Location
	symbols   []models.Symbol
	now       func() time.Time

	mu         sync.Mutex
	bars       map[string][]Bar // key: symbol|timeframe
	ivHistory  map[models.Symbol][]float64
	vixHistory map[models.Symbol][]float64
	lastPCR    map[models.Symbol]float64

	// onStale, when set, observes stale-snapshot events (metrics hook).
	onStale func(models.Symbol)
}

// Options configures optional collaborators.
type Options struct {
	Feed      FeedSource
	Persister *storage.ChainPersister
	Location  *time.Location
	Symbols   []models.Symbol
}

// NewManager wires the market data plane. broker and cache are required.
func NewManager(bk broker.Broker, c *cache.Cache, opts Options, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stderr, "marketdata: ", log.LstdFlags)
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	symbols := opts.Symbols
	if len(symbols) == 0 {
		symbols = []models.Symbol{models.SymbolNifty, models.SymbolSensex}
	}
	return &Manager{
		broker:     bk,
		feed:       opts.Feed,
		cache:      c,
		persister:  opts.Persister,
		logger:     logger,
		loc:        loc,
		symbols:    symbols,
		now:        time.Now,
		bars:       make(map[string][]Bar),
		ivHistory:  make(map[models.Symbol][]float64),
		vixHistory: make(map[models.Symbol][]float64),
		lastPCR:    make(map[models.Symbol]float64),
	}
}

// OnStale registers a stale-snapshot observer.
func (m *Manager) OnStale(fn func(models.Symbol)) { m.onStale = fn }

// OnSpotTick is the feed callback for index instruments: it refreshes both
// cache tiers with the pushed spot.
func (m *Manager) OnSpotTick(symbol models.Symbol) feed.Callback {
	return func(msg feed.Message) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		m.cache.SetAt(ctx, cache.SpotKey(string(symbol)), cache.TTLSpot, msg.LTP, msg.ReceivedAt)
	}
}

// Spot resolves the current spot price: local cache, shared cache, feed last
// tick, then REST. On a REST hit both cache tiers are refreshed.
func (m *Manager) Spot(ctx context.Context, symbol models.Symbol) (float64, time.Time, error) {
	key := cache.SpotKey(string(symbol))

	var cached float64
	if m.cache.Get(ctx, key, cache.TTLSpot, &cached) && cached > 0 {
		age, _ := m.cache.Age(key)
		return cached, m.now().Add(-age), nil
	}

	indexKey := broker.IndexKey(symbol)
	if m.feed != nil {
		if msg, ok := m.feed.LastPrice(indexKey); ok && msg.LTP > 0 && m.now().Sub(msg.ReceivedAt) <= cache.TTLSpot {
			m.cache.SetAt(ctx, key, cache.TTLSpot, msg.LTP, msg.ReceivedAt)
			return msg.LTP, msg.ReceivedAt, nil
		}
	}

	prices, err := m.broker.LTP(ctx, []string{indexKey})
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("spot %s: %w", symbol, err)
	}
	spot, ok := prices[indexKey]
	if !ok || spot <= 0 {
		return 0, time.Time{}, fmt.Errorf("spot %s: broker returned no price", symbol)
	}
	at := m.now()
	m.cache.SetAt(ctx, key, cache.TTLSpot, spot, at)
	return spot, at, nil
}

// Chain resolves the filtered option chain for a symbol: cache first, then
// REST with fallback expiries when the resolved one comes back empty.
func (m *Manager) Chain(ctx context.Context, symbol models.Symbol, spot float64) (*models.OptionChain, error) {
	now := m.now().In(m.loc)
	expiry := CurrentExpiry(symbol, now)
	cacheKey := cache.ChainKey(string(symbol), expiry.Format("2006-01-02"))

	var cached models.OptionChain
	if m.cache.Get(ctx, cacheKey, cache.TTLChain, &cached) && len(cached.Strikes) > 0 {
		return &cached, nil
	}

	chain, err := m.fetchChain(ctx, symbol, expiry, spot)
	if err != nil {
		return nil, err
	}
	if len(chain.Strikes) == 0 {
		for _, fb := range FallbackExpiries(symbol, now, fallbackTries) {
			m.logger.Printf("empty chain for %s %s, trying fallback expiry %s",
				symbol, expiry.Format("2006-01-02"), fb.Format("2006-01-02"))
			chain, err = m.fetchChain(ctx, symbol, fb, spot)
			if err == nil && len(chain.Strikes) > 0 {
				break
			}
		}
	}
	if err != nil {
		return nil, err
	}
	if len(chain.Strikes) == 0 {
		return nil, fmt.Errorf("chain %s: empty for current and fallback expiries", symbol)
	}

	m.cache.SetAt(ctx, cache.ChainKey(string(symbol), chain.Expiry.Format("2006-01-02")), cache.TTLChain, chain, chain.CapturedAt)
	if m.persister != nil {
		m.persister.Offer(chain)
	}
	return chain, nil
}

// fetchChain pulls one raw chain via REST, converts, filters and derives.
func (m *Manager) fetchChain(ctx context.Context, symbol models.Symbol, expiry time.Time, spot float64) (*models.OptionChain, error) {
	rows, err := m.broker.OptionChain(ctx, broker.IndexKey(symbol), expiry.Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("chain %s: %w", symbol, err)
	}

	now := m.now()
	chain := &models.OptionChain{
		Symbol:     symbol,
		Expiry:     expiry,
		SpotPrice:  spot,
		Strikes:    make(map[float64]models.StrikeLegs, len(rows)),
		CapturedAt: now,
	}
	for _, row := range rows {
		if spot <= 0 && row.SpotPrice > 0 {
			chain.SpotPrice = row.SpotPrice
			spot = row.SpotPrice
		}
		legs := models.StrikeLegs{}
		if row.Call != nil {
			legs.Call = convertLeg(row.StrikePrice, models.RightCall, row.Call)
		}
		if row.Put != nil {
			legs.Put = convertLeg(row.StrikePrice, models.RightPut, row.Put)
		}
		if legs.Call != nil || legs.Put != nil {
			chain.Strikes[row.StrikePrice] = legs
		}
	}

	m.filterStrikes(chain)
	m.ensureGreeks(chain, now)
	chain.RecomputeAggregates()
	chain.RecomputeMaxPain()
	return chain, nil
}

func convertLeg(strike float64, right models.Right, leg *broker.ChainLeg) *models.OptionLeg {
	return &models.OptionLeg{
		InstrumentKey: broker.NormalizeResponseKey(leg.InstrumentKey),
		Strike:        strike,
		Right:         right,
		Bid:           leg.MarketData.Bid,
		Ask:           leg.MarketData.Ask,
		Last:          leg.MarketData.LTP,
		OI:            leg.MarketData.OI,
		OIChange:      leg.MarketData.OI - leg.MarketData.PrevOI,
		Volume:        leg.MarketData.Volume,
		Greeks: models.Greeks{
			IV:    leg.Greeks.IV,
			Delta: leg.Greeks.Delta,
			Gamma: leg.Greeks.Gamma,
			Theta: leg.Greeks.Theta,
			Vega:  leg.Greeks.Vega,
		},
	}
}

// filterStrikes keeps strikes within +-10% of spot. The +-2% ATM core keeps
// every strike; outside the core, strikes below the OI or volume floors drop
// unless they sit within +-5%.
func (m *Manager) filterStrikes(chain *models.OptionChain) {
	spot := chain.SpotPrice
	if spot <= 0 {
		return
	}
	for strike, legs := range chain.Strikes {
		dist := math.Abs(strike-spot) / spot
		if dist > strikeBandPct {
			delete(chain.Strikes, strike)
			continue
		}
		if dist <= atmCorePct || dist <= liquidityPct {
			continue
		}
		if !legLiquid(legs.Call) && !legLiquid(legs.Put) {
			delete(chain.Strikes, strike)
		}
	}
}

func legLiquid(leg *models.OptionLeg) bool {
	if leg == nil {
		return false
	}
	return leg.OI >= oiFloor && leg.Volume >= volumeFloor
}

// ensureGreeks computes Black-Scholes Greeks for legs the broker returned
// without them.
func (m *Manager) ensureGreeks(chain *models.OptionChain, now time.Time) {
	for _, legs := range chain.Strikes {
		for _, leg := range []*models.OptionLeg{legs.Call, legs.Put} {
			if leg == nil {
				continue
			}
			if leg.Greeks.Delta == 0 && leg.Greeks.Gamma == 0 && leg.Greeks.IV > 0 {
				leg.Greeks = BlackScholesGreeks(chain.SpotPrice, leg.Strike, leg.Greeks.IV, leg.Right, chain.Expiry, now)
			}
		}
	}
}

// Snapshot builds the fused view across symbols. A refresh failure for a
// symbol yields a stale-marked entry rather than an error: strategies skip
// stale symbols and the engine continues.
func (m *Manager) Snapshot(ctx context.Context) *models.MarketSnapshot {
	now := m.now()
	snap := &models.MarketSnapshot{
		Symbols:    make(map[models.Symbol]*models.SymbolSnapshot, len(m.symbols)),
		CapturedAt: now,
	}

	// NIFTY resolves first so its PCR is available as the substitution
	// source for a glitched SENSEX chain.
	for _, symbol := range m.symbols {
		sym := &models.SymbolSnapshot{Symbol: symbol, CapturedAt: now}
		snap.Symbols[symbol] = sym

		spot, spotAt, err := m.Spot(ctx, symbol)
		if err != nil {
			m.logger.Printf("snapshot %s: spot unavailable: %v", symbol, err)
			sym.Stale = true
			m.noteStale(symbol)
			continue
		}
		sym.Spot = spot
		sym.SpotAt = spotAt

		chain, err := m.Chain(ctx, symbol, spot)
		if err != nil {
			m.logger.Printf("snapshot %s: chain unavailable: %v", symbol, err)
			sym.Stale = true
			m.noteStale(symbol)
			continue
		}
		m.substitutePCR(symbol, chain)
		sym.Chain = chain
		sym.ChainAt = chain.CapturedAt
		sym.Expiry = chain.Expiry
		sym.ATMStrike = chain.ATMStrike()
		sym.Technicals = m.technicals(ctx, symbol, spot, chain)
		m.recordIV(symbol, sym)
	}

	snap.MarkStaleness(now)
	return snap
}

// substitutePCR publishes NIFTY's PCR for a chain whose total call OI is zero
// (a broker glitch leaves the ratio undefined). Deliberate substitution,
// logged at INFO.
func (m *Manager) substitutePCR(symbol models.Symbol, chain *models.OptionChain) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if chain.TotalCallOI == 0 {
		if donor, ok := m.lastPCR[models.SymbolNifty]; ok && symbol != models.SymbolNifty {
			m.logger.Printf("INFO: %s chain has zero call OI, substituting NIFTY PCR %.3f", symbol, donor)
			chain.PCR = donor
		}
		return
	}
	m.lastPCR[symbol] = chain.PCR
}

// technicals computes the indicator block from the rolling bar windows,
// cached per (symbol, timeframe).
func (m *Manager) technicals(ctx context.Context, symbol models.Symbol, spot float64, chain *models.OptionChain) models.Technicals {
	techKey := cache.TechnicalsKey(string(symbol), "5m")
	var cached models.Technicals
	if m.cache.Get(ctx, techKey, cache.TTLTechnicals, &cached) {
		return cached
	}

	m.mu.Lock()
	bars5 := append([]Bar(nil), m.bars[barKey(symbol, "5m")]...)
	bars15 := append([]Bar(nil), m.bars[barKey(symbol, "15m")]...)
	bars60 := append([]Bar(nil), m.bars[barKey(symbol, "1h")]...)
	ivHist := append([]float64(nil), m.ivHistory[symbol]...)
	vixHist := append([]float64(nil), m.vixHistory[symbol]...)
	m.mu.Unlock()

	t := models.Technicals{
		RSI:    RSI(bars5, rsiPeriod),
		RSI15m: RSI(bars15, rsiPeriod),
		RSI1h:  RSI(bars60, rsiPeriod),
		ATR:    ATR(bars5, atrPeriod),
		ADX:    ADX(bars5, adxPeriod),
	}
	t.MACD, t.MACDSignal = MACD(bars5)
	t.BollingerUp, t.BollingerMid, t.BollingerDown = Bollinger(bars5, bollingerPeriod, bollingerWidth)
	t.VIXProxy = VIXProxy(bars5, barsPerYear["5m"])
	t.VIXPercentile = Percentile(vixHist, t.VIXProxy)
	t.VWAP = SessionVWAP(bars5, m.sessionOpen())
	t.IVRank = IVRank(ivHist, atmIV(chain, spot))

	m.cache.Set(ctx, techKey, cache.TTLTechnicals, t)
	return t
}

func atmIV(chain *models.OptionChain, spot float64) float64 {
	if chain == nil {
		return 0
	}
	atm := chain.ATMStrike()
	var ivs []float64
	if leg := chain.Leg(atm, models.RightCall); leg != nil && leg.Greeks.IV > 0 {
		ivs = append(ivs, leg.Greeks.IV)
	}
	if leg := chain.Leg(atm, models.RightPut); leg != nil && leg.Greeks.IV > 0 {
		ivs = append(ivs, leg.Greeks.IV)
	}
	if len(ivs) == 0 {
		return 0
	}
	sum := 0.0
	for _, iv := range ivs {
		sum += iv
	}
	return sum / float64(len(ivs))
}

func (m *Manager) recordIV(symbol models.Symbol, sym *models.SymbolSnapshot) {
	iv := atmIV(sym.Chain, sym.Spot)
	m.mu.Lock()
	defer m.mu.Unlock()
	if iv > 0 {
		m.ivHistory[symbol] = appendCapped(m.ivHistory[symbol], iv, ivHistoryCap)
	}
	if sym.Technicals.VIXProxy > 0 {
		m.vixHistory[symbol] = appendCapped(m.vixHistory[symbol], sym.Technicals.VIXProxy, ivHistoryCap)
	}
}

func appendCapped(s []float64, v float64, capN int) []float64 {
	s = append(s, v)
	if len(s) > capN {
		s = s[len(s)-capN:]
	}
	return s
}

// AddBar appends a candle to a symbol/timeframe window, evicting beyond the
// window cap. Fed from REST historical backfill and live feed bars.
func (m *Manager) AddBar(symbol models.Symbol, timeframe string, bar Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := barKey(symbol, timeframe)
	bars := append(m.bars[key], bar)
	if len(bars) > maxBarsPerFrame {
		bars = bars[len(bars)-maxBarsPerFrame:]
	}
	m.bars[key] = bars
}

// Bars returns a copy of the rolling window (tests, feature extraction).
func (m *Manager) Bars(symbol models.Symbol, timeframe string) []Bar {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Bar(nil), m.bars[barKey(symbol, timeframe)]...)
}

// IVHistory returns a copy of the trailing ATM-IV history.
func (m *Manager) IVHistory(symbol models.Symbol) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float64(nil), m.ivHistory[symbol]...)
}

// Backfill seeds bar windows from REST intraday history so indicators are
// meaningful right after startup.
func (m *Manager) Backfill(ctx context.Context) error {
	intervals := []struct {
		timeframe string
		unit      string
		interval  int
	}{
		{"5m", "minutes", 5},
		{"15m", "minutes", 15},
		{"1h", "hours", 1},
	}
	for _, symbol := range m.symbols {
		for _, iv := range intervals {
			candles, err := m.broker.HistoricalIntraday(ctx, broker.IndexKey(symbol), iv.unit, iv.interval)
			if err != nil {
				m.logger.Printf("backfill %s %s: %v", symbol, iv.timeframe, err)
				continue
			}
			for _, c := range candles {
				ts, err := time.Parse(time.RFC3339, c.Timestamp)
				if err != nil {
					continue
				}
				m.AddBar(symbol, iv.timeframe, Bar{
					Time: ts, Open: c.Open, High: c.High, Low: c.Low, Close: c.Close, Volume: c.Volume,
				})
			}
		}
	}
	return nil
}

// sessionOpen returns today's 09:15 exchange-local session start.
func (m *Manager) sessionOpen() time.Time {
	now := m.now().In(m.loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 9, 15, 0, 0, m.loc)
}

func (m *Manager) noteStale(symbol models.Symbol) {
	if m.onStale != nil {
		m.onStale(symbol)
	}
}

func barKey(symbol models.Symbol, timeframe string) string {
	return string(symbol) + "|" + timeframe
}
