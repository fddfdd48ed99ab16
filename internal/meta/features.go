// Package meta implements the allocation meta-controller: periodic feature
// extraction from the option chain, deterministic policy inference and the
// signal fan-out under the nine-group budget.
package meta

import (
	"math"
	"sync"
	"time"

	"github.com/bytevantage/optionflow/internal/marketdata"
	"github.com/bytevantage/optionflow/internal/models"
)

// FeatureDim is the policy input dimension.
const FeatureDim = 35

// Feature indices, fixed order. The trained policy was fit against this
// exact layout; changing it invalidates the artifact.
const (
	fSpotNorm = iota
	fReturn1
	fReturn3
	fReturn9
	fVIXPercentile
	fPCROINear
	fPCRVolNear
	fPCROINext
	fPCRVolNext
	fMaxPainDistance
	fMaxPainNorm
	fGEXTotal
	fGEXNearExpiry
	fGEXNetDirection
	fNetGamma
	fOTMPutGamma
	fGammaSlope
	fIVSkew
	fIVTermSlope
	fOI15Total
	fOI15Call
	fOI15Put
	fOI30Total
	fOI30Call
	fOI30Put
	fVWAPZScore
	fADX
	fATR
	fRSI
	fHoursToExpiry
	fDayOfWeek
	fMinutesSinceOpen
	fPortfolioDelta
	fPortfolioGamma
	fPortfolioVega
)

// FeatureVector is one immutable policy input, built fresh each meta tick.
type FeatureVector [FeatureDim]float64

// Portfolio Greeks normalizers.
const (
	portfolioDeltaScale = 1000
	portfolioGammaScale = 100
	portfolioVegaScale  = 1000
	spotScale           = 50000
	gexScale            = 1e9
)

// oiObservation is one chain OI reading kept for velocity features.
type oiObservation struct {
	at     time.Time
	callOI int64
	putOI  int64
}

// Extractor builds feature vectors and keeps the short OI history the
// velocity features need.
type Extractor struct {
	mu        sync.Mutex
	oiHistory map[models.Symbol][]oiObservation
	loc       *time.Location
}

// NewExtractor creates a feature extractor for the exchange timezone.
func NewExtractor(loc *time.Location) *Extractor {
	if loc == nil {
		loc = time.UTC
	}
	return &Extractor{
		oiHistory: make(map[models.Symbol][]oiObservation),
		loc:       loc,
	}
}

// Build assembles the 35-dim vector for one symbol from the snapshot, the
// 5-minute bar window and the portfolio Greeks. Unavailable inputs zero
// their features; the policy was trained with the same contract.
func (e *Extractor) Build(sym *models.SymbolSnapshot, bars []marketdata.Bar, portfolio models.Greeks, now time.Time) FeatureVector {
	var v FeatureVector
	if sym == nil {
		return v
	}

	v[fSpotNorm] = sym.Spot / spotScale
	v[fReturn1] = barReturn(bars, 1)
	v[fReturn3] = barReturn(bars, 3)
	v[fReturn9] = barReturn(bars, 9)
	v[fVIXPercentile] = sym.Technicals.VIXPercentile

	if chain := sym.Chain; chain != nil {
		v[fPCROINear] = chain.PCR
		v[fPCRVolNear] = volumePCR(chain)
		// Next-expiry PCR features stay zero: the engine keeps only the
		// near chain in memory.

		if sym.Spot > 0 {
			v[fMaxPainDistance] = (chain.MaxPainStrike - sym.Spot) / sym.Spot
		}
		v[fMaxPainNorm] = chain.MaxPainStrike / spotScale

		gex := gexFeatures(chain)
		v[fGEXTotal] = gex.total
		v[fGEXNearExpiry] = gex.total // single-expiry book: near equals total
		v[fGEXNetDirection] = sign(gex.total)
		v[fNetGamma] = gex.netGamma
		v[fOTMPutGamma] = gex.otmPutGamma
		v[fGammaSlope] = gex.slope
		v[fIVSkew] = ivSkew(chain)

		e.observeOI(sym.Symbol, chain, now)
		o15 := e.oiDelta(sym.Symbol, now, 15*time.Minute)
		o30 := e.oiDelta(sym.Symbol, now, 30*time.Minute)
		v[fOI15Total] = float64(o15.callOI + o15.putOI)
		v[fOI15Call] = float64(o15.callOI)
		v[fOI15Put] = float64(o15.putOI)
		v[fOI30Total] = float64(o30.callOI + o30.putOI)
		v[fOI30Call] = float64(o30.callOI)
		v[fOI30Put] = float64(o30.putOI)
	}

	v[fVWAPZScore] = vwapZScore(sym, bars)
	v[fADX] = sym.Technicals.ADX / 100
	v[fATR] = safeDiv(sym.Technicals.ATR, sym.Spot)
	v[fRSI] = sym.Technicals.RSI / 100

	if !sym.Expiry.IsZero() {
		v[fHoursToExpiry] = sym.Expiry.Sub(now).Hours()
	}
	local := now.In(e.loc)
	v[fDayOfWeek] = float64(local.Weekday())
	open := time.Date(local.Year(), local.Month(), local.Day(), 9, 15, 0, 0, e.loc)
	if local.After(open) {
		v[fMinutesSinceOpen] = local.Sub(open).Minutes()
	}

	v[fPortfolioDelta] = portfolio.Delta / portfolioDeltaScale
	v[fPortfolioGamma] = portfolio.Gamma / portfolioGammaScale
	v[fPortfolioVega] = portfolio.Vega / portfolioVegaScale

	return v
}

// observeOI appends the chain's OI totals, pruning beyond an hour.
func (e *Extractor) observeOI(symbol models.Symbol, chain *models.OptionChain, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	hist := append(e.oiHistory[symbol], oiObservation{
		at: now, callOI: chain.TotalCallOI, putOI: chain.TotalPutOI,
	})
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(hist) && hist[i].at.Before(cutoff) {
		i++
	}
	e.oiHistory[symbol] = hist[i:]
}

// oiDelta returns OI change over the window, zero when no observation is old
// enough.
func (e *Extractor) oiDelta(symbol models.Symbol, now time.Time, window time.Duration) oiObservation {
	e.mu.Lock()
	defer e.mu.Unlock()
	hist := e.oiHistory[symbol]
	if len(hist) == 0 {
		return oiObservation{}
	}
	latest := hist[len(hist)-1]
	cutoff := now.Add(-window)
	var base *oiObservation
	for i := range hist {
		if !hist[i].at.After(cutoff) {
			base = &hist[i]
		}
	}
	if base == nil {
		return oiObservation{}
	}
	return oiObservation{
		callOI: latest.callOI - base.callOI,
		putOI:  latest.putOI - base.putOI,
	}
}

func barReturn(bars []marketdata.Bar, n int) float64 {
	if len(bars) <= n {
		return 0
	}
	prev := bars[len(bars)-1-n].Close
	last := bars[len(bars)-1].Close
	return safeDiv(last-prev, prev)
}

func volumePCR(chain *models.OptionChain) float64 {
	var callVol, putVol int64
	for _, legs := range chain.Strikes {
		if legs.Call != nil {
			callVol += legs.Call.Volume
		}
		if legs.Put != nil {
			putVol += legs.Put.Volume
		}
	}
	if callVol == 0 {
		return 0
	}
	return float64(putVol) / float64(callVol)
}

type gexResult struct {
	total       float64
	netGamma    float64
	otmPutGamma float64
	slope       float64
}

// gexFeatures estimates dealer gamma exposure: call gamma is dealer-long,
// put gamma dealer-short, scaled by OI and spot squared into billions.
func gexFeatures(chain *models.OptionChain) gexResult {
	var res gexResult
	spot := chain.SpotPrice
	if spot <= 0 {
		return res
	}
	var below, above float64
	for strike, legs := range chain.Strikes {
		if legs.Call != nil {
			g := legs.Call.Greeks.Gamma * float64(legs.Call.OI) * spot * spot / gexScale
			res.total += g
			res.netGamma += legs.Call.Greeks.Gamma * float64(legs.Call.OI)
		}
		if legs.Put != nil {
			g := legs.Put.Greeks.Gamma * float64(legs.Put.OI) * spot * spot / gexScale
			res.total -= g
			res.netGamma -= legs.Put.Greeks.Gamma * float64(legs.Put.OI)
			if strike < spot {
				res.otmPutGamma += legs.Put.Greeks.Gamma * float64(legs.Put.OI)
			}
		}
		contribution := 0.0
		if legs.Call != nil {
			contribution += legs.Call.Greeks.Gamma * float64(legs.Call.OI)
		}
		if legs.Put != nil {
			contribution -= legs.Put.Greeks.Gamma * float64(legs.Put.OI)
		}
		if strike < spot {
			below += contribution
		} else {
			above += contribution
		}
	}
	res.slope = above - below
	res.netGamma /= 1e6
	res.otmPutGamma /= 1e6
	return res
}

// ivSkew is the OTM put/call IV spread one band out from the money.
func ivSkew(chain *models.OptionChain) float64 {
	atm := chain.ATMStrike()
	strikes := chain.SortedStrikes()
	var belowStrike, aboveStrike float64
	for _, s := range strikes {
		if s < atm {
			belowStrike = s
		}
		if s > atm && aboveStrike == 0 {
			aboveStrike = s
		}
	}
	var putIV, callIV float64
	if leg := chain.Leg(belowStrike, models.RightPut); leg != nil {
		putIV = leg.Greeks.IV
	}
	if leg := chain.Leg(aboveStrike, models.RightCall); leg != nil {
		callIV = leg.Greeks.IV
	}
	if putIV == 0 || callIV == 0 {
		return 0
	}
	return putIV - callIV
}

func vwapZScore(sym *models.SymbolSnapshot, bars []marketdata.Bar) float64 {
	vwap := sym.Technicals.VWAP
	if vwap <= 0 || len(bars) < 2 {
		return 0
	}
	var mean, variance float64
	for _, b := range bars {
		mean += b.Close
	}
	mean /= float64(len(bars))
	for _, b := range bars {
		variance += (b.Close - mean) * (b.Close - mean)
	}
	sd := math.Sqrt(variance / float64(len(bars)))
	if sd == 0 {
		return 0
	}
	return (sym.Spot - vwap) / sd
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}
