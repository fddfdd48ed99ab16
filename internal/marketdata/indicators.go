package marketdata

import (
	"math"
	"sort"
	"time"
)

// Bar is one OHLCV candle on a timeframe window.
type Bar struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// Lookback periods.
const (
	rsiPeriod       = 14
	atrPeriod       = 14
	adxPeriod       = 14
	bollingerPeriod = 20
	bollingerWidth  = 2.0
	macdFast        = 12
	macdSlow        = 26
	macdSignal      = 9
)

// RSI returns the n-period Relative Strength Index of the closes using
// Wilder's smoothing. Returns 50 until a full window is available.
func RSI(bars []Bar, n int) float64 {
	if n <= 0 || len(bars) < n+1 {
		return 50
	}
	var gain, loss float64
	for i := 1; i <= n; i++ {
		d := bars[i].Close - bars[i-1].Close
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(n)
	avgLoss := loss / float64(n)
	for i := n + 1; i < len(bars); i++ {
		d := bars[i].Close - bars[i-1].Close
		up, down := 0.0, 0.0
		if d > 0 {
			up = d
		} else {
			down = -d
		}
		avgGain = (avgGain*float64(n-1) + up) / float64(n)
		avgLoss = (avgLoss*float64(n-1) + down) / float64(n)
	}
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// EMA returns the final n-period exponential moving average of the closes.
func EMA(bars []Bar, n int) float64 {
	if len(bars) == 0 || n <= 0 {
		return 0
	}
	k := 2.0 / float64(n+1)
	ema := bars[0].Close
	for i := 1; i < len(bars); i++ {
		ema = bars[i].Close*k + ema*(1-k)
	}
	return ema
}

// MACD returns the MACD line and its signal. The signal uses an EMA over the
// MACD series recomputed per bar, so it needs macdSlow+macdSignal bars to be
// meaningful.
func MACD(bars []Bar) (line, signal float64) {
	if len(bars) < macdSlow {
		return 0, 0
	}
	series := make([]float64, 0, len(bars)-macdSlow+1)
	for i := macdSlow; i <= len(bars); i++ {
		window := bars[:i]
		series = append(series, EMA(window, macdFast)-EMA(window, macdSlow))
	}
	line = series[len(series)-1]
	k := 2.0 / float64(macdSignal+1)
	signal = series[0]
	for i := 1; i < len(series); i++ {
		signal = series[i]*k + signal*(1-k)
	}
	return line, signal
}

// Bollinger returns the upper, middle and lower bands over the final window.
func Bollinger(bars []Bar, n int, width float64) (upper, middle, lower float64) {
	if n <= 0 || len(bars) < n {
		if len(bars) > 0 {
			last := bars[len(bars)-1].Close
			return last, last, last
		}
		return 0, 0, 0
	}
	window := bars[len(bars)-n:]
	var sum float64
	for _, b := range window {
		sum += b.Close
	}
	mean := sum / float64(n)
	var variance float64
	for _, b := range window {
		variance += (b.Close - mean) * (b.Close - mean)
	}
	sd := math.Sqrt(variance / float64(n))
	return mean + width*sd, mean, mean - width*sd
}

// ATR returns the n-period average true range (Wilder).
func ATR(bars []Bar, n int) float64 {
	if n <= 0 || len(bars) < n+1 {
		return 0
	}
	trs := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		tr := math.Max(bars[i].High-bars[i].Low,
			math.Max(math.Abs(bars[i].High-bars[i-1].Close), math.Abs(bars[i].Low-bars[i-1].Close)))
		trs = append(trs, tr)
	}
	atr := 0.0
	for i := 0; i < n; i++ {
		atr += trs[i]
	}
	atr /= float64(n)
	for i := n; i < len(trs); i++ {
		atr = (atr*float64(n-1) + trs[i]) / float64(n)
	}
	return atr
}

// ADX returns the n-period average directional index (Wilder).
func ADX(bars []Bar, n int) float64 {
	if n <= 0 || len(bars) < 2*n+1 {
		return 0
	}
	var trSum, plusSum, minusSum float64
	dxs := make([]float64, 0, len(bars))
	tr14, plus14, minus14 := 0.0, 0.0, 0.0
	for i := 1; i < len(bars); i++ {
		upMove := bars[i].High - bars[i-1].High
		downMove := bars[i-1].Low - bars[i].Low
		plusDM, minusDM := 0.0, 0.0
		if upMove > downMove && upMove > 0 {
			plusDM = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM = downMove
		}
		tr := math.Max(bars[i].High-bars[i].Low,
			math.Max(math.Abs(bars[i].High-bars[i-1].Close), math.Abs(bars[i].Low-bars[i-1].Close)))

		if i <= n {
			trSum += tr
			plusSum += plusDM
			minusSum += minusDM
			if i == n {
				tr14, plus14, minus14 = trSum, plusSum, minusSum
			}
		} else {
			tr14 = tr14 - tr14/float64(n) + tr
			plus14 = plus14 - plus14/float64(n) + plusDM
			minus14 = minus14 - minus14/float64(n) + minusDM
		}
		if i >= n && tr14 > 0 {
			plusDI := 100 * plus14 / tr14
			minusDI := 100 * minus14 / tr14
			if plusDI+minusDI > 0 {
				dxs = append(dxs, 100*math.Abs(plusDI-minusDI)/(plusDI+minusDI))
			} else {
				dxs = append(dxs, 0)
			}
		}
	}
	if len(dxs) < n {
		return 0
	}
	adx := 0.0
	for i := 0; i < n; i++ {
		adx += dxs[i]
	}
	adx /= float64(n)
	for i := n; i < len(dxs); i++ {
		adx = (adx*float64(n-1) + dxs[i]) / float64(n)
	}
	return adx
}

// VIXProxy annualizes the standard deviation of bar-over-bar returns and
// scales to VIX points. barsPerYear depends on the timeframe.
func VIXProxy(bars []Bar, barsPerYear float64) float64 {
	if len(bars) < 3 || barsPerYear <= 0 {
		return 0
	}
	returns := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		if bars[i-1].Close > 0 {
			returns = append(returns, bars[i].Close/bars[i-1].Close-1)
		}
	}
	if len(returns) < 2 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	return math.Sqrt(variance) * math.Sqrt(barsPerYear) * 100
}

// SessionVWAP is the volume-weighted average price of bars at or after the
// session open. Zero-volume sessions fall back to the close mean.
func SessionVWAP(bars []Bar, sessionStart time.Time) float64 {
	var pv, vol float64
	var closeSum float64
	var count int
	for _, b := range bars {
		if b.Time.Before(sessionStart) {
			continue
		}
		typical := (b.High + b.Low + b.Close) / 3
		pv += typical * float64(b.Volume)
		vol += float64(b.Volume)
		closeSum += b.Close
		count++
	}
	if vol > 0 {
		return pv / vol
	}
	if count > 0 {
		return closeSum / float64(count)
	}
	return 0
}

// Percentile returns value's rank within history in [0, 1]. An empty history
// ranks at 0.5.
func Percentile(history []float64, value float64) float64 {
	if len(history) == 0 {
		return 0.5
	}
	below := 0
	for _, h := range history {
		if h <= value {
			below++
		}
	}
	return float64(below) / float64(len(history))
}

// IVRank places the current IV within the [min, max] of its trailing history,
// scaled to 0-100. A flat history ranks at 50.
func IVRank(history []float64, current float64) float64 {
	if len(history) == 0 {
		return 50
	}
	sorted := append([]float64(nil), history...)
	sort.Float64s(sorted)
	lo, hi := sorted[0], sorted[len(sorted)-1]
	if hi == lo {
		return 50
	}
	rank := (current - lo) / (hi - lo) * 100
	return math.Max(0, math.Min(100, rank))
}
