package marketdata

import (
	"math"
	"time"

	"github.com/bytevantage/optionflow/internal/models"
)

// riskFreeRate is the annualized rate used for Black-Scholes when the feed
// does not supply Greeks.
const riskFreeRate = 0.07

// minYearsToExpiry clamps the time value so same-day expiries don't blow up
// the gamma/vega denominators.
const minYearsToExpiry = 0.001

// BlackScholesGreeks computes the Greeks for an option from spot, strike,
// quoted IV (percent) and time to expiry. Theta is per calendar day, vega per
// IV point.
func BlackScholesGreeks(spot, strike, ivPct float64, right models.Right, expiry, now time.Time) models.Greeks {
	if spot <= 0 || strike <= 0 || ivPct <= 0 {
		return models.Greeks{IV: ivPct}
	}

	sigma := ivPct / 100
	t := yearsToExpiry(expiry, now)

	sqrtT := math.Sqrt(t)
	d1 := (math.Log(spot/strike) + (riskFreeRate+sigma*sigma/2)*t) / (sigma * sqrtT)
	d2 := d1 - sigma*sqrtT

	pdfD1 := normPDF(d1)
	gamma := pdfD1 / (spot * sigma * sqrtT)
	vega := spot * pdfD1 * sqrtT / 100

	var delta, theta float64
	discount := math.Exp(-riskFreeRate * t)
	if right == models.RightCall {
		delta = normCDF(d1)
		theta = (-spot*pdfD1*sigma/(2*sqrtT) - riskFreeRate*strike*discount*normCDF(d2)) / 365
	} else {
		delta = normCDF(d1) - 1
		theta = (-spot*pdfD1*sigma/(2*sqrtT) + riskFreeRate*strike*discount*normCDF(-d2)) / 365
	}

	return models.Greeks{IV: ivPct, Delta: delta, Gamma: gamma, Theta: theta, Vega: vega}
}

func yearsToExpiry(expiry, now time.Time) float64 {
	t := expiry.Sub(now).Hours() / 24 / 365
	if t < minYearsToExpiry {
		t = minYearsToExpiry
	}
	return t
}

func normPDF(x float64) float64 {
	return math.Exp(-x*x/2) / math.Sqrt(2*math.Pi)
}

func normCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}
