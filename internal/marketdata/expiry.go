// Package marketdata fuses the push feed, REST snapshots and the cache into
// MarketSnapshots with computed Greeks, indicators and filtered option chains.
package marketdata

import (
	"time"

	"github.com/bytevantage/optionflow/internal/models"
)

// ExpiryRule describes a symbol's expiry cycle.
type ExpiryRule struct {
	Weekly  bool
	Weekday time.Weekday // weekly cycles: the expiry weekday
}

// expiryRules per symbol: NIFTY expires weekly on Tuesday, SENSEX weekly on
// Thursday. Symbols without a rule fall back to monthly last-Thursday.
var expiryRules = map[models.Symbol]ExpiryRule{
	models.SymbolNifty:  {Weekly: true, Weekday: time.Tuesday},
	models.SymbolSensex: {Weekly: true, Weekday: time.Thursday},
}

// expiryCutoverHour is the session close; on expiry day at or after 15:30
// local time the cycle flips to the next expiry.
const (
	expiryCutoverHour   = 15
	expiryCutoverMinute = 30
)

// CurrentExpiry resolves the active expiry for a symbol at the given instant,
// which must be in the exchange timezone.
func CurrentExpiry(symbol models.Symbol, now time.Time) time.Time {
	rule, ok := expiryRules[symbol]
	if !ok || !rule.Weekly {
		return lastThursday(now)
	}

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	daysAhead := (int(rule.Weekday) - int(now.Weekday()) + 7) % 7
	if daysAhead == 0 && afterCutover(now) {
		daysAhead = 7
	}
	return today.AddDate(0, 0, daysAhead)
}

// FallbackExpiries returns the short list of next cycles to try when the
// broker returns an empty chain for the resolved expiry.
func FallbackExpiries(symbol models.Symbol, now time.Time, n int) []time.Time {
	current := CurrentExpiry(symbol, now)
	out := make([]time.Time, 0, n)
	for i := 1; i <= n; i++ {
		rule, ok := expiryRules[symbol]
		if ok && rule.Weekly {
			out = append(out, current.AddDate(0, 0, 7*i))
		} else {
			out = append(out, lastThursday(current.AddDate(0, i, 0)))
		}
	}
	return out
}

func afterCutover(now time.Time) bool {
	if now.Hour() > expiryCutoverHour {
		return true
	}
	return now.Hour() == expiryCutoverHour && now.Minute() >= expiryCutoverMinute
}

// lastThursday returns the last Thursday of now's month, or of the next month
// when it has already passed the cutover.
func lastThursday(now time.Time) time.Time {
	candidate := lastThursdayOf(now.Year(), now.Month(), now.Location())
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if candidate.Before(day) || (candidate.Equal(day) && afterCutover(now)) {
		next := now.AddDate(0, 1, -now.Day()+1)
		candidate = lastThursdayOf(next.Year(), next.Month(), now.Location())
	}
	return candidate
}

func lastThursdayOf(year int, month time.Month, loc *time.Location) time.Time {
	lastDay := time.Date(year, month+1, 0, 0, 0, 0, 0, loc)
	back := (int(lastDay.Weekday()) - int(time.Thursday) + 7) % 7
	return lastDay.AddDate(0, 0, -back)
}

// DaysToExpiry counts whole calendar days from now to the expiry date.
func DaysToExpiry(expiry, now time.Time) int {
	a := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	b := time.Date(expiry.Year(), expiry.Month(), expiry.Day(), 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}
