package broker

import (
	"strconv"
	"strings"
	"time"

	"github.com/bytevantage/optionflow/internal/models"
)

// Index instrument keys as the broker spells them on the request side.
const (
	NiftyIndexKey  = "NSE_INDEX|Nifty 50"
	SensexIndexKey = "BSE_INDEX|SENSEX"
)

// IndexKey returns the broker key for an underlying index.
func IndexKey(symbol models.Symbol) string {
	if symbol == models.SymbolSensex {
		return SensexIndexKey
	}
	return NiftyIndexKey
}

// OptionKey serializes an option instrument into the broker's key format:
// <EXCH>_FO|<SYMBOL><DDMMMYYYY upper><CE|PE><STRIKE>. The strike drops any
// trailing ".0" so 26150.0 serializes as 26150.
func OptionKey(symbol models.Symbol, strike float64, right models.Right, expiry time.Time) string {
	var b strings.Builder
	b.WriteString(symbol.Exchange())
	b.WriteString("_FO|")
	b.WriteString(string(symbol))
	b.WriteString(strings.ToUpper(expiry.Format("02Jan2006")))
	b.WriteString(right.Code())
	b.WriteString(strconv.FormatFloat(strike, 'f', -1, 64))
	return b.String()
}

// InstrumentKey serializes any instrument into its broker key.
func InstrumentKey(inst models.Instrument) string {
	if inst.Kind == models.KindIndex {
		return IndexKey(inst.Symbol)
	}
	return OptionKey(inst.Symbol, inst.Strike, inst.Right, inst.Expiry)
}

// NormalizeResponseKey maps the colon-for-pipe variant some endpoints use in
// response maps ("NSE_FO:NIFTY...") back to the request spelling.
func NormalizeResponseKey(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 && !strings.ContainsRune(key, '|') {
		return key[:i] + "|" + key[i+1:]
	}
	return key
}
