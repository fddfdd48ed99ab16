package models

// MetaGroup indexes one of the nine strategy meta-groups the allocation
// vector is defined over.
type MetaGroup int

// The nine meta-groups, in allocation-vector order.
const (
	GroupMLPrediction MetaGroup = iota
	GroupGreeksDeltaNeutral
	GroupVolatilityTrading
	GroupMeanReversion
	GroupMomentumTrend
	GroupOIInstitutionalFlow
	GroupPCRSentiment
	GroupIntradayPatterns
	GroupArbitrageSpreads

	// NumMetaGroups is the allocation vector dimension.
	NumMetaGroups = 9
)

var metaGroupNames = [NumMetaGroups]string{
	"ML_PREDICTION",
	"GREEKS_DELTA_NEUTRAL",
	"VOLATILITY_TRADING",
	"MEAN_REVERSION",
	"MOMENTUM_TREND",
	"OI_INSTITUTIONAL_FLOW",
	"PCR_SENTIMENT",
	"INTRADAY_PATTERNS",
	"ARBITRAGE_SPREADS",
}

func (g MetaGroup) String() string {
	if g < 0 || g >= NumMetaGroups {
		return "UNKNOWN"
	}
	return metaGroupNames[g]
}

// Valid reports whether the group index is within the nine-group vector.
func (g MetaGroup) Valid() bool {
	return g >= 0 && g < NumMetaGroups
}
