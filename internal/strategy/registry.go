// Package strategy hosts the static strategy registry and the runner that
// turns MarketSnapshots into validated signals.
package strategy

import (
	"sort"
	"strings"

	"github.com/bytevantage/optionflow/internal/models"
)

// Func is a strategy body: a pure function from snapshot to candidate
// signals. Bodies must not mutate the snapshot, must not touch the network
// and must complete in bounded wall time.
type Func func(snap *models.MarketSnapshot) []models.Signal

// Strategy is one registry entry: a canonical ID, its meta-group and body.
type Strategy struct {
	ID    string
	Group models.MetaGroup
	Run   Func
}

// registry is the static registration table, built at init. Entries are
// keyed by canonical ID; configs reach them through the alias map.
var registry = map[string]Strategy{}

// aliases maps normalized spellings to canonical IDs.
var aliases = map[string]string{}

// Register adds a strategy to the static table. Called from init functions;
// duplicate IDs panic because they are programmer error.
func Register(s Strategy, extraAliases ...string) {
	if _, exists := registry[s.ID]; exists {
		panic("strategy: duplicate registration for " + s.ID)
	}
	registry[s.ID] = s
	aliases[normalizeID(s.ID)] = s.ID
	for _, a := range extraAliases {
		aliases[normalizeID(a)] = s.ID
	}
}

// Lookup resolves a configured name (any alias spelling) to its strategy.
func Lookup(name string) (Strategy, bool) {
	canonical, ok := aliases[normalizeID(name)]
	if !ok {
		return Strategy{}, false
	}
	s, ok := registry[canonical]
	return s, ok
}

// Canonical normalizes a configured name to the canonical ID, or returns the
// normalized form unchanged when unknown.
func Canonical(name string) string {
	if canonical, ok := aliases[normalizeID(name)]; ok {
		return canonical
	}
	return normalizeID(name)
}

// All returns the registered strategies sorted by ID.
func All() []Strategy {
	out := make([]Strategy, 0, len(registry))
	for _, s := range registry {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GroupOf returns the meta-group for a strategy name, defaulting to the
// intraday-patterns group for unknown names so ranking still works.
func GroupOf(name string) models.MetaGroup {
	if s, ok := Lookup(name); ok {
		return s.Group
	}
	return models.GroupIntradayPatterns
}

// normalizeID lowercases, trims and strips separators and the "strategy"
// suffix so "VWAPDeviationStrategy", "vwap-deviation" and "vwap_deviation"
// all collapse to one spelling.
func normalizeID(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.NewReplacer("-", "", "_", "", " ", "").Replace(s)
	s = strings.TrimSuffix(s, "strategy")
	return s
}
