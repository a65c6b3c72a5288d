// Package schedule orders discovered assets into the transfer sequence.
// Ordering is pure and deterministic; it performs no I/O.
package schedule

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dmtrko/chain-rescue/internal/asset"
	"github.com/dmtrko/chain-rescue/internal/chain"
)

// Tier is the user-declared priority of a directive.
type Tier string

const (
	TierMaximum Tier = "maximum"
	TierNormal  Tier = "normal"
)

// Directive is a user-declared override: rescue this contract ahead of the
// value-based order. Directives are supplied per rescue request and are not
// persisted here.
type Directive struct {
	Contract common.Address
	Network  chain.Network
	Tier     Tier
}

// ParseTier normalizes a user-supplied tier string.
func ParseTier(s string) (Tier, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "maximum", "max":
		return TierMaximum, true
	case "normal", "":
		return TierNormal, true
	}
	return "", false
}

// Order returns assets in transfer order: Maximum-directive matches first
// (in directive order), then Normal-directive matches, then everything else
// by descending USD value with raw balance breaking ties.
func Order(assets []asset.Record, directives []Directive) []asset.Record {
	var maxDirs, normDirs []Directive
	for _, d := range directives {
		switch d.Tier {
		case TierMaximum:
			maxDirs = append(maxDirs, d)
		default:
			normDirs = append(normDirs, d)
		}
	}

	taken := make(map[common.Address]bool, len(assets))
	byAddr := make(map[common.Address][]asset.Record, len(assets))
	for _, a := range assets {
		byAddr[a.Address] = append(byAddr[a.Address], a)
	}

	out := make([]asset.Record, 0, len(assets))
	pick := func(dirs []Directive) {
		for _, d := range dirs {
			if taken[d.Contract] {
				continue
			}
			if matches, ok := byAddr[d.Contract]; ok {
				out = append(out, matches...)
				taken[d.Contract] = true
			}
		}
	}
	pick(maxDirs)
	pick(normDirs)

	rest := make([]asset.Record, 0, len(assets))
	for _, a := range assets {
		if !taken[a.Address] {
			rest = append(rest, a)
		}
	}
	sortByValue(rest)
	return append(out, rest...)
}

func sortByValue(recs []asset.Record) {
	// insertion sort keeps this dependency-free and stable; asset sets per
	// pass are small
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && less(recs[j], recs[j-1]); j-- {
			recs[j], recs[j-1] = recs[j-1], recs[j]
		}
	}
}

func less(a, b asset.Record) bool {
	if a.ValueUSD != b.ValueUSD {
		return a.ValueUSD > b.ValueUSD
	}
	if a.Balance == nil || b.Balance == nil {
		return b.Balance == nil && a.Balance != nil
	}
	return a.Balance.Cmp(b.Balance) > 0
}

// MaximumFor returns the Maximum-tier directives that target network, in
// declaration order. The session manager resolves these in a dedicated pass
// before standard discovery begins.
func MaximumFor(directives []Directive, network chain.Network) []Directive {
	var out []Directive
	for _, d := range directives {
		if d.Tier == TierMaximum && d.Network == network {
			out = append(out, d)
		}
	}
	return out
}
