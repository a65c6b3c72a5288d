package discovery

import (
	"math/big"
	"strings"

	"github.com/dmtrko/chain-rescue/internal/asset"
)

// airdrop spam often mints absurd round amounts to thousands of wallets
var scamBalanceCeiling = new(big.Int).Exp(big.NewInt(10), big.NewInt(33), nil)

var scamNameMarkers = []string{
	"visit", "claim", "airdrop", "reward", ".com", ".net", ".org", ".io",
	".xyz", "www.", "http", "t.me/", "bonus", "voucher", "prize",
}

// ScamFilter flags fungible records that look like unsolicited airdrop spam
// so they are surfaced but never transferred.
type ScamFilter struct{}

func NewScamFilter() *ScamFilter { return &ScamFilter{} }

// Suspicious reports whether rec looks like a scam token. Lenient mode,
// used on networks where the heuristics produced too many false positives,
// requires two independent signals before flagging; otherwise a single
// marker is enough.
func (f *ScamFilter) Suspicious(rec asset.Record, lenient bool) bool {
	if rec.Kind != asset.Fungible {
		return false
	}
	hits := 0
	if nameLooksScammy(rec.Name) || nameLooksScammy(rec.Symbol) {
		hits++
	}
	if rec.Balance != nil && rec.Balance.Cmp(scamBalanceCeiling) > 0 {
		hits++
	}
	if rec.PriceUSD == 0 && rec.Source == asset.SourceIndexer {
		hits++
	}
	if lenient {
		return hits >= 2
	}
	return hits >= 1
}

func nameLooksScammy(s string) bool {
	if s == "" {
		return false
	}
	low := strings.ToLower(s)
	for _, m := range scamNameMarkers {
		if strings.Contains(low, m) {
			return true
		}
	}
	return false
}
