// Package asset defines the unit of discovery and transfer: one holding of
// a compromised account, tagged by kind. Merging and ordering are pure so
// the discovery engine stays deterministic.
package asset

import (
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// Kind discriminates the tagged union. Per-kind required fields:
// Native/Fungible carry Balance and Decimals, the non-fungible kinds carry
// TokenIDs (or IDsUnknown when no strategy could enumerate them).
type Kind int

const (
	Native Kind = iota
	Fungible
	NonFungibleUnique
	NonFungibleMulti
)

func (k Kind) String() string {
	switch k {
	case Native:
		return "native"
	case Fungible:
		return "fungible"
	case NonFungibleUnique:
		return "nft"
	case NonFungibleMulti:
		return "multi-nft"
	}
	return "unknown"
}

// Source records which discovery strategy produced a record. It is used for
// deduplication authority and diagnostics only, never for business logic.
type Source int

const (
	SourceUnknown Source = iota
	SourceExplorer
	SourceLogs
	SourceIndexer
	SourceNativeCheck
	SourceMulticall
)

func (s Source) String() string {
	switch s {
	case SourceMulticall:
		return "multicall"
	case SourceNativeCheck:
		return "native"
	case SourceIndexer:
		return "indexer"
	case SourceLogs:
		return "logs"
	case SourceExplorer:
		return "explorer"
	}
	return "unknown"
}

// authority ranks balance trustworthiness: direct on-chain reads outrank
// indexer-reported figures.
func (s Source) authority() int {
	switch s {
	case SourceMulticall, SourceNativeCheck, SourceLogs:
		return 2 // balance came from an eth_call / eth_getBalance
	case SourceIndexer:
		return 1
	default:
		return 0
	}
}

// ZeroAddress is the sentinel contract address for the native coin.
var ZeroAddress = common.Address{}

// Record is one discovered holding.
type Record struct {
	Address  common.Address
	Kind     Kind
	Balance  *big.Int
	Decimals uint8

	// TokenIDs is the ordered set of owned ids for non-fungible kinds.
	// IDsUnknown marks a holding whose ids must be located at transfer time.
	TokenIDs   []*big.Int
	IDsUnknown bool

	Name   string
	Symbol string

	PriceUSD float64
	ValueUSD float64

	Source    Source
	Suspected bool
}

// HasBalance reports whether the record holds anything worth moving.
func (r Record) HasBalance() bool {
	if r.Kind == NonFungibleUnique || r.Kind == NonFungibleMulti {
		return len(r.TokenIDs) > 0 || r.IDsUnknown
	}
	return r.Balance != nil && r.Balance.Sign() > 0
}

// Merge folds later-discovered duplicates into the existing set. Within one
// pass at most one record exists per contract address; for non-fungible
// kinds the token-id sets are unioned, preserving first-seen order. The
// earliest-found metadata wins, the balance from the most authoritative
// source wins.
func Merge(into []Record, more ...Record) []Record {
	idx := make(map[common.Address]int, len(into))
	for i, r := range into {
		idx[r.Address] = i
	}
	for _, nr := range more {
		i, ok := idx[nr.Address]
		if !ok {
			idx[nr.Address] = len(into)
			into = append(into, nr)
			continue
		}
		cur := &into[i]
		if nr.Source.authority() > cur.Source.authority() && nr.Balance != nil {
			cur.Balance = nr.Balance
			cur.Source = nr.Source
		}
		if cur.Name == "" {
			cur.Name = nr.Name
		}
		if cur.Symbol == "" {
			cur.Symbol = nr.Symbol
		}
		if cur.Decimals == 0 && nr.Decimals != 0 {
			cur.Decimals = nr.Decimals
		}
		if cur.PriceUSD == 0 && nr.PriceUSD != 0 {
			cur.PriceUSD = nr.PriceUSD
			cur.ValueUSD = nr.ValueUSD
		}
		if cur.Kind == NonFungibleUnique || cur.Kind == NonFungibleMulti {
			cur.TokenIDs = unionIDs(cur.TokenIDs, nr.TokenIDs)
			if len(cur.TokenIDs) > 0 {
				cur.IDsUnknown = false
			} else {
				cur.IDsUnknown = cur.IDsUnknown || nr.IDsUnknown
			}
		}
	}
	return into
}

func unionIDs(a, b []*big.Int) []*big.Int {
	seen := make(map[string]bool, len(a))
	for _, id := range a {
		seen[id.String()] = true
	}
	for _, id := range b {
		if !seen[id.String()] {
			seen[id.String()] = true
			a = append(a, id)
		}
	}
	return a
}

// kindRank orders fungible before unique-NFT before multi-NFT; native first.
func kindRank(k Kind) int {
	switch k {
	case Native:
		return 0
	case Fungible:
		return 1
	case NonFungibleUnique:
		return 2
	default:
		return 3
	}
}

// Sort orders records by descending USD value, then kind, then formatted
// balance. Stable so equal records keep discovery order.
func Sort(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.ValueUSD != b.ValueUSD {
			return a.ValueUSD > b.ValueUSD
		}
		if kindRank(a.Kind) != kindRank(b.Kind) {
			return kindRank(a.Kind) < kindRank(b.Kind)
		}
		fa, _ := new(big.Float).SetString(FormatUnits(a.Balance, a.Decimals))
		fb, _ := new(big.Float).SetString(FormatUnits(b.Balance, b.Decimals))
		if fa == nil || fb == nil {
			return false
		}
		return fa.Cmp(fb) > 0
	})
}

// FormatUnits renders a raw integer amount scaled by decimals.
func FormatUnits(raw *big.Int, decimals uint8) string {
	if raw == nil {
		return "0"
	}
	div := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	r := new(big.Rat).SetFrac(new(big.Int).Set(raw), div)
	return r.FloatString(6)
}
