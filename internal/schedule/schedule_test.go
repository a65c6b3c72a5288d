package schedule

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmtrko/chain-rescue/internal/asset"
	"github.com/dmtrko/chain-rescue/internal/chain"
)

var (
	tokenA = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	tokenB = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	tokenC = common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc")
)

func rec(addr common.Address, usd float64, raw int64) asset.Record {
	return asset.Record{Address: addr, Kind: asset.Fungible, Balance: big.NewInt(raw), ValueUSD: usd}
}

func TestMaximumDirectiveBeatsValue(t *testing.T) {
	assets := []asset.Record{
		rec(tokenC, 10_000, 1),
		rec(tokenA, 1, 1),
		rec(tokenB, 2, 1),
	}
	dirs := []Directive{
		{Contract: tokenA, Network: chain.Ethereum, Tier: TierMaximum},
		{Contract: tokenB, Network: chain.Ethereum, Tier: TierNormal},
	}

	got := Order(assets, dirs)

	require.Len(t, got, 3)
	assert.Equal(t, tokenA, got[0].Address)
	assert.Equal(t, tokenB, got[1].Address)
	assert.Equal(t, tokenC, got[2].Address)
}

func TestAllMaximumMatchesPrecedeNonMatches(t *testing.T) {
	assets := []asset.Record{
		rec(tokenC, 500, 1),
		rec(tokenB, 100, 1),
		rec(tokenA, 0.5, 1),
	}
	dirs := []Directive{
		{Contract: tokenA, Tier: TierMaximum},
		{Contract: tokenB, Tier: TierMaximum},
	}

	got := Order(assets, dirs)

	matched := map[common.Address]bool{tokenA: true, tokenB: true}
	boundary := -1
	for i, r := range got {
		if !matched[r.Address] {
			boundary = i
			break
		}
	}
	require.NotEqual(t, -1, boundary)
	for _, r := range got[boundary:] {
		assert.False(t, matched[r.Address], "matching asset after non-matching one")
	}
	// directive order is preserved among matches
	assert.Equal(t, tokenA, got[0].Address)
	assert.Equal(t, tokenB, got[1].Address)
}

func TestRestOrderedByValueThenRawBalance(t *testing.T) {
	assets := []asset.Record{
		rec(tokenA, 5, 10),
		rec(tokenB, 5, 90),
		rec(tokenC, 7, 1),
	}

	got := Order(assets, nil)

	require.Len(t, got, 3)
	assert.Equal(t, tokenC, got[0].Address)
	assert.Equal(t, tokenB, got[1].Address)
	assert.Equal(t, tokenA, got[2].Address)
}

func TestDirectiveForUnknownContractIsIgnored(t *testing.T) {
	assets := []asset.Record{rec(tokenA, 1, 1)}
	dirs := []Directive{{Contract: tokenB, Tier: TierMaximum}}

	got := Order(assets, dirs)

	require.Len(t, got, 1)
	assert.Equal(t, tokenA, got[0].Address)
}

func TestOrderIsDeterministic(t *testing.T) {
	assets := []asset.Record{
		rec(tokenA, 5, 10),
		rec(tokenB, 5, 10),
	}
	first := Order(assets, nil)
	for i := 0; i < 10; i++ {
		again := Order(assets, nil)
		require.Equal(t, first, again)
	}
}

func TestMaximumFor(t *testing.T) {
	dirs := []Directive{
		{Contract: tokenA, Network: chain.Ethereum, Tier: TierMaximum},
		{Contract: tokenB, Network: chain.BSC, Tier: TierMaximum},
		{Contract: tokenC, Network: chain.Ethereum, Tier: TierNormal},
	}
	got := MaximumFor(dirs, chain.Ethereum)
	require.Len(t, got, 1)
	assert.Equal(t, tokenA, got[0].Contract)
}

func TestParseTier(t *testing.T) {
	tier, ok := ParseTier("MAX")
	assert.True(t, ok)
	assert.Equal(t, TierMaximum, tier)

	tier, ok = ParseTier("")
	assert.True(t, ok)
	assert.Equal(t, TierNormal, tier)

	_, ok = ParseTier("urgent")
	assert.False(t, ok)
}
