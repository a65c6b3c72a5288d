package asset

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	tokenA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tokenB = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

func TestMergeKeepsOneRecordPerContract(t *testing.T) {
	recs := Merge(nil,
		Record{Address: tokenA, Kind: Fungible, Balance: big.NewInt(100), Source: SourceIndexer, Name: "Alpha"},
		Record{Address: tokenB, Kind: Fungible, Balance: big.NewInt(5), Source: SourceIndexer},
	)
	recs = Merge(recs,
		Record{Address: tokenA, Kind: Fungible, Balance: big.NewInt(120), Source: SourceMulticall},
	)

	require.Len(t, recs, 2)
	seen := map[common.Address]bool{}
	for _, r := range recs {
		assert.False(t, seen[r.Address], "duplicate record for %s", r.Address)
		seen[r.Address] = true
	}
}

func TestMergeOnChainBalanceOutranksIndexer(t *testing.T) {
	recs := Merge(nil, Record{Address: tokenA, Kind: Fungible, Balance: big.NewInt(100), Source: SourceIndexer, Name: "Alpha", PriceUSD: 2})
	recs = Merge(recs, Record{Address: tokenA, Kind: Fungible, Balance: big.NewInt(90), Source: SourceMulticall})

	require.Len(t, recs, 1)
	assert.Equal(t, big.NewInt(90), recs[0].Balance)
	assert.Equal(t, SourceMulticall, recs[0].Source)
	// earliest-found metadata is kept
	assert.Equal(t, "Alpha", recs[0].Name)
	assert.Equal(t, 2.0, recs[0].PriceUSD)
}

func TestMergeIndexerBalanceDoesNotOverrideOnChain(t *testing.T) {
	recs := Merge(nil, Record{Address: tokenA, Kind: Fungible, Balance: big.NewInt(90), Source: SourceMulticall})
	recs = Merge(recs, Record{Address: tokenA, Kind: Fungible, Balance: big.NewInt(100), Source: SourceIndexer})

	require.Len(t, recs, 1)
	assert.Equal(t, big.NewInt(90), recs[0].Balance)
}

func TestMergeUnionsTokenIDs(t *testing.T) {
	recs := Merge(nil, Record{Address: tokenA, Kind: NonFungibleUnique, TokenIDs: []*big.Int{big.NewInt(1), big.NewInt(2)}, Source: SourceIndexer})
	recs = Merge(recs, Record{Address: tokenA, Kind: NonFungibleUnique, TokenIDs: []*big.Int{big.NewInt(2), big.NewInt(7)}, Source: SourceLogs})

	require.Len(t, recs, 1)
	require.Len(t, recs[0].TokenIDs, 3)
	assert.Equal(t, "1", recs[0].TokenIDs[0].String())
	assert.Equal(t, "2", recs[0].TokenIDs[1].String())
	assert.Equal(t, "7", recs[0].TokenIDs[2].String())
	assert.False(t, recs[0].IDsUnknown)
}

func TestMergeResolvesUnknownIDs(t *testing.T) {
	recs := Merge(nil, Record{Address: tokenA, Kind: NonFungibleUnique, IDsUnknown: true, Source: SourceExplorer})
	recs = Merge(recs, Record{Address: tokenA, Kind: NonFungibleUnique, TokenIDs: []*big.Int{big.NewInt(3)}, Source: SourceIndexer})

	require.Len(t, recs, 1)
	assert.False(t, recs[0].IDsUnknown)
	require.Len(t, recs[0].TokenIDs, 1)
}

func TestSortOrdersByValueThenKindThenBalance(t *testing.T) {
	recs := []Record{
		{Address: tokenA, Kind: NonFungibleUnique, ValueUSD: 10, TokenIDs: []*big.Int{big.NewInt(1)}},
		{Address: tokenB, Kind: Fungible, ValueUSD: 10, Balance: big.NewInt(1), Decimals: 0},
		{Address: common.HexToAddress("0xcc"), Kind: Fungible, ValueUSD: 500, Balance: big.NewInt(1), Decimals: 0},
		{Address: common.HexToAddress("0xdd"), Kind: Fungible, ValueUSD: 10, Balance: big.NewInt(9), Decimals: 0},
	}
	Sort(recs)

	assert.Equal(t, 500.0, recs[0].ValueUSD)
	// equal value: fungible sorts before unique NFTs, bigger balance first
	assert.Equal(t, Fungible, recs[1].Kind)
	assert.Equal(t, big.NewInt(9), recs[1].Balance)
	assert.Equal(t, Fungible, recs[2].Kind)
	assert.Equal(t, NonFungibleUnique, recs[3].Kind)
}

func TestFormatUnits(t *testing.T) {
	assert.Equal(t, "1.500000", FormatUnits(big.NewInt(1_500_000), 6))
	assert.Equal(t, "0", FormatUnits(nil, 18))
	assert.Equal(t, "42.000000", FormatUnits(big.NewInt(42), 0))
}

func TestHasBalance(t *testing.T) {
	assert.False(t, Record{Kind: Fungible, Balance: big.NewInt(0)}.HasBalance())
	assert.True(t, Record{Kind: Fungible, Balance: big.NewInt(1)}.HasBalance())
	assert.True(t, Record{Kind: NonFungibleUnique, IDsUnknown: true}.HasBalance())
	assert.False(t, Record{Kind: NonFungibleMulti}.HasBalance())
}
