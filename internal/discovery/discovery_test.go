package discovery

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmtrko/chain-rescue/internal/asset"
	"github.com/dmtrko/chain-rescue/internal/chain"
	"github.com/dmtrko/chain-rescue/internal/ethrpc"
	"github.com/dmtrko/chain-rescue/internal/explorer"
	"github.com/dmtrko/chain-rescue/internal/indexer"
)

var (
	testAccount  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testContract = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

// fakeClient implements ethrpc.Client with overridable behavior per method.
type fakeClient struct {
	balanceAt    func(common.Address) (*big.Int, error)
	callContract func(ethereum.CallMsg) ([]byte, error)
	filterLogs   func(ethereum.FilterQuery) ([]types.Log, error)
	blockNumber  func() (uint64, error)
}

func (f *fakeClient) ChainID(ctx context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (f *fakeClient) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	if f.balanceAt != nil {
		return f.balanceAt(account)
	}
	return big.NewInt(0), nil
}

func (f *fakeClient) CodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return []byte{0x60}, nil
}

func (f *fakeClient) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	if f.callContract != nil {
		return f.callContract(msg)
	}
	return nil, errors.New("execution reverted")
}

func (f *fakeClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 21000, nil
}

func (f *fakeClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (f *fakeClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(10)}, nil
}

func (f *fakeClient) BlockNumber(ctx context.Context) (uint64, error) {
	if f.blockNumber != nil {
		return f.blockNumber()
	}
	return 1_000_000, nil
}

func (f *fakeClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if f.filterLogs != nil {
		return f.filterLogs(q)
	}
	return nil, nil
}

func (f *fakeClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}

func (f *fakeClient) NonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}

func (f *fakeClient) SendTransaction(ctx context.Context, tx *types.Transaction) error { return nil }

func (f *fakeClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}

type fakeBatch struct {
	balances map[common.Address]*big.Int
	err      error
	calls    int
}

func (f *fakeBatch) Balances(ctx context.Context, network chain.Network, tokens []common.Address, owner common.Address) (map[common.Address]*big.Int, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.balances, nil
}

type fakeIndexer struct {
	tokenPages []indexer.TokensPage
	nftPages   []indexer.NFTsPage
	tokenCalls int
	nftCalls   int
	prices     map[common.Address]float64
}

func (f *fakeIndexer) TokensByOwner(ctx context.Context, network chain.Network, owner common.Address, cursor string) (*indexer.TokensPage, error) {
	i := f.tokenCalls
	f.tokenCalls++
	if i < len(f.tokenPages) {
		return &f.tokenPages[i], nil
	}
	return &indexer.TokensPage{}, nil
}

func (f *fakeIndexer) NFTsByOwner(ctx context.Context, network chain.Network, owner common.Address, cursor string) (*indexer.NFTsPage, error) {
	i := f.nftCalls
	f.nftCalls++
	if i < len(f.nftPages) {
		return &f.nftPages[i], nil
	}
	return &indexer.NFTsPage{}, nil
}

func (f *fakeIndexer) TokenPrice(ctx context.Context, network chain.Network, contract common.Address) (float64, bool, error) {
	if p, ok := f.prices[contract]; ok {
		return p, true, nil
	}
	return 0, false, nil
}

type fakeExplorer struct {
	rows  []explorer.TokenTransfer
	calls int
}

func (f *fakeExplorer) TokenTransfers(ctx context.Context, network chain.Network, account common.Address) ([]explorer.TokenTransfer, error) {
	f.calls++
	return f.rows, nil
}

func newTestEngine(t *testing.T, ec ethrpc.Client, batch BatchCaller, idx indexer.Client, exp explorer.Client) *Engine {
	t.Helper()
	reg := chain.NewRegistry(nil)
	return NewEngine(
		reg,
		func(chain.Network) (ethrpc.Client, error) { return ec, nil },
		batch,
		idx,
		exp,
		NewGuard(),
		NewScamFilter(),
		zerolog.Nop(),
	)
}

func TestDiscoverSkipsExpensiveTiersOnceTokensFound(t *testing.T) {
	ec := &fakeClient{
		balanceAt: func(common.Address) (*big.Int, error) { return big.NewInt(0), nil },
		filterLogs: func(ethereum.FilterQuery) ([]types.Log, error) {
			t.Fatal("log backfill must not run when earlier tiers found tokens")
			return nil, nil
		},
	}
	batch := &fakeBatch{balances: map[common.Address]*big.Int{
		testContract: big.NewInt(500),
	}}
	idx := &fakeIndexer{}
	exp := &fakeExplorer{}

	e := newTestEngine(t, ec, batch, idx, exp)
	recs := e.Discover(context.Background(), testAccount, chain.Ethereum)

	require.Len(t, recs, 1)
	assert.Equal(t, testContract, recs[0].Address)
	assert.Equal(t, 0, exp.calls, "explorer tier should be skipped")
}

func TestDiscoverFallsThroughToIndexer(t *testing.T) {
	ec := &fakeClient{}
	batch := &fakeBatch{balances: map[common.Address]*big.Int{}}
	idx := &fakeIndexer{tokenPages: []indexer.TokensPage{{
		Holdings: []indexer.TokenHolding{{
			Contract:   testContract,
			RawBalance: big.NewInt(1234),
			Decimals:   6,
			Symbol:     "USDX",
		}},
	}}}

	e := newTestEngine(t, ec, batch, idx, &fakeExplorer{})
	recs := e.Discover(context.Background(), testAccount, chain.Ethereum)

	require.Len(t, recs, 1)
	assert.Equal(t, asset.SourceIndexer, recs[0].Source)
	assert.Equal(t, "1234", recs[0].Balance.String())
}

func TestIndexerPaginationBounded(t *testing.T) {
	// every page carries a cursor; the loop must still stop at the page cap
	pages := make([]indexer.TokensPage, maxIndexerPages+5)
	for i := range pages {
		pages[i] = indexer.TokensPage{
			Holdings: []indexer.TokenHolding{{
				Contract:   common.BigToAddress(big.NewInt(int64(i + 1))),
				RawBalance: big.NewInt(1),
			}},
			Cursor: "more",
		}
	}
	idx := &fakeIndexer{tokenPages: pages}

	e := newTestEngine(t, &fakeClient{}, &fakeBatch{}, idx, nil)
	p := &pass{account: testAccount, network: chain.Ethereum, ec: &fakeClient{}}

	err := e.runIndexerQuery(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, maxIndexerPages, idx.tokenCalls)
}

func TestIndexerEmptyPageWithCursorTerminates(t *testing.T) {
	idx := &fakeIndexer{tokenPages: []indexer.TokensPage{
		{Cursor: "keeps-pointing-somewhere"},
		{Cursor: "never-reached"},
	}}

	e := newTestEngine(t, &fakeClient{}, &fakeBatch{}, idx, nil)
	p := &pass{account: testAccount, network: chain.Ethereum, ec: &fakeClient{}}

	err := e.runIndexerQuery(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, 1, idx.tokenCalls, "empty page must end the listing despite its cursor")
}

func TestScanChunkedHalvesOnRangeLimit(t *testing.T) {
	maxSpan := uint64(500)
	var spans []uint64
	ec := &fakeClient{
		filterLogs: func(q ethereum.FilterQuery) ([]types.Log, error) {
			span := q.ToBlock.Uint64() - q.FromBlock.Uint64() + 1
			spans = append(spans, span)
			if span > maxSpan {
				return nil, ethrpc.NewRangeLimitError(errors.New("block range too wide"))
			}
			return nil, nil
		},
	}

	e := newTestEngine(t, ec, &fakeBatch{}, nil, nil)
	p := &pass{
		account: testAccount,
		network: chain.Ethereum,
		cfg:     chain.Config{LogRange: 2_000},
		ec:      ec,
	}

	_, err := e.scanChunked(context.Background(), p, ethereum.FilterQuery{}, 0, 3_999)
	require.NoError(t, err)

	for _, span := range spans[len(spans)-3:] {
		assert.LessOrEqual(t, span, maxSpan)
	}
	// 2000 rejected, 1000 rejected, then 500-block windows accepted
	assert.Equal(t, uint64(2_000), spans[0])
	assert.Equal(t, uint64(1_000), spans[1])
	assert.Equal(t, uint64(500), spans[2])
}

func TestScanChunkedPropagatesOtherErrors(t *testing.T) {
	boom := errors.New("connection refused")
	ec := &fakeClient{
		filterLogs: func(ethereum.FilterQuery) ([]types.Log, error) { return nil, boom },
	}
	e := newTestEngine(t, ec, &fakeBatch{}, nil, nil)
	p := &pass{cfg: chain.Config{LogRange: 1_000}, ec: ec}

	_, err := e.scanChunked(context.Background(), p, ethereum.FilterQuery{}, 0, 10)
	assert.ErrorIs(t, err, boom)
}

func TestDiscoverIdempotent(t *testing.T) {
	ec := &fakeClient{
		balanceAt: func(common.Address) (*big.Int, error) { return big.NewInt(7e15), nil },
	}
	batch := &fakeBatch{balances: map[common.Address]*big.Int{testContract: big.NewInt(42)}}

	e := newTestEngine(t, ec, batch, nil, nil)
	first := e.Discover(context.Background(), testAccount, chain.Ethereum)
	second := e.Discover(context.Background(), testAccount, chain.Ethereum)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Address, second[i].Address)
		assert.Equal(t, first[i].Balance.String(), second[i].Balance.String())
	}
}

func TestNativeZeroBalanceOmitted(t *testing.T) {
	ec := &fakeClient{
		balanceAt: func(common.Address) (*big.Int, error) { return big.NewInt(0), nil },
	}
	e := newTestEngine(t, ec, &fakeBatch{}, nil, nil)
	recs := e.Discover(context.Background(), testAccount, chain.Ethereum)
	for _, r := range recs {
		assert.NotEqual(t, asset.Native, r.Kind)
	}
}

func TestGuardEnforcesMinInterval(t *testing.T) {
	g := NewGuard()
	now := time.Unix(1_700_000_000, 0)
	g.now = func() time.Time { return now }

	assert.True(t, g.Allow(testAccount, chain.Ethereum))
	assert.False(t, g.Allow(testAccount, chain.Ethereum))

	// another network is tracked independently
	assert.True(t, g.Allow(testAccount, chain.BSC))

	now = now.Add(indexerMinInterval)
	assert.True(t, g.Allow(testAccount, chain.Ethereum))
}

func TestScamFilterLenientNeedsTwoSignals(t *testing.T) {
	f := NewScamFilter()
	rec := asset.Record{
		Kind:    asset.Fungible,
		Name:    "Visit rewards-site.xyz to claim",
		Balance: big.NewInt(1),
	}
	assert.True(t, f.Suspicious(rec, false), "one signal flags in strict mode")
	assert.False(t, f.Suspicious(rec, true), "lenient mode needs corroboration")

	rec.Balance = new(big.Int).Exp(big.NewInt(10), big.NewInt(36), nil)
	assert.True(t, f.Suspicious(rec, true), "two signals flag even in lenient mode")
}

func TestScamFilterLenientPassesUnpricedIndexerToken(t *testing.T) {
	f := NewScamFilter()
	rec := asset.Record{
		Kind:    asset.Fungible,
		Name:    "SomeDeFi",
		Symbol:  "SDF",
		Balance: big.NewInt(1_000),
		Source:  asset.SourceIndexer,
	}
	// missing price data is routine on spam-heavy networks and must not
	// flag a token on its own there
	assert.False(t, f.Suspicious(rec, true))
	assert.True(t, f.Suspicious(rec, false))
}

func TestScamFilterIgnoresNonFungible(t *testing.T) {
	f := NewScamFilter()
	rec := asset.Record{Kind: asset.NonFungibleUnique, Name: "claim airdrop at scam.xyz"}
	assert.False(t, f.Suspicious(rec, true))
}
