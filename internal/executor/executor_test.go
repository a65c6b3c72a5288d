package executor

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmtrko/chain-rescue/internal/asset"
	"github.com/dmtrko/chain-rescue/internal/bundle"
	"github.com/dmtrko/chain-rescue/internal/chain"
	"github.com/dmtrko/chain-rescue/internal/ethrpc"
	"github.com/dmtrko/chain-rescue/internal/evm"
	"github.com/dmtrko/chain-rescue/internal/fees"
)

var testToken = common.HexToAddress("0x3333333333333333333333333333333333333333")

type fakeClient struct {
	nativeBalance  *big.Int
	tokenBalance   *big.Int
	receiptFailed  bool
	estimateGasErr error

	sent []*types.Transaction
}

func (f *fakeClient) ChainID(ctx context.Context) (*big.Int, error) { return big.NewInt(56), nil }

func (f *fakeClient) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	if f.nativeBalance == nil {
		return big.NewInt(0), nil
	}
	return f.nativeBalance, nil
}

func (f *fakeClient) CodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return []byte{0x60}, nil
}

func (f *fakeClient) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	data := msg.Data
	switch {
	case bytes.HasPrefix(data, evm.SelBalanceOf):
		if f.tokenBalance == nil {
			return common.LeftPadBytes(nil, 32), nil
		}
		return common.LeftPadBytes(f.tokenBalance.Bytes(), 32), nil
	case bytes.HasPrefix(data, evm.SelTransfer):
		// preflight succeeds
		return common.LeftPadBytes(big.NewInt(1).Bytes(), 32), nil
	default:
		// restriction probes: view not implemented
		return nil, errors.New("execution reverted")
	}
}

func (f *fakeClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if f.estimateGasErr != nil {
		return 0, f.estimateGasErr
	}
	return 50_000, nil
}

func (f *fakeClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(5_000_000_000)}, nil
}

func (f *fakeClient) BlockNumber(ctx context.Context) (uint64, error) { return 1_000_000, nil }

func (f *fakeClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (f *fakeClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return uint64(len(f.sent)), nil
}

func (f *fakeClient) NonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return uint64(len(f.sent)), nil
}

func (f *fakeClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	// ReceiptStatusFailed is the zero value, so model failure explicitly
	status := types.ReceiptStatusSuccessful
	if f.receiptFailed {
		status = types.ReceiptStatusFailed
	}
	return &types.Receipt{Status: status, TxHash: txHash}, nil
}

func newTestExecutor(t *testing.T, ec ethrpc.Client) (*Executor, *chain.Registry) {
	t.Helper()
	reg := chain.NewRegistry(nil)
	clientFn := func(chain.Network) (ethrpc.Client, error) { return ec, nil }
	strat := fees.NewStrategy(reg, clientFn, zerolog.Nop())
	return New(reg, clientFn, strat, nil, zerolog.Nop()), reg
}

func testRequest(t *testing.T, rec asset.Record) Request {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return Request{
		Network:        chain.BSC,
		Asset:          rec,
		Destination:    common.HexToAddress("0x4444444444444444444444444444444444444444"),
		CompromisedKey: key,
	}
}

func TestNativeSkippedWhenBalanceBelowGasReserve(t *testing.T) {
	ec := &fakeClient{nativeBalance: big.NewInt(1_000)}
	x, _ := newTestExecutor(t, ec)

	out := x.Transfer(context.Background(), testRequest(t, asset.Record{
		Address: asset.ZeroAddress,
		Kind:    asset.Native,
		Balance: big.NewInt(1_000),
	}))

	assert.Equal(t, StatusSkipped, out.Status)
	assert.Empty(t, ec.sent, "no transaction may be broadcast")
}

func TestNativeSweepsBalanceMinusReserve(t *testing.T) {
	ov := fees.Compute(big.NewInt(5_000_000_000), big.NewInt(1_000_000_000), 1.1)
	reserve := new(big.Int).Mul(big.NewInt(21_000), ov.MaxFeePerGas)
	balance := new(big.Int).Add(reserve, big.NewInt(777))

	ec := &fakeClient{nativeBalance: balance}
	x, _ := newTestExecutor(t, ec)

	out := x.Transfer(context.Background(), testRequest(t, asset.Record{
		Address: asset.ZeroAddress,
		Kind:    asset.Native,
		Balance: balance,
	}))

	require.Equal(t, StatusSuccess, out.Status)
	require.Len(t, ec.sent, 1)
	assert.Equal(t, "777", ec.sent[0].Value().String())
	assert.Equal(t, "777", out.Amount.String())
}

func TestFungibleClampsToLiveBalance(t *testing.T) {
	// discovery saw 1000 but 600 left the account since
	ec := &fakeClient{tokenBalance: big.NewInt(400)}
	x, _ := newTestExecutor(t, ec)

	out := x.Transfer(context.Background(), testRequest(t, asset.Record{
		Address: testToken,
		Kind:    asset.Fungible,
		Balance: big.NewInt(1_000),
	}))

	require.Equal(t, StatusSuccess, out.Status)
	require.Len(t, ec.sent, 1)
	sentAmount := new(big.Int).SetBytes(ec.sent[0].Data()[36:68])
	assert.Equal(t, "400", sentAmount.String())
}

func TestFungibleKeepsSmallerRecordedAmount(t *testing.T) {
	ec := &fakeClient{tokenBalance: big.NewInt(900)}
	x, _ := newTestExecutor(t, ec)

	out := x.Transfer(context.Background(), testRequest(t, asset.Record{
		Address: testToken,
		Kind:    asset.Fungible,
		Balance: big.NewInt(300),
	}))

	require.Equal(t, StatusSuccess, out.Status)
	sentAmount := new(big.Int).SetBytes(ec.sent[0].Data()[36:68])
	assert.Equal(t, "300", sentAmount.String())
}

func TestFungibleZeroLiveBalanceSkipped(t *testing.T) {
	ec := &fakeClient{tokenBalance: big.NewInt(0)}
	x, _ := newTestExecutor(t, ec)

	out := x.Transfer(context.Background(), testRequest(t, asset.Record{
		Address: testToken,
		Kind:    asset.Fungible,
		Balance: big.NewInt(1_000),
	}))

	assert.Equal(t, StatusSkipped, out.Status)
	assert.Empty(t, ec.sent)
}

func TestSuspectedTokenNeverTransferred(t *testing.T) {
	ec := &fakeClient{tokenBalance: big.NewInt(1_000)}
	x, _ := newTestExecutor(t, ec)

	out := x.Transfer(context.Background(), testRequest(t, asset.Record{
		Address:   testToken,
		Kind:      asset.Fungible,
		Balance:   big.NewInt(1_000),
		Suspected: true,
	}))

	assert.Equal(t, StatusSkipped, out.Status)
	assert.Empty(t, ec.sent)
}

func TestRevertedReceiptReportsFailure(t *testing.T) {
	ec := &fakeClient{
		tokenBalance:  big.NewInt(100),
		receiptFailed: true,
	}
	x, _ := newTestExecutor(t, ec)

	out := x.Transfer(context.Background(), testRequest(t, asset.Record{
		Address: testToken,
		Kind:    asset.Fungible,
		Balance: big.NewInt(100),
	}))

	assert.Equal(t, StatusFailed, out.Status)
	assert.Contains(t, out.Detail, "reverted")
}

func TestFailedGasEstimateFallsBackToBufferedDefault(t *testing.T) {
	ec := &fakeClient{
		nativeBalance:  big.NewInt(1_000_000_000_000_000_000),
		tokenBalance:   big.NewInt(100),
		estimateGasErr: errors.New("execution reverted"),
	}
	x, reg := newTestExecutor(t, ec)

	out := x.Transfer(context.Background(), testRequest(t, asset.Record{
		Address: testToken,
		Kind:    asset.Fungible,
		Balance: big.NewInt(100),
	}))

	require.Equal(t, StatusSuccess, out.Status)
	require.Len(t, ec.sent, 1)
	cfg, err := reg.Get(chain.BSC)
	require.NoError(t, err)
	def := cfg.GasDefault(chain.OpERC20)
	assert.Equal(t, def+def*gasBufferPct/100, ec.sent[0].Gas(),
		"the static fallback carries the same buffer as a successful estimate")
}

func TestUnknownNFTIDsSkippedWithoutResolver(t *testing.T) {
	ec := &fakeClient{}
	x, _ := newTestExecutor(t, ec)

	out := x.Transfer(context.Background(), testRequest(t, asset.Record{
		Address:    testToken,
		Kind:       asset.NonFungibleUnique,
		IDsUnknown: true,
	}))

	assert.Equal(t, StatusSkipped, out.Status)
}

type fakeBundler struct {
	params   []bundle.Params
	included bool
	reason   string
}

func (f *fakeBundler) Run(ctx context.Context, p bundle.Params) (bundle.Result, error) {
	f.params = append(f.params, p)
	return bundle.Result{Included: f.included, Reason: f.reason, TxHash: common.HexToHash("0xbeef")}, nil
}

func TestGaslessFungibleGoesThroughSponsoredBundle(t *testing.T) {
	ec := &fakeClient{nativeBalance: big.NewInt(0), tokenBalance: big.NewInt(500)}
	x, _ := newTestExecutor(t, ec)
	b := &fakeBundler{included: true}
	x.WithBundler(b, "https://relay.example", nil)

	req := testRequest(t, asset.Record{Address: testToken, Kind: asset.Fungible, Balance: big.NewInt(500)})
	sponsor, err := crypto.GenerateKey()
	require.NoError(t, err)
	req.SponsorKey = sponsor

	out := x.Transfer(context.Background(), req)
	require.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, "sponsored bundle", out.Detail)
	require.Len(t, b.params, 1)
	assert.Zero(t, b.params[0].Amount.Cmp(big.NewInt(500)))
	assert.Equal(t, "https://relay.example", b.params[0].RelayURL)
	// nothing touches the public mempool
	assert.Empty(t, ec.sent)
}

func TestSponsoredBundleNotIncludedReportsFailure(t *testing.T) {
	ec := &fakeClient{nativeBalance: big.NewInt(0), tokenBalance: big.NewInt(500)}
	x, _ := newTestExecutor(t, ec)
	x.WithBundler(&fakeBundler{included: false, reason: "no inclusion in window"}, "https://relay.example", nil)

	req := testRequest(t, asset.Record{Address: testToken, Kind: asset.Fungible, Balance: big.NewInt(500)})
	sponsor, err := crypto.GenerateKey()
	require.NoError(t, err)
	req.SponsorKey = sponsor

	out := x.Transfer(context.Background(), req)
	require.Equal(t, StatusFailed, out.Status)
	assert.Contains(t, out.Detail, "no inclusion in window")
}
