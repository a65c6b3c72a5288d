package solrescue

import (
	"context"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRPC struct {
	balance       uint64
	accounts      []TokenAccount
	rent          uint64
	fee           uint64
	existingATAs  map[solana.PublicKey]bool
	simFailures   int // fail this many simulations before succeeding
	simAlwaysFail bool

	simCalls  int
	sent      []*solana.Transaction
	transfers []uint64 // lamport amounts of simulated system transfers
}

func (f *fakeRPC) Balance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	return f.balance, nil
}

func (f *fakeRPC) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	return solana.Hash{1}, nil
}

func (f *fakeRPC) TokenAccounts(ctx context.Context, owner solana.PublicKey) ([]TokenAccount, error) {
	var live []TokenAccount
	for _, a := range f.accounts {
		if a.Amount > 0 {
			live = append(live, a)
		}
	}
	return live, nil
}

func (f *fakeRPC) RentExemptBalance(ctx context.Context, dataSize uint64) (uint64, error) {
	return f.rent, nil
}

func (f *fakeRPC) FeeForMessage(ctx context.Context, msg *solana.Message) (uint64, error) {
	if f.fee == 0 {
		return 5_000, nil
	}
	return f.fee, nil
}

func (f *fakeRPC) AccountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	return f.existingATAs[account], nil
}

func (f *fakeRPC) Simulate(ctx context.Context, tx *solana.Transaction) error {
	f.simCalls++
	if f.simAlwaysFail {
		return errors.New("simulation failed: InsufficientFundsForRent")
	}
	if f.simFailures > 0 {
		f.simFailures--
		return errors.New("simulation failed: transient")
	}
	return nil
}

func (f *fakeRPC) Send(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	f.sent = append(f.sent, tx)
	return solana.Signature{byte(len(f.sent))}, nil
}

func testKeys(t *testing.T) (solana.PrivateKey, solana.PublicKey) {
	t.Helper()
	compromised, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	safe, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return compromised, safe.PublicKey()
}

func TestPreSweepMovesExactExcess(t *testing.T) {
	compromised, dest := testKeys(t)
	rpc := &fakeRPC{balance: 50_000_000, fee: 5_000}
	r := NewRescuer(rpc, zerolog.Nop())

	swept, _, err := r.preSweep(context.Background(), compromised, dest, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(50_000_000-retentionLamports-5_000-safetyBuffer), swept)
	require.Len(t, rpc.sent, 1)
}

func TestPreSweepSubtractsEstimatedFee(t *testing.T) {
	compromised, dest := testKeys(t)
	rpc := &fakeRPC{balance: 20_000_000, fee: 5_000}
	r := NewRescuer(rpc, zerolog.Nop())

	swept, _, err := r.preSweep(context.Background(), compromised, dest, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(9_495_000), swept)
}

func TestFinalSweepSubtractsEstimatedFee(t *testing.T) {
	compromised, dest := testKeys(t)
	rpc := &fakeRPC{balance: 1_000_000, fee: 5_000}
	r := NewRescuer(rpc, zerolog.Nop())

	swept, _, err := r.finalSweep(context.Background(), compromised, dest, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000-5_000-safetyBuffer), swept)
}

func TestPreSweepSkipsSmallBalance(t *testing.T) {
	compromised, dest := testKeys(t)
	rpc := &fakeRPC{balance: retentionLamports} // nothing above the floor
	r := NewRescuer(rpc, zerolog.Nop())

	swept, _, err := r.preSweep(context.Background(), compromised, dest, 0)
	require.NoError(t, err)
	assert.Zero(t, swept)
	assert.Empty(t, rpc.sent)
}

func TestSendLamportsAbandonsAfterFiveSimulations(t *testing.T) {
	compromised, dest := testKeys(t)
	rpc := &fakeRPC{balance: 50_000_000, simAlwaysFail: true}
	r := NewRescuer(rpc, zerolog.Nop())

	_, _, err := r.sendLamports(context.Background(), compromised, dest, 20_000_000, 0)
	assert.ErrorIs(t, err, ErrAbandoned)
	assert.Equal(t, maxSimAttempts, rpc.simCalls)
	assert.Empty(t, rpc.sent, "an abandoned transfer must never broadcast")
}

func TestSendLamportsStepsDownUntilSimulationPasses(t *testing.T) {
	compromised, dest := testKeys(t)
	rpc := &fakeRPC{balance: 50_000_000, simFailures: 2}
	r := NewRescuer(rpc, zerolog.Nop())

	sent, _, err := r.sendLamports(context.Background(), compromised, dest, 20_000_000, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(20_000_000-2*stepDecrement), sent)
	require.Len(t, rpc.sent, 1)
}

func TestTokenRescueClosesAccounts(t *testing.T) {
	compromised, dest := testKeys(t)
	mint, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	srcATA, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	destATA, _, err := solana.FindAssociatedTokenAddress(dest, mint.PublicKey())
	require.NoError(t, err)

	rpc := &fakeRPC{
		balance: 50_000_000,
		rent:    2_039_280,
		accounts: []TokenAccount{
			{Address: srcATA.PublicKey(), Mint: mint.PublicKey(), Amount: 1_000_000},
		},
		existingATAs: map[solana.PublicKey]bool{destATA: true},
	}
	r := NewRescuer(rpc, zerolog.Nop())

	var sum Summary
	err = r.rescueTokens(context.Background(), compromised, dest, 0, &sum)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.TokensRescued)
	assert.Equal(t, 1, sum.AccountsClosed)
	require.Len(t, rpc.sent, 1)
}

func TestTokenRescuePostponesWhenRentUnaffordable(t *testing.T) {
	compromised, dest := testKeys(t)
	mint, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	srcATA, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	rpc := &fakeRPC{
		balance: 1_000, // cannot fund a new destination account
		rent:    2_039_280,
		accounts: []TokenAccount{
			{Address: srcATA.PublicKey(), Mint: mint.PublicKey(), Amount: 500},
		},
		existingATAs: map[solana.PublicKey]bool{},
	}
	r := NewRescuer(rpc, zerolog.Nop())

	var sum Summary
	err = r.rescueTokens(context.Background(), compromised, dest, 0, &sum)
	require.NoError(t, err)
	assert.Zero(t, sum.TokensRescued)
	assert.Equal(t, 1, sum.TokensPostponed)
	assert.Empty(t, rpc.sent, "a postponed rescue must not transact")
}

func TestTokenRescueStopsOnZeroProgress(t *testing.T) {
	compromised, dest := testKeys(t)
	mint, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	srcATA, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	rpc := &fakeRPC{
		balance: 1_000,
		rent:    2_039_280,
		accounts: []TokenAccount{
			{Address: srcATA.PublicKey(), Mint: mint.PublicKey(), Amount: 500},
		},
		existingATAs: map[solana.PublicKey]bool{},
	}
	r := NewRescuer(rpc, zerolog.Nop())

	var sum Summary
	require.NoError(t, r.rescueTokens(context.Background(), compromised, dest, 0, &sum))
	// one pass postpones, makes no progress and the loop ends; a second
	// pass would double the simulation/balance traffic for nothing
	assert.Zero(t, rpc.simCalls)
	assert.Empty(t, rpc.sent)
}

func TestRescueCancelledContextSurfaces(t *testing.T) {
	compromised, dest := testKeys(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rpc := &fakeRPC{balance: 50_000_000}
	r := NewRescuer(rpc, zerolog.Nop())

	_, err := r.Rescue(ctx, compromised, dest)
	assert.ErrorIs(t, err, context.Canceled)
}
