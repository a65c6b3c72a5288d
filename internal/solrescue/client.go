package solrescue

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
)

// TokenAccount is one SPL holding on the compromised wallet.
type TokenAccount struct {
	Address solana.PublicKey
	Mint    solana.PublicKey
	Amount  uint64
}

// Client abstracts the Solana RPC surface the rescue consumes. Tests
// substitute it with fakes.
type Client interface {
	Balance(ctx context.Context, account solana.PublicKey) (uint64, error)
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	TokenAccounts(ctx context.Context, owner solana.PublicKey) ([]TokenAccount, error)
	RentExemptBalance(ctx context.Context, dataSize uint64) (uint64, error)
	FeeForMessage(ctx context.Context, msg *solana.Message) (uint64, error)
	AccountExists(ctx context.Context, account solana.PublicKey) (bool, error)
	Simulate(ctx context.Context, tx *solana.Transaction) error
	Send(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
}

// rpcClient adapts gagliardetto's client to the Client interface.
type rpcClient struct {
	c *rpc.Client
}

// Dial probes endpoints in order and returns a client for the first healthy
// one. Public Solana endpoints degrade often enough that a fixed single
// endpoint is not workable.
func Dial(ctx context.Context, endpoints []string) (Client, error) {
	var lastErr error
	for _, ep := range endpoints {
		c := rpc.New(ep)
		out, err := c.GetHealth(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		if out == rpc.HealthOk {
			return &rpcClient{c: c}, nil
		}
		lastErr = fmt.Errorf("endpoint %s unhealthy: %s", ep, out)
	}
	if lastErr == nil {
		lastErr = errors.New("no endpoints configured")
	}
	return nil, fmt.Errorf("no healthy solana endpoint: %w", lastErr)
}

func (r *rpcClient) Balance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	out, err := r.c.GetBalance(ctx, account, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, err
	}
	return out.Value, nil
}

func (r *rpcClient) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	out, err := r.c.GetLatestBlockhash(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return solana.Hash{}, err
	}
	return out.Value.Blockhash, nil
}

func (r *rpcClient) TokenAccounts(ctx context.Context, owner solana.PublicKey) ([]TokenAccount, error) {
	out, err := r.c.GetTokenAccountsByOwner(ctx, owner,
		&rpc.GetTokenAccountsConfig{ProgramId: &token.ProgramID},
		&rpc.GetTokenAccountsOpts{Encoding: solana.EncodingBase64, Commitment: rpc.CommitmentConfirmed},
	)
	if err != nil {
		return nil, err
	}
	accounts := make([]TokenAccount, 0, len(out.Value))
	for _, v := range out.Value {
		var acc token.Account
		if err := bin.NewBinDecoder(v.Account.Data.GetBinary()).Decode(&acc); err != nil {
			continue
		}
		accounts = append(accounts, TokenAccount{
			Address: v.Pubkey,
			Mint:    acc.Mint,
			Amount:  acc.Amount,
		})
	}
	return accounts, nil
}

func (r *rpcClient) RentExemptBalance(ctx context.Context, dataSize uint64) (uint64, error) {
	return r.c.GetMinimumBalanceForRentExemption(ctx, dataSize, rpc.CommitmentConfirmed)
}

func (r *rpcClient) FeeForMessage(ctx context.Context, msg *solana.Message) (uint64, error) {
	raw, err := msg.MarshalBinary()
	if err != nil {
		return 0, err
	}
	out, err := r.c.GetFeeForMessage(ctx, base64.StdEncoding.EncodeToString(raw), rpc.CommitmentConfirmed)
	if err != nil {
		return 0, err
	}
	if out.Value == nil {
		return 0, errors.New("fee not available for message")
	}
	return *out.Value, nil
}

func (r *rpcClient) AccountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	_, err := r.c.GetAccountInfo(ctx, account)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *rpcClient) Simulate(ctx context.Context, tx *solana.Transaction) error {
	out, err := r.c.SimulateTransaction(ctx, tx)
	if err != nil {
		return err
	}
	if out.Value != nil && out.Value.Err != nil {
		return fmt.Errorf("simulation failed: %v", out.Value.Err)
	}
	return nil
}

func (r *rpcClient) Send(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	return r.c.SendTransaction(ctx, tx)
}
