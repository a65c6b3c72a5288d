package ethrpc

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	maxAttempts  = 3
	startBackoff = 200 * time.Millisecond
)

// RetryClient wraps an ethclient with a small fixed-attempt retry that
// doubles its backoff on provider rate limits (429 / -32005).
type RetryClient struct {
	ec *ethclient.Client
}

// Dial connects to url and wraps the client.
func Dial(url string) (*RetryClient, error) {
	ec, err := ethclient.Dial(url)
	if err != nil {
		return nil, err
	}
	return &RetryClient{ec: ec}, nil
}

// NewRetryClient wraps an existing ethclient.
func NewRetryClient(ec *ethclient.Client) *RetryClient {
	return &RetryClient{ec: ec}
}

func isRateLimit(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "Too Many Requests") || strings.Contains(s, "-32005")
}

func retry[T any](ctx context.Context, call func() (T, error)) (T, error) {
	var zero T
	backoff := startBackoff
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out, err := call()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff):
			}
			if isRateLimit(err) {
				backoff *= 2
			}
		}
	}
	return zero, lastErr
}

func (c *RetryClient) ChainID(ctx context.Context) (*big.Int, error) {
	return retry(ctx, func() (*big.Int, error) { return c.ec.ChainID(ctx) })
}

func (c *RetryClient) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	return retry(ctx, func() (*big.Int, error) { return c.ec.BalanceAt(ctx, account, nil) })
}

func (c *RetryClient) CodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return retry(ctx, func() ([]byte, error) { return c.ec.CodeAt(ctx, account, nil) })
}

func (c *RetryClient) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	return retry(ctx, func() ([]byte, error) { return c.ec.CallContract(ctx, msg, nil) })
}

func (c *RetryClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return retry(ctx, func() (uint64, error) { return c.ec.EstimateGas(ctx, msg) })
}

func (c *RetryClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return retry(ctx, func() (*big.Int, error) { return c.ec.SuggestGasTipCap(ctx) })
}

func (c *RetryClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return retry(ctx, func() (*types.Header, error) { return c.ec.HeaderByNumber(ctx, number) })
}

func (c *RetryClient) BlockNumber(ctx context.Context) (uint64, error) {
	return retry(ctx, func() (uint64, error) { return c.ec.BlockNumber(ctx) })
}

// FilterLogs fails fast on range-limit responses so the caller can shrink
// its window instead of burning retry attempts.
func (c *RetryClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	logs, err := c.ec.FilterLogs(ctx, q)
	if err != nil {
		if isRangeLimitMessage(err.Error()) {
			return nil, &RangeLimitError{cause: err}
		}
		return retry(ctx, func() ([]types.Log, error) { return c.ec.FilterLogs(ctx, q) })
	}
	return logs, nil
}

func (c *RetryClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return retry(ctx, func() (uint64, error) { return c.ec.PendingNonceAt(ctx, account) })
}

func (c *RetryClient) NonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return retry(ctx, func() (uint64, error) { return c.ec.NonceAt(ctx, account, nil) })
}

// SendTransaction is never retried: a resend after an ambiguous failure can
// double-spend the nonce.
func (c *RetryClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.ec.SendTransaction(ctx, tx)
}

func (c *RetryClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return c.ec.TransactionReceipt(ctx, txHash)
}
