package discovery

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lmittmann/w3"
	"github.com/lmittmann/w3/module/eth"
	"github.com/lmittmann/w3/w3types"

	"github.com/dmtrko/chain-rescue/internal/chain"
)

var funcBalanceOf = w3.MustNewFunc("balanceOf(address)", "uint256")

// BatchCaller reads many token balances in one round trip.
type BatchCaller interface {
	Balances(ctx context.Context, network chain.Network, tokens []common.Address, owner common.Address) (map[common.Address]*big.Int, error)
}

// W3Batcher batches balanceOf calls through a shared w3 client per network.
type W3Batcher struct {
	reg *chain.Registry

	mu      sync.Mutex
	clients map[chain.Network]*w3.Client
}

func NewW3Batcher(reg *chain.Registry) *W3Batcher {
	return &W3Batcher{reg: reg, clients: make(map[chain.Network]*w3.Client)}
}

func (b *W3Batcher) client(network chain.Network) (*w3.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.clients[network]; ok {
		return c, nil
	}
	cfg, err := b.reg.Get(network)
	if err != nil {
		return nil, err
	}
	c, err := w3.Dial(cfg.RPCURL)
	if err != nil {
		return nil, err
	}
	b.clients[network] = c
	return c, nil
}

// Balances returns the owner's balance for each token. Tokens whose call
// reverts (non-ERC-20 contracts, self-destructed code) are omitted from the
// result rather than failing the whole batch.
func (b *W3Batcher) Balances(ctx context.Context, network chain.Network, tokens []common.Address, owner common.Address) (map[common.Address]*big.Int, error) {
	if len(tokens) == 0 {
		return map[common.Address]*big.Int{}, nil
	}
	client, err := b.client(network)
	if err != nil {
		return nil, err
	}

	balances := make([]big.Int, len(tokens))
	calls := make([]w3types.RPCCaller, len(tokens))
	for i, token := range tokens {
		calls[i] = eth.CallFunc(token, funcBalanceOf, owner).Returns(&balances[i])
	}

	err = client.CallCtx(ctx, calls...)
	var callErrs w3.CallErrors
	switch {
	case err == nil:
	case errors.As(err, &callErrs):
		// partial success, failed slots stay zero and are skipped below
	default:
		return nil, err
	}

	out := make(map[common.Address]*big.Int, len(tokens))
	for i, token := range tokens {
		if callErrs != nil && callErrs[i] != nil {
			continue
		}
		out[token] = new(big.Int).Set(&balances[i])
	}
	return out, nil
}
