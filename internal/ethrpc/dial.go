package ethrpc

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/dmtrko/chain-rescue/internal/chain"
)

// Dialer dials each network once and hands out the shared retrying client
// afterwards. Safe for concurrent use.
func Dialer(reg *chain.Registry) func(chain.Network) (Client, error) {
	var mu sync.Mutex
	clients := map[chain.Network]Client{}
	return func(n chain.Network) (Client, error) {
		mu.Lock()
		defer mu.Unlock()
		if c, ok := clients[n]; ok {
			return c, nil
		}
		cfg, err := reg.Get(n)
		if err != nil {
			return nil, err
		}
		ec, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", n, err)
		}
		c := NewRetryClient(ec)
		clients[n] = c
		return c, nil
	}
}
