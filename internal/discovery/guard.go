package discovery

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dmtrko/chain-rescue/internal/chain"
)

// minimum spacing between indexer queries for the same account and network
const indexerMinInterval = 30 * time.Second

// Guard rate-limits indexer lookups per (account, network) so repeated
// session passes do not burn through API quotas.
type Guard struct {
	mu   sync.Mutex
	last map[guardKey]time.Time
	now  func() time.Time
}

type guardKey struct {
	account common.Address
	network chain.Network
}

func NewGuard() *Guard {
	return &Guard{last: make(map[guardKey]time.Time), now: time.Now}
}

// Allow reports whether an indexer query may run now, and records the
// attempt when it may.
func (g *Guard) Allow(account common.Address, network chain.Network) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := guardKey{account, network}
	now := g.now()
	if prev, ok := g.last[key]; ok && now.Sub(prev) < indexerMinInterval {
		return false
	}
	g.last[key] = now
	return true
}
