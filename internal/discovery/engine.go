// Package discovery locates every asset a compromised account holds on a
// network. There is no reliable enumeration API, so it layers strategies:
// a multicall probe over curated contracts, the native balance, the hosted
// indexer, a log backfill and finally the explorer's historical rows. Each
// strategy's output is accumulated and merged; expensive tiers are skipped
// once the result set is judged sufficient.
package discovery

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/dmtrko/chain-rescue/internal/asset"
	"github.com/dmtrko/chain-rescue/internal/chain"
	"github.com/dmtrko/chain-rescue/internal/ethrpc"
	"github.com/dmtrko/chain-rescue/internal/explorer"
	"github.com/dmtrko/chain-rescue/internal/indexer"
)

const (
	// past this many token records the expensive tiers add noise, not value
	sufficientHoldings = 25

	// indexer pagination bounds, per network per pass
	maxIndexerPages   = 5
	maxIndexerRecords = 200

	// how far back the log backfill looks
	backfillBlocks = 50_000
)

// Engine runs the strategy chain for one (account, network) pair at a time.
type Engine struct {
	reg    *chain.Registry
	client func(chain.Network) (ethrpc.Client, error)
	batch  BatchCaller
	idx    indexer.Client
	exp    explorer.Client
	guard  *Guard
	filter *ScamFilter
	log    zerolog.Logger
}

// NewEngine wires the engine. idx and exp may be nil when the third-party
// APIs are not configured; their strategies then report "unavailable".
func NewEngine(
	reg *chain.Registry,
	client func(chain.Network) (ethrpc.Client, error),
	batch BatchCaller,
	idx indexer.Client,
	exp explorer.Client,
	guard *Guard,
	filter *ScamFilter,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		reg:    reg,
		client: client,
		batch:  batch,
		idx:    idx,
		exp:    exp,
		guard:  guard,
		filter: filter,
		log:    log.With().Str("component", "discovery").Logger(),
	}
}

// pass is the accumulating state of one discovery run.
type pass struct {
	account common.Address
	network chain.Network
	cfg     chain.Config
	ec      ethrpc.Client
	records []asset.Record
}

func (p *pass) add(recs ...asset.Record) {
	p.records = asset.Merge(p.records, recs...)
}

// tokenCount counts non-native records, the signal for tier skipping.
func (p *pass) tokenCount() int {
	n := 0
	for _, r := range p.records {
		if r.Kind != asset.Native {
			n++
		}
	}
	return n
}

// strategy is one step of the ordered chain. A returned error is logged and
// the chain continues; partial failure never aborts discovery.
type strategy struct {
	name string
	// skip decides, against the running result set, whether the tier runs.
	skip func(p *pass) (bool, string)
	run  func(ctx context.Context, p *pass) error
}

// Discover produces the holdings of account on network. It never returns an
// error: on total failure the list is empty and the reason is logged.
func (e *Engine) Discover(ctx context.Context, account common.Address, network chain.Network) []asset.Record {
	log := e.log.With().Str("network", string(network)).Str("account", account.Hex()).Logger()

	cfg, err := e.reg.Get(network)
	if err != nil {
		log.Error().Err(err).Msg("discovery aborted: unknown network")
		return nil
	}
	ec, err := e.client(network)
	if err != nil {
		log.Error().Err(err).Msg("discovery aborted: no rpc client")
		return nil
	}

	p := &pass{account: account, network: network, cfg: cfg, ec: ec}

	steps := []strategy{
		{name: "multicall-probe", run: e.runMulticallProbe},
		{name: "native-balance", run: e.runNativeCheck},
		{
			name: "indexer",
			skip: func(p *pass) (bool, string) {
				if p.tokenCount() >= sufficientHoldings {
					return true, "result set sufficient"
				}
				if e.idx == nil {
					return true, "indexer not configured"
				}
				if !e.guard.Allow(account, network) {
					return true, "too recent"
				}
				return false, ""
			},
			run: e.runIndexerQuery,
		},
		{
			name: "log-backfill",
			skip: func(p *pass) (bool, string) {
				if p.tokenCount() > 0 {
					return true, "prior strategies found holdings"
				}
				return false, ""
			},
			run: e.runLogBackfill,
		},
		{
			name: "explorer-history",
			skip: func(p *pass) (bool, string) {
				if p.tokenCount() > 0 {
					return true, "prior strategies found holdings"
				}
				if e.exp == nil {
					return true, "explorer not configured"
				}
				return false, ""
			},
			run: e.runExplorerHistory,
		},
	}

	for _, s := range steps {
		if ctx.Err() != nil {
			log.Info().Str("strategy", s.name).Msg("discovery cancelled")
			break
		}
		if s.skip != nil {
			if skip, why := s.skip(p); skip {
				log.Debug().Str("strategy", s.name).Str("reason", why).Msg("tier skipped")
				continue
			}
		}
		if err := s.run(ctx, p); err != nil {
			log.Warn().Str("strategy", s.name).Err(err).Msg("strategy failed, continuing")
		}
	}

	e.finalize(ctx, p)

	log.Info().Int("records", len(p.records)).Msg("discovery complete")
	return p.records
}

// finalize drops empty holdings, applies the scam heuristics, fills USD
// values and sorts the result.
func (e *Engine) finalize(ctx context.Context, p *pass) {
	kept := p.records[:0]
	for _, r := range p.records {
		if !r.HasBalance() {
			continue
		}
		if r.Kind == asset.Fungible && r.PriceUSD == 0 && e.idx != nil {
			if price, ok, err := e.idx.TokenPrice(ctx, p.network, r.Address); err == nil && ok {
				r.PriceUSD = price
			}
		}
		if r.PriceUSD > 0 && r.Balance != nil {
			f, _ := new(big.Float).SetString(asset.FormatUnits(r.Balance, r.Decimals))
			if f != nil {
				v, _ := new(big.Float).Mul(f, big.NewFloat(r.PriceUSD)).Float64()
				r.ValueUSD = v
			}
		}
		if r.Kind == asset.Fungible {
			r.Suspected = e.filter.Suspicious(r, p.cfg.LenientScamFilter)
		}
		kept = append(kept, r)
	}
	p.records = kept
	asset.Sort(p.records)
}
