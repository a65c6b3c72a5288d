// Package chain holds the static per-network knowledge the rescue core
// needs: chain ids, endpoints, fee multipliers, curated token lists and
// gas fallbacks. Everything here is configuration, not policy.
package chain

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Network identifies one of the supported EVM networks.
type Network string

const (
	Ethereum Network = "ethereum"
	BSC      Network = "bsc"
	Polygon  Network = "polygon"
	Arbitrum Network = "arbitrum"
	Base     Network = "base"
)

// OpKind selects a static gas fallback for one transfer shape.
type OpKind string

const (
	OpNative       OpKind = "native"
	OpERC20        OpKind = "erc20"
	OpERC20Approve OpKind = "erc20_approve"
	OpERC721       OpKind = "erc721"
	OpERC1155      OpKind = "erc1155"
)

// Config is the per-network tuning block.
type Config struct {
	Network      Network
	ChainID      *big.Int
	RPCURL       string
	NativeSymbol string

	// FeeMultiplier bumps the node's suggested fees; congested networks
	// carry a larger bump.
	FeeMultiplier float64

	// CuratedTokens are the well-known contracts probed first, in one
	// multicall round trip.
	CuratedTokens []common.Address

	// GasDefaults are the static limits used when dynamic estimation fails.
	GasDefaults map[OpKind]uint64

	// LogRange is the widest eth_getLogs window the provider tolerates.
	LogRange uint64

	// LenientScamFilter relaxes the suspected-asset heuristics on networks
	// where the indexer's pricing data produced too many false positives.
	LenientScamFilter bool

	// IndexerSlug / ExplorerURL address the third-party APIs.
	IndexerSlug string
	ExplorerURL string
}

// GasDefault returns the static limit for op, falling back to the ERC-20
// default for unknown kinds.
func (c Config) GasDefault(op OpKind) uint64 {
	if g, ok := c.GasDefaults[op]; ok {
		return g
	}
	return c.GasDefaults[OpERC20]
}

// Registry maps network names to their configs in a fixed iteration order.
type Registry struct {
	order   []Network
	configs map[Network]Config
}

// InterNetworkDelay is inserted between networks within one session pass.
const InterNetworkDelay = 3 * time.Second

func addrs(hexes ...string) []common.Address {
	out := make([]common.Address, 0, len(hexes))
	for _, h := range hexes {
		out = append(out, common.HexToAddress(h))
	}
	return out
}

var defaultGas = map[OpKind]uint64{
	OpNative:       21_000,
	OpERC20:        90_000,
	OpERC20Approve: 60_000,
	OpERC721:       150_000,
	OpERC1155:      180_000,
}

// NewRegistry builds the built-in network table. rpcOverrides replaces the
// default public endpoints per network; empty values keep the defaults.
func NewRegistry(rpcOverrides map[Network]string) *Registry {
	r := &Registry{configs: map[Network]Config{}}
	add := func(c Config) {
		if url, ok := rpcOverrides[c.Network]; ok && strings.TrimSpace(url) != "" {
			c.RPCURL = strings.TrimSpace(url)
		}
		r.order = append(r.order, c.Network)
		r.configs[c.Network] = c
	}

	add(Config{
		Network:       Ethereum,
		ChainID:       big.NewInt(1),
		RPCURL:        "https://eth.llamarpc.com",
		NativeSymbol:  "ETH",
		FeeMultiplier: 1.5,
		CuratedTokens: addrs(
			"0xdAC17F958D2ee523a2206206994597C13D831ec7", // USDT
			"0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", // USDC
			"0x6B175474E89094C44Da98b954EedeAC495271d0F", // DAI
			"0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599", // WBTC
			"0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", // WETH
			"0x514910771AF9Ca656af840dff83E8264EcF986CA", // LINK
			"0x1f9840a85d5aF5bf1D1762F925BDADdC4201F984", // UNI
			"0x7D1AfA7B718fb893dB30A3aBc0Cfc608AaCfeBB0", // MATIC
			"0x95aD61b0a150d79219dCF64E1E6Cc01f0B64C4cE", // SHIB
			"0xae7ab96520DE3A18E5e111B5EaAb095312D7fE84", // stETH
		),
		GasDefaults: defaultGas,
		LogRange:    5_000,
		IndexerSlug: "eth-mainnet",
		ExplorerURL: "https://api.etherscan.io/api",
	})
	add(Config{
		Network:       BSC,
		ChainID:       big.NewInt(56),
		RPCURL:        "https://bsc-dataseed.binance.org",
		NativeSymbol:  "BNB",
		FeeMultiplier: 1.1,
		CuratedTokens: addrs(
			"0x55d398326f99059fF775485246999027B3197955", // USDT
			"0x8AC76a51cc950d9822D68b83fE1Ad97B32Cd580d", // USDC
			"0xe9e7CEA3DedcA5984780Bafc599bD69ADd087D56", // BUSD
			"0xbb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c", // WBNB
			"0x2170Ed0880ac9A755fd29B2688956BD959F933F8", // ETH
			"0x7130d2A12B9BCbFAe4f2634d864A1Ee1Ce3Ead9c", // BTCB
		),
		GasDefaults: defaultGas,
		LogRange:    2_000,
		// the BSC indexer reports stale prices for long-tail assets, which
		// made the strict filter discard real holdings
		LenientScamFilter: true,
		IndexerSlug:       "bnb-mainnet",
		ExplorerURL:       "https://api.bscscan.com/api",
	})
	add(Config{
		Network:       Polygon,
		ChainID:       big.NewInt(137),
		RPCURL:        "https://polygon-rpc.com",
		NativeSymbol:  "POL",
		FeeMultiplier: 2.0,
		CuratedTokens: addrs(
			"0xc2132D05D31c914a87C6611C10748AEb04B58e8F", // USDT
			"0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359", // USDC
			"0x8f3Cf7ad23Cd3CaDbD9735AFf958023239c6A063", // DAI
			"0x0d500B1d8E8eF31E21C99d1Db9A6444d3ADf1270", // WPOL
			"0x7ceB23fD6bC0adD59E62ac25578270cFf1b9f619", // WETH
		),
		GasDefaults:       defaultGas,
		LogRange:          3_500,
		LenientScamFilter: true,
		IndexerSlug:       "polygon-mainnet",
		ExplorerURL:       "https://api.polygonscan.com/api",
	})
	add(Config{
		Network:       Arbitrum,
		ChainID:       big.NewInt(42161),
		RPCURL:        "https://arb1.arbitrum.io/rpc",
		NativeSymbol:  "ETH",
		FeeMultiplier: 1.2,
		CuratedTokens: addrs(
			"0xFd086bC7CD5C481DCC9C85ebE478A1C0b69FCbb9", // USDT
			"0xaf88d065e77c8cC2239327C5EDb3A432268e5831", // USDC
			"0x82aF49447D8a07e3bd95BD0d56f35241523fBab1", // WETH
			"0x912CE59144191C1204E64559FE8253a0e49E6548", // ARB
		),
		GasDefaults: map[OpKind]uint64{
			OpNative:       400_000,
			OpERC20:        900_000,
			OpERC20Approve: 700_000,
			OpERC721:       1_200_000,
			OpERC1155:      1_400_000,
		},
		LogRange:    10_000,
		IndexerSlug: "arb-mainnet",
		ExplorerURL: "https://api.arbiscan.io/api",
	})
	add(Config{
		Network:       Base,
		ChainID:       big.NewInt(8453),
		RPCURL:        "https://mainnet.base.org",
		NativeSymbol:  "ETH",
		FeeMultiplier: 1.2,
		CuratedTokens: addrs(
			"0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", // USDC
			"0x4200000000000000000000000000000000000006", // WETH
			"0x50c5725949A6F0c72E6C4a641F24049A917DB0Cb", // DAI
		),
		GasDefaults: defaultGas,
		LogRange:    5_000,
		IndexerSlug: "base-mainnet",
		ExplorerURL: "https://api.basescan.org/api",
	})
	return r
}

// Get returns the config for network.
func (r *Registry) Get(n Network) (Config, error) {
	c, ok := r.configs[n]
	if !ok {
		return Config{}, fmt.Errorf("unknown network %q", n)
	}
	return c, nil
}

// Networks returns the supported networks in registry order.
func (r *Registry) Networks() []Network {
	out := make([]Network, len(r.order))
	copy(out, r.order)
	return out
}

// Valid reports whether n is a known network.
func (r *Registry) Valid(n Network) bool {
	_, ok := r.configs[n]
	return ok
}
