// Package fees computes per-network gas overrides for EVM transfers and
// the compute-unit priority rate for the Solana rescue path.
package fees

import (
	"context"
	"math/big"

	"github.com/rs/zerolog"

	"github.com/dmtrko/chain-rescue/internal/chain"
	"github.com/dmtrko/chain-rescue/internal/ethrpc"
)

// Overrides carries the optional EIP-1559 fee caps for one transaction.
// A nil *Overrides (or nil fields) means "let the node decide".
type Overrides struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// Strategy derives overrides from live fee estimates and the per-network
// multiplier table.
type Strategy struct {
	reg    *chain.Registry
	client func(chain.Network) (ethrpc.Client, error)
	log    zerolog.Logger
}

// NewStrategy wires the strategy to its client source.
func NewStrategy(reg *chain.Registry, client func(chain.Network) (ethrpc.Client, error), log zerolog.Logger) *Strategy {
	return &Strategy{reg: reg, client: client, log: log.With().Str("component", "fees").Logger()}
}

// For returns the fee overrides for network. A failed estimate degrades to
// nil rather than aborting the caller's transfer.
func (s *Strategy) For(ctx context.Context, network chain.Network) *Overrides {
	cfg, err := s.reg.Get(network)
	if err != nil {
		return nil
	}
	ec, err := s.client(network)
	if err != nil {
		s.log.Warn().Str("network", string(network)).Err(err).Msg("no client for fee estimate")
		return nil
	}

	var tip *big.Int
	if cfg.FeeMultiplier >= 1.5 {
		// congested network: the suggested tip lags, prefer the recent
		// 99th-percentile reward
		if t, err := tipFromFeeHistory(ctx, cfg.RPCURL, 20, 99); err == nil {
			tip = t
		}
	}
	if tip == nil {
		t, err := ec.SuggestGasTipCap(ctx)
		if err != nil {
			s.log.Warn().Str("network", string(network)).Err(err).Msg("tip estimate failed, no override")
			return nil
		}
		tip = t
	}
	head, err := ec.HeaderByNumber(ctx, nil)
	if err != nil || head.BaseFee == nil {
		s.log.Warn().Str("network", string(network)).Msg("no base fee, no override")
		return nil
	}
	return Compute(head.BaseFee, tip, cfg.FeeMultiplier)
}

// Compute applies the network multiplier to a base fee and tip estimate.
// Exported for tests and for callers that already hold the head.
func Compute(baseFee, tip *big.Int, multiplier float64) *Overrides {
	if multiplier < 1 {
		multiplier = 1
	}
	bump := func(v *big.Int) *big.Int {
		f := new(big.Float).Mul(new(big.Float).SetInt(v), big.NewFloat(multiplier))
		out, _ := f.Int(nil)
		return out
	}
	bumpedTip := bump(tip)
	// cap = 2*base + tip, the usual inclusion-safe headroom
	maxFee := new(big.Int).Mul(bump(baseFee), big.NewInt(2))
	maxFee.Add(maxFee, bumpedTip)
	return &Overrides{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: bumpedTip}
}

const (
	// priority fee targets this share of a baseline single-transfer fee
	priorityTargetPct = 3

	// compute-unit budget clamp: below minCU the per-unit rate overshoots,
	// above maxCU (the block limit) it underestimates inclusion cost
	minComputeUnits = 50_000
	maxComputeUnits = 1_400_000

	microPerUnit = 1_000_000
)

// PriorityFeeRate converts a baseline single-transfer fee (lamports) into a
// per-compute-unit rate in micro-lamports. The result targets 2-5% of the
// baseline fee over the clamped compute budget and is never zero, so the
// transaction always outranks a zero-fee one.
func PriorityFeeRate(baselineFee uint64, computeUnits uint64) uint64 {
	if computeUnits < minComputeUnits {
		computeUnits = minComputeUnits
	}
	if computeUnits > maxComputeUnits {
		computeUnits = maxComputeUnits
	}
	target := baselineFee * priorityTargetPct / 100
	rate := target * microPerUnit / computeUnits
	if rate < 1 {
		rate = 1
	}
	return rate
}
