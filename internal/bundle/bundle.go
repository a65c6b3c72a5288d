// Package bundle rescues ERC-20 holdings from accounts whose native balance
// an attacker sweeps the moment it arrives. Funding and transfer land
// atomically through a private relay: the rescuer's coin never touches the
// public mempool, so the sweeper bot never sees it.
package bundle

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/lmittmann/flashbots"
	"github.com/lmittmann/w3"
	"github.com/rs/zerolog"

	"github.com/dmtrko/chain-rescue/internal/chain"
	"github.com/dmtrko/chain-rescue/internal/ethrpc"
	"github.com/dmtrko/chain-rescue/internal/evm"
)

const (
	defaultBlocks  = 6
	defaultTipWei  = 3_000_000_000 // 3 gwei starting tip
	tipEscalation  = 1.2
	baseFeeHeadFac = 2

	prefundBufferPct = 10
	inclusionWait    = 45 * time.Second
	headPoll         = 300 * time.Millisecond
)

// Params describes one sponsored rescue attempt.
type Params struct {
	Network chain.Network
	Token   common.Address
	Amount  *big.Int
	To      common.Address

	CompromisedKey *ecdsa.PrivateKey
	SponsorKey     *ecdsa.PrivateKey
	// AuthKey signs relay request headers; any funded-or-not key works.
	AuthKey *ecdsa.PrivateKey

	RelayURL string
	// Blocks caps how many consecutive target blocks are attempted.
	Blocks int
}

// Result reports the terminal state of a rescue.
type Result struct {
	Included bool
	Reason   string
	TxHash   common.Hash
}

// Rescuer submits fund+transfer bundles to a flashbots-style relay.
type Rescuer struct {
	reg    *chain.Registry
	client func(chain.Network) (ethrpc.Client, error)
	dial   func(relayURL string, auth *ecdsa.PrivateKey) (*w3.Client, error)
	log    zerolog.Logger
}

func NewRescuer(reg *chain.Registry, client func(chain.Network) (ethrpc.Client, error), log zerolog.Logger) *Rescuer {
	return &Rescuer{
		reg:    reg,
		client: client,
		dial: func(relayURL string, auth *ecdsa.PrivateKey) (*w3.Client, error) {
			return flashbots.Dial(relayURL, auth)
		},
		log: log.With().Str("component", "bundle").Logger(),
	}
}

// Run races the sweeper over up to Blocks consecutive blocks, escalating the
// tip each attempt. It returns a terminal Result; only setup problems
// surface as errors.
func (r *Rescuer) Run(ctx context.Context, p Params) (Result, error) {
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return Result{}, errors.New("amount must be positive")
	}
	if p.CompromisedKey == nil || p.SponsorKey == nil {
		return Result{}, errors.New("both compromised and sponsor keys are required")
	}
	if p.AuthKey == nil {
		p.AuthKey = p.SponsorKey
	}
	if p.Blocks <= 0 {
		p.Blocks = defaultBlocks
	}

	cfg, err := r.reg.Get(p.Network)
	if err != nil {
		return Result{}, err
	}
	ec, err := r.client(p.Network)
	if err != nil {
		return Result{}, err
	}
	relay, err := r.dial(p.RelayURL, p.AuthKey)
	if err != nil {
		return Result{}, fmt.Errorf("relay dial: %w", err)
	}

	compromised := crypto.PubkeyToAddress(p.CompromisedKey.PublicKey)
	sponsor := crypto.PubkeyToAddress(p.SponsorKey.PublicKey)
	log := r.log.With().
		Str("network", string(p.Network)).
		Str("token", p.Token.Hex()).
		Str("account", compromised.Hex()).
		Logger()

	if restr := evm.CheckRestrictions(ctx, ec, p.Token, compromised, p.To); restr.Blocked() {
		return Result{Reason: "token restricted: " + restr.Summary()}, nil
	}

	startNonce, err := ec.NonceAt(ctx, compromised)
	if err != nil {
		return Result{}, err
	}

	for attempt := 0; attempt < p.Blocks; attempt++ {
		if ctx.Err() != nil {
			return Result{Reason: "cancelled"}, nil
		}

		head, err := ec.HeaderByNumber(ctx, nil)
		if err != nil || head.BaseFee == nil {
			return Result{}, fmt.Errorf("head read: %w", err)
		}
		targetBlock := new(big.Int).Add(head.Number, big.NewInt(1))

		// a competing spend of the nonce means the sweeper won, stop racing
		if cur, err := ec.NonceAt(ctx, compromised); err == nil && cur > startNonce {
			log.Warn().Uint64("start", startNonce).Uint64("now", cur).Msg("competing nonce, aborting")
			return Result{Reason: "competing nonce"}, nil
		}

		tip := escalatedTip(attempt)
		maxFee := new(big.Int).Mul(head.BaseFee, big.NewInt(baseFeeHeadFac))
		maxFee.Add(maxFee, tip)

		amount := clampToBalance(ctx, ec, p.Token, compromised, p.Amount)
		if amount.Sign() <= 0 {
			return Result{Reason: "token balance drained"}, nil
		}

		txs, transferHash, err := r.buildBundle(ctx, ec, cfg, p, compromised, sponsor, amount, tip, maxFee, startNonce)
		if err != nil {
			return Result{}, err
		}

		log.Info().
			Int("attempt", attempt+1).
			Str("block", targetBlock.String()).
			Str("tip", tip.String()).
			Str("maxFee", maxFee.String()).
			Msg("submitting bundle")

		if ok, why := simulate(relay, txs, targetBlock); !ok {
			log.Warn().Str("reason", why).Msg("bundle simulation failed, retrying next block")
			continue
		}

		var bundleHash common.Hash
		if err := relay.CallCtx(ctx, flashbots.SendBundle(&flashbots.SendBundleRequest{
			Transactions: txs,
			BlockNumber:  new(big.Int).Set(targetBlock),
		}).Returns(&bundleHash)); err != nil {
			log.Warn().Err(err).Msg("bundle submit failed")
			continue
		}
		log.Debug().Str("bundle", bundleHash.Hex()).Msg("bundle accepted by relay")

		included, reason := r.waitInclusion(ctx, ec, compromised, startNonce, transferHash, targetBlock)
		if included {
			return Result{Included: true, Reason: reason, TxHash: transferHash}, nil
		}
		if reason == "competing nonce" {
			return Result{Reason: reason}, nil
		}
	}
	return Result{Reason: "exhausted attempts"}, nil
}

// buildBundle signs the sponsor's funding tx and the compromised account's
// token transfer, ordered so the gas arrives in the same block it is spent.
func (r *Rescuer) buildBundle(
	ctx context.Context,
	ec ethrpc.Client,
	cfg chain.Config,
	p Params,
	compromised, sponsor common.Address,
	amount, tip, maxFee *big.Int,
	fromNonce uint64,
) ([]*types.Transaction, common.Hash, error) {
	calldata := evm.EncodeTransfer(p.To, amount)
	gasTransfer := cfg.GasDefault(chain.OpERC20)
	if est, err := ec.EstimateGas(ctx, ethereum.CallMsg{From: compromised, To: &p.Token, Data: calldata}); err == nil && est > 0 {
		gasTransfer = est + est/5
	}

	prefund := new(big.Int).Mul(new(big.Int).SetUint64(gasTransfer), maxFee)
	prefund.Mul(prefund, big.NewInt(100+prefundBufferPct))
	prefund.Div(prefund, big.NewInt(100))

	sponsorBal, err := ec.BalanceAt(ctx, sponsor)
	if err != nil {
		return nil, common.Hash{}, err
	}
	need := new(big.Int).Add(prefund, new(big.Int).Mul(big.NewInt(21_000), maxFee))
	if sponsorBal.Cmp(need) < 0 {
		return nil, common.Hash{}, fmt.Errorf("sponsor balance %s below required %s", sponsorBal, need)
	}

	sponsorNonce, err := ec.PendingNonceAt(ctx, sponsor)
	if err != nil {
		return nil, common.Hash{}, err
	}

	signer := types.LatestSignerForChainID(cfg.ChainID)
	fund, err := types.SignNewTx(p.SponsorKey, signer, &types.DynamicFeeTx{
		ChainID:   cfg.ChainID,
		Nonce:     sponsorNonce,
		GasTipCap: tip,
		GasFeeCap: maxFee,
		Gas:       21_000,
		To:        &compromised,
		Value:     prefund,
	})
	if err != nil {
		return nil, common.Hash{}, err
	}
	transfer, err := types.SignNewTx(p.CompromisedKey, signer, &types.DynamicFeeTx{
		ChainID:   cfg.ChainID,
		Nonce:     fromNonce,
		GasTipCap: tip,
		GasFeeCap: maxFee,
		Gas:       gasTransfer,
		To:        &p.Token,
		Value:     big.NewInt(0),
		Data:      calldata,
	})
	if err != nil {
		return nil, common.Hash{}, err
	}
	return []*types.Transaction{fund, transfer}, transfer.Hash(), nil
}

// simulate runs eth_callBundle; any per-tx error or revert fails the bundle.
func simulate(relay *w3.Client, txs []*types.Transaction, block *big.Int) (bool, string) {
	var resp *flashbots.CallBundleResponse
	err := relay.Call(flashbots.CallBundle(&flashbots.CallBundleRequest{
		Transactions: txs,
		BlockNumber:  new(big.Int).Set(block),
	}).Returns(&resp))
	if err != nil {
		return false, err.Error()
	}
	if resp == nil {
		return false, "empty simulation response"
	}
	for _, res := range resp.Results {
		if res.Error != nil {
			return false, res.Error.Error()
		}
		if len(res.Revert) > 0 {
			return false, "revert: " + res.Revert
		}
	}
	return true, ""
}

// waitInclusion polls until the chain passes the target block, then decides
// between our inclusion and a competing spend of the nonce.
func (r *Rescuer) waitInclusion(ctx context.Context, ec ethrpc.Client, from common.Address, startNonce uint64, transferHash common.Hash, targetBlock *big.Int) (bool, string) {
	waitCtx, cancel := context.WithTimeout(ctx, inclusionWait)
	defer cancel()

	for {
		head, err := ec.HeaderByNumber(waitCtx, nil)
		if err == nil && head != nil && head.Number.Cmp(targetBlock) >= 0 {
			break
		}
		select {
		case <-waitCtx.Done():
			return false, "timeout waiting for target block"
		case <-time.After(headPoll):
		}
	}

	if rcpt, err := ec.TransactionReceipt(ctx, transferHash); err == nil && rcpt != nil && rcpt.Status == types.ReceiptStatusSuccessful {
		return true, "included"
	}
	if nonce, err := ec.NonceAt(ctx, from); err == nil && nonce > startNonce {
		return false, "competing nonce"
	}
	return false, "not included"
}

func escalatedTip(attempt int) *big.Int {
	scaled := float64(defaultTipWei) * math.Pow(tipEscalation, float64(attempt))
	return new(big.Int).SetUint64(uint64(scaled))
}

func clampToBalance(ctx context.Context, ec ethrpc.Client, token, owner common.Address, want *big.Int) *big.Int {
	ret, err := ec.CallContract(ctx, ethereum.CallMsg{To: &token, Data: evm.EncodeBalanceOf(owner)})
	if err != nil || len(ret) == 0 {
		return new(big.Int).Set(want)
	}
	bal := evm.DecodeBig(ret)
	if bal.Cmp(want) < 0 {
		return bal
	}
	return new(big.Int).Set(want)
}
