// Package executor moves a single discovered asset off the compromised
// account. Each kind has its own dispatch path; a failed transfer reports an
// Outcome instead of an error so the session loop can continue with the next
// asset.
package executor

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"github.com/dmtrko/chain-rescue/internal/asset"
	"github.com/dmtrko/chain-rescue/internal/bundle"
	"github.com/dmtrko/chain-rescue/internal/chain"
	"github.com/dmtrko/chain-rescue/internal/ethrpc"
	"github.com/dmtrko/chain-rescue/internal/evm"
	"github.com/dmtrko/chain-rescue/internal/fees"
)

// Status classifies one transfer attempt.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Outcome is the terminal result of one asset transfer.
type Outcome struct {
	Status Status
	Detail string
	TxHash common.Hash
	// Amount is the raw units moved; for NFTs the number of ids moved.
	Amount *big.Int
}

func skipped(detail string) Outcome { return Outcome{Status: StatusSkipped, Detail: detail} }
func failed(detail string) Outcome  { return Outcome{Status: StatusFailed, Detail: detail} }

// Request describes one transfer. RescuerKey is optional; when present it
// funds the pull path (approve from the compromised account, then
// transferFrom sent by the rescuer) used when direct sends revert.
// SponsorKey is optional too: with a configured bundler it enables the
// sponsored-relay path for fungible tokens on gasless accounts.
type Request struct {
	Network        chain.Network
	Asset          asset.Record
	Destination    common.Address
	CompromisedKey *ecdsa.PrivateKey
	RescuerKey     *ecdsa.PrivateKey
	SponsorKey     *ecdsa.PrivateKey
}

// IDResolver locates ERC-721 ids when the discovery record carries none.
type IDResolver func(ctx context.Context, ec ethrpc.Client, contract, owner common.Address) ([]*big.Int, bool)

// Bundler submits sponsored fund+transfer bundles to a private relay.
type Bundler interface {
	Run(ctx context.Context, p bundle.Params) (bundle.Result, error)
}

const (
	gasBufferPct = 20

	confirmWait  = 90 * time.Second
	receiptEvery = 3 * time.Second
)

// Executor sends transfers on EVM networks.
type Executor struct {
	reg     *chain.Registry
	client  func(chain.Network) (ethrpc.Client, error)
	fees    *fees.Strategy
	resolve IDResolver
	log     zerolog.Logger

	bundler  Bundler
	relayURL string
	authKey  *ecdsa.PrivateKey
}

func New(
	reg *chain.Registry,
	client func(chain.Network) (ethrpc.Client, error),
	feeStrategy *fees.Strategy,
	resolve IDResolver,
	log zerolog.Logger,
) *Executor {
	return &Executor{
		reg:     reg,
		client:  client,
		fees:    feeStrategy,
		resolve: resolve,
		log:     log.With().Str("component", "executor").Logger(),
	}
}

// WithBundler enables the sponsored-relay path for fungible transfers from
// accounts that cannot pay gas. Requests still need a SponsorKey to use it.
func (x *Executor) WithBundler(b Bundler, relayURL string, authKey *ecdsa.PrivateKey) *Executor {
	x.bundler = b
	x.relayURL = relayURL
	x.authKey = authKey
	return x
}

// env is the resolved per-transfer context.
type env struct {
	cfg  chain.Config
	ec   ethrpc.Client
	from common.Address
	ov   *fees.Overrides
	req  Request
	log  zerolog.Logger
}

// Transfer dispatches by asset kind and returns a terminal outcome. It never
// panics on malformed records and never returns an error: every failure mode
// maps onto a Status.
func (x *Executor) Transfer(ctx context.Context, req Request) Outcome {
	if req.CompromisedKey == nil {
		return failed("no compromised-account key")
	}
	if req.Asset.Suspected {
		return skipped("suspected scam token, not transferring")
	}

	cfg, err := x.reg.Get(req.Network)
	if err != nil {
		return failed(err.Error())
	}
	ec, err := x.client(req.Network)
	if err != nil {
		return failed(fmt.Sprintf("rpc client: %v", err))
	}

	e := &env{
		cfg:  cfg,
		ec:   ec,
		from: crypto.PubkeyToAddress(req.CompromisedKey.PublicKey),
		req:  req,
		log: x.log.With().
			Str("network", string(req.Network)).
			Str("asset", req.Asset.Address.Hex()).
			Str("kind", req.Asset.Kind.String()).
			Logger(),
	}
	e.ov = x.feeOverrides(ctx, e)
	if e.ov == nil {
		return failed("no usable fee estimate")
	}

	var out Outcome
	switch req.Asset.Kind {
	case asset.Native:
		out = x.transferNative(ctx, e)
	case asset.Fungible:
		out = x.transferFungible(ctx, e)
	case asset.NonFungibleUnique:
		out = x.transferERC721(ctx, e)
	case asset.NonFungibleMulti:
		out = x.transferERC1155(ctx, e)
	default:
		out = failed(fmt.Sprintf("unknown asset kind %d", req.Asset.Kind))
	}
	if ctx.Err() != nil && out.Status == StatusFailed {
		out.Status = StatusCancelled
		out.Detail = "cancelled: " + out.Detail
	}
	e.log.Info().Str("status", string(out.Status)).Str("detail", out.Detail).Msg("transfer finished")
	return out
}

// feeOverrides asks the strategy first and degrades to a direct node
// estimate so a dead fee oracle never blocks a rescue.
func (x *Executor) feeOverrides(ctx context.Context, e *env) *fees.Overrides {
	if ov := x.fees.For(ctx, e.req.Network); ov != nil {
		return ov
	}
	tip, err := e.ec.SuggestGasTipCap(ctx)
	if err != nil {
		return nil
	}
	head, err := e.ec.HeaderByNumber(ctx, nil)
	if err != nil || head.BaseFee == nil {
		return nil
	}
	return fees.Compute(head.BaseFee, tip, e.cfg.FeeMultiplier)
}

// transferNative sweeps the coin balance minus the exact gas reserve.
func (x *Executor) transferNative(ctx context.Context, e *env) Outcome {
	bal, err := e.ec.BalanceAt(ctx, e.from)
	if err != nil {
		return failed(fmt.Sprintf("balance read: %v", err))
	}
	gasLimit := e.cfg.GasDefault(chain.OpNative)
	reserve := new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), e.ov.MaxFeePerGas)
	amount := new(big.Int).Sub(bal, reserve)
	if amount.Sign() <= 0 {
		return skipped("balance does not cover gas")
	}

	hash, err := x.send(ctx, e, e.req.CompromisedKey, &e.req.Destination, amount, nil, gasLimit)
	if err != nil {
		return failed(fmt.Sprintf("native send: %v", err))
	}
	return x.confirm(ctx, e, hash, amount)
}

// transferFungible re-reads the live balance, checks contract restrictions
// and tries a direct transfer before falling back to the approve/pull path.
func (x *Executor) transferFungible(ctx context.Context, e *env) Outcome {
	token := e.req.Asset.Address

	live, err := liveBalance(ctx, e.ec, token, e.from)
	if err != nil {
		return failed(fmt.Sprintf("balance read: %v", err))
	}
	amount := new(big.Int).Set(live)
	if e.req.Asset.Balance != nil && e.req.Asset.Balance.Cmp(live) < 0 {
		amount.Set(e.req.Asset.Balance)
	}
	if amount.Sign() <= 0 {
		return skipped("token balance already zero")
	}

	if r := evm.CheckRestrictions(ctx, e.ec, token, e.from, e.req.Destination); r.Blocked() {
		return skipped("contract restriction: " + r.Summary())
	}

	// a gasless account cannot sign its own way out; go straight to the
	// sponsored relay when one is wired
	if x.bundler != nil && e.req.SponsorKey != nil {
		if nat, err := e.ec.BalanceAt(ctx, e.from); err == nil && nat.Sign() == 0 {
			return x.sponsoredFungible(ctx, e, token, amount)
		}
	}

	if ok, reason := evm.PreflightTransfer(ctx, e.ec, token, e.from, e.req.Destination, amount); ok {
		hash, err := x.send(ctx, e, e.req.CompromisedKey, &token, nil, evm.EncodeTransfer(e.req.Destination, amount), 0)
		if err == nil {
			return x.confirm(ctx, e, hash, amount)
		}
		e.log.Warn().Err(err).Msg("direct transfer failed, trying pull path")
	} else {
		e.log.Warn().Str("reason", reason).Msg("transfer preflight reverted, trying pull path")
	}

	return x.pullFungible(ctx, e, token, amount)
}

// pullFungible approves the rescuer and pulls via transferFrom. Some tokens
// revert transfer() for flagged holders but leave the allowance path open.
func (x *Executor) pullFungible(ctx context.Context, e *env, token common.Address, amount *big.Int) Outcome {
	if e.req.RescuerKey == nil {
		if x.bundler != nil && e.req.SponsorKey != nil {
			return x.sponsoredFungible(ctx, e, token, amount)
		}
		return failed("direct transfer blocked and no rescuer key for pull path")
	}
	rescuer := crypto.PubkeyToAddress(e.req.RescuerKey.PublicKey)

	hash, err := x.send(ctx, e, e.req.CompromisedKey, &token, nil, evm.EncodeApprove(rescuer, amount), e.cfg.GasDefault(chain.OpERC20Approve))
	if err != nil {
		return failed(fmt.Sprintf("approve: %v", err))
	}
	if out := x.confirm(ctx, e, hash, nil); out.Status != StatusSuccess {
		return out
	}

	hash, err = x.send(ctx, e, e.req.RescuerKey, &token, nil, evm.EncodeTransferFrom(e.from, e.req.Destination, amount), 0)
	if err != nil {
		return failed(fmt.Sprintf("transferFrom: %v", err))
	}
	return x.confirm(ctx, e, hash, amount)
}

// sponsoredFungible funds the compromised account and moves the token in one
// relay bundle, so the sweeper bot watching the mempool never sees the gas.
func (x *Executor) sponsoredFungible(ctx context.Context, e *env, token common.Address, amount *big.Int) Outcome {
	res, err := x.bundler.Run(ctx, bundle.Params{
		Network:        e.req.Network,
		Token:          token,
		Amount:         amount,
		To:             e.req.Destination,
		CompromisedKey: e.req.CompromisedKey,
		SponsorKey:     e.req.SponsorKey,
		AuthKey:        x.authKey,
		RelayURL:       x.relayURL,
	})
	if err != nil {
		return failed(fmt.Sprintf("sponsored bundle: %v", err))
	}
	if !res.Included {
		return failed("sponsored bundle not included: " + res.Reason)
	}
	return Outcome{Status: StatusSuccess, Detail: "sponsored bundle", TxHash: res.TxHash, Amount: amount}
}

// transferERC721 moves each owned id, resolving ids first when the record
// does not carry them. Partial success is reported, not rolled back.
func (x *Executor) transferERC721(ctx context.Context, e *env) Outcome {
	contract := e.req.Asset.Address
	ids := e.req.Asset.TokenIDs
	if len(ids) == 0 {
		if x.resolve == nil {
			return skipped("token ids unknown")
		}
		resolved, known := x.resolve(ctx, e.ec, contract, e.from)
		if !known || len(resolved) == 0 {
			return skipped("token ids could not be resolved")
		}
		ids = resolved
	}

	moved := 0
	var lastHash common.Hash
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		// skip ids that left the account since discovery
		ret, err := e.ec.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: evm.EncodeOwnerOf(id)})
		if err != nil || evm.DecodeAddress(ret) != e.from {
			continue
		}
		hash, err := x.send(ctx, e, e.req.CompromisedKey, &contract, nil, evm.EncodeTransferFrom(e.from, e.req.Destination, id), 0)
		if err != nil && e.req.RescuerKey != nil {
			// approve(address,uint256) is id-scoped on 721 and shares the
			// erc20 selector, so the pull path reuses the same encoder
			hash, err = x.pull721(ctx, e, contract, id)
		}
		if err != nil {
			e.log.Warn().Str("id", id.String()).Err(err).Msg("nft transfer failed")
			continue
		}
		if out := x.confirm(ctx, e, hash, nil); out.Status == StatusSuccess {
			moved++
			lastHash = hash
		}
	}

	switch {
	case ctx.Err() != nil && moved == 0:
		return Outcome{Status: StatusCancelled, Detail: "cancelled before any id moved"}
	case moved == 0:
		return failed("no ids transferred")
	case moved < len(ids):
		return Outcome{Status: StatusSuccess, Detail: fmt.Sprintf("%d/%d ids transferred", moved, len(ids)), TxHash: lastHash, Amount: big.NewInt(int64(moved))}
	default:
		return Outcome{Status: StatusSuccess, TxHash: lastHash, Amount: big.NewInt(int64(moved))}
	}
}

// pull721 grants the rescuer a per-id approval and pulls the token from the
// rescuer's account.
func (x *Executor) pull721(ctx context.Context, e *env, contract common.Address, id *big.Int) (common.Hash, error) {
	rescuer := crypto.PubkeyToAddress(e.req.RescuerKey.PublicKey)
	hash, err := x.send(ctx, e, e.req.CompromisedKey, &contract, nil, evm.EncodeApprove(rescuer, id), 0)
	if err != nil {
		return common.Hash{}, fmt.Errorf("approve: %w", err)
	}
	if out := x.confirm(ctx, e, hash, nil); out.Status != StatusSuccess {
		return common.Hash{}, fmt.Errorf("approve not confirmed: %s", out.Detail)
	}
	return x.send(ctx, e, e.req.RescuerKey, &contract, nil, evm.EncodeTransferFrom(e.from, e.req.Destination, id), 0)
}

// transferERC1155 moves the live balance of each known id. Direct sends that
// revert fall back to a blanket operator grant pulled by the rescuer.
func (x *Executor) transferERC1155(ctx context.Context, e *env) Outcome {
	contract := e.req.Asset.Address
	if len(e.req.Asset.TokenIDs) == 0 {
		return skipped("erc1155 ids unknown")
	}

	approved := false
	moved := 0
	var lastHash common.Hash
	for _, id := range e.req.Asset.TokenIDs {
		if ctx.Err() != nil {
			break
		}
		ret, err := e.ec.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: evm.EncodeBalanceOf1155(e.from, id)})
		if err != nil {
			continue
		}
		amount := evm.DecodeBig(ret)
		if amount.Sign() == 0 {
			continue
		}

		data := evm.EncodeSafeTransferFrom1155(e.from, e.req.Destination, id, amount)
		hash, err := x.send(ctx, e, e.req.CompromisedKey, &contract, nil, data, 0)
		if err != nil && e.req.RescuerKey != nil {
			if !approved {
				ah, aerr := x.send(ctx, e, e.req.CompromisedKey, &contract, nil, evm.EncodeSetApprovalForAll(crypto.PubkeyToAddress(e.req.RescuerKey.PublicKey)), 0)
				if aerr != nil {
					e.log.Warn().Err(aerr).Msg("setApprovalForAll failed")
					continue
				}
				if out := x.confirm(ctx, e, ah, nil); out.Status != StatusSuccess {
					continue
				}
				approved = true
			}
			hash, err = x.send(ctx, e, e.req.RescuerKey, &contract, nil, data, 0)
		}
		if err != nil {
			e.log.Warn().Str("id", id.String()).Err(err).Msg("erc1155 transfer failed")
			continue
		}
		if out := x.confirm(ctx, e, hash, nil); out.Status == StatusSuccess {
			moved++
			lastHash = hash
		}
	}

	switch {
	case ctx.Err() != nil && moved == 0:
		return Outcome{Status: StatusCancelled, Detail: "cancelled before any id moved"}
	case moved == 0:
		return failed("no ids transferred")
	default:
		return Outcome{Status: StatusSuccess, TxHash: lastHash, Amount: big.NewInt(int64(moved))}
	}
}

// send estimates, signs and broadcasts one EIP-1559 transaction. gasLimit 0
// means estimate with a buffer and fall back to the network's static default.
func (x *Executor) send(ctx context.Context, e *env, key *ecdsa.PrivateKey, to *common.Address, value *big.Int, data []byte, gasLimit uint64) (common.Hash, error) {
	sender := crypto.PubkeyToAddress(key.PublicKey)
	if value == nil {
		value = big.NewInt(0)
	}

	if gasLimit == 0 {
		est, err := e.ec.EstimateGas(ctx, ethereum.CallMsg{From: sender, To: to, Value: value, Data: data})
		if err != nil {
			def := e.cfg.GasDefault(opKindFor(e.req.Asset.Kind))
			gasLimit = def + def*gasBufferPct/100
			e.log.Debug().Err(err).Uint64("fallback", gasLimit).Msg("gas estimation failed, using buffered static default")
		} else {
			gasLimit = est + est*gasBufferPct/100
		}
	}

	nonce, err := e.ec.PendingNonceAt(ctx, sender)
	if err != nil {
		return common.Hash{}, fmt.Errorf("nonce: %w", err)
	}

	tx, err := types.SignNewTx(key, types.LatestSignerForChainID(e.cfg.ChainID), &types.DynamicFeeTx{
		ChainID:   e.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: e.ov.MaxPriorityFeePerGas,
		GasFeeCap: e.ov.MaxFeePerGas,
		Gas:       gasLimit,
		To:        to,
		Value:     value,
		Data:      data,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign: %w", err)
	}
	if err := e.ec.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, fmt.Errorf("broadcast: %w", err)
	}
	return tx.Hash(), nil
}

// confirm waits a bounded time for the receipt. A timeout is reported as
// success with a detail note: the transaction is in the mempool and usually
// lands, and blocking the whole session on a slow network helps nobody.
func (x *Executor) confirm(ctx context.Context, e *env, hash common.Hash, amount *big.Int) Outcome {
	deadline := time.NewTimer(confirmWait)
	defer deadline.Stop()
	tick := time.NewTicker(receiptEvery)
	defer tick.Stop()

	for {
		rcpt, err := e.ec.TransactionReceipt(ctx, hash)
		if err == nil && rcpt != nil {
			if rcpt.Status == types.ReceiptStatusFailed {
				return Outcome{Status: StatusFailed, Detail: "transaction reverted", TxHash: hash}
			}
			return Outcome{Status: StatusSuccess, TxHash: hash, Amount: amount}
		}
		select {
		case <-ctx.Done():
			return Outcome{Status: StatusCancelled, Detail: "cancelled waiting for receipt", TxHash: hash}
		case <-deadline.C:
			e.log.Warn().Str("tx", hash.Hex()).Msg("receipt not seen in time, assuming pending inclusion")
			return Outcome{Status: StatusSuccess, Detail: "confirmation timeout, transaction pending", TxHash: hash, Amount: amount}
		case <-tick.C:
		}
	}
}

func liveBalance(ctx context.Context, ec ethrpc.Client, token, owner common.Address) (*big.Int, error) {
	ret, err := ec.CallContract(ctx, ethereum.CallMsg{To: &token, Data: evm.EncodeBalanceOf(owner)})
	if err != nil {
		return nil, err
	}
	return evm.DecodeBig(ret), nil
}

func opKindFor(k asset.Kind) chain.OpKind {
	switch k {
	case asset.Native:
		return chain.OpNative
	case asset.NonFungibleUnique:
		return chain.OpERC721
	case asset.NonFungibleMulti:
		return chain.OpERC1155
	default:
		return chain.OpERC20
	}
}
