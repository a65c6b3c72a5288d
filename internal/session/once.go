package session

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/dmtrko/chain-rescue/internal/asset"
	"github.com/dmtrko/chain-rescue/internal/chain"
	"github.com/dmtrko/chain-rescue/internal/executor"
	"github.com/dmtrko/chain-rescue/internal/schedule"
)

// OnceResult is the synchronous result of a single-network rescue.
type OnceResult struct {
	Success     bool           `json:"success"`
	Warning     string         `json:"warning,omitempty"`
	Discovered  int            `json:"discovered"`
	Transferred int            `json:"transferred"`
	Skipped     int            `json:"skipped"`
	Failed      int            `json:"failed"`
	Outcomes    []AssetOutcome `json:"outcomes,omitempty"`
}

// AssetOutcome pairs an asset with its transfer result.
type AssetOutcome struct {
	Asset  string          `json:"asset"`
	Kind   string          `json:"kind"`
	Status executor.Status `json:"status"`
	Detail string          `json:"detail,omitempty"`
	TxHash string          `json:"tx_hash,omitempty"`
}

// OnceParams configures a single synchronous rescue pass.
type OnceParams struct {
	Network     chain.Network
	Destination common.Address
	Directives  []schedule.Directive

	CompromisedKey *ecdsa.PrivateKey
	RescuerKey     *ecdsa.PrivateKey
	SponsorKey     *ecdsa.PrivateKey
}

// RescueOnce runs discovery, scheduling and transfer for one network and
// returns synchronously. An account that holds tokens but no gas is reported
// as a warning up front; no transfer is attempted that is known to fail.
func (m *Manager) RescueOnce(ctx context.Context, p OnceParams) (OnceResult, error) {
	if p.CompromisedKey == nil {
		return OnceResult{}, fmt.Errorf("compromised-account key is required")
	}
	if _, err := m.reg.Get(p.Network); err != nil {
		return OnceResult{}, err
	}
	account := crypto.PubkeyToAddress(p.CompromisedKey.PublicKey)

	assets := m.disc.Discover(ctx, account, p.Network)
	res := OnceResult{Discovered: len(assets)}
	if len(assets) == 0 {
		res.Success = true
		res.Warning = "nothing to rescue"
		return res, nil
	}

	// with a sponsor the executor's relay path covers gasless accounts
	if p.SponsorKey == nil {
		if warn, blocked := gasPrecheck(assets); blocked {
			res.Warning = warn
			return res, nil
		}
	}

	ordered := schedule.Order(assets, m.withStoredDirectives(ctx, account, p.Directives))
	for _, rec := range ordered {
		if ctx.Err() != nil {
			res.Warning = "cancelled"
			return res, ctx.Err()
		}
		out := m.exec.Transfer(ctx, executor.Request{
			Network:        p.Network,
			Asset:          rec,
			Destination:    p.Destination,
			CompromisedKey: p.CompromisedKey,
			RescuerKey:     p.RescuerKey,
			SponsorKey:     p.SponsorKey,
		})
		switch out.Status {
		case executor.StatusSuccess:
			res.Transferred++
		case executor.StatusSkipped:
			res.Skipped++
		default:
			res.Failed++
		}
		txHash := ""
		if out.TxHash != (common.Hash{}) {
			txHash = out.TxHash.Hex()
		}
		res.Outcomes = append(res.Outcomes, AssetOutcome{
			Asset:  rec.Address.Hex(),
			Kind:   rec.Kind.String(),
			Status: out.Status,
			Detail: out.Detail,
			TxHash: txHash,
		})
	}
	res.Success = res.Failed == 0 && res.Transferred > 0
	return res, nil
}

// gasPrecheck blocks the pass when the account holds transferable tokens but
// no native balance to pay for any of the transfers.
func gasPrecheck(assets []asset.Record) (string, bool) {
	hasNative := false
	hasTokens := false
	for _, a := range assets {
		if a.Kind == asset.Native && a.HasBalance() {
			hasNative = true
		}
		if a.Kind != asset.Native {
			hasTokens = true
		}
	}
	if hasTokens && !hasNative {
		return "account has no native balance to pay gas, fund it or use a sponsored bundle", true
	}
	return "", false
}
