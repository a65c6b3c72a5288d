package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/dmtrko/chain-rescue/internal/ethrpc"
)

// Pause checks (various signatures in the wild).
var pausedSigs = []string{
	"paused()",
	"isPaused()",
	"transfersPaused()",
	"tradingPaused()",
	"isTradingPaused()",
	"globalPaused()",
}

var (
	blacklistAddrSigs = []string{
		"isBlacklisted(address)", "isBlackListed(address)", "blacklisted(address)", "isInBlacklist(address)",
	}
	whitelistAddrSigs = []string{
		"isWhitelisted(address)", "whitelisted(address)",
	}
	onlyWhitelistGlobalSigs = []string{
		"onlyWhitelisted()", "whitelistEnabled()",
	}
	transferDisabledGlobalSigs = []string{
		"transferDisabled()", "isTransferDisabled()",
	}
)

// Restrictions summarizes the transfer blocks a token enforces against the
// compromised account or the destination.
type Restrictions struct {
	Paused           bool
	TransferDisabled bool
	OnlyWhitelisted  bool
	FromWhitelisted  *bool
	ToWhitelisted    *bool
	BlacklistedFrom  bool
	BlacklistedTo    bool
}

// Blocked reports whether a transfer would be rejected.
func (r Restrictions) Blocked() bool {
	if r.Paused || r.TransferDisabled || r.BlacklistedFrom || r.BlacklistedTo {
		return true
	}
	if r.OnlyWhitelisted {
		if r.FromWhitelisted != nil && !*r.FromWhitelisted {
			return true
		}
		if r.ToWhitelisted != nil && !*r.ToWhitelisted {
			return true
		}
	}
	return false
}

// Summary renders the active blocks for logs and outcome details.
func (r Restrictions) Summary() string {
	var parts []string
	if r.Paused {
		parts = append(parts, "paused")
	}
	if r.TransferDisabled {
		parts = append(parts, "transferDisabled")
	}
	if r.BlacklistedFrom {
		parts = append(parts, "from:blacklisted")
	}
	if r.BlacklistedTo {
		parts = append(parts, "to:blacklisted")
	}
	if r.OnlyWhitelisted {
		parts = append(parts, "whitelist:on")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ", ")
}

// CheckRestrictions probes the token's restriction views. Probe failures
// mean "view not implemented" and are skipped, not surfaced.
func CheckRestrictions(ctx context.Context, ec ethrpc.Client, token, from, to common.Address) Restrictions {
	var out Restrictions

	call := func(data []byte) ([]byte, bool) {
		ret, err := ec.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data})
		if err != nil || len(ret) == 0 {
			return nil, false
		}
		return ret, true
	}

	for _, s := range pausedSigs {
		if ret, ok := call(sel(s)); ok && DecodeBool(ret) {
			out.Paused = true
			return out
		}
	}
	for _, s := range transferDisabledGlobalSigs {
		if ret, ok := call(sel(s)); ok && DecodeBool(ret) {
			out.TransferDisabled = true
			return out
		}
	}
	for _, s := range onlyWhitelistGlobalSigs {
		if ret, ok := call(sel(s)); ok && DecodeBool(ret) {
			out.OnlyWhitelisted = true
			break
		}
	}

	if out.OnlyWhitelisted {
		whitelisted := func(addr common.Address) *bool {
			for _, s := range whitelistAddrSigs {
				data := append(sel(s), padAddr(addr)...)
				if ret, ok := call(data); ok {
					v := DecodeBool(ret)
					return &v
				}
			}
			return nil
		}
		out.FromWhitelisted = whitelisted(from)
		out.ToWhitelisted = whitelisted(to)
	}

	isBlacklisted := func(addr common.Address) bool {
		for _, s := range blacklistAddrSigs {
			data := append(sel(s), padAddr(addr)...)
			if ret, ok := call(data); ok && DecodeBool(ret) {
				return true
			}
		}
		return false
	}
	out.BlacklistedFrom = isBlacklisted(from)
	out.BlacklistedTo = isBlacklisted(to)

	return out
}

// PreflightTransfer simulates transfer(to, amount) via eth_call before any
// transaction is signed. Tokens that return no data (pre-standard behavior)
// fall back to a gas-estimation heuristic.
func PreflightTransfer(ctx context.Context, ec ethrpc.Client, token, from, to common.Address, amount *big.Int) (bool, string) {
	msg := ethereum.CallMsg{From: from, To: &token, Data: EncodeTransfer(to, amount), Value: big.NewInt(0)}

	ret, err := ec.CallContract(ctx, msg)
	if err != nil {
		return false, revertReason(err)
	}
	if len(ret) == 0 {
		if _, err := ec.EstimateGas(ctx, msg); err == nil {
			return true, ""
		}
		return false, "transfer would revert"
	}
	if DecodeBool(ret) {
		return true, ""
	}
	return false, "transfer() returned false"
}

func revertReason(err error) string {
	s := err.Error()
	if i := strings.Index(s, "execution reverted"); i >= 0 {
		return s[i:]
	}
	return fmt.Sprintf("call failed: %s", s)
}
