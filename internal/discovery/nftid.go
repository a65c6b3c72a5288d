package discovery

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/dmtrko/chain-rescue/internal/ethrpc"
	"github.com/dmtrko/chain-rescue/internal/evm"
)

const (
	// enumeration stops after this many ids even if balanceOf claims more
	maxEnumeratedIDs = 50

	// id window for the brute-force ownership scan; collections with ids
	// beyond this are handled by the unknown-id marker instead
	bruteForceScanLimit = 256

	// how far back the event-derived candidate scan looks
	nftCandidateBlocks = 100_000
)

// ResolveTokenIDs locates the ids of an ERC-721 holding via nested
// fallback: index-based enumeration, then event-derived candidates verified
// by ownerOf, then a bounded brute-force scan. A (nil, false) result means
// the ids must be located at transfer time.
func (e *Engine) ResolveTokenIDs(ctx context.Context, ec ethrpc.Client, contract, owner common.Address) ([]*big.Int, bool) {
	balRet, err := ec.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: evm.EncodeBalanceOf(owner)})
	if err != nil {
		return nil, false
	}
	balance := evm.DecodeBig(balRet).Int64()
	if balance <= 0 {
		return nil, true // verified empty
	}
	if balance > maxEnumeratedIDs {
		balance = maxEnumeratedIDs
	}

	if ids := enumerateByIndex(ctx, ec, contract, owner, balance); len(ids) > 0 {
		return ids, true
	}
	if ids := e.candidatesFromEvents(ctx, ec, contract, owner, balance); len(ids) > 0 {
		return ids, true
	}
	if ids := bruteForceScan(ctx, ec, contract, owner, balance); len(ids) > 0 {
		return ids, true
	}
	return nil, false
}

// enumerateByIndex walks tokenOfOwnerByIndex; non-enumerable contracts fail
// on the first call and fall through.
func enumerateByIndex(ctx context.Context, ec ethrpc.Client, contract, owner common.Address, count int64) []*big.Int {
	var ids []*big.Int
	for i := int64(0); i < count; i++ {
		ret, err := ec.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: evm.EncodeTokenOfOwnerByIndex(owner, i)})
		if err != nil || len(ret) == 0 {
			return nil
		}
		ids = append(ids, evm.DecodeBig(ret))
	}
	return ids
}

// candidatesFromEvents derives ids from past Transfer events to the owner
// and keeps those still owned.
func (e *Engine) candidatesFromEvents(ctx context.Context, ec ethrpc.Client, contract, owner common.Address, want int64) []*big.Int {
	head, err := ec.BlockNumber(ctx)
	if err != nil {
		return nil
	}
	from := uint64(0)
	if head > nftCandidateBlocks {
		from = head - nftCandidateBlocks
	}
	ownerTopic := common.BytesToHash(common.LeftPadBytes(owner.Bytes(), 32))
	q := ethereum.FilterQuery{
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{{evm.TopicTransfer}, nil, {ownerTopic}},
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(head),
	}
	logs, err := ec.FilterLogs(ctx, q)
	if err != nil {
		return nil
	}

	seen := map[string]bool{}
	var ids []*big.Int
	for _, l := range logs {
		if len(l.Topics) != 4 {
			continue
		}
		id := new(big.Int).SetBytes(l.Topics[3].Bytes())
		if seen[id.String()] {
			continue
		}
		seen[id.String()] = true
		ret, err := ec.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: evm.EncodeOwnerOf(id)})
		if err != nil {
			continue
		}
		if evm.DecodeAddress(ret) == owner {
			ids = append(ids, id)
			if int64(len(ids)) >= want {
				break
			}
		}
	}
	return ids
}

// bruteForceScan checks ownership over a small numeric id range; useful for
// low-id collections when nothing else worked.
func bruteForceScan(ctx context.Context, ec ethrpc.Client, contract, owner common.Address, want int64) []*big.Int {
	var ids []*big.Int
	for i := int64(0); i < bruteForceScanLimit; i++ {
		if ctx.Err() != nil {
			return ids
		}
		id := big.NewInt(i)
		ret, err := ec.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: evm.EncodeOwnerOf(id)})
		if err != nil || len(ret) == 0 {
			continue
		}
		if evm.DecodeAddress(ret) == owner {
			ids = append(ids, id)
			if int64(len(ids)) >= want {
				return ids
			}
		}
	}
	return ids
}
