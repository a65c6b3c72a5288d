package discovery

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/dmtrko/chain-rescue/internal/asset"
	"github.com/dmtrko/chain-rescue/internal/ethrpc"
	"github.com/dmtrko/chain-rescue/internal/evm"
)

// runMulticallProbe batch-queries the curated contract list in one round
// trip and falls back to individual balanceOf calls when batching fails.
func (e *Engine) runMulticallProbe(ctx context.Context, p *pass) error {
	if len(p.cfg.CuratedTokens) == 0 {
		return nil
	}

	balances, err := e.batch.Balances(ctx, p.network, p.cfg.CuratedTokens, p.account)
	if err != nil {
		e.log.Debug().Str("network", string(p.network)).Err(err).Msg("batch probe failed, probing individually")
		balances = map[common.Address]*big.Int{}
		for _, token := range p.cfg.CuratedTokens {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			ret, err := p.ec.CallContract(ctx, ethereum.CallMsg{To: &token, Data: evm.EncodeBalanceOf(p.account)})
			if err != nil {
				continue
			}
			balances[token] = evm.DecodeBig(ret)
		}
	}

	for token, bal := range balances {
		if bal == nil || bal.Sign() == 0 {
			continue
		}
		rec := asset.Record{
			Address: token,
			Kind:    asset.Fungible,
			Balance: bal,
			Source:  asset.SourceMulticall,
		}
		rec.Decimals, rec.Name, rec.Symbol = e.tokenMetadata(ctx, p, token)
		p.add(rec)
	}
	return nil
}

// runNativeCheck reads the native coin balance. Always runs, independent of
// token results.
func (e *Engine) runNativeCheck(ctx context.Context, p *pass) error {
	bal, err := p.ec.BalanceAt(ctx, p.account)
	if err != nil {
		return fmt.Errorf("native balance: %w", err)
	}
	if bal.Sign() == 0 {
		return nil
	}
	p.add(asset.Record{
		Address:  asset.ZeroAddress,
		Kind:     asset.Native,
		Balance:  bal,
		Decimals: 18,
		Symbol:   p.cfg.NativeSymbol,
		Name:     p.cfg.NativeSymbol,
		Source:   asset.SourceNativeCheck,
	})
	return nil
}

// runIndexerQuery pages through the hosted indexer's holdings listings,
// bounded in pages and records. An empty page carrying a cursor terminates
// the listing: some backends emit that shape forever.
func (e *Engine) runIndexerQuery(ctx context.Context, p *pass) error {
	records := 0

	cursor := ""
	for page := 0; page < maxIndexerPages && records < maxIndexerRecords; page++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		resp, err := e.idx.TokensByOwner(ctx, p.network, p.account, cursor)
		if err != nil {
			return fmt.Errorf("indexer tokens: %w", err)
		}
		for _, h := range resp.Holdings {
			if h.RawBalance == nil || h.RawBalance.Sign() == 0 {
				continue
			}
			p.add(asset.Record{
				Address:  h.Contract,
				Kind:     asset.Fungible,
				Balance:  h.RawBalance,
				Decimals: h.Decimals,
				Name:     h.Name,
				Symbol:   h.Symbol,
				PriceUSD: h.PriceUSD,
				Source:   asset.SourceIndexer,
			})
			records++
		}
		if resp.Cursor == "" || len(resp.Holdings) == 0 {
			break
		}
		cursor = resp.Cursor
	}

	cursor = ""
	for page := 0; page < maxIndexerPages && records < maxIndexerRecords; page++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		resp, err := e.idx.NFTsByOwner(ctx, p.network, p.account, cursor)
		if err != nil {
			return fmt.Errorf("indexer nfts: %w", err)
		}
		for _, h := range resp.Holdings {
			kind := asset.NonFungibleUnique
			if h.Standard == "erc1155" {
				kind = asset.NonFungibleMulti
			}
			p.add(asset.Record{
				Address:    h.Contract,
				Kind:       kind,
				Name:       h.Name,
				TokenIDs:   h.TokenIDs,
				IDsUnknown: len(h.TokenIDs) == 0,
				Source:     asset.SourceIndexer,
			})
			records++
		}
		if resp.Cursor == "" || len(resp.Holdings) == 0 {
			break
		}
		cursor = resp.Cursor
	}
	return nil
}

// runLogBackfill scans recent transfer logs to and from the account and
// re-checks the current balance for every contract that ever touched it.
// Chunk sizes halve automatically when the provider rejects the window.
func (e *Engine) runLogBackfill(ctx context.Context, p *pass) error {
	head, err := p.ec.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("head block: %w", err)
	}
	from := uint64(0)
	if head > backfillBlocks {
		from = head - backfillBlocks
	}

	accountTopic := common.BytesToHash(common.LeftPadBytes(p.account.Bytes(), 32))
	contracts := map[common.Address]bool{}
	nftCandidates := map[common.Address]map[string]*big.Int{}

	collect := func(logs []ethereumLog) {
		for _, l := range logs {
			contracts[l.Address] = true
			// 4 transfer topics means an indexed tokenId (ERC-721 shape)
			if len(l.Topics) == 4 && l.Topics[0] == evm.TopicTransfer && l.Topics[2] == accountTopic {
				id := new(big.Int).SetBytes(l.Topics[3].Bytes())
				if nftCandidates[l.Address] == nil {
					nftCandidates[l.Address] = map[string]*big.Int{}
				}
				nftCandidates[l.Address][id.String()] = id
			}
		}
	}

	queries := []ethereum.FilterQuery{
		{Topics: [][]common.Hash{{evm.TopicTransfer}, nil, {accountTopic}}},                                    // to account
		{Topics: [][]common.Hash{{evm.TopicTransfer}, {accountTopic}}},                                         // from account
		{Topics: [][]common.Hash{{evm.TopicTransferSingle, evm.TopicTransferBatch}, nil, nil, {accountTopic}}}, // 1155 to account
	}
	for _, q := range queries {
		logs, err := e.scanChunked(ctx, p, q, from, head)
		if err != nil {
			e.log.Debug().Str("network", string(p.network)).Err(err).Msg("log scan incomplete")
			continue
		}
		collect(logs)
	}

	for contract := range contracts {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if ids, ok := nftCandidates[contract]; ok {
			rec := e.verifyNFTCandidate(ctx, p, contract, ids)
			if rec != nil {
				p.add(*rec)
			}
			continue
		}
		ret, err := p.ec.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: evm.EncodeBalanceOf(p.account)})
		if err != nil {
			continue
		}
		bal := evm.DecodeBig(ret)
		if bal.Sign() == 0 {
			continue
		}
		rec := asset.Record{
			Address: contract,
			Kind:    asset.Fungible,
			Balance: bal,
			Source:  asset.SourceLogs,
		}
		rec.Decimals, rec.Name, rec.Symbol = e.tokenMetadata(ctx, p, contract)
		p.add(rec)
	}
	return nil
}

// ethereumLog narrows types.Log to what the backfill consumes.
type ethereumLog struct {
	Address common.Address
	Topics  []common.Hash
}

// scanChunked walks [from, to] in provider-sized windows, halving the chunk
// on range-limit rejections until the provider accepts or the chunk hits 1.
func (e *Engine) scanChunked(ctx context.Context, p *pass, q ethereum.FilterQuery, from, to uint64) ([]ethereumLog, error) {
	chunk := p.cfg.LogRange
	if chunk == 0 {
		chunk = 2_000
	}

	var out []ethereumLog
	cur := from
	for cur <= to {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		end := cur + chunk - 1
		if end > to {
			end = to
		}
		q.FromBlock = new(big.Int).SetUint64(cur)
		q.ToBlock = new(big.Int).SetUint64(end)
		logs, err := p.ec.FilterLogs(ctx, q)
		if err != nil {
			if ethrpc.IsRangeLimit(err) && chunk > 1 {
				chunk /= 2
				continue
			}
			return out, err
		}
		for _, l := range logs {
			out = append(out, ethereumLog{Address: l.Address, Topics: l.Topics})
		}
		cur = end + 1
	}
	return out, nil
}

// verifyNFTCandidate keeps only ids the account still owns.
func (e *Engine) verifyNFTCandidate(ctx context.Context, p *pass, contract common.Address, candidates map[string]*big.Int) *asset.Record {
	var owned []*big.Int
	for _, id := range candidates {
		ret, err := p.ec.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: evm.EncodeOwnerOf(id)})
		if err != nil {
			continue
		}
		if evm.DecodeAddress(ret) == p.account {
			owned = append(owned, id)
		}
	}
	if len(owned) == 0 {
		return nil
	}
	return &asset.Record{
		Address:  contract,
		Kind:     asset.NonFungibleUnique,
		TokenIDs: owned,
		Source:   asset.SourceLogs,
	}
}

// runExplorerHistory asks the block explorer for every token-transfer row
// the account appears in, then re-verifies each named contract on-chain.
func (e *Engine) runExplorerHistory(ctx context.Context, p *pass) error {
	rows, err := e.exp.TokenTransfers(ctx, p.network, p.account)
	if err != nil {
		return fmt.Errorf("explorer history: %w", err)
	}
	for _, row := range rows {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch row.Standard {
		case "erc721":
			ids, known := e.ResolveTokenIDs(ctx, p.ec, row.Contract, p.account)
			if len(ids) == 0 && !known {
				continue
			}
			p.add(asset.Record{
				Address:    row.Contract,
				Kind:       asset.NonFungibleUnique,
				Name:       row.Name,
				Symbol:     row.Symbol,
				TokenIDs:   ids,
				IDsUnknown: len(ids) == 0,
				Source:     asset.SourceExplorer,
			})
		case "erc1155":
			p.add(asset.Record{
				Address:    row.Contract,
				Kind:       asset.NonFungibleMulti,
				Name:       row.Name,
				Symbol:     row.Symbol,
				IDsUnknown: true,
				Source:     asset.SourceExplorer,
			})
		default:
			ret, err := p.ec.CallContract(ctx, ethereum.CallMsg{To: &row.Contract, Data: evm.EncodeBalanceOf(p.account)})
			if err != nil {
				continue
			}
			bal := evm.DecodeBig(ret)
			if bal.Sign() == 0 {
				continue
			}
			p.add(asset.Record{
				Address:  row.Contract,
				Kind:     asset.Fungible,
				Balance:  bal,
				Decimals: row.Decimals,
				Name:     row.Name,
				Symbol:   row.Symbol,
				Source:   asset.SourceExplorer,
			})
		}
	}
	return nil
}

// tokenMetadata best-effort reads decimals/name/symbol; defaults cover
// non-compliant tokens.
func (e *Engine) tokenMetadata(ctx context.Context, p *pass, token common.Address) (uint8, string, string) {
	decimals := uint8(18)
	if ret, err := p.ec.CallContract(ctx, ethereum.CallMsg{To: &token, Data: evm.SelDecimals}); err == nil && len(ret) > 0 {
		decimals = uint8(evm.DecodeBig(ret).Uint64())
	}
	name := ""
	if ret, err := p.ec.CallContract(ctx, ethereum.CallMsg{To: &token, Data: evm.SelName}); err == nil {
		name = evm.DecodeString(ret)
	}
	symbol := ""
	if ret, err := p.ec.CallContract(ctx, ethereum.CallMsg{To: &token, Data: evm.SelSymbol}); err == nil {
		symbol = evm.DecodeString(ret)
	}
	return decimals, name, symbol
}
