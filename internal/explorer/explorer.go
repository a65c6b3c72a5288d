// Package explorer queries the block-explorer API for the historical token
// transfer rows of an account. It is the discovery chain's last resort and
// is used only to name contracts; balances are always re-read on-chain.
package explorer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"

	"github.com/dmtrko/chain-rescue/internal/chain"
)

// TokenTransfer names one contract that ever moved tokens to or from the
// account. Standard is "erc20", "erc721" or "erc1155".
type TokenTransfer struct {
	Contract common.Address
	Name     string
	Symbol   string
	Decimals uint8
	Standard string
}

// Client is the explorer boundary consumed by discovery.
type Client interface {
	TokenTransfers(ctx context.Context, network chain.Network, account common.Address) ([]TokenTransfer, error)
}

// HTTPClient implements Client against etherscan-compatible APIs.
type HTTPClient struct {
	apiKey string
	reg    *chain.Registry
	httpc  *http.Client
}

// NewHTTPClient builds an explorer client; apiKey may be empty for the
// public tier.
func NewHTTPClient(apiKey string, reg *chain.Registry) *HTTPClient {
	return &HTTPClient{apiKey: apiKey, reg: reg, httpc: &http.Client{Timeout: 12 * time.Second}}
}

type txRow struct {
	ContractAddress string `json:"contractAddress"`
	TokenName       string `json:"tokenName"`
	TokenSymbol     string `json:"tokenSymbol"`
	TokenDecimal    string `json:"tokenDecimal"`
	TokenID         string `json:"tokenID"`
}

type listResp struct {
	Status  string  `json:"status"`
	Message string  `json:"message"`
	Result  []txRow `json:"result"`
}

func (c *HTTPClient) TokenTransfers(ctx context.Context, network chain.Network, account common.Address) ([]TokenTransfer, error) {
	cfg, err := c.reg.Get(network)
	if err != nil {
		return nil, err
	}

	var out []TokenTransfer
	seen := map[common.Address]bool{}
	for _, action := range []string{"tokentx", "tokennfttx", "token1155tx"} {
		rows, err := c.list(ctx, cfg.ExplorerURL, action, account)
		if err != nil {
			// one listing failing should not hide the others
			continue
		}
		for _, row := range rows {
			if !common.IsHexAddress(row.ContractAddress) {
				continue
			}
			addr := common.HexToAddress(row.ContractAddress)
			if seen[addr] {
				continue
			}
			seen[addr] = true
			dec := 0
			if row.TokenDecimal != "" {
				dec, _ = strconv.Atoi(row.TokenDecimal)
			}
			out = append(out, TokenTransfer{
				Contract: addr,
				Name:     row.TokenName,
				Symbol:   row.TokenSymbol,
				Decimals: uint8(dec),
				Standard: standardFor(action),
			})
		}
	}
	return out, nil
}

func standardFor(action string) string {
	switch action {
	case "tokennfttx":
		return "erc721"
	case "token1155tx":
		return "erc1155"
	default:
		return "erc20"
	}
}

func (c *HTTPClient) list(ctx context.Context, baseURL, action string, account common.Address) ([]txRow, error) {
	params := url.Values{}
	params.Set("module", "account")
	params.Set("action", action)
	params.Set("address", account.Hex())
	params.Set("page", "1")
	params.Set("offset", "1000")
	params.Set("sort", "desc")
	if c.apiKey != "" {
		params.Set("apikey", c.apiKey)
	}

	var raw listResp
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"?"+params.Encode(), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.httpc.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("explorer: http %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&raw)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	// "0" with "No transactions found" is an empty result, not an error
	if raw.Status != "1" && raw.Message != "No transactions found" {
		return nil, fmt.Errorf("explorer: %s", raw.Message)
	}
	return raw.Result, nil
}
