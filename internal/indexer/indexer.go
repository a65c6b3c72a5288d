// Package indexer talks to the third-party holdings API: cursor-paginated
// token and NFT ownership queries plus USD pricing. Discovery treats every
// figure it returns as advisory; balances are re-verified on-chain.
package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"

	"github.com/dmtrko/chain-rescue/internal/chain"
)

// TokenHolding is one fungible position as reported by the indexer.
type TokenHolding struct {
	Contract   common.Address
	RawBalance *big.Int
	Decimals   uint8
	Name       string
	Symbol     string
	PriceUSD   float64
}

// NFTHolding is one non-fungible position. Standard is "erc721" or "erc1155".
type NFTHolding struct {
	Contract common.Address
	Standard string
	Name     string
	TokenIDs []*big.Int
}

// TokensPage is one page of fungible holdings. An empty Cursor means the
// listing is complete.
type TokensPage struct {
	Holdings []TokenHolding
	Cursor   string
}

// NFTsPage is one page of NFT holdings.
type NFTsPage struct {
	Holdings []NFTHolding
	Cursor   string
}

// Client is the indexer boundary consumed by discovery.
type Client interface {
	TokensByOwner(ctx context.Context, network chain.Network, owner common.Address, cursor string) (*TokensPage, error)
	NFTsByOwner(ctx context.Context, network chain.Network, owner common.Address, cursor string) (*NFTsPage, error)
	TokenPrice(ctx context.Context, network chain.Network, contract common.Address) (float64, bool, error)
}

// HTTPClient implements Client against the hosted indexer REST API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	reg     *chain.Registry
	httpc   *http.Client
}

// NewHTTPClient builds a client for the indexer at baseURL.
func NewHTTPClient(baseURL, apiKey string, reg *chain.Registry) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		reg:     reg,
		httpc:   &http.Client{Timeout: 12 * time.Second},
	}
}

type tokenRow struct {
	Contract string  `json:"contractAddress"`
	Balance  string  `json:"rawBalance"`
	Decimals uint8   `json:"decimals"`
	Name     string  `json:"name"`
	Symbol   string  `json:"symbol"`
	PriceUSD float64 `json:"priceUsd"`
}

type tokensResp struct {
	Tokens []tokenRow `json:"tokens"`
	Cursor string     `json:"cursor"`
}

type nftRow struct {
	Contract string   `json:"contractAddress"`
	Standard string   `json:"tokenStandard"`
	Name     string   `json:"name"`
	TokenIDs []string `json:"tokenIds"`
}

type nftsResp struct {
	NFTs   []nftRow `json:"nfts"`
	Cursor string   `json:"cursor"`
}

type priceResp struct {
	PriceUSD *float64 `json:"priceUsd"`
}

func (c *HTTPClient) get(ctx context.Context, path string, params url.Values, out any) error {
	op := func() error {
		u := c.baseURL + path
		if len(params) > 0 {
			u += "?" + params.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		resp, err := c.httpc.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("indexer: http %d", resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return backoff.Permanent(fmt.Errorf("indexer: http %d", resp.StatusCode))
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(op, bo)
}

func (c *HTTPClient) slug(network chain.Network) (string, error) {
	cfg, err := c.reg.Get(network)
	if err != nil {
		return "", err
	}
	return cfg.IndexerSlug, nil
}

func (c *HTTPClient) TokensByOwner(ctx context.Context, network chain.Network, owner common.Address, cursor string) (*TokensPage, error) {
	slug, err := c.slug(network)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	var raw tokensResp
	if err := c.get(ctx, fmt.Sprintf("/%s/v1/accounts/%s/tokens", slug, owner.Hex()), params, &raw); err != nil {
		return nil, err
	}
	page := &TokensPage{Cursor: raw.Cursor}
	for _, row := range raw.Tokens {
		if !common.IsHexAddress(row.Contract) {
			continue
		}
		bal, ok := new(big.Int).SetString(row.Balance, 10)
		if !ok {
			continue
		}
		page.Holdings = append(page.Holdings, TokenHolding{
			Contract:   common.HexToAddress(row.Contract),
			RawBalance: bal,
			Decimals:   row.Decimals,
			Name:       row.Name,
			Symbol:     row.Symbol,
			PriceUSD:   row.PriceUSD,
		})
	}
	return page, nil
}

func (c *HTTPClient) NFTsByOwner(ctx context.Context, network chain.Network, owner common.Address, cursor string) (*NFTsPage, error) {
	slug, err := c.slug(network)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	var raw nftsResp
	if err := c.get(ctx, fmt.Sprintf("/%s/v1/accounts/%s/nfts", slug, owner.Hex()), params, &raw); err != nil {
		return nil, err
	}
	page := &NFTsPage{Cursor: raw.Cursor}
	for _, row := range raw.NFTs {
		if !common.IsHexAddress(row.Contract) {
			continue
		}
		h := NFTHolding{
			Contract: common.HexToAddress(row.Contract),
			Standard: row.Standard,
			Name:     row.Name,
		}
		for _, s := range row.TokenIDs {
			if id, ok := new(big.Int).SetString(s, 10); ok {
				h.TokenIDs = append(h.TokenIDs, id)
			}
		}
		page.Holdings = append(page.Holdings, h)
	}
	return page, nil
}

func (c *HTTPClient) TokenPrice(ctx context.Context, network chain.Network, contract common.Address) (float64, bool, error) {
	slug, err := c.slug(network)
	if err != nil {
		return 0, false, err
	}
	var raw priceResp
	if err := c.get(ctx, fmt.Sprintf("/%s/v1/tokens/%s/price", slug, contract.Hex()), nil, &raw); err != nil {
		return 0, false, err
	}
	if raw.PriceUSD == nil {
		return 0, false, nil
	}
	return *raw.PriceUSD, true, nil
}
