// Package tokenmetadata reads ERC-20 metadata straight from the token
// contract and caches it per address.
package tokenmetadata

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	x402evm "github.com/x402-foundation/paygate/mechanisms/evm"
)

// TokenMetadata describes an ERC-20 token
type TokenMetadata struct {
	TokenAddress string `json:"tokenAddress"`
	Name         string `json:"name"`
	Symbol       string `json:"symbol"`
	Decimals     uint8  `json:"decimals"`
}

// ContractReader performs read-only contract calls
type ContractReader interface {
	ReadContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (interface{}, error)
}

// Client reads token metadata through a ContractReader
type Client struct {
	reader ContractReader

	mu    sync.Mutex
	cache map[string]TokenMetadata
}

// NewClient creates a metadata client
func NewClient(reader ContractReader) *Client {
	return &Client{
		reader: reader,
		cache:  make(map[string]TokenMetadata),
	}
}

// GetMetadata returns the token's name, symbol and decimals. Decimals are
// required; name and symbol are optional in ERC-20 and stay empty when the
// contract does not implement them.
func (c *Client) GetMetadata(ctx context.Context, tokenAddress string) (*TokenMetadata, error) {
	if !x402evm.IsValidAddress(tokenAddress) {
		return nil, fmt.Errorf("invalid token address: %s", tokenAddress)
	}
	key := strings.ToLower(tokenAddress)

	c.mu.Lock()
	if md, ok := c.cache[key]; ok {
		c.mu.Unlock()
		return &md, nil
	}
	c.mu.Unlock()

	md := TokenMetadata{TokenAddress: tokenAddress}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		out, err := c.reader.ReadContract(gctx, tokenAddress, x402evm.ERC20DecimalsABI, x402evm.FunctionDecimals)
		if err != nil {
			return fmt.Errorf("failed to read token decimals: %w", err)
		}
		d, ok := out.(uint8)
		if !ok {
			return fmt.Errorf("unexpected decimals type: %T", out)
		}
		md.Decimals = d
		return nil
	})
	g.Go(func() error {
		md.Name = c.readString(gctx, tokenAddress, x402evm.FunctionName)
		return nil
	})
	g.Go(func() error {
		md.Symbol = c.readString(gctx, tokenAddress, x402evm.FunctionSymbol)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[key] = md
	c.mu.Unlock()
	return &md, nil
}

// GetDecimals is GetMetadata narrowed to decimals
func (c *Client) GetDecimals(ctx context.Context, tokenAddress string) (uint8, error) {
	md, err := c.GetMetadata(ctx, tokenAddress)
	if err != nil {
		return 0, err
	}
	return md.Decimals, nil
}

func (c *Client) readString(ctx context.Context, tokenAddress, function string) string {
	out, err := c.reader.ReadContract(ctx, tokenAddress, x402evm.ERC20MetadataABI, function)
	if err != nil {
		return ""
	}
	s, _ := out.(string)
	return s
}
