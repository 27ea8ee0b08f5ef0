package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/tollgate-labs/tollgate/internal/config"
)

// ReceiptSource is the slice of the RPC surface the verifier needs.
// *ethclient.Client satisfies it; tests substitute a mock.
type ReceiptSource interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Client holds the primary RPC endpoint and an optional fallback used
// for one bounded retry when the primary is unreachable.
type Client struct {
	primary  ReceiptSource
	fallback ReceiptSource
}

// NewClient dials the configured endpoints and verifies each one serves
// the configured chain, so a misconfigured RPC URL fails at startup
// instead of silently verifying payments against the wrong network.
func NewClient(ctx context.Context, cfg *config.Config) (*Client, error) {
	want := big.NewInt(cfg.Chain.ChainID)

	primary, err := dialAndCheck(ctx, cfg.Chain.RPCURL, want)
	if err != nil {
		return nil, fmt.Errorf("primary rpc: %w", err)
	}

	c := &Client{primary: primary}
	if cfg.Chain.FallbackRPCURL != "" {
		fallback, err := dialAndCheck(ctx, cfg.Chain.FallbackRPCURL, want)
		if err != nil {
			return nil, fmt.Errorf("fallback rpc: %w", err)
		}
		c.fallback = fallback
	}
	return c, nil
}

func dialAndCheck(ctx context.Context, url string, want *big.Int) (*ethclient.Client, error) {
	ec, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	got, err := ec.ChainID(ctx)
	if err != nil {
		ec.Close()
		return nil, fmt.Errorf("query chain id: %w", err)
	}
	if got.Cmp(want) != 0 {
		ec.Close()
		return nil, fmt.Errorf("endpoint serves chain %s, configured chain %s", got, want)
	}
	return ec, nil
}

// Primary returns the primary receipt source.
func (c *Client) Primary() ReceiptSource { return c.primary }

// Fallback returns the fallback receipt source, or nil when unconfigured.
func (c *Client) Fallback() ReceiptSource { return c.fallback }
