package web3

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ChainSnapshot represents summarized network metadata for reporting.
type ChainSnapshot struct {
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// TokenMetadata is the subset of ERC-20 metadata the router depends on.
type TokenMetadata struct {
	Address  common.Address `json:"address"`
	Symbol   string         `json:"symbol"`
	Decimals uint8          `json:"decimals"`
}

// Client defines the read-only chain surface the daemon uses to check its
// configuration against the network it is deployed to.
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	ChainID(ctx context.Context) (*big.Int, error)
	TokenMetadata(ctx context.Context, token common.Address) (TokenMetadata, error)
	Close()
}

// TokenExpectation pairs a token address with the decimals configured locally.
type TokenExpectation struct {
	Address  common.Address
	Decimals uint8
}

// VerifyDeployment checks that the chain id and settlement token decimals
// reported by the client match the local configuration.
func VerifyDeployment(ctx context.Context, client Client, chainID *big.Int, tokens []TokenExpectation) error {
	if client == nil {
		return fmt.Errorf("未初始化的链客户端")
	}
	if chainID != nil && chainID.Sign() > 0 {
		actual, err := client.ChainID(ctx)
		if err != nil {
			return err
		}
		if actual.Cmp(chainID) != 0 {
			return fmt.Errorf("链 ID 不匹配: 配置 %s, 节点 %s", chainID, actual)
		}
	}
	for _, expect := range tokens {
		meta, err := client.TokenMetadata(ctx, expect.Address)
		if err != nil {
			return err
		}
		if meta.Decimals != expect.Decimals {
			return fmt.Errorf("代币 %s 精度不匹配: 配置 %d, 链上 %d", expect.Address.Hex(), expect.Decimals, meta.Decimals)
		}
	}
	return nil
}
