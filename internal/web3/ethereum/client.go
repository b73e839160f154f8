package ethereum

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"FundRouter/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

const erc20MetadataABI = `[
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"}
]`

var erc20ABI = mustParseABI(erc20MetadataABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse erc20 abi: %v", err))
	}
	return parsed
}

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name   string
	RPCURL string
	Notes  string
}

// Backend is the subset of an EVM node API the client relies on. Both
// *ethclient.Client and the simulated backend client satisfy it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	backend   Backend

	mu      sync.Mutex
	chainID *big.Int
}

var _ web3.Client = (*Client)(nil)

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	eth := ethclient.NewClient(rpcClient)
	return &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		eth:       eth,
		backend:   eth,
	}, nil
}

// NewBackendClient wraps an already connected backend, e.g. a simulated chain.
func NewBackendClient(name, notes string, backend Backend) *Client {
	return &Client{name: name, notes: notes, backend: backend}
}

// Name returns the chain name from the configuration.
func (c *Client) Name() string { return c.name }

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpcClient = nil
	c.backend = nil
}

func (c *Client) currentBackend() (Backend, error) {
	if c == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backend == nil {
		return nil, errors.New("客户端缺少链访问后端")
	}
	return c.backend, nil
}

// ChainID returns the chain id reported by the node. The value is cached
// after the first successful call.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	backend, err := c.currentBackend()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}

	id, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.mu.Lock()
	c.chainID = new(big.Int).Set(id)
	c.mu.Unlock()
	return id, nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	backend, err := c.currentBackend()
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	blockNumber, err := backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

// TokenMetadata reads symbol() and decimals() from an ERC-20 contract.
func (c *Client) TokenMetadata(ctx context.Context, token common.Address) (web3.TokenMetadata, error) {
	backend, err := c.currentBackend()
	if err != nil {
		return web3.TokenMetadata{}, err
	}
	if token == (common.Address{}) {
		return web3.TokenMetadata{}, errors.New("代币地址不能为空")
	}

	raw, err := call(ctx, backend, token, "decimals")
	if err != nil {
		return web3.TokenMetadata{}, err
	}
	out, err := erc20ABI.Unpack("decimals", raw)
	if err != nil || len(out) == 0 {
		return web3.TokenMetadata{}, fmt.Errorf("解析 %s decimals 失败: %v", token.Hex(), err)
	}
	decimals, ok := out[0].(uint8)
	if !ok {
		return web3.TokenMetadata{}, fmt.Errorf("%s decimals 返回类型异常 %T", token.Hex(), out[0])
	}

	raw, err = call(ctx, backend, token, "symbol")
	if err != nil {
		return web3.TokenMetadata{}, err
	}
	return web3.TokenMetadata{Address: token, Symbol: decodeSymbol(raw), Decimals: decimals}, nil
}

func call(ctx context.Context, backend Backend, token common.Address, method string) ([]byte, error) {
	input, err := erc20ABI.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("编码 %s 调用失败: %w", method, err)
	}
	out, err := backend.CallContract(ctx, gethcore.CallMsg{To: &token, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("调用 %s.%s 失败: %w", token.Hex(), method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s 未实现 %s", token.Hex(), method)
	}
	return out, nil
}

// decodeSymbol accepts both the standard string return and the bytes32
// variant used by older tokens.
func decodeSymbol(raw []byte) string {
	if out, err := erc20ABI.Unpack("symbol", raw); err == nil && len(out) > 0 {
		if s, ok := out[0].(string); ok {
			return s
		}
	}
	if len(raw) == 32 {
		return string(bytes.TrimRight(raw, "\x00"))
	}
	return ""
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
