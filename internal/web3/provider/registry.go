package provider

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"strings"

	"FundRouter/internal/config"
	"FundRouter/internal/web3"
	"FundRouter/internal/web3/ethereum"
)

const fallbackChain = "default"

type chainEntry struct {
	client   web3.Client
	expected uint64
}

// Registry holds one dialled client per configured chain.
type Registry struct {
	defaultChain string
	chains       map[string]chainEntry
}

// NewRegistry dials every chain in cfg.ChainConfig, or cfg.RPCURL when the
// file defines none, and selects the default chain.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}
	if len(defs.Chains) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		defs.Chains[fallbackChain] = web3.ChainDefinition{RPCURL: cfg.RPCURL}
	}
	if len(defs.Chains) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	reg := &Registry{chains: make(map[string]chainEntry, len(defs.Chains))}
	for _, name := range defs.Names() {
		if err := reg.dial(ctx, name, defs.Chains[name]); err != nil {
			reg.Close()
			return nil, err
		}
	}

	reg.defaultChain = cfg.DefaultChain
	if reg.defaultChain == "" {
		reg.defaultChain = defs.Names()[0]
	}
	if _, ok := reg.chains[reg.defaultChain]; !ok {
		reg.Close()
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", reg.defaultChain)
	}
	return reg, nil
}

func (r *Registry) dial(ctx context.Context, name string, def web3.ChainDefinition) error {
	if def.Kind() != web3.ChainTypeEVM {
		return fmt.Errorf("链 %s 使用了不支持的类型 %s", name, def.Type)
	}
	client, err := ethereum.NewClient(ctx, ethereum.Config{Name: name, RPCURL: def.RPCURL, Notes: def.Description})
	if err != nil {
		return fmt.Errorf("初始化链 %s 失败: %w", name, err)
	}
	r.chains[name] = chainEntry{client: client, expected: def.ChainID}
	return nil
}

// DefaultClient returns the client of the default chain.
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	if client, ok := r.Client(r.defaultChain); ok {
		return client, nil
	}
	return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
}

// DefaultChain names the default chain.
func (r *Registry) DefaultChain() string {
	if r == nil {
		return ""
	}
	return r.defaultChain
}

// Client looks up a chain by name.
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	entry, ok := r.chains[name]
	return entry.client, ok
}

// ExpectedChainID is the id pinned in chain.yaml for name, nil when unpinned.
func (r *Registry) ExpectedChainID(name string) *big.Int {
	if r == nil || r.chains[name].expected == 0 {
		return nil
	}
	return new(big.Int).SetUint64(r.chains[name].expected)
}

// Close closes every client and empties the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, entry := range r.chains {
		if entry.client != nil {
			entry.client.Close()
		}
		delete(r.chains, name)
	}
}

// Chains lists the registered chain names in lexical order.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.chains))
	for name := range r.chains {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
