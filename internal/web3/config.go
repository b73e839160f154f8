package web3

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainTypeEVM is the only chain family the router settles on.
const ChainTypeEVM = "evm"

// ChainDefinitions is the decoded form of configs/chain.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition is one named RPC endpoint. A non-zero ChainID pins the id
// the endpoint must report.
type ChainDefinition struct {
	Type        string `yaml:"type"`
	ChainID     uint64 `yaml:"chain_id"`
	RPCURL      string `yaml:"rpc_url"`
	Description string `yaml:"description"`
}

// Kind returns the lower-cased chain family, defaulting to evm.
func (d ChainDefinition) Kind() string {
	if k := strings.ToLower(strings.TrimSpace(d.Type)); k != "" {
		return k
	}
	return ChainTypeEVM
}

// Names lists the defined chains in lexical order.
func (d ChainDefinitions) Names() []string {
	names := make([]string, 0, len(d.Chains))
	for name := range d.Chains {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// LoadChainDefinitions reads path; an empty path yields no chains.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	return ParseChainDefinitions(raw)
}

// ParseChainDefinitions decodes YAML and rejects entries without an endpoint.
func ParseChainDefinitions(raw []byte) (ChainDefinitions, error) {
	defs := ChainDefinitions{}
	if err := yaml.Unmarshal(raw, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	for _, name := range defs.Names() {
		if strings.TrimSpace(defs.Chains[name].RPCURL) == "" {
			return ChainDefinitions{}, fmt.Errorf("链 %s 缺少 rpc_url", name)
		}
	}
	return defs, nil
}
