package settlement

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// DefaultFeeTier 是单跳兑换的默认费率档位（百万分之一）。
const DefaultFeeTier uint32 = 100

// Config 对应 configs/settlement.yaml。
type Config struct {
	Primary    string       `yaml:"primary"`
	Secondary  string       `yaml:"secondary"`
	DefaultFee uint32       `yaml:"default_fee"`
	Pools      []PoolConfig `yaml:"pools"`
}

// PoolConfig 描述一个兑换池。汇率表示 1 单位 token_a 可兑换 rate_num/rate_den 单位 token_b。
type PoolConfig struct {
	TokenA  string `yaml:"token_a"`
	TokenB  string `yaml:"token_b"`
	Fee     uint32 `yaml:"fee"`
	RateNum int64  `yaml:"rate_num"`
	RateDen int64  `yaml:"rate_den"`
}

// LoadConfig 解析结算配置文件。
func LoadConfig(path string) (Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("读取结算配置失败: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("解析结算配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate 检查地址格式并填充默认值。
func (c *Config) Validate() error {
	if c.DefaultFee == 0 {
		c.DefaultFee = DefaultFeeTier
	}
	for _, raw := range []string{c.Primary, c.Secondary} {
		if !common.IsHexAddress(strings.TrimSpace(raw)) {
			return fmt.Errorf("结算代币地址无效: %q", raw)
		}
	}
	if strings.EqualFold(c.Primary, c.Secondary) {
		return fmt.Errorf("主结算代币与备用结算代币不能相同")
	}
	for i := range c.Pools {
		p := &c.Pools[i]
		if !common.IsHexAddress(p.TokenA) || !common.IsHexAddress(p.TokenB) {
			return fmt.Errorf("兑换池 %d 的代币地址无效", i)
		}
		if p.Fee == 0 {
			p.Fee = c.DefaultFee
		}
		if p.RateNum <= 0 {
			p.RateNum = 1
		}
		if p.RateDen <= 0 {
			p.RateDen = 1
		}
	}
	return nil
}

// PrimaryAddress 返回主结算代币地址。
func (c Config) PrimaryAddress() common.Address { return common.HexToAddress(c.Primary) }

// SecondaryAddress 返回备用结算代币地址。
func (c Config) SecondaryAddress() common.Address { return common.HexToAddress(c.Secondary) }
