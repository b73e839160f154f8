package router

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Store 定义基金记录的持久化接口。读取方法返回副本，所有写入通过 Commit 原子提交。
type Store interface {
	// GetAgent 返回基金记录，不存在时返回 ErrAgentNotFound。
	GetAgent(ctx context.Context, id AgentID) (*Agent, error)
	// GetRound 返回指定轮次，不存在时返回 ErrRoundNotFound。
	GetRound(ctx context.Context, id AgentID, round uint64) (*Round, error)
	// GetPosition 返回存款人仓位，不存在时返回零值仓位。
	GetPosition(ctx context.Context, id AgentID, round uint64, account common.Address) (*UserPosition, error)
	// GetFeeConfig 返回基金的协议费率。
	GetFeeConfig(ctx context.Context, id AgentID) (FeeConfig, error)
	// FeeReceiver 返回全局的费用接收地址。
	FeeReceiver(ctx context.Context) (common.Address, error)
	// TokenIDOwner 返回消费了 nonce 的地址。
	TokenIDOwner(ctx context.Context, id AgentID, round uint64, tokenID *big.Int) (common.Address, bool, error)
	// GetDistribution 返回派发任务，不存在时返回 nil。
	GetDistribution(ctx context.Context, id AgentID, round uint64) (*Distribution, error)
	// ListAgents 返回处于指定状态的基金。
	ListAgents(ctx context.Context, state State) ([]AgentID, error)
	// Commit 原子地写入一批变更。
	Commit(ctx context.Context, changes Changes) error
	Close() error
}

// TokenIDClaim 表示一次 nonce 消费。
type TokenIDClaim struct {
	AgentID AgentID
	Round   uint64
	TokenID *big.Int
	Owner   common.Address
}

// FeeConfigChange 表示一次费率更新。
type FeeConfigChange struct {
	AgentID AgentID
	Config  FeeConfig
}

// Changes 是一次调用需要提交的全部记录。
type Changes struct {
	Agent        *Agent
	Rounds       []*Round
	Positions    []*UserPosition
	FeeConfig    *FeeConfigChange
	FeeReceiver  *common.Address
	TokenIDs     []TokenIDClaim
	Distribution *Distribution
}

// Empty 判断是否没有任何变更。
func (c Changes) Empty() bool {
	return c.Agent == nil && len(c.Rounds) == 0 && len(c.Positions) == 0 &&
		c.FeeConfig == nil && c.FeeReceiver == nil && len(c.TokenIDs) == 0 && c.Distribution == nil
}
