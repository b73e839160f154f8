package router

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// AgentInfo 是基金记录与当前轮次计数的组合视图。
type AgentInfo struct {
	Agent
	IsAllocationOnly   bool
	ParticipantCount   uint64
	TotalShares        uint64
	TotalDeposited     *big.Int
	DistributionAmount *big.Int
	Participants       []common.Address
}

// AgentInfo 返回基金当前状态；未注册的基金返回 State 为 StateUnset 的零值视图。
func (r *Router) AgentInfo(ctx context.Context, id AgentID) (*AgentInfo, error) {
	agent, err := r.store.GetAgent(ctx, id)
	if errors.Is(err, ErrAgentNotFound) {
		return &AgentInfo{
			Agent:              Agent{ID: id, Deposit: DepositConfig{SharePrice: new(big.Int)}},
			TotalDeposited:     new(big.Int),
			DistributionAmount: new(big.Int),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	round, err := r.store.GetRound(ctx, id, agent.Round)
	if err != nil {
		return nil, err
	}
	return &AgentInfo{
		Agent:              *agent,
		IsAllocationOnly:   r.isAllocationOnly(agent),
		ParticipantCount:   round.ParticipantCount,
		TotalShares:        round.TotalShares,
		TotalDeposited:     round.TotalDeposited,
		DistributionAmount: round.DistributionAmount,
		Participants:       round.Participants,
	}, nil
}

// RoundInfo 返回指定轮次的快照。
func (r *Router) RoundInfo(ctx context.Context, id AgentID, round uint64) (*Round, error) {
	return r.store.GetRound(ctx, id, round)
}

// UserInfo 返回存款人在指定轮次的仓位。
func (r *Router) UserInfo(ctx context.Context, id AgentID, round uint64, account common.Address) (*UserPosition, error) {
	return r.store.GetPosition(ctx, id, round, account)
}

// TokenIDUsed 返回消费了 nonce 的地址，未使用时返回零地址。
func (r *Router) TokenIDUsed(ctx context.Context, id AgentID, round uint64, tokenID *big.Int) (common.Address, error) {
	if tokenID == nil {
		tokenID = new(big.Int)
	}
	owner, _, err := r.store.TokenIDOwner(ctx, id, round, tokenID)
	return owner, err
}

// ProtocolFeeConfig 返回基金费率与全局费用接收地址。
func (r *Router) ProtocolFeeConfig(ctx context.Context, id AgentID) (FeeConfig, common.Address, error) {
	cfg, err := r.store.GetFeeConfig(ctx, id)
	if err != nil {
		return FeeConfig{}, common.Address{}, err
	}
	receiver, err := r.store.FeeReceiver(ctx)
	if err != nil {
		return FeeConfig{}, common.Address{}, err
	}
	return cfg, receiver, nil
}

// DistributionInfo 返回指定轮次的派发任务，不存在时返回 nil。
func (r *Router) DistributionInfo(ctx context.Context, id AgentID, round uint64) (*Distribution, error) {
	return r.store.GetDistribution(ctx, id, round)
}

// PendingDistributions 返回处于 Distributing 状态、等待继续派发的基金。
func (r *Router) PendingDistributions(ctx context.Context) ([]AgentID, error) {
	return r.store.ListAgents(ctx, StateDistributing)
}
