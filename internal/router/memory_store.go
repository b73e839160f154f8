package router

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type roundKey struct {
	id    AgentID
	round uint64
}

type positionKey struct {
	id      AgentID
	round   uint64
	account common.Address
}

type tokenIDKey struct {
	id      AgentID
	round   uint64
	tokenID string
}

// MemoryStore 以内存方式保存基金记录，主要用于测试与单机部署。
type MemoryStore struct {
	mu            sync.RWMutex
	agents        map[AgentID]*Agent
	rounds        map[roundKey]*Round
	positions     map[positionKey]*UserPosition
	fees          map[AgentID]FeeConfig
	feeReceiver   common.Address
	tokenIDs      map[tokenIDKey]common.Address
	distributions map[roundKey]*Distribution
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:        make(map[AgentID]*Agent),
		rounds:        make(map[roundKey]*Round),
		positions:     make(map[positionKey]*UserPosition),
		fees:          make(map[AgentID]FeeConfig),
		tokenIDs:      make(map[tokenIDKey]common.Address),
		distributions: make(map[roundKey]*Distribution),
	}
}

// GetAgent 实现 Store 接口。
func (m *MemoryStore) GetAgent(_ context.Context, id AgentID) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound.With("agent_id", id.String())
	}
	return agent.clone(), nil
}

// GetRound 实现 Store 接口。
func (m *MemoryStore) GetRound(_ context.Context, id AgentID, round uint64) (*Round, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rounds[roundKey{id: id, round: round}]
	if !ok {
		return nil, ErrRoundNotFound.With("agent_id", id.String())
	}
	return r.clone(), nil
}

// GetPosition 实现 Store 接口。
func (m *MemoryStore) GetPosition(_ context.Context, id AgentID, round uint64, account common.Address) (*UserPosition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.positions[positionKey{id: id, round: round, account: account}]; ok {
		return p.clone(), nil
	}
	return &UserPosition{AgentID: id, Round: round, Account: account, AmountDeposited: new(big.Int)}, nil
}

// GetFeeConfig 实现 Store 接口。
func (m *MemoryStore) GetFeeConfig(_ context.Context, id AgentID) (FeeConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fees[id], nil
}

// FeeReceiver 实现 Store 接口。
func (m *MemoryStore) FeeReceiver(context.Context) (common.Address, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.feeReceiver, nil
}

// TokenIDOwner 实现 Store 接口。
func (m *MemoryStore) TokenIDOwner(_ context.Context, id AgentID, round uint64, tokenID *big.Int) (common.Address, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	owner, ok := m.tokenIDs[tokenIDKey{id: id, round: round, tokenID: tokenID.String()}]
	return owner, ok, nil
}

// GetDistribution 实现 Store 接口。
func (m *MemoryStore) GetDistribution(_ context.Context, id AgentID, round uint64) (*Distribution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.distributions[roundKey{id: id, round: round}].clone(), nil
}

// ListAgents 实现 Store 接口。
func (m *MemoryStore) ListAgents(_ context.Context, state State) ([]AgentID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]AgentID, 0)
	for id, agent := range m.agents {
		if agent.State == state {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

// Commit 实现 Store 接口，在一次加锁内写入全部变更。
func (m *MemoryStore) Commit(_ context.Context, c Changes) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.Agent != nil {
		m.agents[c.Agent.ID] = c.Agent.clone()
	}
	for _, r := range c.Rounds {
		m.rounds[roundKey{id: r.AgentID, round: r.Number}] = r.clone()
	}
	for _, p := range c.Positions {
		m.positions[positionKey{id: p.AgentID, round: p.Round, account: p.Account}] = p.clone()
	}
	if c.FeeConfig != nil {
		m.fees[c.FeeConfig.AgentID] = c.FeeConfig.Config
	}
	if c.FeeReceiver != nil {
		m.feeReceiver = *c.FeeReceiver
	}
	for _, claim := range c.TokenIDs {
		m.tokenIDs[tokenIDKey{id: claim.AgentID, round: claim.Round, tokenID: claim.TokenID.String()}] = claim.Owner
	}
	if c.Distribution != nil {
		m.distributions[roundKey{id: c.Distribution.AgentID, round: c.Distribution.Round}] = c.Distribution.clone()
	}
	return nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }
