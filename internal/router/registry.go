package router

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"

	"FundRouter/internal/auth"
	"FundRouter/internal/events"
	"FundRouter/internal/token"

	"github.com/ethereum/go-ethereum/common"
)

// Registration 是注册基金所需的全部参数。
type Registration struct {
	ID               AgentID
	Name             string
	Type             string
	DepositToken     common.Address
	OperatingAddress common.Address
	CreatorAddress   common.Address
	Deposit          DepositConfig
}

// RegisterAgent 创建基金并开启第一轮存款。
func (r *Router) RegisterAgent(ctx context.Context, caller common.Address, reg Registration) (err error) {
	defer r.observe("register_agent", &err)
	if err := r.requireRole(ctx, auth.RoleManager, caller); err != nil {
		return err
	}
	unlock := r.lock(reg.ID)
	defer unlock()

	existing, err := r.store.GetAgent(ctx, reg.ID)
	switch {
	case err == nil && existing.State != StateUnset:
		return ErrIncorrectAgentState.With("agent_id", reg.ID.String()).With("state", existing.State.String())
	case err != nil && !errors.Is(err, ErrAgentNotFound):
		return err
	}

	if reg.ID.IsZero() {
		return zeroData("agent_id")
	}
	if err := validateMetadata(reg.Name, reg.Type); err != nil {
		return err
	}
	if reg.DepositToken == (common.Address{}) {
		return zeroData("deposit_token")
	}
	depositToken, err := r.tokens.Resolve(reg.DepositToken)
	if err != nil {
		return err
	}
	supply, err := depositToken.TotalSupply(ctx)
	if err != nil {
		return err
	}
	if supply.Sign() == 0 {
		return zeroData("deposit_token")
	}
	if reg.OperatingAddress == (common.Address{}) {
		return zeroData("operating_address")
	}
	if err := validateDepositConfig(reg.Deposit); err != nil {
		return err
	}
	if err := r.settlement.ApproveExchange(ctx, reg.DepositToken); err != nil {
		return err
	}

	agent := &Agent{
		ID:               reg.ID,
		State:            StateAcceptingDeposits,
		Round:            1,
		Name:             strings.TrimSpace(reg.Name),
		Type:             strings.TrimSpace(reg.Type),
		DepositToken:     reg.DepositToken,
		OperatingAddress: reg.OperatingAddress,
		CreatorAddress:   reg.CreatorAddress,
		Deposit:          reg.Deposit.clone(),
	}
	err = r.commit(ctx, Changes{
		Agent:     agent,
		Rounds:    []*Round{newRound(agent.ID, 1)},
		FeeConfig: &FeeConfigChange{AgentID: agent.ID, Config: DefaultFeeConfig()},
	})
	if err != nil {
		return err
	}

	r.audit.Info("agent_registered",
		slog.String("agent_id", agent.ID.String()),
		slog.String("name", agent.Name),
		slog.String("type", agent.Type),
		slog.String("deposit_token", agent.DepositToken.Hex()),
		slog.String("operating_address", agent.OperatingAddress.Hex()),
		slog.String("creator", agent.CreatorAddress.Hex()),
		slog.String("caller", caller.Hex()),
	)
	r.auditState(agent, caller)
	r.publish(ctx, caller,
		events.New(events.TypeAgentRegistered, agent.ID.String(), agent.Round, map[string]string{
			"name":              agent.Name,
			"type":              agent.Type,
			"deposit_token":     agent.DepositToken.Hex(),
			"operating_address": agent.OperatingAddress.Hex(),
			"creator":           agent.CreatorAddress.Hex(),
		}),
		stateEvent(agent),
	)
	return nil
}

// StartTrading 将本轮存款转给运营地址并进入交易阶段。
func (r *Router) StartTrading(ctx context.Context, caller common.Address, id AgentID) (err error) {
	defer r.observe("start_trading", &err)
	if err := r.requireRole(ctx, auth.RoleScheduler, caller); err != nil {
		return err
	}
	unlock := r.lock(id)
	defer unlock()

	agent, err := r.loadAgent(ctx, id)
	if err != nil {
		return err
	}
	if err := requireState(agent, StateAcceptingDeposits); err != nil {
		return err
	}
	round, err := r.store.GetRound(ctx, id, agent.Round)
	if err != nil {
		return err
	}
	var depositToken token.Token
	if round.TotalDeposited.Sign() > 0 {
		if depositToken, err = r.tokens.Resolve(agent.DepositToken); err != nil {
			return err
		}
		if err := depositToken.Transfer(ctx, r.address, agent.OperatingAddress, round.TotalDeposited); err != nil {
			return err
		}
	}
	agent.State = StateTrading
	if err := r.commit(ctx, Changes{Agent: agent}); err != nil {
		if depositToken != nil {
			// 状态未推进，重试会再次转出资本，先收回。
			r.undo(ctx, agent, "reclaim capital", round.TotalDeposited, func() error {
				return depositToken.TransferFrom(ctx, r.address, agent.OperatingAddress, r.address, round.TotalDeposited)
			})
		}
		return err
	}
	r.audit.Info("capital_released",
		slog.String("agent_id", id.String()),
		slog.Uint64("round", agent.Round),
		slog.String("operating_address", agent.OperatingAddress.Hex()),
		slog.String("amount", round.TotalDeposited.String()),
	)
	r.auditState(agent, caller)
	r.publish(ctx, caller, stateEvent(agent))
	return nil
}

// StartWaiting 结束交易阶段，等待运营方归还收益。
func (r *Router) StartWaiting(ctx context.Context, caller common.Address, id AgentID) (err error) {
	defer r.observe("start_waiting", &err)
	return r.transition(ctx, caller, id, StateTrading, StateAwaitingSettlement)
}

// StartDeposit 在派发完成后开启新一轮存款。
func (r *Router) StartDeposit(ctx context.Context, caller common.Address, id AgentID) (err error) {
	defer r.observe("start_deposit", &err)
	return r.transition(ctx, caller, id, StateDistributed, StateAcceptingDeposits)
}

func (r *Router) transition(ctx context.Context, caller common.Address, id AgentID, from, to State) error {
	if err := r.requireRole(ctx, auth.RoleScheduler, caller); err != nil {
		return err
	}
	unlock := r.lock(id)
	defer unlock()

	agent, err := r.loadAgent(ctx, id)
	if err != nil {
		return err
	}
	if err := requireState(agent, from); err != nil {
		return err
	}
	agent.State = to
	changes := Changes{Agent: agent}
	if to == StateAcceptingDeposits {
		agent.Round++
		changes.Rounds = []*Round{newRound(id, agent.Round)}
	}
	if err := r.commit(ctx, changes); err != nil {
		return err
	}
	r.auditState(agent, caller)
	r.publish(ctx, caller, stateEvent(agent))
	return nil
}

// SetProtocolFeeConfig 更新基金费率，只能在两轮之间或本轮尚无存款时修改。
func (r *Router) SetProtocolFeeConfig(ctx context.Context, caller common.Address, id AgentID, cfg FeeConfig) (err error) {
	defer r.observe("set_protocol_fee_config", &err)
	if err := r.requireRole(ctx, auth.RoleManager, caller); err != nil {
		return err
	}
	unlock := r.lock(id)
	defer unlock()

	agent, err := r.loadAgent(ctx, id)
	if err != nil {
		return err
	}
	if agent.State != StateDistributed {
		if err := requireState(agent, StateAcceptingDeposits); err != nil {
			return err
		}
		round, err := r.store.GetRound(ctx, id, agent.Round)
		if err != nil {
			return err
		}
		if round.ParticipantCount > 0 {
			return ErrIncorrectAgentState.
				With("agent_id", id.String()).
				With("state", agent.State.String()).
				With("participants", strconv.FormatUint(round.ParticipantCount, 10))
		}
	}
	if err := validateFeeConfig(cfg); err != nil {
		return err
	}
	if err := r.commit(ctx, Changes{FeeConfig: &FeeConfigChange{AgentID: id, Config: cfg}}); err != nil {
		return err
	}
	payload := map[string]string{
		"base_management_rate":    strconv.Itoa(int(cfg.BaseManagementRate)),
		"base_performance_rate":   strconv.Itoa(int(cfg.BasePerformanceRate)),
		"member_management_rate":  strconv.Itoa(int(cfg.MemberManagementRate)),
		"member_performance_rate": strconv.Itoa(int(cfg.MemberPerformanceRate)),
	}
	r.audit.Info("protocol_fee_config_set", slog.String("agent_id", id.String()), slog.Any("rates", payload))
	r.publish(ctx, caller, events.New(events.TypeProtocolFeeConfigSet, id.String(), agent.Round, payload))
	return nil
}

// SetProtocolFeeReceiver 更新全局费用接收地址。
func (r *Router) SetProtocolFeeReceiver(ctx context.Context, caller, receiver common.Address) (err error) {
	defer r.observe("set_protocol_fee_receiver", &err)
	if err := r.requireRole(ctx, auth.RoleAdmin, caller); err != nil {
		return err
	}
	if receiver == (common.Address{}) {
		return zeroData("fee_receiver")
	}
	if err := r.commit(ctx, Changes{FeeReceiver: &receiver}); err != nil {
		return err
	}
	r.audit.Info("protocol_fee_receiver_set", slog.String("receiver", receiver.Hex()), slog.String("caller", caller.Hex()))
	r.publish(ctx, caller, events.New(events.TypeProtocolFeeReceiverSet, "", 0, map[string]string{
		"receiver": receiver.Hex(),
	}))
	return nil
}

// SetDepositConfig 在两轮之间更新份额价格与容量窗口。
func (r *Router) SetDepositConfig(ctx context.Context, caller common.Address, id AgentID, cfg DepositConfig) (err error) {
	defer r.observe("set_deposit_config", &err)
	agent, unlock, err := r.betweenRounds(ctx, caller, id)
	if err != nil {
		return err
	}
	defer unlock()
	if err := validateDepositConfig(cfg); err != nil {
		return err
	}
	agent.Deposit = cfg.clone()
	if err := r.commit(ctx, Changes{Agent: agent}); err != nil {
		return err
	}
	payload := map[string]string{
		"share_price":       cfg.SharePrice.String(),
		"base_min_shares":   strconv.FormatUint(cfg.BaseMinShares, 10),
		"base_max_shares":   strconv.FormatUint(cfg.BaseMaxShares, 10),
		"member_min_shares": strconv.FormatUint(cfg.MemberMinShares, 10),
		"member_max_shares": strconv.FormatUint(cfg.MemberMaxShares, 10),
		"shares_cap":        strconv.FormatUint(cfg.SharesCap, 10),
	}
	r.audit.Info("deposit_config_set", slog.String("agent_id", id.String()), slog.Any("config", payload))
	r.publish(ctx, caller, events.New(events.TypeDepositConfigSet, id.String(), agent.Round, payload))
	return nil
}

// SetAgentMetadata 在两轮之间更新基金名称与类型。
func (r *Router) SetAgentMetadata(ctx context.Context, caller common.Address, id AgentID, name, typ string) (err error) {
	defer r.observe("set_agent_metadata", &err)
	agent, unlock, err := r.betweenRounds(ctx, caller, id)
	if err != nil {
		return err
	}
	defer unlock()
	if err := validateMetadata(name, typ); err != nil {
		return err
	}
	agent.Name = strings.TrimSpace(name)
	agent.Type = strings.TrimSpace(typ)
	if err := r.commit(ctx, Changes{Agent: agent}); err != nil {
		return err
	}
	r.audit.Info("agent_metadata_set",
		slog.String("agent_id", id.String()),
		slog.String("name", agent.Name),
		slog.String("type", agent.Type),
	)
	r.publish(ctx, caller, events.New(events.TypeAgentMetadataSet, id.String(), agent.Round, map[string]string{
		"name": agent.Name,
		"type": agent.Type,
	}))
	return nil
}

// betweenRounds 校验 MANAGER 角色并确认基金处于 Distributed，成功时持有基金锁。
func (r *Router) betweenRounds(ctx context.Context, caller common.Address, id AgentID) (*Agent, func(), error) {
	if err := r.requireRole(ctx, auth.RoleManager, caller); err != nil {
		return nil, nil, err
	}
	unlock := r.lock(id)
	agent, err := r.loadAgent(ctx, id)
	if err == nil {
		err = requireState(agent, StateDistributed)
	}
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return agent, unlock, nil
}

func validateMetadata(name, typ string) error {
	if strings.TrimSpace(name) == "" {
		return zeroData("name")
	}
	if strings.TrimSpace(typ) == "" {
		return zeroData("type")
	}
	return nil
}

func validateDepositConfig(cfg DepositConfig) error {
	if cfg.SharePrice == nil || cfg.SharePrice.Sign() <= 0 {
		return zeroData("share_price")
	}
	if cfg.BaseMinShares > cfg.BaseMaxShares {
		return zeroData("base_shares")
	}
	if cfg.MemberMinShares > cfg.MemberMaxShares {
		return zeroData("member_shares")
	}
	if cfg.SharesCap == 0 {
		return zeroData("shares_cap")
	}
	return nil
}
