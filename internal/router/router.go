// Package router implements the agent fund lifecycle: registration, round
// state transitions, capacity-gated deposits and resumable distributions.
package router

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"FundRouter/internal/auth"
	"FundRouter/internal/events"
	xerrors "FundRouter/internal/errors"
	"FundRouter/internal/observability/alerting"
	"FundRouter/internal/observability/metrics"
	"FundRouter/internal/settlement"
	"FundRouter/internal/token"
	"FundRouter/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultAllocationType 是只支持私有派发的基金类型。
const DefaultAllocationType = "NFT Index fund"

// Authorizer 判断账户是否持有角色。
type Authorizer interface {
	HasRole(ctx context.Context, role auth.Role, account common.Address) (bool, error)
}

// Router 是基金生命周期的入口，同一基金上的变更操作串行执行。
type Router struct {
	address    common.Address
	chainID    *big.Int
	store      Store
	tokens     token.Resolver
	settlement *settlement.Normalizer
	access     Authorizer
	publisher  events.Publisher
	alerts     alerting.Dispatcher

	stepCost        uint64
	allocationTypes map[string]struct{}

	log   *slog.Logger
	audit *slog.Logger

	locksMu sync.Mutex
	locks   map[AgentID]*sync.Mutex
}

// Option 自定义 Router。
type Option func(*Router)

// WithStepCost 设置派发单个接收方的工作量估算。
func WithStepCost(units uint64) Option {
	return func(r *Router) {
		if units > 0 {
			r.stepCost = units
		}
	}
}

// WithAllocationTypes 设置只允许私有派发的基金类型。
func WithAllocationTypes(types ...string) Option {
	return func(r *Router) {
		r.allocationTypes = make(map[string]struct{}, len(types))
		for _, t := range types {
			if t = strings.TrimSpace(t); t != "" {
				r.allocationTypes[t] = struct{}{}
			}
		}
	}
}

// WithPublisher 设置事件发布器。
func WithPublisher(p events.Publisher) Option {
	return func(r *Router) {
		if p != nil {
			r.publisher = p
		}
	}
}

// WithAlerts 设置告警分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(r *Router) { r.alerts = d }
}

// WithChainID 设置会员授权签名绑定的链 ID。
func WithChainID(id *big.Int) Option {
	return func(r *Router) {
		if id != nil {
			r.chainID = new(big.Int).Set(id)
		}
	}
}

// New 构造 Router。normalizer 的托管账户必须是 Router 自身地址。
func New(address common.Address, store Store, tokens token.Resolver, normalizer *settlement.Normalizer, access Authorizer, opts ...Option) (*Router, error) {
	if address == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "router address is required")
	}
	if store == nil || tokens == nil || normalizer == nil || access == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "router dependencies are not configured")
	}
	if normalizer.Custody() != address {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "settlement custody must be the router address")
	}
	r := &Router{
		address:    address,
		chainID:    big.NewInt(1),
		store:      store,
		tokens:     tokens,
		settlement: normalizer,
		access:     access,
		publisher:  events.Nop{},
		stepCost:   DefaultStepCost,
		log:        logger.Named("router"),
		audit:      logger.Audit(),
		locks:      make(map[AgentID]*sync.Mutex),
	}
	WithAllocationTypes(DefaultAllocationType)(r)
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Address 返回 Router 托管资金的地址。
func (r *Router) Address() common.Address { return r.address }

// ChainID 返回会员授权绑定的链 ID。
func (r *Router) ChainID() *big.Int { return new(big.Int).Set(r.chainID) }

// Close 释放存储与发布器。
func (r *Router) Close() error {
	return errors.Join(r.store.Close(), r.publisher.Close())
}

// lock 获取基金级互斥锁并返回释放函数。
func (r *Router) lock(id AgentID) func() {
	r.locksMu.Lock()
	mu, ok := r.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		r.locks[id] = mu
	}
	r.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func (r *Router) requireRole(ctx context.Context, role auth.Role, caller common.Address) error {
	ok, err := r.access.HasRole(ctx, role, caller)
	if err != nil {
		return err
	}
	if !ok {
		return auth.ErrUnauthorizedAccount.With("account", caller.Hex()).With("role", string(role))
	}
	return nil
}

// isAllocationOnly 判断基金是否只能走私有派发。
func (r *Router) isAllocationOnly(a *Agent) bool {
	if _, ok := r.allocationTypes[a.Type]; ok {
		return true
	}
	return a.Deposit.BaseMaxShares == 0 && a.Deposit.MemberMaxShares == 0
}

// loadAgent 读取基金记录，不存在的基金视为状态错误。
func (r *Router) loadAgent(ctx context.Context, id AgentID) (*Agent, error) {
	agent, err := r.store.GetAgent(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			return nil, ErrIncorrectAgentState.With("agent_id", id.String()).With("state", StateUnset.String())
		}
		return nil, err
	}
	return agent, nil
}

func requireState(a *Agent, want State) error {
	if a.State != want {
		return ErrIncorrectAgentState.
			With("agent_id", a.ID.String()).
			With("state", a.State.String()).
			With("expected", want.String())
	}
	return nil
}

func (r *Router) commit(ctx context.Context, changes Changes) error {
	if changes.Empty() {
		return nil
	}
	if err := r.store.Commit(ctx, changes); err != nil {
		if _, ok := xerrors.From(err); ok {
			return err
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "commit router changes")
	}
	return nil
}

// publish 在提交后发布事件，失败只记录日志并告警。
func (r *Router) publish(ctx context.Context, caller common.Address, evs ...events.Event) {
	if len(evs) == 0 {
		return
	}
	for i := range evs {
		evs[i].Caller = caller.Hex()
	}
	if err := r.publisher.Publish(ctx, evs...); err != nil {
		wrapped := xerrors.Wrap(xerrors.CodePublishFailure, err, "publish router events")
		r.log.Error("事件发布失败", slog.Any("error", wrapped), slog.Int("count", len(evs)))
		r.alert(ctx, wrapped, evs[0].AgentID, evs[0].Round, map[string]string{"event_type": string(evs[0].Type)})
	}
}

func (r *Router) alert(ctx context.Context, err error, agentID string, round uint64, meta map[string]string) {
	if r.alerts == nil || !xerrors.ShouldAlert(err) {
		return
	}
	event := alerting.Event{
		Code:       xerrors.CodeOf(err),
		Message:    err.Error(),
		Severity:   xerrors.SeverityOf(err),
		AgentID:    agentID,
		Round:      round,
		Metadata:   meta,
		OccurredAt: time.Now().UTC(),
	}
	if notifyErr := r.alerts.Notify(ctx, event); notifyErr != nil {
		r.log.Warn("告警发送失败", slog.Any("error", notifyErr))
	}
}

// undo 在操作被拒绝后撤回已经发生的转账，撤回失败时记录日志并告警。
func (r *Router) undo(ctx context.Context, agent *Agent, action string, amount *big.Int, transfer func() error) {
	err := transfer()
	if err == nil {
		return
	}
	wrapped := xerrors.Wrap(CodeRefundFailure, err, action)
	r.log.Error("资金撤回失败",
		slog.String("agent_id", agent.ID.String()),
		slog.String("action", action),
		slog.String("amount", amount.String()),
		slog.Any("error", err),
	)
	r.alert(ctx, wrapped, agent.ID.String(), agent.Round, map[string]string{"action": action, "amount": amount.String()})
}

// observe 记录操作结果指标。
func (r *Router) observe(operation string, err *error) {
	outcome := "ok"
	if err != nil && *err != nil {
		outcome = string(xerrors.CodeOf(*err))
	}
	metrics.ObserveRouterOperation(operation, outcome)
}

func (r *Router) auditState(a *Agent, caller common.Address) {
	r.audit.Info("agent_state_updated",
		slog.String("agent_id", a.ID.String()),
		slog.String("state", a.State.String()),
		slog.Uint64("round", a.Round),
		slog.String("caller", caller.Hex()),
	)
}

func stateEvent(a *Agent) events.Event {
	return events.New(events.TypeAgentStateUpdated, a.ID.String(), a.Round, map[string]string{
		"state": a.State.String(),
	})
}
