package router

import (
	"context"
	"log/slog"
	"math/big"
	"strconv"

	"FundRouter/internal/events"
	"FundRouter/internal/observability/metrics"
	"FundRouter/internal/token"

	"github.com/ethereum/go-ethereum/common"
)

// DistributionResult 汇总一次派发调用的进度。
type DistributionResult struct {
	AgentID   AgentID
	Round     uint64
	Mode      DistributionMode
	Processed int
	Cursor    int
	Total     int
	Completed bool
	FeesPaid  *big.Int
}

// PrivateDistribution 是指定分配派发的输入。
type PrivateDistribution struct {
	Amount       *big.Int
	MinAmountOut *big.Int
	TotalShares  uint64
	Allocations  []Allocation
}

// StartDistribution 从运营地址收回收益，兑换为主结算代币后按份额派发。
// 预算不足时保存进度并返回，剩余部分由 Distribute 继续。
func (r *Router) StartDistribution(ctx context.Context, caller common.Address, id AgentID, amount, minOut *big.Int, budget Budget) (res *DistributionResult, err error) {
	defer r.observe("start_distribution", &err)
	unlock := r.lock(id)
	defer unlock()

	agent, err := r.loadAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := requireState(agent, StateAwaitingSettlement); err != nil {
		return nil, err
	}
	if r.isAllocationOnly(agent) {
		return nil, ErrIncorrectAgentType.With("agent_id", id.String()).With("type", agent.Type)
	}
	if err := requireDistributor(agent, caller); err != nil {
		return nil, err
	}
	if amount == nil {
		amount = new(big.Int)
	}
	if amount.Sign() < 0 {
		return nil, zeroData("amount")
	}
	receiver, err := r.store.FeeReceiver(ctx)
	if err != nil {
		return nil, err
	}
	if receiver == (common.Address{}) {
		return nil, zeroData("fee_receiver")
	}
	round, err := r.store.GetRound(ctx, id, agent.Round)
	if err != nil {
		return nil, err
	}
	fees, err := r.store.GetFeeConfig(ctx, id)
	if err != nil {
		return nil, err
	}

	// 汇总费用需要读取全部持仓，这部分开销不计入 budget，参与人数决定了首次调用的成本上限。
	// 持仓在拉回收益之前读取，读取失败不会留下已转入的资金。
	positions := make([]*UserPosition, 0, len(round.Participants))
	for _, account := range round.Participants {
		pos, err := r.store.GetPosition(ctx, id, agent.Round, account)
		if err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}

	payable, err := r.collectProceeds(ctx, agent, amount, minOut)
	if err != nil {
		return nil, err
	}
	dist := newDistribution(agent, ModeProRata, payable, round.TotalShares)
	if payable.Sign() > 0 {
		if dist.TotalShares == 0 {
			// 没有存款时全部收益归费用接收方。
			dist.FeesAccrued = new(big.Int).Set(payable)
			dist.TotalNet = new(big.Int).Set(payable)
		} else {
			for _, pos := range positions {
				fee, net := CalculateFee(share(payable, pos.SharesPurchased, dist.TotalShares), pos.AmountDeposited, pos.IsMember, fees)
				dist.TotalFee.Add(dist.TotalFee, fee)
				dist.TotalNet.Add(dist.TotalNet, net)
			}
		}
	}
	return r.begin(ctx, caller, agent, round, dist, fees, receiver, budget)
}

// StartPrivateDistribution 对只支持指定分配的基金按显式名单派发，不计提费用。
func (r *Router) StartPrivateDistribution(ctx context.Context, caller common.Address, id AgentID, req PrivateDistribution, budget Budget) (res *DistributionResult, err error) {
	defer r.observe("start_private_distribution", &err)
	unlock := r.lock(id)
	defer unlock()

	agent, err := r.loadAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := requireState(agent, StateAwaitingSettlement); err != nil {
		return nil, err
	}
	if !r.isAllocationOnly(agent) {
		return nil, ErrIncorrectAgentType.With("agent_id", id.String()).With("type", agent.Type)
	}
	if err := requireDistributor(agent, caller); err != nil {
		return nil, err
	}
	amount := req.Amount
	if amount == nil {
		amount = new(big.Int)
	}
	if amount.Sign() < 0 {
		return nil, zeroData("amount")
	}
	if err := validateAllocations(req.TotalShares, req.Allocations); err != nil {
		return nil, err
	}
	round, err := r.store.GetRound(ctx, id, agent.Round)
	if err != nil {
		return nil, err
	}
	receiver, err := r.store.FeeReceiver(ctx)
	if err != nil {
		return nil, err
	}

	payable, err := r.collectProceeds(ctx, agent, amount, req.MinAmountOut)
	if err != nil {
		return nil, err
	}
	round.TotalShares = req.TotalShares
	dist := newDistribution(agent, ModePrivate, payable, req.TotalShares)
	dist.Allocations = append([]Allocation(nil), req.Allocations...)
	for _, a := range dist.Allocations {
		dist.TotalNet.Add(dist.TotalNet, share(payable, a.Shares, dist.TotalShares))
	}
	return r.begin(ctx, caller, agent, round, dist, FeeConfig{}, receiver, budget)
}

// Distribute 从保存的游标继续派发，任何调用方均可触发。
func (r *Router) Distribute(ctx context.Context, caller common.Address, id AgentID, budget Budget) (res *DistributionResult, err error) {
	defer r.observe("distribute", &err)
	unlock := r.lock(id)
	defer unlock()

	agent, err := r.loadAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := requireState(agent, StateDistributing); err != nil {
		return nil, err
	}
	dist, err := r.store.GetDistribution(ctx, id, agent.Round)
	if err != nil {
		return nil, err
	}
	if dist == nil || dist.Completed {
		return nil, ErrIncorrectAgentState.With("agent_id", id.String()).With("reason", "nothing pending")
	}
	round, err := r.store.GetRound(ctx, id, agent.Round)
	if err != nil {
		return nil, err
	}
	receiver, err := r.store.FeeReceiver(ctx)
	if err != nil {
		return nil, err
	}
	var fees FeeConfig
	if dist.Mode == ModeProRata {
		if fees, err = r.store.GetFeeConfig(ctx, id); err != nil {
			return nil, err
		}
	}
	res, evs, err := r.run(ctx, agent, round, dist, fees, receiver, budget)
	r.publish(ctx, caller, evs...)
	return res, err
}

func newDistribution(agent *Agent, mode DistributionMode, payable *big.Int, totalShares uint64) *Distribution {
	return &Distribution{
		AgentID:     agent.ID,
		Round:       agent.Round,
		Mode:        mode,
		Amount:      new(big.Int).Set(payable),
		TotalShares: totalShares,
		TotalFee:    new(big.Int),
		TotalNet:    new(big.Int),
		FeesAccrued: new(big.Int),
		FeesPaid:    new(big.Int),
	}
}

// begin 进入 Distributing 并执行第一批派发；金额为零时直接结束本轮。
func (r *Router) begin(ctx context.Context, caller common.Address, agent *Agent, round *Round, dist *Distribution, fees FeeConfig, receiver common.Address, budget Budget) (*DistributionResult, error) {
	round.DistributionAmount = new(big.Int).Set(dist.Amount)
	agent.State = StateDistributing
	started := []events.Event{stateEvent(agent)}

	if dist.Amount.Sign() == 0 {
		finalize(agent, round, dist)
		if err := r.commit(ctx, Changes{Agent: agent, Rounds: []*Round{round}, Distribution: dist}); err != nil {
			return nil, err
		}
		r.auditState(agent, caller)
		r.publish(ctx, caller, append(started, stateEvent(agent))...)
		return &DistributionResult{
			AgentID:   agent.ID,
			Round:     agent.Round,
			Mode:      dist.Mode,
			Completed: true,
			FeesPaid:  new(big.Int),
		}, nil
	}

	// 先落盘派发记录，之后的中断都能从游标恢复。
	if err := r.commit(ctx, Changes{Agent: agent, Rounds: []*Round{round}, Distribution: dist}); err != nil {
		r.undo(ctx, agent, "return proceeds", dist.Amount, func() error {
			payout, err := r.tokens.Resolve(r.settlement.Primary())
			if err != nil {
				return err
			}
			return payout.Transfer(ctx, r.address, agent.OperatingAddress, dist.Amount)
		})
		return nil, err
	}
	r.auditState(agent, caller)

	started = append(started, events.New(events.TypeDistributionStarted, agent.ID.String(), agent.Round, map[string]string{
		"mode":         string(dist.Mode),
		"amount":       dist.Amount.String(),
		"total_shares": strconv.FormatUint(dist.TotalShares, 10),
		"total_fee":    dist.TotalFee.String(),
		"total_net":    dist.TotalNet.String(),
	}))
	r.audit.Info("distribution_started",
		slog.String("agent_id", agent.ID.String()),
		slog.Uint64("round", agent.Round),
		slog.String("mode", string(dist.Mode)),
		slog.String("amount", dist.Amount.String()),
		slog.String("total_fee", dist.TotalFee.String()),
		slog.String("total_net", dist.TotalNet.String()),
	)
	res, evs, err := r.run(ctx, agent, round, dist, fees, receiver, budget)
	if res == nil {
		r.publish(ctx, caller, started...)
		return nil, err
	}
	r.publish(ctx, caller, append(started, evs...)...)
	return res, err
}

// collectProceeds 从运营地址拉回收益并兑换为主结算代币；兑换失败时退回收益。
func (r *Router) collectProceeds(ctx context.Context, agent *Agent, amount, minOut *big.Int) (*big.Int, error) {
	if amount.Sign() == 0 {
		return new(big.Int), nil
	}
	t, err := r.tokens.Resolve(agent.DepositToken)
	if err != nil {
		return nil, err
	}
	if err := t.TransferFrom(ctx, r.address, agent.OperatingAddress, r.address, amount); err != nil {
		return nil, err
	}
	payable, err := r.settlement.Normalize(ctx, agent.DepositToken, r.settlement.Primary(), amount, minOut)
	if err != nil {
		r.undo(ctx, agent, "refund proceeds", amount, func() error {
			return t.Transfer(ctx, r.address, agent.OperatingAddress, amount)
		})
		return nil, err
	}
	return payable, nil
}

// run 从游标开始逐个派发，直到完成或预算不足，然后转出累计费用并持久化进度。
// 转账失败时先保存已完成部分再返回错误，已派发的接收方不会被重复支付。
func (r *Router) run(ctx context.Context, agent *Agent, round *Round, dist *Distribution, fees FeeConfig, receiver common.Address, budget Budget) (*DistributionResult, []events.Event, error) {
	if budget == nil {
		budget = Unlimited()
	}
	payout, err := r.tokens.Resolve(r.settlement.Primary())
	if err != nil {
		return nil, nil, err
	}

	total := dist.recipients(round)
	start := dist.Cursor
	paidBefore := new(big.Int).Set(dist.FeesPaid)
	var evs []events.Event
	var runErr error

	for dist.Cursor < total {
		if budget.Remaining() < r.stepCost {
			break
		}
		recipient, gross, fee, net, err := r.payoutFor(ctx, round, dist, fees)
		if err != nil {
			runErr = err
			break
		}
		if net.Sign() > 0 {
			if err := payout.Transfer(ctx, r.address, recipient, net); err != nil {
				runErr = err
				break
			}
		}
		dist.FeesAccrued.Add(dist.FeesAccrued, fee)
		dist.Cursor++
		budget.Consume(r.stepCost)
		evs = append(evs, events.New(events.TypePayout, agent.ID.String(), agent.Round, map[string]string{
			"recipient": recipient.Hex(),
			"gross":     gross.String(),
			"fee":       fee.String(),
			"net":       net.String(),
		}))
	}

	if err := r.flushFees(ctx, payout, receiver, dist); err != nil && runErr == nil {
		runErr = err
	}
	if runErr == nil && dist.Cursor == total && dist.feesOwed().Sign() == 0 {
		finalize(agent, round, dist)
	}
	if err := r.commit(ctx, Changes{Agent: agent, Rounds: []*Round{round}, Distribution: dist}); err != nil {
		r.log.Error("派发进度保存失败",
			slog.String("agent_id", agent.ID.String()),
			slog.Int("cursor", dist.Cursor),
			slog.Any("error", err),
		)
		r.alert(ctx, err, agent.ID.String(), agent.Round, map[string]string{"cursor": strconv.Itoa(dist.Cursor)})
		return nil, nil, err
	}

	res := &DistributionResult{
		AgentID:   agent.ID,
		Round:     agent.Round,
		Mode:      dist.Mode,
		Processed: dist.Cursor - start,
		Cursor:    dist.Cursor,
		Total:     total,
		Completed: dist.Completed,
		FeesPaid:  new(big.Int).Sub(dist.FeesPaid, paidBefore),
	}
	metrics.ObserveDistribution(res.Processed, res.Completed)

	if dist.Completed {
		evs = append(evs, stateEvent(agent))
		r.audit.Info("distribution_completed",
			slog.String("agent_id", agent.ID.String()),
			slog.Uint64("round", agent.Round),
			slog.String("fees_paid", dist.FeesPaid.String()),
		)
		r.auditState(agent, common.Address{})
	} else {
		evs = append(evs, events.New(events.TypeDistributionCheckpoint, agent.ID.String(), agent.Round, map[string]string{
			"cursor": strconv.Itoa(dist.Cursor),
			"total":  strconv.Itoa(total),
		}))
		r.audit.Info("distribution_checkpoint",
			slog.String("agent_id", agent.ID.String()),
			slog.Uint64("round", agent.Round),
			slog.Int("cursor", dist.Cursor),
			slog.Int("total", total),
		)
	}
	if runErr != nil {
		r.log.Warn("派发中断，进度已保存",
			slog.String("agent_id", agent.ID.String()),
			slog.Int("cursor", dist.Cursor),
			slog.Any("error", runErr),
		)
	}
	return res, evs, runErr
}

// payoutFor 计算游标处接收方的毛收益、费用与净额。
func (r *Router) payoutFor(ctx context.Context, round *Round, dist *Distribution, fees FeeConfig) (common.Address, *big.Int, *big.Int, *big.Int, error) {
	if dist.Mode == ModePrivate {
		a := dist.Allocations[dist.Cursor]
		gross := share(dist.Amount, a.Shares, dist.TotalShares)
		return a.Recipient, gross, new(big.Int), gross, nil
	}
	account := round.Participants[dist.Cursor]
	pos, err := r.store.GetPosition(ctx, dist.AgentID, dist.Round, account)
	if err != nil {
		return common.Address{}, nil, nil, nil, err
	}
	gross := share(dist.Amount, pos.SharesPurchased, dist.TotalShares)
	fee, net := CalculateFee(gross, pos.AmountDeposited, pos.IsMember, fees)
	return account, gross, fee, net, nil
}

func (r *Router) flushFees(ctx context.Context, payout token.Token, receiver common.Address, dist *Distribution) error {
	owed := dist.feesOwed()
	if owed.Sign() <= 0 {
		return nil
	}
	if receiver == (common.Address{}) {
		return zeroData("fee_receiver")
	}
	if err := payout.Transfer(ctx, r.address, receiver, owed); err != nil {
		return err
	}
	dist.FeesPaid.Add(dist.FeesPaid, owed)
	return nil
}

func finalize(agent *Agent, round *Round, dist *Distribution) {
	round.IsOpen = false
	round.IsClosed = true
	agent.State = StateDistributed
	dist.Completed = true
}

func requireDistributor(agent *Agent, caller common.Address) error {
	if caller == agent.OperatingAddress {
		return nil
	}
	if agent.CreatorAddress != (common.Address{}) && caller == agent.CreatorAddress {
		return nil
	}
	return ErrInvalidCaller.With("caller", caller.Hex())
}

func validateAllocations(declared uint64, allocations []Allocation) error {
	if declared == 0 {
		return ErrIncorrectShares.With("field", "total_shares")
	}
	if len(allocations) == 0 {
		return ErrIncorrectShares.With("field", "allocations")
	}
	var sum uint64
	for i, a := range allocations {
		if a.Recipient == (common.Address{}) {
			return zeroData("recipient")
		}
		if a.Shares == 0 {
			return ErrIncorrectShares.With("index", strconv.Itoa(i))
		}
		next := sum + a.Shares
		if next < sum {
			return ErrIncorrectShares.With("field", "allocations")
		}
		sum = next
	}
	if sum != declared {
		return ErrIncorrectShares.
			With("declared", strconv.FormatUint(declared, 10)).
			With("sum", strconv.FormatUint(sum, 10))
	}
	return nil
}

// share 计算 amount × part / total，向下取整。
func share(amount *big.Int, part, total uint64) *big.Int {
	if total == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(part))
	return out.Quo(out, new(big.Int).SetUint64(total))
}
