package router

import (
	"context"
	"log/slog"
	"math/big"
	"strconv"

	"FundRouter/internal/auth"
	"FundRouter/internal/events"
	"FundRouter/internal/token"

	"github.com/ethereum/go-ethereum/common"
)

// DepositReceipt 描述一次成功的存款。
type DepositReceipt struct {
	AgentID   AgentID
	Round     uint64
	Depositor common.Address
	Receiver  common.Address
	Shares    uint64
	Token     common.Address
	Amount    *big.Int
	Credited  *big.Int
	Member    bool
}

// fundsSource 从付款方拉取 amount 个存款代币等值的资金，返回实际记入的存款代币数量。
type fundsSource func(ctx context.Context, agent *Agent, amount *big.Int) (paid common.Address, credited *big.Int, err error)

// depositIntent 是三种存款入口归一后的输入。
type depositIntent struct {
	operation string
	agentID   AgentID
	shares    uint64
	payer     common.Address
	receiver  common.Address
	caller    common.Address
	// preflight 在状态校验之前执行，用于会员授权与兑换存款的前置检查。
	preflight func(ctx context.Context, agent *Agent) error
	// membership 非空时本次存款同时发放会员资格。
	membership *TokenIDClaim
	source     fundsSource
}

// Deposit 由调用方预先授权的存款。
func (r *Router) Deposit(ctx context.Context, caller common.Address, id AgentID, shares uint64, receiver common.Address) (*DepositReceipt, error) {
	return r.deposit(ctx, &depositIntent{
		operation: "deposit",
		agentID:   id,
		shares:    shares,
		payer:     caller,
		receiver:  receiver,
		caller:    caller,
		source:    r.pullDepositToken(caller),
	})
}

// DepositWithPermit 先兑现 EIP-2612 授权再从 permit.Owner 扣款。兑现失败会被忽略，
// 只要已有授权额度足够存款仍然成功。
func (r *Router) DepositWithPermit(ctx context.Context, caller common.Address, id AgentID, shares uint64, receiver common.Address, permit token.Permit) (*DepositReceipt, error) {
	if err := r.requireRole(ctx, auth.RoleDepositor, caller); err != nil {
		return nil, err
	}
	pull := r.pullDepositToken(permit.Owner)
	return r.deposit(ctx, &depositIntent{
		operation: "deposit_with_permit",
		agentID:   id,
		shares:    shares,
		payer:     permit.Owner,
		receiver:  receiver,
		caller:    caller,
		source: func(ctx context.Context, agent *Agent, amount *big.Int) (common.Address, *big.Int, error) {
			t, err := r.tokens.Resolve(agent.DepositToken)
			if err != nil {
				return common.Address{}, nil, err
			}
			p := permit
			p.Spender = r.address
			if err := t.Permit(ctx, p); err != nil {
				r.log.Warn("permit 兑现失败，回退到已有授权",
					slog.String("agent_id", agent.ID.String()),
					slog.String("owner", permit.Owner.Hex()),
					slog.Any("error", err),
				)
			}
			return pull(ctx, agent, amount)
		},
	})
}

// DepositWithSwap 以另一种结算代币付款，兑换为基金存款代币后记账。
func (r *Router) DepositWithSwap(ctx context.Context, caller common.Address, id AgentID, shares uint64, receiver common.Address) (*DepositReceipt, error) {
	return r.deposit(ctx, &depositIntent{
		operation: "deposit_with_swap",
		agentID:   id,
		shares:    shares,
		payer:     caller,
		receiver:  receiver,
		caller:    caller,
		preflight: func(_ context.Context, agent *Agent) error {
			if !r.settlement.IsSettlementToken(agent.DepositToken) {
				return ErrInvalidDepositToken.With("deposit_token", agent.DepositToken.Hex())
			}
			return nil
		},
		source: func(ctx context.Context, agent *Agent, amount *big.Int) (common.Address, *big.Int, error) {
			counterpart, _ := r.settlement.Counterpart(agent.DepositToken)
			t, err := r.tokens.Resolve(counterpart)
			if err != nil {
				return common.Address{}, nil, err
			}
			if err := t.TransferFrom(ctx, r.address, caller, r.address, amount); err != nil {
				return common.Address{}, nil, err
			}
			out, err := r.settlement.Normalize(ctx, counterpart, agent.DepositToken, amount, nil)
			if err != nil {
				r.undo(ctx, agent, "refund swap deposit", amount, func() error {
					return t.Transfer(ctx, r.address, caller, amount)
				})
				return common.Address{}, nil, err
			}
			return counterpart, out, nil
		},
	})
}

// DepositMember 使用 SIGNER 签发的一次性授权完成会员存款，收款人即调用方。
func (r *Router) DepositMember(ctx context.Context, caller common.Address, id AgentID, shares uint64, tokenID *big.Int, signature []byte) (*DepositReceipt, error) {
	intent := &depositIntent{
		operation: "deposit_member",
		agentID:   id,
		shares:    shares,
		payer:     caller,
		receiver:  caller,
		caller:    caller,
		source:    r.pullDepositToken(caller),
	}
	intent.preflight = func(ctx context.Context, agent *Agent) error {
		claim, err := r.verifyMembership(ctx, agent, caller, tokenID, signature)
		if err != nil {
			return err
		}
		intent.membership = claim
		return nil
	}
	return r.deposit(ctx, intent)
}

// verifyMembership 依次校验签名者角色、nonce 未使用、本轮未发放会员资格。
func (r *Router) verifyMembership(ctx context.Context, agent *Agent, caller common.Address, tokenID *big.Int, signature []byte) (*TokenIDClaim, error) {
	if tokenID == nil || tokenID.Sign() < 0 {
		tokenID = new(big.Int)
	}
	authz := MembershipAuthorization{
		ChainID:   r.chainID,
		Router:    r.address,
		AgentID:   agent.ID,
		Round:     agent.Round,
		Depositor: caller,
		TokenID:   tokenID,
	}
	signer, err := authz.Signer(signature)
	if err != nil {
		return nil, ErrInvalidCaller.With("reason", "malformed signature")
	}
	ok, err := r.access.HasRole(ctx, auth.RoleSigner, signer)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidCaller.With("signer", signer.Hex())
	}
	if owner, used, err := r.store.TokenIDOwner(ctx, agent.ID, agent.Round, tokenID); err != nil {
		return nil, err
	} else if used {
		return nil, ErrTokenIDUsed.With("token_id", tokenID.String()).With("owner", owner.Hex())
	}
	position, err := r.store.GetPosition(ctx, agent.ID, agent.Round, caller)
	if err != nil {
		return nil, err
	}
	if position.IsMember {
		return nil, ErrMembershipIssued.With("account", caller.Hex())
	}
	return &TokenIDClaim{AgentID: agent.ID, Round: agent.Round, TokenID: new(big.Int).Set(tokenID), Owner: caller}, nil
}

func (r *Router) pullDepositToken(payer common.Address) fundsSource {
	return func(ctx context.Context, agent *Agent, amount *big.Int) (common.Address, *big.Int, error) {
		t, err := r.tokens.Resolve(agent.DepositToken)
		if err != nil {
			return common.Address{}, nil, err
		}
		if err := t.TransferFrom(ctx, r.address, payer, r.address, amount); err != nil {
			return common.Address{}, nil, err
		}
		return agent.DepositToken, new(big.Int).Set(amount), nil
	}
}

// deposit 是所有存款入口共享的记账流程。
func (r *Router) deposit(ctx context.Context, in *depositIntent) (receipt *DepositReceipt, err error) {
	defer r.observe(in.operation, &err)
	unlock := r.lock(in.agentID)
	defer unlock()

	agent, err := r.loadAgent(ctx, in.agentID)
	if err != nil {
		return nil, err
	}
	if in.preflight != nil {
		if err := in.preflight(ctx, agent); err != nil {
			return nil, err
		}
	}
	if err := requireState(agent, StateAcceptingDeposits); err != nil {
		return nil, err
	}
	if in.receiver == (common.Address{}) {
		return nil, zeroData("receiver")
	}
	if in.payer == (common.Address{}) {
		return nil, zeroData("depositor")
	}
	if in.shares == 0 {
		return nil, zeroData("shares")
	}

	position, err := r.store.GetPosition(ctx, agent.ID, agent.Round, in.receiver)
	if err != nil {
		return nil, err
	}
	member := position.IsMember || in.membership != nil
	class := "base_shares"
	if member {
		class = "member_shares"
	}
	minShares, maxShares := agent.Deposit.window(member)
	cumulative := position.SharesPurchased + in.shares
	if cumulative < position.SharesPurchased || cumulative > maxShares {
		return nil, ErrDepositCapacityExceeded.With("field", class)
	}
	if cumulative < minShares {
		return nil, ErrDepositCapacityUnachieved.With("field", class)
	}

	round, err := r.store.GetRound(ctx, agent.ID, agent.Round)
	if err != nil {
		return nil, err
	}
	total := round.TotalShares + in.shares
	if total < round.TotalShares || total > agent.Deposit.SharesCap {
		return nil, ErrDepositCapacityExceeded.With("field", "total_shares")
	}

	amount := new(big.Int).Mul(agent.Deposit.SharePrice, new(big.Int).SetUint64(in.shares))
	paid, credited, err := in.source(ctx, agent, amount)
	if err != nil {
		return nil, err
	}

	if !position.exists() {
		position.Index = len(round.Participants)
		round.Participants = append(round.Participants, in.receiver)
	}
	position.SharesPurchased = cumulative
	position.AmountDeposited = new(big.Int).Add(position.AmountDeposited, credited)
	round.ParticipantCount++
	round.TotalShares = total
	round.TotalDeposited = new(big.Int).Add(round.TotalDeposited, credited)

	changes := Changes{Rounds: []*Round{round}, Positions: []*UserPosition{position}}
	if in.membership != nil {
		position.IsMember = true
		position.TokenID = in.membership.TokenID
		changes.TokenIDs = []TokenIDClaim{*in.membership}
	}
	if err := r.commit(ctx, changes); err != nil {
		// 兑换存款退回的是兑换后的存款代币。
		r.undo(ctx, agent, "refund deposit", credited, func() error {
			t, err := r.tokens.Resolve(agent.DepositToken)
			if err != nil {
				return err
			}
			return t.Transfer(ctx, r.address, in.payer, credited)
		})
		return nil, err
	}

	receipt = &DepositReceipt{
		AgentID:   agent.ID,
		Round:     agent.Round,
		Depositor: in.payer,
		Receiver:  in.receiver,
		Shares:    in.shares,
		Token:     paid,
		Amount:    amount,
		Credited:  credited,
		Member:    member,
	}
	r.audit.Info("deposited",
		slog.String("agent_id", agent.ID.String()),
		slog.Uint64("round", agent.Round),
		slog.String("operation", in.operation),
		slog.String("depositor", in.payer.Hex()),
		slog.String("receiver", in.receiver.Hex()),
		slog.Uint64("shares", in.shares),
		slog.String("amount", amount.String()),
		slog.String("credited", credited.String()),
		slog.Bool("member", member),
	)
	r.publish(ctx, in.caller, events.New(events.TypeDeposited, agent.ID.String(), agent.Round, map[string]string{
		"depositor": in.payer.Hex(),
		"receiver":  in.receiver.Hex(),
		"shares":    strconv.FormatUint(in.shares, 10),
		"token":     paid.Hex(),
		"amount":    amount.String(),
		"credited":  credited.String(),
		"member":    strconv.FormatBool(member),
	}))
	return receipt, nil
}
