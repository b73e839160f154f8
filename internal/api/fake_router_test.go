package api

import (
	"context"
	"math/big"
	"sync"

	"FundRouter/internal/router"
	"FundRouter/internal/token"

	"github.com/ethereum/go-ethereum/common"
)

// fakeRouter 记录调用并返回预设结果。
type fakeRouter struct {
	mu sync.Mutex

	err          error
	calls        []string
	callers      []common.Address
	registration router.Registration
	receiver     common.Address
	permit       token.Permit
	tokenID      *big.Int
	budgets      []uint64
	private      router.PrivateDistribution
	feeConfig    router.FeeConfig
	distribution *router.Distribution
	pending      []router.AgentID
	tokenOwner   common.Address
}

func (f *fakeRouter) record(name string, caller common.Address) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	f.callers = append(f.callers, caller)
	return f.err
}

func (f *fakeRouter) lastCall() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return ""
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeRouter) lastCaller() common.Address {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.callers) == 0 {
		return common.Address{}
	}
	return f.callers[len(f.callers)-1]
}

func (f *fakeRouter) RegisterAgent(_ context.Context, caller common.Address, reg router.Registration) error {
	f.registration = reg
	return f.record("RegisterAgent", caller)
}

func (f *fakeRouter) StartTrading(_ context.Context, caller common.Address, _ router.AgentID) error {
	return f.record("StartTrading", caller)
}

func (f *fakeRouter) StartWaiting(_ context.Context, caller common.Address, _ router.AgentID) error {
	return f.record("StartWaiting", caller)
}

func (f *fakeRouter) StartDeposit(_ context.Context, caller common.Address, _ router.AgentID) error {
	return f.record("StartDeposit", caller)
}

func (f *fakeRouter) SetProtocolFeeConfig(_ context.Context, caller common.Address, _ router.AgentID, cfg router.FeeConfig) error {
	f.feeConfig = cfg
	return f.record("SetProtocolFeeConfig", caller)
}

func (f *fakeRouter) SetProtocolFeeReceiver(_ context.Context, caller, receiver common.Address) error {
	f.receiver = receiver
	return f.record("SetProtocolFeeReceiver", caller)
}

func (f *fakeRouter) SetDepositConfig(_ context.Context, caller common.Address, _ router.AgentID, _ router.DepositConfig) error {
	return f.record("SetDepositConfig", caller)
}

func (f *fakeRouter) SetAgentMetadata(_ context.Context, caller common.Address, _ router.AgentID, _, _ string) error {
	return f.record("SetAgentMetadata", caller)
}

func (f *fakeRouter) receipt(id router.AgentID, caller, receiver common.Address, shares uint64) *router.DepositReceipt {
	return &router.DepositReceipt{
		AgentID:   id,
		Round:     1,
		Depositor: caller,
		Receiver:  receiver,
		Shares:    shares,
		Amount:    big.NewInt(int64(shares) * 10_000000),
		Credited:  big.NewInt(int64(shares) * 10_000000),
	}
}

func (f *fakeRouter) Deposit(_ context.Context, caller common.Address, id router.AgentID, shares uint64, receiver common.Address) (*router.DepositReceipt, error) {
	f.receiver = receiver
	if err := f.record("Deposit", caller); err != nil {
		return nil, err
	}
	return f.receipt(id, caller, receiver, shares), nil
}

func (f *fakeRouter) DepositWithPermit(_ context.Context, caller common.Address, id router.AgentID, shares uint64, receiver common.Address, permit token.Permit) (*router.DepositReceipt, error) {
	f.receiver = receiver
	f.permit = permit
	if err := f.record("DepositWithPermit", caller); err != nil {
		return nil, err
	}
	return f.receipt(id, permit.Owner, receiver, shares), nil
}

func (f *fakeRouter) DepositWithSwap(_ context.Context, caller common.Address, id router.AgentID, shares uint64, receiver common.Address) (*router.DepositReceipt, error) {
	f.receiver = receiver
	if err := f.record("DepositWithSwap", caller); err != nil {
		return nil, err
	}
	return f.receipt(id, caller, receiver, shares), nil
}

func (f *fakeRouter) DepositMember(_ context.Context, caller common.Address, id router.AgentID, shares uint64, tokenID *big.Int, _ []byte) (*router.DepositReceipt, error) {
	f.tokenID = tokenID
	if err := f.record("DepositMember", caller); err != nil {
		return nil, err
	}
	r := f.receipt(id, caller, caller, shares)
	r.Member = true
	return r, nil
}

func (f *fakeRouter) result(id router.AgentID, mode router.DistributionMode, budget router.Budget) *router.DistributionResult {
	f.mu.Lock()
	f.budgets = append(f.budgets, budget.Remaining())
	f.mu.Unlock()
	return &router.DistributionResult{AgentID: id, Round: 1, Mode: mode, Processed: 2, Cursor: 2, Total: 2, Completed: true, FeesPaid: big.NewInt(150)}
}

func (f *fakeRouter) StartDistribution(_ context.Context, caller common.Address, id router.AgentID, _, _ *big.Int, budget router.Budget) (*router.DistributionResult, error) {
	if err := f.record("StartDistribution", caller); err != nil {
		return nil, err
	}
	return f.result(id, router.ModeProRata, budget), nil
}

func (f *fakeRouter) StartPrivateDistribution(_ context.Context, caller common.Address, id router.AgentID, req router.PrivateDistribution, budget router.Budget) (*router.DistributionResult, error) {
	f.private = req
	if err := f.record("StartPrivateDistribution", caller); err != nil {
		return nil, err
	}
	return f.result(id, router.ModePrivate, budget), nil
}

func (f *fakeRouter) Distribute(_ context.Context, caller common.Address, id router.AgentID, budget router.Budget) (*router.DistributionResult, error) {
	if err := f.record("Distribute", caller); err != nil {
		return nil, err
	}
	return f.result(id, router.ModeProRata, budget), nil
}

func (f *fakeRouter) AgentInfo(_ context.Context, id router.AgentID) (*router.AgentInfo, error) {
	return &router.AgentInfo{
		Agent: router.Agent{
			ID:      id,
			State:   router.StateAcceptingDeposits,
			Round:   1,
			Name:    "Alpha",
			Type:    "Index fund",
			Deposit: router.DepositConfig{SharePrice: big.NewInt(10_000000), BaseMaxShares: 100},
		},
		TotalDeposited:     big.NewInt(0),
		DistributionAmount: big.NewInt(0),
	}, nil
}

func (f *fakeRouter) RoundInfo(_ context.Context, id router.AgentID, round uint64) (*router.Round, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &router.Round{AgentID: id, Number: round, IsOpen: true, TotalDeposited: big.NewInt(0), DistributionAmount: big.NewInt(0)}, nil
}

func (f *fakeRouter) UserInfo(_ context.Context, id router.AgentID, round uint64, account common.Address) (*router.UserPosition, error) {
	return &router.UserPosition{AgentID: id, Round: round, Account: account, SharesPurchased: 3, AmountDeposited: big.NewInt(30_000000), TokenID: big.NewInt(7), IsMember: true}, nil
}

func (f *fakeRouter) TokenIDUsed(_ context.Context, _ router.AgentID, _ uint64, tokenID *big.Int) (common.Address, error) {
	f.tokenID = tokenID
	return f.tokenOwner, nil
}

func (f *fakeRouter) ProtocolFeeConfig(context.Context, router.AgentID) (router.FeeConfig, common.Address, error) {
	return router.DefaultFeeConfig(), f.receiver, nil
}

func (f *fakeRouter) DistributionInfo(context.Context, router.AgentID, uint64) (*router.Distribution, error) {
	return f.distribution, nil
}

func (f *fakeRouter) PendingDistributions(context.Context) ([]router.AgentID, error) {
	return f.pending, nil
}

var _ Router = (*fakeRouter)(nil)
var _ Router = (*router.Router)(nil)
