package router

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// AgentID 是 16 字节的不透明基金标识，全零值保留不用。
type AgentID [16]byte

// ParseAgentID 解析 0x 前缀的 32 位十六进制字符串。
func ParseAgentID(raw string) (AgentID, error) {
	var id AgentID
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "0x") && !strings.HasPrefix(raw, "0X") {
		raw = "0x" + raw
	}
	decoded, err := hexutil.Decode(raw)
	if err != nil {
		return id, fmt.Errorf("解析 agent id 失败: %w", err)
	}
	if len(decoded) != len(id) {
		return id, fmt.Errorf("agent id 长度应为 %d 字节，实际 %d", len(id), len(decoded))
	}
	copy(id[:], decoded)
	return id, nil
}

// String 返回 0x 前缀的十六进制表示。
func (id AgentID) String() string { return "0x" + hex.EncodeToString(id[:]) }

// IsZero 判断是否为保留的零值。
func (id AgentID) IsZero() bool { return id == AgentID{} }

// State 表示基金的生命周期阶段。
type State uint8

const (
	StateUnset State = iota
	StateAcceptingDeposits
	StateTrading
	StateAwaitingSettlement
	StateDistributing
	StateDistributed
)

func (s State) String() string {
	switch s {
	case StateAcceptingDeposits:
		return "accepting_deposits"
	case StateTrading:
		return "trading"
	case StateAwaitingSettlement:
		return "awaiting_settlement"
	case StateDistributing:
		return "distributing"
	case StateDistributed:
		return "distributed"
	default:
		return "unset"
	}
}

// DepositConfig 描述份额价格与容量窗口。
type DepositConfig struct {
	SharePrice      *big.Int
	BaseMinShares   uint64
	BaseMaxShares   uint64
	MemberMinShares uint64
	MemberMaxShares uint64
	SharesCap       uint64
}

func (c DepositConfig) clone() DepositConfig {
	c.SharePrice = cloneInt(c.SharePrice)
	return c
}

// window 返回指定类别的 [min, max] 份额窗口。
func (c DepositConfig) window(member bool) (uint64, uint64) {
	if member {
		return c.MemberMinShares, c.MemberMaxShares
	}
	return c.BaseMinShares, c.BaseMaxShares
}

// Agent 是一个基金实例的持久化记录。
type Agent struct {
	ID               AgentID
	State            State
	Round            uint64
	Name             string
	Type             string
	DepositToken     common.Address
	OperatingAddress common.Address
	CreatorAddress   common.Address
	Deposit          DepositConfig
}

func (a *Agent) clone() *Agent {
	if a == nil {
		return nil
	}
	c := *a
	c.Deposit = a.Deposit.clone()
	return &c
}

// Round 是某个基金一轮 存款→交易→派发 的快照。
type Round struct {
	AgentID            AgentID
	Number             uint64
	IsOpen             bool
	IsClosed           bool
	ParticipantCount   uint64
	TotalShares        uint64
	TotalDeposited     *big.Int
	DistributionAmount *big.Int
	Participants       []common.Address
}

func newRound(id AgentID, number uint64) *Round {
	return &Round{
		AgentID:            id,
		Number:             number,
		IsOpen:             true,
		TotalDeposited:     new(big.Int),
		DistributionAmount: new(big.Int),
	}
}

func (r *Round) clone() *Round {
	if r == nil {
		return nil
	}
	c := *r
	c.TotalDeposited = cloneInt(r.TotalDeposited)
	c.DistributionAmount = cloneInt(r.DistributionAmount)
	c.Participants = append([]common.Address(nil), r.Participants...)
	return &c
}

// UserPosition 记录存款人在某轮中的份额。
type UserPosition struct {
	AgentID         AgentID
	Round           uint64
	Account         common.Address
	SharesPurchased uint64
	AmountDeposited *big.Int
	Index           int
	TokenID         *big.Int
	IsMember        bool
}

func (p *UserPosition) clone() *UserPosition {
	if p == nil {
		return nil
	}
	c := *p
	c.AmountDeposited = cloneInt(p.AmountDeposited)
	if p.TokenID != nil {
		c.TokenID = new(big.Int).Set(p.TokenID)
	}
	return &c
}

// exists 判断该仓位是否已有存款记录。
func (p *UserPosition) exists() bool {
	return p != nil && (p.SharesPurchased > 0 || p.IsMember)
}

// FeeDenominator 是费率的基点分母。
const FeeDenominator = 10_000

// 默认费率与原部署保持一致：管理费 1%，业绩费 5%，会员免费。
const (
	DefaultManagementRate  uint16 = 100
	DefaultPerformanceRate uint16 = 500
)

// FeeConfig 是单个基金的协议费率（基点）。
type FeeConfig struct {
	BaseManagementRate    uint16
	BasePerformanceRate   uint16
	MemberManagementRate  uint16
	MemberPerformanceRate uint16
}

// DefaultFeeConfig 返回注册时写入的默认费率。
func DefaultFeeConfig() FeeConfig {
	return FeeConfig{
		BaseManagementRate:  DefaultManagementRate,
		BasePerformanceRate: DefaultPerformanceRate,
	}
}

// rates 返回指定类别使用的费率对。
func (c FeeConfig) rates(member bool) (uint16, uint16) {
	if member {
		return c.MemberManagementRate, c.MemberPerformanceRate
	}
	return c.BaseManagementRate, c.BasePerformanceRate
}

// DistributionMode 区分按份额派发与指定分配派发。
type DistributionMode string

const (
	ModeProRata DistributionMode = "pro_rata"
	ModePrivate DistributionMode = "private"
)

// Allocation 是私有派发中的一条分配。
type Allocation struct {
	Recipient common.Address
	Shares    uint64
}

// Distribution 保存一次可续跑的派发任务。
type Distribution struct {
	AgentID     AgentID
	Round       uint64
	Mode        DistributionMode
	Amount      *big.Int
	TotalShares uint64
	Cursor      int
	Allocations []Allocation
	TotalFee    *big.Int
	TotalNet    *big.Int
	FeesAccrued *big.Int
	FeesPaid    *big.Int
	Completed   bool
}

// recipients 返回需要派发的接收方数量。
func (d *Distribution) recipients(round *Round) int {
	if d.Mode == ModePrivate {
		return len(d.Allocations)
	}
	return len(round.Participants)
}

// feesOwed 返回已计提但尚未转出的费用。
func (d *Distribution) feesOwed() *big.Int {
	return new(big.Int).Sub(d.FeesAccrued, d.FeesPaid)
}

func (d *Distribution) clone() *Distribution {
	if d == nil {
		return nil
	}
	c := *d
	c.Amount = cloneInt(d.Amount)
	c.TotalFee = cloneInt(d.TotalFee)
	c.TotalNet = cloneInt(d.TotalNet)
	c.FeesAccrued = cloneInt(d.FeesAccrued)
	c.FeesPaid = cloneInt(d.FeesPaid)
	c.Allocations = append([]Allocation(nil), d.Allocations...)
	return &c
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
