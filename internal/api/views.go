package api

import (
	"math/big"

	"FundRouter/internal/router"
)

// 金额一律以十进制字符串输出，避免 JSON 数字精度丢失。

type depositConfigView struct {
	SharePrice      string `json:"share_price"`
	BaseMinShares   uint64 `json:"base_min_shares"`
	BaseMaxShares   uint64 `json:"base_max_shares"`
	MemberMinShares uint64 `json:"member_min_shares"`
	MemberMaxShares uint64 `json:"member_max_shares"`
	SharesCap       uint64 `json:"shares_cap"`
}

func (v depositConfigView) toConfig() (router.DepositConfig, error) {
	price, err := parseAmount(v.SharePrice)
	if err != nil {
		return router.DepositConfig{}, err
	}
	if price == nil {
		price = new(big.Int)
	}
	return router.DepositConfig{
		SharePrice:      price,
		BaseMinShares:   v.BaseMinShares,
		BaseMaxShares:   v.BaseMaxShares,
		MemberMinShares: v.MemberMinShares,
		MemberMaxShares: v.MemberMaxShares,
		SharesCap:       v.SharesCap,
	}, nil
}

func newDepositConfigView(c router.DepositConfig) depositConfigView {
	return depositConfigView{
		SharePrice:      amountString(c.SharePrice),
		BaseMinShares:   c.BaseMinShares,
		BaseMaxShares:   c.BaseMaxShares,
		MemberMinShares: c.MemberMinShares,
		MemberMaxShares: c.MemberMaxShares,
		SharesCap:       c.SharesCap,
	}
}

type agentView struct {
	ID                 string            `json:"id"`
	State              string            `json:"state"`
	Round              uint64            `json:"round"`
	Name               string            `json:"name"`
	Type               string            `json:"type"`
	DepositToken       string            `json:"deposit_token"`
	OperatingAddress   string            `json:"operating_address"`
	CreatorAddress     string            `json:"creator_address"`
	Deposit            depositConfigView `json:"deposit"`
	IsAllocationOnly   bool              `json:"is_allocation_only"`
	ParticipantCount   uint64            `json:"participant_count"`
	TotalShares        uint64            `json:"total_shares"`
	TotalDeposited     string            `json:"total_deposited"`
	DistributionAmount string            `json:"distribution_amount"`
	Participants       []string          `json:"participants"`
}

func newAgentView(info *router.AgentInfo) agentView {
	return agentView{
		ID:                 info.ID.String(),
		State:              info.State.String(),
		Round:              info.Round,
		Name:               info.Name,
		Type:               info.Type,
		DepositToken:       info.DepositToken.Hex(),
		OperatingAddress:   info.OperatingAddress.Hex(),
		CreatorAddress:     info.CreatorAddress.Hex(),
		Deposit:            newDepositConfigView(info.Deposit),
		IsAllocationOnly:   info.IsAllocationOnly,
		ParticipantCount:   info.ParticipantCount,
		TotalShares:        info.TotalShares,
		TotalDeposited:     amountString(info.TotalDeposited),
		DistributionAmount: amountString(info.DistributionAmount),
		Participants:       addressStrings(info.Participants),
	}
}

type roundView struct {
	AgentID            string   `json:"agent_id"`
	Number             uint64   `json:"number"`
	IsOpen             bool     `json:"is_open"`
	IsClosed           bool     `json:"is_closed"`
	ParticipantCount   uint64   `json:"participant_count"`
	TotalShares        uint64   `json:"total_shares"`
	TotalDeposited     string   `json:"total_deposited"`
	DistributionAmount string   `json:"distribution_amount"`
	Participants       []string `json:"participants"`
}

func newRoundView(r *router.Round) roundView {
	return roundView{
		AgentID:            r.AgentID.String(),
		Number:             r.Number,
		IsOpen:             r.IsOpen,
		IsClosed:           r.IsClosed,
		ParticipantCount:   r.ParticipantCount,
		TotalShares:        r.TotalShares,
		TotalDeposited:     amountString(r.TotalDeposited),
		DistributionAmount: amountString(r.DistributionAmount),
		Participants:       addressStrings(r.Participants),
	}
}

type positionView struct {
	AgentID         string `json:"agent_id"`
	Round           uint64 `json:"round"`
	Account         string `json:"account"`
	SharesPurchased uint64 `json:"shares_purchased"`
	AmountDeposited string `json:"amount_deposited"`
	Index           int    `json:"index"`
	TokenID         string `json:"token_id,omitempty"`
	IsMember        bool   `json:"is_member"`
}

func newPositionView(p *router.UserPosition) positionView {
	v := positionView{
		AgentID:         p.AgentID.String(),
		Round:           p.Round,
		Account:         p.Account.Hex(),
		SharesPurchased: p.SharesPurchased,
		AmountDeposited: amountString(p.AmountDeposited),
		Index:           p.Index,
		IsMember:        p.IsMember,
	}
	if p.TokenID != nil {
		v.TokenID = p.TokenID.String()
	}
	return v
}

type feeConfigView struct {
	BaseManagementRate    uint16 `json:"base_management_rate"`
	BasePerformanceRate   uint16 `json:"base_performance_rate"`
	MemberManagementRate  uint16 `json:"member_management_rate"`
	MemberPerformanceRate uint16 `json:"member_performance_rate"`
	Receiver              string `json:"receiver,omitempty"`
}

type allocationView struct {
	Recipient string `json:"recipient"`
	Shares    uint64 `json:"shares"`
}

type distributionView struct {
	AgentID     string           `json:"agent_id"`
	Round       uint64           `json:"round"`
	Mode        string           `json:"mode"`
	Amount      string           `json:"amount"`
	TotalShares uint64           `json:"total_shares"`
	Cursor      int              `json:"cursor"`
	Allocations []allocationView `json:"allocations,omitempty"`
	TotalFee    string           `json:"total_fee"`
	TotalNet    string           `json:"total_net"`
	FeesAccrued string           `json:"fees_accrued"`
	FeesPaid    string           `json:"fees_paid"`
	Completed   bool             `json:"completed"`
}

func newDistributionView(d *router.Distribution) distributionView {
	v := distributionView{
		AgentID:     d.AgentID.String(),
		Round:       d.Round,
		Mode:        string(d.Mode),
		Amount:      amountString(d.Amount),
		TotalShares: d.TotalShares,
		Cursor:      d.Cursor,
		TotalFee:    amountString(d.TotalFee),
		TotalNet:    amountString(d.TotalNet),
		FeesAccrued: amountString(d.FeesAccrued),
		FeesPaid:    amountString(d.FeesPaid),
		Completed:   d.Completed,
	}
	for _, a := range d.Allocations {
		v.Allocations = append(v.Allocations, allocationView{Recipient: a.Recipient.Hex(), Shares: a.Shares})
	}
	return v
}

type distributionResultView struct {
	AgentID   string `json:"agent_id"`
	Round     uint64 `json:"round"`
	Mode      string `json:"mode"`
	Processed int    `json:"processed"`
	Cursor    int    `json:"cursor"`
	Total     int    `json:"total"`
	Completed bool   `json:"completed"`
	FeesPaid  string `json:"fees_paid"`
}

func newDistributionResultView(r *router.DistributionResult) distributionResultView {
	return distributionResultView{
		AgentID:   r.AgentID.String(),
		Round:     r.Round,
		Mode:      string(r.Mode),
		Processed: r.Processed,
		Cursor:    r.Cursor,
		Total:     r.Total,
		Completed: r.Completed,
		FeesPaid:  amountString(r.FeesPaid),
	}
}

type depositReceiptView struct {
	AgentID   string `json:"agent_id"`
	Round     uint64 `json:"round"`
	Depositor string `json:"depositor"`
	Receiver  string `json:"receiver"`
	Shares    uint64 `json:"shares"`
	Token     string `json:"token"`
	Amount    string `json:"amount"`
	Credited  string `json:"credited"`
	Member    bool   `json:"member"`
}

func newDepositReceiptView(r *router.DepositReceipt) depositReceiptView {
	return depositReceiptView{
		AgentID:   r.AgentID.String(),
		Round:     r.Round,
		Depositor: r.Depositor.Hex(),
		Receiver:  r.Receiver.Hex(),
		Shares:    r.Shares,
		Token:     r.Token.Hex(),
		Amount:    amountString(r.Amount),
		Credited:  amountString(r.Credited),
		Member:    r.Member,
	}
}
