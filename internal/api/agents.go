package api

import (
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"FundRouter/internal/router"
	"FundRouter/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

type registerRequest struct {
	AgentID          string            `json:"agent_id"`
	Name             string            `json:"name"`
	Type             string            `json:"type"`
	DepositToken     string            `json:"deposit_token"`
	OperatingAddress string            `json:"operating_address"`
	CreatorAddress   string            `json:"creator_address"`
	Deposit          depositConfigView `json:"deposit"`
}

func (req registerRequest) toRegistration() (router.Registration, string, error) {
	id, err := router.ParseAgentID(req.AgentID)
	if err != nil {
		return router.Registration{}, "agent_id", err
	}
	reg := router.Registration{ID: id, Name: req.Name, Type: req.Type}
	for _, f := range []struct {
		name string
		raw  string
		dst  *common.Address
	}{
		{"deposit_token", req.DepositToken, &reg.DepositToken},
		{"operating_address", req.OperatingAddress, &reg.OperatingAddress},
		{"creator_address", req.CreatorAddress, &reg.CreatorAddress},
	} {
		addr, err := parseAddress(f.raw)
		if err != nil {
			return router.Registration{}, f.name, err
		}
		*f.dst = addr
	}
	reg.Deposit, err = req.Deposit.toConfig()
	if err != nil {
		return router.Registration{}, "deposit.share_price", err
	}
	return reg, "", nil
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	reg, field, err := req.toRegistration()
	if err != nil {
		badRequest(w, field, err)
		return
	}
	if err := s.router.RegisterAgent(r.Context(), caller, reg); err != nil {
		writeError(w, err)
		return
	}
	s.writeAgent(w, r, reg.ID, http.StatusCreated)
}

func (s *Server) writeAgent(w http.ResponseWriter, r *http.Request, id router.AgentID, status int) {
	info, err := s.router.AgentInfo(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, status, newAgentView(info))
}

func (s *Server) handleAgentInfo(w http.ResponseWriter, r *http.Request) {
	id, ok := pathAgentID(w, r)
	if !ok {
		return
	}
	s.writeAgent(w, r, id, http.StatusOK)
}

func (s *Server) handlePendingDistributions(w http.ResponseWriter, r *http.Request) {
	ids, err := s.router.PendingDistributions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	writeJSON(w, http.StatusOK, map[string][]string{"agents": out})
}

type transitionRequest struct {
	State string `json:"state"`
}

// handleTransition 按目标状态调用对应的阶段切换操作。
func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := pathAgentID(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var err error
	switch strings.ToLower(strings.TrimSpace(req.State)) {
	case router.StateTrading.String():
		err = s.router.StartTrading(r.Context(), caller, id)
	case router.StateAwaitingSettlement.String():
		err = s.router.StartWaiting(r.Context(), caller, id)
	case router.StateAcceptingDeposits.String():
		err = s.router.StartDeposit(r.Context(), caller, id)
	default:
		badRequest(w, "state", fmt.Errorf("unsupported target state %q", req.State))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeAgent(w, r, id, http.StatusOK)
}

func (s *Server) handleGetFeeConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := pathAgentID(w, r)
	if !ok {
		return
	}
	cfg, receiver, err := s.router.ProtocolFeeConfig(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, feeConfigView{
		BaseManagementRate:    cfg.BaseManagementRate,
		BasePerformanceRate:   cfg.BasePerformanceRate,
		MemberManagementRate:  cfg.MemberManagementRate,
		MemberPerformanceRate: cfg.MemberPerformanceRate,
		Receiver:              receiver.Hex(),
	})
}

func (s *Server) handleSetFeeConfig(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := pathAgentID(w, r)
	if !ok {
		return
	}
	var req feeConfigView
	if !decodeJSON(w, r, &req) {
		return
	}
	cfg := router.FeeConfig{
		BaseManagementRate:    req.BaseManagementRate,
		BasePerformanceRate:   req.BasePerformanceRate,
		MemberManagementRate:  req.MemberManagementRate,
		MemberPerformanceRate: req.MemberPerformanceRate,
	}
	if err := s.router.SetProtocolFeeConfig(r.Context(), caller, id, cfg); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type feeReceiverRequest struct {
	Receiver string `json:"receiver"`
}

func (s *Server) handleSetFeeReceiver(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req feeReceiverRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	receiver, err := parseAddress(req.Receiver)
	if err != nil {
		badRequest(w, "receiver", err)
		return
	}
	if err := s.router.SetProtocolFeeReceiver(r.Context(), caller, receiver); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetDepositConfig(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := pathAgentID(w, r)
	if !ok {
		return
	}
	var req depositConfigView
	if !decodeJSON(w, r, &req) {
		return
	}
	cfg, err := req.toConfig()
	if err != nil {
		badRequest(w, "share_price", err)
		return
	}
	if err := s.router.SetDepositConfig(r.Context(), caller, id, cfg); err != nil {
		writeError(w, err)
		return
	}
	s.writeAgent(w, r, id, http.StatusOK)
}

type metadataRequest struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

func (s *Server) handleSetMetadata(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := pathAgentID(w, r)
	if !ok {
		return
	}
	var req metadataRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.router.SetAgentMetadata(r.Context(), caller, id, req.Name, req.Type); err != nil {
		writeError(w, err)
		return
	}
	s.writeAgent(w, r, id, http.StatusOK)
}

// 存款方式。
const (
	depositAllowance = "allowance"
	depositPermit    = "permit"
	depositSwap      = "swap"
	depositMember    = "member"
)

type permitRequest struct {
	Owner     string `json:"owner"`
	Value     string `json:"value"`
	Deadline  string `json:"deadline"`
	Signature string `json:"signature"`
}

func (p permitRequest) toPermit() (token.Permit, string, error) {
	owner, err := parseAddress(p.Owner)
	if err != nil {
		return token.Permit{}, "permit.owner", err
	}
	value, err := parseAmount(p.Value)
	if err != nil {
		return token.Permit{}, "permit.value", err
	}
	deadline, err := parseAmount(p.Deadline)
	if err != nil {
		return token.Permit{}, "permit.deadline", err
	}
	sig, err := hexutil.Decode(p.Signature)
	if err != nil {
		return token.Permit{}, "permit.signature", err
	}
	return token.Permit{Owner: owner, Value: value, Deadline: deadline, Signature: sig}, "", nil
}

type depositRequest struct {
	Method    string         `json:"method"`
	Shares    uint64         `json:"shares"`
	Receiver  string         `json:"receiver"`
	Permit    *permitRequest `json:"permit,omitempty"`
	TokenID   string         `json:"token_id,omitempty"`
	Signature string         `json:"signature,omitempty"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := pathAgentID(w, r)
	if !ok {
		return
	}
	var req depositRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	receiver, err := parseAddress(req.Receiver)
	if err != nil {
		badRequest(w, "receiver", err)
		return
	}
	if receiver == (common.Address{}) {
		receiver = caller
	}

	var receipt *router.DepositReceipt
	switch strings.ToLower(strings.TrimSpace(req.Method)) {
	case "", depositAllowance:
		receipt, err = s.router.Deposit(r.Context(), caller, id, req.Shares, receiver)
	case depositPermit:
		if req.Permit == nil {
			badRequest(w, "permit", errors.New("permit is required"))
			return
		}
		permit, field, perr := req.Permit.toPermit()
		if perr != nil {
			badRequest(w, field, perr)
			return
		}
		receipt, err = s.router.DepositWithPermit(r.Context(), caller, id, req.Shares, receiver, permit)
	case depositSwap:
		receipt, err = s.router.DepositWithSwap(r.Context(), caller, id, req.Shares, receiver)
	case depositMember:
		tokenID, terr := parseAmount(req.TokenID)
		if terr != nil {
			badRequest(w, "token_id", terr)
			return
		}
		sig, serr := hexutil.Decode(req.Signature)
		if serr != nil {
			badRequest(w, "signature", serr)
			return
		}
		receipt, err = s.router.DepositMember(r.Context(), caller, id, req.Shares, tokenID, sig)
	default:
		badRequest(w, "method", fmt.Errorf("unsupported deposit method %q", req.Method))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newDepositReceiptView(receipt))
}

type distributionRequest struct {
	Amount       string `json:"amount"`
	MinAmountOut string `json:"min_amount_out"`
	Budget       uint64 `json:"budget"`
}

func (s *Server) handleStartDistribution(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := pathAgentID(w, r)
	if !ok {
		return
	}
	var req distributionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		badRequest(w, "amount", err)
		return
	}
	if amount == nil {
		amount = new(big.Int)
	}
	minOut, err := parseAmount(req.MinAmountOut)
	if err != nil {
		badRequest(w, "min_amount_out", err)
		return
	}
	res, err := s.router.StartDistribution(r.Context(), caller, id, amount, minOut, s.budget(req.Budget))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newDistributionResultView(res))
}

type privateDistributionRequest struct {
	Amount       string           `json:"amount"`
	MinAmountOut string           `json:"min_amount_out"`
	TotalShares  uint64           `json:"total_shares"`
	Allocations  []allocationView `json:"allocations"`
	Budget       uint64           `json:"budget"`
}

func (s *Server) handleStartPrivateDistribution(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := pathAgentID(w, r)
	if !ok {
		return
	}
	var req privateDistributionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		badRequest(w, "amount", err)
		return
	}
	if amount == nil {
		amount = new(big.Int)
	}
	minOut, err := parseAmount(req.MinAmountOut)
	if err != nil {
		badRequest(w, "min_amount_out", err)
		return
	}
	allocations := make([]router.Allocation, 0, len(req.Allocations))
	for i, a := range req.Allocations {
		recipient, err := parseAddress(a.Recipient)
		if err != nil {
			badRequest(w, fmt.Sprintf("allocations[%d].recipient", i), err)
			return
		}
		allocations = append(allocations, router.Allocation{Recipient: recipient, Shares: a.Shares})
	}
	res, err := s.router.StartPrivateDistribution(r.Context(), caller, id, router.PrivateDistribution{
		Amount:       amount,
		MinAmountOut: minOut,
		TotalShares:  req.TotalShares,
		Allocations:  allocations,
	}, s.budget(req.Budget))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newDistributionResultView(res))
}

type resumeRequest struct {
	Budget uint64 `json:"budget"`
}

func (s *Server) handleDistribute(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := pathAgentID(w, r)
	if !ok {
		return
	}
	var req resumeRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.router.Distribute(r.Context(), caller, id, s.budget(req.Budget))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newDistributionResultView(res))
}

func (s *Server) handleRoundInfo(w http.ResponseWriter, r *http.Request) {
	id, ok := pathAgentID(w, r)
	if !ok {
		return
	}
	round, ok := pathRound(w, r)
	if !ok {
		return
	}
	info, err := s.router.RoundInfo(r.Context(), id, round)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newRoundView(info))
}

func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	id, ok := pathAgentID(w, r)
	if !ok {
		return
	}
	round, ok := pathRound(w, r)
	if !ok {
		return
	}
	account, ok := pathAddress(w, r, "account")
	if !ok {
		return
	}
	pos, err := s.router.UserInfo(r.Context(), id, round, account)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newPositionView(pos))
}

func (s *Server) handleTokenIDUsed(w http.ResponseWriter, r *http.Request) {
	id, ok := pathAgentID(w, r)
	if !ok {
		return
	}
	round, ok := pathRound(w, r)
	if !ok {
		return
	}
	tokenID, err := parseAmount(r.PathValue("tokenID"))
	if err != nil || tokenID == nil {
		badRequest(w, "token_id", fmt.Errorf("invalid token id %q", r.PathValue("tokenID")))
		return
	}
	owner, err := s.router.TokenIDUsed(r.Context(), id, round, tokenID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token_id": tokenID.String(),
		"used":     owner != (common.Address{}),
		"owner":    owner.Hex(),
	})
}

func (s *Server) handleDistributionInfo(w http.ResponseWriter, r *http.Request) {
	id, ok := pathAgentID(w, r)
	if !ok {
		return
	}
	round, ok := pathRound(w, r)
	if !ok {
		return
	}
	dist, err := s.router.DistributionInfo(r.Context(), id, round)
	if err != nil {
		writeError(w, err)
		return
	}
	if dist == nil {
		http.Error(w, "distribution not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, newDistributionView(dist))
}
