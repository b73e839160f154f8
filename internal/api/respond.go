package api

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"FundRouter/internal/auth"
	xerrors "FundRouter/internal/errors"
	"FundRouter/internal/router"

	"github.com/ethereum/go-ethereum/common"
)

const maxRequestBytes = 1 << 20

type errorResponse struct {
	Code     xerrors.Code      `json:"code"`
	Message  string            `json:"message"`
	Category xerrors.Category  `json:"category"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// statusFor 把错误分类映射为 HTTP 状态码。
func statusFor(category xerrors.Category) int {
	switch category {
	case xerrors.CategoryValidation:
		return http.StatusBadRequest
	case xerrors.CategoryNotFound:
		return http.StatusNotFound
	case xerrors.CategoryState, xerrors.CategoryReplay:
		return http.StatusConflict
	case xerrors.CategoryAuthorization:
		return http.StatusForbidden
	case xerrors.CategoryCapacity:
		return http.StatusUnprocessableEntity
	case xerrors.CategoryCollaborator:
		return http.StatusFailedDependency
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	xerr, ok := xerrors.From(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Code:     xerrors.CodeUnknown,
			Message:  err.Error(),
			Category: xerrors.CategoryInternal,
		})
		return
	}
	writeJSON(w, statusFor(xerr.Category()), errorResponse{
		Code:     xerr.Code(),
		Message:  xerr.Error(),
		Category: xerr.Category(),
		Metadata: xerr.Metadata(),
	})
}

func badRequest(w http.ResponseWriter, field string, cause error) {
	writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, cause, fmt.Sprintf("invalid %s", field), xerrors.WithMetadata("field", field)))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		badRequest(w, "body", err)
		return false
	}
	return true
}

// caller 返回经过认证的调用账户；未启用认证时信任请求头。
func (s *Server) caller(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	if subject := auth.SubjectFromContext(r.Context()); subject != nil {
		return subject.Account, true
	}
	if s.authenticator == nil {
		raw := strings.TrimSpace(r.Header.Get(auth.HeaderAccount))
		if common.IsHexAddress(raw) {
			return common.HexToAddress(raw), true
		}
	}
	writeJSON(w, http.StatusUnauthorized, errorResponse{
		Code:     auth.CodeMissingSignature,
		Message:  auth.ErrMissingSignature.Error(),
		Category: xerrors.CategoryAuthorization,
		Metadata: map[string]string{"header": auth.HeaderAccount},
	})
	return common.Address{}, false
}

func pathAgentID(w http.ResponseWriter, r *http.Request) (router.AgentID, bool) {
	id, err := router.ParseAgentID(r.PathValue("id"))
	if err != nil {
		badRequest(w, "agent_id", err)
		return id, false
	}
	return id, true
}

func pathRound(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	round, err := strconv.ParseUint(r.PathValue("round"), 10, 64)
	if err != nil {
		badRequest(w, "round", err)
		return 0, false
	}
	return round, true
}

func pathAddress(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	raw := r.PathValue(name)
	if !common.IsHexAddress(raw) {
		badRequest(w, name, fmt.Errorf("not a hex address: %q", raw))
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

// parseAmount 解析十进制或 0x 前缀十六进制的非负整数，空串返回 nil。
func parseAmount(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	n, ok := new(big.Int).SetString(raw, 0)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return n, nil
}

func parseAddress(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("not a hex address: %q", raw)
	}
	return common.HexToAddress(raw), nil
}

func amountString(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}

func addressStrings(list []common.Address) []string {
	out := make([]string, len(list))
	for i, a := range list {
		out[i] = a.Hex()
	}
	return out
}
