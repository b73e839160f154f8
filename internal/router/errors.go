package router

import (
	xerrors "FundRouter/internal/errors"
)

const (
	CodeZeroData                  xerrors.Code = "ZERO_DATA"
	CodeIncorrectAgentState       xerrors.Code = "INCORRECT_AGENT_STATE"
	CodeIncorrectAgentType        xerrors.Code = "INCORRECT_AGENT_TYPE"
	CodeInvalidCaller             xerrors.Code = "INVALID_CALLER"
	CodeDepositCapacityExceeded   xerrors.Code = "DEPOSIT_CAPACITY_EXCEEDED"
	CodeDepositCapacityUnachieved xerrors.Code = "DEPOSIT_CAPACITY_UNACHIEVED"
	CodeTokenIDUsed               xerrors.Code = "TOKEN_ID_USED"
	CodeMembershipIssued          xerrors.Code = "MEMBERSHIP_ISSUED"
	CodeIncorrectShares           xerrors.Code = "INCORRECT_SHARES"
	CodeInvalidDepositToken       xerrors.Code = "INVALID_DEPOSIT_TOKEN"
	CodeAgentNotFound             xerrors.Code = "AGENT_NOT_FOUND"
	CodeRoundNotFound             xerrors.Code = "ROUND_NOT_FOUND"
	CodeRefundFailure             xerrors.Code = "REFUND_FAILURE"
)

var (
	// ErrZeroData 表示必填字段为零值或组合不成立，metadata 中的 field 指明字段。
	ErrZeroData = xerrors.New(CodeZeroData, "zero data")
	// ErrIncorrectAgentState 表示操作不适用于当前生命周期阶段。
	ErrIncorrectAgentState = xerrors.New(CodeIncorrectAgentState, "incorrect agent state")
	// ErrIncorrectAgentType 表示派发模式与基金类型不匹配。
	ErrIncorrectAgentType = xerrors.New(CodeIncorrectAgentType, "incorrect agent type")
	// ErrInvalidCaller 表示调用方与授权绑定的身份不一致。
	ErrInvalidCaller = xerrors.New(CodeInvalidCaller, "invalid caller")
	// ErrDepositCapacityExceeded 表示存款超出窗口上限或总容量。
	ErrDepositCapacityExceeded = xerrors.New(CodeDepositCapacityExceeded, "deposit capacity exceeded")
	// ErrDepositCapacityUnachieved 表示存款后仍未达到窗口下限。
	ErrDepositCapacityUnachieved = xerrors.New(CodeDepositCapacityUnachieved, "deposit capacity unachieved")
	// ErrTokenIDUsed 表示会员授权 nonce 已被使用。
	ErrTokenIDUsed = xerrors.New(CodeTokenIDUsed, "token id used")
	// ErrMembershipIssued 表示本轮已为该存款人发放会员资格。
	ErrMembershipIssued = xerrors.New(CodeMembershipIssued, "membership issued")
	// ErrIncorrectShares 表示私有派发的份额与声明总额不符。
	ErrIncorrectShares = xerrors.New(CodeIncorrectShares, "incorrect shares")
	// ErrInvalidDepositToken 表示基金的存款代币不支持兑换存款。
	ErrInvalidDepositToken = xerrors.New(CodeInvalidDepositToken, "invalid deposit token")
	// ErrAgentNotFound 表示基金不存在。
	ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "agent not found")
	// ErrRoundNotFound 表示指定轮次不存在。
	ErrRoundNotFound = xerrors.New(CodeRoundNotFound, "round not found")
)

func init() {
	register := func(code xerrors.Code, msg string, category xerrors.Category) {
		xerrors.Register(code, xerrors.Attributes{
			Message:  msg,
			Severity: xerrors.SeverityInfo,
			Category: category,
		})
	}
	register(CodeZeroData, "zero data", xerrors.CategoryValidation)
	register(CodeIncorrectShares, "incorrect shares", xerrors.CategoryValidation)
	register(CodeInvalidDepositToken, "invalid deposit token", xerrors.CategoryValidation)
	register(CodeIncorrectAgentState, "incorrect agent state", xerrors.CategoryState)
	register(CodeIncorrectAgentType, "incorrect agent type", xerrors.CategoryState)
	register(CodeInvalidCaller, "invalid caller", xerrors.CategoryAuthorization)
	register(CodeDepositCapacityExceeded, "deposit capacity exceeded", xerrors.CategoryCapacity)
	register(CodeDepositCapacityUnachieved, "deposit capacity unachieved", xerrors.CategoryCapacity)
	register(CodeTokenIDUsed, "token id used", xerrors.CategoryReplay)
	register(CodeMembershipIssued, "membership issued", xerrors.CategoryReplay)
	register(CodeAgentNotFound, "agent not found", xerrors.CategoryNotFound)
	register(CodeRoundNotFound, "round not found", xerrors.CategoryNotFound)
	// 撤回失败意味着资金滞留，需要人工介入。
	xerrors.Register(CodeRefundFailure, xerrors.Attributes{
		Message:  "refund failure",
		Severity: xerrors.SeverityCritical,
		Category: xerrors.CategoryInternal,
		Alert:    true,
	})
}

func zeroData(field string) error {
	return ErrZeroData.With("field", field)
}
