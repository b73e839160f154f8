// Package token defines the ERC-20 style collaborator the router moves funds
// through, plus an in-memory ledger implementation with EIP-2612 permits.
package token

import (
	"context"
	"math/big"
	"sync"

	xerrors "FundRouter/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
)

// Token 抽象路由器依赖的代币能力。
type Token interface {
	Address() common.Address
	Symbol() string
	Decimals(ctx context.Context) (uint8, error)
	TotalSupply(ctx context.Context) (*big.Int, error)
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
	Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error
	TransferFrom(ctx context.Context, spender, from, to common.Address, amount *big.Int) error
	Approve(ctx context.Context, owner, spender common.Address, amount *big.Int) error
	Permit(ctx context.Context, permit Permit) error
}

// Permit 描述一次 EIP-2612 签名授权。
type Permit struct {
	Owner     common.Address
	Spender   common.Address
	Value     *big.Int
	Deadline  *big.Int
	Signature []byte
}

// Resolver 按地址查找代币。
type Resolver interface {
	Resolve(addr common.Address) (Token, error)
}

// MaxUint256 表示无限授权额度。
var MaxUint256 = new(big.Int).Set(math.MaxBig256)

const (
	CodeUnknownToken          xerrors.Code = "ERC20_UNKNOWN_TOKEN"
	CodeInsufficientBalance   xerrors.Code = "ERC20_INSUFFICIENT_BALANCE"
	CodeInsufficientAllowance xerrors.Code = "ERC20_INSUFFICIENT_ALLOWANCE"
	CodeInvalidReceiver       xerrors.Code = "ERC20_INVALID_RECEIVER"
	CodeInvalidAmount         xerrors.Code = "ERC20_INVALID_AMOUNT"
	CodeInvalidPermit         xerrors.Code = "ERC2612_INVALID_SIGNER"
	CodePermitExpired         xerrors.Code = "ERC2612_EXPIRED_SIGNATURE"
)

var (
	// ErrUnknownToken 表示地址未注册为代币。
	ErrUnknownToken = xerrors.New(CodeUnknownToken, "unknown token")
	// ErrInsufficientBalance 表示余额不足。
	ErrInsufficientBalance = xerrors.New(CodeInsufficientBalance, "insufficient balance")
	// ErrInsufficientAllowance 表示授权额度不足。
	ErrInsufficientAllowance = xerrors.New(CodeInsufficientAllowance, "insufficient allowance")
	// ErrInvalidReceiver 表示接收方为零地址。
	ErrInvalidReceiver = xerrors.New(CodeInvalidReceiver, "invalid receiver")
	// ErrInvalidAmount 表示金额为空或为负。
	ErrInvalidAmount = xerrors.New(CodeInvalidAmount, "invalid amount")
	// ErrInvalidPermit 表示 permit 签名者与 owner 不符。
	ErrInvalidPermit = xerrors.New(CodeInvalidPermit, "invalid permit signer")
	// ErrPermitExpired 表示 permit 已过期。
	ErrPermitExpired = xerrors.New(CodePermitExpired, "permit expired")
)

func init() {
	for code, msg := range map[xerrors.Code]string{
		CodeUnknownToken:          "unknown token",
		CodeInsufficientBalance:   "insufficient balance",
		CodeInsufficientAllowance: "insufficient allowance",
		CodeInvalidReceiver:       "invalid receiver",
		CodeInvalidAmount:         "invalid amount",
		CodeInvalidPermit:         "invalid permit signer",
		CodePermitExpired:         "permit expired",
	} {
		xerrors.Register(code, xerrors.Attributes{
			Message:  msg,
			Severity: xerrors.SeverityInfo,
			Category: xerrors.CategoryCollaborator,
		})
	}
}

// Registry 是线程安全的代币目录。
type Registry struct {
	mu     sync.RWMutex
	tokens map[common.Address]Token
}

var _ Resolver = (*Registry)(nil)

// NewRegistry 使用给定代币初始化目录。
func NewRegistry(tokens ...Token) *Registry {
	r := &Registry{tokens: make(map[common.Address]Token, len(tokens))}
	for _, t := range tokens {
		r.Register(t)
	}
	return r
}

// Register 注册或替换一个代币。
func (r *Registry) Register(t Token) {
	if t == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[t.Address()] = t
}

// Resolve 实现 Resolver 接口。
func (r *Registry) Resolve(addr common.Address) (Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.tokens[addr]; ok {
		return t, nil
	}
	return nil, ErrUnknownToken.With("token", addr.Hex())
}

// Tokens 返回全部已注册代币。
func (r *Registry) Tokens() []Token {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]Token, 0, len(r.tokens))
	for _, t := range r.tokens {
		list = append(list, t)
	}
	return list
}
