package settlement

import (
	"context"
	"math/big"
	"sync"

	xerrors "FundRouter/internal/errors"
	"FundRouter/internal/token"

	"github.com/ethereum/go-ethereum/common"
)

// feeDenominator 对应 Uniswap V3 费率档位的单位（百万分之一）。
const feeDenominator = 1_000_000

// SwapParams 描述一次精确输入的单跳兑换。
type SwapParams struct {
	TokenIn          common.Address
	TokenOut         common.Address
	Fee              uint32
	Recipient        common.Address
	AmountIn         *big.Int
	AmountOutMinimum *big.Int
}

// Exchange 抽象外部兑换场所。
type Exchange interface {
	Address() common.Address
	ExactInputSingle(ctx context.Context, payer common.Address, params SwapParams) (*big.Int, error)
}

const (
	CodeTooLittleReceived     xerrors.Code = "TOO_LITTLE_RECEIVED"
	CodeUnsupportedRoute      xerrors.Code = "UNSUPPORTED_ROUTE"
	CodeInsufficientLiquidity xerrors.Code = "INSUFFICIENT_LIQUIDITY"
	CodeDecimalsMismatch      xerrors.Code = "SETTLEMENT_DECIMALS_MISMATCH"
)

var (
	// ErrTooLittleReceived 表示兑换输出低于调用方给定的下限。
	ErrTooLittleReceived = xerrors.New(CodeTooLittleReceived, "too little received")
	// ErrUnsupportedRoute 表示没有匹配的兑换池。
	ErrUnsupportedRoute = xerrors.New(CodeUnsupportedRoute, "unsupported swap route")
	// ErrInsufficientLiquidity 表示兑换池无法支付输出。
	ErrInsufficientLiquidity = xerrors.New(CodeInsufficientLiquidity, "insufficient liquidity")
	// ErrDecimalsMismatch 表示两个结算代币精度不一致。
	ErrDecimalsMismatch = xerrors.New(CodeDecimalsMismatch, "settlement tokens must share decimals")
)

func init() {
	for code, msg := range map[xerrors.Code]string{
		CodeTooLittleReceived:     "too little received",
		CodeUnsupportedRoute:      "unsupported swap route",
		CodeInsufficientLiquidity: "insufficient liquidity",
	} {
		xerrors.Register(code, xerrors.Attributes{
			Message:  msg,
			Severity: xerrors.SeverityWarning,
			Category: xerrors.CategoryCollaborator,
		})
	}
	xerrors.Register(CodeDecimalsMismatch, xerrors.Attributes{
		Message:  "settlement tokens must share decimals",
		Severity: xerrors.SeverityCritical,
		Category: xerrors.CategoryInternal,
		Alert:    true,
	})
}

type poolKey struct {
	in  common.Address
	out common.Address
}

type pool struct {
	fee uint32
	num *big.Int
	den *big.Int
}

// MemoryExchange 是以固定汇率报价的兑换场所，流动性保存在自身账户中。
type MemoryExchange struct {
	address  common.Address
	resolver token.Resolver

	mu    sync.RWMutex
	pools map[poolKey]pool
}

var _ Exchange = (*MemoryExchange)(nil)

// NewMemoryExchange 构造兑换场所并登记配置中的兑换池。
func NewMemoryExchange(address common.Address, resolver token.Resolver, pools ...PoolConfig) *MemoryExchange {
	ex := &MemoryExchange{address: address, resolver: resolver, pools: make(map[poolKey]pool)}
	for _, p := range pools {
		ex.AddPool(common.HexToAddress(p.TokenA), common.HexToAddress(p.TokenB), p.Fee, big.NewInt(p.RateNum), big.NewInt(p.RateDen))
	}
	return ex
}

// AddPool 登记双向兑换池，1 单位 a 兑换 num/den 单位 b。
func (e *MemoryExchange) AddPool(a, b common.Address, fee uint32, num, den *big.Int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pools[poolKey{in: a, out: b}] = pool{fee: fee, num: new(big.Int).Set(num), den: new(big.Int).Set(den)}
	e.pools[poolKey{in: b, out: a}] = pool{fee: fee, num: new(big.Int).Set(den), den: new(big.Int).Set(num)}
}

// Address 返回兑换场所的托管地址。
func (e *MemoryExchange) Address() common.Address { return e.address }

// Quote 计算给定输入的输出数量。
func (e *MemoryExchange) Quote(params SwapParams) (*big.Int, error) {
	e.mu.RLock()
	p, ok := e.pools[poolKey{in: params.TokenIn, out: params.TokenOut}]
	e.mu.RUnlock()
	if !ok || p.fee != params.Fee {
		return nil, ErrUnsupportedRoute.
			With("token_in", params.TokenIn.Hex()).
			With("token_out", params.TokenOut.Hex())
	}
	out := new(big.Int).Mul(params.AmountIn, p.num)
	out.Mul(out, big.NewInt(int64(feeDenominator-p.fee)))
	out.Quo(out, new(big.Int).Mul(p.den, big.NewInt(feeDenominator)))
	return out, nil
}

// ExactInputSingle 从 payer 拉取输入代币并把输出发送给 recipient。
func (e *MemoryExchange) ExactInputSingle(ctx context.Context, payer common.Address, params SwapParams) (*big.Int, error) {
	if params.AmountIn == nil || params.AmountIn.Sign() <= 0 {
		return nil, token.ErrInvalidAmount
	}
	out, err := e.Quote(params)
	if err != nil {
		return nil, err
	}
	if params.AmountOutMinimum != nil && out.Cmp(params.AmountOutMinimum) < 0 {
		return nil, ErrTooLittleReceived.With("out", out.String()).With("minimum", params.AmountOutMinimum.String())
	}

	tokenIn, err := e.resolver.Resolve(params.TokenIn)
	if err != nil {
		return nil, err
	}
	tokenOut, err := e.resolver.Resolve(params.TokenOut)
	if err != nil {
		return nil, err
	}
	liquidity, err := tokenOut.BalanceOf(ctx, e.address)
	if err != nil {
		return nil, err
	}
	if liquidity.Cmp(out) < 0 {
		return nil, ErrInsufficientLiquidity.With("token", tokenOut.Symbol())
	}
	if err := tokenIn.TransferFrom(ctx, e.address, payer, e.address, params.AmountIn); err != nil {
		return nil, err
	}
	if err := tokenOut.Transfer(ctx, e.address, params.Recipient, out); err != nil {
		return nil, err
	}
	return out, nil
}
