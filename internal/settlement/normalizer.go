// Package settlement converts between an agent's deposit token and the
// canonical settlement tokens through a single-hop exact-input exchange.
package settlement

import (
	"context"
	"log/slog"
	"math/big"

	"FundRouter/internal/token"
	"FundRouter/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// Normalizer 负责在结算代币与存款代币之间做单跳兑换。
type Normalizer struct {
	primary    common.Address
	secondary  common.Address
	defaultFee uint32
	fees       map[poolKey]uint32
	exchange   Exchange
	resolver   token.Resolver
	custody    common.Address
	log        *slog.Logger
}

// NewNormalizer 校验两种结算代币精度一致后构造 Normalizer。custody 是兑换输入的付款方与输出的接收方。
func NewNormalizer(ctx context.Context, cfg Config, resolver token.Resolver, exchange Exchange, custody common.Address) (*Normalizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	primary, err := resolver.Resolve(cfg.PrimaryAddress())
	if err != nil {
		return nil, err
	}
	secondary, err := resolver.Resolve(cfg.SecondaryAddress())
	if err != nil {
		return nil, err
	}
	pd, err := primary.Decimals(ctx)
	if err != nil {
		return nil, err
	}
	sd, err := secondary.Decimals(ctx)
	if err != nil {
		return nil, err
	}
	if pd != sd {
		return nil, ErrDecimalsMismatch.
			With(primary.Symbol(), big.NewInt(int64(pd)).String()).
			With(secondary.Symbol(), big.NewInt(int64(sd)).String())
	}

	fees := make(map[poolKey]uint32, len(cfg.Pools)*2)
	for _, p := range cfg.Pools {
		a, b := common.HexToAddress(p.TokenA), common.HexToAddress(p.TokenB)
		fees[poolKey{in: a, out: b}] = p.Fee
		fees[poolKey{in: b, out: a}] = p.Fee
	}
	return &Normalizer{
		primary:    primary.Address(),
		secondary:  secondary.Address(),
		defaultFee: cfg.DefaultFee,
		fees:       fees,
		exchange:   exchange,
		resolver:   resolver,
		custody:    custody,
		log:        logger.Named("settlement"),
	}, nil
}

// Primary 返回派发收益使用的主结算代币。
func (n *Normalizer) Primary() common.Address { return n.primary }

// Secondary 返回备用结算代币。
func (n *Normalizer) Secondary() common.Address { return n.secondary }

// Custody 返回兑换输入输出所在的托管账户。
func (n *Normalizer) Custody() common.Address { return n.custody }

// IsSettlementToken 判断地址是否为两种结算代币之一。
func (n *Normalizer) IsSettlementToken(addr common.Address) bool {
	return addr == n.primary || addr == n.secondary
}

// Counterpart 返回与给定结算代币配对的另一种结算代币。
func (n *Normalizer) Counterpart(addr common.Address) (common.Address, bool) {
	switch addr {
	case n.primary:
		return n.secondary, true
	case n.secondary:
		return n.primary, true
	default:
		return common.Address{}, false
	}
}

// ApproveExchange 为兑换场所授予托管账户在各结算代币上的无限额度。
func (n *Normalizer) ApproveExchange(ctx context.Context, extra ...common.Address) error {
	seen := make(map[common.Address]struct{})
	for _, addr := range append([]common.Address{n.primary, n.secondary}, extra...) {
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		t, err := n.resolver.Resolve(addr)
		if err != nil {
			return err
		}
		if err := t.Approve(ctx, n.custody, n.exchange.Address(), token.MaxUint256); err != nil {
			return err
		}
	}
	return nil
}

// Normalize 将 amount 个 from 代币兑换为 to 代币，相同代币或零金额时原样返回。
func (n *Normalizer) Normalize(ctx context.Context, from, to common.Address, amount, minOut *big.Int) (*big.Int, error) {
	if from == to || amount == nil || amount.Sign() == 0 {
		if amount == nil {
			return new(big.Int), nil
		}
		return new(big.Int).Set(amount), nil
	}
	fee, ok := n.fees[poolKey{in: from, out: to}]
	if !ok {
		fee = n.defaultFee
	}
	out, err := n.exchange.ExactInputSingle(ctx, n.custody, SwapParams{
		TokenIn:          from,
		TokenOut:         to,
		Fee:              fee,
		Recipient:        n.custody,
		AmountIn:         amount,
		AmountOutMinimum: minOut,
	})
	if err != nil {
		return nil, err
	}
	n.log.Debug("swapped",
		slog.String("token_in", from.Hex()),
		slog.String("token_out", to.Hex()),
		slog.String("amount_in", amount.String()),
		slog.String("amount_out", out.String()),
	)
	return out, nil
}
