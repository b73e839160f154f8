package token

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"FundRouter/internal/auth"
)

// LedgerConfig 描述内存代币的元数据。
type LedgerConfig struct {
	Address  common.Address
	Name     string
	Symbol   string
	Decimals uint8
	ChainID  *big.Int
}

// Ledger 是内存中的 ERC-20 实现，支持 EIP-2612 permit。
type Ledger struct {
	cfg LedgerConfig

	mu         sync.Mutex
	supply     *big.Int
	balances   map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int
	nonces     map[common.Address]*big.Int
	now        func() time.Time
}

var _ Token = (*Ledger)(nil)

// NewLedger 构造一个空账本。
func NewLedger(cfg LedgerConfig) *Ledger {
	if cfg.ChainID == nil {
		cfg.ChainID = big.NewInt(1)
	}
	return &Ledger{
		cfg:        cfg,
		supply:     new(big.Int),
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
		nonces:     make(map[common.Address]*big.Int),
		now:        time.Now,
	}
}

// Address 返回代币地址。
func (l *Ledger) Address() common.Address { return l.cfg.Address }

// Symbol 返回代币符号。
func (l *Ledger) Symbol() string { return l.cfg.Symbol }

// Decimals 实现 Token 接口。
func (l *Ledger) Decimals(context.Context) (uint8, error) { return l.cfg.Decimals, nil }

// TotalSupply 实现 Token 接口。
func (l *Ledger) TotalSupply(context.Context) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.supply), nil
}

// Mint 为账户增发代币。
func (l *Ledger) Mint(to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if to == (common.Address{}) {
		return ErrInvalidReceiver
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.supply.Add(l.supply, amount)
	l.credit(to, amount)
	return nil
}

// BalanceOf 实现 Token 接口。
func (l *Ledger) BalanceOf(_ context.Context, owner common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balance(owner)), nil
}

// Allowance 实现 Token 接口。
func (l *Ledger) Allowance(_ context.Context, owner, spender common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.allowance(owner, spender)), nil
}

// Transfer 实现 Token 接口。
func (l *Ledger) Transfer(_ context.Context, from, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.move(from, to, amount)
}

// TransferFrom 实现 Token 接口，无限授权不会被扣减。
func (l *Ledger) TransferFrom(_ context.Context, spender, from, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	current := l.allowance(from, spender)
	if current.Cmp(amount) < 0 {
		return ErrInsufficientAllowance.
			With("owner", from.Hex()).
			With("allowance", current.String()).
			With("needed", amount.String())
	}
	if err := l.move(from, to, amount); err != nil {
		return err
	}
	if current.Cmp(MaxUint256) != 0 {
		l.setAllowance(from, spender, new(big.Int).Sub(current, amount))
	}
	return nil
}

// Approve 实现 Token 接口。
func (l *Ledger) Approve(_ context.Context, owner, spender common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setAllowance(owner, spender, amount)
	return nil
}

// Nonce 返回 owner 当前的 permit nonce。
func (l *Ledger) Nonce(owner common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nonce(owner)
}

// Permit 校验 EIP-712 签名并设置授权额度。
func (l *Ledger) Permit(_ context.Context, p Permit) error {
	if err := checkAmount(p.Value); err != nil {
		return err
	}
	if p.Deadline == nil || big.NewInt(l.now().Unix()).Cmp(p.Deadline) > 0 {
		return ErrPermitExpired
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	digest, err := l.permitDigest(p.Owner, p.Spender, p.Value, l.nonce(p.Owner), p.Deadline)
	if err != nil {
		return ErrInvalidPermit.With("reason", err.Error())
	}
	signer, err := auth.RecoverSigner(digest, p.Signature)
	if err != nil || signer != p.Owner {
		return ErrInvalidPermit.With("owner", p.Owner.Hex())
	}
	l.nonces[p.Owner] = new(big.Int).Add(l.nonce(p.Owner), common.Big1)
	l.setAllowance(p.Owner, p.Spender, p.Value)
	return nil
}

// PermitDigest 返回 owner 需要签名的 EIP-712 摘要。
func (l *Ledger) PermitDigest(owner, spender common.Address, value, deadline *big.Int) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.permitDigest(owner, spender, value, l.nonce(owner), deadline)
}

func (l *Ledger) permitDigest(owner, spender common.Address, value, nonce, deadline *big.Int) ([]byte, error) {
	typed := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Permit": {
				{Name: "owner", Type: "address"},
				{Name: "spender", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
			},
		},
		PrimaryType: "Permit",
		Domain: apitypes.TypedDataDomain{
			Name:              l.cfg.Name,
			Version:           "1",
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(l.cfg.ChainID)),
			VerifyingContract: l.cfg.Address.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"owner":    owner.Hex(),
			"spender":  spender.Hex(),
			"value":    new(big.Int).Set(value),
			"nonce":    new(big.Int).Set(nonce),
			"deadline": new(big.Int).Set(deadline),
		},
	}
	digest, _, err := apitypes.TypedDataAndHash(typed)
	return digest, err
}

func (l *Ledger) move(from, to common.Address, amount *big.Int) error {
	if to == (common.Address{}) {
		return ErrInvalidReceiver
	}
	have := l.balance(from)
	if have.Cmp(amount) < 0 {
		return ErrInsufficientBalance.
			With("token", l.cfg.Symbol).
			With("owner", from.Hex()).
			With("balance", have.String()).
			With("needed", amount.String())
	}
	l.balances[from] = new(big.Int).Sub(have, amount)
	l.credit(to, amount)
	return nil
}

func (l *Ledger) credit(to common.Address, amount *big.Int) {
	l.balances[to] = new(big.Int).Add(l.balance(to), amount)
}

func (l *Ledger) balance(owner common.Address) *big.Int {
	if b, ok := l.balances[owner]; ok {
		return b
	}
	return new(big.Int)
}

func (l *Ledger) allowance(owner, spender common.Address) *big.Int {
	if a, ok := l.allowances[owner][spender]; ok {
		return a
	}
	return new(big.Int)
}

func (l *Ledger) setAllowance(owner, spender common.Address, amount *big.Int) {
	set, ok := l.allowances[owner]
	if !ok {
		set = make(map[common.Address]*big.Int)
		l.allowances[owner] = set
	}
	set[spender] = new(big.Int).Set(amount)
}

func (l *Ledger) nonce(owner common.Address) *big.Int {
	if n, ok := l.nonces[owner]; ok {
		return new(big.Int).Set(n)
	}
	return new(big.Int)
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	return nil
}
