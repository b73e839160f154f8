package token

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	tokenAddr = common.HexToAddress("0x0000000000000000000000000000000000000c01")
	alice     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob       = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func newUSDC() *Ledger {
	return NewLedger(LedgerConfig{Address: tokenAddr, Name: "USD Coin", Symbol: "USDC", Decimals: 6, ChainID: big.NewInt(31337)})
}

func TestTransferFromConsumesAllowance(t *testing.T) {
	ctx := context.Background()
	l := newUSDC()
	if err := l.Mint(alice, big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	err := l.TransferFrom(ctx, bob, alice, bob, big.NewInt(10))
	if !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("expected allowance error, got %v", err)
	}

	if err := l.Approve(ctx, alice, bob, big.NewInt(30)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := l.TransferFrom(ctx, bob, alice, bob, big.NewInt(10)); err != nil {
		t.Fatalf("transfer from: %v", err)
	}
	left, _ := l.Allowance(ctx, alice, bob)
	if left.Int64() != 20 {
		t.Fatalf("unexpected allowance %s", left)
	}
	got, _ := l.BalanceOf(ctx, bob)
	if got.Int64() != 10 {
		t.Fatalf("unexpected balance %s", got)
	}

	if err := l.Approve(ctx, alice, bob, MaxUint256); err != nil {
		t.Fatalf("approve max: %v", err)
	}
	if err := l.TransferFrom(ctx, bob, alice, bob, big.NewInt(5)); err != nil {
		t.Fatalf("transfer from: %v", err)
	}
	left, _ = l.Allowance(ctx, alice, bob)
	if left.Cmp(MaxUint256) != 0 {
		t.Fatalf("max allowance should not decrease")
	}

	if err := l.Transfer(ctx, bob, alice, big.NewInt(1000)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected balance error, got %v", err)
	}
	if err := l.Transfer(ctx, alice, common.Address{}, big.NewInt(1)); !errors.Is(err, ErrInvalidReceiver) {
		t.Fatalf("expected receiver error, got %v", err)
	}
}

func TestPermit(t *testing.T) {
	ctx := context.Background()
	l := newUSDC()
	l.now = func() time.Time { return time.Unix(1_000, 0) }

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	owner := crypto.PubkeyToAddress(key.PublicKey)
	value := big.NewInt(50)
	deadline := big.NewInt(2_000)

	digest, err := l.PermitDigest(owner, bob, value, deadline)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if err := l.Permit(ctx, Permit{Owner: owner, Spender: bob, Value: value, Deadline: big.NewInt(999), Signature: sig}); !errors.Is(err, ErrPermitExpired) {
		t.Fatalf("expected expired permit, got %v", err)
	}
	if err := l.Permit(ctx, Permit{Owner: alice, Spender: bob, Value: value, Deadline: deadline, Signature: sig}); !errors.Is(err, ErrInvalidPermit) {
		t.Fatalf("expected invalid signer, got %v", err)
	}
	if err := l.Permit(ctx, Permit{Owner: owner, Spender: bob, Value: value, Deadline: deadline, Signature: sig}); err != nil {
		t.Fatalf("permit: %v", err)
	}
	allowance, _ := l.Allowance(ctx, owner, bob)
	if allowance.Cmp(value) != 0 {
		t.Fatalf("unexpected allowance %s", allowance)
	}
	if l.Nonce(owner).Int64() != 1 {
		t.Fatalf("nonce should advance")
	}
	if err := l.Permit(ctx, Permit{Owner: owner, Spender: bob, Value: value, Deadline: deadline, Signature: sig}); !errors.Is(err, ErrInvalidPermit) {
		t.Fatalf("replayed permit should fail, got %v", err)
	}
}

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry(newUSDC())
	if _, err := reg.Resolve(tokenAddr); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := reg.Resolve(alice); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("expected unknown token, got %v", err)
	}
}
