package ethereum

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"FundRouter/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
)

type fakeBackend struct {
	chainID  *big.Int
	block    uint64
	outputs  map[string][]byte
	chainErr error
	calls    int
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) {
	f.calls++
	if f.chainErr != nil {
		return nil, f.chainErr
	}
	return new(big.Int).Set(f.chainID), nil
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) { return f.block, nil }

func (f *fakeBackend) CallContract(_ context.Context, call gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	for name, method := range erc20ABI.Methods {
		if bytes.HasPrefix(call.Data, method.ID) {
			return f.outputs[name], nil
		}
	}
	return nil, errors.New("unknown selector")
}

func erc20Outputs(t *testing.T, symbol string, decimals uint8) map[string][]byte {
	t.Helper()
	dec, err := erc20ABI.Methods["decimals"].Outputs.Pack(decimals)
	if err != nil {
		t.Fatalf("pack decimals: %v", err)
	}
	sym, err := erc20ABI.Methods["symbol"].Outputs.Pack(symbol)
	if err != nil {
		t.Fatalf("pack symbol: %v", err)
	}
	return map[string][]byte{"decimals": dec, "symbol": sym}
}

func TestClientTokenMetadata(t *testing.T) {
	usdc := common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	backend := &fakeBackend{chainID: big.NewInt(1), block: 42, outputs: erc20Outputs(t, "USDC", 6)}
	client := NewBackendClient("mainnet", "fake", backend)

	meta, err := client.TokenMetadata(context.Background(), usdc)
	if err != nil {
		t.Fatalf("token metadata: %v", err)
	}
	if meta.Symbol != "USDC" || meta.Decimals != 6 || meta.Address != usdc {
		t.Fatalf("unexpected metadata %+v", meta)
	}

	t.Run("bytes32 symbol", func(t *testing.T) {
		var raw [32]byte
		copy(raw[:], "MKR")
		backend.outputs["symbol"] = raw[:]
		meta, err := client.TokenMetadata(context.Background(), usdc)
		if err != nil {
			t.Fatalf("token metadata: %v", err)
		}
		if meta.Symbol != "MKR" {
			t.Fatalf("unexpected symbol %q", meta.Symbol)
		}
	})

	t.Run("zero address", func(t *testing.T) {
		if _, err := client.TokenMetadata(context.Background(), common.Address{}); err == nil {
			t.Fatalf("expected zero address rejection")
		}
	})

	t.Run("no code", func(t *testing.T) {
		backend.outputs = map[string][]byte{}
		if _, err := client.TokenMetadata(context.Background(), usdc); err == nil {
			t.Fatalf("expected error for contract without decimals")
		}
	})
}

func TestClientChainIDCached(t *testing.T) {
	backend := &fakeBackend{chainID: big.NewInt(8453), block: 7}
	client := NewBackendClient("base", "", backend)

	for i := 0; i < 3; i++ {
		id, err := client.ChainID(context.Background())
		if err != nil {
			t.Fatalf("chain id: %v", err)
		}
		if id.Int64() != 8453 {
			t.Fatalf("unexpected chain id %s", id)
		}
	}
	if backend.calls != 1 {
		t.Fatalf("chain id should be fetched once, got %d calls", backend.calls)
	}

	snapshot, err := client.FetchChainSnapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.ChainID != "0x2105" || snapshot.BlockNumber != "0x7" {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}

	client.Close()
	if _, err := client.ChainID(context.Background()); err == nil {
		t.Fatalf("closed client should fail")
	}
}

func TestClientSimulatedBackend(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sim := simulated.NewBackend(types.GenesisAlloc{})
	t.Cleanup(func() { _ = sim.Close() })
	sim.Commit()

	client := NewBackendClient("simulated", "simulated backend", sim.Client())
	snapshot, err := client.FetchChainSnapshot(ctx)
	if err != nil {
		t.Fatalf("fetch snapshot: %v", err)
	}
	if snapshot.ChainID != "0x539" {
		t.Fatalf("unexpected chain id %s", snapshot.ChainID)
	}
	if snapshot.BlockNumber == "0x0" {
		t.Fatal("expected block number to advance after commit")
	}

	missing := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	if _, err := client.TokenMetadata(ctx, missing); err == nil {
		t.Fatal("expected metadata read on empty account to fail")
	}

	err = web3.VerifyDeployment(ctx, client, big.NewInt(1), nil)
	if err == nil {
		t.Fatal("expected chain id mismatch")
	}
	if err := web3.VerifyDeployment(ctx, client, big.NewInt(1337), nil); err != nil {
		t.Fatalf("verify deployment: %v", err)
	}
}

func TestVerifyDeploymentDecimals(t *testing.T) {
	backend := &fakeBackend{chainID: big.NewInt(1), outputs: erc20Outputs(t, "USDT", 6)}
	client := NewBackendClient("mainnet", "", backend)
	token := common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7")

	if err := web3.VerifyDeployment(context.Background(), client, big.NewInt(1), []web3.TokenExpectation{{Address: token, Decimals: 6}}); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := web3.VerifyDeployment(context.Background(), client, nil, []web3.TokenExpectation{{Address: token, Decimals: 18}}); err == nil {
		t.Fatalf("expected decimals mismatch")
	}
}
