package web3

import "testing"

func TestParseChainDefinitions(t *testing.T) {
	defs, err := ParseChainDefinitions([]byte(`
chains:
  sepolia:
    type: EVM
    chain_id: 11155111
    rpc_url: https://sepolia.example
  anvil:
    rpc_url: http://127.0.0.1:8545
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if names := defs.Names(); len(names) != 2 || names[0] != "anvil" || names[1] != "sepolia" {
		t.Fatalf("unexpected names %v", names)
	}
	if defs.Chains["anvil"].Kind() != ChainTypeEVM || defs.Chains["sepolia"].Kind() != ChainTypeEVM {
		t.Fatalf("chain kind should normalise to evm")
	}

	if _, err := ParseChainDefinitions([]byte("chains:\n  broken:\n    chain_id: 1\n")); err == nil {
		t.Fatalf("expected missing rpc_url error")
	}
	empty, err := LoadChainDefinitions("")
	if err != nil || len(empty.Chains) != 0 {
		t.Fatalf("empty path should yield no chains: %v %v", empty, err)
	}
}
