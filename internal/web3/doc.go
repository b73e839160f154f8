// Package web3 houses blockchain connectivity utilities: multi-chain
// configuration, a read-only EVM client used to confirm the chain id, and
// ERC-20 metadata reads for the settlement tokens the router is configured
// with.
package web3
