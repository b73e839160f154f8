package router

import (
	"crypto/ecdsa"
	"math/big"

	"FundRouter/internal/auth"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// MembershipAuthorization 是链下签发的会员存款授权，绑定链、路由器、基金、轮次、存款人与 nonce。
type MembershipAuthorization struct {
	ChainID   *big.Int
	Router    common.Address
	AgentID   AgentID
	Round     uint64
	Depositor common.Address
	TokenID   *big.Int
}

// Digest 返回签名者需要按 EIP-191 personal_sign 签署的摘要。
func (m MembershipAuthorization) Digest() []byte {
	packed := make([]byte, 0, 32+20+16+32+20+32)
	packed = append(packed, math.U256Bytes(orZero(m.ChainID))...)
	packed = append(packed, m.Router.Bytes()...)
	packed = append(packed, m.AgentID[:]...)
	packed = append(packed, math.U256Bytes(new(big.Int).SetUint64(m.Round))...)
	packed = append(packed, m.Depositor.Bytes()...)
	packed = append(packed, math.U256Bytes(orZero(m.TokenID))...)
	return accounts.TextHash(crypto.Keccak256(packed))
}

// Sign 使用签名者私钥生成 65 字节签名（v 为 27/28）。
func (m MembershipAuthorization) Sign(key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(m.Digest(), key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Signer 恢复签名者地址。
func (m MembershipAuthorization) Signer(signature []byte) (common.Address, error) {
	return auth.RecoverSigner(m.Digest(), signature)
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
