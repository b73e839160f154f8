package auth

import (
	"crypto/ecdsa"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// 请求签名使用的 HTTP 头。
const (
	HeaderAccount   = "X-Router-Account"
	HeaderTimestamp = "X-Router-Timestamp"
	HeaderSignature = "X-Router-Signature"
)

// RequestDigest 计算请求签名的 EIP-191 摘要。
func RequestDigest(method, target string, timestamp int64, body []byte) []byte {
	payload := fmt.Sprintf("%s\n%s\n%d\n%s", method, target, timestamp, crypto.Keccak256Hash(body).Hex())
	return accounts.TextHash([]byte(payload))
}

// SignRequest 使用账户私钥为请求签名，返回 0x 前缀的 65 字节签名。
func SignRequest(key *ecdsa.PrivateKey, method, target string, timestamp int64, body []byte) (string, error) {
	sig, err := crypto.Sign(RequestDigest(method, target, timestamp, body), key)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// RecoverSigner 从 65 字节签名中恢复签名者地址，兼容 v=27/28 与 v=0/1。
func RecoverSigner(digest, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature length %d", len(signature))
	}
	sig := make([]byte, len(signature))
	copy(sig, signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func parseTimestamp(raw string) (int64, error) {
	return strconv.ParseInt(raw, 10, 64)
}
