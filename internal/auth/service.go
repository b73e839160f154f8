package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"FundRouter/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Service 负责识别 HTTP 请求的调用账户。
type Service struct {
	mode    Mode
	access  *AccessControl
	maxSkew time.Duration
	now     func() time.Time
	audit   *slog.Logger
}

// NewService 构造身份认证服务实例。
func NewService(cfg Config, access *AccessControl) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeSignature
	}
	if mode != ModeDisabled && mode != ModeSignature {
		return nil, fmt.Errorf("unsupported auth mode: %s", cfg.Mode)
	}
	if access == nil {
		return nil, fmt.Errorf("auth service requires access control")
	}
	skew := time.Duration(cfg.MaxSkewSeconds) * time.Second
	if skew <= 0 {
		skew = 5 * time.Minute
	}
	return &Service{
		mode:    mode,
		access:  access,
		maxSkew: skew,
		now:     time.Now,
		audit:   logger.Audit(),
	}, nil
}

// Mode 返回当前身份认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 校验请求头中的账户与签名，并加载其角色。
func (s *Service) AuthenticateRequest(ctx context.Context, r *http.Request, body []byte) (*Subject, error) {
	rawAccount := strings.TrimSpace(r.Header.Get(HeaderAccount))
	if !common.IsHexAddress(rawAccount) {
		return nil, ErrMissingSignature.With("header", HeaderAccount)
	}
	account := common.HexToAddress(rawAccount)

	if s.mode == ModeSignature {
		if err := s.verify(r, account, body); err != nil {
			return nil, err
		}
	}

	roles, err := s.access.Roles(ctx, account)
	if err != nil {
		return nil, err
	}
	return &Subject{Account: account, Roles: roles}, nil
}

func (s *Service) verify(r *http.Request, account common.Address, body []byte) error {
	rawSig := strings.TrimSpace(r.Header.Get(HeaderSignature))
	rawTS := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if rawSig == "" || rawTS == "" {
		return ErrMissingSignature
	}
	ts, err := parseTimestamp(rawTS)
	if err != nil {
		return ErrStaleRequest.With("timestamp", rawTS)
	}
	drift := s.now().Sub(time.Unix(ts, 0))
	if drift > s.maxSkew || drift < -s.maxSkew {
		return ErrStaleRequest.With("timestamp", rawTS)
	}
	sig, err := hexutil.Decode(rawSig)
	if err != nil {
		return ErrInvalidSignature
	}
	signer, err := RecoverSigner(RequestDigest(r.Method, r.URL.RequestURI(), ts, body), sig)
	if err != nil || signer != account {
		return ErrInvalidSignature.With("account", account.Hex())
	}
	return nil
}
