package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"

	xerrors "FundRouter/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

// Role 表示一个链上账户可被授予的权限角色。
type Role string

const (
	RoleAdmin     Role = "ADMIN"
	RoleManager   Role = "MANAGER"
	RoleScheduler Role = "SCHEDULER"
	RoleDepositor Role = "DEPOSITOR"
	RoleSigner    Role = "SIGNER"
)

// AllRoles 列出全部已知角色。
var AllRoles = []Role{RoleAdmin, RoleManager, RoleScheduler, RoleDepositor, RoleSigner}

// ParseRole 解析大小写不敏感的角色名称。
func ParseRole(value string) (Role, error) {
	candidate := Role(strings.ToUpper(strings.TrimSpace(value)))
	for _, role := range AllRoles {
		if role == candidate {
			return role, nil
		}
	}
	return "", ErrUnknownRole.With("role", value)
}

const (
	CodeUnauthorizedAccount xerrors.Code = "UNAUTHORIZED_ACCOUNT"
	CodeUnknownRole         xerrors.Code = "UNKNOWN_ROLE"
	CodeMissingSignature    xerrors.Code = "MISSING_SIGNATURE"
	CodeInvalidSignature    xerrors.Code = "INVALID_SIGNATURE"
	CodeStaleRequest        xerrors.Code = "STALE_REQUEST"
)

var (
	// ErrUnauthorizedAccount 表示账户缺少执行操作所需的角色。
	ErrUnauthorizedAccount = xerrors.New(CodeUnauthorizedAccount, "account is missing role")
	// ErrUnknownRole 表示配置或请求中出现了未知角色。
	ErrUnknownRole = xerrors.New(CodeUnknownRole, "unknown role")
	// ErrMissingSignature 表示请求未携带签名头。
	ErrMissingSignature = xerrors.New(CodeMissingSignature, "missing request signature")
	// ErrInvalidSignature 表示签名无法恢复出声明的账户。
	ErrInvalidSignature = xerrors.New(CodeInvalidSignature, "invalid request signature")
	// ErrStaleRequest 表示请求时间戳超出允许的偏差。
	ErrStaleRequest = xerrors.New(CodeStaleRequest, "request timestamp outside allowed skew")
)

func init() {
	for code, msg := range map[xerrors.Code]string{
		CodeUnauthorizedAccount: "account is missing role",
		CodeMissingSignature:    "missing request signature",
		CodeInvalidSignature:    "invalid request signature",
		CodeStaleRequest:        "request timestamp outside allowed skew",
	} {
		xerrors.Register(code, xerrors.Attributes{
			Message:  msg,
			Severity: xerrors.SeverityWarning,
			Category: xerrors.CategoryAuthorization,
		})
	}
	xerrors.Register(CodeUnknownRole, xerrors.Attributes{
		Message:  "unknown role",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryValidation,
	})
}

// Store 抽象角色授权记录的持久化，实现必须并发安全。
type Store interface {
	HasRole(ctx context.Context, role Role, account common.Address) (bool, error)
	Grant(ctx context.Context, role Role, account common.Address) error
	Revoke(ctx context.Context, role Role, account common.Address) error
	Roles(ctx context.Context, account common.Address) ([]Role, error)
}

// Seed 定义启动时写入的初始授权。
type Seed struct {
	Account string   `json:"account"`
	Roles   []string `json:"roles"`
}

// Subject 是经过请求签名校验后的调用方。
type Subject struct {
	Account common.Address
	Roles   []Role
}

// HasRole 判断主体是否持有指定角色。
func (s *Subject) HasRole(role Role) bool {
	if s == nil {
		return false
	}
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Config 配置认证服务。
type Config struct {
	Mode           Mode
	MaxSkewSeconds int64
}

// Mode 枚举请求认证方式。
type Mode string

const (
	// ModeDisabled 直接信任请求头中的账户，仅用于本地开发。
	ModeDisabled Mode = "disabled"
	// ModeSignature 要求请求携带账户私钥的 EIP-191 签名。
	ModeSignature Mode = "signature"
)

func sortRoles(roles []Role) []Role {
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}

func describe(role Role, account common.Address) string {
	return fmt.Sprintf("%s/%s", role, account.Hex())
}
