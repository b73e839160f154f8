package auth

import (
	"context"
	"log/slog"

	xerrors "FundRouter/internal/errors"
	"FundRouter/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// AccessControl 基于角色授权判断账户能否执行受限操作。
type AccessControl struct {
	store Store
	audit *slog.Logger
}

// NewAccessControl 构造访问控制器。
func NewAccessControl(store Store) *AccessControl {
	return &AccessControl{store: store, audit: logger.Audit()}
}

// HasRole 判断账户是否持有角色。
func (a *AccessControl) HasRole(ctx context.Context, role Role, account common.Address) (bool, error) {
	if a == nil || a.store == nil {
		return false, xerrors.New(xerrors.CodeInitializationFailure, "access control not configured")
	}
	ok, err := a.store.HasRole(ctx, role, account)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "load role grant")
	}
	return ok, nil
}

// CheckRole 在账户缺少角色时返回 ErrUnauthorizedAccount。
func (a *AccessControl) CheckRole(ctx context.Context, role Role, account common.Address) error {
	ok, err := a.HasRole(ctx, role, account)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnauthorizedAccount.With("account", account.Hex()).With("role", string(role))
	}
	return nil
}

// Roles 返回账户持有的全部角色。
func (a *AccessControl) Roles(ctx context.Context, account common.Address) ([]Role, error) {
	if a == nil || a.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "access control not configured")
	}
	return a.store.Roles(ctx, account)
}

// GrantRole 由管理员为账户授予角色。
func (a *AccessControl) GrantRole(ctx context.Context, caller common.Address, role Role, account common.Address) error {
	if err := a.CheckRole(ctx, RoleAdmin, caller); err != nil {
		return err
	}
	if err := a.store.Grant(ctx, role, account); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "grant role")
	}
	a.audit.Info("role_granted",
		slog.String("grant", describe(role, account)),
		slog.String("caller", caller.Hex()),
	)
	return nil
}

// RevokeRole 由管理员撤销账户角色。
func (a *AccessControl) RevokeRole(ctx context.Context, caller common.Address, role Role, account common.Address) error {
	if err := a.CheckRole(ctx, RoleAdmin, caller); err != nil {
		return err
	}
	if err := a.store.Revoke(ctx, role, account); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "revoke role")
	}
	a.audit.Info("role_revoked",
		slog.String("grant", describe(role, account)),
		slog.String("caller", caller.Hex()),
	)
	return nil
}
