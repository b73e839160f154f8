package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"FundRouter/internal/auth"

	"github.com/ethereum/go-ethereum/common"
)

// SQLRoleStore persists role grants in MySQL.
type SQLRoleStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ auth.Store = (*SQLRoleStore)(nil)

// NewSQLRoleStore wraps a migrated connection pool.
func NewSQLRoleStore(db *sql.DB) *SQLRoleStore {
	return &SQLRoleStore{db: db, now: time.Now}
}

// HasRole implements auth.Store.
func (s *SQLRoleStore) HasRole(ctx context.Context, role auth.Role, account common.Address) (bool, error) {
	const query = `SELECT COUNT(*) FROM access_roles WHERE role = ? AND account = ?`
	var count int64
	if err := s.db.QueryRowContext(ctx, query, string(role), account.Hex()).Scan(&count); err != nil {
		return false, fmt.Errorf("查询角色失败: %w", err)
	}
	return count > 0, nil
}

// Grant implements auth.Store. Granting an existing role is a no-op.
func (s *SQLRoleStore) Grant(ctx context.Context, role auth.Role, account common.Address) error {
	const stmt = `INSERT IGNORE INTO access_roles (role, account, granted_at) VALUES (?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt, string(role), account.Hex(), s.now().Unix()); err != nil {
		return fmt.Errorf("授予角色失败: %w", err)
	}
	return nil
}

// Revoke implements auth.Store.
func (s *SQLRoleStore) Revoke(ctx context.Context, role auth.Role, account common.Address) error {
	const stmt = `DELETE FROM access_roles WHERE role = ? AND account = ?`
	if _, err := s.db.ExecContext(ctx, stmt, string(role), account.Hex()); err != nil {
		return fmt.Errorf("撤销角色失败: %w", err)
	}
	return nil
}

// Roles implements auth.Store.
func (s *SQLRoleStore) Roles(ctx context.Context, account common.Address) ([]auth.Role, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT role FROM access_roles WHERE account = ?`, account.Hex())
	if err != nil {
		return nil, fmt.Errorf("查询角色列表失败: %w", err)
	}
	defer rows.Close()
	roles := make([]auth.Role, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("解析角色失败: %w", err)
		}
		role, err := auth.ParseRole(raw)
		if err != nil {
			continue
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历角色失败: %w", err)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles, nil
}
