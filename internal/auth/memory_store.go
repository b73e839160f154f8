package auth

import (
	"context"
	"sync"

	xerrors "FundRouter/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore 在内存中维护角色授权，适用于开发与测试。
type MemoryStore struct {
	mu     sync.RWMutex
	grants map[common.Address]map[Role]struct{}
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 使用种子数据初始化存储。
func NewMemoryStore(seeds []Seed) (*MemoryStore, error) {
	store := &MemoryStore{grants: make(map[common.Address]map[Role]struct{})}
	if err := ApplySeeds(context.Background(), store, seeds); err != nil {
		return nil, err
	}
	return store, nil
}

// HasRole 实现 Store 接口。
func (s *MemoryStore) HasRole(_ context.Context, role Role, account common.Address) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.grants[account][role]
	return ok, nil
}

// Grant 实现 Store 接口，重复授权是幂等的。
func (s *MemoryStore) Grant(_ context.Context, role Role, account common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.grants[account]
	if !ok {
		set = make(map[Role]struct{})
		s.grants[account] = set
	}
	set[role] = struct{}{}
	return nil
}

// Revoke 实现 Store 接口。
func (s *MemoryStore) Revoke(_ context.Context, role Role, account common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.grants[account]; ok {
		delete(set, role)
		if len(set) == 0 {
			delete(s.grants, account)
		}
	}
	return nil
}

// Roles 实现 Store 接口。
func (s *MemoryStore) Roles(_ context.Context, account common.Address) ([]Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	roles := make([]Role, 0, len(s.grants[account]))
	for role := range s.grants[account] {
		roles = append(roles, role)
	}
	return sortRoles(roles), nil
}

// ApplySeeds 将种子授权写入任意 Store。
func ApplySeeds(ctx context.Context, store Store, seeds []Seed) error {
	for _, seed := range seeds {
		if !common.IsHexAddress(seed.Account) {
			return xerrors.New(xerrors.CodeInvalidArgument, "invalid seed account").With("account", seed.Account)
		}
		account := common.HexToAddress(seed.Account)
		for _, raw := range seed.Roles {
			role, err := ParseRole(raw)
			if err != nil {
				return err
			}
			if err := store.Grant(ctx, role, account); err != nil {
				return err
			}
		}
	}
	return nil
}
