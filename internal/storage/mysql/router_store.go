package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	xerrors "FundRouter/internal/errors"
	"FundRouter/internal/router"

	"github.com/ethereum/go-ethereum/common"
)

const settingFeeReceiver = "fee_receiver"

// RouterStore 使用 MySQL 实现 router.Store。金额以 DECIMAL(78,0) 保存，
// 参与者列表与私有分配以 JSON 列保存。
type RouterStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ router.Store = (*RouterStore)(nil)

// NewRouterStore 基于已迁移的连接池构造 RouterStore。
func NewRouterStore(db *sql.DB) *RouterStore {
	return &RouterStore{db: db, now: time.Now}
}

func storageErr(err error, msg string) error {
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, msg)
}

func decimal(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseDecimal(raw string) (*big.Int, error) {
	if raw == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("无法解析金额 %q", raw)
	}
	return v, nil
}

// GetAgent 实现 router.Store 接口。
func (s *RouterStore) GetAgent(ctx context.Context, id router.AgentID) (*router.Agent, error) {
	const query = `SELECT state, round, name, agent_type, deposit_token, operating_address, creator_address,
        share_price, base_min_shares, base_max_shares, member_min_shares, member_max_shares, shares_cap
        FROM router_agents WHERE agent_id = ?`
	agent := router.Agent{ID: id}
	var state uint8
	var depositToken, operating, creator, sharePrice string
	err := s.db.QueryRowContext(ctx, query, id.String()).Scan(
		&state,
		&agent.Round,
		&agent.Name,
		&agent.Type,
		&depositToken,
		&operating,
		&creator,
		&sharePrice,
		&agent.Deposit.BaseMinShares,
		&agent.Deposit.BaseMaxShares,
		&agent.Deposit.MemberMinShares,
		&agent.Deposit.MemberMaxShares,
		&agent.Deposit.SharesCap,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, router.ErrAgentNotFound.With("agent_id", id.String())
	}
	if err != nil {
		return nil, storageErr(err, "查询基金失败")
	}
	agent.State = router.State(state)
	agent.DepositToken = common.HexToAddress(depositToken)
	agent.OperatingAddress = common.HexToAddress(operating)
	agent.CreatorAddress = common.HexToAddress(creator)
	if agent.Deposit.SharePrice, err = parseDecimal(sharePrice); err != nil {
		return nil, storageErr(err, "解析份额价格失败")
	}
	return &agent, nil
}

// GetRound 实现 router.Store 接口。
func (s *RouterStore) GetRound(ctx context.Context, id router.AgentID, number uint64) (*router.Round, error) {
	const query = `SELECT is_open, is_closed, participant_count, total_shares, total_deposited, distribution_amount, participants
        FROM router_rounds WHERE agent_id = ? AND round = ?`
	round := router.Round{AgentID: id, Number: number}
	var deposited, distribution string
	var participants []byte
	err := s.db.QueryRowContext(ctx, query, id.String(), number).Scan(
		&round.IsOpen,
		&round.IsClosed,
		&round.ParticipantCount,
		&round.TotalShares,
		&deposited,
		&distribution,
		&participants,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, router.ErrRoundNotFound.With("agent_id", id.String())
	}
	if err != nil {
		return nil, storageErr(err, "查询轮次失败")
	}
	if round.TotalDeposited, err = parseDecimal(deposited); err != nil {
		return nil, storageErr(err, "解析存款总额失败")
	}
	if round.DistributionAmount, err = parseDecimal(distribution); err != nil {
		return nil, storageErr(err, "解析派发金额失败")
	}
	if len(participants) > 0 {
		if err := json.Unmarshal(participants, &round.Participants); err != nil {
			return nil, storageErr(err, "解析参与者列表失败")
		}
	}
	return &round, nil
}

// GetPosition 实现 router.Store 接口。
func (s *RouterStore) GetPosition(ctx context.Context, id router.AgentID, round uint64, account common.Address) (*router.UserPosition, error) {
	const query = `SELECT shares_purchased, amount_deposited, position_index, token_id, is_member
        FROM router_positions WHERE agent_id = ? AND round = ? AND account = ?`
	pos := router.UserPosition{AgentID: id, Round: round, Account: account}
	var amount string
	var tokenID sql.NullString
	err := s.db.QueryRowContext(ctx, query, id.String(), round, account.Hex()).Scan(
		&pos.SharesPurchased,
		&amount,
		&pos.Index,
		&tokenID,
		&pos.IsMember,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return &router.UserPosition{AgentID: id, Round: round, Account: account, AmountDeposited: new(big.Int)}, nil
	}
	if err != nil {
		return nil, storageErr(err, "查询仓位失败")
	}
	if pos.AmountDeposited, err = parseDecimal(amount); err != nil {
		return nil, storageErr(err, "解析存款金额失败")
	}
	if tokenID.Valid {
		if pos.TokenID, err = parseDecimal(tokenID.String); err != nil {
			return nil, storageErr(err, "解析会员 nonce 失败")
		}
	}
	return &pos, nil
}

// GetFeeConfig 实现 router.Store 接口。
func (s *RouterStore) GetFeeConfig(ctx context.Context, id router.AgentID) (router.FeeConfig, error) {
	const query = `SELECT base_management_rate, base_performance_rate, member_management_rate, member_performance_rate
        FROM router_fee_configs WHERE agent_id = ?`
	var cfg router.FeeConfig
	err := s.db.QueryRowContext(ctx, query, id.String()).Scan(
		&cfg.BaseManagementRate,
		&cfg.BasePerformanceRate,
		&cfg.MemberManagementRate,
		&cfg.MemberPerformanceRate,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return router.FeeConfig{}, nil
	}
	if err != nil {
		return router.FeeConfig{}, storageErr(err, "查询费率失败")
	}
	return cfg, nil
}

// FeeReceiver 实现 router.Store 接口。
func (s *RouterStore) FeeReceiver(ctx context.Context) (common.Address, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM router_settings WHERE name = ?`, settingFeeReceiver).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return common.Address{}, nil
	}
	if err != nil {
		return common.Address{}, storageErr(err, "查询费用接收地址失败")
	}
	return common.HexToAddress(value), nil
}

// TokenIDOwner 实现 router.Store 接口。
func (s *RouterStore) TokenIDOwner(ctx context.Context, id router.AgentID, round uint64, tokenID *big.Int) (common.Address, bool, error) {
	const query = `SELECT owner FROM router_token_ids WHERE agent_id = ? AND round = ? AND token_id = ?`
	var owner string
	err := s.db.QueryRowContext(ctx, query, id.String(), round, decimal(tokenID)).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return common.Address{}, false, nil
	}
	if err != nil {
		return common.Address{}, false, storageErr(err, "查询会员 nonce 失败")
	}
	return common.HexToAddress(owner), true, nil
}

type allocationRow struct {
	Recipient common.Address `json:"recipient"`
	Shares    uint64         `json:"shares"`
}

// GetDistribution 实现 router.Store 接口。
func (s *RouterStore) GetDistribution(ctx context.Context, id router.AgentID, round uint64) (*router.Distribution, error) {
	const query = `SELECT mode, amount, total_shares, cursor_index, allocations, total_fee, total_net, fees_accrued, fees_paid, completed
        FROM router_distributions WHERE agent_id = ? AND round = ?`
	dist := router.Distribution{AgentID: id, Round: round}
	var mode string
	var amount, totalFee, totalNet, accrued, paid string
	var allocations []byte
	err := s.db.QueryRowContext(ctx, query, id.String(), round).Scan(
		&mode,
		&amount,
		&dist.TotalShares,
		&dist.Cursor,
		&allocations,
		&totalFee,
		&totalNet,
		&accrued,
		&paid,
		&dist.Completed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr(err, "查询派发任务失败")
	}
	dist.Mode = router.DistributionMode(mode)
	for _, pair := range []struct {
		dst **big.Int
		raw string
	}{
		{&dist.Amount, amount},
		{&dist.TotalFee, totalFee},
		{&dist.TotalNet, totalNet},
		{&dist.FeesAccrued, accrued},
		{&dist.FeesPaid, paid},
	} {
		v, err := parseDecimal(pair.raw)
		if err != nil {
			return nil, storageErr(err, "解析派发金额失败")
		}
		*pair.dst = v
	}
	if len(allocations) > 0 {
		var rows []allocationRow
		if err := json.Unmarshal(allocations, &rows); err != nil {
			return nil, storageErr(err, "解析私有分配失败")
		}
		for _, row := range rows {
			dist.Allocations = append(dist.Allocations, router.Allocation{Recipient: row.Recipient, Shares: row.Shares})
		}
	}
	return &dist, nil
}

// ListAgents 实现 router.Store 接口。
func (s *RouterStore) ListAgents(ctx context.Context, state router.State) ([]router.AgentID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT agent_id FROM router_agents WHERE state = ? ORDER BY agent_id`, uint8(state))
	if err != nil {
		return nil, storageErr(err, "查询基金列表失败")
	}
	defer rows.Close()
	ids := make([]router.AgentID, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, storageErr(err, "解析基金列表失败")
		}
		id, err := router.ParseAgentID(raw)
		if err != nil {
			return nil, storageErr(err, "解析 agent id 失败")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "遍历基金列表失败")
	}
	return ids, nil
}

// Commit 在单个事务中写入全部变更，任一语句失败则整体回滚。
func (s *RouterStore) Commit(ctx context.Context, c router.Changes) (err error) {
	if c.Empty() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(err, "开启事务失败")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := s.now().Unix()
	if c.Agent != nil {
		if err = upsertAgent(ctx, tx, c.Agent, now); err != nil {
			return err
		}
	}
	for _, r := range c.Rounds {
		if err = upsertRound(ctx, tx, r, now); err != nil {
			return err
		}
	}
	for _, p := range c.Positions {
		if err = upsertPosition(ctx, tx, p, now); err != nil {
			return err
		}
	}
	if c.FeeConfig != nil {
		if err = upsertFeeConfig(ctx, tx, c.FeeConfig, now); err != nil {
			return err
		}
	}
	if c.FeeReceiver != nil {
		const stmt = `INSERT INTO router_settings (name, value, updated_at) VALUES (?, ?, ?)
ON DUPLICATE KEY UPDATE value = VALUES(value), updated_at = VALUES(updated_at)`
		if _, execErr := tx.ExecContext(ctx, stmt, settingFeeReceiver, c.FeeReceiver.Hex(), now); execErr != nil {
			err = storageErr(execErr, "保存费用接收地址失败")
			return err
		}
	}
	for _, claim := range c.TokenIDs {
		const stmt = `INSERT INTO router_token_ids (agent_id, round, token_id, owner, created_at) VALUES (?, ?, ?, ?, ?)`
		if _, execErr := tx.ExecContext(ctx, stmt, claim.AgentID.String(), claim.Round, decimal(claim.TokenID), claim.Owner.Hex(), now); execErr != nil {
			err = storageErr(execErr, "保存会员 nonce 失败")
			return err
		}
	}
	if c.Distribution != nil {
		if err = upsertDistribution(ctx, tx, c.Distribution, now); err != nil {
			return err
		}
	}
	if commitErr := tx.Commit(); commitErr != nil {
		err = storageErr(commitErr, "提交事务失败")
		return err
	}
	return nil
}

func upsertAgent(ctx context.Context, tx *sql.Tx, a *router.Agent, now int64) error {
	const stmt = `INSERT INTO router_agents
(agent_id, state, round, name, agent_type, deposit_token, operating_address, creator_address,
 share_price, base_min_shares, base_max_shares, member_min_shares, member_max_shares, shares_cap, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE state = VALUES(state), round = VALUES(round), name = VALUES(name), agent_type = VALUES(agent_type),
 deposit_token = VALUES(deposit_token), operating_address = VALUES(operating_address), creator_address = VALUES(creator_address),
 share_price = VALUES(share_price), base_min_shares = VALUES(base_min_shares), base_max_shares = VALUES(base_max_shares),
 member_min_shares = VALUES(member_min_shares), member_max_shares = VALUES(member_max_shares), shares_cap = VALUES(shares_cap),
 updated_at = VALUES(updated_at)`
	_, err := tx.ExecContext(ctx, stmt,
		a.ID.String(),
		uint8(a.State),
		a.Round,
		a.Name,
		a.Type,
		a.DepositToken.Hex(),
		a.OperatingAddress.Hex(),
		a.CreatorAddress.Hex(),
		decimal(a.Deposit.SharePrice),
		a.Deposit.BaseMinShares,
		a.Deposit.BaseMaxShares,
		a.Deposit.MemberMinShares,
		a.Deposit.MemberMaxShares,
		a.Deposit.SharesCap,
		now,
	)
	if err != nil {
		return storageErr(err, "保存基金失败")
	}
	return nil
}

func upsertRound(ctx context.Context, tx *sql.Tx, r *router.Round, now int64) error {
	participants := r.Participants
	if participants == nil {
		participants = []common.Address{}
	}
	encoded, err := json.Marshal(participants)
	if err != nil {
		return storageErr(err, "编码参与者列表失败")
	}
	const stmt = `INSERT INTO router_rounds
(agent_id, round, is_open, is_closed, participant_count, total_shares, total_deposited, distribution_amount, participants, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE is_open = VALUES(is_open), is_closed = VALUES(is_closed), participant_count = VALUES(participant_count),
 total_shares = VALUES(total_shares), total_deposited = VALUES(total_deposited), distribution_amount = VALUES(distribution_amount),
 participants = VALUES(participants), updated_at = VALUES(updated_at)`
	_, err = tx.ExecContext(ctx, stmt,
		r.AgentID.String(),
		r.Number,
		r.IsOpen,
		r.IsClosed,
		r.ParticipantCount,
		r.TotalShares,
		decimal(r.TotalDeposited),
		decimal(r.DistributionAmount),
		string(encoded),
		now,
	)
	if err != nil {
		return storageErr(err, "保存轮次失败")
	}
	return nil
}

func upsertPosition(ctx context.Context, tx *sql.Tx, p *router.UserPosition, now int64) error {
	var tokenID sql.NullString
	if p.TokenID != nil {
		tokenID = sql.NullString{String: p.TokenID.String(), Valid: true}
	}
	const stmt = `INSERT INTO router_positions
(agent_id, round, account, shares_purchased, amount_deposited, position_index, token_id, is_member, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE shares_purchased = VALUES(shares_purchased), amount_deposited = VALUES(amount_deposited),
 position_index = VALUES(position_index), token_id = VALUES(token_id), is_member = VALUES(is_member), updated_at = VALUES(updated_at)`
	_, err := tx.ExecContext(ctx, stmt,
		p.AgentID.String(),
		p.Round,
		p.Account.Hex(),
		p.SharesPurchased,
		decimal(p.AmountDeposited),
		p.Index,
		tokenID,
		p.IsMember,
		now,
	)
	if err != nil {
		return storageErr(err, "保存仓位失败")
	}
	return nil
}

func upsertFeeConfig(ctx context.Context, tx *sql.Tx, change *router.FeeConfigChange, now int64) error {
	const stmt = `INSERT INTO router_fee_configs
(agent_id, base_management_rate, base_performance_rate, member_management_rate, member_performance_rate, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE base_management_rate = VALUES(base_management_rate), base_performance_rate = VALUES(base_performance_rate),
 member_management_rate = VALUES(member_management_rate), member_performance_rate = VALUES(member_performance_rate), updated_at = VALUES(updated_at)`
	cfg := change.Config
	_, err := tx.ExecContext(ctx, stmt,
		change.AgentID.String(),
		int64(cfg.BaseManagementRate),
		int64(cfg.BasePerformanceRate),
		int64(cfg.MemberManagementRate),
		int64(cfg.MemberPerformanceRate),
		now,
	)
	if err != nil {
		return storageErr(err, "保存费率失败")
	}
	return nil
}

func upsertDistribution(ctx context.Context, tx *sql.Tx, d *router.Distribution, now int64) error {
	rows := make([]allocationRow, 0, len(d.Allocations))
	for _, a := range d.Allocations {
		rows = append(rows, allocationRow{Recipient: a.Recipient, Shares: a.Shares})
	}
	encoded, err := json.Marshal(rows)
	if err != nil {
		return storageErr(err, "编码私有分配失败")
	}
	const stmt = `INSERT INTO router_distributions
(agent_id, round, mode, amount, total_shares, cursor_index, allocations, total_fee, total_net, fees_accrued, fees_paid, completed, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE mode = VALUES(mode), amount = VALUES(amount), total_shares = VALUES(total_shares), cursor_index = VALUES(cursor_index),
 allocations = VALUES(allocations), total_fee = VALUES(total_fee), total_net = VALUES(total_net), fees_accrued = VALUES(fees_accrued),
 fees_paid = VALUES(fees_paid), completed = VALUES(completed), updated_at = VALUES(updated_at)`
	_, err = tx.ExecContext(ctx, stmt,
		d.AgentID.String(),
		d.Round,
		string(d.Mode),
		decimal(d.Amount),
		d.TotalShares,
		d.Cursor,
		string(encoded),
		decimal(d.TotalFee),
		decimal(d.TotalNet),
		decimal(d.FeesAccrued),
		decimal(d.FeesPaid),
		d.Completed,
		now,
	)
	if err != nil {
		return storageErr(err, "保存派发任务失败")
	}
	return nil
}

// Close 关闭底层连接池。
func (s *RouterStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
