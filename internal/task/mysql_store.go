package task

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "FundRouter/internal/errors"

	"github.com/go-sql-driver/mysql"
)

const erDupEntry = 1062

// MySQLStore 在 distribution_tasks 表中记录续跑任务，表结构由 deploy/migrations 维护。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*MySQLStore)(nil)

// NewMySQLStore 基于已完成迁移的连接池构造任务存储。
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "MySQL 连接池未初始化")
	}
	return &MySQLStore{db: db, now: time.Now}, nil
}

const taskColumns = `id, agent_id, round, status, attempts, max_retries, last_error, error_code,
        has_result, result_processed, result_cursor, result_total, result_completed, result_fees_paid, result_note,
        created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t               Task
		res             ResumeResult
		lastError, note sql.NullString
		hasResult       bool
	)
	err := row.Scan(&t.ID, &t.AgentID, &t.Round, &t.Status, &t.Attempts, &t.MaxRetries, &lastError, &t.ErrorCode,
		&hasResult, &res.Processed, &res.Cursor, &res.Total, &res.Completed, &res.FeesPaid, &note,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.LastError = lastError.String
	if hasResult {
		res.Note = note.String
		t.Result = &res
	}
	return &t, nil
}

// exec 执行单行更新，未命中任何行时返回 ErrTaskNotFound。
func (s *MySQLStore) exec(ctx context.Context, failure, stmt string, args ...any) error {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, failure)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// Create 插入新的任务记录。
func (s *MySQLStore) Create(ctx context.Context, t *Task) error {
	if t == nil || strings.TrimSpace(t.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	now := s.now().Unix()
	t.CreatedAt, t.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `INSERT INTO distribution_tasks
        (id, agent_id, round, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, '', '', ?, ?)`,
		t.ID, strings.ToLower(t.AgentID), t.Round, t.Status, t.Attempts, t.MaxRetries, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == erDupEntry {
			return ErrTaskConflict.With("task_id", t.ID)
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM distribution_tasks WHERE id = ?`, id))
	switch {
	case stdErrors.Is(err, sql.ErrNoRows):
		return nil, ErrTaskNotFound
	case err != nil:
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return t, nil
}

// Claim 以条件更新抢占任务，多个处理器实例并发领取同一任务时只有一个成功。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Task, error) {
	err := s.exec(ctx, "领取任务失败", `UPDATE distribution_tasks
        SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status IN (?, ?) AND attempts < max_retries`,
		StatusRunning, s.now().Unix(), id, StatusPending, StatusFailed)
	if err == nil {
		return s.Get(ctx, id)
	}
	if !stdErrors.Is(err, ErrTaskNotFound) {
		return nil, err
	}
	t, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return t, claimRejection(t)
}

// claimRejection 解释任务为什么不能被领取。
func claimRejection(t *Task) error {
	switch {
	case t.Status == StatusSucceeded:
		return ErrTaskCompleted
	case t.Status != StatusRunning && t.Attempts >= t.MaxRetries:
		return ErrTaskExhausted
	default:
		return ErrTaskConflict
	}
}

// MarkSucceeded 将任务标记为成功并记录续跑进度。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, result ResumeResult) error {
	return s.exec(ctx, "写入任务成功状态失败", `UPDATE distribution_tasks
        SET status = ?, has_result = 1, result_processed = ?, result_cursor = ?, result_total = ?,
        result_completed = ?, result_fees_paid = ?, result_note = ?, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ?`,
		StatusSucceeded, result.Processed, result.Cursor, result.Total, result.Completed,
		result.FeesPaid, result.Note, s.now().Unix(), id)
}

// MarkFailed 将任务标记为失败；terminal 为真时把重试次数置满。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	exhaust := ""
	if terminal {
		exhaust = ", attempts = GREATEST(attempts, max_retries)"
	}
	return s.exec(ctx, "写入任务失败状态出错",
		`UPDATE distribution_tasks SET status = ?, last_error = ?, error_code = ?, updated_at = ?`+exhaust+` WHERE id = ?`,
		StatusFailed, lastError, string(code), s.now().Unix(), id)
}

// List 返回符合过滤条件的任务。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()
	where, args := whereClause(opts)
	dir := "DESC"
	if opts.Order == SortByUpdatedAsc {
		dir = "ASC"
	}
	query := `SELECT ` + taskColumns + ` FROM distribution_tasks` + where +
		` ORDER BY updated_at ` + dir + `, created_at ` + dir + `, id ` + dir + ` LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// Stats 返回符合过滤条件的任务聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()
	where, filterArgs := whereClause(opts)
	query := `SELECT COUNT(*),
        COALESCE(SUM(status = ?), 0), COALESCE(SUM(status = ?), 0),
        COALESCE(SUM(status = ?), 0), COALESCE(SUM(status = ?), 0),
        COALESCE(MIN(updated_at), 0), COALESCE(MAX(updated_at), 0)
        FROM distribution_tasks` + where
	args := append([]any{StatusPending, StatusRunning, StatusSucceeded, StatusFailed}, filterArgs...)

	var st TaskStats
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&st.Total, &st.Pending, &st.Running, &st.Succeeded, &st.Failed, &st.OldestUpdatedAt, &st.NewestUpdatedAt)
	if err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	return st, nil
}

// Close 不关闭共享连接池，连接池由创建者释放。
func (s *MySQLStore) Close() error { return nil }

// whereClause 把过滤条件翻译为 " WHERE ..." 子句，无条件时返回空串。
func whereClause(opts ListOptions) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, vals ...any) {
		conds = append(conds, cond)
		args = append(args, vals...)
	}
	if len(opts.Statuses) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?,", len(opts.Statuses)), ",")
		vals := make([]any, len(opts.Statuses))
		for i, st := range opts.Statuses {
			vals[i] = st
		}
		add("status IN ("+marks+")", vals...)
	}
	if opts.AgentID != "" {
		add("agent_id = ?", opts.AgentID)
	}
	if opts.Round > 0 {
		add("round = ?", opts.Round)
	}
	if opts.UpdatedGTE > 0 {
		add("updated_at >= ?", opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		add("updated_at <= ?", opts.UpdatedLTE)
	}
	if opts.Completed != nil {
		if *opts.Completed {
			add("(has_result = 1 AND result_completed = 1)")
		} else {
			add("(has_result = 0 OR result_completed = 0)")
		}
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
