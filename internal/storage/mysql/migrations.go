package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"FundRouter/deploy/migrations"
	"FundRouter/pkg/logger"
)

const (
	createMigrationTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`
	selectAppliedVersions = `SELECT version FROM schema_migrations`
	insertAppliedVersion  = `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`
)

// migration 对应 deploy/migrations 下的一个 SQL 文件，文件名前缀即版本号。
type migration struct {
	version    string
	name       string
	statements []string
}

// migrator 按版本顺序应用尚未记录在 schema_migrations 中的迁移，每个文件一个事务。
type migrator struct {
	db     *sql.DB
	source fs.FS
	now    func() time.Time
	log    *slog.Logger
}

func newMigrator(db *sql.DB) *migrator {
	return &migrator{db: db, source: migrations.Files, now: time.Now, log: logger.Named("mysql")}
}

func (m *migrator) run(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, createMigrationTable); err != nil {
		return fmt.Errorf("创建 schema_migrations 表失败: %w", err)
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}
	pending, err := readMigrations(m.source)
	if err != nil {
		return err
	}
	for _, mig := range pending {
		if applied[mig.version] {
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return err
		}
		m.log.Info("数据库迁移已应用",
			slog.String("version", mig.version),
			slog.String("file", mig.name),
			slog.Int("statements", len(mig.statements)),
		)
	}
	return nil
}

func (m *migrator) applied(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, selectAppliedVersions)
	if err != nil {
		return nil, fmt.Errorf("查询 schema_migrations 失败: %w", err)
	}
	defer rows.Close()

	versions := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("解析 schema_migrations 失败: %w", err)
		}
		versions[v] = true
	}
	return versions, rows.Err()
}

func (m *migrator) apply(ctx context.Context, mig migration) (err error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for i, stmt := range mig.statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("执行迁移 %s 第 %d 条语句失败: %w", mig.name, i+1, err)
		}
	}
	if _, err = tx.ExecContext(ctx, insertAppliedVersion, mig.version, m.now().Unix()); err != nil {
		return fmt.Errorf("记录迁移版本失败: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移事务失败: %w", err)
	}
	return nil
}

// readMigrations 读取全部 *.sql 文件，按版本排序，跳过没有语句的文件。
func readMigrations(source fs.FS) ([]migration, error) {
	names, err := fs.Glob(source, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}
	out := make([]migration, 0, len(names))
	for _, name := range names {
		content, err := fs.ReadFile(source, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		stmts := splitStatements(string(content))
		if len(stmts) == 0 {
			continue
		}
		out = append(out, migration{version: migrationVersion(name), name: name, statements: stmts})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// splitStatements 按分号切分语句，并丢弃 -- 开头的整行注释。
func splitStatements(content string) []string {
	var body strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	var stmts []string
	for _, raw := range strings.Split(body.String(), ";") {
		if stmt := strings.TrimSpace(raw); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

func migrationVersion(name string) string {
	base := strings.TrimSuffix(path.Base(name), path.Ext(name))
	if version, _, ok := strings.Cut(base, "_"); ok && version != "" {
		return version
	}
	return base
}
