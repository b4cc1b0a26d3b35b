package mech

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"Mech-Chain/deploy/migrations"
	xerrors "Mech-Chain/internal/errors"

	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 持久化处理记录。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 连接 MySQL 并执行内嵌迁移。
func NewMySQLStore(ctx context.Context, dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.runMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

const recordColumns = `request_id, requester, tool_id, payload_hash, payment, block_height, stage,
        attempts, max_attempts, lease_owner, lease_expires_at, last_error, error_code,
        result_blob_hash, tx_hash, last_attempt_at, created_at, updated_at`

// Create 插入新的处理记录。
func (s *MySQLStore) Create(ctx context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	if record.RequestID == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "请求 ID 不能为空")
	}

	now := time.Now().Unix()
	record.CreatedAt = now
	record.UpdatedAt = now
	if record.Stage == "" {
		record.Stage = StageObserved
	}

	const stmt = `INSERT INTO processing_records
        (request_id, requester, tool_id, payload_hash, payment, block_height, stage,
         attempts, max_attempts, lease_owner, lease_expires_at, last_error, error_code,
         result_blob_hash, tx_hash, last_attempt_at, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', 0, '', '', '', '', 0, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		record.RequestID,
		record.Requester,
		record.ToolID,
		record.PayloadHash,
		record.Payment,
		record.BlockHeight,
		record.Stage,
		record.Attempts,
		record.MaxAttempts,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrRecordConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入处理记录失败")
	}
	return nil
}

// Get 查询指定处理记录。
func (s *MySQLStore) Get(ctx context.Context, requestID uint64) (*Record, error) {
	stmt := `SELECT ` + recordColumns + ` FROM processing_records WHERE request_id = ?`
	row := s.db.QueryRowContext(ctx, stmt, requestID)
	record, err := scanRecord(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询处理记录失败")
	}
	return record, nil
}

// Claim 通过条件更新实现租约领取。未过期的租约一律拒绝，
// 同一持有者也不例外，防止重复投递的消息被两个工作协程同时处理。
func (s *MySQLStore) Claim(ctx context.Context, requestID uint64, owner string, ttl time.Duration) (*Record, error) {
	const stmt = `UPDATE processing_records
        SET attempts = attempts + 1, lease_owner = ?, lease_expires_at = ?, last_attempt_at = ?, updated_at = ?
        WHERE request_id = ? AND stage IN (?, ?, ?)
          AND (lease_owner = '' OR lease_expires_at <= ?)
          AND attempts < max_attempts`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		owner,
		now+int64(ttl/time.Second),
		now,
		now,
		requestID,
		StageObserved, StageResolved, StageExecuting,
		now,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "领取处理记录失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	record, getErr := s.Get(ctx, requestID)
	if getErr != nil {
		return nil, getErr
	}
	if affected == 0 {
		switch {
		case record.Stage.IsTerminal():
			return record, ErrRecordTerminal
		case record.Attempts >= record.MaxAttempts:
			return record, ErrRecordExhausted
		default:
			return record, ErrRecordConflict
		}
	}
	return record, nil
}

// ReleaseLease 释放当前持有的租约，使记录可以被立即重新领取。
func (s *MySQLStore) ReleaseLease(ctx context.Context, requestID uint64, owner string) error {
	const stmt = `UPDATE processing_records
        SET lease_owner = '', lease_expires_at = 0, updated_at = ?
        WHERE request_id = ? AND lease_owner = ?`
	res, err := s.db.ExecContext(ctx, stmt, time.Now().Unix(), requestID, owner)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "释放租约失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, requestID); getErr != nil {
			return getErr
		}
	}
	return nil
}

// AdvanceStage 推进记录阶段。
func (s *MySQLStore) AdvanceStage(ctx context.Context, requestID uint64, stage Stage) error {
	if stage.IsTerminal() || !IsValidStage(stage) {
		return xerrors.New(xerrors.CodeInvalidArgument, "AdvanceStage 仅接受非终态阶段")
	}
	const stmt = `UPDATE processing_records SET stage = ?, updated_at = ?
        WHERE request_id = ? AND stage IN (?, ?, ?)`
	return s.conditionalUpdate(ctx, requestID, stmt,
		stage, time.Now().Unix(), requestID, StageObserved, StageResolved, StageExecuting)
}

// SetResultBlob 记录结果数据块哈希。
func (s *MySQLStore) SetResultBlob(ctx context.Context, requestID uint64, blobHash string) error {
	const stmt = `UPDATE processing_records SET result_blob_hash = ?, updated_at = ? WHERE request_id = ?`
	res, err := s.db.ExecContext(ctx, stmt, blobHash, time.Now().Unix(), requestID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入结果哈希失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// MarkCompleted 置为 Completed 终态，保证迁移至多发生一次。
func (s *MySQLStore) MarkCompleted(ctx context.Context, requestID uint64, txHash string) error {
	const stmt = `UPDATE processing_records
        SET stage = ?, tx_hash = ?, last_error = '', error_code = '', lease_owner = '', lease_expires_at = 0, updated_at = ?
        WHERE request_id = ? AND stage IN (?, ?, ?)`
	return s.conditionalUpdate(ctx, requestID, stmt,
		StageCompleted, txHash, time.Now().Unix(), requestID, StageObserved, StageResolved, StageExecuting)
}

// MarkFailed 置为 Failed 终态。
func (s *MySQLStore) MarkFailed(ctx context.Context, requestID uint64, code xerrors.Code, detail string) error {
	return s.markTerminal(ctx, requestID, StageFailed, code, detail)
}

// MarkAbandoned 置为 Abandoned 终态。
func (s *MySQLStore) MarkAbandoned(ctx context.Context, requestID uint64, code xerrors.Code, detail string) error {
	return s.markTerminal(ctx, requestID, StageAbandoned, code, detail)
}

func (s *MySQLStore) markTerminal(ctx context.Context, requestID uint64, stage Stage, code xerrors.Code, detail string) error {
	const stmt = `UPDATE processing_records
        SET stage = ?, last_error = ?, error_code = ?, lease_owner = '', lease_expires_at = 0, updated_at = ?
        WHERE request_id = ? AND stage IN (?, ?, ?)`
	return s.conditionalUpdate(ctx, requestID, stmt,
		stage, detail, string(code), time.Now().Unix(), requestID, StageObserved, StageResolved, StageExecuting)
}

func (s *MySQLStore) conditionalUpdate(ctx context.Context, requestID uint64, stmt string, args ...any) error {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新处理记录失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		record, getErr := s.Get(ctx, requestID)
		if getErr != nil {
			return getErr
		}
		if record.Stage.IsTerminal() {
			return ErrRecordTerminal
		}
		return ErrRecordConflict
	}
	return nil
}

// ListNonTerminal 返回所有非终态记录，阶段值非法的记录单独上报。
func (s *MySQLStore) ListNonTerminal(ctx context.Context) ([]*Record, []uint64, error) {
	stmt := `SELECT ` + recordColumns + ` FROM processing_records
        WHERE stage NOT IN (?, ?, ?) ORDER BY request_id ASC`
	rows, err := s.db.QueryContext(ctx, stmt, StageCompleted, StageFailed, StageAbandoned)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询非终态记录失败")
	}
	defer rows.Close()

	var (
		records []*Record
		corrupt []uint64
	)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析处理记录失败")
		}
		if !IsValidStage(record.Stage) || record.PayloadHash == "" || record.ToolID == "" {
			corrupt = append(corrupt, record.RequestID)
			continue
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历处理记录失败")
	}
	return records, corrupt, nil
}

// List 返回符合过滤条件的记录。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Record, error) {
	opts.applyDefaults()

	query := `SELECT ` + recordColumns + ` FROM processing_records`
	args := make([]any, 0, len(opts.Stages)+2)
	if len(opts.Stages) > 0 {
		placeholders := make([]string, len(opts.Stages))
		for i, stage := range opts.Stages {
			placeholders[i] = "?"
			args = append(args, stage)
		}
		query += fmt.Sprintf(" WHERE stage IN (%s)", strings.Join(placeholders, ","))
	}
	query += " ORDER BY updated_at DESC, request_id DESC LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询记录列表失败")
	}
	defer rows.Close()

	records := make([]*Record, 0, opts.Limit)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析记录列表失败")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历记录列表失败")
	}
	return records, nil
}

// Stats 返回各阶段的记录数量聚合。
func (s *MySQLStore) Stats(ctx context.Context) (Stats, error) {
	const query = `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN stage = ? THEN 1 ELSE 0 END) AS observed,
        SUM(CASE WHEN stage = ? THEN 1 ELSE 0 END) AS resolved,
        SUM(CASE WHEN stage = ? THEN 1 ELSE 0 END) AS executing,
        SUM(CASE WHEN stage = ? THEN 1 ELSE 0 END) AS completed,
        SUM(CASE WHEN stage = ? THEN 1 ELSE 0 END) AS failed,
        SUM(CASE WHEN stage = ? THEN 1 ELSE 0 END) AS abandoned,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM processing_records`

	row := s.db.QueryRowContext(ctx, query,
		StageObserved, StageResolved, StageExecuting, StageCompleted, StageFailed, StageAbandoned)

	var stats Stats
	if err := row.Scan(
		&stats.Total,
		&stats.Observed,
		&stats.Resolved,
		&stats.Executing,
		&stats.Completed,
		&stats.Failed,
		&stats.Abandoned,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询记录统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		record    Record
		lastError sql.NullString
	)
	if err := row.Scan(
		&record.RequestID,
		&record.Requester,
		&record.ToolID,
		&record.PayloadHash,
		&record.Payment,
		&record.BlockHeight,
		&record.Stage,
		&record.Attempts,
		&record.MaxAttempts,
		&record.LeaseOwner,
		&record.LeaseExpiresAt,
		&lastError,
		&record.ErrorCode,
		&record.ResultBlobHash,
		&record.TxHash,
		&record.LastAttemptAt,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return nil, err
	}
	record.LastError = lastError.String
	return &record, nil
}

// runMigrations 应用内嵌的 SQL 迁移文件。
func (s *MySQLStore) runMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 schema_migrations 表失败")
	}

	applied, err := s.loadAppliedVersions(ctx)
	if err != nil {
		return err
	}

	files, err := loadMigrationFiles()
	if err != nil {
		return err
	}

	for _, migration := range files {
		if _, ok := applied[migration.version]; ok {
			continue
		}
		if err := s.applyMigration(ctx, migration); err != nil {
			return err
		}
	}
	return nil
}

func (s *MySQLStore) loadAppliedVersions(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 schema_migrations 失败")
	}
	defer rows.Close()

	applied := make(map[string]struct{})
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 schema_migrations 失败")
		}
		applied[version] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历 schema_migrations 失败")
	}
	return applied, nil
}

type migrationFile struct {
	version    string
	name       string
	statements []string
}

func (s *MySQLStore) applyMigration(ctx context.Context, migration migrationFile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启迁移事务失败")
	}

	for _, stmt := range migration.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("执行迁移 %s 失败", migration.name))
		}
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
		migration.version, time.Now().Unix()); err != nil {
		_ = tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录迁移版本失败")
	}

	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交迁移事务失败")
	}
	return nil
}

func loadMigrationFiles() ([]migrationFile, error) {
	entries, err := fs.ReadDir(migrations.Files, ".")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移目录失败")
	}

	var files []migrationFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		content, err := migrations.Files.ReadFile(name)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("读取迁移文件 %s 失败", name))
		}
		statements := splitSQLStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		files = append(files, migrationFile{
			version:    parseMigrationVersion(name),
			name:       name,
			statements: statements,
		})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].version == files[j].version {
			return files[i].name < files[j].name
		}
		return files[i].version < files[j].version
	})
	return files, nil
}

func splitSQLStatements(content string) []string {
	raw := strings.Split(content, ";")
	var statements []string
	for _, stmt := range raw {
		trimmed := strings.TrimSpace(stmt)
		if trimmed == "" {
			continue
		}
		statements = append(statements, trimmed)
	}
	return statements
}

func parseMigrationVersion(name string) string {
	if idx := strings.IndexRune(name, '_'); idx > 0 {
		return name[:idx]
	}
	if dot := strings.IndexRune(name, '.'); dot > 0 {
		return name[:dot]
	}
	return name
}

var _ Store = (*MySQLStore)(nil)
