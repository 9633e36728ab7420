package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/contextkeeper/workspace-query/internal/config"
	"github.com/contextkeeper/workspace-query/internal/models"
)

// =============================================================================
// database/sql 实现：sqlite (modernc) 与 mysql
// =============================================================================

// 两种方言的建表语句，mysql 主键不能是 TEXT
var schemaStatements = map[string][]string{
	config.StoreSQLite: {
		`CREATE TABLE IF NOT EXISTS ws_workspaces (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ws_databases (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			name TEXT NOT NULL,
			columns_json TEXT NOT NULL,
			row_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ws_databases_workspace ON ws_databases(workspace_id)`,
		`CREATE TABLE IF NOT EXISTS ws_rows (
			database_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			data_json TEXT NOT NULL,
			PRIMARY KEY (database_id, position)
		)`,
		`CREATE TABLE IF NOT EXISTS ws_pages (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			title TEXT NOT NULL,
			content TEXT NOT NULL,
			block_count INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ws_pages_workspace ON ws_pages(workspace_id)`,
		`CREATE TABLE IF NOT EXISTS ws_users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			preferences_json TEXT NOT NULL
		)`,
	},
	config.StoreMySQL: {
		`CREATE TABLE IF NOT EXISTS ws_workspaces (
			id VARCHAR(64) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			updated_at DATETIME(6) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ws_databases (
			id VARCHAR(64) PRIMARY KEY,
			workspace_id VARCHAR(64) NOT NULL,
			name VARCHAR(255) NOT NULL,
			columns_json TEXT NOT NULL,
			row_count INT NOT NULL DEFAULT 0,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			INDEX idx_ws_databases_workspace (workspace_id)
		)`,
		`CREATE TABLE IF NOT EXISTS ws_rows (
			database_id VARCHAR(64) NOT NULL,
			position INT NOT NULL,
			data_json TEXT NOT NULL,
			PRIMARY KEY (database_id, position)
		)`,
		`CREATE TABLE IF NOT EXISTS ws_pages (
			id VARCHAR(64) PRIMARY KEY,
			workspace_id VARCHAR(64) NOT NULL,
			title VARCHAR(255) NOT NULL,
			content MEDIUMTEXT NOT NULL,
			block_count INT NOT NULL DEFAULT 0,
			updated_at DATETIME(6) NOT NULL,
			INDEX idx_ws_pages_workspace (workspace_id)
		)`,
		`CREATE TABLE IF NOT EXISTS ws_users (
			id VARCHAR(64) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			preferences_json TEXT NOT NULL
		)`,
	},
}

// upsert 语句按方言区分
var upsertStatements = map[string]map[string]string{
	config.StoreSQLite: {
		"workspace": `INSERT INTO ws_workspaces (id, name, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name, updated_at = excluded.updated_at`,
		"database": `INSERT INTO ws_databases (id, workspace_id, name, columns_json, row_count, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET workspace_id = excluded.workspace_id, name = excluded.name,
			columns_json = excluded.columns_json, row_count = excluded.row_count, updated_at = excluded.updated_at`,
		"page": `INSERT INTO ws_pages (id, workspace_id, title, content, block_count, updated_at) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET workspace_id = excluded.workspace_id, title = excluded.title,
			content = excluded.content, block_count = excluded.block_count, updated_at = excluded.updated_at`,
		"user": `INSERT INTO ws_users (id, name, preferences_json) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name, preferences_json = excluded.preferences_json`,
	},
	config.StoreMySQL: {
		"workspace": `INSERT INTO ws_workspaces (id, name, updated_at) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE name = VALUES(name), updated_at = VALUES(updated_at)`,
		"database": `INSERT INTO ws_databases (id, workspace_id, name, columns_json, row_count, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE workspace_id = VALUES(workspace_id), name = VALUES(name),
			columns_json = VALUES(columns_json), row_count = VALUES(row_count), updated_at = VALUES(updated_at)`,
		"page": `INSERT INTO ws_pages (id, workspace_id, title, content, block_count, updated_at) VALUES (?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE workspace_id = VALUES(workspace_id), title = VALUES(title),
			content = VALUES(content), block_count = VALUES(block_count), updated_at = VALUES(updated_at)`,
		"user": `INSERT INTO ws_users (id, name, preferences_json) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE name = VALUES(name), preferences_json = VALUES(preferences_json)`,
	},
}

// SQLWorkspaceStore 基于 database/sql 的工作区存储
type SQLWorkspaceStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLWorkspaceStore 打开连接并建表
func NewSQLWorkspaceStore(ctx context.Context, cfg config.WorkspaceStoreConfig) (*SQLWorkspaceStore, error) {
	driver := cfg.DriverName()
	if driver == "" {
		return nil, fmt.Errorf("store type %s is not backed by database/sql", cfg.Type)
	}

	dsn := cfg.DSN
	if cfg.Type == config.StoreMySQL {
		dsn = withParseTime(dsn)
	}
	if cfg.Type == config.StoreSQLite && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Type, err)
	}

	// sqlite 同一时间只允许一个写者
	if cfg.Type == config.StoreSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxConns)
		db.SetMaxIdleConns(max(1, cfg.MaxConns/2))
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Type, err)
	}

	s := &SQLWorkspaceStore{db: db, dialect: cfg.Type}
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"store": cfg.Type,
		"dsn":   cfg.MaskedDSN(),
	}).Info("[工作区存储] 连接成功")
	return s, nil
}

// withParseTime mysql 需要 parseTime 才能扫描到 time.Time
func withParseTime(dsn string) string {
	if strings.Contains(dsn, "parseTime=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&parseTime=true"
	}
	return dsn + "?parseTime=true"
}

// EnsureSchema 建表，可重复执行
func (s *SQLWorkspaceStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements[s.dialect] {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// PutWorkspace 写入工作区
func (s *SQLWorkspaceStore) PutWorkspace(ctx context.Context, ws models.Workspace) error {
	_, err := s.db.ExecContext(ctx, upsertStatements[s.dialect]["workspace"], ws.ID, ws.Name, ws.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("put workspace %s: %w", ws.ID, err)
	}
	return nil
}

// PutDatabase 在一个事务内写入数据库元数据并替换全部行
func (s *SQLWorkspaceStore) PutDatabase(ctx context.Context, db models.DatabaseRecord, rows []models.Row) error {
	columns, err := json.Marshal(db.Columns)
	if err != nil {
		return fmt.Errorf("encode columns: %w", err)
	}
	if db.RowCount == 0 {
		db.RowCount = len(rows)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, upsertStatements[s.dialect]["database"],
		db.ID, db.WorkspaceID, db.Name, string(columns), db.RowCount, db.CreatedAt.UTC(), db.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("put database %s: %w", db.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM ws_rows WHERE database_id = ?`, db.ID); err != nil {
		return fmt.Errorf("clear rows %s: %w", db.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO ws_rows (database_id, position, data_json) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare rows: %w", err)
	}
	defer stmt.Close()
	for i, row := range rows {
		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("encode row %d: %w", i, err)
		}
		if _, err := stmt.ExecContext(ctx, db.ID, i, string(data)); err != nil {
			return fmt.Errorf("insert row %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// PutPage 写入页面
func (s *SQLWorkspaceStore) PutPage(ctx context.Context, page models.PageRecord) error {
	_, err := s.db.ExecContext(ctx, upsertStatements[s.dialect]["page"],
		page.ID, page.WorkspaceID, page.Title, page.Content, page.BlockCount, page.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("put page %s: %w", page.ID, err)
	}
	return nil
}

// PutUser 写入用户
func (s *SQLWorkspaceStore) PutUser(ctx context.Context, user models.UserProfile) error {
	prefs, err := json.Marshal(user.Preferences)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, upsertStatements[s.dialect]["user"], user.ID, user.Name, string(prefs)); err != nil {
		return fmt.Errorf("put user %s: %w", user.ID, err)
	}
	return nil
}

// GetWorkspace 获取工作区
func (s *SQLWorkspaceStore) GetWorkspace(ctx context.Context, workspaceID string) (*models.Workspace, error) {
	var ws models.Workspace
	err := s.db.QueryRowContext(ctx, `SELECT id, name, updated_at FROM ws_workspaces WHERE id = ?`, workspaceID).
		Scan(&ws.ID, &ws.Name, &ws.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workspace %s: %w", workspaceID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace %s: %w", workspaceID, err)
	}
	return &ws, nil
}

// ListDatabases 列出工作区的数据库
func (s *SQLWorkspaceStore) ListDatabases(ctx context.Context, workspaceID string) ([]models.DatabaseRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, workspace_id, name, columns_json, row_count, created_at, updated_at
		FROM ws_databases WHERE workspace_id = ? ORDER BY name`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list databases: %w", err)
	}
	defer rows.Close()

	result := make([]models.DatabaseRecord, 0)
	for rows.Next() {
		var db models.DatabaseRecord
		var columns string
		if err := rows.Scan(&db.ID, &db.WorkspaceID, &db.Name, &columns, &db.RowCount, &db.CreatedAt, &db.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan database: %w", err)
		}
		if err := json.Unmarshal([]byte(columns), &db.Columns); err != nil {
			return nil, fmt.Errorf("decode columns of %s: %w", db.ID, err)
		}
		result = append(result, db)
	}
	return result, rows.Err()
}

// ListPages 列出工作区的页面
func (s *SQLWorkspaceStore) ListPages(ctx context.Context, workspaceID string) ([]models.PageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, workspace_id, title, content, block_count, updated_at
		FROM ws_pages WHERE workspace_id = ? ORDER BY title`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()

	result := make([]models.PageRecord, 0)
	for rows.Next() {
		var p models.PageRecord
		if err := rows.Scan(&p.ID, &p.WorkspaceID, &p.Title, &p.Content, &p.BlockCount, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// GetUser 获取用户
func (s *SQLWorkspaceStore) GetUser(ctx context.Context, userID string) (*models.UserProfile, error) {
	var user models.UserProfile
	var prefs string
	err := s.db.QueryRowContext(ctx, `SELECT id, name, preferences_json FROM ws_users WHERE id = ?`, userID).
		Scan(&user.ID, &user.Name, &prefs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", userID, err)
	}
	if err := json.Unmarshal([]byte(prefs), &user.Preferences); err != nil {
		return nil, fmt.Errorf("decode preferences: %w", err)
	}
	return &user, nil
}

// ListRows 读取前 limit 行
func (s *SQLWorkspaceStore) ListRows(ctx context.Context, databaseID string, limit int) ([]models.Row, error) {
	if limit <= 0 {
		limit = 1 << 30
	}
	rows, err := s.db.QueryContext(ctx, `SELECT data_json FROM ws_rows WHERE database_id = ? ORDER BY position LIMIT ?`, databaseID, limit)
	if err != nil {
		return nil, fmt.Errorf("list rows: %w", err)
	}
	defer rows.Close()

	result := make([]models.Row, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		var row models.Row
		if err := json.Unmarshal([]byte(data), &row); err != nil {
			return nil, fmt.Errorf("decode row: %w", err)
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ws_databases WHERE id = ?`, databaseID).Scan(&exists)
		if err == nil && exists == 0 {
			return nil, fmt.Errorf("database %s: %w", databaseID, ErrNotFound)
		}
	}
	return result, nil
}

// Close 关闭连接池
func (s *SQLWorkspaceStore) Close() error {
	return s.db.Close()
}
