package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/contextkeeper/workspace-query/internal/config"
	"github.com/contextkeeper/workspace-query/internal/models"
)

var pgSchema = []string{
	`CREATE TABLE IF NOT EXISTS ws_workspaces (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ws_databases (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		name TEXT NOT NULL,
		columns_json JSONB NOT NULL,
		row_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ws_databases_workspace ON ws_databases(workspace_id)`,
	`CREATE TABLE IF NOT EXISTS ws_rows (
		database_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		data_json JSONB NOT NULL,
		PRIMARY KEY (database_id, position)
	)`,
	`CREATE TABLE IF NOT EXISTS ws_pages (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		block_count INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ws_pages_workspace ON ws_pages(workspace_id)`,
	`CREATE TABLE IF NOT EXISTS ws_users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		preferences_json JSONB NOT NULL
	)`,
}

// PGWorkspaceStore 基于 pgxpool 的工作区存储
type PGWorkspaceStore struct {
	pool *pgxpool.Pool
}

// NewPGWorkspaceStore 创建连接池并建表
func NewPGWorkspaceStore(ctx context.Context, cfg config.WorkspaceStoreConfig) (*PGWorkspaceStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PGWorkspaceStore{pool: pool}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"store":     config.StorePostgres,
		"dsn":       cfg.MaskedDSN(),
		"max_conns": poolConfig.MaxConns,
	}).Info("[工作区存储] 连接成功")
	return s, nil
}

// EnsureSchema 建表，可重复执行
func (s *PGWorkspaceStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range pgSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// PutWorkspace 写入工作区
func (s *PGWorkspaceStore) PutWorkspace(ctx context.Context, ws models.Workspace) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO ws_workspaces (id, name, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, updated_at = EXCLUDED.updated_at`,
		ws.ID, ws.Name, ws.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put workspace %s: %w", ws.ID, err)
	}
	return nil
}

// PutDatabase 在一个事务内写入数据库元数据并替换全部行
func (s *PGWorkspaceStore) PutDatabase(ctx context.Context, db models.DatabaseRecord, rows []models.Row) error {
	columns, err := json.Marshal(db.Columns)
	if err != nil {
		return fmt.Errorf("encode columns: %w", err)
	}
	if db.RowCount == 0 {
		db.RowCount = len(rows)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `INSERT INTO ws_databases (id, workspace_id, name, columns_json, row_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET workspace_id = EXCLUDED.workspace_id, name = EXCLUDED.name,
		columns_json = EXCLUDED.columns_json, row_count = EXCLUDED.row_count, updated_at = EXCLUDED.updated_at`,
		db.ID, db.WorkspaceID, db.Name, string(columns), db.RowCount, db.CreatedAt, db.UpdatedAt); err != nil {
		return fmt.Errorf("put database %s: %w", db.ID, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM ws_rows WHERE database_id = $1`, db.ID); err != nil {
		return fmt.Errorf("clear rows %s: %w", db.ID, err)
	}

	batch := &pgx.Batch{}
	for i, row := range rows {
		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("encode row %d: %w", i, err)
		}
		batch.Queue(`INSERT INTO ws_rows (database_id, position, data_json) VALUES ($1, $2, $3)`, db.ID, i, string(data))
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert rows: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// PutPage 写入页面
func (s *PGWorkspaceStore) PutPage(ctx context.Context, page models.PageRecord) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO ws_pages (id, workspace_id, title, content, block_count, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET workspace_id = EXCLUDED.workspace_id, title = EXCLUDED.title,
		content = EXCLUDED.content, block_count = EXCLUDED.block_count, updated_at = EXCLUDED.updated_at`,
		page.ID, page.WorkspaceID, page.Title, page.Content, page.BlockCount, page.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put page %s: %w", page.ID, err)
	}
	return nil
}

// PutUser 写入用户
func (s *PGWorkspaceStore) PutUser(ctx context.Context, user models.UserProfile) error {
	prefs, err := json.Marshal(user.Preferences)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO ws_users (id, name, preferences_json) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, preferences_json = EXCLUDED.preferences_json`,
		user.ID, user.Name, string(prefs))
	if err != nil {
		return fmt.Errorf("put user %s: %w", user.ID, err)
	}
	return nil
}

// GetWorkspace 获取工作区
func (s *PGWorkspaceStore) GetWorkspace(ctx context.Context, workspaceID string) (*models.Workspace, error) {
	var ws models.Workspace
	err := s.pool.QueryRow(ctx, `SELECT id, name, updated_at FROM ws_workspaces WHERE id = $1`, workspaceID).
		Scan(&ws.ID, &ws.Name, &ws.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("workspace %s: %w", workspaceID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace %s: %w", workspaceID, err)
	}
	return &ws, nil
}

// ListDatabases 列出工作区的数据库
func (s *PGWorkspaceStore) ListDatabases(ctx context.Context, workspaceID string) ([]models.DatabaseRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, workspace_id, name, columns_json::text, row_count, created_at, updated_at
		FROM ws_databases WHERE workspace_id = $1 ORDER BY name`, workspaceID)
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
func (s *PGWorkspaceStore) ListPages(ctx context.Context, workspaceID string) ([]models.PageRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, workspace_id, title, content, block_count, updated_at
		FROM ws_pages WHERE workspace_id = $1 ORDER BY title`, workspaceID)
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
func (s *PGWorkspaceStore) GetUser(ctx context.Context, userID string) (*models.UserProfile, error) {
	var user models.UserProfile
	var prefs string
	err := s.pool.QueryRow(ctx, `SELECT id, name, preferences_json::text FROM ws_users WHERE id = $1`, userID).
		Scan(&user.ID, &user.Name, &prefs)
	if errors.Is(err, pgx.ErrNoRows) {
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
func (s *PGWorkspaceStore) ListRows(ctx context.Context, databaseID string, limit int) ([]models.Row, error) {
	query := `SELECT data_json::text FROM ws_rows WHERE database_id = $1 ORDER BY position`
	args := []interface{}{databaseID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
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
	return result, rows.Err()
}

// Close 关闭连接池
func (s *PGWorkspaceStore) Close() error {
	s.pool.Close()
	return nil
}
