package store

import (
	"context"
	"errors"

	"github.com/contextkeeper/workspace-query/internal/models"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("record not found")

// WorkspaceReader 查询管道依赖的只读接口
type WorkspaceReader interface {
	GetWorkspace(ctx context.Context, workspaceID string) (*models.Workspace, error)
	ListDatabases(ctx context.Context, workspaceID string) ([]models.DatabaseRecord, error)
	ListPages(ctx context.Context, workspaceID string) ([]models.PageRecord, error)
	GetUser(ctx context.Context, userID string) (*models.UserProfile, error)
}

// RowReader 读取数据库行
type RowReader interface {
	ListRows(ctx context.Context, databaseID string, limit int) ([]models.Row, error)
}

// WorkspaceWriter 演示数据和压测夹具的写入接口，查询管道本身不写入
type WorkspaceWriter interface {
	PutWorkspace(ctx context.Context, ws models.Workspace) error
	PutDatabase(ctx context.Context, db models.DatabaseRecord, rows []models.Row) error
	PutPage(ctx context.Context, page models.PageRecord) error
	PutUser(ctx context.Context, user models.UserProfile) error
}

// WorkspaceStore 存储实现需要同时满足的接口
type WorkspaceStore interface {
	WorkspaceReader
	RowReader
	WorkspaceWriter
	Close() error
}
