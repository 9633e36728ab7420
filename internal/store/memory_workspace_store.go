package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/contextkeeper/workspace-query/internal/models"
)

// MemoryWorkspaceStore 内存版本的工作区存储
// 适用于测试环境或小规模部署，读写都返回副本
type MemoryWorkspaceStore struct {
	workspaces map[string]models.Workspace
	databases  map[string]models.DatabaseRecord
	rows       map[string][]models.Row
	pages      map[string]models.PageRecord
	users      map[string]models.UserProfile
	mutex      sync.RWMutex
}

// NewMemoryWorkspaceStore 创建内存存储实例
func NewMemoryWorkspaceStore() *MemoryWorkspaceStore {
	return &MemoryWorkspaceStore{
		workspaces: make(map[string]models.Workspace),
		databases:  make(map[string]models.DatabaseRecord),
		rows:       make(map[string][]models.Row),
		pages:      make(map[string]models.PageRecord),
		users:      make(map[string]models.UserProfile),
	}
}

// PutWorkspace 写入工作区
func (s *MemoryWorkspaceStore) PutWorkspace(ctx context.Context, ws models.Workspace) error {
	if ws.ID == "" {
		return fmt.Errorf("workspace id is required")
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.workspaces[ws.ID] = ws
	return nil
}

// PutDatabase 写入数据库及其行
func (s *MemoryWorkspaceStore) PutDatabase(ctx context.Context, db models.DatabaseRecord, rows []models.Row) error {
	if db.ID == "" || db.WorkspaceID == "" {
		return fmt.Errorf("database id and workspace id are required")
	}
	db.Columns = append([]models.ColumnMeta(nil), db.Columns...)
	copied := make([]models.Row, len(rows))
	for i, r := range rows {
		copied[i] = copyRow(r)
	}
	if db.RowCount == 0 {
		db.RowCount = len(rows)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.databases[db.ID] = db
	s.rows[db.ID] = copied
	return nil
}

// PutPage 写入页面
func (s *MemoryWorkspaceStore) PutPage(ctx context.Context, page models.PageRecord) error {
	if page.ID == "" || page.WorkspaceID == "" {
		return fmt.Errorf("page id and workspace id are required")
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.pages[page.ID] = page
	return nil
}

// PutUser 写入用户
func (s *MemoryWorkspaceStore) PutUser(ctx context.Context, user models.UserProfile) error {
	if user.ID == "" {
		return fmt.Errorf("user id is required")
	}
	user.Preferences = copyPrefs(user.Preferences)
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.users[user.ID] = user
	return nil
}

// GetWorkspace 获取工作区
func (s *MemoryWorkspaceStore) GetWorkspace(ctx context.Context, workspaceID string) (*models.Workspace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	ws, ok := s.workspaces[workspaceID]
	if !ok {
		return nil, fmt.Errorf("workspace %s: %w", workspaceID, ErrNotFound)
	}
	return &ws, nil
}

// ListDatabases 列出工作区的数据库，按名称排序
func (s *MemoryWorkspaceStore) ListDatabases(ctx context.Context, workspaceID string) ([]models.DatabaseRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := make([]models.DatabaseRecord, 0)
	for _, db := range s.databases {
		if db.WorkspaceID == workspaceID {
			db.Columns = append([]models.ColumnMeta(nil), db.Columns...)
			result = append(result, db)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// ListPages 列出工作区的页面，按标题排序
func (s *MemoryWorkspaceStore) ListPages(ctx context.Context, workspaceID string) ([]models.PageRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := make([]models.PageRecord, 0)
	for _, p := range s.pages {
		if p.WorkspaceID == workspaceID {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Title < result[j].Title })
	return result, nil
}

// GetUser 获取用户
func (s *MemoryWorkspaceStore) GetUser(ctx context.Context, userID string) (*models.UserProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	user.Preferences = copyPrefs(user.Preferences)
	return &user, nil
}

// ListRows 读取前 limit 行，limit<=0 时返回全部
func (s *MemoryWorkspaceStore) ListRows(ctx context.Context, databaseID string, limit int) ([]models.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rows, ok := s.rows[databaseID]
	if !ok {
		return nil, fmt.Errorf("database %s: %w", databaseID, ErrNotFound)
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	result := make([]models.Row, len(rows))
	for i, r := range rows {
		result[i] = copyRow(r)
	}
	return result, nil
}

// Counts 各类记录数量
func (s *MemoryWorkspaceStore) Counts() map[string]int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return map[string]int{
		"workspaces": len(s.workspaces),
		"databases":  len(s.databases),
		"pages":      len(s.pages),
		"users":      len(s.users),
	}
}

// Close 内存存储无需释放资源
func (s *MemoryWorkspaceStore) Close() error {
	logrus.WithFields(logrus.Fields{"store": "memory"}).Debug("[工作区存储] 关闭")
	return nil
}

func copyRow(r models.Row) models.Row {
	out := make(models.Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func copyPrefs(p map[string]string) map[string]string {
	if p == nil {
		return nil
	}
	out := make(map[string]string, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
