package store

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/contextkeeper/workspace-query/internal/config"
)

// NewWorkspaceStore 根据配置创建工作区存储
func NewWorkspaceStore(ctx context.Context, cfg config.WorkspaceStoreConfig) (WorkspaceStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		s   WorkspaceStore
		err error
	)
	switch cfg.Type {
	case config.StoreMemory:
		s = NewMemoryWorkspaceStore()
	case config.StoreSQLite, config.StoreMySQL:
		s, err = NewSQLWorkspaceStore(ctx, cfg)
	case config.StorePostgres:
		s, err = NewPGWorkspaceStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("不支持的存储类型: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if cfg.SeedDemo {
		res, err := SeedDemo(ctx, s, SeedOptions{Seed: 42})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("写入演示数据失败: %w", err)
		}
		logrus.WithFields(logrus.Fields{
			"store":        cfg.Type,
			"workspace_id": res.WorkspaceID,
			"user_id":      res.UserID,
			"databases":    len(res.DatabaseIDs),
			"pages":        len(res.PageIDs),
		}).Info("[工作区存储] 已写入演示工作区")
	}
	return s, nil
}
