package config

import (
	"fmt"
	"strings"
)

// 工作区存储类型
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StoreMySQL    = "mysql"
	StorePostgres = "postgres"
)

// WorkspaceStoreConfig 工作区存储配置
type WorkspaceStoreConfig struct {
	Type     string `json:"type"`
	DSN      string `json:"dsn"`
	MaxConns int    `json:"max_conns"`
	SeedDemo bool   `json:"seed_demo"` // 启动时是否写入演示工作区
}

// Validate 校验存储配置
func (s WorkspaceStoreConfig) Validate() error {
	switch s.Type {
	case StoreMemory:
		return nil
	case StoreSQLite, StoreMySQL, StorePostgres:
		if strings.TrimSpace(s.DSN) == "" {
			return fmt.Errorf("❌ 存储类型 %s 需要设置 WORKSPACE_STORE_DSN", s.Type)
		}
		if s.MaxConns < 1 {
			return fmt.Errorf("❌ WORKSPACE_STORE_MAX_CONNS 必须大于0: %d", s.MaxConns)
		}
		return nil
	default:
		return fmt.Errorf("❌ 不支持的存储类型: %s", s.Type)
	}
}

// DriverName database/sql 驱动名，postgres 走 pgxpool 不经过 database/sql
func (s WorkspaceStoreConfig) DriverName() string {
	switch s.Type {
	case StoreSQLite:
		return "sqlite"
	case StoreMySQL:
		return "mysql"
	}
	return ""
}

// MaskedDSN 日志用的DSN
func (s WorkspaceStoreConfig) MaskedDSN() string {
	if s.DSN == "" {
		return ""
	}
	return maskString(s.DSN)
}
