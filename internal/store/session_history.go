package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/contextkeeper/workspace-query/internal/models"
	"github.com/contextkeeper/workspace-query/internal/utils"
)

// DefaultHistoryLimit 每个 (用户, 工作区) 保留的历史条数
const DefaultHistoryLimit = 20

// SessionHistory 最近查询历史，按 (用户, 工作区) 分组的环形缓冲
// dir 非空时每次写入后落盘到 dir/histories，首次读取时加载
type SessionHistory struct {
	limit   int
	dir     string
	entries map[string][]models.HistoryEntry
	loaded  map[string]bool
	mu      sync.Mutex
}

// NewSessionHistory 创建历史存储，dir 为空时只保存在内存
func NewSessionHistory(limit int, dir string) (*SessionHistory, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if dir != "" {
		if err := os.MkdirAll(filepath.Join(dir, "histories"), 0755); err != nil {
			return nil, fmt.Errorf("创建历史记录目录失败: %w", err)
		}
	}
	return &SessionHistory{
		limit:   limit,
		dir:     dir,
		entries: make(map[string][]models.HistoryEntry),
		loaded:  make(map[string]bool),
	}, nil
}

func historyKey(userID, workspaceID string) string {
	return userID + "|" + workspaceID
}

// Record 追加一条历史，超出上限时丢弃最旧的
func (h *SessionHistory) Record(userID, workspaceID string, entry models.HistoryEntry) error {
	key := historyKey(userID, workspaceID)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.ensureLoaded(key)
	list := append(h.entries[key], entry)
	if len(list) > h.limit {
		list = append([]models.HistoryEntry(nil), list[len(list)-h.limit:]...)
	}
	h.entries[key] = list

	if h.dir == "" {
		return nil
	}
	return h.save(key, list)
}

// Recent 最近 n 条历史，按时间先后排列；n<=0 时返回全部
func (h *SessionHistory) Recent(ctx context.Context, userID, workspaceID string, n int) ([]models.HistoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := historyKey(userID, workspaceID)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.ensureLoaded(key)
	list := h.entries[key]
	if n > 0 && len(list) > n {
		list = list[len(list)-n:]
	}
	return append([]models.HistoryEntry{}, list...), nil
}

// Clear 清空一组历史
func (h *SessionHistory) Clear(userID, workspaceID string) {
	key := historyKey(userID, workspaceID)
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.entries, key)
	h.loaded[key] = true
	if h.dir != "" {
		os.Remove(h.path(key))
	}
}

func (h *SessionHistory) path(key string) string {
	return filepath.Join(h.dir, "histories", utils.HashKey(key)[:32]+".json")
}

// ensureLoaded 调用方持有锁
func (h *SessionHistory) ensureLoaded(key string) {
	if h.dir == "" || h.loaded[key] {
		return
	}
	h.loaded[key] = true

	data, err := os.ReadFile(h.path(key))
	if err != nil {
		if !os.IsNotExist(err) {
			logrus.WithError(err).Warn("[会话历史] 读取历史记录文件失败")
		}
		return
	}
	var list []models.HistoryEntry
	if err := json.Unmarshal(data, &list); err != nil {
		logrus.WithError(err).Warn("[会话历史] 解析历史记录失败，忽略")
		return
	}
	if len(list) > h.limit {
		list = list[len(list)-h.limit:]
	}
	h.entries[key] = list
}

func (h *SessionHistory) save(key string, list []models.HistoryEntry) error {
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("序列化历史记录失败: %w", err)
	}
	if err := os.WriteFile(h.path(key), data, 0644); err != nil {
		return fmt.Errorf("写入历史记录文件失败: %w", err)
	}
	return nil
}
