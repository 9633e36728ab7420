package models

import (
	"sort"
	"time"
)

// ColumnType 列类型
type ColumnType string

const (
	ColumnText    ColumnType = "text"
	ColumnNumber  ColumnType = "number"
	ColumnDate    ColumnType = "date"
	ColumnBoolean ColumnType = "boolean"
	ColumnSelect  ColumnType = "select"
)

// IsNumericOrDate 是否可用于聚合分析
func (t ColumnType) IsNumericOrDate() bool {
	return t == ColumnNumber || t == ColumnDate
}

// ColumnMeta 列元数据
type ColumnMeta struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// Workspace 工作区元数据
type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DatabaseRecord 存储层返回的数据库（上传文件/表）记录
type DatabaseRecord struct {
	ID          string       `json:"id"`
	WorkspaceID string       `json:"workspaceId"`
	Name        string       `json:"name"`
	Columns     []ColumnMeta `json:"columns"`
	RowCount    int          `json:"rowCount"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// PageRecord 存储层返回的页面记录
type PageRecord struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	BlockCount  int       `json:"blockCount"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// UserProfile 用户信息
type UserProfile struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Preferences map[string]string `json:"preferences,omitempty"`
}

// Row 数据库中的一行
type Row map[string]interface{}

// DatabaseContext 参与本次查询的数据库候选，仅由上下文抽取引擎创建和打分
type DatabaseContext struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	RelevanceScore  int          `json:"relevanceScore"`
	Columns         []ColumnMeta `json:"columns"`
	RowCount        int          `json:"rowCount"`
	UpdatedAt       time.Time    `json:"updatedAt"`
	RecentlyUpdated bool         `json:"recentlyUpdated"`
}

// HasAnalyzableColumn 是否含数值或日期列
func (d DatabaseContext) HasAnalyzableColumn() bool {
	for _, c := range d.Columns {
		if c.Type.IsNumericOrDate() {
			return true
		}
	}
	return false
}

// PageContext 参与本次查询的页面候选
type PageContext struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	RelevanceScore  int       `json:"relevanceScore"`
	BlockCount      int       `json:"blockCount"`
	Snippet         string    `json:"snippet,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt"`
	RecentlyUpdated bool      `json:"recentlyUpdated"`
}

// QueryContext 单次请求的上下文聚合
// Databases/Pages 按 RelevanceScore 降序排列
type QueryContext struct {
	Workspace         *Workspace        `json:"workspace,omitempty"`
	Databases         []DatabaseContext `json:"databases"`
	Pages             []PageContext     `json:"pages"`
	User              *UserProfile      `json:"user,omitempty"`
	SessionHistory    []HistoryEntry    `json:"sessionHistory"`
	ExtractedEntities []Entity          `json:"extractedEntities"`

	// 获取失败而降级为空的切片名称
	Degraded []string `json:"degraded,omitempty"`

	// 工作区快照指纹，参与响应缓存键
	Fingerprint string `json:"fingerprint,omitempty"`
}

// TopDatabaseScore 最高数据库相关度
func (q *QueryContext) TopDatabaseScore() int {
	if q == nil || len(q.Databases) == 0 {
		return 0
	}
	return q.Databases[0].RelevanceScore
}

// TopPageScore 最高页面相关度
func (q *QueryContext) TopPageScore() int {
	if q == nil || len(q.Pages) == 0 {
		return 0
	}
	return q.Pages[0].RelevanceScore
}

// IsPartial 是否存在降级切片
func (q *QueryContext) IsPartial() bool {
	return q != nil && len(q.Degraded) > 0
}

// SortByRelevance 按相关度降序排序，同分按名称
func (q *QueryContext) SortByRelevance() {
	sort.SliceStable(q.Databases, func(i, j int) bool {
		if q.Databases[i].RelevanceScore != q.Databases[j].RelevanceScore {
			return q.Databases[i].RelevanceScore > q.Databases[j].RelevanceScore
		}
		return q.Databases[i].Name < q.Databases[j].Name
	})
	sort.SliceStable(q.Pages, func(i, j int) bool {
		if q.Pages[i].RelevanceScore != q.Pages[j].RelevanceScore {
			return q.Pages[i].RelevanceScore > q.Pages[j].RelevanceScore
		}
		return q.Pages[i].Title < q.Pages[j].Title
	})
}
