package models

import "time"

// QueryOptions 查询选项
type QueryOptions struct {
	BypassCache       bool `json:"bypassCache"`
	IncludeDebug      bool `json:"includeDebug"`
	MaxResponseTimeMs int  `json:"maxResponseTimeMs"`
}

// QueryRequest 自然语言查询请求
type QueryRequest struct {
	Query               string         `json:"query" binding:"required"`
	WorkspaceID         string         `json:"workspaceId" binding:"required"`
	UserID              string         `json:"userId,omitempty"`
	PageID              string         `json:"pageId,omitempty"`
	ConversationHistory []HistoryEntry `json:"conversationHistory,omitempty"`
	Options             QueryOptions   `json:"options"`
}

// PerformanceMetrics 各阶段耗时（毫秒）
type PerformanceMetrics struct {
	TotalTimeMs                int64 `json:"totalTimeMs"`
	IntentClassificationTimeMs int64 `json:"intentClassificationTimeMs"`
	ContextExtractionTimeMs    int64 `json:"contextExtractionTimeMs"`
	RoutingTimeMs              int64 `json:"routingTimeMs"`
	ExecutionTimeMs            int64 `json:"executionTimeMs"`
	StructuringTimeMs          int64 `json:"structuringTimeMs"`
}

// DebugInfo 调试信息
type DebugInfo struct {
	Intent          Intent         `json:"intent"`
	Confidence      float64        `json:"confidence"`
	RoutingDecision *RouteDecision `json:"routingDecision,omitempty"`
	Degraded        []string       `json:"degraded,omitempty"`
	CacheKey        string         `json:"cacheKey,omitempty"`
}

// FailureMetadata 失败响应的元数据
type FailureMetadata struct {
	Error       string        `json:"error"`
	Category    ErrorCategory `json:"category"`
	Suggestions []string      `json:"suggestions"`
	Timestamp   time.Time     `json:"timestamp"`
}

// QueryResponse 查询响应
type QueryResponse struct {
	Success     bool                `json:"success"`
	Response    *StructuredResponse `json:"response,omitempty"`
	Performance PerformanceMetrics  `json:"performance"`
	Debug       *DebugInfo          `json:"debug,omitempty"`
	Cached      bool                `json:"cached"`
	Stale       bool                `json:"stale,omitempty"`

	// 失败时填充
	Content  string           `json:"content,omitempty"`
	Metadata *FailureMetadata `json:"metadata,omitempty"`
}

// FileMatchRequest 文件模糊匹配请求
type FileMatchRequest struct {
	Query               string  `json:"query" binding:"required"`
	WorkspaceID         string  `json:"workspaceId" binding:"required"`
	ConfidenceThreshold float64 `json:"confidenceThreshold,omitempty"`
	MaxResults          int     `json:"maxResults,omitempty"`
}

// FileMatchResponse 文件模糊匹配响应
type FileMatchResponse struct {
	Results     []FileMatchResult `json:"results"`
	AutoSelect  *FileMatchResult  `json:"autoSelect,omitempty"`
	Alternates  []FileMatchResult `json:"alternates,omitempty"`
	NeedsPrompt bool              `json:"needsPrompt"`
}

// ClassifyErrorRequest 错误分类请求
type ClassifyErrorRequest struct {
	Message string `json:"message" binding:"required"`
}
