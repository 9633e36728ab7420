package models

// RouteType 执行路径
type RouteType string

const (
	RouteDatabaseQuery        RouteType = "database_query"
	RouteContentSearch        RouteType = "content_search"
	RouteAnalyticsAggregation RouteType = "analytics_aggregation"
	RouteHybridSearch         RouteType = "hybrid_search"
	RouteActionExecution      RouteType = "action_execution"
	RouteDirectResponse       RouteType = "direct_response"
)

// ActionVerb 动作类请求的操作
type ActionVerb string

const (
	ActionCreate  ActionVerb = "create"
	ActionUpdate  ActionVerb = "update"
	ActionDelete  ActionVerb = "delete"
	ActionUnknown ActionVerb = "unknown"
)

// 直接回答的提示
const (
	HintHelp             = "help"
	HintNavigation       = "navigation"
	HintGeneral          = "general"
	HintNoAnalyzableData = "no_analyzable_data"
	HintClarification    = "clarification"
)

// RouteParameters 路由执行参数
type RouteParameters struct {
	DatabaseIDs  []string   `json:"databaseIds,omitempty"`
	PageIDs      []string   `json:"pageIds,omitempty"`
	SearchQuery  string     `json:"searchQuery,omitempty"`
	IncludeRAG   bool       `json:"includeRAG,omitempty"`
	Aggregations []string   `json:"aggregations,omitempty"`
	TimeRange    *TimeRange `json:"timeRange,omitempty"`
	ActionVerb   ActionVerb `json:"actionVerb,omitempty"`
	ResponseHint string     `json:"responseHint,omitempty"`
	BestEffort   bool       `json:"bestEffort,omitempty"`
}

// RouteDecision 路由器的输出，每个查询一份
type RouteDecision struct {
	Primary    RouteType       `json:"primary"`
	Secondary  *RouteType      `json:"secondary,omitempty"`
	Confidence float64         `json:"confidence"`
	Reasoning  string          `json:"reasoning"`
	Parameters RouteParameters `json:"parameters"`
}

// RouteRef 返回路由类型指针
func RouteRef(r RouteType) *RouteType {
	return &r
}
