package models

// AggregateValue 一个统计指标
type AggregateValue struct {
	Database string  `json:"database"`
	Column   string  `json:"column"`
	Function string  `json:"function"` // avg | sum | count | min | max
	Value    float64 `json:"value"`
	Count    int     `json:"count"` // 参与计算的行数
}

// Series 按某列分组后的指标序列，用于图表
type Series struct {
	GroupBy string    `json:"groupBy"`
	Metric  string    `json:"metric"`
	Labels  []string  `json:"labels"`
	Values  []float64 `json:"values"`
}

// PageHit 页面检索命中
type PageHit struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Snippet string `json:"snippet,omitempty"`
	Score   int    `json:"score"`
}

// PendingAction 待确认的动作，执行层不会直接修改数据
type PendingAction struct {
	Verb        ActionVerb `json:"verb"`
	Target      string     `json:"target,omitempty"`
	Description string     `json:"description"`
}

// ExecutionResult 路由执行的原始结果，由组装器转换为内容块
type ExecutionResult struct {
	Route       RouteType        `json:"route"`
	Title       string           `json:"title,omitempty"`
	Columns     []string         `json:"columns,omitempty"`
	Rows        []Row            `json:"rows,omitempty"`
	TotalRows   int              `json:"totalRows,omitempty"`
	Aggregates  []AggregateValue `json:"aggregates,omitempty"`
	Series      *Series          `json:"series,omitempty"`
	Pages       []PageHit        `json:"pages,omitempty"`
	Action      *PendingAction   `json:"action,omitempty"`
	Text        string           `json:"text,omitempty"`
	DataSources []string         `json:"dataSources,omitempty"`
}

// IsEmpty 没有任何可展示的内容
func (r *ExecutionResult) IsEmpty() bool {
	return r == nil || (len(r.Rows) == 0 && len(r.Aggregates) == 0 && r.Series == nil &&
		len(r.Pages) == 0 && r.Action == nil && r.Text == "")
}
