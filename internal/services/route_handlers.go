package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/contextkeeper/workspace-query/internal/engines/fuzzy"
	"github.com/contextkeeper/workspace-query/internal/engines/intent"
	"github.com/contextkeeper/workspace-query/internal/llm"
	"github.com/contextkeeper/workspace-query/internal/models"
	"github.com/contextkeeper/workspace-query/internal/resilience"
	"github.com/contextkeeper/workspace-query/internal/store"
	"github.com/contextkeeper/workspace-query/internal/utils"
)

const (
	DefaultRowLimit  = 50
	hybridRowPreview = 10
	maxPageHits      = 5
	titleTokenWeight = 2
	maxMetricsPerDB  = 3
)

// 直接回答的固定文本
const (
	helpText = "I can answer questions about the databases and pages in this workspace. " +
		"Try \"What's the average revenue in sales_data?\", \"Show revenue by region as a chart\", " +
		"or \"Find the Q3 planning notes\"."
	navigationText = "Use the sidebar to open pages and databases. You can also ask me to find a page by name, " +
		"for example \"Find the onboarding guide\"."
	generalText        = "I'm here to help with questions about your workspace data. Ask me about a database or a page."
	noAnalyzableText   = "None of the databases in this workspace has numeric or date columns, so there is nothing to aggregate."
	clarificationText  = "Could you rephrase your question or name the database or page you mean?"
	unknownActionText  = "I couldn't tell what change you want to make."
	actionConfirmation = "Nothing has been changed yet; confirm to continue."
)

// ExecutionRequest 路由执行请求
type ExecutionRequest struct {
	Query          string
	WorkspaceID    string
	Classification models.IntentClassification
	Decision       models.RouteDecision
	Context        *models.QueryContext
}

// RouteExecutor 按路由决策访问具体数据后端
type RouteExecutor interface {
	Execute(ctx context.Context, req ExecutionRequest) (*models.ExecutionResult, error)
}

// RouteHandlers 默认的路由执行器
// 读取工作区存储，闲聊类请求在有 LLM 客户端时交给 LLM 回答
type RouteHandlers struct {
	reader   store.WorkspaceReader
	rows     store.RowReader
	client   llm.LLMClient
	prompts  *llm.PromptManager
	retry    resilience.RetryPolicy
	rowLimit int
}

// HandlerOption 执行器选项
type HandlerOption func(*RouteHandlers)

// WithRowLimit 表格行数上限
func WithRowLimit(limit int) HandlerOption {
	return func(h *RouteHandlers) {
		if limit > 0 {
			h.rowLimit = limit
		}
	}
}

// WithHandlerRetry 存储读取与 LLM 调用的重试策略
func WithHandlerRetry(policy resilience.RetryPolicy) HandlerOption {
	return func(h *RouteHandlers) {
		h.retry = policy
	}
}

// NewRouteHandlers 创建执行器，rows 与 client 可为 nil
func NewRouteHandlers(reader store.WorkspaceReader, rows store.RowReader, client llm.LLMClient, prompts *llm.PromptManager, opts ...HandlerOption) *RouteHandlers {
	if prompts == nil {
		prompts = llm.NewPromptManager()
	}
	h := &RouteHandlers{
		reader:   reader,
		rows:     rows,
		client:   client,
		prompts:  prompts,
		retry:    resilience.DefaultRetryPolicy(),
		rowLimit: DefaultRowLimit,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Execute 执行路由
func (h *RouteHandlers) Execute(ctx context.Context, req ExecutionRequest) (*models.ExecutionResult, error) {
	if req.Context == nil {
		req.Context = &models.QueryContext{}
	}

	var (
		result *models.ExecutionResult
		err    error
	)
	switch req.Decision.Primary {
	case models.RouteDatabaseQuery:
		result, err = h.databaseQuery(ctx, req)
	case models.RouteAnalyticsAggregation:
		result, err = h.analytics(ctx, req)
	case models.RouteContentSearch:
		result, err = h.contentSearch(ctx, req)
	case models.RouteHybridSearch:
		result, err = h.hybrid(ctx, req)
	case models.RouteActionExecution:
		result = h.action(req)
	case models.RouteDirectResponse:
		result = h.direct(ctx, req)
	default:
		return nil, fmt.Errorf("execution failed: unsupported route %q", req.Decision.Primary)
	}
	if err != nil {
		return nil, err
	}
	result.Route = req.Decision.Primary
	return result, nil
}

// =============================================================================
// 数据库查询与统计
// =============================================================================

func (h *RouteHandlers) databaseQuery(ctx context.Context, req ExecutionRequest) (*models.ExecutionResult, error) {
	result := &models.ExecutionResult{}
	params := req.Decision.Parameters
	if len(params.DatabaseIDs) == 0 {
		return result, nil
	}

	db, ok := findDatabase(req.Context, params.DatabaseIDs[0])
	if !ok {
		return nil, fmt.Errorf("table %s does not exist", params.DatabaseIDs[0])
	}

	if len(params.Aggregations) > 0 {
		rows, err := h.listRows(ctx, db.ID, 0)
		if err != nil {
			return nil, err
		}
		rows = filterByTime(rows, db.Columns, params.TimeRange)
		h.fillAggregates(result, req, db, rows, params.Aggregations)
	} else {
		// 有时间范围时先全量过滤再截断
		limit := h.rowLimit
		if params.TimeRange != nil {
			limit = 0
		}
		rows, err := h.listRows(ctx, db.ID, limit)
		if err != nil {
			return nil, err
		}
		total := db.RowCount
		if params.TimeRange != nil {
			rows = filterByTime(rows, db.Columns, params.TimeRange)
			total = len(rows)
			if h.rowLimit > 0 && len(rows) > h.rowLimit {
				rows = rows[:h.rowLimit]
			}
		}
		result.Title = db.Name
		result.Columns = columnNames(db.Columns)
		result.Rows = rows
		result.TotalRows = total
	}
	result.DataSources = append(result.DataSources, db.Name)

	if params.IncludeRAG {
		hits, names, err := h.searchPages(ctx, req.WorkspaceID, params.SearchQuery)
		if err != nil {
			// 附带检索失败不影响主路径
			utils.Logger(ctx).WithError(err).Warn("[路由执行] 附带的内容检索失败")
		} else {
			result.Pages = hits
			result.DataSources = append(result.DataSources, names...)
		}
	}
	return result, nil
}

func (h *RouteHandlers) analytics(ctx context.Context, req ExecutionRequest) (*models.ExecutionResult, error) {
	result := &models.ExecutionResult{}
	params := req.Decision.Parameters
	for _, id := range params.DatabaseIDs {
		db, ok := findDatabase(req.Context, id)
		if !ok {
			continue
		}
		rows, err := h.listRows(ctx, db.ID, 0)
		if err != nil {
			return nil, err
		}
		rows = filterByTime(rows, db.Columns, params.TimeRange)
		h.fillAggregates(result, req, db, rows, params.Aggregations)
		result.DataSources = append(result.DataSources, db.Name)
	}
	return result, nil
}

// fillAggregates 每个聚合函数作用于查询提到的数值列，"by x" 时额外生成分组序列
func (h *RouteHandlers) fillAggregates(result *models.ExecutionResult, req ExecutionRequest, db models.DatabaseContext, rows []models.Row, fns []string) {
	metrics := metricColumns(req.Query, req.Classification.Entities, db.Columns)
	if len(metrics) > maxMetricsPerDB {
		metrics = metrics[:maxMetricsPerDB]
	}

	for _, fn := range fns {
		if !intent.KnownAggregations[fn] {
			continue
		}
		if fn == "count" {
			v, n := aggregate(fn, "", rows)
			result.Aggregates = append(result.Aggregates, models.AggregateValue{Database: db.Name, Column: "rows", Function: fn, Value: v, Count: n})
			continue
		}
		for _, col := range metrics {
			v, n := aggregate(fn, col, rows)
			if n == 0 {
				continue
			}
			result.Aggregates = append(result.Aggregates, models.AggregateValue{Database: db.Name, Column: col, Function: fn, Value: v, Count: n})
		}
	}

	if result.Series != nil || len(metrics) == 0 {
		return
	}
	if groupBy := groupByColumn(req.Query, db.Columns); groupBy != "" {
		fn := "sum"
		for _, candidate := range fns {
			if candidate != "count" && intent.KnownAggregations[candidate] {
				fn = candidate
				break
			}
		}
		result.Series = groupSeries(fn, groupBy, metrics[0], rows)
	}
}

func (h *RouteHandlers) listRows(ctx context.Context, databaseID string, limit int) ([]models.Row, error) {
	if h.rows == nil {
		return nil, fmt.Errorf("execution failed: row access is not configured")
	}
	return resilience.WithRetry(ctx, func(ctx context.Context) ([]models.Row, error) {
		return h.rows.ListRows(ctx, databaseID, limit)
	}, h.retry, h.onRetry(ctx, "list_rows"))
}

// =============================================================================
// 内容检索
// =============================================================================

func (h *RouteHandlers) contentSearch(ctx context.Context, req ExecutionRequest) (*models.ExecutionResult, error) {
	hits, names, err := h.searchPages(ctx, req.WorkspaceID, req.Decision.Parameters.SearchQuery)
	if err != nil {
		return nil, err
	}
	return &models.ExecutionResult{Pages: hits, DataSources: names}, nil
}

// searchPages 标题命中计两分，正文命中计一分
func (h *RouteHandlers) searchPages(ctx context.Context, workspaceID, query string) ([]models.PageHit, []string, error) {
	pages, err := resilience.WithRetry(ctx, func(ctx context.Context) ([]models.PageRecord, error) {
		return h.reader.ListPages(ctx, workspaceID)
	}, h.retry, h.onRetry(ctx, "list_pages"))
	if err != nil {
		return nil, nil, err
	}

	terms := fuzzy.Tokenize(query)
	if len(terms) == 0 {
		return nil, nil, nil
	}

	var hits []models.PageHit
	for _, p := range pages {
		title := tokenSet(fuzzy.Tokenize(p.Title))
		body := tokenSet(fuzzy.Tokenize(p.Content))
		score := 0
		for _, t := range terms {
			if title[t] {
				score += titleTokenWeight
			} else if body[t] {
				score++
			}
		}
		if score == 0 {
			continue
		}
		hits = append(hits, models.PageHit{ID: p.ID, Title: p.Title, Snippet: excerpt(p.Content, terms), Score: score})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Title < hits[j].Title
	})
	if len(hits) > maxPageHits {
		hits = hits[:maxPageHits]
	}

	names := make([]string, len(hits))
	for i, hit := range hits {
		names[i] = hit.Title
	}
	return hits, names, nil
}

func (h *RouteHandlers) hybrid(ctx context.Context, req ExecutionRequest) (*models.ExecutionResult, error) {
	result := &models.ExecutionResult{}
	params := req.Decision.Parameters

	if len(params.DatabaseIDs) > 0 {
		if db, ok := findDatabase(req.Context, params.DatabaseIDs[0]); ok {
			rows, err := h.listRows(ctx, db.ID, hybridRowPreview)
			if err != nil {
				return nil, err
			}
			result.Title = db.Name
			result.Columns = columnNames(db.Columns)
			result.Rows = rows
			result.TotalRows = db.RowCount
			result.DataSources = append(result.DataSources, db.Name)
		}
	}

	hits, names, err := h.searchPages(ctx, req.WorkspaceID, params.SearchQuery)
	if err != nil {
		return nil, err
	}
	result.Pages = hits
	result.DataSources = append(result.DataSources, names...)
	return result, nil
}

// =============================================================================
// 动作与直接回答
// =============================================================================

// action 只生成待确认动作，不修改任何数据
func (h *RouteHandlers) action(req ExecutionRequest) *models.ExecutionResult {
	params := req.Decision.Parameters
	if params.ActionVerb == "" || params.ActionVerb == models.ActionUnknown {
		return &models.ExecutionResult{Text: unknownActionText + " " + clarificationText}
	}

	target := ""
	if len(params.DatabaseIDs) > 0 {
		if db, ok := findDatabase(req.Context, params.DatabaseIDs[0]); ok {
			target = db.Name
		}
	}
	desc := fmt.Sprintf("Requested %s", params.ActionVerb)
	if target != "" {
		desc += " on " + target
	}
	if params.SearchQuery != "" {
		desc += fmt.Sprintf(" (%s)", params.SearchQuery)
	}
	return &models.ExecutionResult{
		Action: &models.PendingAction{
			Verb:        params.ActionVerb,
			Target:      target,
			Description: desc + ". " + actionConfirmation,
		},
	}
}

func (h *RouteHandlers) direct(ctx context.Context, req ExecutionRequest) *models.ExecutionResult {
	switch req.Decision.Parameters.ResponseHint {
	case models.HintHelp:
		return &models.ExecutionResult{Text: helpText}
	case models.HintNavigation:
		return &models.ExecutionResult{Text: navigationText}
	case models.HintNoAnalyzableData:
		return &models.ExecutionResult{Text: noAnalyzableText}
	case models.HintClarification:
		return &models.ExecutionResult{Text: clarificationText}
	}
	return &models.ExecutionResult{Text: h.generalAnswer(ctx, req.Query)}
}

// generalAnswer 有 LLM 时生成回答，失败或未配置时返回固定文本
func (h *RouteHandlers) generalAnswer(ctx context.Context, query string) string {
	if h.client == nil {
		return generalText
	}
	llmReq, err := h.prompts.BuildRequest(llm.TemplateGeneralAnswer, map[string]interface{}{"Query": query})
	if err != nil {
		utils.Logger(ctx).WithError(err).Error("[路由执行] 构建闲聊请求失败")
		return generalText
	}

	resp, err := resilience.WithRetry(ctx, func(ctx context.Context) (*llm.LLMResponse, error) {
		return h.client.Complete(ctx, llmReq)
	}, h.retry, h.onRetry(ctx, "general_answer"))
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		utils.Logger(ctx).WithFields(logrus.Fields{
			"provider": h.client.GetProvider(),
			"category": resilience.Classify(err).Category,
		}).WithError(err).Warn("[路由执行] LLM回答失败，使用固定文本")
		return generalText
	}
	return strings.TrimSpace(resp.Content)
}

func (h *RouteHandlers) onRetry(ctx context.Context, op string) resilience.OnRetry {
	return func(attempt int, err error, delay time.Duration) {
		utils.Logger(ctx).WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt,
			"delay":   delay,
		}).WithError(err).Warn("[路由执行] 调用失败，准备重试")
	}
}

// =============================================================================
// 辅助函数
// =============================================================================

func findDatabase(qctx *models.QueryContext, id string) (models.DatabaseContext, bool) {
	for _, db := range qctx.Databases {
		if db.ID == id {
			return db, true
		}
	}
	return models.DatabaseContext{}, false
}

func columnNames(cols []models.ColumnMeta) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

func tokenSet(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}

const excerptLength = 160

// excerpt 从第一个命中词所在句开始截取，偏移量始终取自原文
func excerpt(content string, terms []string) string {
	start := 0
	for _, t := range terms {
		if i := indexFold(content, t); i >= 0 {
			start = strings.LastIndexAny(content[:i], ".\n") + 1
			break
		}
	}
	text := strings.TrimSpace(content[start:])
	if utf8.RuneCountInString(text) <= excerptLength {
		return text
	}
	runes := []rune(text)
	head := string(runes[:excerptLength])
	if cut := strings.LastIndex(head, " "); cut > 0 {
		head = head[:cut]
	}
	return head + "..."
}

// indexFold 大小写不敏感地查找 term，返回 s 中的字节偏移
func indexFold(s, term string) int {
	if term == "" {
		return -1
	}
	for i := range s {
		if hasPrefixFold(s[i:], term) {
			return i
		}
	}
	return -1
}

func hasPrefixFold(s, prefix string) bool {
	for _, pr := range prefix {
		if s == "" {
			return false
		}
		r, size := utf8.DecodeRuneInString(s)
		if r != pr && unicode.ToLower(r) != unicode.ToLower(pr) {
			return false
		}
		s = s[size:]
	}
	return true
}
