package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextkeeper/workspace-query/internal/engines/fuzzy"
	"github.com/contextkeeper/workspace-query/internal/llm"
	"github.com/contextkeeper/workspace-query/internal/models"
	"github.com/contextkeeper/workspace-query/internal/store"
)

// seededHandlers 演示工作区上的执行器，以及按名称索引的数据库上下文
func seededHandlers(t *testing.T, client llm.LLMClient) (*RouteHandlers, *store.MemoryWorkspaceStore, *models.QueryContext, map[string]models.DatabaseContext) {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemoryWorkspaceStore()
	_, err := store.SeedDemo(ctx, mem, store.SeedOptions{Seed: 7, Now: testNow})
	require.NoError(t, err)

	dbs, err := mem.ListDatabases(ctx, store.DemoWorkspaceID)
	require.NoError(t, err)
	qctx := &models.QueryContext{}
	byName := make(map[string]models.DatabaseContext)
	for _, db := range dbs {
		dc := models.DatabaseContext{ID: db.ID, Name: db.Name, Columns: db.Columns, RowCount: db.RowCount, RelevanceScore: 1}
		qctx.Databases = append(qctx.Databases, dc)
		byName[db.Name] = dc
	}
	return NewRouteHandlers(mem, mem, client, nil, WithHandlerRetry(noRetry)), mem, qctx, byName
}

func execReq(query string, qctx *models.QueryContext, d models.RouteDecision) ExecutionRequest {
	return ExecutionRequest{Query: query, WorkspaceID: store.DemoWorkspaceID, Decision: d, Context: qctx}
}

func TestAggregate(t *testing.T) {
	rows := []models.Row{
		{"revenue": 10.0},
		{"revenue": 20},
		{"revenue": "30"},
		{"revenue": "n/a"},
	}
	tests := []struct {
		fn    string
		value float64
		count int
	}{
		{"avg", 20, 3},
		{"sum", 60, 3},
		{"min", 10, 3},
		{"max", 30, 3},
		{"count", 4, 4},
	}
	for _, tt := range tests {
		t.Run(tt.fn, func(t *testing.T) {
			v, n := aggregate(tt.fn, "revenue", rows)
			assert.Equal(t, tt.value, v)
			assert.Equal(t, tt.count, n)
		})
	}

	v, n := aggregate("avg", "missing", rows)
	assert.Zero(t, v)
	assert.Zero(t, n)
}

func TestGroupByColumn(t *testing.T) {
	cols := []models.ColumnMeta{{Name: "region", Type: models.ColumnSelect}, {Name: "revenue", Type: models.ColumnNumber}}
	assert.Equal(t, "region", groupByColumn("total revenue by region", cols))
	assert.Equal(t, "region", groupByColumn("Revenue per Regions", cols))
	assert.Empty(t, groupByColumn("revenue by month", cols))
	assert.Empty(t, groupByColumn("total revenue", cols))
}

func TestMetricColumns(t *testing.T) {
	cols := []models.ColumnMeta{
		{Name: "region", Type: models.ColumnSelect},
		{Name: "revenue", Type: models.ColumnNumber},
		{Name: "units", Type: models.ColumnNumber},
	}
	assert.Equal(t, []string{"units"}, metricColumns("average units sold", nil, cols))
	assert.Equal(t, []string{"revenue"}, metricColumns("what is the total", nil, cols))
	assert.Equal(t, []string{"revenue", "units"}, metricColumns("compare", []models.Entity{{Value: "revenue units"}}, cols))
	assert.Nil(t, metricColumns("anything", nil, cols[:1]))
}

func TestFilterByTime(t *testing.T) {
	cols := []models.ColumnMeta{{Name: "order_date", Type: models.ColumnDate}}
	rows := []models.Row{
		{"order_date": "2024-09-01"},
		{"order_date": "2024-09-20"},
		{"order_date": "not a date"},
	}
	start := time.Date(2024, 9, 15, 0, 0, 0, 0, time.UTC)
	got := filterByTime(rows, cols, &models.TimeRange{Label: "recent", Start: &start})
	require.Len(t, got, 1)
	assert.Equal(t, "2024-09-20", got[0]["order_date"])

	assert.Len(t, filterByTime(rows, cols, nil), 3)
	assert.Len(t, filterByTime(rows, nil, &models.TimeRange{Start: &start}), 3)
}

func TestDatabaseQueryReturnsRows(t *testing.T) {
	h, _, qctx, dbs := seededHandlers(t, nil)
	sales := dbs["sales_data.csv"]

	result, err := h.Execute(context.Background(), execReq("show sales data", qctx, models.RouteDecision{
		Primary:    models.RouteDatabaseQuery,
		Parameters: models.RouteParameters{DatabaseIDs: []string{sales.ID}},
	}))
	require.NoError(t, err)
	assert.Equal(t, models.RouteDatabaseQuery, result.Route)
	assert.Len(t, result.Rows, 40)
	assert.Equal(t, []string{"region", "product", "revenue", "units", "order_date"}, result.Columns)
	assert.Equal(t, []string{"sales_data.csv"}, result.DataSources)
}

func TestDatabaseQueryWithRAG(t *testing.T) {
	h, _, qctx, dbs := seededHandlers(t, nil)
	sales := dbs["sales_data.csv"]

	result, err := h.Execute(context.Background(), execReq("average revenue", qctx, models.RouteDecision{
		Primary: models.RouteDatabaseQuery,
		Parameters: models.RouteParameters{
			DatabaseIDs:  []string{sales.ID},
			Aggregations: []string{"avg"},
			IncludeRAG:   true,
			SearchQuery:  "revenue",
		},
	}))
	require.NoError(t, err)
	require.Len(t, result.Aggregates, 1)
	assert.Equal(t, "revenue", result.Aggregates[0].Column)
	assert.Equal(t, 40, result.Aggregates[0].Count)
	require.NotEmpty(t, result.Pages)
	assert.Equal(t, "Q3 Planning Notes", result.Pages[0].Title)
	assert.Contains(t, result.DataSources, "Q3 Planning Notes")
}

func TestAnalyticsGroupSeries(t *testing.T) {
	h, _, qctx, dbs := seededHandlers(t, nil)
	sales := dbs["sales_data.csv"]

	result, err := h.Execute(context.Background(), execReq("total revenue by region", qctx, models.RouteDecision{
		Primary: models.RouteAnalyticsAggregation,
		Parameters: models.RouteParameters{
			DatabaseIDs:  []string{sales.ID},
			Aggregations: []string{"sum", "count"},
		},
	}))
	require.NoError(t, err)
	require.Len(t, result.Aggregates, 2)
	assert.Equal(t, "sum", result.Aggregates[0].Function)
	assert.Equal(t, "count", result.Aggregates[1].Function)
	assert.Equal(t, 40.0, result.Aggregates[1].Value)

	require.NotNil(t, result.Series)
	assert.Equal(t, "region", result.Series.GroupBy)
	assert.Equal(t, "sum(revenue)", result.Series.Metric)
	var total float64
	for i, label := range result.Series.Labels {
		assert.Contains(t, []string{"north", "south", "east", "west"}, label)
		total += result.Series.Values[i]
	}
	assert.InDelta(t, result.Aggregates[0].Value, total, 0.1)
}

func TestContentSearch(t *testing.T) {
	h, _, qctx, _ := seededHandlers(t, nil)

	result, err := h.Execute(context.Background(), execReq("find pricing notes", qctx, models.RouteDecision{
		Primary:    models.RouteContentSearch,
		Parameters: models.RouteParameters{SearchQuery: "pricing"},
	}))
	require.NoError(t, err)
	require.Len(t, result.Pages, 2)
	assert.Equal(t, "Pricing Strategy", result.Pages[0].Title)
	assert.Equal(t, 2, result.Pages[0].Score)
	assert.Equal(t, "Q3 Planning Notes", result.Pages[1].Title)
	assert.Contains(t, result.Pages[1].Snippet, "pricing")
}

func TestExcerpt(t *testing.T) {
	// 小写后字节长度变化的字符不能让偏移越界
	content := strings.Repeat("Ⱥ", 20) + ". revenue grew in the west"
	got := excerpt(content, []string{"revenue"})
	assert.Equal(t, "revenue grew in the west", got)

	got = excerpt("İstanbul office. Revenue review notes", []string{"revenue"})
	assert.Equal(t, "Revenue review notes", got)
	assert.True(t, utf8.ValidString(excerpt("İİİİ istanbul", []string{"istanbul"})))

	long := strings.Repeat("日本語 ", 100)
	got = excerpt(long, []string{"missing"})
	assert.True(t, utf8.ValidString(got))
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.LessOrEqual(t, utf8.RuneCountInString(got), excerptLength+3)
}

func TestContentSearchNonASCIIPage(t *testing.T) {
	h, mem, qctx, _ := seededHandlers(t, nil)
	require.NoError(t, mem.PutPage(context.Background(), models.PageRecord{
		ID:          "page-launch",
		WorkspaceID: store.DemoWorkspaceID,
		Title:       "Launch Notes",
		Content:     strings.Repeat("Ⱥ", 20) + ". zanzibar launch plan",
		UpdatedAt:   testNow,
	}))

	result, err := h.Execute(context.Background(), execReq("zanzibar", qctx, models.RouteDecision{
		Primary:    models.RouteContentSearch,
		Parameters: models.RouteParameters{SearchQuery: "zanzibar"},
	}))
	require.NoError(t, err)
	require.Len(t, result.Pages, 1)
	assert.Equal(t, "zanzibar launch plan", result.Pages[0].Snippet)
}

func TestDatabaseQueryFiltersBeforeRowLimit(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryWorkspaceStore()
	cols := []models.ColumnMeta{
		{Name: "customer", Type: models.ColumnText},
		{Name: "order_date", Type: models.ColumnDate},
	}
	var rows []models.Row
	for i := 0; i < 8; i++ {
		rows = append(rows, models.Row{"customer": fmt.Sprintf("old-%d", i), "order_date": "2024-01-15"})
	}
	rows = append(rows,
		models.Row{"customer": "new-0", "order_date": "2024-09-20"},
		models.Row{"customer": "new-1", "order_date": "2024-09-25"},
	)
	db := models.DatabaseRecord{ID: "db-orders", WorkspaceID: store.DemoWorkspaceID, Name: "orders.csv", Columns: cols}
	require.NoError(t, mem.PutDatabase(ctx, db, rows))

	h := NewRouteHandlers(mem, mem, nil, nil, WithHandlerRetry(noRetry), WithRowLimit(5))
	qctx := &models.QueryContext{Databases: []models.DatabaseContext{
		{ID: db.ID, Name: db.Name, Columns: cols, RowCount: len(rows), RelevanceScore: 1},
	}}
	start := time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)

	result, err := h.Execute(ctx, execReq("recent orders", qctx, models.RouteDecision{
		Primary: models.RouteDatabaseQuery,
		Parameters: models.RouteParameters{
			DatabaseIDs: []string{db.ID},
			TimeRange:   &models.TimeRange{Label: "recent", Start: &start},
		},
	}))
	require.NoError(t, err)
	require.Len(t, result.Rows, 2)
	assert.Equal(t, "new-0", result.Rows[0]["customer"])
	assert.Equal(t, 2, result.TotalRows)

	// 无时间范围时仍按行数上限截断
	result, err = h.Execute(ctx, execReq("show orders", qctx, models.RouteDecision{
		Primary:    models.RouteDatabaseQuery,
		Parameters: models.RouteParameters{DatabaseIDs: []string{db.ID}},
	}))
	require.NoError(t, err)
	assert.Len(t, result.Rows, 5)
	assert.Equal(t, 10, result.TotalRows)
}

func TestHybridSearch(t *testing.T) {
	h, _, qctx, dbs := seededHandlers(t, nil)
	orders := dbs["q3_orders.xlsx"]

	result, err := h.Execute(context.Background(), execReq("q3 status", qctx, models.RouteDecision{
		Primary:    models.RouteHybridSearch,
		Parameters: models.RouteParameters{DatabaseIDs: []string{orders.ID}, SearchQuery: "q3"},
	}))
	require.NoError(t, err)
	assert.Len(t, result.Rows, hybridRowPreview)
	require.NotEmpty(t, result.Pages)
	assert.Equal(t, "Q3 Planning Notes", result.Pages[0].Title)
	assert.Equal(t, []string{"q3_orders.xlsx", "Q3 Planning Notes"}, result.DataSources)
}

func TestActionIsOnlyPending(t *testing.T) {
	h, mem, qctx, dbs := seededHandlers(t, nil)
	sales := dbs["sales_data.csv"]

	result, err := h.Execute(context.Background(), execReq("delete the old rows from sales", qctx, models.RouteDecision{
		Primary: models.RouteActionExecution,
		Parameters: models.RouteParameters{
			ActionVerb:  models.ActionDelete,
			DatabaseIDs: []string{sales.ID},
		},
	}))
	require.NoError(t, err)
	require.NotNil(t, result.Action)
	assert.Equal(t, models.ActionDelete, result.Action.Verb)
	assert.Equal(t, "sales_data.csv", result.Action.Target)
	assert.Contains(t, result.Action.Description, "Nothing has been changed")

	rows, err := mem.ListRows(context.Background(), sales.ID, 0)
	require.NoError(t, err)
	assert.Len(t, rows, 40)

	result, err = h.Execute(context.Background(), execReq("do the thing", qctx, models.RouteDecision{
		Primary:    models.RouteActionExecution,
		Parameters: models.RouteParameters{ActionVerb: models.ActionUnknown},
	}))
	require.NoError(t, err)
	assert.Nil(t, result.Action)
	assert.NotEmpty(t, result.Text)
}

func TestDirectResponses(t *testing.T) {
	h, _, _, _ := seededHandlers(t, nil)
	tests := []struct {
		hint string
		want string
	}{
		{models.HintHelp, helpText},
		{models.HintNavigation, navigationText},
		{models.HintNoAnalyzableData, noAnalyzableText},
		{models.HintClarification, clarificationText},
		{models.HintGeneral, generalText},
	}
	for _, tt := range tests {
		t.Run(tt.hint, func(t *testing.T) {
			result, err := h.Execute(context.Background(), execReq("hi", nil, models.RouteDecision{
				Primary:    models.RouteDirectResponse,
				Parameters: models.RouteParameters{ResponseHint: tt.hint},
			}))
			require.NoError(t, err)
			assert.Equal(t, tt.want, result.Text)
		})
	}
}

func TestGeneralAnswerUsesCompletion(t *testing.T) {
	client := llm.NewMockClient(llm.MockReply{Content: "  Why did the chart break up with the table? Too many issues.  "})
	h, _, _, _ := seededHandlers(t, client)

	d := models.RouteDecision{Primary: models.RouteDirectResponse, Parameters: models.RouteParameters{ResponseHint: models.HintGeneral}}
	result, err := h.Execute(context.Background(), execReq("Tell me a joke", nil, d))
	require.NoError(t, err)
	assert.Equal(t, "Why did the chart break up with the table? Too many issues.", result.Text)
	require.NotNil(t, client.LastRequest())
	assert.Equal(t, "Tell me a joke", client.LastRequest().Prompt)

	failing := llm.NewMockClient(llm.MockReply{Err: errors.New("upstream exploded")})
	h, _, _, _ = seededHandlers(t, failing)
	result, err = h.Execute(context.Background(), execReq("Tell me a joke", nil, d))
	require.NoError(t, err)
	assert.Equal(t, generalText, result.Text)
}

func TestUnsupportedRoute(t *testing.T) {
	h, _, _, _ := seededHandlers(t, nil)
	_, err := h.Execute(context.Background(), execReq("x", nil, models.RouteDecision{Primary: "teleport"}))
	assert.Error(t, err)
}

func TestFileMatchService(t *testing.T) {
	_, mem, _, _ := seededHandlers(t, nil)
	svc := NewFileMatchService(mem, fuzzy.NewResolver(fuzzy.WithClock(func() time.Time { return testNow })), fuzzy.MatchOptions{})

	resp, err := svc.Match(context.Background(), models.FileMatchRequest{Query: "the sales data file", WorkspaceID: store.DemoWorkspaceID})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "sales_data.csv", resp.Results[0].File.Name)
	assert.LessOrEqual(t, len(resp.Results), fuzzy.DefaultMatchOptions().MaxResults)

	_, err = svc.Match(context.Background(), models.FileMatchRequest{Query: "sales", WorkspaceID: "nope"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Match(context.Background(), models.FileMatchRequest{Query: " ", WorkspaceID: store.DemoWorkspaceID})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
