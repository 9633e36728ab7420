package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextkeeper/workspace-query/internal/engines/contextx"
	"github.com/contextkeeper/workspace-query/internal/engines/intent"
	"github.com/contextkeeper/workspace-query/internal/llm"
	"github.com/contextkeeper/workspace-query/internal/models"
	"github.com/contextkeeper/workspace-query/internal/resilience"
	"github.com/contextkeeper/workspace-query/internal/store"
)

var testNow = time.Date(2024, 10, 1, 12, 0, 0, 0, time.UTC)

var noRetry = resilience.RetryPolicy{MaxRetries: 0}

const dataQueryCompletion = `{"intent":"data_query","confidence":0.9,
"entities":[{"type":"column","value":"revenue","confidence":0.9}],
"format_preference":"auto","aggregations":["avg"],"reasoning":"numeric lookup"}`

// testClock 只在测试显式推进时变化
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store   *store.MemoryWorkspaceStore
	engine  *contextx.Engine
	history *store.SessionHistory
	clock   *testClock
	orch    *Orchestrator
}

type fixtureOptions struct {
	client     llm.LLMClient
	classifier IntentClassifier
	reader     store.WorkspaceReader
	executor   RouteExecutor
}

func newFixture(t *testing.T, fo fixtureOptions) *fixture {
	t.Helper()
	ctx := context.Background()

	mem := store.NewMemoryWorkspaceStore()
	_, err := store.SeedDemo(ctx, mem, store.SeedOptions{Seed: 42, Now: testNow})
	require.NoError(t, err)

	history, err := store.NewSessionHistory(10, "")
	require.NoError(t, err)

	clock := &testClock{t: testNow}
	reader := fo.reader
	if reader == nil {
		reader = mem
	}
	engine := contextx.NewEngine(reader, history, contextx.Options{Now: clock.Now})
	t.Cleanup(engine.Close)

	classifier := fo.classifier
	if classifier == nil {
		classifier = intent.NewClassifier(fo.client, nil,
			intent.WithClock(clock.Now),
			intent.WithRetryPolicy(noRetry))
	}
	executor := fo.executor
	if executor == nil {
		executor = NewRouteHandlers(mem, mem, fo.client, nil, WithHandlerRetry(noRetry))
	}

	orch := NewOrchestrator(classifier, engine, executor, history, OrchestratorOptions{Now: clock.Now})
	t.Cleanup(orch.Close)

	return &fixture{store: mem, engine: engine, history: history, clock: clock, orch: orch}
}

func demoRequest(query string) models.QueryRequest {
	return models.QueryRequest{
		Query:       query,
		WorkspaceID: store.DemoWorkspaceID,
		UserID:      store.DemoUserID,
		Options:     models.QueryOptions{IncludeDebug: true},
	}
}

func TestAverageRevenueScenario(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	resp := f.orch.Handle(context.Background(), demoRequest("What's the average revenue?"))
	require.True(t, resp.Success, resp.Content)
	require.NotNil(t, resp.Response)
	require.NotNil(t, resp.Debug)

	assert.Equal(t, models.IntentDataQuery, resp.Debug.Intent)
	assert.GreaterOrEqual(t, resp.Debug.Confidence, 0.6)
	require.NotNil(t, resp.Debug.RoutingDecision)
	assert.Equal(t, models.RouteDatabaseQuery, resp.Debug.RoutingDecision.Primary)

	block, ok := resp.Response.FirstBlockOfKind(models.BlockInsight)
	require.True(t, ok)
	insight := block.(models.InsightBlock)
	assert.Equal(t, "avg", insight.Metric)
	assert.Equal(t, "Average revenue", insight.Label)
	assert.Greater(t, insight.Value, 0.0)

	assert.Contains(t, resp.Response.Metadata.DataSources, "sales_data.csv")
	assert.Equal(t, models.RouteDatabaseQuery, resp.Response.Metadata.Route)
	assert.False(t, resp.Cached)

	recent, err := f.history.Recent(context.Background(), store.DemoUserID, store.DemoWorkspaceID, 0)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, models.IntentDataQuery, recent[0].Intent)
}

func TestJokeScenario(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	emptyWS := uuid.NewString()
	require.NoError(t, f.store.PutWorkspace(context.Background(), models.Workspace{ID: emptyWS, Name: "Empty", UpdatedAt: testNow}))

	req := demoRequest("Tell me a joke")
	req.WorkspaceID = emptyWS
	resp := f.orch.Handle(context.Background(), req)

	require.True(t, resp.Success)
	require.NotNil(t, resp.Debug.RoutingDecision)
	assert.Equal(t, models.RouteDirectResponse, resp.Debug.RoutingDecision.Primary)
	assert.Equal(t, models.IntentGeneral, resp.Debug.Intent)
	require.Len(t, resp.Response.Blocks, 1)
	assert.Equal(t, generalText, resp.Response.Blocks[0].(models.TextBlock).Text)
}

func TestCacheIdempotence(t *testing.T) {
	client := llm.NewMockClient(llm.MockReply{Content: dataQueryCompletion})
	f := newFixture(t, fixtureOptions{client: client})
	ctx := context.Background()
	req := demoRequest("What's the average revenue?")
	req.Options.IncludeDebug = false

	first := f.orch.Handle(ctx, req)
	require.True(t, first.Success)
	assert.Equal(t, 1, client.Calls())

	// 规范化后相同的查询命中同一条缓存
	req.Query = "  what's the AVERAGE revenue "
	second := f.orch.Handle(ctx, req)
	require.True(t, second.Success)
	assert.True(t, second.Cached)
	assert.Equal(t, 1, client.Calls())

	a, err := json.Marshal(first.Response)
	require.NoError(t, err)
	b, err := json.Marshal(second.Response)
	require.NoError(t, err)
	assert.JSONEq(t, string(a), string(b))
	assert.Equal(t, string(a), string(b))

	req.Options.BypassCache = true
	third := f.orch.Handle(ctx, req)
	assert.False(t, third.Cached)
	assert.Equal(t, 2, client.Calls())

	assert.EqualValues(t, 1, f.orch.CacheStats().Entries)
	f.orch.FlushCache()
	assert.Zero(t, f.orch.CacheStats().Entries)
}

func TestCacheKeyFollowsWorkspaceChanges(t *testing.T) {
	client := llm.NewMockClient(llm.MockReply{Content: dataQueryCompletion})
	f := newFixture(t, fixtureOptions{client: client})
	ctx := context.Background()
	req := demoRequest("What's the average revenue?")

	first := f.orch.Handle(ctx, req)
	require.True(t, first.Success)

	// 新增数据库后快照指纹变化，缓存不再命中
	require.NoError(t, f.store.PutDatabase(ctx, models.DatabaseRecord{
		ID:          uuid.NewString(),
		WorkspaceID: store.DemoWorkspaceID,
		Name:        "leads.csv",
		Columns:     []models.ColumnMeta{{Name: "email", Type: models.ColumnText}},
		CreatedAt:   testNow.Add(-48 * time.Hour),
		UpdatedAt:   testNow.Add(-48 * time.Hour),
	}, nil))
	f.engine.Invalidate(store.DemoWorkspaceID)

	second := f.orch.Handle(ctx, req)
	require.True(t, second.Success)
	assert.False(t, second.Cached)
	assert.NotEqual(t, first.Debug.CacheKey, second.Debug.CacheKey)
	assert.Equal(t, 2, client.Calls())
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	tests := []struct {
		name string
		req  models.QueryRequest
	}{
		{"empty query", models.QueryRequest{Query: "  ", WorkspaceID: store.DemoWorkspaceID}},
		{"bad workspace", models.QueryRequest{Query: "revenue", WorkspaceID: "ws-1"}},
		{"bad page", models.QueryRequest{Query: "revenue", WorkspaceID: store.DemoWorkspaceID, PageID: "p"}},
		{"negative budget", models.QueryRequest{Query: "revenue", WorkspaceID: store.DemoWorkspaceID, Options: models.QueryOptions{MaxResponseTimeMs: -1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.orch.Handle(context.Background(), tt.req)
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Metadata)
			assert.Equal(t, models.ErrorValidation, resp.Metadata.Category)
			assert.NotEmpty(t, resp.Metadata.Suggestions)
			assert.NotEmpty(t, resp.Content)
		})
	}
}

// slowClassifier 开启后一直阻塞到请求预算耗尽
type slowClassifier struct {
	inner IntentClassifier
	slow  atomic.Bool
}

func (s *slowClassifier) Classify(ctx context.Context, query string, history []models.HistoryEntry) models.IntentClassification {
	if s.slow.Load() {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		return models.IntentClassification{Intent: models.IntentUnclear, Confidence: 0.1, ClarificationNeeded: true}
	}
	return s.inner.Classify(ctx, query, history)
}

func TestBudgetExceeded(t *testing.T) {
	slow := &slowClassifier{inner: intent.NewClassifier(nil, nil)}
	slow.slow.Store(true)
	f := newFixture(t, fixtureOptions{classifier: slow})

	req := demoRequest("What's the average revenue?")
	req.Options.MaxResponseTimeMs = 30
	resp := f.orch.Handle(context.Background(), req)

	assert.False(t, resp.Success)
	require.NotNil(t, resp.Metadata)
	assert.Equal(t, models.ErrorTimeout, resp.Metadata.Category)
	assert.NotEmpty(t, resp.Metadata.Suggestions)
}

func TestBudgetExceededServesStaleResponse(t *testing.T) {
	slow := &slowClassifier{inner: intent.NewClassifier(nil, nil)}
	f := newFixture(t, fixtureOptions{classifier: slow})
	ctx := context.Background()
	req := demoRequest("What's the average revenue?")

	first := f.orch.Handle(ctx, req)
	require.True(t, first.Success)

	// 超过缓存TTL但仍在过期宽限内
	f.clock.Advance(DefaultResponseCacheTTL + time.Minute)
	slow.slow.Store(true)
	req.Options.MaxResponseTimeMs = 30

	resp := f.orch.Handle(ctx, req)
	require.True(t, resp.Success)
	assert.True(t, resp.Cached)
	assert.True(t, resp.Stale)
	assert.Equal(t, first.Response.Blocks, resp.Response.Blocks)
}

func TestStageObserver(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	var stages []Stage
	observe := func(s Stage, _ time.Duration) { stages = append(stages, s) }

	resp := f.orch.HandleWithObserver(context.Background(), demoRequest("What's the average revenue?"), observe)
	require.True(t, resp.Success)
	assert.Equal(t, []Stage{StageClassified, StageExtracted, StageRouted, StageExecuted, StageComposed}, stages)

	stages = nil
	resp = f.orch.HandleWithObserver(context.Background(), demoRequest("What's the average revenue?"), observe)
	require.True(t, resp.Cached)
	assert.Equal(t, []Stage{StageCacheHit}, stages)
}

func TestClarificationSkipsRouting(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	var stages []Stage
	resp := f.orch.HandleWithObserver(context.Background(), demoRequest("show me some stuff"), func(s Stage, _ time.Duration) {
		stages = append(stages, s)
	})

	require.True(t, resp.Success)
	assert.Equal(t, []Stage{StageClassified}, stages)
	assert.Equal(t, models.RouteDirectResponse, resp.Response.Metadata.Route)
	assert.NotEmpty(t, resp.Response.Metadata.Suggestions)
	assert.Nil(t, resp.Debug.RoutingDecision)
}

func TestClarificationIsCached(t *testing.T) {
	client := llm.NewMockClient(llm.MockReply{Content: `{"intent":"unclear","confidence":0.1,"reasoning":"vague"}`})
	f := newFixture(t, fixtureOptions{client: client})
	req := demoRequest("show me some stuff")

	first := f.orch.Handle(context.Background(), req)
	require.True(t, first.Success)
	assert.False(t, first.Cached)
	assert.Equal(t, 1, client.Calls())

	second := f.orch.Handle(context.Background(), req)
	require.True(t, second.Success)
	assert.True(t, second.Cached)
	assert.Equal(t, 1, client.Calls())
	assert.Equal(t, first.Response.Metadata.Suggestions, second.Response.Metadata.Suggestions)
}

type panickingExecutor struct{}

func (panickingExecutor) Execute(context.Context, ExecutionRequest) (*models.ExecutionResult, error) {
	panic("index out of range [3] with length 0")
}

func TestExecutorPanicBecomesFailure(t *testing.T) {
	f := newFixture(t, fixtureOptions{executor: panickingExecutor{}})

	resp := f.orch.Handle(context.Background(), demoRequest("What's the average revenue?"))
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Metadata)
	assert.Equal(t, models.ErrorExecution, resp.Metadata.Category)
	assert.NotEmpty(t, resp.Metadata.Suggestions)
	assert.Zero(t, f.orch.CacheStats().Entries)

	// 异常之后编排器仍可继续服务
	f2 := newFixture(t, fixtureOptions{})
	assert.True(t, f2.orch.Handle(context.Background(), demoRequest("What's the average revenue?")).Success)
}

type failingExecutor struct{ err error }

func (e failingExecutor) Execute(context.Context, ExecutionRequest) (*models.ExecutionResult, error) {
	return nil, e.err
}

func TestExecutionFailureIsClassified(t *testing.T) {
	f := newFixture(t, fixtureOptions{executor: failingExecutor{err: errors.New("Table sales_data does not exist")}})

	resp := f.orch.Handle(context.Background(), demoRequest("What's the average revenue?"))
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Metadata)
	assert.Equal(t, models.ErrorSchema, resp.Metadata.Category)
	assert.Contains(t, resp.Content, "sales_data")
	assert.NotEmpty(t, resp.Metadata.Suggestions)

	require.NotNil(t, resp.Response)
	block := resp.Response.Blocks[0].(models.ErrorBlock)
	assert.Empty(t, block.Detail)
	assert.Zero(t, f.orch.CacheStats().Entries)
}

// pagesDown 页面列表不可用
type pagesDown struct {
	store.WorkspaceReader
}

func (p pagesDown) ListPages(context.Context, string) ([]models.PageRecord, error) {
	return nil, errors.New("dial tcp 10.0.0.7:5432: connection refused")
}

func TestPartialContextIsNotCached(t *testing.T) {
	mem := store.NewMemoryWorkspaceStore()
	_, err := store.SeedDemo(context.Background(), mem, store.SeedOptions{Seed: 42, Now: testNow})
	require.NoError(t, err)
	f := newFixture(t, fixtureOptions{reader: pagesDown{mem}})

	req := demoRequest("What's the average revenue?")
	first := f.orch.Handle(context.Background(), req)
	require.True(t, first.Success)
	assert.True(t, first.Response.Metadata.Partial)
	assert.Equal(t, []string{contextx.SlicePages}, first.Debug.Degraded)

	second := f.orch.Handle(context.Background(), req)
	assert.False(t, second.Cached)
}
