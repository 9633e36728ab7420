package contextx

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/contextkeeper/workspace-query/internal/models"
	"github.com/contextkeeper/workspace-query/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreCurrent())
}

const testWorkspace = "5b1f3c2e-7a44-4d0f-9b61-3f2a6c1e8d90"

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyReader 包装内存存储，可注入失败并统计调用次数
type flakyReader struct {
	*store.MemoryWorkspaceStore
	failDatabases atomic.Bool
	failUser      atomic.Bool
	listDBCalls   atomic.Int32
	totalCalls    atomic.Int32
}

func (f *flakyReader) GetWorkspace(ctx context.Context, id string) (*models.Workspace, error) {
	f.totalCalls.Add(1)
	return f.MemoryWorkspaceStore.GetWorkspace(ctx, id)
}

func (f *flakyReader) ListDatabases(ctx context.Context, id string) ([]models.DatabaseRecord, error) {
	f.totalCalls.Add(1)
	f.listDBCalls.Add(1)
	if f.failDatabases.Load() {
		return nil, errors.New("connection refused")
	}
	return f.MemoryWorkspaceStore.ListDatabases(ctx, id)
}

func (f *flakyReader) ListPages(ctx context.Context, id string) ([]models.PageRecord, error) {
	f.totalCalls.Add(1)
	return f.MemoryWorkspaceStore.ListPages(ctx, id)
}

func (f *flakyReader) GetUser(ctx context.Context, id string) (*models.UserProfile, error) {
	f.totalCalls.Add(1)
	if f.failUser.Load() {
		return nil, context.DeadlineExceeded
	}
	return f.MemoryWorkspaceStore.GetUser(ctx, id)
}

func newFixture(t *testing.T) (*flakyReader, *testClock) {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemoryWorkspaceStore()

	require.NoError(t, mem.PutWorkspace(ctx, models.Workspace{ID: testWorkspace, Name: "Acme", UpdatedAt: testNow}))
	require.NoError(t, mem.PutUser(ctx, models.UserProfile{ID: "u-1", Name: "Dana"}))
	require.NoError(t, mem.PutDatabase(ctx, models.DatabaseRecord{
		ID:          "db-sales",
		WorkspaceID: testWorkspace,
		Name:        "sales_data.csv",
		Columns: []models.ColumnMeta{
			{Name: "region", Type: models.ColumnText},
			{Name: "revenue", Type: models.ColumnNumber},
		},
		UpdatedAt: testNow.Add(-2 * time.Hour),
	}, []models.Row{{"region": "west", "revenue": 10.0}}))
	require.NoError(t, mem.PutDatabase(ctx, models.DatabaseRecord{
		ID:          "db-employees",
		WorkspaceID: testWorkspace,
		Name:        "employees.csv",
		Columns:     []models.ColumnMeta{{Name: "name", Type: models.ColumnText}, {Name: "salary", Type: models.ColumnNumber}},
		UpdatedAt:   testNow.Add(-40 * 24 * time.Hour),
	}, nil))
	require.NoError(t, mem.PutDatabase(ctx, models.DatabaseRecord{
		ID:          "db-orders",
		WorkspaceID: testWorkspace,
		Name:        "q3_orders.xlsx",
		Columns:     []models.ColumnMeta{{Name: "customer", Type: models.ColumnText}, {Name: "amount", Type: models.ColumnNumber}},
		UpdatedAt:   testNow.Add(-5 * time.Hour),
	}, nil))
	require.NoError(t, mem.PutPage(ctx, models.PageRecord{
		ID:          "page-notes",
		WorkspaceID: testWorkspace,
		Title:       "Q3 Planning Notes",
		Content:     "Grow revenue in the west region.",
		UpdatedAt:   testNow.Add(-3 * 24 * time.Hour),
	}))

	return &flakyReader{MemoryWorkspaceStore: mem}, &testClock{now: testNow}
}

func newTestEngine(t *testing.T, reader store.WorkspaceReader, history HistoryReader, clock *testClock) *Engine {
	t.Helper()
	e := NewEngine(reader, history, Options{Now: clock.Now})
	t.Cleanup(e.Close)
	return e
}

func dataQuery(entities ...models.Entity) models.IntentClassification {
	return models.IntentClassification{Intent: models.IntentDataQuery, Confidence: 0.8, Entities: entities}
}

func TestAverageRevenueRanksRevenueFileFirst(t *testing.T) {
	reader, clock := newFixture(t)
	e := newTestEngine(t, reader, nil, clock)

	qctx := e.Extract(context.Background(), "What's the average revenue?", dataQuery(
		models.Entity{Type: "aggregation", Value: "avg", Confidence: 0.9},
		models.Entity{Type: "column", Value: "revenue", Confidence: 0.7},
	), testWorkspace, "u-1")

	require.Len(t, qctx.Databases, 3)
	top := qctx.Databases[0]
	assert.Equal(t, "sales_data.csv", top.Name)
	// revenue 列 +2，两小时前更新 +3
	assert.Equal(t, 5, top.RelevanceScore)
	assert.True(t, top.RecentlyUpdated)
	assert.Empty(t, qctx.Degraded)
	require.NotNil(t, qctx.User)
	assert.Equal(t, "Dana", qctx.User.Name)
	assert.NotEmpty(t, qctx.Fingerprint)

	for i := 1; i < len(qctx.Databases); i++ {
		assert.GreaterOrEqual(t, qctx.Databases[i-1].RelevanceScore, qctx.Databases[i].RelevanceScore)
	}
}

func TestExactNameMatchResolvesEntity(t *testing.T) {
	reader, clock := newFixture(t)
	e := newTestEngine(t, reader, nil, clock)

	qctx := e.Extract(context.Background(), "show q3_orders", dataQuery(
		models.Entity{Type: "database", Value: "q3_orders", Confidence: 0.8},
	), testWorkspace, "")

	top := qctx.Databases[0]
	assert.Equal(t, "q3_orders.xlsx", top.Name)
	// 名称 +10，词元 q3、orders 各 +2，五小时前更新 +3
	assert.Equal(t, 10+4+3, top.RelevanceScore)

	require.Len(t, qctx.ExtractedEntities, 1)
	ent := qctx.ExtractedEntities[0]
	assert.Equal(t, "db-orders", ent.MatchedResourceID)
	assert.Equal(t, "database", ent.MatchedResourceType)
	assert.Equal(t, 1.0, ent.Confidence)
}

func TestFuzzyEntityResolution(t *testing.T) {
	reader, clock := newFixture(t)
	e := newTestEngine(t, reader, nil, clock)

	qctx := e.Extract(context.Background(), "open the employes file", dataQuery(
		models.Entity{Type: "name", Value: "employes", Confidence: 0.6},
	), testWorkspace, "")

	require.Len(t, qctx.ExtractedEntities, 1)
	ent := qctx.ExtractedEntities[0]
	assert.Equal(t, "db-employees", ent.MatchedResourceID)
	assert.InDelta(t, 0.8*8.0/9.0, ent.Confidence, 1e-9)
}

func TestPageContainmentResolution(t *testing.T) {
	reader, clock := newFixture(t)
	e := newTestEngine(t, reader, nil, clock)

	qctx := e.Extract(context.Background(), "summarize planning notes", models.IntentClassification{
		Intent:   models.IntentSummary,
		Entities: []models.Entity{{Type: "name", Value: "Planning Notes", Confidence: 0.6}},
	}, testWorkspace, "")

	require.NotEmpty(t, qctx.Pages)
	assert.Equal(t, "Q3 Planning Notes", qctx.Pages[0].Title)
	// 标题包含 +10，planning、notes +4，三天前更新 +1
	assert.Equal(t, 15, qctx.Pages[0].RelevanceScore)
	assert.Equal(t, "page", qctx.ExtractedEntities[0].MatchedResourceType)
	assert.Contains(t, qctx.Pages[0].Snippet, "west region")
}

func TestDirectIntentsSkipExtraction(t *testing.T) {
	reader, clock := newFixture(t)
	e := newTestEngine(t, reader, nil, clock)

	for _, intent := range []models.Intent{models.IntentGeneral, models.IntentHelp, models.IntentNavigation} {
		qctx := e.Extract(context.Background(), "Tell me a joke", models.IntentClassification{Intent: intent}, testWorkspace, "u-1")
		assert.Empty(t, qctx.Databases)
		assert.Empty(t, qctx.Pages)
		assert.Nil(t, qctx.User)
	}
	assert.Zero(t, reader.totalCalls.Load())
}

func TestFailedSliceDegradesToEmpty(t *testing.T) {
	reader, clock := newFixture(t)
	reader.failDatabases.Store(true)
	reader.failUser.Store(true)
	e := newTestEngine(t, reader, nil, clock)

	qctx := e.Extract(context.Background(), "find planning notes", dataQuery(), testWorkspace, "u-1")

	assert.Equal(t, []string{SliceDatabases, SliceUser}, qctx.Degraded)
	assert.True(t, qctx.IsPartial())
	assert.Empty(t, qctx.Databases)
	assert.Nil(t, qctx.User)
	// 其它切片不受影响
	assert.Len(t, qctx.Pages, 1)
	require.NotNil(t, qctx.Workspace)

	// 部分失败的快照不缓存
	reader.failDatabases.Store(false)
	qctx = e.Extract(context.Background(), "find planning notes", dataQuery(), testWorkspace, "")
	assert.Empty(t, qctx.Degraded)
	assert.Len(t, qctx.Databases, 3)
	assert.Equal(t, int32(2), reader.listDBCalls.Load())
}

func TestMissingRecordsAreNotDegraded(t *testing.T) {
	reader, clock := newFixture(t)
	e := newTestEngine(t, reader, nil, clock)

	qctx := e.Extract(context.Background(), "sales", dataQuery(), "00000000-0000-0000-0000-000000000000", "nobody")
	assert.Empty(t, qctx.Degraded)
	assert.Nil(t, qctx.Workspace)
	assert.Nil(t, qctx.User)
	assert.Empty(t, qctx.Databases)
}

func TestSnapshotMemoAndExpiry(t *testing.T) {
	reader, clock := newFixture(t)
	e := newTestEngine(t, reader, nil, clock)
	ctx := context.Background()

	first := e.Extract(ctx, "sales", dataQuery(), testWorkspace, "")
	second := e.Extract(ctx, "revenue", dataQuery(), testWorkspace, "")
	assert.Equal(t, int32(1), reader.listDBCalls.Load())
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, first.Fingerprint, e.Fingerprint(ctx, testWorkspace))

	clock.Advance(DefaultSnapshotTTL + time.Second)
	e.Extract(ctx, "sales", dataQuery(), testWorkspace, "")
	assert.Equal(t, int32(2), reader.listDBCalls.Load())
}

func TestFingerprintTracksChanges(t *testing.T) {
	reader, clock := newFixture(t)
	e := newTestEngine(t, reader, nil, clock)
	ctx := context.Background()

	before := e.Fingerprint(ctx, testWorkspace)
	require.NoError(t, reader.PutPage(ctx, models.PageRecord{
		ID: "page-new", WorkspaceID: testWorkspace, Title: "Pricing", UpdatedAt: testNow,
	}))
	assert.Equal(t, before, e.Fingerprint(ctx, testWorkspace), "memoized until invalidated")

	e.Invalidate(testWorkspace)
	assert.NotEqual(t, before, e.Fingerprint(ctx, testWorkspace))
}

type staticHistory struct {
	entries []models.HistoryEntry
	err     error
}

func (s staticHistory) Recent(ctx context.Context, userID, workspaceID string, n int) ([]models.HistoryEntry, error) {
	return s.entries, s.err
}

func TestSessionHistorySlice(t *testing.T) {
	reader, clock := newFixture(t)
	ctx := context.Background()

	withHistory := newTestEngine(t, reader, staticHistory{entries: []models.HistoryEntry{{Query: "total sales", Intent: models.IntentAnalytics}}}, clock)
	qctx := withHistory.Extract(ctx, "sales", dataQuery(), testWorkspace, "u-1")
	require.Len(t, qctx.SessionHistory, 1)
	assert.Equal(t, "total sales", qctx.SessionHistory[0].Query)

	failing := newTestEngine(t, reader, staticHistory{err: errors.New("disk read failed")}, clock)
	qctx = failing.Extract(ctx, "sales", dataQuery(), testWorkspace, "u-1")
	assert.Equal(t, []string{SliceHistory}, qctx.Degraded)
	assert.Empty(t, qctx.SessionHistory)
}

func TestRecencyBonus(t *testing.T) {
	tests := []struct {
		age  time.Duration
		want int
	}{
		{10 * time.Minute, 5},
		{59 * time.Minute, 5},
		{2 * time.Hour, 3},
		{23 * time.Hour, 3},
		{3 * 24 * time.Hour, 1},
		{8 * 24 * time.Hour, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, recencyBonus(tt.age), tt.age.String())
	}
}

func TestConcurrentExtractSharesSnapshot(t *testing.T) {
	reader, clock := newFixture(t)
	e := newTestEngine(t, reader, nil, clock)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			qctx := e.Extract(context.Background(), "sales revenue", dataQuery(), testWorkspace, "u-1")
			assert.Len(t, qctx.Databases, 3)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, reader.listDBCalls.Load(), int32(8))
	assert.GreaterOrEqual(t, reader.listDBCalls.Load(), int32(1))
}

// cancelAwareReader 在调用方上下文取消时返回错误，模拟真实数据库驱动
type cancelAwareReader struct {
	*flakyReader
}

func (c cancelAwareReader) ListDatabases(ctx context.Context, id string) ([]models.DatabaseRecord, error) {
	if err := ctx.Err(); err != nil {
		c.listDBCalls.Add(1)
		return nil, err
	}
	return c.flakyReader.ListDatabases(ctx, id)
}

func TestSnapshotLoadOutlivesCallerCancel(t *testing.T) {
	inner, clock := newFixture(t)
	reader := cancelAwareReader{flakyReader: inner}
	e := newTestEngine(t, reader, nil, clock)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	qctx := e.Extract(cancelled, "sales revenue", dataQuery(), testWorkspace, "")
	assert.NotContains(t, qctx.Degraded, SliceDatabases)
	assert.Len(t, qctx.Databases, 3)

	// 取消的调用方加载的快照同样写入缓存
	qctx = e.Extract(context.Background(), "sales revenue", dataQuery(), testWorkspace, "")
	assert.Empty(t, qctx.Degraded)
	assert.Len(t, qctx.Databases, 3)
	assert.Equal(t, int32(1), inner.listDBCalls.Load())
}
