package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextkeeper/workspace-query/internal/models"
	"github.com/contextkeeper/workspace-query/internal/store"
)

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "3", formatValue(3))
	assert.Equal(t, "-12", formatValue(-12))
	assert.Equal(t, "2.50", formatValue(2.5))
	assert.Equal(t, "6.67", formatValue(20.0/3))
}

func TestPercentile(t *testing.T) {
	var sorted []time.Duration
	for i := 1; i <= 10; i++ {
		sorted = append(sorted, time.Duration(i)*time.Millisecond)
	}

	assert.Equal(t, 5*time.Millisecond, percentile(sorted, 0.50))
	assert.Equal(t, 10*time.Millisecond, percentile(sorted, 0.95))
	assert.Equal(t, 1*time.Millisecond, percentile(sorted, 0))
	assert.Equal(t, time.Duration(0), percentile(nil, 0.5))
}

func TestSummarize(t *testing.T) {
	samples := []benchSample{
		{latency: 4 * time.Millisecond, success: true, route: "database_query"},
		{latency: 1 * time.Millisecond, success: true, cached: true, route: "database_query"},
		{latency: 2 * time.Millisecond, success: true, route: "content_search"},
		{latency: 8 * time.Millisecond, success: false},
	}

	r := summarize(samples)
	assert.Equal(t, 4, r.Queries)
	assert.Equal(t, 2*time.Millisecond, r.P50)
	assert.Equal(t, 8*time.Millisecond, r.Max)
	assert.InDelta(t, 75.0, r.SuccessRate, 0.001)
	assert.Equal(t, 1, r.CacheHits)
	assert.InDelta(t, 0.25, r.HitRatio, 0.001)
	assert.Equal(t, map[string]int{"database_query": 2, "content_search": 1}, r.ByRoute)

	empty := summarize(nil)
	assert.Equal(t, 0, empty.Queries)
}

func TestGenerateQueries(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryWorkspaceStore()
	seeded, err := store.SeedDemo(ctx, mem, store.SeedOptions{Seed: 3, RowsPerDB: 5})
	require.NoError(t, err)
	dbs, err := mem.ListDatabases(ctx, seeded.WorkspaceID)
	require.NoError(t, err)
	pages, err := mem.ListPages(ctx, seeded.WorkspaceID)
	require.NoError(t, err)

	first := generateQueries(gofakeit.New(9), dbs, pages, 12)
	second := generateQueries(gofakeit.New(9), dbs, pages, 12)
	assert.Equal(t, first, second, "same seed gives the same pool")
	assert.NotEmpty(t, first)
	assert.LessOrEqual(t, len(first), 12)

	seen := map[string]bool{}
	for _, q := range first {
		assert.False(t, seen[q], "duplicate query %q", q)
		seen[q] = true
	}

	assert.Equal(t, []string{"help"}, generateQueries(gofakeit.New(1), nil, nil, 3))
}

func TestRenderResponse(t *testing.T) {
	resp := models.QueryResponse{
		Success: true,
		Cached:  true,
		Response: &models.StructuredResponse{
			Blocks: []models.Block{
				models.TextBlock{Text: "Average revenue is 120."},
				models.InsightBlock{Label: "Average revenue", Value: 120, Detail: "40 rows"},
				models.TableBlock{Title: "sales_data.csv", Columns: []string{"region", "revenue"}, Rows: [][]interface{}{{"west", 100}}},
				models.ChartBlock{Title: "Revenue by region", ChartType: "bar", Labels: []string{"west"}, Values: []float64{100.5}},
				models.ListBlock{Title: "Pages", Items: []models.ListItem{{Title: "Pricing Strategy", Snippet: "pricing review"}}},
				models.ActionConfirmationBlock{Verb: "delete", Description: "Delete rows from sales_data.csv"},
				models.ErrorBlock{Category: "timeout", Message: "Took too long.", Suggestions: []string{"Try again"}},
			},
			Metadata: models.ResponseMetadata{
				DataSources:       []string{"sales_data.csv"},
				FollowUpQuestions: []string{"How does it compare to last month?"},
			},
		},
		Performance: models.PerformanceMetrics{TotalTimeMs: 12},
	}

	var buf bytes.Buffer
	renderResponse(&buf, resp)
	out := buf.String()

	for _, want := range []string{
		"Average revenue is 120.\n",
		"* Average revenue: 120 (40 rows)\n",
		"== sales_data.csv ==\nregion | revenue\nwest | 100\n",
		"[bar chart] Revenue by region\n",
		"100.50",
		"Pages:\n  - Pricing Strategy: pricing review\n",
		"[confirm delete] Delete rows from sales_data.csv\n",
		"error (timeout): Took too long.\n  - Try again\n",
		"sources: sales_data.csv\n",
		"next: How does it compare to last month?\n",
		"(12ms, cached)\n",
	} {
		assert.Contains(t, out, want)
	}
}

func TestRenderMatches(t *testing.T) {
	var buf bytes.Buffer
	renderMatches(&buf, models.FileMatchResponse{})
	assert.Equal(t, "no matching files\n", buf.String())

	buf.Reset()
	hit := models.FileMatchResult{File: models.FileCandidate{Name: "sales_data.csv"}, Confidence: 0.9, MatchType: "exact"}
	renderMatches(&buf, models.FileMatchResponse{Results: []models.FileMatchResult{hit}, AutoSelect: &hit})
	assert.Contains(t, buf.String(), "sales_data.csv")
	assert.Contains(t, buf.String(), "auto-select: sales_data.csv\n")
}

func TestRunBench(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "none")
	t.Setenv("WORKSPACE_STORE_TYPE", "memory")
	t.Setenv("STORAGE_PATH", t.TempDir())

	var progress bytes.Buffer
	report, err := runBench(context.Background(), benchOptions{
		count:          20,
		distinct:       5,
		concurrency:    2,
		seed:           11,
		extraDatabases: 2,
		extraPages:     2,
		rowsPerDB:      20,
	}, &progress)
	require.NoError(t, err)

	assert.Equal(t, 20, report.Queries)
	assert.LessOrEqual(t, report.Distinct, 5)
	assert.LessOrEqual(t, report.P50, report.P95)
	assert.LessOrEqual(t, report.P95, report.Max)
	assert.Equal(t, 2, report.Concurrency)

	_, err = runBench(context.Background(), benchOptions{count: 0}, &progress)
	assert.Error(t, err)
}
