package intent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextkeeper/workspace-query/internal/llm"
	"github.com/contextkeeper/workspace-query/internal/models"
	"github.com/contextkeeper/workspace-query/internal/resilience"
)

// 2025-05-14 是周三
var testNow = time.Date(2025, 5, 14, 10, 0, 0, 0, time.UTC)

func noWaitPolicy() resilience.RetryPolicy {
	p := resilience.DefaultRetryPolicy()
	p.Sleeper = func(ctx context.Context, d time.Duration) error { return nil }
	return p
}

func newTestClassifier(client llm.LLMClient) *Classifier {
	return NewClassifier(client, nil,
		WithClock(func() time.Time { return testNow }),
		WithRetryPolicy(noWaitPolicy()),
	)
}

func hasEntity(entities []models.Entity, typ, value string) bool {
	for _, e := range entities {
		if e.Type == typ && strings.EqualFold(e.Value, value) {
			return true
		}
	}
	return false
}

func TestAverageRevenueIsDataQuery(t *testing.T) {
	c := newTestClassifier(nil)
	got := c.Classify(context.Background(), "What's the average revenue?", nil)

	assert.Equal(t, models.IntentDataQuery, got.Intent)
	assert.GreaterOrEqual(t, got.Confidence, 0.6)
	assert.Equal(t, []string{"avg"}, got.Aggregations)
	assert.True(t, hasEntity(got.Entities, EntityColumn, "revenue"))
	assert.False(t, got.NeedsClarification())
	assert.Equal(t, models.SourceRules, got.Source)
}

func TestJokeIsGeneral(t *testing.T) {
	c := newTestClassifier(nil)
	got := c.Classify(context.Background(), "Tell me a joke", nil)

	assert.Equal(t, models.IntentGeneral, got.Intent)
	assert.False(t, got.NeedsClarification())
	assert.NotEmpty(t, got.Reasoning)
}

func TestRuleFallback(t *testing.T) {
	tests := []struct {
		query   string
		intent  models.Intent
		clarify bool
	}{
		{"", models.IntentUnclear, true},
		{"asdfghjkl qwrtzp", models.IntentUnclear, true},
		{"hello", models.IntentGeneral, false},
		{"how do I share a page?", models.IntentHelp, false},
		{"go to the roadmap page", models.IntentNavigation, false},
		{"create a new database for leads", models.IntentAction, false},
		{"please delete the old notes", models.IntentAction, false},
		{"show revenue trend by month", models.IntentAnalytics, false},
		{"total sales per region", models.IntentAnalytics, false},
		{"summarize the onboarding notes", models.IntentSummary, false},
		{"how many rows are in orders", models.IntentDataQuery, false},
		{"find notes about pricing", models.IntentContentSearch, false},
		{"show me some stuff", models.IntentUnclear, true},
		{"quarterly vendor onboarding", models.IntentUnclear, false},
	}

	c := newTestClassifier(nil)
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got := c.Classify(context.Background(), tt.query, nil)
			assert.Equal(t, tt.intent, got.Intent)
			assert.Equal(t, tt.clarify, got.NeedsClarification(), "confidence %.2f", got.Confidence)
			assert.NotEmpty(t, got.Reasoning)
		})
	}
}

func TestClassifyWithCompletion(t *testing.T) {
	client := llm.NewMockClient(llm.MockReply{Content: `Here you go:
{"intent":"analytics","confidence":0.82,"entities":[{"type":"column","value":"revenue","confidence":0.9}],
 "format_preference":"chart","aggregations":["average"],"reasoning":"trend over regions"}`})
	c := newTestClassifier(client)

	history := []models.HistoryEntry{{Query: "list all databases", Intent: models.IntentDataQuery, Timestamp: testNow}}
	got := c.Classify(context.Background(), "average revenue by region last quarter", history)

	assert.Equal(t, models.SourceLLM, got.Source)
	assert.Equal(t, models.IntentAnalytics, got.Intent)
	assert.Equal(t, 0.82, got.Confidence)
	assert.Equal(t, models.FormatChart, got.FormatPreference)
	assert.Equal(t, []string{"avg"}, got.Aggregations)
	require.NotNil(t, got.TimeRange)
	assert.Equal(t, "last quarter", got.TimeRange.Label)

	assert.Equal(t, 1, client.Calls())
	req := client.LastRequest()
	require.NotNil(t, req)
	assert.Equal(t, llm.FormatJSON, req.Format)
	assert.NotNil(t, req.Schema)
	assert.Contains(t, req.Prompt, "list all databases")
	assert.Contains(t, req.Prompt, "average revenue by region")
}

func TestInvalidCompletionFallsBackToRules(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown intent", `{"intent":"weather","confidence":0.9}`},
		{"confidence out of range", `{"intent":"analytics","confidence":7}`},
		{"no json", `I think this is small talk.`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := llm.NewMockClient(llm.MockReply{Content: tt.content})
			got := newTestClassifier(client).Classify(context.Background(), "Tell me a joke", nil)
			assert.Equal(t, models.SourceRules, got.Source)
			assert.Equal(t, models.IntentGeneral, got.Intent)
			assert.Equal(t, 1, client.Calls())
		})
	}
}

func TestRetryableCompletionErrors(t *testing.T) {
	client := llm.NewMockClient(llm.MockReply{Err: &llm.LLMError{
		Provider:  llm.ProviderOpenAI,
		Code:      llm.CodeRateLimitExceeded,
		Message:   "rate limit exceeded",
		Retryable: true,
	}})
	got := newTestClassifier(client).Classify(context.Background(), "What's the average revenue?", nil)

	assert.Equal(t, 3, client.Calls(), "MaxRetries=2 allows three attempts")
	assert.Equal(t, models.SourceRules, got.Source)
	assert.Equal(t, models.IntentDataQuery, got.Intent)
}

func TestRetryThenSuccess(t *testing.T) {
	client := llm.NewMockClient(
		llm.MockReply{Err: &llm.LLMError{Code: llm.CodeTimeout, Message: "request timeout", Retryable: true}},
		llm.MockReply{Content: `{"intent":"summary","confidence":0.9,"entities":[],"format_preference":"text","aggregations":[],"reasoning":"asks for recap"}`},
	)
	got := newTestClassifier(client).Classify(context.Background(), "recap this week", nil)

	assert.Equal(t, 2, client.Calls())
	assert.Equal(t, models.SourceLLM, got.Source)
	assert.Equal(t, models.IntentSummary, got.Intent)
}

func TestAuthErrorNotRetried(t *testing.T) {
	client := llm.NewMockClient(llm.MockReply{Err: &llm.LLMError{Code: llm.CodeUnauthorized, Message: "invalid api key"}})
	got := newTestClassifier(client).Classify(context.Background(), "find notes about pricing", nil)

	assert.Equal(t, 1, client.Calls())
	assert.Equal(t, models.IntentContentSearch, got.Intent)
}

func TestThresholdOption(t *testing.T) {
	c := NewClassifier(nil, nil, WithThreshold(0.8))
	got := c.Classify(context.Background(), "find notes about pricing", nil)
	assert.True(t, got.NeedsClarification())
}

func TestParseTimeRange(t *testing.T) {
	day := func(m time.Month, d int) time.Time { return time.Date(2025, m, d, 0, 0, 0, 0, time.UTC) }
	tests := []struct {
		text       string
		start, end time.Time
	}{
		{"revenue today", day(5, 14), testNow},
		{"orders yesterday", day(5, 13), day(5, 14)},
		{"signups last week", day(5, 5), day(5, 12)},
		{"this month so far", day(5, 1), testNow},
		{"revenue last quarter", day(1, 1), day(4, 1)},
		{"spend last year", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), day(1, 1)},
		{"tickets in the last 7 days", testNow.AddDate(0, 0, -7), testNow},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			tr := parseTimeRange(tt.text, testNow)
			require.NotNil(t, tr)
			assert.True(t, tt.start.Equal(*tr.Start), "start %s", tr.Start)
			assert.True(t, tt.end.Equal(*tr.End), "end %s", tr.End)
		})
	}
	assert.Nil(t, parseTimeRange("revenue by region", testNow))
}

func TestExtractEntities(t *testing.T) {
	ex := extractEntities(`compare "Q3 Plan" with sales_data.csv and the max price`, testNow)

	assert.True(t, hasEntity(ex.entities, EntityName, "Q3 Plan"))
	assert.True(t, hasEntity(ex.entities, EntityDatabase, "sales_data.csv"))
	assert.True(t, hasEntity(ex.entities, EntityAggregation, "max"))
	assert.True(t, hasEntity(ex.entities, EntityColumn, "price"))
	assert.Equal(t, []string{"max"}, ex.aggregations)
	assert.Nil(t, ex.timeRange)
}

func TestActionVerbOf(t *testing.T) {
	assert.Equal(t, models.ActionDelete, ActionVerbOf("remove the row"))
	assert.Equal(t, models.ActionCreate, ActionVerbOf("Add a page"))
	assert.Equal(t, models.ActionUpdate, ActionVerbOf("rename column"))
	assert.Equal(t, models.ActionUnknown, ActionVerbOf("archiving is fun"))
}
