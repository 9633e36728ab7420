package composer

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/contextkeeper/workspace-query/internal/models"
)

const (
	DefaultMaxTableRows = 50
	maxFollowUps        = 3
	maxChartPoints      = 20
)

// ComposeOptions 组装选项
type ComposeOptions struct {
	MaxTableRows int
	// 上下文存在降级切片
	Partial bool
}

// Composer 把执行结果转换为结构化响应，无状态，可并发使用
type Composer struct {
	printer *message.Printer
}

// NewComposer 创建组装器
func NewComposer() *Composer {
	return &Composer{printer: message.NewPrinter(language.English)}
}

var aggregateLabels = map[string]string{
	"avg":   "Average",
	"sum":   "Total",
	"count": "Count",
	"min":   "Minimum",
	"max":   "Maximum",
}

// 各意图的后续问题
var followUpsByIntent = map[models.Intent][]string{
	models.IntentDataQuery:     {"Show this as a chart", "Break this down by another column", "Which rows changed most recently?"},
	models.IntentAnalytics:     {"Compare this with the previous period", "Show the trend over time", "Which group contributes the most?"},
	models.IntentContentSearch: {"Summarize the top page", "Find related pages", "Show pages updated this week"},
	models.IntentSummary:       {"Go deeper on the main point", "Show the underlying data", "List the key action items"},
	models.IntentAction:        {"Show what will be affected", "Cancel this request"},
	models.IntentHelp:          {"What can I ask about my data?", "How do I find a page?", "How do I calculate an average?"},
	models.IntentNavigation:    {"Open the most recent page", "List all databases"},
	models.IntentGeneral:       {"Ask a question about your workspace data"},
	models.IntentUnclear:       {"Ask about a specific database", "Search your pages for a topic", "Show example questions"},
}

var noResultSuggestions = []string{
	"Try naming the database or page you mean",
	"Check the spelling of file or column names",
	"Ask a broader question",
}

// =============================================================================
// 组装
// =============================================================================

// Compose 按结果内容生成有序的内容块
// 顺序：动作确认、指标、叙述、图表、表格、页面列表、文本
func (c *Composer) Compose(cls models.IntentClassification, decision models.RouteDecision, result *models.ExecutionResult, opts ComposeOptions) models.StructuredResponse {
	if opts.MaxTableRows <= 0 {
		opts.MaxTableRows = DefaultMaxTableRows
	}

	resp := models.StructuredResponse{
		Blocks: []models.Block{},
		Metadata: models.ResponseMetadata{
			Confidence:        decision.Confidence,
			DataSources:       []string{},
			Suggestions:       []string{},
			FollowUpQuestions: followUps(cls.Intent),
			BestEffort:        decision.Parameters.BestEffort,
			Route:             decision.Primary,
			Partial:           opts.Partial,
		},
	}

	if result.IsEmpty() {
		resp.Blocks = append(resp.Blocks, models.TextBlock{Text: "I couldn't find anything in this workspace that matches your question."})
		resp.Metadata.Suggestions = append(resp.Metadata.Suggestions, noResultSuggestions...)
		c.annotate(&resp, decision, opts)
		return resp
	}
	resp.Metadata.DataSources = dedupe(result.DataSources)

	if result.Action != nil {
		resp.Blocks = append(resp.Blocks, models.ActionConfirmationBlock{
			Verb:        result.Action.Verb,
			Target:      result.Action.Target,
			Description: result.Action.Description,
			RequiresAck: true,
		})
	}

	if len(result.Aggregates) > 0 {
		segments := []string{c.lead(result)}
		for _, agg := range result.Aggregates {
			resp.Blocks = append(resp.Blocks, models.InsightBlock{
				Label:  aggregateLabel(agg),
				Metric: agg.Function,
				Value:  agg.Value,
				Detail: c.printer.Sprintf("%d rows in %s", agg.Count, agg.Database),
			})
			segments = append(segments, c.describe(agg))
		}
		resp.Blocks = append(resp.Blocks, models.TextBlock{Text: JoinNarrative(segments...)})
	}

	if chart, ok := c.chart(cls, result); ok {
		resp.Blocks = append(resp.Blocks, chart)
	}

	if len(result.Rows) > 0 {
		resp.Blocks = append(resp.Blocks, table(result, opts.MaxTableRows))
	}

	if len(result.Pages) > 0 {
		items := make([]models.ListItem, 0, len(result.Pages))
		for _, p := range result.Pages {
			items = append(items, models.ListItem{ID: p.ID, Title: p.Title, Snippet: p.Snippet, Score: p.Score})
		}
		resp.Blocks = append(resp.Blocks, models.ListBlock{Title: "Matching pages", Items: items})
	}

	if result.Text != "" {
		resp.Blocks = append(resp.Blocks, models.TextBlock{Text: result.Text})
	}

	c.annotate(&resp, decision, opts)
	return resp
}

// annotate 尽力而为与部分上下文的提示
func (c *Composer) annotate(resp *models.StructuredResponse, decision models.RouteDecision, opts ComposeOptions) {
	if decision.Parameters.BestEffort {
		resp.Metadata.Suggestions = append(resp.Metadata.Suggestions, "Name a specific database or page for a more precise answer")
	}
	if opts.Partial {
		resp.Metadata.Suggestions = append(resp.Metadata.Suggestions, "Some workspace data could not be loaded; retry for complete results")
	}
}

// ComposeError 错误响应，debug 为 true 时附带原始错误
func (c *Composer) ComposeError(classified models.ClassifiedError, debug bool) models.StructuredResponse {
	suggestions := classified.Suggestions
	if len(suggestions) == 0 {
		suggestions = []string{"Try again in a moment"}
		classified.Suggestions = suggestions
	}
	return models.StructuredResponse{
		Blocks: []models.Block{classified.ToBlock(debug)},
		Metadata: models.ResponseMetadata{
			DataSources:       []string{},
			Suggestions:       append([]string(nil), suggestions...),
			FollowUpQuestions: []string{},
		},
	}
}

// ComposeClarification 置信度不足时请用户换个说法
func (c *Composer) ComposeClarification(cls models.IntentClassification) models.StructuredResponse {
	return models.StructuredResponse{
		Blocks: []models.Block{
			models.TextBlock{Text: "I'm not sure what you're asking. Could you rephrase it, or name the database or page you have in mind?"},
		},
		Metadata: models.ResponseMetadata{
			Confidence:  cls.Confidence,
			DataSources: []string{},
			Suggestions: []string{
				"Ask about a specific database, e.g. \"What's the average revenue in sales_data?\"",
				"Search your pages, e.g. \"Find the Q3 planning notes\"",
				"Type \"help\" to see what I can do",
			},
			FollowUpQuestions: followUps(models.IntentUnclear),
			Route:             models.RouteDirectResponse,
		},
	}
}

// =============================================================================
// 块构造
// =============================================================================

func (c *Composer) lead(result *models.ExecutionResult) string {
	if len(result.DataSources) == 0 {
		return "Here is what I found,"
	}
	return fmt.Sprintf("Here is what I found in %s,", strings.Join(dedupe(result.DataSources), ", "))
}

func (c *Composer) describe(agg models.AggregateValue) string {
	label := strings.ToLower(aggregateLabel(agg))
	if agg.Function == "count" {
		return c.printer.Sprintf("the count of %s is %d.", agg.Column, int(agg.Value))
	}
	return c.printer.Sprintf("the %s is %.2f across %d rows.", label, agg.Value, agg.Count)
}

func aggregateLabel(agg models.AggregateValue) string {
	name, ok := aggregateLabels[agg.Function]
	if !ok {
		name = strings.ToUpper(agg.Function)
	}
	if agg.Function == "count" {
		return name + " of " + agg.Column
	}
	return name + " " + agg.Column
}

func table(result *models.ExecutionResult, limit int) models.TableBlock {
	columns := result.Columns
	if len(columns) == 0 {
		columns = rowColumns(result.Rows)
	}
	rows := result.Rows
	if len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([][]interface{}, 0, len(rows))
	for _, r := range rows {
		line := make([]interface{}, len(columns))
		for i, col := range columns {
			line[i] = r[col]
		}
		out = append(out, line)
	}
	tb := models.TableBlock{Title: result.Title, Columns: columns, Rows: out}
	if len(result.DataSources) > 0 {
		tb.Source = result.DataSources[0]
	}
	return tb
}

// chart 分组序列直接成图；偏好图表时从行数据中取第一列文本和第一列数值
func (c *Composer) chart(cls models.IntentClassification, result *models.ExecutionResult) (models.ChartBlock, bool) {
	if s := result.Series; s != nil && len(s.Labels) > 0 {
		return models.ChartBlock{
			Title:     fmt.Sprintf("%s by %s", s.Metric, s.GroupBy),
			ChartType: "bar",
			Labels:    s.Labels,
			Values:    s.Values,
			XField:    s.GroupBy,
			YField:    s.Metric,
		}, true
	}
	if cls.FormatPreference != models.FormatChart || len(result.Rows) == 0 {
		return models.ChartBlock{}, false
	}

	columns := result.Columns
	if len(columns) == 0 {
		columns = rowColumns(result.Rows)
	}
	labelCol, valueCol := "", ""
	first := result.Rows[0]
	for _, col := range columns {
		switch first[col].(type) {
		case string:
			if labelCol == "" {
				labelCol = col
			}
		case float64, int, int64:
			if valueCol == "" {
				valueCol = col
			}
		}
	}
	if labelCol == "" || valueCol == "" {
		return models.ChartBlock{}, false
	}

	chart := models.ChartBlock{
		Title:     fmt.Sprintf("%s by %s", valueCol, labelCol),
		ChartType: "bar",
		XField:    labelCol,
		YField:    valueCol,
	}
	for i, r := range result.Rows {
		if i == maxChartPoints {
			break
		}
		v, ok := toFloat(r[valueCol])
		if !ok {
			continue
		}
		chart.Labels = append(chart.Labels, fmt.Sprint(r[labelCol]))
		chart.Values = append(chart.Values, v)
	}
	return chart, len(chart.Labels) > 0
}

func rowColumns(rows []models.Row) []string {
	if len(rows) == 0 {
		return nil
	}
	seen := make(map[string]bool)
	var cols []string
	for _, r := range rows {
		for k := range r {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	sort.Strings(cols)
	return cols
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func followUps(intent models.Intent) []string {
	list := followUpsByIntent[intent]
	if len(list) > maxFollowUps {
		list = list[:maxFollowUps]
	}
	return append([]string{}, list...)
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
