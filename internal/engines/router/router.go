package router

import (
	"fmt"
	"strings"

	"github.com/contextkeeper/workspace-query/internal/engines/intent"
	"github.com/contextkeeper/workspace-query/internal/models"
)

const (
	// WeakSignalScore 低于该相关度时数据查询附带内容检索
	WeakSignalScore = 5
	// DominanceScore 摘要类请求判断哪一侧占优的分数线
	DominanceScore = 5
	// BestEffortConfidence 无法明确归类时混合检索的置信度
	BestEffortConfidence = 0.5

	fallbackSearchConfidence = 0.4
	maxRouteTargets          = 3
	maxSearchPages           = 5
)

// Route 根据意图与上下文选择执行路径
// 纯函数：不做 I/O，相同输入总是得到相同结果
func Route(query string, c models.IntentClassification, qctx *models.QueryContext) models.RouteDecision {
	if qctx == nil {
		qctx = &models.QueryContext{}
	}
	if c.NeedsClarification() {
		return models.RouteDecision{
			Primary:    models.RouteDirectResponse,
			Confidence: c.Confidence,
			Reasoning:  fmt.Sprintf("classification confidence %.2f is below the clarification threshold; asking the user to rephrase", c.Confidence),
			Parameters: models.RouteParameters{ResponseHint: models.HintClarification},
		}
	}

	switch c.Intent {
	case models.IntentDataQuery:
		return routeDataQuery(query, c, qctx)
	case models.IntentContentSearch:
		return routeContentSearch(query, c, qctx)
	case models.IntentAnalytics:
		return routeAnalytics(c, qctx)
	case models.IntentSummary:
		return routeSummary(query, c, qctx)
	case models.IntentAction:
		return routeAction(query, c, qctx)
	case models.IntentHelp:
		return direct(c, models.HintHelp, "help request answered directly without backend lookup")
	case models.IntentNavigation:
		return direct(c, models.HintNavigation, "navigation request answered directly without backend lookup")
	case models.IntentGeneral:
		return direct(c, models.HintGeneral, "general conversation does not need workspace data")
	case models.IntentUnclear:
		return bestEffort(query, c, qctx, "intent unclear")
	default:
		return bestEffort(query, c, qctx, fmt.Sprintf("unrecognised intent %q", c.Intent))
	}
}

func routeDataQuery(query string, c models.IntentClassification, qctx *models.QueryContext) models.RouteDecision {
	dbIDs := relevantDatabaseIDs(qctx)
	if len(dbIDs) == 0 {
		return models.RouteDecision{
			Primary:    models.RouteContentSearch,
			Confidence: fallbackSearchConfidence,
			Reasoning:  "data query but no database scored above zero; falling back to content search",
			Parameters: models.RouteParameters{
				PageIDs:     searchPageIDs(qctx),
				SearchQuery: searchQuery(query, c),
				TimeRange:   c.TimeRange,
			},
		}
	}

	top := qctx.TopDatabaseScore()
	d := models.RouteDecision{
		Primary:    models.RouteDatabaseQuery,
		Confidence: min(float64(top)/10, 1.0),
		Reasoning:  fmt.Sprintf("data query; top database %q scored %d", qctx.Databases[0].Name, top),
		Parameters: models.RouteParameters{
			DatabaseIDs:  dbIDs,
			Aggregations: c.Aggregations,
			TimeRange:    c.TimeRange,
		},
	}
	if top < WeakSignalScore {
		d.Secondary = models.RouteRef(models.RouteContentSearch)
		d.Parameters.IncludeRAG = true
		d.Parameters.PageIDs = searchPageIDs(qctx)
		d.Parameters.SearchQuery = searchQuery(query, c)
		d.Reasoning += fmt.Sprintf(" (below %d, adding content search as a secondary path)", WeakSignalScore)
	}
	return d
}

func routeContentSearch(query string, c models.IntentClassification, qctx *models.QueryContext) models.RouteDecision {
	pageIDs := searchPageIDs(qctx)
	return models.RouteDecision{
		Primary:    models.RouteContentSearch,
		Confidence: clamp(c.Confidence),
		Reasoning:  fmt.Sprintf("content search over %d candidate pages", len(pageIDs)),
		Parameters: models.RouteParameters{
			PageIDs:     pageIDs,
			SearchQuery: searchQuery(query, c),
			TimeRange:   c.TimeRange,
		},
	}
}

func routeAnalytics(c models.IntentClassification, qctx *models.QueryContext) models.RouteDecision {
	var analyzable []models.DatabaseContext
	for _, db := range qctx.Databases {
		if db.HasAnalyzableColumn() {
			analyzable = append(analyzable, db)
		}
	}
	if len(analyzable) == 0 {
		return models.RouteDecision{
			Primary:    models.RouteDirectResponse,
			Confidence: clamp(c.Confidence),
			Reasoning:  "analytics requested but no database has a numeric or date column",
			Parameters: models.RouteParameters{ResponseHint: models.HintNoAnalyzableData},
		}
	}

	// 有相关度时只取相关的，否则取最靠前的一个
	var ids []string
	for _, db := range analyzable {
		if db.RelevanceScore > 0 && len(ids) < maxRouteTargets {
			ids = append(ids, db.ID)
		}
	}
	if len(ids) == 0 {
		ids = []string{analyzable[0].ID}
	}

	aggregations := c.Aggregations
	if len(aggregations) == 0 {
		aggregations = []string{"count"}
	}
	return models.RouteDecision{
		Primary:    models.RouteAnalyticsAggregation,
		Confidence: clamp(c.Confidence),
		Reasoning:  fmt.Sprintf("analytics over %d database(s) with numeric/date columns; top %q", len(ids), analyzable[0].Name),
		Parameters: models.RouteParameters{
			DatabaseIDs:  ids,
			Aggregations: aggregations,
			TimeRange:    c.TimeRange,
		},
	}
}

func routeSummary(query string, c models.IntentClassification, qctx *models.QueryContext) models.RouteDecision {
	topDB, topPage := qctx.TopDatabaseScore(), qctx.TopPageScore()
	switch {
	case topDB > DominanceScore && topDB >= topPage:
		return models.RouteDecision{
			Primary:    models.RouteDatabaseQuery,
			Confidence: clamp(c.Confidence),
			Reasoning:  fmt.Sprintf("summary dominated by data context (db %d vs page %d)", topDB, topPage),
			Parameters: models.RouteParameters{
				DatabaseIDs:  relevantDatabaseIDs(qctx),
				Aggregations: c.Aggregations,
				TimeRange:    c.TimeRange,
			},
		}
	case topPage > DominanceScore && topPage > topDB:
		return models.RouteDecision{
			Primary:    models.RouteContentSearch,
			Confidence: clamp(c.Confidence),
			Reasoning:  fmt.Sprintf("summary dominated by page context (page %d vs db %d)", topPage, topDB),
			Parameters: models.RouteParameters{
				PageIDs:     searchPageIDs(qctx),
				SearchQuery: searchQuery(query, c),
				TimeRange:   c.TimeRange,
			},
		}
	}
	return models.RouteDecision{
		Primary:    models.RouteHybridSearch,
		Confidence: min(clamp(c.Confidence), 0.6),
		Reasoning:  fmt.Sprintf("summary with mixed or weak signals (db %d, page %d); searching both", topDB, topPage),
		Parameters: models.RouteParameters{
			DatabaseIDs: relevantDatabaseIDs(qctx),
			PageIDs:     searchPageIDs(qctx),
			SearchQuery: searchQuery(query, c),
			TimeRange:   c.TimeRange,
		},
	}
}

func routeAction(query string, c models.IntentClassification, qctx *models.QueryContext) models.RouteDecision {
	verb := intent.ActionVerbOf(strings.Join(c.EntityValues(), " "))
	if verb == models.ActionUnknown {
		verb = intent.ActionVerbOf(query)
	}
	var targets []string
	if ids := relevantDatabaseIDs(qctx); len(ids) > 0 {
		targets = ids[:1]
	}
	return models.RouteDecision{
		Primary:    models.RouteActionExecution,
		Confidence: clamp(c.Confidence),
		Reasoning:  fmt.Sprintf("action request with verb %s; confirmation required before any change", verb),
		Parameters: models.RouteParameters{
			ActionVerb:  verb,
			DatabaseIDs: targets,
			SearchQuery: searchQuery(query, c),
		},
	}
}

func direct(c models.IntentClassification, hint, reasoning string) models.RouteDecision {
	return models.RouteDecision{
		Primary:    models.RouteDirectResponse,
		Confidence: clamp(c.Confidence),
		Reasoning:  reasoning,
		Parameters: models.RouteParameters{ResponseHint: hint},
	}
}

func bestEffort(query string, c models.IntentClassification, qctx *models.QueryContext, why string) models.RouteDecision {
	return models.RouteDecision{
		Primary:    models.RouteHybridSearch,
		Confidence: BestEffortConfidence,
		Reasoning:  why + "; best-effort hybrid search over pages and databases",
		Parameters: models.RouteParameters{
			DatabaseIDs: relevantDatabaseIDs(qctx),
			PageIDs:     searchPageIDs(qctx),
			SearchQuery: searchQuery(query, c),
			TimeRange:   c.TimeRange,
			BestEffort:  true,
		},
	}
}

// =============================================================================
// 参数辅助
// =============================================================================

// relevantDatabaseIDs 相关度大于零的前几个数据库
func relevantDatabaseIDs(qctx *models.QueryContext) []string {
	var ids []string
	for _, db := range qctx.Databases {
		if db.RelevanceScore <= 0 || len(ids) == maxRouteTargets {
			break
		}
		ids = append(ids, db.ID)
	}
	return ids
}

// searchPageIDs 优先取相关页面，没有时取全部候选的前几个
func searchPageIDs(qctx *models.QueryContext) []string {
	var relevant, all []string
	for _, p := range qctx.Pages {
		if len(all) < maxSearchPages {
			all = append(all, p.ID)
		}
		if p.RelevanceScore > 0 && len(relevant) < maxSearchPages {
			relevant = append(relevant, p.ID)
		}
	}
	if len(relevant) > 0 {
		return relevant
	}
	return all
}

// searchQuery 实体值拼接成检索串，没有实体时用原查询
func searchQuery(query string, c models.IntentClassification) string {
	var parts []string
	for _, e := range c.Entities {
		if e.Type == intent.EntityAggregation || e.Type == intent.EntityTime || e.Value == "" {
			continue
		}
		parts = append(parts, e.Value)
	}
	if len(parts) == 0 {
		return strings.TrimSpace(query)
	}
	return strings.Join(parts, " ")
}

func clamp(v float64) float64 {
	return max(0, min(v, 1))
}
