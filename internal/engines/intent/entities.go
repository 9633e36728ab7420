package intent

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/contextkeeper/workspace-query/internal/models"
)

// 实体类型
const (
	EntityName        = "name"
	EntityDatabase    = "database"
	EntityColumn      = "column"
	EntityAggregation = "aggregation"
	EntityTime        = "time"
)

var (
	quotedPattern     = regexp.MustCompile(`"([^"]+)"|“([^”]+)”|'([^']{2,})'`)
	identifierPattern = regexp.MustCompile(`\b[A-Za-z][A-Za-z0-9]*(?:[_\-][A-Za-z0-9]+)+(?:\.(?:csv|xlsx|xls|json|tsv))?\b|\b[A-Za-z0-9_\-]+\.(?:csv|xlsx|xls|json|tsv)\b`)
	capitalPattern    = regexp.MustCompile(`\b[A-Z][A-Za-z0-9]+\b`)
	relativePattern   = regexp.MustCompile(`\b(?:last|past|previous) (\d+) (day|week|month|year)s?\b`)
	periodPattern     = regexp.MustCompile(`\b(today|yesterday|(?:this|last|previous) (?:week|month|quarter|year))\b`)
)

// aggregationWords 关键词到标准聚合名
var aggregationWords = []struct {
	word string
	agg  string
}{
	{"average", "avg"}, {"avg", "avg"}, {"mean", "avg"},
	{"sum", "sum"}, {"total", "sum"},
	{"count", "count"}, {"how many", "count"}, {"number of", "count"},
	{"maximum", "max"}, {"max", "max"}, {"highest", "max"}, {"largest", "max"},
	{"minimum", "min"}, {"min", "min"}, {"lowest", "min"}, {"smallest", "min"},
}

// KnownAggregations 标准聚合名
var KnownAggregations = map[string]bool{"avg": true, "sum": true, "count": true, "min": true, "max": true}

// 句首大写词中不是实体的常见词
var capitalStopwords = map[string]bool{
	"What": true, "Whats": true, "Show": true, "How": true, "Which": true, "Who": true, "Where": true,
	"When": true, "Why": true, "Tell": true, "Give": true, "List": true, "Find": true, "Please": true,
	"Can": true, "Could": true, "The": true, "I": true, "Is": true, "Are": true, "Do": true, "Does": true,
	"Summarize": true, "Create": true, "Delete": true, "Update": true, "Add": true, "Open": true, "Go": true,
}

// extraction 规则抽取结果
type extraction struct {
	entities     []models.Entity
	aggregations []string
	timeRange    *models.TimeRange
}

// extractEntities 抽取引号短语、标识符、大写词、聚合词及其作用列、时间短语
func extractEntities(query string, now time.Time) extraction {
	var out extraction
	seen := make(map[string]bool)
	add := func(typ, value string, confidence float64) {
		value = strings.TrimSpace(value)
		key := typ + "|" + strings.ToLower(value)
		if value == "" || seen[key] {
			return
		}
		seen[key] = true
		out.entities = append(out.entities, models.Entity{Type: typ, Value: value, Confidence: confidence})
	}

	for _, m := range quotedPattern.FindAllStringSubmatch(query, -1) {
		for _, g := range m[1:] {
			if g != "" {
				add(EntityName, g, 0.9)
			}
		}
	}
	for _, m := range identifierPattern.FindAllString(query, -1) {
		add(EntityDatabase, m, 0.8)
	}
	for _, m := range capitalPattern.FindAllString(query, -1) {
		if !capitalStopwords[m] && !seen[EntityDatabase+"|"+strings.ToLower(m)] {
			add(EntityName, m, 0.6)
		}
	}

	lower := strings.ToLower(query)
	words := wordPattern.FindAllString(lower, -1)
	aggSeen := make(map[string]bool)
	for _, aw := range aggregationWords {
		idx := phraseIndex(words, aw.word)
		if idx < 0 {
			continue
		}
		if !aggSeen[aw.agg] {
			aggSeen[aw.agg] = true
			out.aggregations = append(out.aggregations, aw.agg)
			add(EntityAggregation, aw.agg, 0.9)
		}
		// 聚合词后第一个实义词视为被聚合的列
		span := len(strings.Fields(aw.word))
		for _, w := range words[idx+span:] {
			if fillerWords[w] || w == "of" || w == "a" || w == "all" {
				continue
			}
			if _, isAgg := aggregationLookup(w); !isAgg {
				add(EntityColumn, strings.Trim(w, "'"), 0.7)
			}
			break
		}
	}

	if tr := parseTimeRange(lower, now); tr != nil {
		out.timeRange = tr
		add(EntityTime, tr.Label, 0.9)
	}
	return out
}

func aggregationLookup(word string) (string, bool) {
	for _, aw := range aggregationWords {
		if aw.word == word {
			return aw.agg, true
		}
	}
	return "", false
}

// phraseIndex 词序列中短语首次出现的位置
func phraseIndex(words []string, phrase string) int {
	parts := strings.Fields(phrase)
	for i := 0; i+len(parts) <= len(words); i++ {
		match := true
		for j, p := range parts {
			if words[i+j] != p {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// parseTimeRange 把相对时间短语换算成以 now 为基准的区间
func parseTimeRange(text string, now time.Time) *models.TimeRange {
	if m := relativePattern.FindStringSubmatch(text); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil && n > 0 {
			var start time.Time
			switch m[2] {
			case "day":
				start = now.AddDate(0, 0, -n)
			case "week":
				start = now.AddDate(0, 0, -7*n)
			case "month":
				start = now.AddDate(0, -n, 0)
			case "year":
				start = now.AddDate(-n, 0, 0)
			}
			return timeRange(m[0], start, now)
		}
	}

	label := periodPattern.FindString(text)
	if label == "" {
		return nil
	}
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	weekStart := day.AddDate(0, 0, -((int(day.Weekday()) + 6) % 7))
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	quarterStart := time.Date(now.Year(), time.Month((int(now.Month())-1)/3*3+1), 1, 0, 0, 0, 0, now.Location())
	yearStart := time.Date(now.Year(), 1, 1, 0, 0, 0, 0, now.Location())

	switch strings.Replace(label, "previous", "last", 1) {
	case "today":
		return timeRange(label, day, now)
	case "yesterday":
		return timeRange(label, day.AddDate(0, 0, -1), day)
	case "this week":
		return timeRange(label, weekStart, now)
	case "last week":
		return timeRange(label, weekStart.AddDate(0, 0, -7), weekStart)
	case "this month":
		return timeRange(label, monthStart, now)
	case "last month":
		return timeRange(label, monthStart.AddDate(0, -1, 0), monthStart)
	case "this quarter":
		return timeRange(label, quarterStart, now)
	case "last quarter":
		return timeRange(label, quarterStart.AddDate(0, -3, 0), quarterStart)
	case "this year":
		return timeRange(label, yearStart, now)
	case "last year":
		return timeRange(label, yearStart.AddDate(-1, 0, 0), yearStart)
	}
	return nil
}

func timeRange(label string, start, end time.Time) *models.TimeRange {
	return &models.TimeRange{Label: label, Start: &start, End: &end}
}
