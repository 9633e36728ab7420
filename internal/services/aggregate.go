package services

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/contextkeeper/workspace-query/internal/engines/fuzzy"
	"github.com/contextkeeper/workspace-query/internal/models"
)

// "by region" / "per product"
var groupByPattern = regexp.MustCompile(`\b(?:by|per)\s+([a-z][a-z0-9_]*)`)

// 行内日期的可接受格式
var dateLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

// numericValue 把行中的值转为数值，不是数值时返回 false
func numericValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func dateValue(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

// aggregate 计算单列聚合，count 统计行数
func aggregate(fn string, column string, rows []models.Row) (float64, int) {
	if fn == "count" {
		return float64(len(rows)), len(rows)
	}

	var sum float64
	n := 0
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, r := range rows {
		v, ok := numericValue(r[column])
		if !ok {
			continue
		}
		sum += v
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
		n++
	}
	if n == 0 {
		return 0, 0
	}

	switch fn {
	case "sum":
		return round2(sum), n
	case "min":
		return lo, n
	case "max":
		return hi, n
	default:
		return round2(sum / float64(n)), n
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// metricColumns 查询中提到的数值列；都没提到时取第一个数值列
func metricColumns(query string, entities []models.Entity, columns []models.ColumnMeta) []string {
	mentioned := make(map[string]bool)
	for _, tok := range fuzzy.Tokenize(query) {
		mentioned[tok] = true
	}
	for _, e := range entities {
		for _, tok := range fuzzy.Tokenize(e.Value) {
			mentioned[tok] = true
		}
	}

	var hits, numeric []string
	for _, c := range columns {
		if c.Type != models.ColumnNumber {
			continue
		}
		numeric = append(numeric, c.Name)
		for _, tok := range fuzzy.Tokenize(c.Name) {
			if mentioned[tok] {
				hits = append(hits, c.Name)
				break
			}
		}
	}
	if len(hits) > 0 {
		return hits
	}
	if len(numeric) > 0 {
		return numeric[:1]
	}
	return nil
}

// groupByColumn 查询里 "by x" 指向的列
func groupByColumn(query string, columns []models.ColumnMeta) string {
	m := groupByPattern.FindStringSubmatch(strings.ToLower(query))
	if m == nil {
		return ""
	}
	want := m[1]
	for _, c := range columns {
		name := strings.ToLower(c.Name)
		if name == want || strings.TrimSuffix(want, "s") == name {
			return c.Name
		}
	}
	return ""
}

// groupSeries 按分组列聚合，标签按首次出现顺序
func groupSeries(fn, groupBy, metric string, rows []models.Row) *models.Series {
	var order []string
	groups := make(map[string][]models.Row)
	for _, r := range rows {
		label, ok := r[groupBy].(string)
		if !ok {
			continue
		}
		if _, seen := groups[label]; !seen {
			order = append(order, label)
		}
		groups[label] = append(groups[label], r)
	}
	if len(order) == 0 {
		return nil
	}

	s := &models.Series{GroupBy: groupBy, Metric: fn + "(" + metric + ")"}
	for _, label := range order {
		v, _ := aggregate(fn, metric, groups[label])
		s.Labels = append(s.Labels, label)
		s.Values = append(s.Values, v)
	}
	return s
}

// filterByTime 按时间窗口过滤行，没有日期列或窗口时原样返回
func filterByTime(rows []models.Row, columns []models.ColumnMeta, tr *models.TimeRange) []models.Row {
	if tr == nil || (tr.Start == nil && tr.End == nil) {
		return rows
	}
	dateCol := ""
	for _, c := range columns {
		if c.Type == models.ColumnDate {
			dateCol = c.Name
			break
		}
	}
	if dateCol == "" {
		return rows
	}

	out := make([]models.Row, 0, len(rows))
	for _, r := range rows {
		t, ok := dateValue(r[dateCol])
		if !ok {
			continue
		}
		if tr.Start != nil && t.Before(*tr.Start) {
			continue
		}
		if tr.End != nil && t.After(*tr.End) {
			continue
		}
		out = append(out, r)
	}
	return out
}
