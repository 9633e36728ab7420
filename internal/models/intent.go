package models

import (
	"fmt"
	"time"
)

// Intent 查询意图类别
type Intent string

const (
	IntentDataQuery     Intent = "data_query"
	IntentContentSearch Intent = "content_search"
	IntentAnalytics     Intent = "analytics"
	IntentSummary       Intent = "summary"
	IntentAction        Intent = "action"
	IntentHelp          Intent = "help"
	IntentNavigation    Intent = "navigation"
	IntentGeneral       Intent = "general" // 闲聊、笑话等无需查数据的请求
	IntentUnclear       Intent = "unclear"
)

// AllIntents 返回全部意图，顺序固定
func AllIntents() []Intent {
	return []Intent{
		IntentDataQuery,
		IntentContentSearch,
		IntentAnalytics,
		IntentSummary,
		IntentAction,
		IntentHelp,
		IntentNavigation,
		IntentGeneral,
		IntentUnclear,
	}
}

// Valid 是否为已知意图
func (i Intent) Valid() bool {
	for _, known := range AllIntents() {
		if i == known {
			return true
		}
	}
	return false
}

// ParseIntent 解析意图字符串
func ParseIntent(s string) (Intent, error) {
	intent := Intent(s)
	if !intent.Valid() {
		return IntentUnclear, fmt.Errorf("unknown intent %q", s)
	}
	return intent, nil
}

// FormatPreference 期望的回答形态
type FormatPreference string

const (
	FormatAuto  FormatPreference = "auto"
	FormatTable FormatPreference = "table"
	FormatChart FormatPreference = "chart"
	FormatText  FormatPreference = "text"
	FormatList  FormatPreference = "list"
)

// Valid 是否为已知形态
func (f FormatPreference) Valid() bool {
	switch f {
	case FormatAuto, FormatTable, FormatChart, FormatText, FormatList:
		return true
	}
	return false
}

// ClassificationSource 分类结果来源
type ClassificationSource string

const (
	SourceLLM   ClassificationSource = "llm"
	SourceRules ClassificationSource = "rules"
)

// Entity 从查询中抽取的实体
type Entity struct {
	Type       string  `json:"type"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`

	// 实体解析到具体工作区资源后填充
	MatchedResourceID   string `json:"matchedResourceId,omitempty"`
	MatchedResourceType string `json:"matchedResourceType,omitempty"`
}

// TimeRange 查询涉及的时间窗口
type TimeRange struct {
	Label string     `json:"label"`
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// IntentClassification 单次查询的意图分类结果，生成后不再修改
type IntentClassification struct {
	Intent           Intent               `json:"intent"`
	Confidence       float64              `json:"confidence"`
	Entities         []Entity             `json:"entities"`
	FormatPreference FormatPreference     `json:"formatPreference"`
	Aggregations     []string             `json:"aggregations,omitempty"`
	TimeRange        *TimeRange           `json:"timeRange,omitempty"`
	Source           ClassificationSource `json:"source"`
	Reasoning        string               `json:"reasoning,omitempty"`

	// 低于阈值时由分类器置位，编排层据此走澄清分支
	ClarificationNeeded bool `json:"clarificationNeeded,omitempty"`
}

// NeedsClarification 是否需要向用户澄清
func (c IntentClassification) NeedsClarification() bool {
	return c.ClarificationNeeded
}

// EntityValues 返回实体值列表
func (c IntentClassification) EntityValues() []string {
	values := make([]string, 0, len(c.Entities))
	for _, e := range c.Entities {
		if e.Value != "" {
			values = append(values, e.Value)
		}
	}
	return values
}

// HistoryEntry 会话中的一条历史查询
type HistoryEntry struct {
	Query     string    `json:"query"`
	Intent    Intent    `json:"intent"`
	Timestamp time.Time `json:"timestamp"`
}
