package intent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/contextkeeper/workspace-query/internal/llm"
	"github.com/contextkeeper/workspace-query/internal/models"
	"github.com/contextkeeper/workspace-query/internal/resilience"
	"github.com/contextkeeper/workspace-query/internal/utils"
)

// DefaultConfidenceThreshold 低于该置信度进入澄清分支
const DefaultConfidenceThreshold = 0.3

// 提示中携带的历史条数
const maxPromptHistory = 5

// intentPayload 完成服务必须返回的JSON结构
type intentPayload struct {
	Intent           string          `json:"intent" jsonschema:"enum=data_query,enum=content_search,enum=analytics,enum=summary,enum=action,enum=help,enum=navigation,enum=general,enum=unclear"`
	Confidence       float64         `json:"confidence"`
	Entities         []entityPayload `json:"entities"`
	FormatPreference string          `json:"format_preference" jsonschema:"enum=auto,enum=table,enum=chart,enum=text,enum=list"`
	Aggregations     []string        `json:"aggregations"`
	Reasoning        string          `json:"reasoning"`
}

type entityPayload struct {
	Type       string  `json:"type"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

var intentSchema = llm.MustGenerateSchema[intentPayload]()

// Classifier 意图分类器
// 每次分类最多发起一轮完成调用（含本地重试），任何失败都退回规则分类
type Classifier struct {
	client    llm.LLMClient
	prompts   *llm.PromptManager
	threshold float64
	retry     resilience.RetryPolicy
	now       func() time.Time
}

// Option 分类器选项
type Option func(*Classifier)

// WithThreshold 设置澄清阈值
func WithThreshold(threshold float64) Option {
	return func(c *Classifier) {
		if threshold > 0 {
			c.threshold = threshold
		}
	}
}

// WithRetryPolicy 设置完成调用的重试策略
func WithRetryPolicy(policy resilience.RetryPolicy) Option {
	return func(c *Classifier) {
		c.retry = policy
	}
}

// WithClock 注入时钟，用于时间短语换算
func WithClock(now func() time.Time) Option {
	return func(c *Classifier) {
		c.now = now
	}
}

// NewClassifier 创建分类器，client 为空时只使用规则
func NewClassifier(client llm.LLMClient, prompts *llm.PromptManager, opts ...Option) *Classifier {
	if prompts == nil {
		prompts = llm.NewPromptManager()
	}
	c := &Classifier{
		client:    client,
		prompts:   prompts,
		threshold: DefaultConfidenceThreshold,
		retry:     resilience.DefaultRetryPolicy(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify 分类查询，从不返回错误
func (c *Classifier) Classify(ctx context.Context, query string, history []models.HistoryEntry) models.IntentClassification {
	logger := utils.Logger(ctx)
	extracted := extractEntities(query, c.now())

	var result models.IntentClassification
	if strings.TrimSpace(query) != "" && c.client != nil {
		payload, err := c.complete(ctx, query, history)
		if err == nil {
			result, err = fromPayload(payload, extracted)
		}
		if err != nil {
			classified := resilience.Classify(err)
			logger.WithFields(logrus.Fields{
				"category": classified.Category,
				"error":    err.Error(),
			}).Warn("[意图分类] 完成服务不可用，使用规则兜底")
		}
	}
	if result.Intent == "" {
		result = fromRules(query, extracted)
	}

	result.ClarificationNeeded = result.Confidence < c.threshold
	logger.WithFields(logrus.Fields{
		"intent":     result.Intent,
		"confidence": result.Confidence,
		"source":     result.Source,
		"clarify":    result.ClarificationNeeded,
	}).Debug("[意图分类] 完成")
	return result
}

// complete 发起完成调用并解析JSON
func (c *Classifier) complete(ctx context.Context, query string, history []models.HistoryEntry) (*intentPayload, error) {
	if len(history) > maxPromptHistory {
		history = history[len(history)-maxPromptHistory:]
	}
	req, err := c.prompts.BuildRequest(llm.TemplateIntentClassification, map[string]interface{}{
		"Query":   query,
		"History": history,
	})
	if err != nil {
		return nil, err
	}
	req.Schema = intentSchema
	req.SchemaName = "intent_classification"

	onRetry := func(attempt int, err error, delay time.Duration) {
		utils.Logger(ctx).WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   delay.String(),
			"error":   err.Error(),
		}).Info("[意图分类] 重试完成调用")
	}
	resp, err := resilience.WithRetry(ctx, func(ctx context.Context) (*llm.LLMResponse, error) {
		return c.client.Complete(ctx, req)
	}, c.retry, onRetry)
	if err != nil {
		return nil, err
	}

	var payload intentPayload
	if err := llm.ParseJSONResponse(resp.Content, &payload); err != nil {
		return nil, fmt.Errorf("parse classification: %w", err)
	}
	return &payload, nil
}

// fromPayload 校验完成服务的输出，不合法时返回错误以触发规则兜底
func fromPayload(p *intentPayload, extracted extraction) (models.IntentClassification, error) {
	intent, err := models.ParseIntent(strings.ToLower(strings.TrimSpace(p.Intent)))
	if err != nil {
		return models.IntentClassification{}, err
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return models.IntentClassification{}, fmt.Errorf("confidence %v out of range", p.Confidence)
	}

	format := models.FormatPreference(strings.ToLower(p.FormatPreference))
	if !format.Valid() {
		format = models.FormatAuto
	}

	var aggregations []string
	for _, a := range p.Aggregations {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "average" || a == "mean" {
			a = "avg"
		}
		if KnownAggregations[a] && !containsString(aggregations, a) {
			aggregations = append(aggregations, a)
		}
	}
	if len(aggregations) == 0 {
		aggregations = extracted.aggregations
	}

	entities := make([]models.Entity, 0, len(p.Entities)+len(extracted.entities))
	seen := make(map[string]bool)
	for _, e := range p.Entities {
		value := strings.TrimSpace(e.Value)
		if value == "" {
			continue
		}
		confidence := e.Confidence
		if confidence <= 0 || confidence > 1 {
			confidence = 0.7
		}
		seen[strings.ToLower(value)] = true
		entities = append(entities, models.Entity{Type: strings.ToLower(e.Type), Value: value, Confidence: confidence})
	}
	// 规则抽取的实体补充模型遗漏的部分
	for _, e := range extracted.entities {
		if !seen[strings.ToLower(e.Value)] {
			seen[strings.ToLower(e.Value)] = true
			entities = append(entities, e)
		}
	}

	return models.IntentClassification{
		Intent:           intent,
		Confidence:       p.Confidence,
		Entities:         entities,
		FormatPreference: format,
		Aggregations:     aggregations,
		TimeRange:        extracted.timeRange,
		Source:           models.SourceLLM,
		Reasoning:        p.Reasoning,
	}, nil
}

// fromRules 规则分类
func fromRules(query string, extracted extraction) models.IntentClassification {
	rule := classifyByRules(query, extracted.aggregations)
	entities := extracted.entities
	if entities == nil {
		entities = []models.Entity{}
	}
	return models.IntentClassification{
		Intent:           rule.intent,
		Confidence:       rule.confidence,
		Entities:         entities,
		FormatPreference: inferFormat(query),
		Aggregations:     extracted.aggregations,
		TimeRange:        extracted.timeRange,
		Source:           models.SourceRules,
		Reasoning:        rule.reasoning,
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
