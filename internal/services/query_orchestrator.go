package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/contextkeeper/workspace-query/internal/cache"
	"github.com/contextkeeper/workspace-query/internal/engines/composer"
	"github.com/contextkeeper/workspace-query/internal/engines/router"
	"github.com/contextkeeper/workspace-query/internal/models"
	"github.com/contextkeeper/workspace-query/internal/resilience"
	"github.com/contextkeeper/workspace-query/internal/utils"
)

const (
	DefaultRequestBudget    = 5 * time.Second
	DefaultResponseCacheTTL = 5 * time.Minute
	DefaultCacheEntries     = 500
)

// Stage 管道阶段，用于流式推送进度
type Stage string

const (
	StageCacheHit   Stage = "cache_hit"
	StageClassified Stage = "intent_classified"
	StageExtracted  Stage = "context_extracted"
	StageRouted     Stage = "routed"
	StageExecuted   Stage = "executed"
	StageComposed   Stage = "composed"
)

// StageObserver 每个阶段完成时回调，elapsed 为自请求开始的耗时
// 回调在管道协程中执行，不能阻塞
type StageObserver func(stage Stage, elapsed time.Duration)

// IntentClassifier 意图分类接口
type IntentClassifier interface {
	Classify(ctx context.Context, query string, history []models.HistoryEntry) models.IntentClassification
}

// ContextExtractor 上下文抽取接口
type ContextExtractor interface {
	Extract(ctx context.Context, query string, classification models.IntentClassification, workspaceID, userID string) *models.QueryContext
	Fingerprint(ctx context.Context, workspaceID string) string
}

// HistoryRecorder 会话历史写入接口
type HistoryRecorder interface {
	Record(userID, workspaceID string, entry models.HistoryEntry) error
}

// ErrInvalidRequest 请求校验失败
var ErrInvalidRequest = errors.New("validation failed")

// OrchestratorOptions 编排器配置
type OrchestratorOptions struct {
	RequestBudget   time.Duration
	CacheTTL        time.Duration
	CacheMaxEntries int
	MaxTableRows    int
	// 开发模式，错误块附带原始错误
	Debug bool
	Now   func() time.Time
}

// Orchestrator 串联分类、抽取、路由、执行与组装，并持有响应缓存
type Orchestrator struct {
	classifier IntentClassifier
	extractor  ContextExtractor
	executor   RouteExecutor
	composer   *composer.Composer
	history    HistoryRecorder
	cache      *cache.TTLCache[string, models.StructuredResponse]
	budget     time.Duration
	maxRows    int
	debug      bool
	now        func() time.Time
}

// NewOrchestrator 创建编排器，history 可为 nil；使用完需 Close
func NewOrchestrator(classifier IntentClassifier, extractor ContextExtractor, executor RouteExecutor, history HistoryRecorder, opts OrchestratorOptions) *Orchestrator {
	if opts.RequestBudget <= 0 {
		opts.RequestBudget = DefaultRequestBudget
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultResponseCacheTTL
	}
	if opts.CacheMaxEntries <= 0 {
		opts.CacheMaxEntries = DefaultCacheEntries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Orchestrator{
		classifier: classifier,
		extractor:  extractor,
		executor:   executor,
		composer:   composer.NewComposer(),
		history:    history,
		cache: cache.New[string, models.StructuredResponse](cache.Options{
			TTL:        opts.CacheTTL,
			MaxEntries: opts.CacheMaxEntries,
			// 超出预算时可以返回过期不久的响应
			StaleTTL:        opts.CacheTTL,
			JanitorInterval: opts.CacheTTL,
			Now:             opts.Now,
		}),
		budget:  opts.RequestBudget,
		maxRows: opts.MaxTableRows,
		debug:   opts.Debug,
		now:     opts.Now,
	}
}

// Close 停止缓存后台清理
func (o *Orchestrator) Close() {
	o.cache.Close()
}

// CacheStats 响应缓存统计
func (o *Orchestrator) CacheStats() cache.Stats {
	return o.cache.Stats()
}

// FlushCache 清空响应缓存
func (o *Orchestrator) FlushCache() {
	o.cache.Flush()
}

// Handle 处理一次查询
func (o *Orchestrator) Handle(ctx context.Context, req models.QueryRequest) models.QueryResponse {
	return o.HandleWithObserver(ctx, req, nil)
}

// pipelineOutcome 管道协程的结果
type pipelineOutcome struct {
	resp models.QueryResponse
}

// HandleWithObserver 处理查询并在每个阶段完成时回调 observer
func (o *Orchestrator) HandleWithObserver(ctx context.Context, req models.QueryRequest, observer StageObserver) models.QueryResponse {
	start := o.now()
	if observer == nil {
		observer = func(Stage, time.Duration) {}
	}

	if err := validateRequest(req); err != nil {
		classified := models.NewClassifiedError(err, models.ErrorValidation, err.Error(),
			[]string{"Provide a non-empty query and a valid workspace id"}, true, false)
		return o.failure(classified, models.PerformanceMetrics{})
	}

	budget := o.budget
	if ms := req.Options.MaxResponseTimeMs; ms > 0 {
		budget = min(budget, time.Duration(ms)*time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	logger := utils.Logger(ctx).WithFields(logrus.Fields{
		"workspace_id": req.WorkspaceID,
		"user_id":      req.UserID,
	})

	fingerprint := o.extractor.Fingerprint(ctx, req.WorkspaceID)
	key := cacheKey(req.Query, req.WorkspaceID, fingerprint)

	if !req.Options.BypassCache {
		if cached, ok := o.cache.Get(key); ok {
			observer(StageCacheHit, o.now().Sub(start))
			logger.WithField("cache_key", key[:12]).Debug("[查询编排] 命中响应缓存")
			resp := models.QueryResponse{
				Success:     true,
				Response:    &cached,
				Cached:      true,
				Performance: models.PerformanceMetrics{TotalTimeMs: o.since(start)},
			}
			if req.Options.IncludeDebug {
				resp.Debug = &models.DebugInfo{CacheKey: key}
			}
			return resp
		}
	}

	done := make(chan pipelineOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("query pipeline execution failed: %v", r)
				logger.WithField("panic", r).Error("[查询编排] 管道执行异常")
				done <- pipelineOutcome{resp: o.failure(
					models.NewClassifiedError(err, models.ErrorExecution, "The query could not be processed.",
						[]string{"Try rephrasing the question", "Ask about a specific database or page"}, false, false),
					models.PerformanceMetrics{TotalTimeMs: o.since(start)})}
			}
		}()
		done <- pipelineOutcome{resp: o.run(ctx, req, key, start, observer)}
	}()

	select {
	case out := <-done:
		return out.resp
	case <-ctx.Done():
		return o.onBudgetExceeded(ctx, key, start, budget, logger)
	}
}

// onBudgetExceeded 超出预算时优先返回过期缓存，否则返回超时错误
func (o *Orchestrator) onBudgetExceeded(ctx context.Context, key string, start time.Time, budget time.Duration, logger *logrus.Entry) models.QueryResponse {
	perf := models.PerformanceMetrics{TotalTimeMs: o.since(start)}
	if stale, _, ok := o.cache.GetStale(key); ok {
		logger.WithField("budget", budget).Warn("[查询编排] 超出请求预算，返回缓存响应")
		return models.QueryResponse{Success: true, Response: &stale, Cached: true, Stale: true, Performance: perf}
	}

	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("request timed out after %v: %w", budget, err)
	}
	logger.WithError(err).Warn("[查询编排] 超出请求预算")
	return o.failure(resilience.Classify(err), perf)
}

// run 管道主体
func (o *Orchestrator) run(ctx context.Context, req models.QueryRequest, key string, start time.Time, observer StageObserver) models.QueryResponse {
	var perf models.PerformanceMetrics
	logger := utils.Logger(ctx).WithField("workspace_id", req.WorkspaceID)

	t := o.now()
	cls := o.classifier.Classify(ctx, req.Query, req.ConversationHistory)
	perf.IntentClassificationTimeMs = o.since(t)
	observer(StageClassified, o.now().Sub(start))

	if cls.NeedsClarification() {
		resp := o.composer.ComposeClarification(cls)
		if ctx.Err() == nil {
			o.cache.Set(key, resp)
		}
		perf.TotalTimeMs = o.since(start)
		logger.WithField("confidence", cls.Confidence).Info("[查询编排] 置信度不足，请求用户澄清")
		out := models.QueryResponse{Success: true, Response: &resp, Performance: perf}
		if req.Options.IncludeDebug {
			out.Debug = &models.DebugInfo{Intent: cls.Intent, Confidence: cls.Confidence, CacheKey: key}
		}
		return out
	}

	t = o.now()
	qctx := o.extractor.Extract(ctx, req.Query, cls, req.WorkspaceID, req.UserID)
	perf.ContextExtractionTimeMs = o.since(t)
	observer(StageExtracted, o.now().Sub(start))

	t = o.now()
	decision := router.Route(req.Query, cls, qctx)
	perf.RoutingTimeMs = o.since(t)
	observer(StageRouted, o.now().Sub(start))

	t = o.now()
	result, err := o.executor.Execute(ctx, ExecutionRequest{
		Query:          req.Query,
		WorkspaceID:    req.WorkspaceID,
		Classification: cls,
		Decision:       decision,
		Context:        qctx,
	})
	perf.ExecutionTimeMs = o.since(t)
	observer(StageExecuted, o.now().Sub(start))
	if err != nil {
		classified := resilience.Classify(err)
		perf.TotalTimeMs = o.since(start)
		logger.WithFields(logrus.Fields{
			"route":    decision.Primary,
			"category": classified.Category,
		}).WithError(err).Error("[查询编排] 路由执行失败")
		return o.failure(classified, perf)
	}

	t = o.now()
	partial := len(qctx.Degraded) > 0
	resp := o.composer.Compose(cls, decision, result, composer.ComposeOptions{
		MaxTableRows: o.maxRows,
		Partial:      partial,
	})
	perf.StructuringTimeMs = o.since(t)
	observer(StageComposed, o.now().Sub(start))

	if o.history != nil && req.UserID != "" {
		entry := models.HistoryEntry{Query: req.Query, Intent: cls.Intent, Timestamp: o.now()}
		if err := o.history.Record(req.UserID, req.WorkspaceID, entry); err != nil {
			logger.WithError(err).Warn("[查询编排] 写入会话历史失败")
		}
	}

	// 部分上下文或已超时的结果不写入缓存
	if !partial && ctx.Err() == nil {
		o.cache.Set(key, resp)
	}

	perf.TotalTimeMs = o.since(start)
	logger.WithFields(logrus.Fields{
		"intent":     cls.Intent,
		"source":     cls.Source,
		"route":      decision.Primary,
		"confidence": decision.Confidence,
		"blocks":     len(resp.Blocks),
		"total_ms":   perf.TotalTimeMs,
	}).Info("[查询编排] 查询完成")

	out := models.QueryResponse{Success: true, Response: &resp, Performance: perf}
	if req.Options.IncludeDebug {
		out.Debug = &models.DebugInfo{
			Intent:          cls.Intent,
			Confidence:      cls.Confidence,
			RoutingDecision: &decision,
			Degraded:        qctx.Degraded,
			CacheKey:        key,
		}
	}
	return out
}

// failure 失败响应，附带错误块和至少一条建议
func (o *Orchestrator) failure(classified models.ClassifiedError, perf models.PerformanceMetrics) models.QueryResponse {
	resp := o.composer.ComposeError(classified, o.debug)
	return models.QueryResponse{
		Success:     false,
		Response:    &resp,
		Performance: perf,
		Content:     classified.UserMessage,
		Metadata: &models.FailureMetadata{
			Error:       string(classified.Category),
			Category:    classified.Category,
			Suggestions: resp.Metadata.Suggestions,
			Timestamp:   o.now().UTC(),
		},
	}
}

func (o *Orchestrator) since(t time.Time) int64 {
	return o.now().Sub(t).Milliseconds()
}

// cacheKey 规范化查询、工作区与上下文指纹的哈希
func cacheKey(query, workspaceID, fingerprint string) string {
	return utils.HashKey(utils.NormalizeQuery(query), workspaceID, fingerprint)
}

// validateRequest 校验查询请求
func validateRequest(req models.QueryRequest) error {
	if strings.TrimSpace(req.Query) == "" {
		return fmt.Errorf("%w: query is required", ErrInvalidRequest)
	}
	if _, err := uuid.Parse(req.WorkspaceID); err != nil {
		return fmt.Errorf("%w: workspaceId must be a uuid", ErrInvalidRequest)
	}
	if req.PageID != "" {
		if _, err := uuid.Parse(req.PageID); err != nil {
			return fmt.Errorf("%w: pageId must be a uuid", ErrInvalidRequest)
		}
	}
	if req.Options.MaxResponseTimeMs < 0 {
		return fmt.Errorf("%w: maxResponseTimeMs must not be negative", ErrInvalidRequest)
	}
	return nil
}
