package services

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/contextkeeper/workspace-query/internal/config"
	"github.com/contextkeeper/workspace-query/internal/engines/contextx"
	"github.com/contextkeeper/workspace-query/internal/engines/fuzzy"
	"github.com/contextkeeper/workspace-query/internal/engines/intent"
	"github.com/contextkeeper/workspace-query/internal/llm"
	"github.com/contextkeeper/workspace-query/internal/resilience"
	"github.com/contextkeeper/workspace-query/internal/store"
)

// Pipeline 组装好的查询管道，持有需要关闭的资源
type Pipeline struct {
	Store        store.WorkspaceStore
	History      *store.SessionHistory
	Client       llm.LLMClient // LLM_PROVIDER=none 时为 nil
	Engine       *contextx.Engine
	Orchestrator *Orchestrator
	FileMatch    *FileMatchService

	factory *llm.LLMFactory
}

// PipelineOptions 覆盖默认依赖，供测试和压测使用
type PipelineOptions struct {
	Store  store.WorkspaceStore
	Client llm.LLMClient
}

// RetryPolicyFromConfig 配置中的重试参数
func RetryPolicyFromConfig(cfg *config.Config) resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxRetries:        cfg.RetryMaxRetries,
		BaseDelay:         cfg.RetryBaseDelay,
		MaxDelay:          cfg.RetryMaxDelay,
		BackoffMultiplier: cfg.RetryBackoffMultiplier,
	}
}

// NewPipeline 按配置创建存储、LLM客户端和各引擎
func NewPipeline(ctx context.Context, cfg *config.Config, opts PipelineOptions) (*Pipeline, error) {
	p := &Pipeline{Store: opts.Store, Client: opts.Client}

	if p.Store == nil {
		s, err := store.NewWorkspaceStore(ctx, cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("创建工作区存储失败: %w", err)
		}
		p.Store = s
	}

	if p.Client == nil && cfg.LLMProvider != "none" {
		p.factory = llm.NewLLMFactory()
		client, err := p.factory.CreateClient(&llm.LLMConfig{
			Provider:  llm.LLMProvider(cfg.LLMProvider),
			APIKey:    cfg.LLMAPIKey,
			BaseURL:   cfg.LLMBaseURL,
			Model:     cfg.LLMModel,
			Timeout:   cfg.LLMTimeout,
			RateLimit: cfg.LLMRateLimit,
		})
		if err != nil {
			// 没有LLM时意图分类走规则，闲聊走固定文本
			logrus.WithError(err).Warn("[管道] 创建LLM客户端失败，仅使用规则")
		} else {
			p.Client = client
		}
	}

	history, err := store.NewSessionHistory(cfg.SessionHistoryLimit, cfg.StoragePath)
	if err != nil {
		p.Close()
		return nil, err
	}
	p.History = history

	resolverOpts := []fuzzy.Option{}
	if cfg.FuzzySemanticTable != "" {
		table, err := fuzzy.LoadConceptTable(cfg.FuzzySemanticTable)
		if err != nil {
			p.Close()
			return nil, err
		}
		resolverOpts = append(resolverOpts, fuzzy.WithConcepts(table))
	}
	resolver := fuzzy.NewResolver(resolverOpts...)

	retry := RetryPolicyFromConfig(cfg)
	prompts := llm.NewPromptManager()

	classifier := intent.NewClassifier(p.Client, prompts,
		intent.WithThreshold(cfg.IntentConfidenceThreshold),
		intent.WithRetryPolicy(retry))
	p.Engine = contextx.NewEngine(p.Store, history, contextx.Options{
		Parallelism: cfg.ContextFetchParallelism,
		SnapshotTTL: cfg.ContextCacheTTL,
		Resolver:    resolver,
	})
	handlers := NewRouteHandlers(p.Store, p.Store, p.Client, prompts, WithHandlerRetry(retry))

	p.Orchestrator = NewOrchestrator(classifier, p.Engine, handlers, history, OrchestratorOptions{
		RequestBudget:   cfg.RequestBudget,
		CacheTTL:        cfg.ResponseCacheTTL,
		CacheMaxEntries: cfg.ResponseCacheMaxEntries,
		Debug:           cfg.Debug,
	})
	p.FileMatch = NewFileMatchService(p.Store, resolver, fuzzy.MatchOptions{
		ConfidenceThreshold: cfg.FuzzyConfidenceThreshold,
		MaxResults:          cfg.FuzzyMaxResults,
	})

	logrus.WithFields(logrus.Fields{
		"store":    cfg.Store.Type,
		"llm":      cfg.LLMProvider,
		"llm_live": p.Client != nil,
	}).Info("[管道] 查询管道已就绪")
	return p, nil
}

// Close 释放缓存清理协程、LLM客户端和存储连接
func (p *Pipeline) Close() {
	if p.Orchestrator != nil {
		p.Orchestrator.Close()
	}
	if p.Engine != nil {
		p.Engine.Close()
	}
	if p.factory != nil {
		p.factory.Close()
	}
	if p.Store != nil {
		if err := p.Store.Close(); err != nil {
			logrus.WithError(err).Warn("[管道] 关闭存储失败")
		}
	}
}
