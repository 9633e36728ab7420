package llm

import (
	"fmt"
	"sync"
	"time"
)

// =============================================================================
// 工厂模式实现 - 创建不同的LLM客户端
// =============================================================================

// LLMFactory LLM客户端工厂，由启动代码创建并持有
type LLMFactory struct {
	cache    map[LLMProvider]LLMClient
	creators map[LLMProvider]ClientCreator
	mutex    sync.Mutex
}

// ClientCreator 客户端创建函数类型
type ClientCreator func(config *LLMConfig) (LLMClient, error)

// NewLLMFactory 创建LLM工厂
func NewLLMFactory() *LLMFactory {
	factory := &LLMFactory{
		cache:    make(map[LLMProvider]LLMClient),
		creators: make(map[LLMProvider]ClientCreator),
	}

	factory.creators[ProviderOpenAI] = func(config *LLMConfig) (LLMClient, error) {
		return NewOpenAIClient(config)
	}
	factory.creators[ProviderDeepSeek] = func(config *LLMConfig) (LLMClient, error) {
		return NewOpenAIClient(config)
	}
	factory.creators[ProviderGemini] = func(config *LLMConfig) (LLMClient, error) {
		return NewGeminiClient(config)
	}

	return factory
}

// RegisterProvider 注册新的LLM提供商
func (f *LLMFactory) RegisterProvider(provider LLMProvider, creator ClientCreator) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.creators[provider] = creator
}

// CreateClient 创建LLM客户端，同一提供商复用已创建的实例
func (f *LLMFactory) CreateClient(config *LLMConfig) (LLMClient, error) {
	if err := validateLLMConfig(config); err != nil {
		return nil, err
	}

	f.mutex.Lock()
	defer f.mutex.Unlock()

	if client, exists := f.cache[config.Provider]; exists {
		return client, nil
	}

	creator, exists := f.creators[config.Provider]
	if !exists {
		return nil, &LLMError{
			Provider:  config.Provider,
			Code:      CodeInvalidConfig,
			Message:   fmt.Sprintf("unsupported LLM provider: %s", config.Provider),
			Retryable: false,
		}
	}

	client, err := creator(config)
	if err != nil {
		return nil, fmt.Errorf("create %s client: %w", config.Provider, err)
	}

	f.cache[config.Provider] = client
	return client, nil
}

// ListProviders 列出所有支持的提供商
func (f *LLMFactory) ListProviders() []LLMProvider {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	providers := make([]LLMProvider, 0, len(f.creators))
	for provider := range f.creators {
		providers = append(providers, provider)
	}
	return providers
}

// Close 关闭所有客户端
func (f *LLMFactory) Close() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	var lastErr error
	for provider, client := range f.cache {
		if err := client.Close(); err != nil {
			lastErr = err
		}
		delete(f.cache, provider)
	}
	return lastErr
}

// validateLLMConfig 验证LLM配置并补齐默认值
func validateLLMConfig(config *LLMConfig) error {
	if config == nil || config.Provider == "" {
		return &LLMError{Code: CodeInvalidConfig, Message: "provider is required"}
	}
	if config.APIKey == "" {
		return &LLMError{Provider: config.Provider, Code: CodeInvalidConfig, Message: "API key is required"}
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RateLimit <= 0 {
		config.RateLimit = 60
	}
	if config.Model == "" {
		config.Model = defaultModel(config.Provider)
	}
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL(config.Provider)
	}
	return nil
}

// defaultModel 默认模型名称
func defaultModel(provider LLMProvider) string {
	switch provider {
	case ProviderOpenAI:
		return "gpt-4o-mini"
	case ProviderDeepSeek:
		return "deepseek-chat"
	case ProviderGemini:
		return "gemini-2.0-flash"
	default:
		return ""
	}
}

// defaultBaseURL 默认基础URL，Gemini由SDK决定
func defaultBaseURL(provider LLMProvider) string {
	switch provider {
	case ProviderOpenAI:
		return "https://api.openai.com/v1"
	case ProviderDeepSeek:
		return "https://api.deepseek.com/v1"
	default:
		return ""
	}
}
