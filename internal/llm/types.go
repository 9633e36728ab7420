package llm

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// 核心类型定义
// =============================================================================

// LLMProvider LLM提供商类型
type LLMProvider string

const (
	ProviderOpenAI   LLMProvider = "openai"
	ProviderDeepSeek LLMProvider = "deepseek" // OpenAI兼容接口
	ProviderGemini   LLMProvider = "gemini"
)

// 请求输出格式
const (
	FormatText = "text"
	FormatJSON = "json"
)

// LLMRequest 统一的LLM请求结构
type LLMRequest struct {
	Prompt       string                 `json:"prompt"`
	SystemPrompt string                 `json:"system_prompt,omitempty"`
	MaxTokens    int                    `json:"max_tokens"`
	Temperature  float64                `json:"temperature"`
	Format       string                 `json:"format,omitempty"` // "json", "text"
	Model        string                 `json:"model,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`

	// Format为json时约束输出结构，支持的提供商会启用严格模式
	Schema     map[string]interface{} `json:"schema,omitempty"`
	SchemaName string                 `json:"schema_name,omitempty"`
}

// LLMResponse 统一的LLM响应结构
type LLMResponse struct {
	Content    string                 `json:"content"`
	TokensUsed int                    `json:"tokens_used"`
	Model      string                 `json:"model"`
	Provider   LLMProvider            `json:"provider"`
	Duration   time.Duration          `json:"duration"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// LLMCapabilities LLM能力描述
type LLMCapabilities struct {
	MaxTokens        int      `json:"max_tokens"`
	SupportedFormats []string `json:"supported_formats"`
	SupportsSchema   bool     `json:"supports_schema"`
	Models           []string `json:"models"`
}

// LLMConfig LLM配置
type LLMConfig struct {
	Provider  LLMProvider   `json:"provider"`
	APIKey    string        `json:"api_key"`
	BaseURL   string        `json:"base_url"`
	Model     string        `json:"model"`
	Timeout   time.Duration `json:"timeout"`
	RateLimit int           `json:"rate_limit"` // requests per minute
}

// 错误码
const (
	CodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	CodeCircuitBreakerOpen = "CIRCUIT_BREAKER_OPEN"
	CodeUnauthorized       = "401"
	CodeForbidden          = "403"
	CodeTimeout            = "TIMEOUT"
	CodeEmptyResponse      = "EMPTY_RESPONSE"
	CodeRequestFailed      = "REQUEST_FAILED"
	CodeInvalidConfig      = "INVALID_CONFIG"
)

// LLMError LLM错误类型
type LLMError struct {
	Provider  LLMProvider `json:"provider"`
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable"`
}

func (e *LLMError) Error() string {
	if e.Provider == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// LLMClient 核心LLM客户端接口 - 策略模式的Strategy接口
type LLMClient interface {
	// 单次完成
	Complete(ctx context.Context, req *LLMRequest) (*LLMResponse, error)

	// 健康检查
	HealthCheck(ctx context.Context) error

	// 获取提供商信息
	GetProvider() LLMProvider

	// 获取模型名称
	GetModel() string

	// 获取模型能力
	GetCapabilities() *LLMCapabilities

	// 关闭客户端
	Close() error
}
