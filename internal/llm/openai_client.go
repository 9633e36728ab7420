package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// =============================================================================
// OpenAI兼容客户端实现（OpenAI / DeepSeek）
// =============================================================================

// OpenAIClient OpenAI适配器
type OpenAIClient struct {
	*BaseAdapter
	client openai.Client
}

// NewOpenAIClient 创建OpenAI客户端
func NewOpenAIClient(config *LLMConfig) (*OpenAIClient, error) {
	if err := validateLLMConfig(config); err != nil {
		return nil, err
	}

	base := NewBaseAdapter(config.Provider, config)
	client := openai.NewClient(
		option.WithAPIKey(config.APIKey),
		option.WithBaseURL(config.BaseURL),
		option.WithHTTPClient(base.HTTPClient()),
		// 重试由 resilience.WithRetry 统一负责
		option.WithMaxRetries(0),
	)

	base.SetCapabilities(&LLMCapabilities{
		MaxTokens:        8192,
		SupportedFormats: []string{FormatText, FormatJSON},
		// DeepSeek 只支持 json_object
		SupportsSchema: config.Provider == ProviderOpenAI,
		Models:         []string{config.Model},
	})

	return &OpenAIClient{
		BaseAdapter: base,
		client:      client,
	}, nil
}

// Complete 单次完成
func (oc *OpenAIClient) Complete(ctx context.Context, req *LLMRequest) (*LLMResponse, error) {
	if err := oc.Before(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := oc.client.Chat.Completions.New(ctx, oc.buildParams(req))
	if err != nil {
		mapped := oc.mapError(ctx, err)
		oc.After(mapped)
		return nil, mapped
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		emptyErr := &LLMError{
			Provider:  oc.provider,
			Code:      CodeEmptyResponse,
			Message:   "empty completion returned",
			Retryable: true,
		}
		oc.After(emptyErr)
		return nil, emptyErr
	}
	oc.After(nil)

	return &LLMResponse{
		Content:    resp.Choices[0].Message.Content,
		TokensUsed: int(resp.Usage.TotalTokens),
		Model:      resp.Model,
		Provider:   oc.provider,
		Duration:   time.Since(start),
		Metadata: map[string]interface{}{
			"finish_reason": resp.Choices[0].FinishReason,
			"id":            resp.ID,
		},
	}, nil
}

// buildParams 转换为 Chat Completions 参数
func (oc *OpenAIClient) buildParams(req *LLMRequest) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = oc.config.Model
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Messages:    messages,
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	if req.Format == FormatJSON {
		caps := oc.GetCapabilities()
		if req.Schema != nil && caps != nil && caps.SupportsSchema {
			name := req.SchemaName
			if name == "" {
				name = "response"
			}
			params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
					JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
						Name:   name,
						Schema: req.Schema,
						Strict: openai.Bool(true),
					},
				},
			}
		} else {
			params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
			}
		}
	}
	return params
}

// mapError 把SDK错误转换为 LLMError
func (oc *OpenAIClient) mapError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return &LLMError{Provider: oc.provider, Code: CodeTimeout, Message: "request timeout: " + err.Error(), Retryable: true}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return statusToLLMError(oc.provider, apiErr.StatusCode, apiErr.Message)
	}
	return &LLMError{Provider: oc.provider, Code: CodeRequestFailed, Message: err.Error(), Retryable: true}
}

// HealthCheck 健康检查
func (oc *OpenAIClient) HealthCheck(ctx context.Context) error {
	_, err := oc.Complete(ctx, &LLMRequest{
		Prompt:      "ping",
		MaxTokens:   1,
		Temperature: 0,
	})
	return err
}

// statusToLLMError 按HTTP状态码归类
func statusToLLMError(provider LLMProvider, status int, message string) *LLMError {
	if message == "" {
		message = http.StatusText(status)
	}
	switch {
	case status == http.StatusTooManyRequests:
		return &LLMError{Provider: provider, Code: CodeRateLimitExceeded, Message: "rate limit exceeded: " + message, Retryable: true}
	case status == http.StatusUnauthorized:
		return &LLMError{Provider: provider, Code: CodeUnauthorized, Message: "unauthorized: " + message}
	case status == http.StatusForbidden:
		return &LLMError{Provider: provider, Code: CodeForbidden, Message: "forbidden: " + message}
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return &LLMError{Provider: provider, Code: CodeTimeout, Message: "upstream timeout: " + message, Retryable: true}
	case status >= 500:
		return &LLMError{Provider: provider, Code: fmt.Sprintf("%d", status), Message: "upstream error: " + message, Retryable: true}
	default:
		return &LLMError{Provider: provider, Code: fmt.Sprintf("%d", status), Message: message}
	}
}
