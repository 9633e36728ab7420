package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

// =============================================================================
// Gemini客户端实现
// =============================================================================

// GeminiClient Gemini适配器
type GeminiClient struct {
	*BaseAdapter
	client *genai.Client
}

// NewGeminiClient 创建Gemini客户端
func NewGeminiClient(config *LLMConfig) (*GeminiClient, error) {
	if err := validateLLMConfig(config); err != nil {
		return nil, err
	}

	base := NewBaseAdapter(config.Provider, config)
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:     config.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: base.HTTPClient(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	base.SetCapabilities(&LLMCapabilities{
		MaxTokens:        8192,
		SupportedFormats: []string{FormatText, FormatJSON},
		SupportsSchema:   false,
		Models:           []string{config.Model},
	})

	return &GeminiClient{
		BaseAdapter: base,
		client:      client,
	}, nil
}

// Complete 单次完成
func (gc *GeminiClient) Complete(ctx context.Context, req *LLMRequest) (*LLMResponse, error) {
	if err := gc.Before(ctx); err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = gc.config.Model
	}

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.Format == FormatJSON {
		cfg.ResponseMIMEType = "application/json"
	}

	start := time.Now()
	contents := []*genai.Content{
		genai.NewContentFromText(req.Prompt, genai.RoleUser),
	}
	resp, err := gc.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		mapped := gc.mapError(ctx, err)
		gc.After(mapped)
		return nil, mapped
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		emptyErr := &LLMError{Provider: gc.provider, Code: CodeEmptyResponse, Message: "empty completion returned", Retryable: true}
		gc.After(emptyErr)
		return nil, emptyErr
	}
	gc.After(nil)

	tokens := 0
	if resp.UsageMetadata != nil {
		tokens = int(resp.UsageMetadata.TotalTokenCount)
	}

	return &LLMResponse{
		Content:    text,
		TokensUsed: tokens,
		Model:      model,
		Provider:   gc.provider,
		Duration:   time.Since(start),
	}, nil
}

// mapError 把SDK错误转换为 LLMError
func (gc *GeminiClient) mapError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return &LLMError{Provider: gc.provider, Code: CodeTimeout, Message: "request timeout: " + err.Error(), Retryable: true}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return statusToLLMError(gc.provider, apiErr.Code, apiErr.Message)
	}
	return &LLMError{Provider: gc.provider, Code: CodeRequestFailed, Message: err.Error(), Retryable: true}
}

// HealthCheck 健康检查
func (gc *GeminiClient) HealthCheck(ctx context.Context) error {
	_, err := gc.Complete(ctx, &LLMRequest{Prompt: "ping", MaxTokens: 1})
	return err
}
