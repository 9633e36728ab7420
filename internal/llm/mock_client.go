package llm

import (
	"context"
	"sync"
)

// MockClient 按脚本返回结果的客户端，供测试和离线演示使用
type MockClient struct {
	mu        sync.Mutex
	responses []MockReply
	fallback  MockReply
	calls     int
	requests  []*LLMRequest
}

// MockReply 一次调用的结果
type MockReply struct {
	Content string
	Err     error
}

// NewMockClient 创建脚本客户端，脚本用完后重复最后一条
func NewMockClient(replies ...MockReply) *MockClient {
	m := &MockClient{responses: replies}
	if len(replies) > 0 {
		m.fallback = replies[len(replies)-1]
	}
	return m
}

// Complete 单次完成
func (m *MockClient) Complete(ctx context.Context, req *LLMRequest) (*LLMResponse, error) {
	m.mu.Lock()
	reply := m.fallback
	if m.calls < len(m.responses) {
		reply = m.responses[m.calls]
	}
	m.calls++
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if reply.Err != nil {
		return nil, reply.Err
	}
	return &LLMResponse{Content: reply.Content, Provider: "mock", Model: "mock"}, nil
}

// Calls 调用次数
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// LastRequest 最近一次请求
func (m *MockClient) LastRequest() *LLMRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return nil
	}
	return m.requests[len(m.requests)-1]
}

func (m *MockClient) HealthCheck(ctx context.Context) error { return nil }
func (m *MockClient) GetProvider() LLMProvider             { return "mock" }
func (m *MockClient) GetModel() string                     { return "mock" }
func (m *MockClient) Close() error                         { return nil }

// GetCapabilities 获取能力
func (m *MockClient) GetCapabilities() *LLMCapabilities {
	return &LLMCapabilities{SupportedFormats: []string{FormatText, FormatJSON}, SupportsSchema: true}
}
