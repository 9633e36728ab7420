package llm

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// =============================================================================
// 适配器模式 - 各SDK客户端共享的限流与熔断
// =============================================================================

// BaseAdapter 基础适配器
type BaseAdapter struct {
	provider       LLMProvider
	config         *LLMConfig
	httpClient     *http.Client
	rateLimiter    *rate.Limiter
	circuitBreaker *CircuitBreaker
	capabilities   *LLMCapabilities
	mutex          sync.RWMutex
}

// NewBaseAdapter 创建基础适配器
func NewBaseAdapter(provider LLMProvider, config *LLMConfig) *BaseAdapter {
	// SDK共用同一个HTTP客户端，超时由此控制
	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	// 创建限流器 (requests per minute -> requests per second)
	rateLimit := rate.Limit(float64(config.RateLimit) / 60.0)
	rateLimiter := rate.NewLimiter(rateLimit, config.RateLimit)

	circuitBreaker := NewCircuitBreaker(&CircuitBreakerConfig{
		MaxFailures:  5,
		ResetTimeout: 30 * time.Second,
	})

	return &BaseAdapter{
		provider:       provider,
		config:         config,
		httpClient:     httpClient,
		rateLimiter:    rateLimiter,
		circuitBreaker: circuitBreaker,
	}
}

// GetProvider 获取提供商
func (ba *BaseAdapter) GetProvider() LLMProvider {
	return ba.provider
}

// GetModel 获取模型
func (ba *BaseAdapter) GetModel() string {
	return ba.config.Model
}

// GetCapabilities 获取能力
func (ba *BaseAdapter) GetCapabilities() *LLMCapabilities {
	ba.mutex.RLock()
	defer ba.mutex.RUnlock()
	return ba.capabilities
}

// SetCapabilities 设置能力
func (ba *BaseAdapter) SetCapabilities(capabilities *LLMCapabilities) {
	ba.mutex.Lock()
	defer ba.mutex.Unlock()
	ba.capabilities = capabilities
}

// HTTPClient 交给SDK使用的HTTP客户端
func (ba *BaseAdapter) HTTPClient() *http.Client {
	return ba.httpClient
}

// Before 请求前检查熔断与限流
func (ba *BaseAdapter) Before(ctx context.Context) error {
	if err := ba.CheckCircuitBreaker(); err != nil {
		return err
	}
	return ba.CheckRateLimit(ctx)
}

// After 根据结果更新熔断器
func (ba *BaseAdapter) After(err error) {
	if err != nil {
		ba.RecordFailure()
		return
	}
	ba.RecordSuccess()
}

// CheckRateLimit 检查限流
func (ba *BaseAdapter) CheckRateLimit(ctx context.Context) error {
	if err := ba.rateLimiter.Wait(ctx); err != nil {
		return &LLMError{
			Provider:  ba.provider,
			Code:      CodeRateLimitExceeded,
			Message:   "rate limit exceeded: " + err.Error(),
			Retryable: true,
		}
	}
	return nil
}

// CheckCircuitBreaker 检查熔断器
func (ba *BaseAdapter) CheckCircuitBreaker() error {
	if !ba.circuitBreaker.AllowRequest() {
		return &LLMError{
			Provider:  ba.provider,
			Code:      CodeCircuitBreakerOpen,
			Message:   "circuit breaker open, service unavailable",
			Retryable: false,
		}
	}
	return nil
}

// RecordSuccess 记录成功
func (ba *BaseAdapter) RecordSuccess() {
	ba.circuitBreaker.RecordSuccess()
}

// RecordFailure 记录失败
func (ba *BaseAdapter) RecordFailure() {
	ba.circuitBreaker.RecordFailure()
}

// Close 关闭适配器
func (ba *BaseAdapter) Close() error {
	ba.httpClient.CloseIdleConnections()
	return nil
}

// =============================================================================
// 熔断器实现
// =============================================================================

// CircuitBreakerState 熔断器状态
type CircuitBreakerState int

const (
	StateClosed CircuitBreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// CircuitBreakerConfig 熔断器配置
type CircuitBreakerConfig struct {
	MaxFailures  int           `json:"max_failures"`
	ResetTimeout time.Duration `json:"reset_timeout"`
}

// CircuitBreaker 熔断器
type CircuitBreaker struct {
	config       *CircuitBreakerConfig
	state        CircuitBreakerState
	failures     int
	lastFailTime time.Time
	now          func() time.Time
	mutex        sync.Mutex
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(config *CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// AllowRequest 是否允许请求
func (cb *CircuitBreaker) AllowRequest() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if cb.now().Sub(cb.lastFailTime) > cb.config.ResetTimeout {
			cb.state = StateHalfOpen
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess 记录成功
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failures = 0
	cb.state = StateClosed
}

// RecordFailure 记录失败，半开状态下一次失败即重新打开
func (cb *CircuitBreaker) RecordFailure() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failures++
	cb.lastFailTime = cb.now()

	if cb.state == StateHalfOpen || cb.failures >= cb.config.MaxFailures {
		cb.state = StateOpen
	}
}

// GetState 获取状态
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}
