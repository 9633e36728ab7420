package resilience

import (
	"context"
	"math"
	"time"
)

// RetryPolicy 重试策略
type RetryPolicy struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64

	// 为空时使用真实计时器
	Sleeper Sleeper
}

// Sleeper 等待指定时长，ctx 结束时提前返回错误
type Sleeper func(ctx context.Context, d time.Duration) error

// OnRetry 每次等待前回调，attempt 从1开始
type OnRetry func(attempt int, err error, delay time.Duration)

// DefaultRetryPolicy 默认策略
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        2,
		BaseDelay:         200 * time.Millisecond,
		MaxDelay:          2 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Delay 第 attempt 次重试（从0开始）前的等待时长
func (p RetryPolicy) Delay(attempt int) time.Duration {
	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// WithRetry 执行 fn，最多调用 MaxRetries+1 次
// 不可重试的错误立即返回；重试耗尽或 ctx 结束时返回最后一次的原始错误
func WithRetry[T any](ctx context.Context, fn func(ctx context.Context) (T, error), policy RetryPolicy, onRetry OnRetry) (T, error) {
	sleep := policy.Sleeper
	if sleep == nil {
		sleep = timerSleep
	}

	// 负数按不重试处理，fn 至少执行一次
	policy.MaxRetries = max(policy.MaxRetries, 0)

	var zero T
	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == policy.MaxRetries || !Classify(err).Retryable {
			break
		}
		if ctx.Err() != nil {
			break
		}

		delay := policy.Delay(attempt)
		if onRetry != nil {
			onRetry(attempt+1, err, delay)
		}
		if sleep(ctx, delay) != nil {
			break
		}
	}
	return zero, lastErr
}

func timerSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
