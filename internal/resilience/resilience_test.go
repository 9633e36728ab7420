package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextkeeper/workspace-query/internal/llm"
	"github.com/contextkeeper/workspace-query/internal/models"
)

func TestClassifyMissingTable(t *testing.T) {
	ce := Classify(errors.New("Table sales_data does not exist"))

	assert.Equal(t, models.ErrorSchema, ce.Category)
	assert.Contains(t, ce.UserMessage, "sales_data")
	assert.True(t, ce.Retryable)
	assert.True(t, ce.IsRecoverable)
	assert.NotEmpty(t, ce.Suggestions)
}

func TestClassifyCategories(t *testing.T) {
	tests := []struct {
		message     string
		category    models.ErrorCategory
		recoverable bool
		retryable   bool
	}{
		{"401 Unauthorized: invalid api key", models.ErrorAuth, false, false},
		{"request timed out after 5s", models.ErrorTimeout, true, true},
		{"rate limit exceeded, too many requests", models.ErrorTimeout, true, true},
		{"runtime: out of memory", models.ErrorResource, false, false},
		{"syntax error at or near \"SELEC\"", models.ErrorSyntax, true, false},
		{`column "price" not found`, models.ErrorSchema, true, true},
		{"destructive operation requires confirmation", models.ErrorValidation, true, false},
		{"division by zero", models.ErrorExecution, false, false},
		{"the flux capacitor is sad", models.ErrorUnknown, true, false},
		// 优先级：同时包含 timeout 与 not found 时取 timeout
		{"lookup timeout: page not found", models.ErrorTimeout, true, true},
		// 标识符里的 403、forbidden、api key 不影响分类
		{"Table orders_403 does not exist", models.ErrorSchema, true, true},
		{`relation "forbidden_terms" does not exist`, models.ErrorSchema, true, true},
		{"Column api key_hash not found", models.ErrorSchema, true, true},
		{"request failed: status 403", models.ErrorAuth, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			ce := ClassifyMessage(tt.message)
			assert.Equal(t, tt.category, ce.Category)
			assert.Equal(t, tt.recoverable, ce.IsRecoverable)
			assert.Equal(t, tt.retryable, ce.Retryable)
			assert.NotEmpty(t, ce.Suggestions, "every category must carry a suggestion")
		})
	}
}

func TestClassifyKeepsIdentifierInMessage(t *testing.T) {
	ce := ClassifyMessage("Table orders_403 does not exist")
	assert.Contains(t, ce.UserMessage, "orders_403")

	ce = ClassifyMessage(`relation "forbidden_terms" does not exist`)
	assert.Contains(t, ce.UserMessage, "forbidden_terms")
}

func TestClassifySpecialErrors(t *testing.T) {
	assert.Equal(t, models.ErrorUnknown, Classify(nil).Category)
	assert.NotEmpty(t, Classify(nil).Suggestions)

	wrapped := fmt.Errorf("fetch databases: %w", context.DeadlineExceeded)
	assert.Equal(t, models.ErrorTimeout, Classify(wrapped).Category)

	rateLimited := &llm.LLMError{Provider: llm.ProviderOpenAI, Code: llm.CodeRateLimitExceeded, Message: "slow down", Retryable: true}
	ce := Classify(rateLimited)
	assert.Equal(t, models.ErrorTimeout, ce.Category)
	assert.True(t, ce.Retryable)

	forbidden := &llm.LLMError{Provider: llm.ProviderGemini, Code: llm.CodeForbidden, Message: "no"}
	assert.Equal(t, models.ErrorAuth, Classify(forbidden).Category)

	// 原始错误可以通过 errors.Is 取回
	origin := errors.New("no such table: orders")
	classified := Classify(origin)
	assert.ErrorIs(t, classified, origin)
	assert.Contains(t, classified.UserMessage, "orders")

	// 已分类的错误保持不变
	again := Classify(fmt.Errorf("outer: %w", classified))
	assert.Equal(t, classified.Category, again.Category)
	assert.Equal(t, classified.UserMessage, again.UserMessage)
}

func TestDelay(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffMultiplier: 3}
	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
	assert.Equal(t, 300*time.Millisecond, p.Delay(1))
	assert.Equal(t, 900*time.Millisecond, p.Delay(2))
	assert.Equal(t, time.Second, p.Delay(3))
}

// recordingSleeper 记录等待时长而不真正等待
type recordingSleeper struct {
	delays []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func TestWithRetryBound(t *testing.T) {
	for _, n := range []int{0, 1, 3} {
		t.Run(fmt.Sprintf("maxRetries=%d", n), func(t *testing.T) {
			sleeper := &recordingSleeper{}
			policy := RetryPolicy{MaxRetries: n, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second, BackoffMultiplier: 2, Sleeper: sleeper.sleep}

			calls := 0
			origin := errors.New("request timed out")
			var retried []int
			_, err := WithRetry(context.Background(), func(ctx context.Context) (string, error) {
				calls++
				return "", origin
			}, policy, func(attempt int, err error, delay time.Duration) {
				retried = append(retried, attempt)
			})

			assert.Equal(t, n+1, calls)
			// 耗尽后返回原始错误，不做包装
			assert.Same(t, origin, err)
			assert.Len(t, retried, n)
			assert.Len(t, sleeper.delays, n)
		})
	}
}

func TestWithRetryNegativeMaxRetries(t *testing.T) {
	sleeper := &recordingSleeper{}
	origin := errors.New("request timed out")
	calls := 0
	_, err := WithRetry(context.Background(), func(ctx context.Context) (int, error) {
		calls++
		return 0, origin
	}, RetryPolicy{MaxRetries: -3, Sleeper: sleeper.sleep}, nil)

	assert.Equal(t, 1, calls)
	assert.Same(t, origin, err)
	assert.Empty(t, sleeper.delays)
}

func TestWithRetryNonRetryable(t *testing.T) {
	sleeper := &recordingSleeper{}
	policy := RetryPolicy{MaxRetries: 5, BaseDelay: time.Millisecond, BackoffMultiplier: 2, Sleeper: sleeper.sleep}

	calls := 0
	origin := errors.New("permission denied")
	_, err := WithRetry(context.Background(), func(ctx context.Context) (int, error) {
		calls++
		return 0, origin
	}, policy, nil)

	assert.Equal(t, 1, calls)
	assert.Same(t, origin, err)
	assert.Empty(t, sleeper.delays)
}

func TestWithRetryEventualSuccess(t *testing.T) {
	sleeper := &recordingSleeper{}
	policy := RetryPolicy{MaxRetries: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 150 * time.Millisecond, BackoffMultiplier: 2, Sleeper: sleeper.sleep}

	calls := 0
	got, err := WithRetry(context.Background(), func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("429 too many requests")
		}
		return "ok", nil
	}, policy, nil)

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 150 * time.Millisecond}, sleeper.delays)
}

func TestWithRetryContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxRetries: 5, BaseDelay: time.Hour, MaxDelay: time.Hour, BackoffMultiplier: 2}

	calls := 0
	origin := errors.New("upstream timeout")
	done := make(chan error, 1)
	go func() {
		_, err := WithRetry(ctx, func(ctx context.Context) (int, error) {
			calls++
			return 0, origin
		}, policy, func(int, error, time.Duration) { cancel() })
		done <- err
	}()

	select {
	case err := <-done:
		assert.Same(t, origin, err)
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("WithRetry did not honour cancellation")
	}
}
