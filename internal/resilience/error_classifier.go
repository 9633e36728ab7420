package resilience

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/contextkeeper/workspace-query/internal/llm"
	"github.com/contextkeeper/workspace-query/internal/models"
)

// categoryRule 一个类别的关键词集合与固定策略
type categoryRule struct {
	category    models.ErrorCategory
	keywords    []string
	recoverable bool
	retryable   bool
}

// 匹配顺序即优先级
var categoryRules = []categoryRule{
	{
		category:    models.ErrorAuth,
		keywords:    []string{"unauthorized", "unauthenticated", "authentication", "forbidden", "permission denied", "access denied", "invalid api key", "api key", "401", "403"},
		recoverable: false,
		retryable:   false,
	},
	{
		category:    models.ErrorTimeout,
		keywords:    []string{"timeout", "timed out", "deadline exceeded", "rate limit", "too many requests", "429", "temporarily unavailable", "try again later"},
		recoverable: true,
		retryable:   true,
	},
	{
		category:    models.ErrorResource,
		keywords:    []string{"out of memory", "resource exhausted", "no space left", "disk full", "quota exceeded", "too large", "circuit breaker open", "too many connections"},
		recoverable: false,
		retryable:   false,
	},
	{
		category:    models.ErrorSyntax,
		keywords:    []string{"syntax error", "syntax", "unexpected token", "parse error", "malformed", "unterminated"},
		recoverable: true,
		retryable:   false,
	},
	{
		category:    models.ErrorSchema,
		keywords:    []string{"does not exist", "not found", "no such table", "no such column", "unknown column", "undefined column", "unknown table", "missing column", "not exist"},
		recoverable: true,
		retryable:   true,
	},
	{
		category:    models.ErrorValidation,
		keywords:    []string{"invalid", "validation", "required", "destructive", "not allowed", "constraint", "must be", "out of range"},
		recoverable: true,
		retryable:   false,
	},
	{
		category:    models.ErrorExecution,
		keywords:    []string{"execution", "failed to execute", "division by zero", "runtime error", "panic", "internal error", "connection refused", "aborted"},
		recoverable: false,
		retryable:   false,
	},
}

var unknownRule = categoryRule{category: models.ErrorUnknown, recoverable: true, retryable: false}

// 关键词按整词匹配，orders_403、forbidden_terms 这类标识符不会命中
var keywordPatterns = compileKeywords(categoryRules)

func compileKeywords(rules []categoryRule) [][]*regexp.Regexp {
	out := make([][]*regexp.Regexp, len(rules))
	for i, rule := range rules {
		for _, kw := range rule.keywords {
			out[i] = append(out[i], regexp.MustCompile(`\b`+regexp.QuoteMeta(kw)+`\b`))
		}
	}
	return out
}

// 出错对象名的提取：table sales_data / column "price" / relation `orders`
var identifierPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:table|column|relation|database|file|field|page|index)\b[:\s]+["'` + "`" + `]?([A-Za-z0-9_.\-]+)["'` + "`" + `]?`),
	regexp.MustCompile(`["'` + "`" + `]([A-Za-z0-9_.\-]+)["'` + "`" + `]`),
}

// Classify 按错误信息把任意错误归类，nil 返回 unknown
func Classify(err error) models.ClassifiedError {
	if err == nil {
		return build(nil, unknownRule, "")
	}

	var already models.ClassifiedError
	if errors.As(err, &already) {
		return already
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return build(err, ruleFor(models.ErrorTimeout), "")
	}
	if errors.Is(err, context.Canceled) {
		return build(err, ruleFor(models.ErrorTimeout), "")
	}

	var llmErr *llm.LLMError
	if errors.As(err, &llmErr) {
		if rule, ok := classifyLLMError(llmErr); ok {
			return build(err, rule, "")
		}
	}

	message := strings.ToLower(err.Error())
	for i, rule := range categoryRules {
		for _, re := range keywordPatterns[i] {
			if re.MatchString(message) {
				return build(err, rule, extractIdentifier(err.Error()))
			}
		}
	}
	return build(err, unknownRule, "")
}

// ClassifyMessage 对纯文本错误信息分类
func ClassifyMessage(message string) models.ClassifiedError {
	if strings.TrimSpace(message) == "" {
		return Classify(nil)
	}
	return Classify(errors.New(message))
}

// classifyLLMError 按完成服务的错误码归类
func classifyLLMError(e *llm.LLMError) (categoryRule, bool) {
	switch e.Code {
	case llm.CodeUnauthorized, llm.CodeForbidden:
		return ruleFor(models.ErrorAuth), true
	case llm.CodeRateLimitExceeded, llm.CodeTimeout:
		return ruleFor(models.ErrorTimeout), true
	case llm.CodeCircuitBreakerOpen:
		return ruleFor(models.ErrorResource), true
	case llm.CodeInvalidConfig:
		return ruleFor(models.ErrorAuth), true
	}
	// 其余可重试错误（5xx、空响应）视为暂时不可用
	if e.Retryable {
		return ruleFor(models.ErrorTimeout), true
	}
	return categoryRule{}, false
}

func ruleFor(category models.ErrorCategory) categoryRule {
	for _, r := range categoryRules {
		if r.category == category {
			return r
		}
	}
	return unknownRule
}

func extractIdentifier(message string) string {
	for _, re := range identifierPatterns {
		if m := re.FindStringSubmatch(message); len(m) > 1 {
			return strings.Trim(m[1], ".")
		}
	}
	return ""
}

func build(err error, rule categoryRule, identifier string) models.ClassifiedError {
	message, suggestions := describe(rule.category, identifier)
	return models.NewClassifiedError(err, rule.category, message, suggestions, rule.recoverable, rule.retryable)
}

// describe 面向用户的提示与建议，每个类别至少一条建议
func describe(category models.ErrorCategory, identifier string) (string, []string) {
	switch category {
	case models.ErrorSyntax:
		return "The query could not be understood.", []string{
			"Rephrase the question in plain words",
			"Avoid special characters or partial expressions",
		}
	case models.ErrorSchema:
		if identifier != "" {
			return fmt.Sprintf("%s could not be found in this workspace.", identifier), []string{
				fmt.Sprintf("Check that %s is spelled correctly", identifier),
				"List the databases available in the workspace",
			}
		}
		return "A referenced table or column could not be found.", []string{
			"Check the table and column names",
			"List the databases available in the workspace",
		}
	case models.ErrorValidation:
		return "The request was rejected because it is not valid.", []string{
			"Check the values you provided",
			"Destructive operations need to be confirmed explicitly",
		}
	case models.ErrorExecution:
		return "The query failed while running.", []string{
			"Try a simpler question",
			"Contact support if the problem persists",
		}
	case models.ErrorTimeout:
		return "The request took too long to complete.", []string{
			"Try again in a moment",
			"Narrow the question to a specific database or time range",
		}
	case models.ErrorResource:
		return "The service does not have enough resources to complete this request.", []string{
			"Query a smaller dataset",
			"Try again later",
		}
	case models.ErrorAuth:
		return "You are not authorized to perform this request.", []string{
			"Sign in again",
			"Ask a workspace admin for access",
		}
	default:
		return "Something went wrong while answering your question.", []string{
			"Try rephrasing the question",
		}
	}
}
