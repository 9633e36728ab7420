package models

// ErrorCategory 错误分类
type ErrorCategory string

const (
	ErrorSyntax     ErrorCategory = "syntax_error"
	ErrorSchema     ErrorCategory = "schema_error"
	ErrorValidation ErrorCategory = "validation_error"
	ErrorExecution  ErrorCategory = "execution_error"
	ErrorTimeout    ErrorCategory = "timeout_error"
	ErrorResource   ErrorCategory = "resource_error"
	ErrorAuth       ErrorCategory = "authentication_error"
	ErrorUnknown    ErrorCategory = "unknown_error"
)

// ClassifiedError 分类后的错误，每次失败时重新计算，不做持久化
type ClassifiedError struct {
	Category      ErrorCategory `json:"category"`
	UserMessage   string        `json:"userMessage"`
	Suggestions   []string      `json:"suggestions"`
	IsRecoverable bool          `json:"isRecoverable"`
	Retryable     bool          `json:"retryable"`
	Detail        string        `json:"detail,omitempty"`

	cause error
}

// NewClassifiedError 包装原始错误
func NewClassifiedError(cause error, category ErrorCategory, userMessage string, suggestions []string, recoverable, retryable bool) ClassifiedError {
	ce := ClassifiedError{
		Category:      category,
		UserMessage:   userMessage,
		Suggestions:   suggestions,
		IsRecoverable: recoverable,
		Retryable:     retryable,
		cause:         cause,
	}
	if cause != nil {
		ce.Detail = cause.Error()
	}
	return ce
}

func (e ClassifiedError) Error() string {
	if e.cause != nil {
		return string(e.Category) + ": " + e.cause.Error()
	}
	return string(e.Category) + ": " + e.UserMessage
}

// Unwrap 返回原始错误
func (e ClassifiedError) Unwrap() error {
	return e.cause
}

// ToBlock 转为错误块，debug 为 false 时不带细节
func (e ClassifiedError) ToBlock(debug bool) ErrorBlock {
	b := ErrorBlock{
		Category:    e.Category,
		Message:     e.UserMessage,
		Suggestions: e.Suggestions,
	}
	if debug {
		b.Detail = e.Detail
	}
	return b
}
