package utils

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TraceID 键名
const TraceIDKey = "traceId"

// TraceIDHeader 请求/响应头
const TraceIDHeader = "X-Trace-ID"

type traceIDCtxKey struct{}

// GenerateTraceID 生成TraceID
func GenerateTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// TraceIDHook logrus钩子，从entry.Context中取出TraceID
type TraceIDHook struct{}

// Levels 返回适用的日志级别
func (hook *TraceIDHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire 在每次日志记录时触发
func (hook *TraceIDHook) Fire(entry *logrus.Entry) error {
	if entry.Context == nil {
		return nil
	}
	if traceID := GetTraceIDFromContext(entry.Context); traceID != "" {
		entry.Data[TraceIDKey] = traceID
	}
	return nil
}

// InitTraceIDSystem 初始化日志格式与TraceID钩子
func InitTraceIDSystem(debug bool) {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006/01/02 15:04:05",
		DisableColors:   true,
		CallerPrettyfier: func(f *runtime.Frame) (string, string) {
			return "", fmt.Sprintf("%s:%d", f.File, f.Line)
		},
	})
	logrus.SetReportCaller(true)
	logrus.AddHook(&TraceIDHook{})
	logrus.SetOutput(os.Stdout)
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	log.Printf("TraceID系统初始化完成")
}

// TraceIDMiddleware Gin中间件：读取或生成TraceID并写入请求context
func TraceIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(TraceIDHeader)
		if traceID == "" {
			traceID = GenerateTraceID()
		}

		c.Set(TraceIDKey, traceID)
		c.Request = c.Request.WithContext(WithTraceID(c.Request.Context(), traceID))
		c.Header(TraceIDHeader, traceID)

		c.Next()
	}
}

// GetTraceIDFromGin 从Gin上下文获取TraceID
func GetTraceIDFromGin(c *gin.Context) string {
	if traceID, exists := c.Get(TraceIDKey); exists {
		if s, ok := traceID.(string); ok {
			return s
		}
	}
	return ""
}

// GetTraceIDFromContext 从标准context获取TraceID
func GetTraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if traceID, ok := ctx.Value(traceIDCtxKey{}).(string); ok {
		return traceID
	}
	return ""
}

// WithTraceID 将TraceID添加到标准context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDCtxKey{}, traceID)
}

// Logger 返回带TraceID的logrus entry
func Logger(ctx context.Context) *logrus.Entry {
	if ctx == nil {
		ctx = context.Background()
	}
	return logrus.WithContext(ctx)
}
