package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config 应用配置，由 Load 创建后显式传递，不做全局单例
type Config struct {
	// 服务配置
	ServiceName    string
	Host           string // 服务监听地址
	HTTPServerPort string // HTTP服务端口
	GinMode        string // Gin运行模式
	Debug          bool   // 开发模式，错误响应附带细节
	StoragePath    string

	// ======== LLM配置 ========
	LLMProvider  string // openai | deepseek | gemini | none
	LLMAPIKey    string
	LLMBaseURL   string
	LLMModel     string
	LLMTimeout   time.Duration
	LLMRateLimit int // 每分钟请求数

	// ======== 意图与模糊匹配 ========
	IntentConfidenceThreshold float64
	FuzzyConfidenceThreshold  float64
	FuzzyMaxResults           int
	FuzzySemanticTable        string // 可选的概念表YAML路径

	// ======== 缓存 ========
	ResponseCacheTTL        time.Duration
	ResponseCacheMaxEntries int
	ContextCacheTTL         time.Duration

	// ======== 请求预算与重试 ========
	ContextFetchParallelism int
	RequestBudget           time.Duration
	RetryMaxRetries         int
	RetryBaseDelay          time.Duration
	RetryMaxDelay           time.Duration
	RetryBackoffMultiplier  float64

	// ======== 工作区存储 ========
	Store WorkspaceStoreConfig

	// 会话历史保留条数
	SessionHistoryLimit int
}

// Load 从环境变量加载配置
func Load() *Config {
	// 优先尝试 config/.env，然后兼容根目录 .env
	envPaths := []string{
		"config/.env",
		".env",
	}

	loaded := false
	for _, path := range envPaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				log.Printf("成功加载.env文件: %s", path)
				loaded = true
				break
			}
		}
	}

	if !loaded {
		log.Printf("警告: 未找到.env文件，尝试使用系统环境变量")
	}

	return FromEnv()
}

// FromEnv 只读取当前进程环境变量，测试中直接使用
func FromEnv() *Config {
	storagePath := getEnv("STORAGE_PATH", "./data")

	config := &Config{
		ServiceName:    getEnv("SERVICE_NAME", "workspace-query"),
		Host:           getEnv("HOST", "0.0.0.0"),
		HTTPServerPort: getEnv("HTTP_SERVER_PORT", "8088"),
		GinMode:        getEnv("GIN_MODE", "release"),
		Debug:          getEnvAsBool("DEBUG", false),
		StoragePath:    storagePath,

		LLMProvider:  getEnv("LLM_PROVIDER", "none"),
		LLMAPIKey:    getEnv("LLM_API_KEY", ""),
		LLMBaseURL:   getEnv("LLM_BASE_URL", ""),
		LLMModel:     getEnv("LLM_MODEL", ""),
		LLMTimeout:   getEnvAsDuration("LLM_TIMEOUT", 15*time.Second),
		LLMRateLimit: getEnvAsInt("LLM_RATE_LIMIT", 60),

		IntentConfidenceThreshold: getEnvAsFloat("INTENT_CONFIDENCE_THRESHOLD", 0.3),
		FuzzyConfidenceThreshold:  getEnvAsFloat("FUZZY_CONFIDENCE_THRESHOLD", 0.3),
		FuzzyMaxResults:           getEnvAsInt("FUZZY_MAX_RESULTS", 5),
		FuzzySemanticTable:        getEnv("FUZZY_SEMANTIC_TABLE", ""),

		ResponseCacheTTL:        getEnvAsDuration("RESPONSE_CACHE_TTL", 5*time.Minute),
		ResponseCacheMaxEntries: getEnvAsInt("RESPONSE_CACHE_MAX_ENTRIES", 500),
		ContextCacheTTL:         getEnvAsDuration("CONTEXT_CACHE_TTL", 2*time.Minute),

		ContextFetchParallelism: getEnvAsInt("CONTEXT_FETCH_PARALLELISM", 5),
		RequestBudget:           getEnvAsDuration("REQUEST_BUDGET", 5*time.Second),
		RetryMaxRetries:         getEnvAsInt("RETRY_MAX_RETRIES", 2),
		RetryBaseDelay:          getEnvAsDuration("RETRY_BASE_DELAY", 200*time.Millisecond),
		RetryMaxDelay:           getEnvAsDuration("RETRY_MAX_DELAY", 2*time.Second),
		RetryBackoffMultiplier:  getEnvAsFloat("RETRY_BACKOFF_MULTIPLIER", 2.0),

		Store: WorkspaceStoreConfig{
			Type:     getEnv("WORKSPACE_STORE_TYPE", StoreMemory),
			DSN:      getEnv("WORKSPACE_STORE_DSN", ""),
			MaxConns: getEnvAsInt("WORKSPACE_STORE_MAX_CONNS", 10),
			SeedDemo: getEnvAsBool("WORKSPACE_STORE_SEED_DEMO", true),
		},

		SessionHistoryLimit: getEnvAsInt("SESSION_HISTORY_LIMIT", 20),
	}

	// sqlite 未指定DSN时落在存储目录下
	if config.Store.Type == StoreSQLite && config.Store.DSN == "" {
		if err := ensureDir(storagePath); err != nil {
			log.Printf("警告: 创建存储目录失败: %v", err)
		}
		config.Store.DSN = filepath.Join(storagePath, "workspace.db")
	}

	return config
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	switch c.LLMProvider {
	case "openai", "deepseek", "gemini", "none":
	default:
		return fmt.Errorf("不支持的LLM_PROVIDER: %s", c.LLMProvider)
	}
	if c.LLMProvider != "none" && c.LLMAPIKey == "" {
		return fmt.Errorf("LLM_PROVIDER=%s 需要设置 LLM_API_KEY", c.LLMProvider)
	}
	if c.IntentConfidenceThreshold < 0 || c.IntentConfidenceThreshold > 1 {
		return fmt.Errorf("INTENT_CONFIDENCE_THRESHOLD 必须在[0,1]之间: %v", c.IntentConfidenceThreshold)
	}
	if c.ContextFetchParallelism < 1 {
		return fmt.Errorf("CONTEXT_FETCH_PARALLELISM 必须大于0: %d", c.ContextFetchParallelism)
	}
	if c.RetryMaxRetries < 0 {
		return fmt.Errorf("RETRY_MAX_RETRIES 不能为负数: %d", c.RetryMaxRetries)
	}
	if c.RetryBackoffMultiplier < 1 {
		return fmt.Errorf("RETRY_BACKOFF_MULTIPLIER 不能小于1: %v", c.RetryBackoffMultiplier)
	}
	return c.Store.Validate()
}

// String 返回配置的字符串表示
func (c *Config) String() string {
	return fmt.Sprintf(
		"服务名称: %s, 端口: %s, 调试模式: %v, LLM: %s/%s, 密钥: %s, "+
			"存储: %s, 响应缓存: %v/%d条, 上下文缓存: %v, 请求预算: %v, 重试: %d次",
		c.ServiceName, c.HTTPServerPort, c.Debug, c.LLMProvider, c.LLMModel, maskString(c.LLMAPIKey),
		c.Store.Type, c.ResponseCacheTTL, c.ResponseCacheMaxEntries, c.ContextCacheTTL,
		c.RequestBudget, c.RetryMaxRetries,
	)
}

// 从环境变量获取字符串值
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// 从环境变量获取整数值
func getEnvAsInt(key string, defaultValue int) int {
	strValue := getEnv(key, "")
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return defaultValue
}

// 从环境变量获取布尔值
func getEnvAsBool(key string, defaultValue bool) bool {
	strValue := getEnv(key, "")
	if value, err := strconv.ParseBool(strValue); err == nil {
		return value
	}
	return defaultValue
}

// 从环境变量获取浮点值
func getEnvAsFloat(key string, defaultValue float64) float64 {
	strValue := getEnv(key, "")
	if value, err := strconv.ParseFloat(strValue, 64); err == nil {
		return value
	}
	return defaultValue
}

// 从环境变量获取时间值
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	strValue := getEnv(key, "")
	if value, err := time.ParseDuration(strValue); err == nil {
		return value
	}
	return defaultValue
}

// 确保目录存在
func ensureDir(dirPath string) error {
	if _, err := os.Stat(dirPath); os.IsNotExist(err) {
		return os.MkdirAll(dirPath, 0755)
	}
	return nil
}

// 掩码字符串，用于日志输出安全
func maskString(input string) string {
	if len(input) <= 8 {
		return "***"
	}
	return input[:4] + "..." + input[len(input)-4:]
}
