package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/contextkeeper/workspace-query/internal/cache"
	"github.com/contextkeeper/workspace-query/internal/models"
	"github.com/contextkeeper/workspace-query/internal/resilience"
	"github.com/contextkeeper/workspace-query/internal/services"
	"github.com/contextkeeper/workspace-query/internal/utils"
)

// QueryService 查询编排入口
type QueryService interface {
	HandleWithObserver(ctx context.Context, req models.QueryRequest, observer services.StageObserver) models.QueryResponse
	CacheStats() cache.Stats
	FlushCache()
}

// FileMatcher 文件模糊匹配
type FileMatcher interface {
	Match(ctx context.Context, req models.FileMatchRequest) (models.FileMatchResponse, error)
}

// Handler API处理器
type Handler struct {
	queries     QueryService
	files       FileMatcher
	serviceName string
	debug       bool
	startTime   time.Time
}

// NewHandler 创建API处理器，debug 为 true 时错误响应附带细节
func NewHandler(queries QueryService, files FileMatcher, serviceName string, debug bool) *Handler {
	return &Handler{
		queries:     queries,
		files:       files,
		serviceName: serviceName,
		debug:       debug,
		startTime:   time.Now(),
	}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.handleHealth)
	router.GET("/ws/query", h.HandleQueryWebSocket)

	api := router.Group("/api")
	{
		api.POST("/query", h.handleQuery)
		api.POST("/files/match", h.handleFileMatch)
		api.POST("/errors/classify", h.handleClassifyError)
		api.GET("/cache/stats", h.handleCacheStats)
		api.DELETE("/cache", h.handleFlushCache)
	}
}

// 健康检查处理函数
func (h *Handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": h.serviceName,
		"uptime":  time.Since(h.startTime).Round(time.Second).String(),
	})
}

// handleQuery 自然语言查询
// 流水线失败同样返回200，只有请求本身不合法时返回400
func (h *Handler) handleQuery(c *gin.Context) {
	var req models.QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, invalidQuery(err))
		return
	}

	resp := h.queries.HandleWithObserver(c.Request.Context(), req, nil)
	status := http.StatusOK
	if !resp.Success && resp.Metadata != nil && resp.Metadata.Category == models.ErrorValidation {
		status = http.StatusBadRequest
	}
	c.JSON(status, resp)
}

// handleFileMatch 把工作区数据库当作文件做模糊匹配
func (h *Handler) handleFileMatch(c *gin.Context) {
	var req models.FileMatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, h.errorBody(validationError(err)))
		return
	}

	resp, err := h.files.Match(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, services.ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, h.errorBody(validationError(err)))
			return
		}
		classified := resilience.Classify(err)
		utils.Logger(c.Request.Context()).WithFields(logrus.Fields{
			"workspace_id": req.WorkspaceID,
			"category":     classified.Category,
		}).WithError(err).Error("[文件匹配] 请求失败")
		c.JSON(http.StatusInternalServerError, h.errorBody(classified))
		return
	}
	c.JSON(http.StatusOK, resp)
}

// handleClassifyError 诊断接口：对一段错误文本分类
func (h *Handler) handleClassifyError(c *gin.Context) {
	var req models.ClassifyErrorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, h.errorBody(validationError(err)))
		return
	}
	c.JSON(http.StatusOK, resilience.ClassifyMessage(req.Message))
}

func (h *Handler) handleCacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.queries.CacheStats())
}

func (h *Handler) handleFlushCache(c *gin.Context) {
	h.queries.FlushCache()
	utils.Logger(c.Request.Context()).Info("[缓存] 响应缓存已清空")
	c.JSON(http.StatusOK, gin.H{"status": "flushed"})
}

// =============================================================================
// 错误响应
// =============================================================================

const invalidBodySuggestion = "Send a JSON body with a non-empty query and a workspaceId"

func validationError(err error) models.ClassifiedError {
	return models.NewClassifiedError(err, models.ErrorValidation,
		"The request is invalid.", []string{invalidBodySuggestion}, true, false)
}

// invalidQuery 请求体无法解析时的查询响应，形状与流水线失败一致
func invalidQuery(err error) models.QueryResponse {
	ce := validationError(err)
	return models.QueryResponse{
		Success: false,
		Content: ce.UserMessage,
		Metadata: &models.FailureMetadata{
			Error:       ce.UserMessage,
			Category:    ce.Category,
			Suggestions: ce.Suggestions,
			Timestamp:   time.Now(),
		},
	}
}

// errorBody 非调试模式下去掉原始错误细节
func (h *Handler) errorBody(ce models.ClassifiedError) models.ClassifiedError {
	if !h.debug {
		ce.Detail = ""
	}
	return ce
}
