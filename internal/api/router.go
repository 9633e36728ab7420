package api

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/contextkeeper/workspace-query/internal/utils"
)

// NewRouter 创建带中间件的Gin路由器并注册全部路由
func NewRouter(h *Handler, accessLog bool) *gin.Engine {
	router := gin.New()

	if accessLog {
		router.Use(gin.Logger())
	}
	router.Use(gin.Recovery())
	router.Use(utils.TraceIDMiddleware())

	// 配置CORS
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "HEAD", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", "Accept", "Cache-Control", "X-Requested-With", utils.TraceIDHeader}
	corsConfig.ExposeHeaders = []string{"Content-Length", utils.TraceIDHeader}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	h.RegisterRoutes(router)
	return router
}
