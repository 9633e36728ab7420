//go:build !stdio

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/contextkeeper/workspace-query/internal/api"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("启动 Workspace Query HTTP 服务器...")

	cfg, pipeline, _, cleanup := initializeServices()
	defer cleanup()

	if cfg.GinMode == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	handler := api.NewHandler(pipeline.Orchestrator, pipeline.FileMatch, cfg.ServiceName, cfg.Debug)
	router := api.NewRouter(handler, cfg.GinMode == "debug")

	addr := fmt.Sprintf("%s:%s", cfg.Host, cfg.HTTPServerPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.RequestBudget + 30*time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	// 优雅关闭处理
	idle := make(chan struct{})
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		log.Println("正在关闭服务器...")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("服务器关闭时出错: %v", err)
		}
		close(idle)
	}()

	log.Printf("Workspace Query 服务器启动在 %s", addr)
	log.Printf("健康检查: http://%s/health", addr)
	log.Printf("查询接口: POST http://%s/api/query", addr)
	log.Printf("阶段推送: ws://%s/ws/query", addr)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("HTTP服务器启动失败: %v", err)
	}
	<-idle
	log.Println("服务器已关闭")
}
