package main

import (
	"context"
	"log"

	"github.com/sirupsen/logrus"

	"github.com/contextkeeper/workspace-query/internal/config"
	"github.com/contextkeeper/workspace-query/internal/services"
	"github.com/contextkeeper/workspace-query/internal/utils"
)

// initializeServices 加载配置并组装查询管道，HTTP 与 STDIO 两种入口共用
func initializeServices() (*config.Config, *services.Pipeline, context.Context, context.CancelFunc) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("配置校验失败: %v", err)
	}
	log.Printf("配置加载完成: %s", cfg.String())

	utils.InitTraceIDSystem(cfg.Debug)
	// 与标准日志使用同一输出，STDIO 模式下不能写 stdout
	logrus.SetOutput(log.Writer())

	ctx, cancel := context.WithCancel(context.Background())
	pipeline, err := services.NewPipeline(ctx, cfg, services.PipelineOptions{})
	if err != nil {
		cancel()
		log.Fatalf("初始化查询管道失败: %v", err)
	}

	cleanup := func() {
		pipeline.Close()
		cancel()
		log.Println("查询管道已关闭")
	}
	return cfg, pipeline, ctx, cleanup
}
