//go:build stdio

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"github.com/contextkeeper/workspace-query/internal/models"
	"github.com/contextkeeper/workspace-query/internal/resilience"
	"github.com/contextkeeper/workspace-query/internal/services"
)

func main() {
	// MCP 使用 stdout 通信，日志只能写到 stderr 和文件
	log.SetOutput(os.Stderr)
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("启动 Workspace Query STDIO MCP 服务器...")

	cfg, pipeline, _, cleanup := initializeServices()
	defer cleanup()

	logDir := filepath.Join(cfg.StoragePath, "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		log.Printf("警告: 无法创建日志目录: %v", err)
	}
	logFile, err := os.OpenFile(filepath.Join(logDir, "workspace-query-mcp.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Printf("警告: 无法打开日志文件: %v，日志将仅输出到标准错误", err)
		logrus.SetOutput(os.Stderr)
	} else {
		defer logFile.Close()
		multiWriter := io.MultiWriter(os.Stderr, logFile)
		log.SetOutput(multiWriter)
		logrus.SetOutput(multiWriter)
	}

	serverOptions := []server.ServerOption{}
	if cfg.Debug {
		serverOptions = append(serverOptions, server.WithLogging())
	}
	s := server.NewMCPServer(cfg.ServiceName, "1.0.0", serverOptions...)
	registerMCPTools(s, pipeline)

	log.Println("Workspace Query STDIO MCP 服务器已启动，等待连接...")
	if err := server.ServeStdio(s); err != nil {
		log.Printf("MCP服务器退出: %v", err)
	}
}

// registerMCPTools 注册查询、文件匹配与错误分类工具
func registerMCPTools(s *server.MCPServer, pipeline *services.Pipeline) {
	askTool := mcp.NewTool("ask_workspace",
		mcp.WithDescription("Answer a natural-language question about the databases and pages of a workspace"),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("The question, e.g. \"What's the average revenue in sales_data?\""),
		),
		mcp.WithString("workspaceId",
			mcp.Required(),
			mcp.Description("Workspace uuid"),
		),
		mcp.WithString("userId",
			mcp.Description("Optional user uuid, enables session history"),
		),
	)
	s.AddTool(askTool, askWorkspaceHandler(pipeline.Orchestrator))

	matchTool := mcp.NewTool("match_files",
		mcp.WithDescription("Fuzzy-match a file mention against the databases of a workspace"),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Free text mentioning a file, e.g. \"the sales sheet from last week\""),
		),
		mcp.WithString("workspaceId",
			mcp.Required(),
			mcp.Description("Workspace uuid"),
		),
	)
	s.AddTool(matchTool, matchFilesHandler(pipeline.FileMatch))

	classifyTool := mcp.NewTool("classify_error",
		mcp.WithDescription("Classify an error message into a category with recovery suggestions"),
		mcp.WithString("message",
			mcp.Required(),
			mcp.Description("Raw error text"),
		),
	)
	s.AddTool(classifyTool, classifyErrorHandler())
}

type toolHandler = func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)

// stringArg 读取字符串参数，required 时空值返回错误信息
func stringArg(args map[string]interface{}, name string, required bool) (string, string) {
	v, ok := args[name].(string)
	if required && (!ok || v == "") {
		return "", fmt.Sprintf("错误: %s必须是非空字符串", name)
	}
	return v, ""
}

// jsonResult 序列化为文本结果，工具错误以文本返回给调用方
func jsonResult(name string, args map[string]interface{}, start time.Time, v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		errMsg := fmt.Sprintf("序列化结果失败: %v", err)
		logToolCall(name, args, errMsg, err, time.Since(start))
		return mcp.NewToolResultText(errMsg), nil
	}
	logToolCall(name, args, string(data), nil, time.Since(start))
	return mcp.NewToolResultText(string(data)), nil
}

func argError(name string, args map[string]interface{}, start time.Time, errMsg string) (*mcp.CallToolResult, error) {
	logToolCall(name, args, errMsg, fmt.Errorf("%s", errMsg), time.Since(start))
	return mcp.NewToolResultText(errMsg), nil
}

func askWorkspaceHandler(orch *services.Orchestrator) toolHandler {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		args := request.Params.Arguments

		query, errMsg := stringArg(args, "query", true)
		if errMsg != "" {
			return argError("ask_workspace", args, start, errMsg)
		}
		workspaceID, errMsg := stringArg(args, "workspaceId", true)
		if errMsg != "" {
			return argError("ask_workspace", args, start, errMsg)
		}
		userID, _ := stringArg(args, "userId", false)

		resp := orch.Handle(ctx, models.QueryRequest{Query: query, WorkspaceID: workspaceID, UserID: userID})
		return jsonResult("ask_workspace", args, start, resp)
	}
}

func matchFilesHandler(files *services.FileMatchService) toolHandler {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		args := request.Params.Arguments

		query, errMsg := stringArg(args, "query", true)
		if errMsg != "" {
			return argError("match_files", args, start, errMsg)
		}
		workspaceID, errMsg := stringArg(args, "workspaceId", true)
		if errMsg != "" {
			return argError("match_files", args, start, errMsg)
		}

		resp, err := files.Match(ctx, models.FileMatchRequest{Query: query, WorkspaceID: workspaceID})
		if err != nil {
			ce := resilience.Classify(err)
			ce.Detail = ""
			log.Printf("[工具调用: match_files] 匹配失败: %v", err)
			return jsonResult("match_files", args, start, ce)
		}
		return jsonResult("match_files", args, start, resp)
	}
}

func classifyErrorHandler() toolHandler {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		args := request.Params.Arguments

		message, errMsg := stringArg(args, "message", true)
		if errMsg != "" {
			return argError("classify_error", args, start, errMsg)
		}
		return jsonResult("classify_error", args, start, resilience.ClassifyMessage(message))
	}
}

// logToolCall 记录工具调用的耗时与结果
func logToolCall(name string, request map[string]interface{}, response interface{}, err error, duration time.Duration) {
	requestJSON, jsonErr := json.Marshal(request)
	if jsonErr != nil {
		requestJSON = []byte(fmt.Sprintf("无法序列化请求: %v", jsonErr))
	}

	if err != nil {
		log.Printf("[工具调用: %s] 耗时=%v 请求=%s 错误=%v", name, duration, requestJSON, err)
		return
	}
	size := 0
	if s, ok := response.(string); ok {
		size = len(s)
	}
	log.Printf("[工具调用: %s] 耗时=%v 请求=%s 响应长度=%d字节", name, duration, requestJSON, size)
}
