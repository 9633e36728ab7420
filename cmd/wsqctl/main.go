// Package main implements wsqctl, the operator CLI for the workspace query pipeline.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/contextkeeper/workspace-query/internal/config"
	"github.com/contextkeeper/workspace-query/internal/services"
	"github.com/contextkeeper/workspace-query/internal/store"
)

var (
	workspaceID string
	userID      string
	jsonOutput  bool
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:   "wsqctl",
	Short: "Operate the workspace query pipeline from the terminal",
	Long: `wsqctl runs the same pipeline as the HTTP server in-process:
ask questions, resolve file mentions, classify error text and benchmark latency.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// 日志写 stderr，避免混进 --json 输出
		log.SetOutput(os.Stderr)
		logrus.SetOutput(os.Stderr)
		if verbose {
			logrus.SetLevel(logrus.DebugLevel)
		} else {
			logrus.SetLevel(logrus.WarnLevel)
			log.SetOutput(io.Discard)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workspaceID, "workspace", "w", store.DemoWorkspaceID, "workspace uuid")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", "", "user uuid (enables session history)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "show pipeline logs")

	rootCmd.AddCommand(askCmd, matchCmd, classifyErrorCmd, benchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openPipeline 按 .env 和环境变量创建管道
func openPipeline(ctx context.Context, opts services.PipelineOptions) (*config.Config, *services.Pipeline, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	p, err := services.NewPipeline(ctx, cfg, opts)
	if err != nil {
		return nil, nil, err
	}
	return cfg, p, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
