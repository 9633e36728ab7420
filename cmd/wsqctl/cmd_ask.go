package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/contextkeeper/workspace-query/internal/models"
	"github.com/contextkeeper/workspace-query/internal/resilience"
	"github.com/contextkeeper/workspace-query/internal/services"
)

// =============================================================================
// ASK / MATCH / CLASSIFY-ERROR
// =============================================================================

var askDebug bool

var askCmd = &cobra.Command{
	Use:   "ask [question...]",
	Short: "Ask a natural-language question about a workspace",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, p, err := openPipeline(cmd.Context(), services.PipelineOptions{})
		if err != nil {
			return err
		}
		defer p.Close()

		resp := p.Orchestrator.Handle(cmd.Context(), models.QueryRequest{
			Query:       strings.Join(args, " "),
			WorkspaceID: workspaceID,
			UserID:      userID,
			Options:     models.QueryOptions{IncludeDebug: askDebug},
		})
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		renderResponse(cmd.OutOrStdout(), resp)
		if !resp.Success {
			return fmt.Errorf("query failed: %s", resp.Content)
		}
		return nil
	},
}

var matchCmd = &cobra.Command{
	Use:   "match [mention...]",
	Short: "Resolve a file mention against the workspace databases",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, p, err := openPipeline(cmd.Context(), services.PipelineOptions{})
		if err != nil {
			return err
		}
		defer p.Close()

		resp, err := p.FileMatch.Match(cmd.Context(), models.FileMatchRequest{
			Query:       strings.Join(args, " "),
			WorkspaceID: workspaceID,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		renderMatches(cmd.OutOrStdout(), resp)
		return nil
	},
}

var classifyErrorCmd = &cobra.Command{
	Use:   "classify-error [message...]",
	Short: "Classify error text into a category with recovery suggestions",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ce := resilience.ClassifyMessage(strings.Join(args, " "))
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), ce)
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "category:    %s\n", ce.Category)
		fmt.Fprintf(w, "message:     %s\n", ce.UserMessage)
		fmt.Fprintf(w, "recoverable: %t  retryable: %t\n", ce.IsRecoverable, ce.Retryable)
		for _, s := range ce.Suggestions {
			fmt.Fprintf(w, "  - %s\n", s)
		}
		return nil
	},
}

func init() {
	askCmd.Flags().BoolVar(&askDebug, "debug", false, "include intent and routing details")
}

// =============================================================================
// 终端渲染
// =============================================================================

// renderResponse 逐块输出为纯文本
func renderResponse(w io.Writer, resp models.QueryResponse) {
	if resp.Response != nil {
		for _, b := range resp.Response.Blocks {
			renderBlock(w, b)
		}
		meta := resp.Response.Metadata
		if len(meta.DataSources) > 0 {
			fmt.Fprintf(w, "\nsources: %s\n", strings.Join(meta.DataSources, ", "))
		}
		for _, s := range meta.Suggestions {
			fmt.Fprintf(w, "hint: %s\n", s)
		}
		for _, q := range meta.FollowUpQuestions {
			fmt.Fprintf(w, "next: %s\n", q)
		}
	}

	flags := []string{fmt.Sprintf("%dms", resp.Performance.TotalTimeMs)}
	if resp.Cached {
		flags = append(flags, "cached")
	}
	if resp.Stale {
		flags = append(flags, "stale")
	}
	fmt.Fprintf(w, "(%s)\n", strings.Join(flags, ", "))

	if resp.Debug != nil {
		fmt.Fprintf(w, "intent=%s confidence=%.2f", resp.Debug.Intent, resp.Debug.Confidence)
		if resp.Debug.RoutingDecision != nil {
			fmt.Fprintf(w, " route=%s", resp.Debug.RoutingDecision.Primary)
		}
		fmt.Fprintln(w)
	}
}

func renderBlock(w io.Writer, b models.Block) {
	switch v := b.(type) {
	case models.TextBlock:
		fmt.Fprintln(w, v.Text)
	case models.InsightBlock:
		fmt.Fprintf(w, "* %s: %s", v.Label, formatValue(v.Value))
		if v.Detail != "" {
			fmt.Fprintf(w, " (%s)", v.Detail)
		}
		fmt.Fprintln(w)
	case models.TableBlock:
		if v.Title != "" {
			fmt.Fprintf(w, "== %s ==\n", v.Title)
		}
		fmt.Fprintln(w, strings.Join(v.Columns, " | "))
		for _, row := range v.Rows {
			cells := make([]string, len(row))
			for i, c := range row {
				cells[i] = fmt.Sprint(c)
			}
			fmt.Fprintln(w, strings.Join(cells, " | "))
		}
	case models.ChartBlock:
		fmt.Fprintf(w, "[%s chart] %s\n", v.ChartType, v.Title)
		for i, label := range v.Labels {
			if i < len(v.Values) {
				fmt.Fprintf(w, "  %-16s %s\n", label, formatValue(v.Values[i]))
			}
		}
	case models.ListBlock:
		if v.Title != "" {
			fmt.Fprintf(w, "%s:\n", v.Title)
		}
		for _, item := range v.Items {
			fmt.Fprintf(w, "  - %s", item.Title)
			if item.Snippet != "" {
				fmt.Fprintf(w, ": %s", item.Snippet)
			}
			fmt.Fprintln(w)
		}
	case models.ActionConfirmationBlock:
		fmt.Fprintf(w, "[confirm %s] %s\n", v.Verb, v.Description)
	case models.ErrorBlock:
		fmt.Fprintf(w, "error (%s): %s\n", v.Category, v.Message)
		for _, s := range v.Suggestions {
			fmt.Fprintf(w, "  - %s\n", s)
		}
	}
}

func formatValue(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.2f", v)
}

func renderMatches(w io.Writer, resp models.FileMatchResponse) {
	if len(resp.Results) == 0 {
		fmt.Fprintln(w, "no matching files")
		return
	}
	for _, r := range resp.Results {
		fmt.Fprintf(w, "%-28s %.2f  %-8s %s\n", r.File.Name, r.Confidence, r.MatchType, r.Reason)
	}
	switch {
	case resp.AutoSelect != nil:
		fmt.Fprintf(w, "auto-select: %s\n", resp.AutoSelect.File.Name)
	case resp.NeedsPrompt:
		fmt.Fprintln(w, "ambiguous: ask the user to pick one")
	}
}
