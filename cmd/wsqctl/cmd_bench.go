package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/contextkeeper/workspace-query/internal/models"
	"github.com/contextkeeper/workspace-query/internal/services"
	"github.com/contextkeeper/workspace-query/internal/store"
)

// =============================================================================
// BENCH COMMAND - 内存工作区上的端到端延迟压测
// =============================================================================

type benchOptions struct {
	count          int
	distinct       int
	concurrency    int
	seed           int64
	extraDatabases int
	extraPages     int
	rowsPerDB      int
}

var benchOpts benchOptions

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run generated queries against a seeded in-memory workspace",
	Long: `bench seeds an in-memory workspace with gofakeit, generates a pool of
questions against it and replays them through the pipeline, printing latency
percentiles and the response cache hit ratio.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := runBench(cmd.Context(), benchOpts, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), report)
		}
		report.print(cmd.OutOrStdout())
		return nil
	},
}

func init() {
	f := benchCmd.Flags()
	f.IntVarP(&benchOpts.count, "count", "n", 200, "number of queries to run")
	f.IntVar(&benchOpts.distinct, "distinct", 0, "size of the query pool (default count/4)")
	f.IntVarP(&benchOpts.concurrency, "concurrency", "c", 4, "parallel requests")
	f.Int64Var(&benchOpts.seed, "seed", 42, "fixture seed")
	f.IntVar(&benchOpts.extraDatabases, "extra-databases", 20, "random databases added to the demo workspace")
	f.IntVar(&benchOpts.extraPages, "extra-pages", 30, "random pages added to the demo workspace")
	f.IntVar(&benchOpts.rowsPerDB, "rows", 200, "rows per database")
}

// BenchReport 压测结果
type BenchReport struct {
	Queries     int            `json:"queries"`
	Distinct    int            `json:"distinct"`
	Concurrency int            `json:"concurrency"`
	TotalTime   time.Duration  `json:"totalTime"`
	P50         time.Duration  `json:"p50"`
	P95         time.Duration  `json:"p95"`
	Max         time.Duration  `json:"max"`
	SuccessRate float64        `json:"successRate"`
	CacheHits   int            `json:"cacheHits"`
	HitRatio    float64        `json:"hitRatio"`
	ByRoute     map[string]int `json:"byRoute"`
}

func (r BenchReport) print(w io.Writer) {
	fmt.Fprintf(w, "queries:      %d (%d distinct, concurrency %d)\n", r.Queries, r.Distinct, r.Concurrency)
	fmt.Fprintf(w, "wall time:    %v\n", r.TotalTime.Round(time.Millisecond))
	fmt.Fprintf(w, "latency p50:  %v\n", r.P50)
	fmt.Fprintf(w, "latency p95:  %v\n", r.P95)
	fmt.Fprintf(w, "latency max:  %v\n", r.Max)
	fmt.Fprintf(w, "success rate: %.1f%%\n", r.SuccessRate)
	fmt.Fprintf(w, "cache hits:   %d (%.1f%%)\n", r.CacheHits, r.HitRatio*100)

	routes := make([]string, 0, len(r.ByRoute))
	for route := range r.ByRoute {
		routes = append(routes, route)
	}
	sort.Strings(routes)
	for _, route := range routes {
		fmt.Fprintf(w, "  %-22s %d\n", route, r.ByRoute[route])
	}
}

type benchSample struct {
	latency time.Duration
	success bool
	cached  bool
	route   string
}

func runBench(ctx context.Context, opts benchOptions, progress io.Writer) (BenchReport, error) {
	if opts.count <= 0 {
		return BenchReport{}, fmt.Errorf("--count must be positive")
	}
	if opts.concurrency <= 0 {
		opts.concurrency = 1
	}
	if opts.distinct <= 0 {
		opts.distinct = max(1, opts.count/4)
	}

	mem := store.NewMemoryWorkspaceStore()
	seeded, err := store.SeedDemo(ctx, mem, store.SeedOptions{
		Seed:           opts.seed,
		RowsPerDB:      opts.rowsPerDB,
		ExtraDatabases: opts.extraDatabases,
		ExtraPages:     opts.extraPages,
	})
	if err != nil {
		return BenchReport{}, err
	}

	_, p, err := openPipeline(ctx, services.PipelineOptions{Store: mem})
	if err != nil {
		return BenchReport{}, err
	}
	defer p.Close()

	dbs, err := mem.ListDatabases(ctx, seeded.WorkspaceID)
	if err != nil {
		return BenchReport{}, err
	}
	pages, err := mem.ListPages(ctx, seeded.WorkspaceID)
	if err != nil {
		return BenchReport{}, err
	}

	faker := gofakeit.New(opts.seed)
	pool := generateQueries(faker, dbs, pages, opts.distinct)

	samples := make([]benchSample, opts.count)
	bar := progressbar.NewOptions(opts.count,
		progressbar.OptionSetWriter(progress),
		progressbar.OptionSetDescription("查询压测"),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.concurrency)
	start := time.Now()
	for i := 0; i < opts.count; i++ {
		query := pool[faker.Number(0, len(pool)-1)]
		g.Go(func() error {
			t := time.Now()
			resp := p.Orchestrator.Handle(gctx, models.QueryRequest{
				Query:       query,
				WorkspaceID: seeded.WorkspaceID,
				UserID:      seeded.UserID,
			})
			s := benchSample{latency: time.Since(t), success: resp.Success, cached: resp.Cached}
			if resp.Response != nil {
				s.route = string(resp.Response.Metadata.Route)
			}
			samples[i] = s

			_ = bar.Add(1)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return BenchReport{}, err
	}
	_ = bar.Finish()

	report := summarize(samples)
	report.Distinct = len(pool)
	report.Concurrency = opts.concurrency
	report.TotalTime = time.Since(start)
	return report, nil
}

// summarize 汇总延迟分位数、成功率和缓存命中率
func summarize(samples []benchSample) BenchReport {
	r := BenchReport{Queries: len(samples), ByRoute: make(map[string]int)}
	if len(samples) == 0 {
		return r
	}

	latencies := make([]time.Duration, len(samples))
	success := 0
	for i, s := range samples {
		latencies[i] = s.latency
		if s.success {
			success++
		}
		if s.cached {
			r.CacheHits++
		}
		if s.route != "" {
			r.ByRoute[s.route]++
		}
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	r.P50 = percentile(latencies, 0.50)
	r.P95 = percentile(latencies, 0.95)
	r.Max = latencies[len(latencies)-1]
	r.SuccessRate = float64(success) / float64(len(samples)) * 100
	r.HitRatio = float64(r.CacheHits) / float64(len(samples))
	return r
}

// percentile 最近秩法，sorted 需升序
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	idx = min(max(idx, 0), len(sorted)-1)
	return sorted[idx]
}

// generateQueries 按工作区内容生成不重复的问题
func generateQueries(f *gofakeit.Faker, dbs []models.DatabaseRecord, pages []models.PageRecord, n int) []string {
	seen := make(map[string]bool, n)
	out := make([]string, 0, n)
	for attempts := 0; len(out) < n && attempts < n*20; attempts++ {
		q := randomQuery(f, dbs, pages)
		if q == "" || seen[q] {
			continue
		}
		seen[q] = true
		out = append(out, q)
	}
	if len(out) == 0 {
		out = append(out, "help")
	}
	return out
}

func randomQuery(f *gofakeit.Faker, dbs []models.DatabaseRecord, pages []models.PageRecord) string {
	if len(dbs) == 0 {
		return ""
	}
	db := dbs[f.Number(0, len(dbs)-1)]
	name := strings.TrimSuffix(db.Name, ".csv")
	name = strings.TrimSuffix(name, ".xlsx")

	var numeric, categorical []string
	for _, c := range db.Columns {
		switch c.Type {
		case models.ColumnNumber:
			numeric = append(numeric, c.Name)
		case models.ColumnSelect, models.ColumnText:
			categorical = append(categorical, c.Name)
		}
	}

	switch f.Number(0, 6) {
	case 0:
		if len(numeric) > 0 {
			return fmt.Sprintf("What's the average %s in %s?", f.RandomString(numeric), name)
		}
	case 1:
		if len(numeric) > 0 && len(categorical) > 0 {
			return fmt.Sprintf("Total %s by %s in %s", f.RandomString(numeric), f.RandomString(categorical), name)
		}
	case 2:
		return fmt.Sprintf("Show me the %s data", name)
	case 3:
		return fmt.Sprintf("How many rows are in %s?", name)
	case 4:
		if len(pages) > 0 {
			title := pages[f.Number(0, len(pages)-1)].Title
			return fmt.Sprintf("Find the %s page", strings.ToLower(title))
		}
	case 5:
		return fmt.Sprintf("Delete the old rows from %s", name)
	}
	return f.RandomString([]string{"help", "Tell me a joke", "How do I use this?"})
}
