package contextx

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/contextkeeper/workspace-query/internal/cache"
	"github.com/contextkeeper/workspace-query/internal/engines/fuzzy"
	"github.com/contextkeeper/workspace-query/internal/models"
	"github.com/contextkeeper/workspace-query/internal/resilience"
	"github.com/contextkeeper/workspace-query/internal/store"
	"github.com/contextkeeper/workspace-query/internal/utils"
)

// 上下文切片名称，降级时写入 QueryContext.Degraded
const (
	SliceWorkspace = "workspace"
	SliceDatabases = "databases"
	SlicePages     = "pages"
	SliceUser      = "user"
	SliceHistory   = "history"
)

const (
	DefaultParallelism   = 5
	DefaultSnapshotTTL   = 2 * time.Minute
	DefaultMaxCandidates = 20
	DefaultHistoryWindow = 5
	snapshotCacheEntries = 256
	snapshotFetchTimeout = 10 * time.Second
)

// HistoryReader 会话历史读取接口
type HistoryReader interface {
	Recent(ctx context.Context, userID, workspaceID string, n int) ([]models.HistoryEntry, error)
}

// workspaceSnapshot 工作区静态元数据的短期快照，缓存内共享，只读
type workspaceSnapshot struct {
	workspace   *models.Workspace
	databases   []models.DatabaseRecord
	pages       []models.PageRecord
	fingerprint string
}

// snapshotLoad 一次快照加载的结果，failures 按切片名记录
type snapshotLoad struct {
	snap     workspaceSnapshot
	failures map[string]error
}

// Engine 上下文抽取引擎
type Engine struct {
	reader        store.WorkspaceReader
	history       HistoryReader
	resolver      *fuzzy.Resolver
	snapshots     *cache.TTLCache[string, workspaceSnapshot]
	loads         singleflight.Group
	parallelism   int
	maxCandidates int
	historyWindow int
	now           func() time.Time
}

// Options 引擎配置
type Options struct {
	Parallelism   int
	SnapshotTTL   time.Duration
	MaxCandidates int
	HistoryWindow int
	Resolver      *fuzzy.Resolver
	Now           func() time.Time
}

// NewEngine 创建引擎，history 可为 nil；使用完需 Close
func NewEngine(reader store.WorkspaceReader, history HistoryReader, opts Options) *Engine {
	if opts.Parallelism <= 0 {
		opts.Parallelism = DefaultParallelism
	}
	if opts.SnapshotTTL <= 0 {
		opts.SnapshotTTL = DefaultSnapshotTTL
	}
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = DefaultMaxCandidates
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = DefaultHistoryWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Resolver == nil {
		opts.Resolver = fuzzy.NewResolver(fuzzy.WithClock(opts.Now))
	}

	return &Engine{
		reader:   reader,
		history:  history,
		resolver: opts.Resolver,
		snapshots: cache.New[string, workspaceSnapshot](cache.Options{
			TTL:             opts.SnapshotTTL,
			MaxEntries:      snapshotCacheEntries,
			JanitorInterval: opts.SnapshotTTL,
			Now:             opts.Now,
		}),
		parallelism:   opts.Parallelism,
		maxCandidates: opts.MaxCandidates,
		historyWindow: opts.HistoryWindow,
		now:           opts.Now,
	}
}

// Close 停止快照缓存的后台清理
func (e *Engine) Close() {
	e.snapshots.Close()
}

// NeedsContext 帮助、导航、闲聊类请求不需要工作区上下文
func NeedsContext(intent models.Intent) bool {
	switch intent {
	case models.IntentHelp, models.IntentNavigation, models.IntentGeneral:
		return false
	}
	return true
}

// =============================================================================
// 抽取
// =============================================================================

// Extract 并发获取五个上下文切片并打分
// 任何切片失败只降级为空，不影响其它切片，也不返回错误
func (e *Engine) Extract(ctx context.Context, query string, classification models.IntentClassification, workspaceID, userID string) *models.QueryContext {
	qctx := &models.QueryContext{
		Databases:         []models.DatabaseContext{},
		Pages:             []models.PageContext{},
		SessionHistory:    []models.HistoryEntry{},
		ExtractedEntities: append([]models.Entity{}, classification.Entities...),
	}
	if !NeedsContext(classification.Intent) {
		return qctx
	}

	var (
		load     snapshotLoad
		user     *models.UserProfile
		history  []models.HistoryEntry
		userErr  error
		histErr  error
		wantUser = userID != ""
	)

	var g errgroup.Group
	g.SetLimit(e.parallelism)
	g.Go(func() error {
		load = e.loadSnapshot(ctx, workspaceID)
		return nil
	})
	if wantUser {
		g.Go(func() error {
			user, userErr = e.reader.GetUser(ctx, userID)
			return nil
		})
	}
	if wantUser && e.history != nil {
		g.Go(func() error {
			history, histErr = e.history.Recent(ctx, userID, workspaceID, e.historyWindow)
			return nil
		})
	}
	g.Wait()

	failures := make(map[string]error, len(load.failures)+2)
	for name, err := range load.failures {
		failures[name] = err
	}
	if userErr != nil {
		failures[SliceUser] = userErr
	}
	if histErr != nil {
		failures[SliceHistory] = histErr
	}
	qctx.Degraded = e.degrade(ctx, workspaceID, failures)

	qctx.Workspace = load.snap.workspace
	qctx.Fingerprint = load.snap.fingerprint
	if userErr == nil {
		qctx.User = user
	}
	if histErr == nil && history != nil {
		qctx.SessionHistory = history
	}

	terms := newQueryTerms(query, classification.Entities)
	now := e.now()
	for _, db := range load.snap.databases {
		qctx.Databases = append(qctx.Databases, scoreDatabase(db, terms, now))
	}
	for _, p := range load.snap.pages {
		qctx.Pages = append(qctx.Pages, scorePage(p, terms, now))
	}
	qctx.SortByRelevance()
	if len(qctx.Databases) > e.maxCandidates {
		qctx.Databases = qctx.Databases[:e.maxCandidates]
	}
	if len(qctx.Pages) > e.maxCandidates {
		qctx.Pages = qctx.Pages[:e.maxCandidates]
	}

	qctx.ExtractedEntities = e.resolveEntities(classification.Entities, load.snap)

	utils.Logger(ctx).WithFields(logrus.Fields{
		"workspace_id": workspaceID,
		"databases":    len(qctx.Databases),
		"pages":        len(qctx.Pages),
		"top_db_score": qctx.TopDatabaseScore(),
		"degraded":     qctx.Degraded,
	}).Debug("[上下文抽取] 完成")
	return qctx
}

// degrade 记录降级切片，未找到的记录视为空而不是降级
func (e *Engine) degrade(ctx context.Context, workspaceID string, failures map[string]error) []string {
	var degraded []string
	for name, err := range failures {
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		degraded = append(degraded, name)
		classified := resilience.Classify(err)
		utils.Logger(ctx).WithFields(logrus.Fields{
			"quality_signal": "partial_context",
			"slice":          name,
			"workspace_id":   workspaceID,
			"category":       classified.Category,
		}).WithError(err).Warn("[上下文抽取] 切片获取失败，降级为空")
	}
	sort.Strings(degraded)
	return degraded
}

// =============================================================================
// 工作区快照
// =============================================================================

// Fingerprint 工作区快照指纹，工作区内数据库或页面变化时随之变化
func (e *Engine) Fingerprint(ctx context.Context, workspaceID string) string {
	return e.loadSnapshot(ctx, workspaceID).snap.fingerprint
}

// Invalidate 丢弃工作区快照
func (e *Engine) Invalidate(workspaceID string) {
	e.snapshots.Delete(workspaceID)
}

// SnapshotStats 快照缓存统计
func (e *Engine) SnapshotStats() cache.Stats {
	return e.snapshots.Stats()
}

// loadSnapshot 命中缓存直接返回；否则同一工作区的并发加载合并为一次
// 只有三个切片都成功（或记录不存在）时才写入缓存
func (e *Engine) loadSnapshot(ctx context.Context, workspaceID string) snapshotLoad {
	if snap, ok := e.snapshots.Get(workspaceID); ok {
		return snapshotLoad{snap: snap}
	}

	// 合并加载与发起者的取消解耦，否则一个请求超时会让同批等待者全部降级
	v, _, _ := e.loads.Do(workspaceID, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), snapshotFetchTimeout)
		defer cancel()
		load := e.fetchSnapshot(fetchCtx, workspaceID)
		if onlyMissing(load.failures) {
			e.snapshots.Set(workspaceID, load.snap)
		}
		return load, nil
	})
	return v.(snapshotLoad)
}

func (e *Engine) fetchSnapshot(ctx context.Context, workspaceID string) snapshotLoad {
	var (
		ws                  *models.Workspace
		dbs                 []models.DatabaseRecord
		pages               []models.PageRecord
		wsErr, dbErr, pgErr error
	)

	var g errgroup.Group
	g.SetLimit(e.parallelism)
	g.Go(func() error {
		ws, wsErr = e.reader.GetWorkspace(ctx, workspaceID)
		return nil
	})
	g.Go(func() error {
		dbs, dbErr = e.reader.ListDatabases(ctx, workspaceID)
		return nil
	})
	g.Go(func() error {
		pages, pgErr = e.reader.ListPages(ctx, workspaceID)
		return nil
	})
	g.Wait()

	load := snapshotLoad{failures: map[string]error{}}
	if wsErr != nil {
		load.failures[SliceWorkspace] = wsErr
		ws = nil
	}
	if dbErr != nil {
		load.failures[SliceDatabases] = dbErr
		dbs = nil
	}
	if pgErr != nil {
		load.failures[SlicePages] = pgErr
		pages = nil
	}
	load.snap = workspaceSnapshot{
		workspace:   ws,
		databases:   dbs,
		pages:       pages,
		fingerprint: fingerprint(workspaceID, ws, dbs, pages),
	}
	return load
}

// onlyMissing 失败都是记录不存在
func onlyMissing(failures map[string]error) bool {
	for _, err := range failures {
		if !errors.Is(err, store.ErrNotFound) {
			return false
		}
	}
	return true
}

// fingerprint 对工作区内资源ID与更新时间做哈希
func fingerprint(workspaceID string, ws *models.Workspace, dbs []models.DatabaseRecord, pages []models.PageRecord) string {
	parts := make([]string, 0, len(dbs)+len(pages)+2)
	parts = append(parts, workspaceID)
	if ws != nil {
		parts = append(parts, "ws@"+strconv.FormatInt(ws.UpdatedAt.UnixNano(), 10))
	}
	items := make([]string, 0, len(dbs)+len(pages))
	for _, db := range dbs {
		items = append(items, fmt.Sprintf("db:%s@%d", db.ID, db.UpdatedAt.UnixNano()))
	}
	for _, p := range pages {
		items = append(items, fmt.Sprintf("page:%s@%d", p.ID, p.UpdatedAt.UnixNano()))
	}
	sort.Strings(items)
	return utils.HashKey(append(parts, items...)...)
}
