package fuzzy

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/contextkeeper/workspace-query/internal/models"
)

// 各信号权重
const (
	WeightExact       = 1.0
	WeightNameFuzzy   = 0.8
	WeightDisplayName = 0.7
	WeightJaccard     = 0.6
	WeightSemantic    = 0.5
	WeightTemporal    = 0.4

	// 低于该相似度的编辑距离信号忽略
	minEditSimilarity = 0.5

	// 自动选中的置信度门槛与领先差距
	HighConfidence = 0.8
	AutoSelectGap  = 0.5

	// 展示给用户选择的候选数
	AlternateCount = 3
)

// 时间类关键词
var (
	newestWords = map[string]bool{"latest": true, "newest": true, "recent": true, "recently": true, "last": true, "new": true}
	oldestWords = map[string]bool{"oldest": true, "first": true, "earliest": true, "original": true}
	periodWords = map[string]bool{"day": true, "week": true, "month": true, "quarter": true, "year": true, "hour": true}
)

// 时间信号的衰减尺度：上传30天的文件在 latest 下得0.5分
const temporalScaleDays = 30.0

// MatchOptions 匹配选项
type MatchOptions struct {
	ConfidenceThreshold float64
	MaxResults          int
}

// DefaultMatchOptions 默认选项
func DefaultMatchOptions() MatchOptions {
	return MatchOptions{ConfidenceThreshold: 0.3, MaxResults: 5}
}

// Disambiguation 消歧结果
type Disambiguation struct {
	AutoSelect  *models.FileMatchResult  `json:"autoSelect,omitempty"`
	Alternates  []models.FileMatchResult `json:"alternates,omitempty"`
	NeedsPrompt bool                     `json:"needsPrompt"`
}

// Resolver 模糊实体解析器，无状态，可并发使用
type Resolver struct {
	concepts ConceptTable
	now      func() time.Time
}

// Option 解析器选项
type Option func(*Resolver)

// WithConcepts 替换概念表
func WithConcepts(table ConceptTable) Option {
	return func(r *Resolver) {
		if table != nil {
			r.concepts = table
		}
	}
}

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

// NewResolver 创建解析器
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		concepts: DefaultConcepts(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// signal 单个信号的得分
type signal struct {
	kind   models.MatchType
	label  string
	score  float64
	tokens []string
}

// queryFeatures 查询的预处理结果，所有候选共享
type queryFeatures struct {
	all       []string
	content   []string
	set       map[string]bool
	concepts  []string
	direction int // 1: 新的优先，-1: 旧的优先，0: 无时间意图
}

func (r *Resolver) prepare(query string) queryFeatures {
	all := tokenize(query)
	content := contentTokens(all)
	set := tokenSet(content)
	return queryFeatures{
		all:       all,
		content:   content,
		set:       set,
		concepts:  r.concepts.triggered(set),
		direction: temporalDirection(all),
	}
}

// temporalDirection "last quarter" 这类时间窗口不算作新旧偏好
func temporalDirection(tokens []string) int {
	for i, t := range tokens {
		if oldestWords[t] {
			return -1
		}
		if newestWords[t] {
			if t == "last" && isPeriodAfter(tokens[i+1:]) {
				continue
			}
			return 1
		}
	}
	return 0
}

// isPeriodAfter 判断后续词元是否为 "quarter" 或 "3 months" 形式的时间单位
func isPeriodAfter(rest []string) bool {
	if len(rest) == 0 {
		return false
	}
	if periodWords[strings.TrimSuffix(rest[0], "s")] {
		return true
	}
	if _, err := strconv.Atoi(rest[0]); err == nil && len(rest) > 1 {
		return periodWords[strings.TrimSuffix(rest[1], "s")]
	}
	return false
}

// Match 对候选打分，过滤阈值后按得分降序返回
// 每个候选的得分只取决于自身、查询和当前时间，与其它候选无关
func (r *Resolver) Match(query string, candidates []models.FileCandidate, opts MatchOptions) []models.FileMatchResult {
	if strings.TrimSpace(query) == "" || len(candidates) == 0 {
		return []models.FileMatchResult{}
	}

	q := r.prepare(query)
	results := make([]models.FileMatchResult, 0, len(candidates))
	for _, c := range candidates {
		if res, ok := r.score(q, c); ok {
			results = append(results, res)
		}
	}

	ranked := rank(results, opts)
	logrus.WithFields(logrus.Fields{
		"query":      query,
		"candidates": len(candidates),
		"matched":    len(ranked),
	}).Debug("[模糊匹配] 完成")
	return ranked
}

// rank 阈值过滤、稳定降序排序、截断
func rank(results []models.FileMatchResult, opts MatchOptions) []models.FileMatchResult {
	if opts.MaxResults <= 0 {
		opts.MaxResults = DefaultMatchOptions().MaxResults
	}

	kept := make([]models.FileMatchResult, 0, len(results))
	for _, res := range results {
		if res.Score > 0 && res.Score >= opts.ConfidenceThreshold {
			kept = append(kept, res)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Score > kept[j].Score
	})
	if len(kept) > opts.MaxResults {
		kept = kept[:opts.MaxResults]
	}
	return kept
}

// score 独立计算五个信号，取加权最高者
func (r *Resolver) score(q queryFeatures, c models.FileCandidate) (models.FileMatchResult, bool) {
	name := nameTokens(c.Name)
	display := nameTokens(c.DisplayName)
	var columns []string
	for _, col := range c.Columns {
		columns = append(columns, tokenize(col)...)
	}
	candidateSet := tokenSet(name, display, columns)

	signals := []signal{
		exactSignal(q, name, display),
		editSignal(q, name, WeightNameFuzzy, "name"),
		editSignal(q, display, WeightDisplayName, "display name"),
		jaccardSignal(q, candidateSet),
		r.semanticSignal(q, candidateSet),
		r.temporalSignal(q, c),
	}

	var active []signal
	for _, s := range signals {
		if s.score > 0 {
			active = append(active, s)
		}
	}
	if len(active) == 0 {
		return models.FileMatchResult{}, false
	}

	// 同分时保持信号列表顺序
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].score > active[j].score
	})
	winner := active[0]

	matched := make(map[string]bool)
	var matchedTokens []string
	for _, s := range active {
		for _, t := range s.tokens {
			if !matched[t] {
				matched[t] = true
				matchedTokens = append(matchedTokens, t)
			}
		}
	}
	sort.Strings(matchedTokens)

	reason := fmt.Sprintf("%s (%.2f)", winner.label, winner.score)
	if len(active) > 1 {
		others := make([]string, 0, len(active)-1)
		for _, s := range active[1:] {
			others = append(others, fmt.Sprintf("%s %.2f", s.label, s.score))
		}
		reason += "; also " + strings.Join(others, ", ")
	}

	return models.FileMatchResult{
		File:          c,
		Score:         winner.score,
		Confidence:    min(winner.score, 1.0),
		MatchType:     winner.kind,
		MatchedTokens: matchedTokens,
		Reason:        reason,
	}, true
}

// exactSignal 名称整体出现在查询中，或查询整体出现在名称中
func exactSignal(q queryFeatures, name, display []string) signal {
	for _, n := range [][]string{name, display} {
		if len(n) == 0 {
			continue
		}
		if containsPhrase(q.all, n) || containsPhrase(n, q.content) {
			return signal{kind: models.MatchExact, label: "exact name match", score: WeightExact, tokens: n}
		}
	}
	return signal{}
}

func editSignal(q queryFeatures, name []string, weight float64, field string) signal {
	best, token := bestTokenSimilarity(q.content, name)
	if best < minEditSimilarity {
		return signal{}
	}
	return signal{
		kind:   models.MatchFuzzy,
		label:  "similar " + field,
		score:  weight * best,
		tokens: []string{token},
	}
}

func jaccardSignal(q queryFeatures, candidate map[string]bool) signal {
	if len(q.set) == 0 || len(candidate) == 0 {
		return signal{}
	}
	var shared []string
	union := len(candidate)
	for t := range q.set {
		if candidate[t] {
			shared = append(shared, t)
		} else {
			union++
		}
	}
	if len(shared) == 0 {
		return signal{}
	}
	return signal{
		kind:   models.MatchPartial,
		label:  "shared tokens",
		score:  WeightJaccard * float64(len(shared)) / float64(union),
		tokens: shared,
	}
}

func (r *Resolver) semanticSignal(q queryFeatures, candidate map[string]bool) signal {
	if len(q.concepts) == 0 {
		return signal{}
	}
	frac, hits := r.concepts.score(q.concepts, candidate)
	if frac == 0 {
		return signal{}
	}
	return signal{
		kind:   models.MatchSemantic,
		label:  "related concept " + strings.Join(q.concepts, "/"),
		score:  WeightSemantic * frac,
		tokens: hits,
	}
}

// temporalSignal 按上传时间的绝对年龄衰减
func (r *Resolver) temporalSignal(q queryFeatures, c models.FileCandidate) signal {
	if q.direction == 0 || c.UploadedAt.IsZero() {
		return signal{}
	}
	ageDays := r.now().Sub(c.UploadedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	freshness := 1 / (1 + ageDays/temporalScaleDays)

	sub, label := freshness, "recently uploaded"
	if q.direction < 0 {
		sub, label = 1-freshness, "uploaded long ago"
	}
	if sub <= 0 {
		return signal{}
	}
	return signal{kind: models.MatchTemporal, label: label, score: WeightTemporal * sub}
}

// Disambiguate 唯一结果或领先足够多的高置信结果自动选中，否则给出前三个候选
func Disambiguate(results []models.FileMatchResult) Disambiguation {
	if len(results) == 0 {
		return Disambiguation{}
	}
	top := results[0]
	if len(results) == 1 {
		return Disambiguation{AutoSelect: &top}
	}
	if top.Score > HighConfidence && top.Score-results[1].Score >= AutoSelectGap {
		return Disambiguation{AutoSelect: &top}
	}

	n := min(AlternateCount, len(results))
	alternates := make([]models.FileMatchResult, n)
	copy(alternates, results[:n])
	return Disambiguation{Alternates: alternates, NeedsPrompt: true}
}
