package contextx

import (
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/contextkeeper/workspace-query/internal/engines/fuzzy"
	"github.com/contextkeeper/workspace-query/internal/models"
)

// 相关度打分的各项分值
const (
	ExactNameBonus   = 10
	TokenMatchBonus  = 2
	recentHourBonus  = 5
	recentDayBonus   = 3
	recentWeekBonus  = 1
	minEntityLength  = 3
	snippetLength    = 160
	fuzzyAttachScore = 0.6
)

// 以下实体类型代表时间或统计方式，不参与资源名匹配
var nonResourceEntities = map[string]bool{
	"aggregation": true,
	"time":        true,
}

// queryTerms 查询与实体的词元，打分时只读
type queryTerms struct {
	tokens   map[string]bool
	entities []string // 小写的实体值
}

func newQueryTerms(query string, entities []models.Entity) queryTerms {
	terms := queryTerms{tokens: make(map[string]bool)}
	for _, t := range fuzzy.Tokenize(query) {
		terms.tokens[t] = true
	}
	for _, e := range entities {
		if nonResourceEntities[e.Type] {
			continue
		}
		value := strings.ToLower(strings.TrimSpace(e.Value))
		if utf8.RuneCountInString(value) < minEntityLength {
			continue
		}
		terms.entities = append(terms.entities, value)
		for _, t := range fuzzy.Tokenize(value) {
			terms.tokens[t] = true
		}
	}
	return terms
}

// baseName 去掉扩展名的小写名称
func baseName(name string) string {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.TrimSuffix(lower, filepath.Ext(lower))
}

// exactNameMatch 名称等于或包含某个实体值，或实体值等于名称
func (t queryTerms) exactNameMatch(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	base := baseName(name)
	for _, v := range t.entities {
		if v == lower || v == base || strings.Contains(lower, v) {
			return true
		}
	}
	return false
}

// tokenMatches 命中查询词元的不重复词元数
func (t queryTerms) tokenMatches(groups ...[]string) int {
	seen := make(map[string]bool)
	for _, g := range groups {
		for _, tok := range g {
			if t.tokens[tok] {
				seen[tok] = true
			}
		}
	}
	return len(seen)
}

// recencyBonus 按距上次更新时间的加分
func recencyBonus(age time.Duration) int {
	switch {
	case age < 0:
		return recentHourBonus
	case age < time.Hour:
		return recentHourBonus
	case age < 24*time.Hour:
		return recentDayBonus
	case age < 7*24*time.Hour:
		return recentWeekBonus
	}
	return 0
}

func scoreDatabase(db models.DatabaseRecord, terms queryTerms, now time.Time) models.DatabaseContext {
	var columnTokens []string
	for _, c := range db.Columns {
		columnTokens = append(columnTokens, fuzzy.Tokenize(c.Name)...)
	}

	score := 0
	if terms.exactNameMatch(db.Name) {
		score += ExactNameBonus
	}
	score += TokenMatchBonus * terms.tokenMatches(fuzzy.Tokenize(db.Name), columnTokens)
	age := now.Sub(db.UpdatedAt)
	score += recencyBonus(age)

	return models.DatabaseContext{
		ID:              db.ID,
		Name:            db.Name,
		RelevanceScore:  score,
		Columns:         append([]models.ColumnMeta(nil), db.Columns...),
		RowCount:        db.RowCount,
		UpdatedAt:       db.UpdatedAt,
		RecentlyUpdated: age < 24*time.Hour,
	}
}

func scorePage(p models.PageRecord, terms queryTerms, now time.Time) models.PageContext {
	score := 0
	if terms.exactNameMatch(p.Title) {
		score += ExactNameBonus
	}
	score += TokenMatchBonus * terms.tokenMatches(fuzzy.Tokenize(p.Title))
	age := now.Sub(p.UpdatedAt)
	score += recencyBonus(age)

	return models.PageContext{
		ID:              p.ID,
		Title:           p.Title,
		RelevanceScore:  score,
		BlockCount:      p.BlockCount,
		Snippet:         snippet(p.Content),
		UpdatedAt:       p.UpdatedAt,
		RecentlyUpdated: age < 24*time.Hour,
	}
}

func snippet(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	if utf8.RuneCountInString(content) <= snippetLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:snippetLength]) + "…"
}

// =============================================================================
// 实体解析
// =============================================================================

// resolveEntities 把实体关联到具体资源
// 名称包含关系直接以 1.0 关联；否则取模糊匹配最高且不低于 0.6 的数据库
func (e *Engine) resolveEntities(entities []models.Entity, snap workspaceSnapshot) []models.Entity {
	out := make([]models.Entity, len(entities))
	copy(out, entities)
	if len(snap.databases) == 0 && len(snap.pages) == 0 {
		return out
	}

	candidates := make([]models.FileCandidate, 0, len(snap.databases))
	for _, db := range snap.databases {
		candidates = append(candidates, models.CandidateFromDatabase(db))
	}

	for i := range out {
		ent := &out[i]
		if nonResourceEntities[ent.Type] {
			continue
		}
		value := strings.ToLower(strings.TrimSpace(ent.Value))
		if utf8.RuneCountInString(value) < minEntityLength {
			continue
		}

		if id, kind, ok := containmentMatch(value, snap); ok {
			ent.MatchedResourceID = id
			ent.MatchedResourceType = kind
			ent.Confidence = 1.0
			continue
		}

		results := e.resolver.Match(value, candidates, fuzzy.MatchOptions{
			ConfidenceThreshold: fuzzyAttachScore,
			MaxResults:          1,
		})
		if len(results) > 0 {
			ent.MatchedResourceID = results[0].File.ID
			ent.MatchedResourceType = "database"
			ent.Confidence = results[0].Confidence
		}
	}
	return out
}

// containmentMatch 实体值与数据库名或页面标题互相包含
func containmentMatch(value string, snap workspaceSnapshot) (string, string, bool) {
	for _, db := range snap.databases {
		if containsEither(baseName(db.Name), strings.ToLower(db.Name), value) {
			return db.ID, "database", true
		}
	}
	for _, p := range snap.pages {
		if containsEither(strings.ToLower(p.Title), strings.ToLower(p.Title), value) {
			return p.ID, "page", true
		}
	}
	return "", "", false
}

func containsEither(base, full, value string) bool {
	if base == "" {
		return false
	}
	if strings.Contains(full, value) {
		return true
	}
	return utf8.RuneCountInString(base) >= minEntityLength && strings.Contains(value, base)
}
