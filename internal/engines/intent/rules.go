package intent

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/contextkeeper/workspace-query/internal/models"
)

// =============================================================================
// 规则兜底：LLM不可用或输出不合法时使用，结果完全由查询文本决定
// =============================================================================

var (
	greetingPattern   = regexp.MustCompile(`^(hi|hello|hey|howdy|yo|good (morning|afternoon|evening)|thanks|thank you)\b`)
	smallTalkPattern  = regexp.MustCompile(`\b(joke|jokes|funny|riddle|poem|how are you|who are you|your name)\b`)
	helpPattern       = regexp.MustCompile(`^(help\b|how (do|can) i\b|how to use\b|what can you do\b|how does this work\b)|\bhelp me (use|understand)\b`)
	navigationPattern = regexp.MustCompile(`\b(go to|navigate to|take me to|jump to|switch to|open (the )?(page|database|file|workspace)\b)`)
	leadInPattern     = regexp.MustCompile(`^(please |can you |could you |would you |i want to |i'd like to |let's )+`)
	plainLookup       = regexp.MustCompile(`^(what('|’)?s|whats|what is|what was|show( me)?|how much|how many|give me|tell me)\b`)
	vaguePattern      = regexp.MustCompile(`\b(stuff|something|things|anything|whatever|etc)\b`)
	wordPattern       = regexp.MustCompile(`[a-z0-9_']+`)
)

var actionVerbs = map[string]models.ActionVerb{
	"create": models.ActionCreate, "add": models.ActionCreate, "insert": models.ActionCreate, "new": models.ActionCreate,
	"update": models.ActionUpdate, "edit": models.ActionUpdate, "change": models.ActionUpdate, "rename": models.ActionUpdate, "set": models.ActionUpdate,
	"delete": models.ActionDelete, "remove": models.ActionDelete, "drop": models.ActionDelete, "archive": models.ActionDelete,
}

// 只出现在趋势、对比类分析里的词，出现时不再视为简单查值
var analyticOnlyWords = []string{"trend", "trends", "compare", "comparison", "breakdown", "distribution", "growth", "over time", "per", " by ", "correlation", "correlate", "forecast"}

var (
	summaryWords = []string{"summarize", "summarise", "summary", "overview", "recap", "tl;dr", "tldr", "gist", "key points"}
	dataWords    = []string{"revenue", "rows", "row", "table", "file", "column", "columns", "sales", "how many", "records", "database", "spreadsheet", "csv", "data", "value", "values"}
	searchWords  = []string{"find", "search", "notes", "note", "page", "pages", "docs", "doc", "document", "documents", "look for", "where is", "mention", "mentions", "wiki"}
)

// ActionVerbOf 从文本中识别操作动词
func ActionVerbOf(text string) models.ActionVerb {
	for _, w := range wordPattern.FindAllString(strings.ToLower(text), -1) {
		if verb, ok := actionVerbs[w]; ok {
			return verb
		}
	}
	return models.ActionUnknown
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if containsWord(text, w) {
			return true
		}
	}
	return false
}

// containsWord 单词按词边界匹配，短语和片段按子串匹配
func containsWord(text, word string) bool {
	if strings.ContainsAny(word, " ;") {
		return strings.Contains(text, word)
	}
	for _, w := range wordPattern.FindAllString(text, -1) {
		if w == word {
			return true
		}
	}
	return false
}

// isGibberish 无元音或含超长辅音串的词占多数
func isGibberish(text string) bool {
	words := wordPattern.FindAllString(text, -1)
	if len(words) == 0 {
		return true
	}
	bad := 0
	for _, w := range words {
		if !looksLikeWord(w) {
			bad++
		}
	}
	return bad*2 > len(words)
}

func looksLikeWord(w string) bool {
	hasVowel, hasDigit := false, false
	run := 0
	for _, r := range w {
		switch {
		case strings.ContainsRune("aeiouy", r):
			hasVowel = true
			run = 0
		case unicode.IsDigit(r):
			hasDigit = true
			run = 0
		case unicode.IsLetter(r):
			run++
			if run >= 6 {
				return false
			}
		default:
			run = 0
		}
	}
	return hasVowel || hasDigit || len(w) <= 2
}

// leadingVerb 去掉礼貌前缀后的第一个词
func leadingVerb(text string) string {
	text = leadInPattern.ReplaceAllString(text, "")
	words := wordPattern.FindAllString(text, 1)
	if len(words) == 0 {
		return ""
	}
	return words[0]
}

// ruleResult 规则命中结果
type ruleResult struct {
	intent     models.Intent
	confidence float64
	reasoning  string
}

// classifyByRules 按固定顺序匹配规则
func classifyByRules(query string, aggregations []string) ruleResult {
	text := strings.ToLower(strings.TrimSpace(query))
	words := wordPattern.FindAllString(text, -1)

	switch {
	case text == "" || isGibberish(text):
		return ruleResult{models.IntentUnclear, 0.1, "empty or unreadable query"}
	case greetingPattern.MatchString(text) && len(words) <= 4:
		return ruleResult{models.IntentGeneral, 0.9, "greeting"}
	case smallTalkPattern.MatchString(text):
		return ruleResult{models.IntentGeneral, 0.85, "small talk"}
	case helpPattern.MatchString(text):
		return ruleResult{models.IntentHelp, 0.85, "help request"}
	case navigationPattern.MatchString(text):
		return ruleResult{models.IntentNavigation, 0.8, "navigation phrase"}
	}

	if _, ok := actionVerbs[leadingVerb(text)]; ok {
		return ruleResult{models.IntentAction, 0.75, "request starts with action verb " + leadingVerb(text)}
	}

	if len(aggregations) > 0 {
		if plainLookup.MatchString(text) && len(aggregations) == 1 && !containsAny(" "+text+" ", analyticOnlyWords) {
			return ruleResult{models.IntentDataQuery, 0.7, "single aggregate lookup (" + aggregations[0] + ")"}
		}
		return ruleResult{models.IntentAnalytics, 0.75, "aggregation keywords " + strings.Join(aggregations, ",")}
	}
	if containsAny(" "+text+" ", analyticOnlyWords) {
		return ruleResult{models.IntentAnalytics, 0.65, "trend or comparison wording"}
	}

	switch {
	case containsAny(text, summaryWords):
		return ruleResult{models.IntentSummary, 0.7, "summary wording"}
	case containsAny(text, dataWords):
		return ruleResult{models.IntentDataQuery, 0.65, "data wording"}
	case containsAny(text, searchWords):
		return ruleResult{models.IntentContentSearch, 0.65, "search wording"}
	case vaguePattern.MatchString(text):
		return ruleResult{models.IntentUnclear, 0.2, "vague request"}
	}

	content := 0
	for _, w := range words {
		if len(w) > 2 && !fillerWords[w] {
			content++
		}
	}
	if content >= 2 {
		return ruleResult{models.IntentUnclear, 0.35, "no rule matched; best effort"}
	}
	return ruleResult{models.IntentUnclear, 0.2, "no rule matched"}
}

var fillerWords = map[string]bool{
	"the": true, "and": true, "for": true, "what": true, "who": true, "how": true, "why": true,
	"are": true, "was": true, "were": true, "can": true, "you": true, "this": true, "that": true,
	"with": true, "about": true, "from": true, "please": true, "show": true, "tell": true,
}

// inferFormat 从措辞推断回答形态
func inferFormat(query string) models.FormatPreference {
	text := strings.ToLower(query)
	switch {
	case containsAny(text, []string{"chart", "graph", "plot", "visualize", "visualise"}):
		return models.FormatChart
	case containsAny(text, []string{"table", "rows", "spreadsheet"}):
		return models.FormatTable
	case containsAny(text, []string{"list", "which pages", "all pages"}):
		return models.FormatList
	case containsAny(text, []string{"explain", "describe", "why", "summarize", "summarise"}):
		return models.FormatText
	}
	return models.FormatAuto
}
