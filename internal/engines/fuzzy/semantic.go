package fuzzy

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ConceptTable 领域概念到关键词的映射
type ConceptTable map[string][]string

// DefaultConcepts 内置概念表
func DefaultConcepts() ConceptTable {
	return ConceptTable{
		"sales":     {"revenue", "price", "order", "orders", "amount", "customer", "deal", "invoice"},
		"finance":   {"budget", "expense", "expenses", "cost", "profit", "income", "balance", "tax"},
		"marketing": {"campaign", "lead", "leads", "click", "impression", "conversion", "channel"},
		"people":    {"employee", "employees", "salary", "hire", "department", "staff", "headcount"},
		"inventory": {"stock", "sku", "product", "products", "warehouse", "quantity", "supplier"},
		"support":   {"ticket", "tickets", "issue", "priority", "status", "resolution", "agent"},
		"project":   {"task", "tasks", "milestone", "deadline", "owner", "sprint", "roadmap"},
	}
}

// conceptFile YAML覆盖文件格式
type conceptFile struct {
	Concepts map[string][]string `yaml:"concepts"`
	// true 时完全替换内置表，否则按概念合并
	Replace bool `yaml:"replace"`
}

// LoadConceptTable 读取YAML概念表并与内置表合并
func LoadConceptTable(path string) (ConceptTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read concept table: %w", err)
	}
	return ParseConceptTable(data)
}

// ParseConceptTable 解析YAML概念表
func ParseConceptTable(data []byte) (ConceptTable, error) {
	var file conceptFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse concept table: %w", err)
	}

	table := DefaultConcepts()
	if file.Replace {
		table = ConceptTable{}
	}
	for concept, keywords := range file.Concepts {
		key := normalize(concept)
		normalized := make([]string, 0, len(keywords))
		for _, kw := range keywords {
			normalized = append(normalized, normalize(kw))
		}
		table[key] = normalized
	}
	return table, nil
}

// triggered 查询触发的概念，按名称排序保证结果稳定
func (t ConceptTable) triggered(query map[string]bool) []string {
	var hits []string
	for concept, keywords := range t {
		if query[concept] {
			hits = append(hits, concept)
			continue
		}
		for _, kw := range keywords {
			if query[kw] {
				hits = append(hits, concept)
				break
			}
		}
	}
	sort.Strings(hits)
	return hits
}

// semanticSaturation 命中多少个概念词即视为完全匹配
const semanticSaturation = 3

// score 候选词元对被触发概念的覆盖度，取各概念中的最高值
func (t ConceptTable) score(concepts []string, candidate map[string]bool) (float64, []string) {
	best := 0.0
	var bestHits []string
	for _, concept := range concepts {
		terms := append([]string{concept}, t[concept]...)
		var hits []string
		for _, term := range terms {
			if candidate[term] {
				hits = append(hits, term)
			}
		}
		if len(hits) == 0 {
			continue
		}
		need := min(semanticSaturation, len(terms))
		frac := float64(len(hits)) / float64(need)
		if frac > 1 {
			frac = 1
		}
		if frac > best {
			best, bestHits = frac, hits
		}
	}
	return best, bestHits
}
