package llm

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"text/template"
)

// =============================================================================
// Prompt模板管理
// =============================================================================

// 内置模板名
const (
	TemplateIntentClassification = "intent_classification"
	TemplateGeneralAnswer        = "general_answer"
)

// PromptTemplate Prompt模板
type PromptTemplate struct {
	Name         string  `json:"name"`
	SystemPrompt string  `json:"system_prompt"`
	UserTemplate string  `json:"user_template"`
	OutputFormat string  `json:"output_format"`
	MaxTokens    int     `json:"max_tokens"`
	Temperature  float64 `json:"temperature"`
	Version      string  `json:"version"`

	parsed *template.Template
}

// PromptManager Prompt管理器
type PromptManager struct {
	templates map[string]*PromptTemplate
	mutex     sync.RWMutex
}

// NewPromptManager 创建Prompt管理器并注册内置模板
func NewPromptManager() *PromptManager {
	pm := &PromptManager{
		templates: make(map[string]*PromptTemplate),
	}

	pm.MustRegister(&PromptTemplate{
		Name: TemplateIntentClassification,
		SystemPrompt: `You classify questions asked against a workspace of databases (uploaded tables) and text pages.
Pick exactly one intent:
- data_query: look up values, rows or simple aggregates from a database
- content_search: find pages, notes or documents
- analytics: trends, comparisons, breakdowns or statistics across data
- summary: summarize a page, database or the workspace
- action: create, update or delete something
- help: how to use the product
- navigation: go to or open a page or database
- general: small talk, jokes or questions unrelated to the workspace
- unclear: too vague to act on
Also return confidence in [0,1], entities mentioned (type is one of database, column, page, metric, time, value),
the preferred response format (table, chart, text, list, auto), aggregations (avg, sum, count, min, max) and a short reasoning.
Respond with JSON only.`,
		UserTemplate: `{{if .History}}Recent questions:
{{range .History}}- {{.Query}} ({{.Intent}})
{{end}}
{{end}}Question: {{.Query}}`,
		OutputFormat: FormatJSON,
		MaxTokens:    400,
		Temperature:  0,
		Version:      "v1",
	})

	pm.MustRegister(&PromptTemplate{
		Name:         TemplateGeneralAnswer,
		SystemPrompt: "You are a friendly workspace assistant. Answer briefly in plain text. Do not invent workspace data.",
		UserTemplate: `{{.Query}}`,
		OutputFormat: FormatText,
		MaxTokens:    300,
		Temperature:  0.7,
		Version:      "v1",
	})

	return pm
}

// Register 注册模板，模板解析失败时返回错误
func (pm *PromptManager) Register(tpl *PromptTemplate) error {
	funcMap := template.FuncMap{
		"join": strings.Join,
		"json": func(v interface{}) string {
			b, _ := json.Marshal(v)
			return string(b)
		},
	}
	parsed, err := template.New(tpl.Name).Funcs(funcMap).Parse(tpl.UserTemplate)
	if err != nil {
		return fmt.Errorf("parse template %s: %w", tpl.Name, err)
	}
	tpl.parsed = parsed

	pm.mutex.Lock()
	defer pm.mutex.Unlock()
	pm.templates[tpl.Name] = tpl
	return nil
}

// MustRegister 注册内置模板
func (pm *PromptManager) MustRegister(tpl *PromptTemplate) {
	if err := pm.Register(tpl); err != nil {
		panic(err)
	}
}

// BuildRequest 渲染模板并生成LLM请求
func (pm *PromptManager) BuildRequest(name string, data interface{}) (*LLMRequest, error) {
	pm.mutex.RLock()
	tpl, exists := pm.templates[name]
	pm.mutex.RUnlock()
	if !exists {
		return nil, fmt.Errorf("template not found: %s", name)
	}

	var buf strings.Builder
	if err := tpl.parsed.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("execute template %s: %w", name, err)
	}

	return &LLMRequest{
		Prompt:       buf.String(),
		SystemPrompt: tpl.SystemPrompt,
		MaxTokens:    tpl.MaxTokens,
		Temperature:  tpl.Temperature,
		Format:       tpl.OutputFormat,
		Metadata: map[string]interface{}{
			"template_name":    tpl.Name,
			"template_version": tpl.Version,
		},
	}, nil
}
