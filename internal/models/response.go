package models

import (
	"encoding/json"
	"fmt"
)

// BlockKind 内容块类型
type BlockKind string

const (
	BlockTable              BlockKind = "table"
	BlockChart              BlockKind = "chart"
	BlockText               BlockKind = "text"
	BlockInsight            BlockKind = "insight"
	BlockList               BlockKind = "list"
	BlockActionConfirmation BlockKind = "action_confirmation"
	BlockError              BlockKind = "error"
)

// Block 结构化响应中的一个内容块
// 封闭联合类型：只有本包内的具体类型能实现 isBlock
type Block interface {
	Kind() BlockKind
	isBlock()
}

// TableBlock 表格
type TableBlock struct {
	Title   string          `json:"title,omitempty"`
	Columns []string        `json:"columns"`
	Rows    [][]interface{} `json:"rows"`
	Source  string          `json:"source,omitempty"`
}

// ChartBlock 图表
type ChartBlock struct {
	Title     string    `json:"title,omitempty"`
	ChartType string    `json:"chartType"`
	Labels    []string  `json:"labels"`
	Values    []float64 `json:"values"`
	XField    string    `json:"xField,omitempty"`
	YField    string    `json:"yField,omitempty"`
}

// TextBlock 文本
type TextBlock struct {
	Text string `json:"text"`
}

// InsightBlock 指标洞察
type InsightBlock struct {
	Label  string  `json:"label"`
	Metric string  `json:"metric"`
	Value  float64 `json:"value"`
	Detail string  `json:"detail,omitempty"`
}

// ListItem 列表项
type ListItem struct {
	ID      string `json:"id,omitempty"`
	Title   string `json:"title"`
	Snippet string `json:"snippet,omitempty"`
	Score   int    `json:"score,omitempty"`
}

// ListBlock 列表
type ListBlock struct {
	Title string     `json:"title,omitempty"`
	Items []ListItem `json:"items"`
}

// ActionConfirmationBlock 动作确认，不会直接修改数据
type ActionConfirmationBlock struct {
	Verb        ActionVerb `json:"verb"`
	Target      string     `json:"target,omitempty"`
	Description string     `json:"description"`
	RequiresAck bool       `json:"requiresAck"`
}

// ErrorBlock 错误
type ErrorBlock struct {
	Category    ErrorCategory `json:"category"`
	Message     string        `json:"message"`
	Suggestions []string      `json:"suggestions"`
	Detail      string        `json:"detail,omitempty"`
}

func (TableBlock) Kind() BlockKind              { return BlockTable }
func (ChartBlock) Kind() BlockKind              { return BlockChart }
func (TextBlock) Kind() BlockKind               { return BlockText }
func (InsightBlock) Kind() BlockKind            { return BlockInsight }
func (ListBlock) Kind() BlockKind               { return BlockList }
func (ActionConfirmationBlock) Kind() BlockKind { return BlockActionConfirmation }
func (ErrorBlock) Kind() BlockKind              { return BlockError }

func (TableBlock) isBlock()              {}
func (ChartBlock) isBlock()              {}
func (TextBlock) isBlock()               {}
func (InsightBlock) isBlock()            {}
func (ListBlock) isBlock()               {}
func (ActionConfirmationBlock) isBlock() {}
func (ErrorBlock) isBlock()              {}

// ResponseMetadata 响应元数据
type ResponseMetadata struct {
	Confidence        float64   `json:"confidence"`
	DataSources       []string  `json:"dataSources"`
	Suggestions       []string  `json:"suggestions"`
	FollowUpQuestions []string  `json:"followUpQuestions"`
	BestEffort        bool      `json:"bestEffort,omitempty"`
	Route             RouteType `json:"route,omitempty"`
	Partial           bool      `json:"partial,omitempty"`
}

// StructuredResponse 管道最终产物，也是响应缓存的值
type StructuredResponse struct {
	Blocks   []Block          `json:"blocks"`
	Metadata ResponseMetadata `json:"metadata"`
}

type encodedResponse struct {
	Blocks   []json.RawMessage `json:"blocks"`
	Metadata ResponseMetadata  `json:"metadata"`
}

// EncodeBlock 编码单个块，附带 type 字段
func EncodeBlock(b Block) (json.RawMessage, error) {
	body, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	kind, _ := json.Marshal(b.Kind())
	fields["type"] = kind
	return json.Marshal(fields)
}

// DecodeBlock 根据 type 字段还原具体块
func DecodeBlock(raw json.RawMessage) (Block, error) {
	var head struct {
		Type BlockKind `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("decode block header: %w", err)
	}

	var block Block
	var err error
	switch head.Type {
	case BlockTable:
		var b TableBlock
		err = json.Unmarshal(raw, &b)
		block = b
	case BlockChart:
		var b ChartBlock
		err = json.Unmarshal(raw, &b)
		block = b
	case BlockText:
		var b TextBlock
		err = json.Unmarshal(raw, &b)
		block = b
	case BlockInsight:
		var b InsightBlock
		err = json.Unmarshal(raw, &b)
		block = b
	case BlockList:
		var b ListBlock
		err = json.Unmarshal(raw, &b)
		block = b
	case BlockActionConfirmation:
		var b ActionConfirmationBlock
		err = json.Unmarshal(raw, &b)
		block = b
	case BlockError:
		var b ErrorBlock
		err = json.Unmarshal(raw, &b)
		block = b
	default:
		return nil, fmt.Errorf("unknown block type %q", head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s block: %w", head.Type, err)
	}
	return block, nil
}

// MarshalJSON 块以 {"type": kind, ...} 形式输出
func (r StructuredResponse) MarshalJSON() ([]byte, error) {
	out := encodedResponse{
		Blocks:   make([]json.RawMessage, 0, len(r.Blocks)),
		Metadata: r.Metadata,
	}
	for _, b := range r.Blocks {
		raw, err := EncodeBlock(b)
		if err != nil {
			return nil, err
		}
		out.Blocks = append(out.Blocks, raw)
	}
	return json.Marshal(out)
}

// UnmarshalJSON 反向解析
func (r *StructuredResponse) UnmarshalJSON(data []byte) error {
	var in encodedResponse
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	r.Metadata = in.Metadata
	r.Blocks = make([]Block, 0, len(in.Blocks))
	for _, raw := range in.Blocks {
		b, err := DecodeBlock(raw)
		if err != nil {
			return err
		}
		r.Blocks = append(r.Blocks, b)
	}
	return nil
}

// FirstBlockOfKind 返回第一个指定类型的块
func (r StructuredResponse) FirstBlockOfKind(kind BlockKind) (Block, bool) {
	for _, b := range r.Blocks {
		if b.Kind() == kind {
			return b, true
		}
	}
	return nil, false
}
