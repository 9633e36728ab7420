package models

import "time"

// MatchType 胜出的匹配信号
type MatchType string

const (
	MatchExact    MatchType = "exact"
	MatchFuzzy    MatchType = "fuzzy"
	MatchSemantic MatchType = "semantic"
	MatchTemporal MatchType = "temporal"
	MatchPartial  MatchType = "partial"
)

// FileCandidate 待匹配的文件（上传文件或数据库）
type FileCandidate struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"displayName,omitempty"`
	Columns     []string  `json:"columns,omitempty"`
	UploadedAt  time.Time `json:"uploadedAt"`
	Kind        string    `json:"kind,omitempty"`
}

// FileMatchResult 单个候选的匹配结果
type FileMatchResult struct {
	File          FileCandidate `json:"file"`
	Score         float64       `json:"score"`
	Confidence    float64       `json:"confidence"`
	MatchType     MatchType     `json:"matchType"`
	MatchedTokens []string      `json:"matchedTokens"`
	Reason        string        `json:"reason"`
}

// CandidateFromDatabase 把数据库记录转换为匹配候选
func CandidateFromDatabase(db DatabaseRecord) FileCandidate {
	cols := make([]string, 0, len(db.Columns))
	for _, c := range db.Columns {
		cols = append(cols, c.Name)
	}
	return FileCandidate{
		ID:         db.ID,
		Name:       db.Name,
		Columns:    cols,
		UploadedAt: db.CreatedAt,
		Kind:       "database",
	}
}
