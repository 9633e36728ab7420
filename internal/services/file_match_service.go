package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/contextkeeper/workspace-query/internal/engines/fuzzy"
	"github.com/contextkeeper/workspace-query/internal/models"
	"github.com/contextkeeper/workspace-query/internal/resilience"
	"github.com/contextkeeper/workspace-query/internal/store"
	"github.com/contextkeeper/workspace-query/internal/utils"
)

// FileMatchService 把自由文本中的文件提及解析为工作区中的数据库
type FileMatchService struct {
	reader   store.WorkspaceReader
	resolver *fuzzy.Resolver
	defaults fuzzy.MatchOptions
	retry    resilience.RetryPolicy
}

// NewFileMatchService 创建服务，defaults 中为零的字段使用默认值
func NewFileMatchService(reader store.WorkspaceReader, resolver *fuzzy.Resolver, defaults fuzzy.MatchOptions) *FileMatchService {
	base := fuzzy.DefaultMatchOptions()
	if defaults.ConfidenceThreshold <= 0 {
		defaults.ConfidenceThreshold = base.ConfidenceThreshold
	}
	if defaults.MaxResults <= 0 {
		defaults.MaxResults = base.MaxResults
	}
	if resolver == nil {
		resolver = fuzzy.NewResolver()
	}
	return &FileMatchService{
		reader:   reader,
		resolver: resolver,
		defaults: defaults,
		retry:    resilience.DefaultRetryPolicy(),
	}
}

// Match 模糊匹配并给出消歧建议
func (s *FileMatchService) Match(ctx context.Context, req models.FileMatchRequest) (models.FileMatchResponse, error) {
	if strings.TrimSpace(req.Query) == "" {
		return models.FileMatchResponse{}, fmt.Errorf("%w: query is required", ErrInvalidRequest)
	}
	if _, err := uuid.Parse(req.WorkspaceID); err != nil {
		return models.FileMatchResponse{}, fmt.Errorf("%w: workspaceId must be a uuid", ErrInvalidRequest)
	}

	dbs, err := resilience.WithRetry(ctx, func(ctx context.Context) ([]models.DatabaseRecord, error) {
		return s.reader.ListDatabases(ctx, req.WorkspaceID)
	}, s.retry, nil)
	if err != nil {
		return models.FileMatchResponse{}, fmt.Errorf("list databases: %w", err)
	}

	candidates := make([]models.FileCandidate, 0, len(dbs))
	for _, db := range dbs {
		candidates = append(candidates, models.CandidateFromDatabase(db))
	}

	opts := s.defaults
	if req.ConfidenceThreshold > 0 {
		opts.ConfidenceThreshold = req.ConfidenceThreshold
	}
	if req.MaxResults > 0 {
		opts.MaxResults = req.MaxResults
	}

	results := s.resolver.Match(req.Query, candidates, opts)
	d := fuzzy.Disambiguate(results)

	utils.Logger(ctx).WithFields(logrus.Fields{
		"workspace_id": req.WorkspaceID,
		"candidates":   len(candidates),
		"results":      len(results),
		"needs_prompt": d.NeedsPrompt,
	}).Debug("[文件匹配] 完成")

	if results == nil {
		results = []models.FileMatchResult{}
	}
	return models.FileMatchResponse{
		Results:     results,
		AutoSelect:  d.AutoSelect,
		Alternates:  d.Alternates,
		NeedsPrompt: d.NeedsPrompt,
	}, nil
}
