package service

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/136906/velvenode/internal/model"
	"github.com/136906/velvenode/internal/repository"
	"github.com/136906/velvenode/pkg/timeutil"
)

var ErrNoValidCodes = errors.New("no valid codes in request")

// LoadCodesResult reports the outcome of a bulk code import.
type LoadCodesResult struct {
	Submitted int   `json:"submitted"`
	Inserted  int64 `json:"inserted"`
	Skipped   int64 `json:"skipped"`
}

type PoolService struct {
	poolRepo  repository.PoolRepository
	auditRepo repository.AuditRepository
	logger    *zap.Logger
}

func NewPoolService(
	poolRepo repository.PoolRepository,
	auditRepo repository.AuditRepository,
	logger *zap.Logger,
) *PoolService {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &PoolService{
		poolRepo:  poolRepo,
		auditRepo: auditRepo,
		logger:    logger,
	}
}

// LoadCodes imports manually sourced codes into the local pool.
// Blank lines are ignored, duplicates inside the batch collapse to one
// entry, and codes already in the pool are skipped rather than erroring
// so an import can be safely retried.
func (s *PoolService) LoadCodes(ctx context.Context, operator, tierValue string, codes []string) (*LoadCodesResult, error) {
	tier, err := model.NormalizeTierValue(tierValue)
	if err != nil {
		return nil, err
	}

	now := timeutil.NowUTC()
	seen := make(map[string]struct{}, len(codes))
	entries := make([]*model.PoolEntry, 0, len(codes))
	for _, raw := range codes {
		code := strings.TrimSpace(raw)
		if code == "" {
			continue
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}

		entries = append(entries, &model.PoolEntry{
			ID:        uuid.New(),
			Code:      code,
			TierValue: tier,
			Source:    model.PoolEntrySourceManual,
			CreatedAt: now,
		})
	}
	if len(entries) == 0 {
		return nil, ErrNoValidCodes
	}

	inserted, err := s.poolRepo.BatchCreate(ctx, entries)
	if err != nil {
		return nil, err
	}

	result := &LoadCodesResult{
		Submitted: len(entries),
		Inserted:  inserted,
		Skipped:   int64(len(entries)) - inserted,
	}

	s.logger.Info("pool codes loaded",
		zap.String("tier_value", tier),
		zap.Int("submitted", result.Submitted),
		zap.Int64("inserted", result.Inserted),
		zap.Int64("skipped", result.Skipped))

	if s.auditRepo != nil {
		_ = s.auditRepo.Create(ctx, &model.AuditLog{
			UserID:       &operator,
			Action:       "pool.load",
			ResourceType: strPtr("pool_entry"),
			ResourceID:   &tier,
			NewValue: map[string]interface{}{
				"submitted": result.Submitted,
				"inserted":  result.Inserted,
				"skipped":   result.Skipped,
			},
			CreatedAt: now,
		})
	}

	return result, nil
}

func (s *PoolService) List(ctx context.Context, filter repository.PoolListFilter) ([]*model.PoolEntry, int64, error) {
	if filter.TierValue != nil {
		tier, err := model.NormalizeTierValue(*filter.TierValue)
		if err != nil {
			return nil, 0, err
		}
		filter.TierValue = &tier
	}
	return s.poolRepo.List(ctx, filter)
}

// DeleteUnclaimed removes unclaimed entries matching the filter.
// Claimed entries are never touched; their codes back issued awards.
func (s *PoolService) DeleteUnclaimed(ctx context.Context, operator string, filter repository.PoolListFilter) (int64, error) {
	if filter.TierValue != nil {
		tier, err := model.NormalizeTierValue(*filter.TierValue)
		if err != nil {
			return 0, err
		}
		filter.TierValue = &tier
	}

	deleted, err := s.poolRepo.DeleteUnclaimed(ctx, filter)
	if err != nil {
		return 0, err
	}

	if deleted > 0 && s.auditRepo != nil {
		_ = s.auditRepo.Create(ctx, &model.AuditLog{
			UserID:       &operator,
			Action:       "pool.delete",
			ResourceType: strPtr("pool_entry"),
			NewValue:     map[string]interface{}{"deleted": deleted},
			CreatedAt:    timeutil.NowUTC(),
		})
	}
	return deleted, nil
}

func (s *PoolService) Stats(ctx context.Context) ([]repository.PoolStats, error) {
	return s.poolRepo.Stats(ctx)
}

func (s *PoolService) CountUnclaimedByTier(ctx context.Context) (map[string]int64, error) {
	return s.poolRepo.CountUnclaimedByTier(ctx)
}
