package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/136906/velvenode/internal/model"
	"github.com/136906/velvenode/internal/repository"
	"github.com/136906/velvenode/pkg/timeutil"
)

const (
	policyDefaultCacheTTL        = 15 * time.Second
	policyDefaultCooldownMinutes = 480
	policyDefaultClaimsPerWindow = 1
)

var ErrPolicyInvalid = errors.New("invalid policy input")

// UpdatePolicyRequest carries a partial edit; nil fields keep the
// current value.
type UpdatePolicyRequest struct {
	CooldownMinutes *int                   `json:"cooldown_minutes"`
	ClaimsPerWindow *int                   `json:"claims_per_window"`
	TierWeights     *map[string]int64      `json:"tier_weights"`
	TierStock       *map[string]int64      `json:"tier_stock"`
	AllocationMode  *model.AllocationMode  `json:"allocation_mode"`
	ProbabilityMode *model.ProbabilityMode `json:"probability_mode"`
}

type PolicyService struct {
	policyRepo repository.PolicyRepository
	awardRepo  repository.AwardRepository
	auditRepo  repository.AuditRepository
	logger     *zap.Logger

	cacheTTL time.Duration
	cacheMu  sync.RWMutex
	cache    *model.Policy
	cacheExp time.Time
}

func NewPolicyService(
	policyRepo repository.PolicyRepository,
	awardRepo repository.AwardRepository,
	auditRepo repository.AuditRepository,
	logger *zap.Logger,
) *PolicyService {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &PolicyService{
		policyRepo: policyRepo,
		awardRepo:  awardRepo,
		auditRepo:  auditRepo,
		logger:     logger,
		cacheTTL:   policyDefaultCacheTTL,
	}
}

func defaultPolicy() *model.Policy {
	return &model.Policy{
		Version:         0,
		CooldownMinutes: policyDefaultCooldownMinutes,
		ClaimsPerWindow: policyDefaultClaimsPerWindow,
		TierWeights:     map[string]int64{"1": 1},
		TierStock:       map[string]int64{},
		AllocationMode:  model.AllocationModeLocalFirst,
		ProbabilityMode: model.ProbabilityModeWeightOnly,
	}
}

// Snapshot returns one consistent copy of the policy merged with the
// current virtual stock counters. The copy is never shared, so a claim
// decision in flight cannot observe a concurrent admin edit.
func (s *PolicyService) Snapshot(ctx context.Context) (*model.Policy, error) {
	policy := s.getCached()
	if policy == nil {
		loaded, err := s.policyRepo.Load(ctx)
		if errors.Is(err, repository.ErrNotFound) {
			loaded = defaultPolicy()
		} else if err != nil {
			return nil, err
		}
		s.setCached(loaded)
		policy = loaded.Clone()
	}

	stock, err := s.awardRepo.VirtualStockByTier(ctx)
	if err != nil {
		return nil, err
	}
	policy.TierStock = stock
	return policy, nil
}

func (s *PolicyService) UpdatePolicy(
	ctx context.Context,
	operator string,
	req UpdatePolicyRequest,
) (*model.Policy, error) {
	current, err := s.policyRepo.Load(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		current = defaultPolicy()
	} else if err != nil {
		return nil, err
	}

	next := current.Clone()
	if req.CooldownMinutes != nil {
		next.CooldownMinutes = *req.CooldownMinutes
	}
	if req.ClaimsPerWindow != nil {
		next.ClaimsPerWindow = *req.ClaimsPerWindow
	}
	if req.TierWeights != nil {
		weights, normErr := normalizeTierMap(*req.TierWeights)
		if normErr != nil {
			return nil, ErrPolicyInvalid
		}
		next.TierWeights = weights
	}
	if req.AllocationMode != nil {
		next.AllocationMode = *req.AllocationMode
	}
	if req.ProbabilityMode != nil {
		next.ProbabilityMode = *req.ProbabilityMode
	}

	var stockUpdate map[string]int64
	if req.TierStock != nil {
		stock, normErr := normalizeTierMap(*req.TierStock)
		if normErr != nil {
			return nil, ErrPolicyInvalid
		}
		stockUpdate = stock
		next.TierStock = stock
	}

	if err := next.Validate(); err != nil {
		return nil, ErrPolicyInvalid
	}

	next.Version = current.Version + 1
	if err := s.policyRepo.Save(ctx, next); err != nil {
		return nil, err
	}
	for tier, count := range stockUpdate {
		if err := s.awardRepo.SetVirtualStock(ctx, tier, count); err != nil {
			return nil, err
		}
	}

	s.invalidateCache()
	s.writePolicyAudit(ctx, operator, current, next)

	next.UpdatedAt = timeutil.NowUTC()
	return next, nil
}

func (s *PolicyService) SetVirtualStock(ctx context.Context, operator, tierValue string, count int64) error {
	tier, err := model.NormalizeTierValue(tierValue)
	if err != nil || count < 0 {
		return ErrPolicyInvalid
	}

	if err := s.awardRepo.SetVirtualStock(ctx, tier, count); err != nil {
		return err
	}

	if s.auditRepo != nil {
		_ = s.auditRepo.Create(ctx, &model.AuditLog{
			UserID:       &operator,
			Action:       "policy.set_stock",
			ResourceType: strPtr("tier_stock"),
			ResourceID:   &tier,
			NewValue:     map[string]interface{}{"virtual_stock": count},
			CreatedAt:    timeutil.NowUTC(),
		})
	}
	return nil
}

func (s *PolicyService) getCached() *model.Policy {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()

	if s.cache == nil || time.Now().After(s.cacheExp) {
		return nil
	}
	return s.cache.Clone()
}

func (s *PolicyService) setCached(policy *model.Policy) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	s.cache = policy.Clone()
	s.cacheExp = time.Now().Add(s.cacheTTL)
}

func (s *PolicyService) invalidateCache() {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	s.cache = nil
	s.cacheExp = time.Time{}
}

func (s *PolicyService) writePolicyAudit(ctx context.Context, operator string, old, next *model.Policy) {
	if s.auditRepo == nil {
		return
	}

	_ = s.auditRepo.Create(ctx, &model.AuditLog{
		UserID:       &operator,
		Action:       "policy.update",
		ResourceType: strPtr("award_policy"),
		OldValue: map[string]interface{}{
			"version":           old.Version,
			"cooldown_minutes":  old.CooldownMinutes,
			"claims_per_window": old.ClaimsPerWindow,
			"tier_weights":      old.TierWeights,
			"allocation_mode":   old.AllocationMode,
			"probability_mode":  old.ProbabilityMode,
		},
		NewValue: map[string]interface{}{
			"version":           next.Version,
			"cooldown_minutes":  next.CooldownMinutes,
			"claims_per_window": next.ClaimsPerWindow,
			"tier_weights":      next.TierWeights,
			"allocation_mode":   next.AllocationMode,
			"probability_mode":  next.ProbabilityMode,
		},
		CreatedAt: timeutil.NowUTC(),
	})
}

func normalizeTierMap(raw map[string]int64) (map[string]int64, error) {
	out := make(map[string]int64, len(raw))
	for tier, value := range raw {
		normalized, err := model.NormalizeTierValue(tier)
		if err != nil {
			return nil, err
		}
		if value < 0 {
			return nil, ErrPolicyInvalid
		}
		out[normalized] = value
	}
	return out, nil
}

func strPtr(v string) *string {
	return &v
}
