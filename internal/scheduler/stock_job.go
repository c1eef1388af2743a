package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/136906/velvenode/internal/metrics"
	"github.com/136906/velvenode/internal/service"
)

const defaultLowStockThreshold = 5

// StockJob keeps the per-tier stock gauges fresh and nags the operators
// before a weighted tier runs dry.
type StockJob struct {
	policyService *service.PolicyService
	poolService   *service.PoolService
	logger        *zap.Logger

	lowStockThreshold int64
}

func NewStockJob(policyService *service.PolicyService, poolService *service.PoolService, logger *zap.Logger) *StockJob {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &StockJob{
		policyService:     policyService,
		poolService:       poolService,
		logger:            logger,
		lowStockThreshold: defaultLowStockThreshold,
	}
}

func (j *StockJob) RefreshStockGauges() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	policy, err := j.policyService.Snapshot(ctx)
	if err != nil {
		j.logger.Warn("stock gauge refresh failed", zap.Error(err))
		return
	}

	localUnclaimed, err := j.poolService.CountUnclaimedByTier(ctx)
	if err != nil {
		j.logger.Warn("stock gauge refresh failed", zap.Error(err))
		return
	}

	for tier, stock := range policy.TierStock {
		metrics.SetVirtualStock(tier, stock)
	}
	for tier := range policy.TierWeights {
		metrics.SetPoolAvailable(tier, localUnclaimed[tier])
	}
	for tier, count := range localUnclaimed {
		metrics.SetPoolAvailable(tier, count)
	}
}

func (j *StockJob) WarnLowStock() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	policy, err := j.policyService.Snapshot(ctx)
	if err != nil {
		j.logger.Warn("low stock check failed", zap.Error(err))
		return
	}

	localUnclaimed, err := j.poolService.CountUnclaimedByTier(ctx)
	if err != nil {
		j.logger.Warn("low stock check failed", zap.Error(err))
		return
	}

	for tier, weight := range policy.TierWeights {
		if weight <= 0 {
			continue
		}
		if stock := service.EffectiveStock(policy, localUnclaimed, tier); stock <= j.lowStockThreshold {
			j.logger.Warn("tier stock running low",
				zap.String("tier_value", tier),
				zap.Int64("effective_stock", stock))
		}
	}
}
