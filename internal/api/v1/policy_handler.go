package v1

import (
	"errors"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/136906/velvenode/internal/api/response"
	"github.com/136906/velvenode/internal/model"
	"github.com/136906/velvenode/internal/service"
)

const adminOperator = "admin"

type PolicyHandler struct {
	policyService *service.PolicyService
	poolService   *service.PoolService
}

func NewPolicyHandler(policyService *service.PolicyService, poolService *service.PoolService) *PolicyHandler {
	return &PolicyHandler{
		policyService: policyService,
		poolService:   poolService,
	}
}

func (h *PolicyHandler) Get(c *gin.Context) {
	policy, err := h.policyService.Snapshot(c.Request.Context())
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal, "internal error")
		return
	}
	response.Success(c, policy)
}

func (h *PolicyHandler) Update(c *gin.Context) {
	var req service.UpdatePolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrBadRequest, "invalid request body")
		return
	}

	policy, err := h.policyService.UpdatePolicy(c.Request.Context(), adminOperator, req)
	if err != nil {
		if errors.Is(err, service.ErrPolicyInvalid) {
			response.Fail(c, http.StatusBadRequest, response.ErrPolicyInvalid, "invalid policy")
			return
		}
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal, "internal error")
		return
	}

	response.Success(c, policy)
}

type setStockRequest struct {
	VirtualStock int64 `json:"virtual_stock"`
}

func (h *PolicyHandler) SetStock(c *gin.Context) {
	tier := c.Param("tier")

	var req setStockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrBadRequest, "invalid request body")
		return
	}

	if err := h.policyService.SetVirtualStock(c.Request.Context(), adminOperator, tier, req.VirtualStock); err != nil {
		if errors.Is(err, service.ErrPolicyInvalid) || errors.Is(err, model.ErrInvalidTierValue) {
			response.Fail(c, http.StatusBadRequest, response.ErrPolicyInvalid, "invalid tier or stock")
			return
		}
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal, "internal error")
		return
	}

	response.Success(c, gin.H{"tier_value": tier, "virtual_stock": req.VirtualStock})
}

type tierStats struct {
	TierValue    string `json:"tier_value"`
	LocalTotal   int64  `json:"local_total"`
	LocalFree    int64  `json:"local_free"`
	LocalClaimed int64  `json:"local_claimed"`
	VirtualStock int64  `json:"virtual_stock"`
	Weight       int64  `json:"weight"`
}

// Stats merges the local pool counters with the virtual stock and the
// configured weights into one per-tier overview.
func (h *PolicyHandler) Stats(c *gin.Context) {
	ctx := c.Request.Context()

	policy, err := h.policyService.Snapshot(ctx)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal, "internal error")
		return
	}

	poolStats, err := h.poolService.Stats(ctx)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal, "internal error")
		return
	}

	byTier := make(map[string]*tierStats)
	tierFor := func(tier string) *tierStats {
		if existing, ok := byTier[tier]; ok {
			return existing
		}
		created := &tierStats{TierValue: tier}
		byTier[tier] = created
		return created
	}

	for _, row := range poolStats {
		stats := tierFor(row.TierValue)
		stats.LocalTotal = row.Total
		stats.LocalFree = row.Available
		stats.LocalClaimed = row.Claimed
	}
	for tier, stock := range policy.TierStock {
		tierFor(tier).VirtualStock = stock
	}
	for tier, weight := range policy.TierWeights {
		tierFor(tier).Weight = weight
	}

	out := make([]*tierStats, 0, len(byTier))
	for _, stats := range byTier {
		out = append(out, stats)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].TierValue < out[j].TierValue
	})

	response.Success(c, gin.H{
		"policy_version": policy.Version,
		"tiers":          out,
	})
}
