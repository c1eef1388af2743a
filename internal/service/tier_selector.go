package service

import (
	"math/rand"
	"sort"

	"github.com/136906/velvenode/internal/model"
)

// EffectiveStock reconciles the tier's local unclaimed inventory with its
// virtual stock counter. Under local-first a manual bulk-load can exceed
// the declared virtual stock, in which case local inventory wins; under
// mint-only local inventory is never consulted.
func EffectiveStock(policy *model.Policy, localUnclaimed map[string]int64, tier string) int64 {
	virtual := policy.TierStock[tier]
	if policy.AllocationMode == model.AllocationModeMintOnly {
		return virtual
	}

	local := localUnclaimed[tier]
	if local > virtual {
		return local
	}
	return virtual
}

// DrawTier picks one tier by weighted random choice over the tiers that
// still have positive effective stock. Read-only; safe to call any
// number of times. The rng is injected so draws are reproducible.
func DrawTier(policy *model.Policy, localUnclaimed map[string]int64, rng *rand.Rand) (string, bool) {
	tiers := make([]string, 0, len(policy.TierWeights))
	for tier := range policy.TierWeights {
		tiers = append(tiers, tier)
	}
	sort.Strings(tiers)

	type candidate struct {
		tier   string
		weight int64
	}

	candidates := make([]candidate, 0, len(tiers))
	var totalWeight int64
	for _, tier := range tiers {
		weight := policy.TierWeights[tier]
		if weight <= 0 {
			continue
		}

		stock := EffectiveStock(policy, localUnclaimed, tier)
		if stock <= 0 {
			continue
		}

		if policy.ProbabilityMode == model.ProbabilityModeWeightTimesStock {
			weight *= stock
		}

		candidates = append(candidates, candidate{tier: tier, weight: weight})
		totalWeight += weight
	}

	if len(candidates) == 0 || totalWeight <= 0 {
		return "", false
	}

	pick := rng.Int63n(totalWeight)
	for _, c := range candidates {
		pick -= c.weight
		if pick < 0 {
			return c.tier, true
		}
	}

	// Unreachable while totalWeight equals the sum of candidate weights.
	return candidates[len(candidates)-1].tier, true
}
