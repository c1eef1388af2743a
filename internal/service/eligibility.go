package service

import (
	"time"

	"github.com/136906/velvenode/internal/model"
)

type EligibilityReason string

const (
	ReasonEligible      EligibilityReason = "eligible"
	ReasonCoolingDown   EligibilityReason = "cooling_down"
	ReasonPoolExhausted EligibilityReason = "pool_exhausted"
)

type Eligibility struct {
	CanClaim       bool              `json:"can_claim"`
	Reason         EligibilityReason `json:"reason"`
	Remaining      int               `json:"remaining"`
	CooldownEndsAt *time.Time        `json:"cooldown_ends_at,omitempty"`
}

// HistoryLookback is how far back claim records must be fetched so that
// every record that could still be active is visible, even after an
// admin shortened the cooldown since those records were written.
func HistoryLookback(policy *model.Policy) time.Duration {
	return 2 * policy.Cooldown()
}

// EvaluateEligibility decides whether a user may claim right now, from a
// single policy snapshot and the user's recent claim history.
//
// Each record's actual expiry is the minimum of (a) claimed_at plus the
// cooldown of the current policy and (b) the expiry stored on the record
// when it was written. Shortening the cooldown therefore benefits users
// with open claims immediately, while lengthening it never retroactively
// penalizes a claim made under a shorter cooldown.
func EvaluateEligibility(
	now time.Time,
	policy *model.Policy,
	history []*model.ClaimRecord,
) Eligibility {
	now = now.UTC()
	cooldown := policy.Cooldown()

	active := 0
	var earliestExpiry time.Time
	for _, record := range history {
		if record == nil {
			continue
		}

		expiry := record.ClaimedAt.UTC().Add(cooldown)
		if stored := record.CooldownExpiresAt.UTC(); stored.Before(expiry) {
			expiry = stored
		}
		if !now.Before(expiry) {
			continue
		}

		active++
		if earliestExpiry.IsZero() || expiry.Before(earliestExpiry) {
			earliestExpiry = expiry
		}
	}

	remaining := policy.ClaimsPerWindow - active
	if remaining < 0 {
		remaining = 0
	}

	if remaining == 0 {
		return Eligibility{
			CanClaim:       false,
			Reason:         ReasonCoolingDown,
			Remaining:      0,
			CooldownEndsAt: &earliestExpiry,
		}
	}

	return Eligibility{
		CanClaim:  true,
		Reason:    ReasonEligible,
		Remaining: remaining,
	}
}

// TotalEffectiveStock sums effective stock across the tiers a draw could
// actually pick. Tiers with no weight never win a draw, so their stock
// must not make the pool look claimable. Zero means exhausted for everyone.
func TotalEffectiveStock(policy *model.Policy, localUnclaimed map[string]int64) int64 {
	var total int64
	for tier, weight := range policy.TierWeights {
		if weight <= 0 {
			continue
		}
		total += EffectiveStock(policy, localUnclaimed, tier)
	}
	return total
}
