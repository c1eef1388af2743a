package service

import (
	"testing"
	"time"

	"github.com/136906/velvenode/internal/model"
)

func eligibilityPolicy(cooldownMinutes, claimsPerWindow int) *model.Policy {
	return &model.Policy{
		CooldownMinutes: cooldownMinutes,
		ClaimsPerWindow: claimsPerWindow,
		TierWeights:     map[string]int64{"1": 1},
		TierStock:       map[string]int64{},
		AllocationMode:  model.AllocationModeLocalFirst,
		ProbabilityMode: model.ProbabilityModeWeightOnly,
	}
}

func record(claimedAt, expiresAt time.Time) *model.ClaimRecord {
	return &model.ClaimRecord{
		UserID:            "user-1",
		ClaimedAt:         claimedAt,
		CooldownExpiresAt: expiresAt,
	}
}

func TestEvaluateEligibility_NoHistory(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	got := EvaluateEligibility(now, eligibilityPolicy(480, 1), nil)
	if !got.CanClaim || got.Reason != ReasonEligible || got.Remaining != 1 {
		t.Fatalf("unexpected eligibility: %+v", got)
	}
}

func TestEvaluateEligibility_ActiveCooldown(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	history := []*model.ClaimRecord{
		record(now.Add(-time.Hour), now.Add(7*time.Hour)),
	}

	got := EvaluateEligibility(now, eligibilityPolicy(480, 1), history)
	if got.CanClaim {
		t.Fatal("expected cooldown block")
	}
	if got.Reason != ReasonCoolingDown {
		t.Fatalf("unexpected reason %q", got.Reason)
	}
	if got.CooldownEndsAt == nil || !got.CooldownEndsAt.Equal(now.Add(7*time.Hour)) {
		t.Fatalf("unexpected cooldown end: %v", got.CooldownEndsAt)
	}
}

func TestEvaluateEligibility_ShorteningCooldownFreesUser(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	// Claimed 2h ago under an 8h cooldown. The stored expiry is still 6h
	// away, but the policy now says 1h, and the earlier of the two wins.
	history := []*model.ClaimRecord{
		record(now.Add(-2*time.Hour), now.Add(6*time.Hour)),
	}

	got := EvaluateEligibility(now, eligibilityPolicy(60, 1), history)
	if !got.CanClaim {
		t.Fatal("shortened cooldown must apply to open claims")
	}
}

func TestEvaluateEligibility_LengtheningCooldownDoesNotTrapUser(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	// Claimed 90m ago under a 1h cooldown, stored expiry 30m in the past.
	// Raising the cooldown to 8h must not resurrect the block.
	history := []*model.ClaimRecord{
		record(now.Add(-90*time.Minute), now.Add(-30*time.Minute)),
	}

	got := EvaluateEligibility(now, eligibilityPolicy(480, 1), history)
	if !got.CanClaim {
		t.Fatal("a claim expired under its original cooldown stays expired")
	}
}

func TestEvaluateEligibility_MultipleClaimsPerWindow(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	policy := eligibilityPolicy(480, 3)
	history := []*model.ClaimRecord{
		record(now.Add(-time.Hour), now.Add(7*time.Hour)),
		record(now.Add(-2*time.Hour), now.Add(6*time.Hour)),
	}

	got := EvaluateEligibility(now, policy, history)
	if !got.CanClaim {
		t.Fatal("one slot should remain")
	}
	if got.Remaining != 1 {
		t.Fatalf("remaining = %d, want 1", got.Remaining)
	}

	history = append(history, record(now.Add(-3*time.Hour), now.Add(5*time.Hour)))
	got = EvaluateEligibility(now, policy, history)
	if got.CanClaim {
		t.Fatal("window is full")
	}
	// The block lifts when the earliest active claim expires.
	if got.CooldownEndsAt == nil || !got.CooldownEndsAt.Equal(now.Add(5*time.Hour)) {
		t.Fatalf("unexpected cooldown end: %v", got.CooldownEndsAt)
	}
}

func TestHistoryLookback(t *testing.T) {
	if got := HistoryLookback(eligibilityPolicy(480, 1)); got != 16*time.Hour {
		t.Fatalf("lookback = %v, want 16h", got)
	}
}

func TestTotalEffectiveStock(t *testing.T) {
	policy := eligibilityPolicy(480, 1)
	policy.TierWeights = map[string]int64{"1": 5, "5": 1}
	policy.TierStock = map[string]int64{"1": 2, "5": 0}

	local := map[string]int64{"1": 1, "5": 3}
	if got := TotalEffectiveStock(policy, local); got != 5 {
		t.Fatalf("total effective stock = %d, want 5", got)
	}

	policy.AllocationMode = model.AllocationModeMintOnly
	if got := TotalEffectiveStock(policy, local); got != 2 {
		t.Fatalf("mint-only total = %d, want 2", got)
	}
}

func TestTotalEffectiveStock_IgnoresZeroWeightTiers(t *testing.T) {
	policy := eligibilityPolicy(480, 1)
	policy.TierWeights = map[string]int64{"1": 0, "5": 1}
	policy.TierStock = map[string]int64{"1": 10, "5": 0}

	// A tier no draw can pick must not make the pool look claimable.
	if got := TotalEffectiveStock(policy, nil); got != 0 {
		t.Fatalf("total effective stock = %d, want 0", got)
	}

	policy.TierStock["5"] = 3
	if got := TotalEffectiveStock(policy, nil); got != 3 {
		t.Fatalf("total effective stock = %d, want 3", got)
	}
}
