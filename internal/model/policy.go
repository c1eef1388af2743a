package model

import (
	"errors"
	"strings"
	"time"
)

type AllocationMode string

const (
	AllocationModeLocalFirst AllocationMode = "local-first"
	AllocationModeMintOnly   AllocationMode = "mint-only"
)

type ProbabilityMode string

const (
	ProbabilityModeWeightOnly       ProbabilityMode = "weight-only"
	ProbabilityModeWeightTimesStock ProbabilityMode = "weight-times-stock"
)

var (
	ErrInvalidTierValue = errors.New("invalid tier value")
	ErrInvalidPolicy    = errors.New("invalid policy")
)

// Policy is one consistent snapshot of the award configuration. A snapshot
// is taken once per claim decision; concurrent admin edits produce a new
// version and never mutate a snapshot already handed out.
type Policy struct {
	Version         int             `db:"version" json:"version"`
	CooldownMinutes int             `db:"cooldown_minutes" json:"cooldown_minutes"`
	ClaimsPerWindow int             `db:"claims_per_window" json:"claims_per_window"`
	TierWeights     map[string]int64 `db:"tier_weights" json:"tier_weights"`
	TierStock       map[string]int64 `json:"tier_stock"`
	AllocationMode  AllocationMode  `db:"allocation_mode" json:"allocation_mode"`
	ProbabilityMode ProbabilityMode `db:"probability_mode" json:"probability_mode"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

func (p *Policy) Cooldown() time.Duration {
	if p == nil || p.CooldownMinutes <= 0 {
		return 0
	}
	return time.Duration(p.CooldownMinutes) * time.Minute
}

func (p *Policy) Clone() *Policy {
	if p == nil {
		return nil
	}

	out := *p
	out.TierWeights = make(map[string]int64, len(p.TierWeights))
	for tier, weight := range p.TierWeights {
		out.TierWeights[tier] = weight
	}
	out.TierStock = make(map[string]int64, len(p.TierStock))
	for tier, stock := range p.TierStock {
		out.TierStock[tier] = stock
	}
	return &out
}

func (p *Policy) Validate() error {
	if p == nil {
		return ErrInvalidPolicy
	}
	if p.CooldownMinutes < 1 || p.ClaimsPerWindow < 1 {
		return ErrInvalidPolicy
	}
	switch p.AllocationMode {
	case AllocationModeLocalFirst, AllocationModeMintOnly:
	default:
		return ErrInvalidPolicy
	}
	switch p.ProbabilityMode {
	case ProbabilityModeWeightOnly, ProbabilityModeWeightTimesStock:
	default:
		return ErrInvalidPolicy
	}
	for tier, weight := range p.TierWeights {
		if _, err := NormalizeTierValue(tier); err != nil {
			return err
		}
		if weight < 0 {
			return ErrInvalidPolicy
		}
	}
	for tier, stock := range p.TierStock {
		if _, err := NormalizeTierValue(tier); err != nil {
			return err
		}
		if stock < 0 {
			return ErrInvalidPolicy
		}
	}
	return nil
}

// NormalizeTierValue canonicalizes a monetary tier value so that equal
// amounts always produce the same map/storage key. Tier values stay
// strings end to end; they are never parsed into binary floats.
func NormalizeTierValue(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", ErrInvalidTierValue
	}

	intPart, fracPart, hasFrac := strings.Cut(value, ".")
	if intPart == "" {
		intPart = "0"
	}
	if !isDigits(intPart) {
		return "", ErrInvalidTierValue
	}
	if hasFrac && (fracPart == "" || !isDigits(fracPart)) {
		return "", ErrInvalidTierValue
	}

	intPart = strings.TrimLeft(intPart, "0")
	if intPart == "" {
		intPart = "0"
	}
	if hasFrac {
		fracPart = strings.TrimRight(fracPart, "0")
	}

	if intPart == "0" && fracPart == "" {
		return "", ErrInvalidTierValue
	}
	if fracPart == "" {
		return intPart, nil
	}
	return intPart + "." + fracPart, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
