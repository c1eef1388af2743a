package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/136906/velvenode/internal/model"
	"github.com/136906/velvenode/internal/repository"
)

type policyRepository struct {
	pool *pgxpool.Pool
}

func NewPolicyRepository(pool *pgxpool.Pool) repository.PolicyRepository {
	return &policyRepository{pool: pool}
}

var _ repository.PolicyRepository = (*policyRepository)(nil)

func (r *policyRepository) Load(ctx context.Context) (*model.Policy, error) {
	var (
		policy     model.Policy
		weightsRaw []byte
	)

	err := r.pool.QueryRow(
		ctx,
		`SELECT version, cooldown_minutes, claims_per_window, tier_weights,
		        allocation_mode, probability_mode, updated_at
		   FROM award_policies
		  WHERE id = 1`,
	).Scan(
		&policy.Version,
		&policy.CooldownMinutes,
		&policy.ClaimsPerWindow,
		&weightsRaw,
		&policy.AllocationMode,
		&policy.ProbabilityMode,
		&policy.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	weights, err := decodeJSONInt64Map(weightsRaw)
	if err != nil {
		return nil, err
	}
	policy.TierWeights = weights
	policy.TierStock = map[string]int64{}
	return &policy, nil
}

func (r *policyRepository) Save(ctx context.Context, policy *model.Policy) error {
	weightsRaw, err := encodeJSONInt64Map(policy.TierWeights)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(
		ctx,
		`INSERT INTO award_policies (
			id, version, cooldown_minutes, claims_per_window, tier_weights,
			allocation_mode, probability_mode, updated_at
		)
		VALUES (1, $1, $2, $3, $4::jsonb, $5, $6, NOW())
		ON CONFLICT (id)
		DO UPDATE SET
			version = EXCLUDED.version,
			cooldown_minutes = EXCLUDED.cooldown_minutes,
			claims_per_window = EXCLUDED.claims_per_window,
			tier_weights = EXCLUDED.tier_weights,
			allocation_mode = EXCLUDED.allocation_mode,
			probability_mode = EXCLUDED.probability_mode,
			updated_at = NOW()`,
		policy.Version,
		policy.CooldownMinutes,
		policy.ClaimsPerWindow,
		string(weightsRaw),
		string(policy.AllocationMode),
		string(policy.ProbabilityMode),
	)
	return err
}
