package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/136906/velvenode/internal/model"
	"github.com/136906/velvenode/internal/repository"
)

type claimRepository struct {
	pool *pgxpool.Pool
}

func NewClaimRepository(pool *pgxpool.Pool) repository.ClaimRepository {
	return &claimRepository{pool: pool}
}

var _ repository.ClaimRepository = (*claimRepository)(nil)

const claimRecordColumns = `
	id,
	user_id,
	username,
	code,
	tier_value,
	claimed_at,
	cooldown_expires_at,
	auto_redeemed
`

func (r *claimRepository) RecentByUser(ctx context.Context, userID string, since time.Time) ([]*model.ClaimRecord, error) {
	rows, err := r.pool.Query(
		ctx,
		`SELECT `+claimRecordColumns+`
		   FROM claim_records
		  WHERE user_id = $1
		    AND claimed_at >= $2
		  ORDER BY claimed_at DESC`,
		userID,
		since.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]*model.ClaimRecord, 0, 8)
	for rows.Next() {
		record, scanErr := scanClaimRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (r *claimRepository) HistoryByUser(ctx context.Context, userID string, limit int) ([]*model.ClaimRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > 200 {
		limit = 200
	}

	rows, err := r.pool.Query(
		ctx,
		`SELECT `+claimRecordColumns+`
		   FROM claim_records
		  WHERE user_id = $1
		  ORDER BY claimed_at DESC
		  LIMIT $2`,
		userID,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]*model.ClaimRecord, 0, limit)
	for rows.Next() {
		record, scanErr := scanClaimRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func scanClaimRecord(src scanTarget) (*model.ClaimRecord, error) {
	record := &model.ClaimRecord{}
	err := src.Scan(
		&record.ID,
		&record.UserID,
		&record.Username,
		&record.Code,
		&record.TierValue,
		&record.ClaimedAt,
		&record.CooldownExpiresAt,
		&record.AutoRedeemed,
	)
	if err != nil {
		return nil, err
	}
	return record, nil
}
