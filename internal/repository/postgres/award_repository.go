package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/136906/velvenode/internal/model"
	"github.com/136906/velvenode/internal/repository"
)

type awardRepository struct {
	pool *pgxpool.Pool
}

func NewAwardRepository(pool *pgxpool.Pool) repository.AwardRepository {
	return &awardRepository{pool: pool}
}

var _ repository.AwardRepository = (*awardRepository)(nil)

// ReserveLocalEntry grabs one unclaimed entry of the tier with SKIP
// LOCKED so concurrent claims of different users never queue on the same
// row, marks it claimed and writes the claim record, all in one
// transaction.
func (r *awardRepository) ReserveLocalEntry(
	ctx context.Context,
	tierValue string,
	record *model.ClaimRecord,
) (*model.PoolEntry, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	entry, err := scanPoolEntry(tx.QueryRow(
		ctx,
		`SELECT `+poolEntryColumns+`
		   FROM pool_entries
		  WHERE tier_value = $1
		    AND claimed = FALSE
		  ORDER BY created_at
		  LIMIT 1
		  FOR UPDATE SKIP LOCKED`,
		tierValue,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	claimedAt := record.ClaimedAt.UTC()
	if _, err := tx.Exec(
		ctx,
		`UPDATE pool_entries
		    SET claimed = TRUE,
		        claimed_by = $2,
		        claimed_at = $3
		  WHERE id = $1`,
		entry.ID,
		record.UserID,
		claimedAt,
	); err != nil {
		return nil, err
	}

	record.Code = entry.Code
	record.TierValue = entry.TierValue
	if err := insertClaimRecordTx(ctx, tx, record); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	entry.Claimed = true
	entry.ClaimedBy = &record.UserID
	entry.ClaimedAt = &claimedAt
	return entry, nil
}

func (r *awardRepository) ReserveVirtualStock(ctx context.Context, tierValue string) (bool, error) {
	tag, err := r.pool.Exec(
		ctx,
		`UPDATE tier_stock
		    SET virtual_stock = virtual_stock - 1,
		        updated_at = NOW()
		  WHERE tier_value = $1
		    AND virtual_stock > 0`,
		tierValue,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *awardRepository) ReleaseVirtualStock(ctx context.Context, tierValue string) error {
	tag, err := r.pool.Exec(
		ctx,
		`UPDATE tier_stock
		    SET virtual_stock = virtual_stock + 1,
		        updated_at = NOW()
		  WHERE tier_value = $1`,
		tierValue,
	)
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}

func (r *awardRepository) PersistMintedAward(
	ctx context.Context,
	entry *model.PoolEntry,
	record *model.ClaimRecord,
) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	if _, err := tx.Exec(
		ctx,
		`INSERT INTO pool_entries (
			id, code, tier_value, claimed, claimed_by, claimed_at, source, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID,
		entry.Code,
		entry.TierValue,
		entry.Claimed,
		entry.ClaimedBy,
		entry.ClaimedAt,
		entry.Source,
		entry.CreatedAt,
	); err != nil {
		return err
	}

	if err := insertClaimRecordTx(ctx, tx, record); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (r *awardRepository) VirtualStockByTier(ctx context.Context) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT tier_value, virtual_stock FROM tier_stock`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stock := make(map[string]int64)
	for rows.Next() {
		var tier string
		var count int64
		if scanErr := rows.Scan(&tier, &count); scanErr != nil {
			return nil, scanErr
		}
		stock[tier] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return stock, nil
}

func (r *awardRepository) SetVirtualStock(ctx context.Context, tierValue string, count int64) error {
	_, err := r.pool.Exec(
		ctx,
		`INSERT INTO tier_stock (tier_value, virtual_stock, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (tier_value)
		DO UPDATE SET virtual_stock = EXCLUDED.virtual_stock, updated_at = NOW()`,
		tierValue,
		count,
	)
	return err
}

func insertClaimRecordTx(ctx context.Context, tx pgx.Tx, record *model.ClaimRecord) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}

	_, err := tx.Exec(
		ctx,
		`INSERT INTO claim_records (
			id, user_id, username, code, tier_value,
			claimed_at, cooldown_expires_at, auto_redeemed
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		record.ID,
		record.UserID,
		record.Username,
		record.Code,
		record.TierValue,
		record.ClaimedAt.UTC(),
		record.CooldownExpiresAt.UTC(),
		record.AutoRedeemed,
	)
	return err
}
