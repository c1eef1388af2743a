package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/136906/velvenode/internal/model"
	"github.com/136906/velvenode/internal/repository"
)

type poolRepository struct {
	pool *pgxpool.Pool
}

func NewPoolRepository(pool *pgxpool.Pool) repository.PoolRepository {
	return &poolRepository{pool: pool}
}

var _ repository.PoolRepository = (*poolRepository)(nil)

const poolEntryColumns = `
	id,
	code,
	tier_value,
	claimed,
	claimed_by,
	claimed_at,
	source,
	created_at
`

func (r *poolRepository) BatchCreate(ctx context.Context, entries []*model.PoolEntry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	query := `
		INSERT INTO pool_entries (
			id, code, tier_value, claimed, claimed_by, claimed_at, source, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (code) DO NOTHING
	`

	batch := &pgx.Batch{}
	now := time.Now().UTC()
	for _, entry := range entries {
		if entry.ID == uuid.Nil {
			entry.ID = uuid.New()
		}
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = now
		}

		batch.Queue(
			query,
			entry.ID,
			entry.Code,
			entry.TierValue,
			entry.Claimed,
			entry.ClaimedBy,
			entry.ClaimedAt,
			entry.Source,
			entry.CreatedAt,
		)
	}

	results := tx.SendBatch(ctx, batch)
	var added int64
	for range entries {
		tag, execErr := results.Exec()
		if execErr != nil {
			_ = results.Close()
			return 0, execErr
		}
		added += tag.RowsAffected()
	}
	if err := results.Close(); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return added, nil
}

func (r *poolRepository) List(ctx context.Context, filter repository.PoolListFilter) ([]*model.PoolEntry, int64, error) {
	conditions, args := buildPoolConditions(filter)

	query := `SELECT ` + poolEntryColumns + ` FROM pool_entries`
	countQuery := `SELECT COUNT(*) FROM pool_entries`
	if len(conditions) > 0 {
		where := " WHERE " + strings.Join(conditions, " AND ")
		query += where
		countQuery += where
	}

	limit, offset := normalizePagination(filter.Pagination)
	listArgs := append(append([]any{}, args...), limit, offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(listArgs)-1, len(listArgs))

	rows, err := r.pool.Query(ctx, query, listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items := make([]*model.PoolEntry, 0, limit)
	for rows.Next() {
		item, scanErr := scanPoolEntry(rows)
		if scanErr != nil {
			return nil, 0, scanErr
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int64
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	return items, total, nil
}

func (r *poolRepository) DeleteUnclaimed(ctx context.Context, filter repository.PoolListFilter) (int64, error) {
	conditions, args := buildPoolConditions(filter)
	conditions = append(conditions, "claimed = FALSE")

	query := `DELETE FROM pool_entries WHERE ` + strings.Join(conditions, " AND ")
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *poolRepository) CountUnclaimedByTier(ctx context.Context) (map[string]int64, error) {
	rows, err := r.pool.Query(
		ctx,
		`SELECT tier_value, COUNT(*)
		   FROM pool_entries
		  WHERE claimed = FALSE
		  GROUP BY tier_value`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var tier string
		var total int64
		if scanErr := rows.Scan(&tier, &total); scanErr != nil {
			return nil, scanErr
		}
		counts[tier] = total
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}

func (r *poolRepository) Stats(ctx context.Context) ([]repository.PoolStats, error) {
	rows, err := r.pool.Query(
		ctx,
		`SELECT tier_value,
		        COUNT(*),
		        COUNT(*) FILTER (WHERE claimed = FALSE),
		        COUNT(*) FILTER (WHERE claimed = TRUE)
		   FROM pool_entries
		  GROUP BY tier_value
		  ORDER BY tier_value`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make([]repository.PoolStats, 0, 8)
	for rows.Next() {
		var item repository.PoolStats
		if scanErr := rows.Scan(&item.TierValue, &item.Total, &item.Available, &item.Claimed); scanErr != nil {
			return nil, scanErr
		}
		stats = append(stats, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return stats, nil
}

func buildPoolConditions(filter repository.PoolListFilter) ([]string, []any) {
	args := make([]any, 0, 4)
	conditions := make([]string, 0, 4)

	if filter.TierValue != nil {
		args = append(args, *filter.TierValue)
		conditions = append(conditions, fmt.Sprintf("tier_value = $%d", len(args)))
	}
	if filter.Claimed != nil {
		args = append(args, *filter.Claimed)
		conditions = append(conditions, fmt.Sprintf("claimed = $%d", len(args)))
	}
	if filter.Source != nil {
		args = append(args, string(*filter.Source))
		conditions = append(conditions, fmt.Sprintf("source = $%d", len(args)))
	}
	if filter.Keyword != nil {
		keyword := "%" + strings.TrimSpace(*filter.Keyword) + "%"
		args = append(args, keyword)
		conditions = append(conditions, fmt.Sprintf("code ILIKE $%d", len(args)))
	}

	return conditions, args
}

func scanPoolEntry(src scanTarget) (*model.PoolEntry, error) {
	entry := &model.PoolEntry{}
	err := src.Scan(
		&entry.ID,
		&entry.Code,
		&entry.TierValue,
		&entry.Claimed,
		&entry.ClaimedBy,
		&entry.ClaimedAt,
		&entry.Source,
		&entry.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return entry, nil
}
