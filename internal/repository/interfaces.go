package repository

import (
	"context"
	"errors"
	"time"

	"github.com/136906/velvenode/internal/model"
)

var ErrNotFound = errors.New("record not found")

type Pagination struct {
	Limit  int32 `json:"limit"`
	Offset int32 `json:"offset"`
}

type PoolListFilter struct {
	TierValue  *string                `json:"tier_value,omitempty"`
	Claimed    *bool                  `json:"claimed,omitempty"`
	Source     *model.PoolEntrySource `json:"source,omitempty"`
	Keyword    *string                `json:"keyword,omitempty"`
	Pagination Pagination             `json:"pagination"`
}

type AuditListFilter struct {
	UserID       *string    `json:"user_id,omitempty"`
	Action       *string    `json:"action,omitempty"`
	ResourceType *string    `json:"resource_type,omitempty"`
	StartTime    *time.Time `json:"start_time,omitempty"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	Pagination   Pagination `json:"pagination"`
}

// PoolStats summarises the local pool for the admin stats endpoint.
type PoolStats struct {
	TierValue string `json:"tier_value"`
	Total     int64  `json:"total"`
	Available int64  `json:"available"`
	Claimed   int64  `json:"claimed"`
}

type PoolRepository interface {
	// BatchCreate inserts entries, skipping codes already present, and
	// reports how many were actually added.
	BatchCreate(ctx context.Context, entries []*model.PoolEntry) (int64, error)
	List(ctx context.Context, filter PoolListFilter) ([]*model.PoolEntry, int64, error)
	DeleteUnclaimed(ctx context.Context, filter PoolListFilter) (int64, error)
	CountUnclaimedByTier(ctx context.Context) (map[string]int64, error)
	Stats(ctx context.Context) ([]PoolStats, error)
}

type ClaimRepository interface {
	// RecentByUser returns the user's claim records with claimed_at >= since,
	// newest first.
	RecentByUser(ctx context.Context, userID string, since time.Time) ([]*model.ClaimRecord, error)
	HistoryByUser(ctx context.Context, userID string, limit int) ([]*model.ClaimRecord, error)
}

// AwardRepository is the transactional surface the allocator commits
// through. Reserve/persist calls are each one atomic unit of work.
type AwardRepository interface {
	// ReserveLocalEntry claims one unclaimed local entry of the tier and
	// writes the claim record in the same transaction. ErrNotFound when
	// the tier has no unclaimed local entry.
	ReserveLocalEntry(ctx context.Context, tierValue string, record *model.ClaimRecord) (*model.PoolEntry, error)
	// ReserveVirtualStock decrements the tier's virtual stock iff it is
	// still positive. false means the stock just ran out.
	ReserveVirtualStock(ctx context.Context, tierValue string) (bool, error)
	ReleaseVirtualStock(ctx context.Context, tierValue string) error
	// PersistMintedAward inserts the minted pool entry and the claim
	// record in one transaction.
	PersistMintedAward(ctx context.Context, entry *model.PoolEntry, record *model.ClaimRecord) error
	VirtualStockByTier(ctx context.Context) (map[string]int64, error)
	SetVirtualStock(ctx context.Context, tierValue string, count int64) error
}

type PolicyRepository interface {
	// Load returns the single policy row, ErrNotFound when it was never set.
	Load(ctx context.Context) (*model.Policy, error)
	// Save upserts the policy row; the caller has already bumped Version.
	Save(ctx context.Context, policy *model.Policy) error
}

type AuditRepository interface {
	Create(ctx context.Context, log *model.AuditLog) error
	List(ctx context.Context, filter AuditListFilter) ([]*model.AuditLog, int64, error)
}
