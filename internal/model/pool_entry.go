package model

import (
	"time"

	"github.com/google/uuid"
)

type PoolEntrySource string

const (
	PoolEntrySourceManual PoolEntrySource = "manual"
	PoolEntrySourceMinted PoolEntrySource = "minted"
)

type PoolEntry struct {
	ID        uuid.UUID       `db:"id" json:"id"`
	Code      string          `db:"code" json:"code"`
	TierValue string          `db:"tier_value" json:"tier_value"`
	Claimed   bool            `db:"claimed" json:"claimed"`
	ClaimedBy *string         `db:"claimed_by" json:"claimed_by,omitempty"`
	ClaimedAt *time.Time      `db:"claimed_at" json:"claimed_at,omitempty"`
	Source    PoolEntrySource `db:"source" json:"source"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}
