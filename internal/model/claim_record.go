package model

import (
	"time"

	"github.com/google/uuid"
)

// ClaimRecord is the append-only log of an award made to a user. It is
// written exactly once per successful claim and never mutated afterwards.
type ClaimRecord struct {
	ID                uuid.UUID `db:"id" json:"id"`
	UserID            string    `db:"user_id" json:"user_id"`
	Username          string    `db:"username" json:"username"`
	Code              string    `db:"code" json:"code"`
	TierValue         string    `db:"tier_value" json:"tier_value"`
	ClaimedAt         time.Time `db:"claimed_at" json:"claimed_at"`
	CooldownExpiresAt time.Time `db:"cooldown_expires_at" json:"cooldown_expires_at"`
	AutoRedeemed      bool      `db:"auto_redeemed" json:"auto_redeemed"`
}
