package models

import "time"

// CreditSnapshot durably records a user's unflushed micro-credit remainder.
// One row per user, upserted by the snapshot synchronizer; it is the
// crash-recovery source of truth when the cache counter is evicted.
type CreditSnapshot struct {
	UID string `gorm:"type:varchar(255);primaryKey"` // User identifier.

	RemainderMicroCredits uint64 `gorm:"not null;default:0"` // Unflushed micro-credits.

	LastSyncedAt time.Time `gorm:"not null;index"` // Last checkpoint timestamp.
}
