package models

import (
	"time"

	"gorm.io/datatypes"
)

// CreditUsage records one whole-credit charge committed to a user. Rows
// are append-only; fractional remainders never appear here.
type CreditUsage struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UID string `gorm:"type:varchar(255);not null;index"` // Charged user.

	UsageType string `gorm:"type:varchar(64);not null;default:tool_call;index"` // Charge origin.
	Amount    int64  `gorm:"not null"`                                          // Whole credits charged.

	ToolCallID   string         `gorm:"type:text;index"` // Originating tool-call identifier.
	ToolCallMeta datatypes.JSON `gorm:"type:jsonb"`      // Toolset/tool/version metadata.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Charge timestamp.
}
