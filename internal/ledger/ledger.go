// Package ledger persists flushed credit charges as durable usage rows.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/refly-ai/credit-engine/internal/models"
	"github.com/refly-ai/credit-engine/internal/usage"
)

// GormSink writes flushed credits into the credit_usages table.
type GormSink struct {
	db *gorm.DB
}

// NewGormSink constructs a ledger sink over an open database connection.
func NewGormSink(db *gorm.DB) (*GormSink, error) {
	if db == nil {
		return nil, errors.New("ledger: nil db")
	}
	return &GormSink{db: db}, nil
}

// CommitFlush records one flushed charge. Amounts are stored negative, a
// usage row is a debit against the user's balance.
func (s *GormSink) CommitFlush(ctx context.Context, uid string, credits int64, meta usage.ChargeMeta) error {
	if s == nil || s.db == nil {
		return errors.New("ledger: nil sink")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if uid == "" {
		return errors.New("ledger: empty uid")
	}
	if credits <= 0 {
		return fmt.Errorf("ledger: non-positive flush %d", credits)
	}

	rawMeta, errMarshal := json.Marshal(meta)
	if errMarshal != nil {
		return fmt.Errorf("ledger: marshal meta: %w", errMarshal)
	}

	row := models.CreditUsage{
		UID:          uid,
		UsageType:    "tool_call",
		Amount:       -credits,
		ToolCallID:   meta.CallID,
		ToolCallMeta: datatypes.JSON(rawMeta),
	}
	if errCreate := s.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return fmt.Errorf("ledger: create usage row: %w", errCreate)
	}
	return nil
}
