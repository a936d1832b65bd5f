package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/refly-ai/credit-engine/internal/models"
)

// Migrate applies the schema migrations required by the credit engine.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	if errMigrate := conn.AutoMigrate(
		&models.CreditSnapshot{},
		&models.CreditUsage{},
		&models.Setting{},
	); errMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errMigrate)
	}
	return nil
}
