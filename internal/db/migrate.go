package db

import (
	"fmt"

	"github.com/metergate/metergate/internal/models"
	"gorm.io/gorm"
)

// Migrate applies the schema for all metering tables.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	return conn.AutoMigrate(
		&models.PricingEntry{},
		&models.UsageEvent{},
		&models.UsageAggregate{},
		&models.BudgetPolicy{},
		&models.BudgetState{},
		&models.Setting{},
	)
}
