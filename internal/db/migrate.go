package db

import (
	"fmt"

	"github.com/zulandar/outreach/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns every GORM model owned by the pipeline, in dependency
// order for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Contact{},
		&models.AutomationSettings{},
		&models.Sequence{},
		&models.SequenceStep{},
		&models.SequenceEnrollment{},
		&models.ConversationMessage{},
		&models.InvitationLog{},
		&models.DispatchLease{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedSettings inserts the default AutomationSettings row for accountID if
// none exists. Existing rows are left untouched.
func SeedSettings(db *gorm.DB, accountID string) (*models.AutomationSettings, error) {
	if accountID == "" {
		return nil, fmt.Errorf("db: seed settings: account is required")
	}
	s := models.AutomationSettings{AccountID: accountID}
	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}},
		DoNothing: true,
	}).Create(&s)
	if result.Error != nil {
		return nil, fmt.Errorf("db: seed settings for %q: %w", accountID, result.Error)
	}

	var stored models.AutomationSettings
	if err := db.Where("account_id = ?", accountID).First(&stored).Error; err != nil {
		return nil, fmt.Errorf("db: load settings for %q: %w", accountID, err)
	}
	return &stored, nil
}
