package database

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/gamc-bo/credrecovery/internal/models"
)

// AutoMigrate creates or updates the schema for every model the subsystem owns.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.Session{},
		&models.SecurityQuestion{},
		&models.UserSecurityQuestion{},
		&models.PasswordResetToken{},
		&models.SecurityQuestionAttempt{},
		&models.RateLimitRecord{},
		&models.AuditLog{},
	)
}

// SeedData installs the security-question catalog. Entries are reference data
// and upserted idempotently so repeated start-ups are safe.
func SeedData(db *gorm.DB) error {
	questions := []models.SecurityQuestion{
		{ID: "first-pet", Question: "What was the name of your first pet?", Category: "personal"},
		{ID: "mother-maiden-name", Question: "What is your mother's maiden name?", Category: "family"},
		{ID: "birth-city", Question: "In which city were you born?", Category: "personal"},
		{ID: "first-school", Question: "What was the name of your first school?", Category: "history"},
		{ID: "childhood-street", Question: "What street did you grow up on?", Category: "history"},
		{ID: "first-supervisor", Question: "What was the surname of your first supervisor?", Category: "work"},
		{ID: "favorite-teacher", Question: "What was the surname of your favorite teacher?", Category: "history"},
	}

	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(&questions).Error
}
