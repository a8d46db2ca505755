package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User is the credential-store record for a platform account. The messaging
// platform owns most of the profile; this subsystem reads the email and
// security questions and writes only the password hash.
type User struct {
	ID           string `gorm:"primaryKey;type:uuid" json:"id"`
	Email        string `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash string `gorm:"not null" json:"-"`

	FullName   string `json:"full_name"`
	Department string `json:"department"`

	IsActive bool `gorm:"default:true" json:"is_active"`

	SecurityQuestions []UserSecurityQuestion `gorm:"foreignKey:UserID" json:"-"`
	Sessions          []Session              `gorm:"foreignKey:UserID" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate ensures a UUID is present before persisting.
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}
