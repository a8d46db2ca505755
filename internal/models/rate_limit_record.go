package models

import "time"

// RateLimitRecord stores the server-side authoritative timestamp of the last
// recovery request for an email. Client-side mirrors of this state are a UX
// hint only and never consulted.
type RateLimitRecord struct {
	BaseModel

	Email         string    `gorm:"uniqueIndex;not null" json:"email"`
	LastRequestAt time.Time `gorm:"not null" json:"last_request_at"`
}
