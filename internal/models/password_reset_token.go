package models

import "time"

// TokenStage tracks where a recovery cycle sits in its lifecycle. Stages only
// ever advance: pending_security -> ready -> used, or any stage -> expired.
type TokenStage string

const (
	// StagePendingSecurity means the knowledge factor must still be answered.
	StagePendingSecurity TokenStage = "pending_security"
	// StageReady means the token may be redeemed by a password reset.
	StageReady TokenStage = "ready"
	// StageUsed marks a consumed token. Terminal.
	StageUsed TokenStage = "used"
	// StageExpired marks a token that timed out or was invalidated. Terminal.
	StageExpired TokenStage = "expired"
)

// Terminal reports whether the stage admits no further transitions.
func (s TokenStage) Terminal() bool {
	return s == StageUsed || s == StageExpired
}

// Live reports whether the token still participates in an active cycle.
func (s TokenStage) Live() bool {
	return s == StagePendingSecurity || s == StageReady
}

// PasswordResetToken is one recovery cycle. Only the SHA-256 digest of the
// current secret is stored; a successful security-question verification
// replaces the digest with that of a freshly minted elevated secret.
type PasswordResetToken struct {
	BaseModel

	UserID    string     `gorm:"type:uuid;not null;index" json:"user_id"`
	TokenHash string     `gorm:"uniqueIndex;not null" json:"-"`
	Stage     TokenStage `gorm:"not null;index;default:ready" json:"stage"`
	ExpiresAt time.Time  `gorm:"index" json:"expires_at"`
	UsedAt    *time.Time `json:"used_at"`

	Attempt *SecurityQuestionAttempt `gorm:"foreignKey:TokenID" json:"attempt,omitempty"`
}

// SecurityQuestionAttempt carries the attempt budget of a single recovery
// cycle. It is created with the token when a knowledge factor is required and
// dies with it; a fresh cycle always starts back at zero.
type SecurityQuestionAttempt struct {
	BaseModel

	TokenID      string     `gorm:"type:uuid;uniqueIndex;not null" json:"token_id"`
	QuestionID   string     `gorm:"not null" json:"question_id"`
	AttemptsUsed int        `gorm:"default:0" json:"attempts_used"`
	MaxAttempts  int        `gorm:"default:3" json:"max_attempts"`
	LockedAt     *time.Time `json:"locked_at"`
}

// Remaining returns the attempts still available in this cycle.
func (a *SecurityQuestionAttempt) Remaining() int {
	left := a.MaxAttempts - a.AttemptsUsed
	if left < 0 {
		return 0
	}
	return left
}
