package models

// SecurityQuestion is an immutable catalog entry users can pick from when
// configuring their knowledge factor. Rows are seeded at migration time and
// never mutated by the service.
type SecurityQuestion struct {
	ID       string `gorm:"primaryKey" json:"id"`
	Question string `gorm:"not null" json:"question"`
	Category string `gorm:"index" json:"category"`
}

// UserSecurityQuestion binds a catalog question to a user together with the
// hash of their normalised answer. Created by the account-management flow;
// this subsystem only reads it.
type UserSecurityQuestion struct {
	BaseModel

	UserID     string `gorm:"type:uuid;not null;index:idx_user_question,unique" json:"user_id"`
	QuestionID string `gorm:"not null;index:idx_user_question,unique" json:"question_id"`
	AnswerHash string `gorm:"not null" json:"-"`

	Question *SecurityQuestion `gorm:"foreignKey:QuestionID" json:"question,omitempty"`
}
