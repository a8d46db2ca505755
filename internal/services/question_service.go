package services

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/gamc-bo/credrecovery/internal/models"
	"github.com/gamc-bo/credrecovery/pkg/crypto"
	apperrors "github.com/gamc-bo/credrecovery/pkg/errors"
	"github.com/gamc-bo/credrecovery/pkg/logger"
	"github.com/gamc-bo/credrecovery/pkg/metrics"
)

// QuestionOption customises the QuestionService.
type QuestionOption func(*QuestionService)

// WithQuestionClock injects a custom time source.
func WithQuestionClock(clock func() time.Time) QuestionOption {
	return func(s *QuestionService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// VerifyAnswerResult reports the outcome of one knowledge-factor attempt.
// ResetToken carries the elevated secret only when Verified is true.
type VerifyAnswerResult struct {
	Verified          bool   `json:"verified"`
	AttemptsRemaining int    `json:"attemptsRemaining"`
	ResetToken        string `json:"resetToken,omitempty"`
}

// QuestionService runs the attempt-limited verification of the knowledge
// factor and serves the public question catalog.
type QuestionService struct {
	db    *gorm.DB
	audit *AuditService
	now   func() time.Time
	log   *zap.Logger
}

// NewQuestionService constructs the verifier.
func NewQuestionService(db *gorm.DB, audit *AuditService, opts ...QuestionOption) (*QuestionService, error) {
	if db == nil {
		return nil, errors.New("question service: db is required")
	}
	if audit == nil {
		return nil, errors.New("question service: audit service is required")
	}

	service := &QuestionService{
		db:    db,
		audit: audit,
		now:   time.Now,
		log:   logger.WithModule("recovery.questions"),
	}

	for _, opt := range opts {
		opt(service)
	}

	return service, nil
}

// Catalog returns the immutable security-question reference data.
func (s *QuestionService) Catalog(ctx context.Context) ([]models.SecurityQuestion, error) {
	ctx = ensureContext(ctx)

	var questions []models.SecurityQuestion
	if err := s.db.WithContext(ctx).
		Order("category ASC, id ASC").
		Find(&questions).Error; err != nil {
		return nil, apperrors.Wrap(err, "could not load security questions")
	}
	return questions, nil
}

// VerifyAnswer checks one answer against the active pending cycle for the
// email. On success it mints a fresh elevated secret and advances the cycle
// to ready; the emailed secret (never issued on this path) stays unusable.
// Exhausting the attempt budget terminates the cycle permanently.
func (s *QuestionService) VerifyAnswer(ctx context.Context, email, questionID, answer string, meta RequestMetadata) (*VerifyAnswerResult, error) {
	ctx = ensureContext(ctx)
	email = normalizeEmail(email)

	var user models.User
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			metrics.AnswerVerifications.WithLabelValues("rejected").Inc()
			return nil, apperrors.ErrTokenInvalid
		}
		return nil, apperrors.Wrap(err, "verification failed")
	}

	var token models.PasswordResetToken
	err := s.db.WithContext(ctx).
		Preload("Attempt").
		Where("user_id = ?", user.ID).
		Order("created_at DESC").
		First(&token).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			metrics.AnswerVerifications.WithLabelValues("rejected").Inc()
			return nil, apperrors.ErrTokenInvalid
		}
		return nil, apperrors.Wrap(err, "verification failed")
	}

	if rejected := s.rejectNonPending(ctx, &token); rejected != nil {
		metrics.AnswerVerifications.WithLabelValues("rejected").Inc()
		return nil, rejected
	}

	var stored models.UserSecurityQuestion
	err = s.db.WithContext(ctx).
		Where("user_id = ? AND question_id = ?", user.ID, questionID).
		First(&stored).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			metrics.AnswerVerifications.WithLabelValues("rejected").Inc()
			return nil, apperrors.NewValidation("the question does not belong to this account")
		}
		return nil, apperrors.Wrap(err, "verification failed")
	}

	match := crypto.VerifyAnswer(stored.AnswerHash, normalizeAnswer(answer))

	var result VerifyAnswerResult

	// The attempt counter is read-modify-write under a row lock so a burst of
	// concurrent answers cannot exceed the budget.
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var attempt models.SecurityQuestionAttempt
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("token_id = ?", token.ID).
			First(&attempt).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperrors.ErrTokenInvalid
			}
			return err
		}

		if attempt.QuestionID != questionID {
			return apperrors.NewValidation("the question does not match the active recovery cycle")
		}
		if attempt.LockedAt != nil || attempt.Remaining() == 0 {
			return apperrors.ErrMaxAttemptsReached
		}

		if !match {
			attempt.AttemptsUsed++
			updates := map[string]any{"attempts_used": attempt.AttemptsUsed}
			if attempt.Remaining() == 0 {
				now := s.now()
				updates["locked_at"] = now
				if err := tx.Model(&models.PasswordResetToken{}).
					Where("id = ?", token.ID).
					Update("stage", models.StageExpired).Error; err != nil {
					return err
				}
			}
			if err := tx.Model(&models.SecurityQuestionAttempt{}).
				Where("id = ?", attempt.ID).
				Updates(updates).Error; err != nil {
				return err
			}

			result = VerifyAnswerResult{Verified: false, AttemptsRemaining: attempt.Remaining()}
			return nil
		}

		secret, err := crypto.GenerateResetSecret()
		if err != nil {
			return err
		}

		// A distinct secret is minted here on purpose: the value proving the
		// question was answered must never be confusable with the value
		// proving the email was received.
		if err := tx.Model(&models.PasswordResetToken{}).
			Where("id = ?", token.ID).
			Updates(map[string]any{
				"token_hash": crypto.HashSecret(secret),
				"stage":      models.StageReady,
			}).Error; err != nil {
			return err
		}

		result = VerifyAnswerResult{
			Verified:          true,
			AttemptsRemaining: attempt.Remaining(),
			ResetToken:        secret,
		}
		return nil
	})
	if err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			metrics.AnswerVerifications.WithLabelValues("rejected").Inc()
			return nil, appErr
		}
		metrics.AnswerVerifications.WithLabelValues("error").Inc()
		return nil, apperrors.Wrap(err, "verification failed")
	}

	s.auditOutcome(ctx, &user, email, questionID, &result, meta)

	return &result, nil
}

// rejectNonPending maps a cycle that is not awaiting an answer onto the
// specific client error.
func (s *QuestionService) rejectNonPending(ctx context.Context, token *models.PasswordResetToken) *apperrors.AppError {
	switch token.Stage {
	case models.StagePendingSecurity:
		if !s.now().Before(token.ExpiresAt) {
			if err := s.db.WithContext(ctx).Model(token).
				Update("stage", models.StageExpired).Error; err != nil {
				s.log.Warn("expire stale cycle failed", zap.Error(err))
			}
			return apperrors.ErrTokenExpired
		}
		return nil
	case models.StageExpired:
		if token.Attempt != nil && token.Attempt.LockedAt != nil {
			return apperrors.ErrMaxAttemptsReached
		}
		return apperrors.ErrTokenInvalid
	default:
		// ready and used cycles have no pending knowledge factor
		return apperrors.ErrTokenInvalid
	}
}

func (s *QuestionService) auditOutcome(ctx context.Context, user *models.User, email, questionID string, result *VerifyAnswerResult, meta RequestMetadata) {
	action := AuditActionAnswerFailed
	auditResult := AuditResultFailure
	metric := "incorrect"
	switch {
	case result.Verified:
		action = AuditActionAnswerVerified
		auditResult = AuditResultSuccess
		metric = "verified"
	case result.AttemptsRemaining == 0:
		action = AuditActionCycleLocked
		metric = "locked"
	}

	entry := AuditEntry{
		UserID:    &user.ID,
		Email:     email,
		Action:    action,
		Result:    auditResult,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Metadata: map[string]any{
			"question_id":        questionID,
			"attempts_remaining": result.AttemptsRemaining,
		},
	}
	if err := s.audit.Log(ctx, entry); err != nil {
		s.log.Warn("audit write failed", zap.Error(err))
	}
	metrics.AnswerVerifications.WithLabelValues(metric).Inc()
}
