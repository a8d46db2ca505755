package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/gamc-bo/credrecovery/internal/models"
	"github.com/gamc-bo/credrecovery/pkg/crypto"
	apperrors "github.com/gamc-bo/credrecovery/pkg/errors"
	"github.com/gamc-bo/credrecovery/pkg/logger"
	"github.com/gamc-bo/credrecovery/pkg/metrics"
	"github.com/gamc-bo/credrecovery/pkg/password"
)

// SessionInvalidator revokes every active session of a user inside the
// caller's transaction. Implemented by auth.SessionService.
type SessionInvalidator interface {
	RevokeUserSessionsTx(ctx context.Context, tx *gorm.DB, userID string) (int64, error)
}

// ResetOption customises the ResetService.
type ResetOption func(*ResetService)

// WithResetClock injects a custom time source.
func WithResetClock(clock func() time.Time) ResetOption {
	return func(s *ResetService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// ResetService consumes a ready recovery token and commits the new password.
type ResetService struct {
	db       *gorm.DB
	sessions SessionInvalidator
	rates    *RateLimitService
	audit    *AuditService
	now      func() time.Time
	log      *zap.Logger
}

// NewResetService constructs the confirmer with its collaborators.
func NewResetService(db *gorm.DB, sessions SessionInvalidator, rates *RateLimitService, audit *AuditService, opts ...ResetOption) (*ResetService, error) {
	if db == nil {
		return nil, errors.New("reset service: db is required")
	}
	if sessions == nil {
		return nil, errors.New("reset service: session invalidator is required")
	}
	if rates == nil {
		return nil, errors.New("reset service: rate limit service is required")
	}
	if audit == nil {
		return nil, errors.New("reset service: audit service is required")
	}

	service := &ResetService{
		db:       db,
		sessions: sessions,
		rates:    rates,
		audit:    audit,
		now:      time.Now,
		log:      logger.WithModule("recovery.reset"),
	}

	for _, opt := range opts {
		opt(service)
	}

	return service, nil
}

// ConfirmReset redeems a ready token against a new password. The password
// update, token consumption, session revocation and rate-limit clear commit
// as one transaction; a policy rejection leaves the cycle untouched so the
// same token can retry until it expires.
func (s *ResetService) ConfirmReset(ctx context.Context, rawToken, newPassword string, meta RequestMetadata) error {
	ctx = ensureContext(ctx)

	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		metrics.ResetConfirmations.WithLabelValues("rejected").Inc()
		return apperrors.NewValidation("a recovery token is required")
	}

	var token models.PasswordResetToken
	err := s.db.WithContext(ctx).
		Where("token_hash = ?", crypto.HashSecret(rawToken)).
		First(&token).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			metrics.ResetConfirmations.WithLabelValues("rejected").Inc()
			return apperrors.ErrTokenInvalid
		}
		return apperrors.Wrap(err, "password reset failed")
	}

	if rejected := s.rejectNotReady(ctx, &token); rejected != nil {
		metrics.ResetConfirmations.WithLabelValues("rejected").Inc()
		return rejected
	}

	var user models.User
	if err := s.db.WithContext(ctx).Where("id = ?", token.UserID).First(&user).Error; err != nil {
		return apperrors.Wrap(err, "password reset failed")
	}

	if verdict := password.Validate(newPassword); !verdict.Valid {
		s.auditReset(ctx, &user, AuditActionResetRejected, AuditResultFailure, meta, map[string]any{
			"reason": verdict.Message,
		})
		metrics.ResetConfirmations.WithLabelValues("rejected").Inc()
		return apperrors.ErrPasswordPolicy.WithMessage(verdict.Message)
	}

	passwordHash, err := crypto.HashPassword(newPassword)
	if err != nil {
		return apperrors.Wrap(err, "password reset failed")
	}

	now := s.now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.User{}).
			Where("id = ?", user.ID).
			Update("password_hash", passwordHash).Error; err != nil {
			return err
		}

		// Guard on the live stage so a concurrent confirmation of the same
		// token cannot redeem it twice.
		consume := tx.Model(&models.PasswordResetToken{}).
			Where("id = ? AND stage = ? AND used_at IS NULL", token.ID, models.StageReady).
			Updates(map[string]any{"stage": models.StageUsed, "used_at": now})
		if consume.Error != nil {
			return consume.Error
		}
		if consume.RowsAffected == 0 {
			// The stage moved between the lookup and this update, e.g. a
			// fresh RequestReset expired the cycle. Re-read it here so the
			// caller still gets the stage-specific error.
			var current models.PasswordResetToken
			if err := tx.Where("id = ?", token.ID).First(&current).Error; err != nil {
				return err
			}
			if rejected := stageError(&current); rejected != nil {
				return rejected
			}
			return apperrors.ErrTokenUsed
		}

		if _, err := s.sessions.RevokeUserSessionsTx(ctx, tx, user.ID); err != nil {
			return err
		}

		return s.rates.ClearTx(ctx, tx, user.Email)
	})
	if err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			metrics.ResetConfirmations.WithLabelValues("rejected").Inc()
			return appErr
		}
		metrics.ResetConfirmations.WithLabelValues("error").Inc()
		return apperrors.Wrap(err, "password reset failed")
	}

	s.auditReset(ctx, &user, AuditActionResetCompleted, AuditResultSuccess, meta, map[string]any{
		"token_id": token.ID,
	})
	metrics.ResetConfirmations.WithLabelValues("completed").Inc()

	return nil
}

// stageError maps a non-redeemable stage onto its terminal client error, or
// nil when the token is still ready.
func stageError(token *models.PasswordResetToken) *apperrors.AppError {
	if token.UsedAt != nil || token.Stage == models.StageUsed {
		return apperrors.ErrTokenUsed
	}
	if token.Stage == models.StageExpired {
		return apperrors.ErrTokenExpired
	}
	if token.Stage == models.StagePendingSecurity {
		// the emailed secret is never valid while a knowledge factor is open
		return apperrors.ErrTokenInvalid
	}
	return nil
}

// rejectNotReady maps every non-redeemable cycle state onto its specific
// terminal error.
func (s *ResetService) rejectNotReady(ctx context.Context, token *models.PasswordResetToken) *apperrors.AppError {
	if rejected := stageError(token); rejected != nil {
		return rejected
	}
	if !s.now().Before(token.ExpiresAt) {
		if err := s.db.WithContext(ctx).Model(token).
			Update("stage", models.StageExpired).Error; err != nil {
			s.log.Warn("expire stale token failed", zap.Error(err))
		}
		return apperrors.ErrTokenExpired
	}
	return nil
}

func (s *ResetService) auditReset(ctx context.Context, user *models.User, action, result string, meta RequestMetadata, details map[string]any) {
	entry := AuditEntry{
		UserID:    &user.ID,
		Email:     user.Email,
		Action:    action,
		Result:    result,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Metadata:  details,
	}
	if err := s.audit.Log(ctx, entry); err != nil {
		s.log.Warn("audit write failed", zap.Error(err))
	}
}
