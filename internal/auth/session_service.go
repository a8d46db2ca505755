package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/gamc-bo/credrecovery/internal/models"
	"github.com/gamc-bo/credrecovery/pkg/crypto"
)

// DefaultRefreshTokenTTL is the fallback session lifetime.
const DefaultRefreshTokenTTL = 30 * 24 * time.Hour

// DefaultRefreshTokenLength is the entropy, in bytes, of a refresh token.
const DefaultRefreshTokenLength = 48

// revokedRetention keeps revoked rows around briefly for forensics before the
// sweeper discards them.
const revokedRetention = 24 * time.Hour

var (
	// ErrSessionInvalidUser flags an empty or malformed user identifier.
	ErrSessionInvalidUser = errors.New("session: invalid user id")
)

// SessionConfig tunes the SessionService.
type SessionConfig struct {
	RefreshTokenTTL time.Duration
	RefreshLength   int
	Clock           func() time.Time
}

// SessionMetadata captures client context recorded with a session.
type SessionMetadata struct {
	IPAddress string
	UserAgent string
}

// SessionService manages the platform login sessions this subsystem touches.
// The messaging platform issues sessions at login; credential recovery
// revokes all of them when a password reset commits.
type SessionService struct {
	db     *gorm.DB
	ttl    time.Duration
	length int
	now    func() time.Time
}

// NewSessionService constructs the service with the provided configuration.
func NewSessionService(db *gorm.DB, cfg SessionConfig) (*SessionService, error) {
	if db == nil {
		return nil, errors.New("session service: db is required")
	}

	service := &SessionService{
		db:     db,
		ttl:    cfg.RefreshTokenTTL,
		length: cfg.RefreshLength,
		now:    cfg.Clock,
	}
	if service.ttl <= 0 {
		service.ttl = DefaultRefreshTokenTTL
	}
	if service.length <= 0 {
		service.length = DefaultRefreshTokenLength
	}
	if service.now == nil {
		service.now = time.Now
	}

	return service, nil
}

// CreateSession issues a refresh-token session for the user.
func (s *SessionService) CreateSession(ctx context.Context, userID string, meta SessionMetadata) (string, *models.Session, error) {
	if strings.TrimSpace(userID) == "" {
		return "", nil, ErrSessionInvalidUser
	}

	token, err := crypto.GenerateToken(s.length)
	if err != nil {
		return "", nil, fmt.Errorf("session service: generate token: %w", err)
	}

	now := s.now()
	session := models.Session{
		UserID:       userID,
		RefreshToken: token,
		IPAddress:    meta.IPAddress,
		UserAgent:    meta.UserAgent,
		ExpiresAt:    now.Add(s.ttl),
		LastUsedAt:   now,
	}

	if err := s.db.WithContext(ctx).Create(&session).Error; err != nil {
		return "", nil, fmt.Errorf("session service: create: %w", err)
	}

	return token, &session, nil
}

// RevokeUserSessions revokes every active session belonging to the user.
func (s *SessionService) RevokeUserSessions(ctx context.Context, userID string) (int64, error) {
	return s.RevokeUserSessionsTx(ctx, s.db, userID)
}

// RevokeUserSessionsTx revokes the user's active sessions inside the
// caller's transaction. Used by the reset confirmer so session invalidation
// commits atomically with the password change.
func (s *SessionService) RevokeUserSessionsTx(ctx context.Context, tx *gorm.DB, userID string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, ErrSessionInvalidUser
	}
	if tx == nil {
		tx = s.db
	}

	result := tx.WithContext(ctx).Model(&models.Session{}).
		Where("user_id = ? AND revoked_at IS NULL", userID).
		Update("revoked_at", s.now())
	if result.Error != nil {
		return 0, fmt.Errorf("session service: revoke: %w", result.Error)
	}

	return result.RowsAffected, nil
}

// CleanupExpired removes sessions past expiry and revoked rows past the
// retention window. Returns the number of rows deleted.
func (s *SessionService) CleanupExpired(ctx context.Context) (int64, error) {
	now := s.now()

	result := s.db.WithContext(ctx).
		Where("expires_at < ?", now).
		Or("revoked_at IS NOT NULL AND revoked_at < ?", now.Add(-revokedRetention)).
		Delete(&models.Session{})
	if result.Error != nil {
		return 0, fmt.Errorf("session service: cleanup: %w", result.Error)
	}

	return result.RowsAffected, nil
}
