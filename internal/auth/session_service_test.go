package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/gamc-bo/credrecovery/internal/models"
)

func TestCreateAndRevokeUserSessions(t *testing.T) {
	db := openSessionTestDB(t)
	current := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	svc, err := NewSessionService(db, SessionConfig{Clock: func() time.Time { return current }})
	require.NoError(t, err)

	token, session, err := svc.CreateSession(context.Background(), "user-1", SessionMetadata{IPAddress: "10.0.0.1"})
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.Nil(t, session.RevokedAt)
	require.WithinDuration(t, current.Add(DefaultRefreshTokenTTL), session.ExpiresAt, time.Second)

	_, _, err = svc.CreateSession(context.Background(), "user-1", SessionMetadata{})
	require.NoError(t, err)
	_, other, err := svc.CreateSession(context.Background(), "user-2", SessionMetadata{})
	require.NoError(t, err)

	revoked, err := svc.RevokeUserSessions(context.Background(), "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 2, revoked)

	// Revocation is idempotent per session.
	revoked, err = svc.RevokeUserSessions(context.Background(), "user-1")
	require.NoError(t, err)
	require.Zero(t, revoked)

	// Other users are untouched.
	var untouched models.Session
	require.NoError(t, db.Where("id = ?", other.ID).First(&untouched).Error)
	require.Nil(t, untouched.RevokedAt)
}

func TestCreateSessionRejectsEmptyUser(t *testing.T) {
	db := openSessionTestDB(t)

	svc, err := NewSessionService(db, SessionConfig{})
	require.NoError(t, err)

	_, _, err = svc.CreateSession(context.Background(), "  ", SessionMetadata{})
	require.ErrorIs(t, err, ErrSessionInvalidUser)
}

func TestCleanupExpiredSessions(t *testing.T) {
	db := openSessionTestDB(t)
	current := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	svc, err := NewSessionService(db, SessionConfig{Clock: func() time.Time { return current }})
	require.NoError(t, err)

	expired := current.Add(-time.Hour)
	require.NoError(t, db.Create(&models.Session{
		UserID: "user-1", RefreshToken: "expired", ExpiresAt: expired,
	}).Error)

	oldRevocation := current.Add(-48 * time.Hour)
	require.NoError(t, db.Create(&models.Session{
		UserID: "user-1", RefreshToken: "revoked-long-ago",
		ExpiresAt: current.Add(time.Hour), RevokedAt: &oldRevocation,
	}).Error)

	require.NoError(t, db.Create(&models.Session{
		UserID: "user-1", RefreshToken: "active", ExpiresAt: current.Add(time.Hour),
	}).Error)

	removed, err := svc.CleanupExpired(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, removed)

	var tokens []string
	require.NoError(t, db.Model(&models.Session{}).Pluck("refresh_token", &tokens).Error)
	require.Equal(t, []string{"active"}, tokens)
}

func openSessionTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(&models.Session{}))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	return db
}
