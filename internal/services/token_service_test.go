package services

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/gamc-bo/credrecovery/internal/models"
	"github.com/gamc-bo/credrecovery/pkg/crypto"
	apperrors "github.com/gamc-bo/credrecovery/pkg/errors"
	"github.com/gamc-bo/credrecovery/pkg/mail"
)

var secretPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

func TestRequestResetIssuesReadyToken(t *testing.T) {
	db := openRecoveryTestDB(t)
	current := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }

	mailer := &captureMailer{}
	svc := newTestTokenService(t, db, mailer, clock)

	user := createRecoveryUser(t, db, "carla.mamani@gamc.gov.bo", nil)

	result, err := svc.RequestReset(context.Background(), "carla.mamani@gamc.gov.bo", RequestMetadata{IPAddress: "10.0.0.9"})
	require.NoError(t, err)
	require.False(t, result.RequiresSecurityQuestion)
	require.Nil(t, result.SecurityQuestion)

	var token models.PasswordResetToken
	require.NoError(t, db.Where("user_id = ?", user.ID).First(&token).Error)
	require.Equal(t, models.StageReady, token.Stage)
	require.WithinDuration(t, current.Add(30*time.Minute), token.ExpiresAt, time.Second)
	require.Nil(t, token.UsedAt)

	// The emailed link carries the only copy of the raw secret.
	require.Len(t, mailer.messages, 1)
	secret := extractSecret(t, mailer.messages[0].Body)
	require.Equal(t, token.TokenHash, crypto.HashSecret(secret))

	var rate models.RateLimitRecord
	require.NoError(t, db.Where("email = ?", user.Email).First(&rate).Error)
	require.WithinDuration(t, current, rate.LastRequestAt, time.Second)
}

func TestRequestResetWithQuestionOpensPendingCycle(t *testing.T) {
	db := openRecoveryTestDB(t)
	current := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }

	mailer := &captureMailer{}
	svc := newTestTokenService(t, db, mailer, clock)

	user := createRecoveryUser(t, db, "jorge.quispe@gamc.gov.bo", map[string]string{
		"first-pet": "fluffy",
	})

	result, err := svc.RequestReset(context.Background(), user.Email, RequestMetadata{})
	require.NoError(t, err)
	require.True(t, result.RequiresSecurityQuestion)
	require.NotNil(t, result.SecurityQuestion)
	require.Equal(t, "first-pet", result.SecurityQuestion.QuestionID)
	require.Equal(t, "What was the name of your first pet?", result.SecurityQuestion.QuestionText)
	require.Equal(t, 0, result.SecurityQuestion.Attempts)
	require.Equal(t, 3, result.SecurityQuestion.MaxAttempts)

	var token models.PasswordResetToken
	require.NoError(t, db.Preload("Attempt").Where("user_id = ?", user.ID).First(&token).Error)
	require.Equal(t, models.StagePendingSecurity, token.Stage)
	require.NotNil(t, token.Attempt)
	require.Equal(t, 0, token.Attempt.AttemptsUsed)
	require.Equal(t, 3, token.Attempt.MaxAttempts)

	// No link is emailed while the knowledge factor is open.
	require.Empty(t, mailer.messages)
}

func TestRequestResetInvalidatesPriorCycle(t *testing.T) {
	db := openRecoveryTestDB(t)
	current := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }

	svc := newTestTokenService(t, db, &captureMailer{}, clock)
	user := createRecoveryUser(t, db, "ana.flores@gamc.gov.bo", nil)

	_, err := svc.RequestReset(context.Background(), user.Email, RequestMetadata{})
	require.NoError(t, err)

	current = current.Add(6 * time.Minute)

	_, err = svc.RequestReset(context.Background(), user.Email, RequestMetadata{})
	require.NoError(t, err)

	var live int64
	require.NoError(t, db.Model(&models.PasswordResetToken{}).
		Where("user_id = ? AND stage IN ?", user.ID,
			[]models.TokenStage{models.StagePendingSecurity, models.StageReady}).
		Count(&live).Error)
	require.EqualValues(t, 1, live)

	var expired int64
	require.NoError(t, db.Model(&models.PasswordResetToken{}).
		Where("user_id = ? AND stage = ?", user.ID, models.StageExpired).
		Count(&expired).Error)
	require.EqualValues(t, 1, expired)
}

func TestRequestResetRateLimited(t *testing.T) {
	db := openRecoveryTestDB(t)
	current := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }

	svc := newTestTokenService(t, db, &captureMailer{}, clock)
	user := createRecoveryUser(t, db, "luis.vargas@gamc.gov.bo", nil)

	_, err := svc.RequestReset(context.Background(), user.Email, RequestMetadata{})
	require.NoError(t, err)

	current = current.Add(2 * time.Minute)

	_, err = svc.RequestReset(context.Background(), user.Email, RequestMetadata{})
	require.ErrorIs(t, err, apperrors.ErrRateLimitExceeded)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, 180, appErr.Details["secondsRemaining"])

	// Only one token exists; the rejected request created nothing.
	var count int64
	require.NoError(t, db.Model(&models.PasswordResetToken{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestRequestResetUnknownEmailLooksIdentical(t *testing.T) {
	db := openRecoveryTestDB(t)
	current := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }

	svc := newTestTokenService(t, db, &captureMailer{}, clock)

	result, err := svc.RequestReset(context.Background(), "nobody@gamc.gov.bo", RequestMetadata{})
	require.NoError(t, err)
	require.False(t, result.RequiresSecurityQuestion)
	require.Nil(t, result.SecurityQuestion)

	var tokens int64
	require.NoError(t, db.Model(&models.PasswordResetToken{}).Count(&tokens).Error)
	require.Zero(t, tokens)

	// The rate window applies to unknown addresses too.
	_, err = svc.RequestReset(context.Background(), "nobody@gamc.gov.bo", RequestMetadata{})
	require.ErrorIs(t, err, apperrors.ErrRateLimitExceeded)
}

func TestRequestResetRejectsForeignDomain(t *testing.T) {
	db := openRecoveryTestDB(t)

	svc := newTestTokenService(t, db, &captureMailer{}, time.Now)

	_, err := svc.RequestReset(context.Background(), "someone@example.com", RequestMetadata{})
	require.ErrorIs(t, err, apperrors.ErrEmailNotEligible)
}

func TestRequestResetRejectsMalformedEmail(t *testing.T) {
	db := openRecoveryTestDB(t)

	svc := newTestTokenService(t, db, &captureMailer{}, time.Now)

	_, err := svc.RequestReset(context.Background(), "not an address", RequestMetadata{})
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestRequestResetInactiveAccountLooksUnknown(t *testing.T) {
	db := openRecoveryTestDB(t)
	current := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }

	svc := newTestTokenService(t, db, &captureMailer{}, clock)

	user := createRecoveryUser(t, db, "retired@gamc.gov.bo", nil)
	require.NoError(t, db.Model(&models.User{}).Where("id = ?", user.ID).Update("is_active", false).Error)

	result, err := svc.RequestReset(context.Background(), user.Email, RequestMetadata{})
	require.NoError(t, err)
	require.False(t, result.RequiresSecurityQuestion)

	var tokens int64
	require.NoError(t, db.Model(&models.PasswordResetToken{}).Count(&tokens).Error)
	require.Zero(t, tokens)
}

// --- fixtures shared by the recovery service tests ---

func openRecoveryTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.SecurityQuestion{},
		&models.UserSecurityQuestion{},
		&models.PasswordResetToken{},
		&models.SecurityQuestionAttempt{},
		&models.RateLimitRecord{},
		&models.AuditLog{},
		&models.Session{},
	))

	require.NoError(t, db.Create(&models.SecurityQuestion{
		ID:       "first-pet",
		Question: "What was the name of your first pet?",
		Category: "personal",
	}).Error)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	return db
}

func newTestTokenService(t *testing.T, db *gorm.DB, mailer mail.Mailer, clock func() time.Time) *TokenService {
	t.Helper()

	rates, err := NewRateLimitService(db, WithRateLimitClock(clock))
	require.NoError(t, err)
	audit, err := NewAuditService(db)
	require.NoError(t, err)

	svc, err := NewTokenService(db, mailer, rates, audit,
		WithTokenClock(clock),
		WithResetBaseURL("https://mensajeria.gamc.gov.bo/reset"),
		WithAllowedDomains([]string{"gamc.gov.bo"}),
	)
	require.NoError(t, err)
	return svc
}

// createRecoveryUser inserts an active user; answers maps question ID to the
// plain-text security answer.
func createRecoveryUser(t *testing.T, db *gorm.DB, email string, answers map[string]string) *models.User {
	t.Helper()

	passwordHash, err := crypto.HashPassword("Origin4l!pass")
	require.NoError(t, err)

	user := &models.User{
		Email:        email,
		PasswordHash: passwordHash,
		FullName:     "Test User",
		IsActive:     true,
	}
	require.NoError(t, db.Create(user).Error)

	for questionID, answer := range answers {
		answerHash, err := crypto.HashAnswer(normalizeAnswer(answer))
		require.NoError(t, err)
		require.NoError(t, db.Create(&models.UserSecurityQuestion{
			UserID:     user.ID,
			QuestionID: questionID,
			AnswerHash: answerHash,
		}).Error)
	}

	return user
}

func extractSecret(t *testing.T, body string) string {
	t.Helper()

	idx := strings.Index(body, "token=")
	require.GreaterOrEqual(t, idx, 0)
	secret := body[idx+len("token="):]
	if nl := strings.IndexAny(secret, "\r\n"); nl >= 0 {
		secret = secret[:nl]
	}
	require.Regexp(t, secretPattern, secret)
	return secret
}

// captureMailer records outbound messages instead of dialing SMTP.
type captureMailer struct {
	messages []mail.Message
}

func (m *captureMailer) Send(_ context.Context, msg mail.Message) error {
	m.messages = append(m.messages, msg)
	return nil
}
