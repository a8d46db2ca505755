package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	iauth "github.com/gamc-bo/credrecovery/internal/auth"
	"github.com/gamc-bo/credrecovery/internal/models"
	"github.com/gamc-bo/credrecovery/internal/services"
	"github.com/gamc-bo/credrecovery/pkg/crypto"
	"github.com/gamc-bo/credrecovery/pkg/mail"
)

var linkSecretPattern = regexp.MustCompile(`token=([0-9a-f]{64})`)

type recoveryEnv struct {
	db     *gorm.DB
	router *gin.Engine
	mailer *recordingMailer
	clock  *time.Time
}

func TestRecoveryFlowEmailPath(t *testing.T) {
	env := newRecoveryEnv(t)
	env.createUser(t, "carla.mamani@gamc.gov.bo", nil)

	// Request a reset.
	body := env.post(t, "/api/auth/forgot-password",
		`{"email":"carla.mamani@gamc.gov.bo"}`, http.StatusOK)
	require.True(t, body["success"].(bool))
	data := body["data"].(map[string]any)
	require.False(t, data["requiresSecurityQuestion"].(bool))

	secret := env.lastEmailedSecret(t)

	// A weak password is rejected without consuming the token. Even one too
	// short to pass bind-time validation gets the policy verdict, not a
	// generic validation error.
	body = env.post(t, "/api/auth/reset-password",
		fmt.Sprintf(`{"token":"%s","newPassword":"weak"}`, secret),
		http.StatusUnprocessableEntity)
	errInfo := body["error"].(map[string]any)
	require.Equal(t, "PASSWORD_POLICY_VIOLATION", errInfo["code"])

	body = env.post(t, "/api/auth/reset-password",
		fmt.Sprintf(`{"token":"%s","newPassword":"weakweak"}`, secret),
		http.StatusUnprocessableEntity)
	errInfo = body["error"].(map[string]any)
	require.Equal(t, "PASSWORD_POLICY_VIOLATION", errInfo["code"])

	// The same token then succeeds with a conforming password.
	env.post(t, "/api/auth/reset-password",
		fmt.Sprintf(`{"token":"%s","newPassword":"NuevaClave9!"}`, secret),
		http.StatusOK)

	var user models.User
	require.NoError(t, env.db.Where("email = ?", "carla.mamani@gamc.gov.bo").First(&user).Error)
	require.True(t, crypto.VerifyPassword(user.PasswordHash, "NuevaClave9!"))

	// Replays are refused.
	body = env.post(t, "/api/auth/reset-password",
		fmt.Sprintf(`{"token":"%s","newPassword":"OtraClave77#"}`, secret),
		http.StatusConflict)
	errInfo = body["error"].(map[string]any)
	require.Equal(t, "TOKEN_USED", errInfo["code"])
}

func TestRecoveryFlowQuestionPath(t *testing.T) {
	env := newRecoveryEnv(t)
	env.createUser(t, "jorge.quispe@gamc.gov.bo", map[string]string{"first-pet": "fluffy"})

	body := env.post(t, "/api/auth/forgot-password",
		`{"email":"jorge.quispe@gamc.gov.bo"}`, http.StatusOK)
	data := body["data"].(map[string]any)
	require.True(t, data["requiresSecurityQuestion"].(bool))
	question := data["securityQuestion"].(map[string]any)
	require.Equal(t, "first-pet", question["questionId"])
	require.EqualValues(t, 3, question["maxAttempts"])

	// Three wrong answers exhaust the budget.
	for _, want := range []float64{2, 1, 0} {
		body = env.post(t, "/api/auth/verify-security-question",
			`{"email":"jorge.quispe@gamc.gov.bo","questionId":"first-pet","answer":"wrong"}`,
			http.StatusOK)
		data = body["data"].(map[string]any)
		require.False(t, data["verified"].(bool))
		require.Equal(t, want, data["attemptsRemaining"].(float64))
	}

	// Even the correct answer is refused once the cycle is locked.
	body = env.post(t, "/api/auth/verify-security-question",
		`{"email":"jorge.quispe@gamc.gov.bo","questionId":"first-pet","answer":"fluffy"}`,
		http.StatusLocked)
	errInfo := body["error"].(map[string]any)
	require.Equal(t, "MAX_ATTEMPTS_REACHED", errInfo["code"])
}

func TestRecoveryFlowQuestionSuccessEndToEnd(t *testing.T) {
	env := newRecoveryEnv(t)
	env.createUser(t, "ana.flores@gamc.gov.bo", map[string]string{"first-pet": "fluffy"})

	env.post(t, "/api/auth/forgot-password",
		`{"email":"ana.flores@gamc.gov.bo"}`, http.StatusOK)

	body := env.post(t, "/api/auth/verify-security-question",
		`{"email":"ana.flores@gamc.gov.bo","questionId":"first-pet","answer":" FLUFFY "}`,
		http.StatusOK)
	data := body["data"].(map[string]any)
	require.True(t, data["verified"].(bool))
	token := data["resetToken"].(string)
	require.Len(t, token, 64)

	env.post(t, "/api/auth/reset-password",
		fmt.Sprintf(`{"token":"%s","newPassword":"NuevaClave9!"}`, token),
		http.StatusOK)

	// No reset email is dispatched on the question path.
	require.Empty(t, env.mailer.messages)
}

func TestForgotPasswordRateLimitedResponse(t *testing.T) {
	env := newRecoveryEnv(t)
	env.createUser(t, "luis.vargas@gamc.gov.bo", nil)

	env.post(t, "/api/auth/forgot-password",
		`{"email":"luis.vargas@gamc.gov.bo"}`, http.StatusOK)

	*env.clock = env.clock.Add(2 * time.Minute)

	body := env.post(t, "/api/auth/forgot-password",
		`{"email":"luis.vargas@gamc.gov.bo"}`, http.StatusTooManyRequests)
	errInfo := body["error"].(map[string]any)
	require.Equal(t, "RATE_LIMIT_EXCEEDED", errInfo["code"])
	details := errInfo["details"].(map[string]any)
	require.Equal(t, float64(180), details["secondsRemaining"])
}

func TestForgotPasswordValidation(t *testing.T) {
	env := newRecoveryEnv(t)

	body := env.post(t, "/api/auth/forgot-password", `{"email":"not-an-address"}`, http.StatusBadRequest)
	errInfo := body["error"].(map[string]any)
	require.Equal(t, "VALIDATION_ERROR", errInfo["code"])

	env.post(t, "/api/auth/forgot-password", `{`, http.StatusBadRequest)
}

func TestSecurityQuestionsCatalogEndpoint(t *testing.T) {
	env := newRecoveryEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/security-questions", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	questions := body["data"].(map[string]any)["questions"].([]any)
	require.Len(t, questions, 1)
	first := questions[0].(map[string]any)
	require.Equal(t, "first-pet", first["questionId"])
	require.Equal(t, "What was the name of your first pet?", first["questionText"])
}

// --- test environment ---

func newRecoveryEnv(t *testing.T) *recoveryEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

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

	current := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }

	mailer := &recordingMailer{}

	rates, err := services.NewRateLimitService(db, services.WithRateLimitClock(clock))
	require.NoError(t, err)
	audit, err := services.NewAuditService(db)
	require.NoError(t, err)
	sessions, err := iauth.NewSessionService(db, iauth.SessionConfig{Clock: clock})
	require.NoError(t, err)

	tokens, err := services.NewTokenService(db, mailer, rates, audit,
		services.WithTokenClock(clock),
		services.WithResetBaseURL("https://mensajeria.gamc.gov.bo/reset"),
		services.WithAllowedDomains([]string{"gamc.gov.bo"}),
	)
	require.NoError(t, err)
	questions, err := services.NewQuestionService(db, audit, services.WithQuestionClock(clock))
	require.NoError(t, err)
	resets, err := services.NewResetService(db, sessions, rates, audit, services.WithResetClock(clock))
	require.NoError(t, err)

	handler := NewRecoveryHandler(tokens, questions, resets)

	router := gin.New()
	auth := router.Group("/api/auth")
	auth.POST("/forgot-password", handler.ForgotPassword)
	auth.POST("/verify-security-question", handler.VerifySecurityQuestion)
	auth.POST("/reset-password", handler.ResetPassword)
	auth.GET("/security-questions", handler.SecurityQuestions)

	return &recoveryEnv{db: db, router: router, mailer: mailer, clock: &current}
}

func (e *recoveryEnv) createUser(t *testing.T, email string, answers map[string]string) *models.User {
	t.Helper()

	passwordHash, err := crypto.HashPassword("Origin4l!pass")
	require.NoError(t, err)

	user := &models.User{Email: email, PasswordHash: passwordHash, IsActive: true}
	require.NoError(t, e.db.Create(user).Error)

	for questionID, answer := range answers {
		answerHash, err := crypto.HashAnswer(answer)
		require.NoError(t, err)
		require.NoError(t, e.db.Create(&models.UserSecurityQuestion{
			UserID:     user.ID,
			QuestionID: questionID,
			AnswerHash: answerHash,
		}).Error)
	}

	return user
}

func (e *recoveryEnv) post(t *testing.T, path, payload string, wantStatus int) map[string]any {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	require.Equal(t, wantStatus, rec.Code, "unexpected status, body: %s", rec.Body.String())

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func (e *recoveryEnv) lastEmailedSecret(t *testing.T) string {
	t.Helper()

	require.NotEmpty(t, e.mailer.messages)
	match := linkSecretPattern.FindStringSubmatch(e.mailer.messages[len(e.mailer.messages)-1].Body)
	require.Len(t, match, 2)
	return match[1]
}

type recordingMailer struct {
	messages []mail.Message
}

func (m *recordingMailer) Send(_ context.Context, msg mail.Message) error {
	m.messages = append(m.messages, msg)
	return nil
}
