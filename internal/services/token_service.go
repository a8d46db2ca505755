package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/gamc-bo/credrecovery/internal/models"
	"github.com/gamc-bo/credrecovery/pkg/crypto"
	apperrors "github.com/gamc-bo/credrecovery/pkg/errors"
	"github.com/gamc-bo/credrecovery/pkg/logger"
	"github.com/gamc-bo/credrecovery/pkg/mail"
	"github.com/gamc-bo/credrecovery/pkg/metrics"
)

const (
	// DefaultTokenTTL is the fixed lifetime of a recovery cycle.
	DefaultTokenTTL = 30 * time.Minute
	// DefaultMaxAttempts bounds security-question tries per cycle.
	DefaultMaxAttempts = 3
)

// TokenOption customises the TokenService.
type TokenOption func(*TokenService)

// WithTokenTTL overrides the token lifetime.
func WithTokenTTL(d time.Duration) TokenOption {
	return func(s *TokenService) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithTokenClock injects a custom time source.
func WithTokenClock(clock func() time.Time) TokenOption {
	return func(s *TokenService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithResetBaseURL sets the base URL used in emailed reset links.
func WithResetBaseURL(url string) TokenOption {
	return func(s *TokenService) {
		s.baseURL = strings.TrimRight(url, "/")
	}
}

// WithAllowedDomains restricts recovery to institutional email domains.
// An empty list disables the policy.
func WithAllowedDomains(domains []string) TokenOption {
	return func(s *TokenService) {
		cleaned := make([]string, 0, len(domains))
		for _, d := range domains {
			d = strings.ToLower(strings.TrimSpace(d))
			if d != "" {
				cleaned = append(cleaned, d)
			}
		}
		s.allowedDomains = cleaned
	}
}

// WithMaxAttempts overrides the security-question attempt budget.
func WithMaxAttempts(n int) TokenOption {
	return func(s *TokenService) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// QuestionPrompt describes the knowledge factor the client must answer.
type QuestionPrompt struct {
	QuestionID   string `json:"questionId"`
	QuestionText string `json:"questionText"`
	Attempts     int    `json:"attempts"`
	MaxAttempts  int    `json:"maxAttempts"`
}

// ResetRequestResult is the generic, account-existence-independent outcome of
// a recovery request.
type ResetRequestResult struct {
	RequiresSecurityQuestion bool            `json:"requiresSecurityQuestion"`
	SecurityQuestion         *QuestionPrompt `json:"securityQuestion,omitempty"`
}

// TokenService creates recovery cycles and decides whether a knowledge
// factor gates them.
type TokenService struct {
	db             *gorm.DB
	mailer         mail.Mailer
	rates          *RateLimitService
	audit          *AuditService
	baseURL        string
	ttl            time.Duration
	maxAttempts    int
	allowedDomains []string
	now            func() time.Time
	log            *zap.Logger
}

// NewTokenService constructs the issuer with its collaborators. The mailer
// may be nil in environments without outbound email.
func NewTokenService(db *gorm.DB, mailer mail.Mailer, rates *RateLimitService, audit *AuditService, opts ...TokenOption) (*TokenService, error) {
	if db == nil {
		return nil, errors.New("token service: db is required")
	}
	if rates == nil {
		return nil, errors.New("token service: rate limit service is required")
	}
	if audit == nil {
		return nil, errors.New("token service: audit service is required")
	}

	service := &TokenService{
		db:          db,
		mailer:      mailer,
		rates:       rates,
		audit:       audit,
		ttl:         DefaultTokenTTL,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
		log:         logger.WithModule("recovery.tokens"),
	}

	for _, opt := range opts {
		opt(service)
	}

	return service, nil
}

// TokenTTL returns the configured cycle lifetime.
func (s *TokenService) TokenTTL() time.Duration {
	return s.ttl
}

// RequestReset starts a recovery cycle for the email. The result never
// discloses whether the account exists: unknown addresses get the same shape
// and comparable work as registered ones without configured questions.
func (s *TokenService) RequestReset(ctx context.Context, email string, meta RequestMetadata) (*ResetRequestResult, error) {
	ctx = ensureContext(ctx)
	email = normalizeEmail(email)

	if !validEmail(email) {
		metrics.ResetRequests.WithLabelValues("rejected").Inc()
		return nil, apperrors.NewValidation("a valid email address is required")
	}

	if !s.domainEligible(email) {
		metrics.ResetRequests.WithLabelValues("rejected").Inc()
		return nil, apperrors.ErrEmailNotEligible
	}

	remaining, err := s.rates.Check(ctx, email)
	if err != nil {
		return nil, apperrors.Wrap(err, "recovery request failed")
	}
	if remaining > 0 {
		metrics.ResetRequests.WithLabelValues("rate_limited").Inc()
		return nil, apperrors.ErrRateLimitExceeded.WithDetails(map[string]any{
			"secondsRemaining": ceilSeconds(remaining),
		})
	}

	// The secret is generated before the account lookup so known and unknown
	// addresses perform the same work.
	secret, err := crypto.GenerateResetSecret()
	if err != nil {
		return nil, apperrors.Wrap(err, "recovery request failed")
	}
	tokenHash := crypto.HashSecret(secret)

	var user models.User
	err = s.db.WithContext(ctx).
		Preload("SecurityQuestions", func(db *gorm.DB) *gorm.DB {
			return db.Order("question_id ASC")
		}).
		Preload("SecurityQuestions.Question").
		Where("email = ?", email).
		First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return s.finishUnknown(ctx, email, meta)
		}
		return nil, apperrors.Wrap(err, "recovery request failed")
	}
	if !user.IsActive {
		return s.finishUnknown(ctx, email, meta)
	}

	stage := models.StageReady
	var prompt *QuestionPrompt
	if len(user.SecurityQuestions) > 0 {
		stage = models.StagePendingSecurity
		configured := user.SecurityQuestions[0]
		text := ""
		if configured.Question != nil {
			text = configured.Question.Question
		}
		prompt = &QuestionPrompt{
			QuestionID:   configured.QuestionID,
			QuestionText: text,
			Attempts:     0,
			MaxAttempts:  s.maxAttempts,
		}
	}

	err = s.createCycle(ctx, user.ID, tokenHash, stage, prompt)
	if isUniqueConstraintError(err) {
		// A digest collision on the unique token_hash index. Mint a fresh
		// secret and try exactly once more.
		if secret, err = crypto.GenerateResetSecret(); err != nil {
			return nil, apperrors.Wrap(err, "recovery request failed")
		}
		tokenHash = crypto.HashSecret(secret)
		err = s.createCycle(ctx, user.ID, tokenHash, stage, prompt)
	}
	if err != nil {
		metrics.ResetRequests.WithLabelValues("error").Inc()
		return nil, apperrors.Wrap(err, "recovery request failed")
	}

	// On the email-link path the raw secret leaves the server exactly once,
	// inside the reset link. On the question path it never leaves at all.
	if stage == models.StageReady {
		if err := s.dispatchResetEmail(ctx, email, secret); err != nil {
			metrics.ResetRequests.WithLabelValues("error").Inc()
			return nil, apperrors.Wrap(err, "could not deliver the recovery email")
		}
	}

	if err := s.rates.Touch(ctx, email); err != nil {
		s.log.Warn("rate limit touch failed", zap.Error(err))
	}

	s.auditRequest(ctx, &user.ID, email, meta, map[string]any{
		"stage":             string(stage),
		"requires_question": stage == models.StagePendingSecurity,
	})
	metrics.ResetRequests.WithLabelValues("issued").Inc()

	return &ResetRequestResult{
		RequiresSecurityQuestion: stage == models.StagePendingSecurity,
		SecurityQuestion:         prompt,
	}, nil
}

// createCycle invalidates any prior live cycle and persists the new one as a
// single transaction: at most one live token per user at any instant.
func (s *TokenService) createCycle(ctx context.Context, userID, tokenHash string, stage models.TokenStage, prompt *QuestionPrompt) error {
	token := models.PasswordResetToken{
		UserID:    userID,
		TokenHash: tokenHash,
		Stage:     stage,
		ExpiresAt: s.now().Add(s.ttl),
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.PasswordResetToken{}).
			Where("user_id = ? AND stage IN ?", userID,
				[]models.TokenStage{models.StagePendingSecurity, models.StageReady}).
			Update("stage", models.StageExpired).Error; err != nil {
			return err
		}

		if err := tx.Create(&token).Error; err != nil {
			return err
		}

		if stage == models.StagePendingSecurity {
			attempt := models.SecurityQuestionAttempt{
				TokenID:     token.ID,
				QuestionID:  prompt.QuestionID,
				MaxAttempts: s.maxAttempts,
			}
			if err := tx.Create(&attempt).Error; err != nil {
				return err
			}
		}

		return nil
	})
}

// finishUnknown completes the anti-enumeration path: same bookkeeping, same
// response shape, no persisted token.
func (s *TokenService) finishUnknown(ctx context.Context, email string, meta RequestMetadata) (*ResetRequestResult, error) {
	if err := s.rates.Touch(ctx, email); err != nil {
		s.log.Warn("rate limit touch failed", zap.Error(err))
	}

	s.auditRequest(ctx, nil, email, meta, map[string]any{"account": "unknown"})
	metrics.ResetRequests.WithLabelValues("unknown_account").Inc()

	return &ResetRequestResult{RequiresSecurityQuestion: false}, nil
}

func (s *TokenService) domainEligible(email string) bool {
	if len(s.allowedDomains) == 0 {
		return true
	}
	domain := emailDomain(email)
	for _, allowed := range s.allowedDomains {
		if domain == allowed {
			return true
		}
	}
	return false
}

func (s *TokenService) dispatchResetEmail(ctx context.Context, email, secret string) error {
	if s.mailer == nil {
		return nil
	}

	message := mail.Message{
		To:      []string{email},
		Subject: "Password recovery",
		Body:    s.resetBody(s.resetLink(secret)),
	}
	if err := s.mailer.Send(ctx, message); err != nil && !errors.Is(err, mail.ErrSMTPDisabled) {
		return fmt.Errorf("token service: send email: %w", err)
	}
	return nil
}

func (s *TokenService) resetLink(secret string) string {
	if s.baseURL == "" {
		return secret
	}
	return fmt.Sprintf("%s?token=%s", s.baseURL, secret)
}

func (s *TokenService) resetBody(link string) string {
	return fmt.Sprintf("A password reset was requested for your account.\n\nUse the link below within %d minutes to choose a new password:\n%s\n\nIf you did not request this, no action is needed and your password remains unchanged.\n", int(s.ttl.Minutes()), link)
}

func (s *TokenService) auditRequest(ctx context.Context, userID *string, email string, meta RequestMetadata, details map[string]any) {
	entry := AuditEntry{
		UserID:    userID,
		Email:     email,
		Action:    AuditActionResetRequested,
		Result:    AuditResultSuccess,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Metadata:  details,
	}
	if err := s.audit.Log(ctx, entry); err != nil {
		s.log.Warn("audit write failed", zap.Error(err))
	}
}

func ceilSeconds(d time.Duration) int {
	secs := int(d / time.Second)
	if d%time.Second > 0 {
		secs++
	}
	return secs
}
