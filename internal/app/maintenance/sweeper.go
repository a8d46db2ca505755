package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	iauth "github.com/gamc-bo/credrecovery/internal/auth"
	"github.com/gamc-bo/credrecovery/internal/models"
	"github.com/gamc-bo/credrecovery/internal/services"
	"github.com/gamc-bo/credrecovery/pkg/logger"
	"github.com/gamc-bo/credrecovery/pkg/metrics"
)

const (
	defaultAuditRetentionDays = 90
	defaultUsedRetention      = 24 * time.Hour
	defaultTokenSpec          = "@every 10m"
	defaultSessionSpec        = "@hourly"
	defaultAuditSpec          = "@daily"
)

// Sweeper coordinates the background purges: recovery tokens past their
// lifetime, stale rate-limit records, expired sessions and aged audit logs.
type Sweeper struct {
	db       *gorm.DB
	sessions *iauth.SessionService
	audit    *services.AuditService
	rates    *services.RateLimitService
	cron     *cron.Cron
	now      func() time.Time
	log      *zap.Logger

	auditRetention int
	usedRetention  time.Duration

	tokenSchedule   string
	sessionSchedule string
	auditSchedule   string
}

// Option customises the Sweeper.
type Option func(*Sweeper)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(s *Sweeper) {
		if c != nil {
			s.cron = c
		}
	}
}

// WithNow overrides the clock used for cutoff comparisons.
func WithNow(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// WithAuditRetentionDays adjusts the audit retention window.
func WithAuditRetentionDays(days int) Option {
	return func(s *Sweeper) {
		if days > 0 {
			s.auditRetention = days
		}
	}
}

// WithUsedTokenRetention adjusts how long consumed or expired tokens linger
// before deletion.
func WithUsedTokenRetention(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.usedRetention = d
		}
	}
}

// WithTokenSchedule overrides the cron specification for token sweeping.
func WithTokenSchedule(spec string) Option {
	return func(s *Sweeper) {
		if spec != "" {
			s.tokenSchedule = spec
		}
	}
}

// WithSessionSchedule overrides the cron specification for session cleanup.
func WithSessionSchedule(spec string) Option {
	return func(s *Sweeper) {
		if spec != "" {
			s.sessionSchedule = spec
		}
	}
}

// WithAuditSchedule overrides the cron specification for audit retention.
func WithAuditSchedule(spec string) Option {
	return func(s *Sweeper) {
		if spec != "" {
			s.auditSchedule = spec
		}
	}
}

// NewSweeper constructs a Sweeper with defaults. Nil collaborators skip the
// corresponding job.
func NewSweeper(db *gorm.DB, sessions *iauth.SessionService, audit *services.AuditService, rates *services.RateLimitService, opts ...Option) *Sweeper {
	sweeper := &Sweeper{
		db:              db,
		sessions:        sessions,
		audit:           audit,
		rates:           rates,
		now:             time.Now,
		auditRetention:  defaultAuditRetentionDays,
		usedRetention:   defaultUsedRetention,
		tokenSchedule:   defaultTokenSpec,
		sessionSchedule: defaultSessionSpec,
		auditSchedule:   defaultAuditSpec,
		log:             logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(sweeper)
	}

	if sweeper.cron == nil {
		sweeper.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return sweeper
}

// Start registers the jobs with the scheduler and launches it.
func (s *Sweeper) Start() error {
	if s.db != nil {
		if _, err := s.cron.AddFunc(s.tokenSchedule, func() {
			ctx := context.Background()
			if _, err := SweepTokens(ctx, s.db, s.now(), s.usedRetention); err != nil {
				s.log.Warn("token sweep failed", zap.Error(err))
			}
			if s.rates != nil {
				if _, err := s.rates.CleanupStale(ctx, s.usedRetention); err != nil {
					s.log.Warn("rate record sweep failed", zap.Error(err))
				}
			}
		}); err != nil {
			return err
		}
	}

	if s.sessions != nil {
		if _, err := s.cron.AddFunc(s.sessionSchedule, func() {
			if _, err := s.sessions.CleanupExpired(context.Background()); err != nil {
				s.log.Warn("session cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if s.audit != nil && s.auditRetention > 0 {
		if _, err := s.cron.AddFunc(s.auditSchedule, func() {
			if _, err := s.audit.CleanupOlderThan(context.Background(), s.auditRetention); err != nil {
				s.log.Warn("audit cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	s.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any running job to finish.
func (s *Sweeper) Stop() context.Context {
	if s.cron == nil {
		return context.Background()
	}
	return s.cron.Stop()
}

// RunOnce executes every configured sweep sequentially. Used by tests, the
// on-demand maintenance path and graceful shutdown.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	if s.db != nil {
		if _, err := SweepTokens(ctx, s.db, s.now(), s.usedRetention); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if s.rates != nil {
		if _, err := s.rates.CleanupStale(ctx, s.usedRetention); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if s.sessions != nil {
		if _, err := s.sessions.CleanupExpired(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if s.audit != nil && s.auditRetention > 0 {
		if _, err := s.audit.CleanupOlderThan(ctx, s.auditRetention); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}

// TokenSweepStats reports what one sweep touched.
type TokenSweepStats struct {
	Expired int64 // live cycles marked expired
	Deleted int64 // terminal cycles purged past retention
}

// Total returns the number of rows the sweep affected.
func (s TokenSweepStats) Total() int64 {
	return s.Expired + s.Deleted
}

// SweepTokens advances overdue live cycles to expired and purges terminal
// cycles older than the retention window, together with their attempt rows.
// The operation is idempotent: a second sweep at the same instant is a no-op.
func SweepTokens(ctx context.Context, db *gorm.DB, now time.Time, usedRetention time.Duration) (TokenSweepStats, error) {
	if db == nil {
		return TokenSweepStats{}, errors.New("sweep tokens: db is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if usedRetention <= 0 {
		usedRetention = defaultUsedRetention
	}

	stats := TokenSweepStats{}
	cutoff := now.Add(-usedRetention)

	expired := db.WithContext(ctx).Model(&models.PasswordResetToken{}).
		Where("stage IN ? AND expires_at < ?",
			[]models.TokenStage{models.StagePendingSecurity, models.StageReady}, now).
		Update("stage", models.StageExpired)
	if expired.Error != nil {
		return stats, fmt.Errorf("sweep tokens: mark expired: %w", expired.Error)
	}
	stats.Expired = expired.RowsAffected

	deleted := db.WithContext(ctx).
		Where("stage IN ? AND (expires_at < ? OR used_at < ?)",
			[]models.TokenStage{models.StageUsed, models.StageExpired}, cutoff, cutoff).
		Delete(&models.PasswordResetToken{})
	if deleted.Error != nil {
		return stats, fmt.Errorf("sweep tokens: purge: %w", deleted.Error)
	}
	stats.Deleted = deleted.RowsAffected

	// Attempt rows die with their cycle.
	if err := db.WithContext(ctx).
		Where("token_id NOT IN (?)",
			db.Model(&models.PasswordResetToken{}).Select("id")).
		Delete(&models.SecurityQuestionAttempt{}).Error; err != nil {
		return stats, fmt.Errorf("sweep tokens: orphan attempts: %w", err)
	}

	metrics.SweptRecords.WithLabelValues("password_reset_tokens").Add(float64(stats.Deleted))

	return stats, nil
}
