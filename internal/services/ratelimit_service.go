package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/gamc-bo/credrecovery/internal/models"
)

// DefaultRateLimitWindow is the minimum spacing between recovery requests
// for the same email.
const DefaultRateLimitWindow = 5 * time.Minute

// RateLimitOption customises the RateLimitService.
type RateLimitOption func(*RateLimitService)

// WithRateLimitWindow overrides the enforcement window.
func WithRateLimitWindow(d time.Duration) RateLimitOption {
	return func(s *RateLimitService) {
		if d > 0 {
			s.window = d
		}
	}
}

// WithRateLimitClock injects a custom time source.
func WithRateLimitClock(clock func() time.Time) RateLimitOption {
	return func(s *RateLimitService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// RateLimitService enforces per-email spacing between recovery requests.
// The database record is the single authoritative copy of this state.
type RateLimitService struct {
	db     *gorm.DB
	window time.Duration
	now    func() time.Time
}

// NewRateLimitService constructs the service with the provided handle.
func NewRateLimitService(db *gorm.DB, opts ...RateLimitOption) (*RateLimitService, error) {
	if db == nil {
		return nil, errors.New("rate limit service: db is required")
	}

	service := &RateLimitService{
		db:     db,
		window: DefaultRateLimitWindow,
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(service)
	}

	return service, nil
}

// Window returns the enforced spacing.
func (s *RateLimitService) Window() time.Duration {
	return s.window
}

// Check returns the time remaining before the email may request again.
// A zero duration means the request is allowed.
func (s *RateLimitService) Check(ctx context.Context, email string) (time.Duration, error) {
	ctx = ensureContext(ctx)
	email = normalizeEmail(email)

	var record models.RateLimitRecord
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("rate limit service: lookup: %w", err)
	}

	eligibleAt := record.LastRequestAt.Add(s.window)
	now := s.now()
	if now.Before(eligibleAt) {
		return eligibleAt.Sub(now), nil
	}
	return 0, nil
}

// Touch records the current time as the email's last successful request.
func (s *RateLimitService) Touch(ctx context.Context, email string) error {
	ctx = ensureContext(ctx)
	email = normalizeEmail(email)

	record := models.RateLimitRecord{
		Email:         email,
		LastRequestAt: s.now(),
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_request_at", "updated_at"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("rate limit service: touch: %w", err)
	}
	return nil
}

// Clear removes the record so the email is immediately eligible again.
// A completed reset calls this inside its transaction via ClearTx.
func (s *RateLimitService) Clear(ctx context.Context, email string) error {
	return s.ClearTx(ensureContext(ctx), s.db, email)
}

// ClearTx removes the record using the supplied transaction handle.
func (s *RateLimitService) ClearTx(ctx context.Context, tx *gorm.DB, email string) error {
	email = normalizeEmail(email)

	err := tx.WithContext(ctx).
		Where("email = ?", email).
		Delete(&models.RateLimitRecord{}).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("rate limit service: clear: %w", err)
	}
	return nil
}

// CleanupStale removes records older than the retention cutoff. Used by the
// maintenance sweeper; stale records no longer constrain anything.
func (s *RateLimitService) CleanupStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	ctx = ensureContext(ctx)
	if olderThan <= 0 {
		olderThan = s.window
	}

	cutoff := s.now().Add(-olderThan)
	result := s.db.WithContext(ctx).
		Where("last_request_at < ?", cutoff).
		Delete(&models.RateLimitRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("rate limit service: cleanup: %w", result.Error)
	}
	return result.RowsAffected, nil
}
