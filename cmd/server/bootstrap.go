package main

import (
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/gamc-bo/credrecovery/internal/api"
	"github.com/gamc-bo/credrecovery/internal/app"
	"github.com/gamc-bo/credrecovery/internal/app/maintenance"
	iauth "github.com/gamc-bo/credrecovery/internal/auth"
	"github.com/gamc-bo/credrecovery/internal/database"
	"github.com/gamc-bo/credrecovery/internal/services"
	"github.com/gamc-bo/credrecovery/pkg/logger"
	"github.com/gamc-bo/credrecovery/pkg/mail"
)

// runtimeStack bundles long-lived services used by the HTTP server.
type runtimeStack struct {
	DB         *gorm.DB
	SessionSvc *iauth.SessionService
	AuditSvc   *services.AuditService
	RateSvc    *services.RateLimitService
	TokenSvc   *services.TokenService
	Sweeper    *maintenance.Sweeper
	Router     *gin.Engine
}

// bootstrapRuntime initialises the database, services, maintenance jobs and
// the HTTP router.
func bootstrapRuntime(cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			stack.Shutdown(log)
		}
	}()

	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	stack.DB, err = initialiseDatabase(cfg)
	if err != nil {
		return nil, err
	}

	stack.SessionSvc, err = iauth.NewSessionService(stack.DB, iauth.SessionConfig{})
	if err != nil {
		return nil, fmt.Errorf("initialise session service: %w", err)
	}

	stack.AuditSvc, err = services.NewAuditService(stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise audit service: %w", err)
	}

	stack.RateSvc, err = services.NewRateLimitService(stack.DB,
		services.WithRateLimitWindow(cfg.Recovery.RateLimitWindow))
	if err != nil {
		return nil, fmt.Errorf("initialise rate limit service: %w", err)
	}

	mailer, err := mail.NewSMTPMailer(cfg.Email.SMTPSettings())
	if err != nil {
		return nil, fmt.Errorf("initialise mailer: %w", err)
	}
	if !cfg.Email.SMTP.Enabled {
		log.Warn("smtp delivery disabled; reset links will not be emailed")
	}

	stack.TokenSvc, err = services.NewTokenService(stack.DB, mailer, stack.RateSvc, stack.AuditSvc,
		services.WithTokenTTL(cfg.Recovery.TokenTTL),
		services.WithResetBaseURL(cfg.Recovery.ResetBaseURL),
		services.WithAllowedDomains(cfg.Recovery.AllowedDomains),
		services.WithMaxAttempts(cfg.Recovery.MaxAttempts),
	)
	if err != nil {
		return nil, fmt.Errorf("initialise token service: %w", err)
	}

	questionSvc, err := services.NewQuestionService(stack.DB, stack.AuditSvc)
	if err != nil {
		return nil, fmt.Errorf("initialise question service: %w", err)
	}

	resetSvc, err := services.NewResetService(stack.DB, stack.SessionSvc, stack.RateSvc, stack.AuditSvc)
	if err != nil {
		return nil, fmt.Errorf("initialise reset service: %w", err)
	}

	stack.Sweeper = maintenance.NewSweeper(stack.DB, stack.SessionSvc, stack.AuditSvc, stack.RateSvc,
		maintenance.WithUsedTokenRetention(cfg.Recovery.UsedTokenRetention),
		maintenance.WithAuditRetentionDays(cfg.Maintenance.AuditRetentionDays),
		maintenance.WithTokenSchedule(cfg.Maintenance.TokenSchedule),
		maintenance.WithSessionSchedule(cfg.Maintenance.SessionSchedule),
		maintenance.WithAuditSchedule(cfg.Maintenance.AuditSchedule),
	)
	if err := stack.Sweeper.Start(); err != nil {
		return nil, fmt.Errorf("start maintenance jobs: %w", err)
	}

	stack.Router, err = api.NewRouter(stack.DB, cfg, api.Services{
		Tokens:    stack.TokenSvc,
		Questions: questionSvc,
		Resets:    resetSvc,
	})
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	success = true
	return stack, nil
}

// Shutdown releases the stack's resources in reverse order, running one final
// sweep so short-lived deployments still purge expired cycles.
func (s *runtimeStack) Shutdown(log *zap.Logger) {
	if s == nil {
		return
	}

	if s.Sweeper != nil {
		stopCtx := s.Sweeper.Stop()
		if err := s.Sweeper.RunOnce(stopCtx); err != nil {
			log.Warn("maintenance shutdown cleanup failed", zap.Error(err))
		}
	}

	if s.DB != nil {
		closeDatabase(s.DB, log)
	}
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	db, err := database.Open(cfg.Database.DatabaseSettings())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrateAndSeed(db); err != nil {
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	logger.WithModule("database").Info("database ready",
		zap.String("driver", cfg.Database.Driver))

	return db, nil
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("acquire database handle for close", zap.Error(err))
		return
	}
	if err := sqlDB.Close(); err != nil {
		log.Warn("close database", zap.Error(err))
	}
}
