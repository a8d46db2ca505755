package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/gamc-bo/credrecovery/internal/app"
	"github.com/gamc-bo/credrecovery/internal/handlers"
	"github.com/gamc-bo/credrecovery/internal/middleware"
	"github.com/gamc-bo/credrecovery/internal/services"
)

// Services bundles the recovery services the router exposes.
type Services struct {
	Tokens    *services.TokenService
	Questions *services.QuestionService
	Resets    *services.ResetService
}

// NewRouter builds the Gin engine, wires middleware and registers the
// recovery routes.
func NewRouter(db *gorm.DB, cfg *app.Config, svcs Services) (*gin.Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config must be provided")
	}
	if svcs.Tokens == nil || svcs.Questions == nil || svcs.Resets == nil {
		return nil, fmt.Errorf("recovery services must be provided")
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.RateLimit(middleware.NewMemoryRateStore(),
		cfg.Recovery.IPRateMaxRequests, cfg.Recovery.IPRateWindow))

	registerHealthRoutes(r, cfg)
	registerMonitoringRoutes(r, cfg)

	recovery := handlers.NewRecoveryHandler(svcs.Tokens, svcs.Questions, svcs.Resets)
	registerRecoveryRoutes(r, recovery)

	auditHandler, err := handlers.NewAuditHandler(db)
	if err != nil {
		return nil, err
	}
	registerAuditRoutes(r, auditHandler)

	r.NoRoute(middleware.NotFoundHandler)

	return r, nil
}

func registerHealthRoutes(r *gin.Engine, cfg *app.Config) {
	if !cfg.Monitoring.Health.Enabled {
		return
	}
	r.GET("/health", handlers.Health())
	r.GET("/api/health", handlers.Health())
}

func registerMonitoringRoutes(r *gin.Engine, cfg *app.Config) {
	if !cfg.Monitoring.Prometheus.Enabled {
		return
	}
	endpoint := cfg.Monitoring.Prometheus.Endpoint
	if endpoint == "" {
		endpoint = "/metrics"
	}
	r.GET(endpoint, gin.WrapH(promhttp.Handler()))
}
