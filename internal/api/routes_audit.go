package api

import (
	"github.com/gin-gonic/gin"

	"github.com/gamc-bo/credrecovery/internal/handlers"
)

// Audit routes are operator-facing. Deployments front them with the
// platform gateway, which terminates staff authentication.
func registerAuditRoutes(r *gin.Engine, handler *handlers.AuditHandler) {
	if handler == nil {
		return
	}

	audit := r.Group("/api/audit")
	{
		audit.GET("", handler.List)
		audit.GET("/export", handler.Export)
	}
}
