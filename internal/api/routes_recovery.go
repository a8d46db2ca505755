package api

import (
	"github.com/gin-gonic/gin"

	"github.com/gamc-bo/credrecovery/internal/handlers"
)

func registerRecoveryRoutes(r *gin.Engine, handler *handlers.RecoveryHandler) {
	if handler == nil {
		return
	}

	auth := r.Group("/api/auth")
	{
		auth.POST("/forgot-password", handler.ForgotPassword)
		auth.POST("/verify-security-question", handler.VerifySecurityQuestion)
		auth.POST("/reset-password", handler.ResetPassword)
		auth.GET("/security-questions", handler.SecurityQuestions)
	}
}
