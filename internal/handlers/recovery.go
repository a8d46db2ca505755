package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/gamc-bo/credrecovery/internal/services"
	"github.com/gamc-bo/credrecovery/pkg/response"
)

// RecoveryHandler exposes the credential recovery flow: request a reset,
// answer the security question, confirm the new password.
type RecoveryHandler struct {
	tokens    *services.TokenService
	questions *services.QuestionService
	resets    *services.ResetService
}

// NewRecoveryHandler wires the recovery services behind the HTTP surface.
func NewRecoveryHandler(tokens *services.TokenService, questions *services.QuestionService, resets *services.ResetService) *RecoveryHandler {
	return &RecoveryHandler{tokens: tokens, questions: questions, resets: resets}
}

type forgotPasswordRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
}

// POST /api/auth/forgot-password
//
// The response shape is identical whether or not the email maps to an
// account, so the endpoint cannot be used to enumerate users.
func (h *RecoveryHandler) ForgotPassword(c *gin.Context) {
	var req forgotPasswordRequest
	if !bindAndValidate(c, &req) {
		return
	}

	result, err := h.tokens.RequestReset(c.Request.Context(), req.Email, requestMetadata(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, result)
}

type verifyQuestionRequest struct {
	Email      string `json:"email" validate:"required,email,max=254"`
	QuestionID string `json:"questionId" validate:"required,max=64"`
	Answer     string `json:"answer" validate:"required,max=256"`
}

// POST /api/auth/verify-security-question
//
// A wrong answer is a 200 with verified=false and the remaining attempt
// count; only exhausted or invalid cycles produce an error status.
func (h *RecoveryHandler) VerifySecurityQuestion(c *gin.Context) {
	var req verifyQuestionRequest
	if !bindAndValidate(c, &req) {
		return
	}

	result, err := h.questions.VerifyAnswer(c.Request.Context(), req.Email, req.QuestionID, req.Answer, requestMetadata(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, result)
}

type resetPasswordRequest struct {
	Token       string `json:"token" validate:"required,len=64,hexadecimal"`
	// Length and character rules belong to pkg/password so every entry point
	// rejects a weak password with the same policy result.
	NewPassword string `json:"newPassword" validate:"required,max=128"`
}

// POST /api/auth/reset-password
func (h *RecoveryHandler) ResetPassword(c *gin.Context) {
	var req resetPasswordRequest
	if !bindAndValidate(c, &req) {
		return
	}

	req.Token = strings.TrimSpace(strings.ToLower(req.Token))

	if err := h.resets.ConfirmReset(c.Request.Context(), req.Token, req.NewPassword, requestMetadata(c)); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message": "Password has been reset. Sign in with your new password.",
	})
}

// GET /api/auth/security-questions
func (h *RecoveryHandler) SecurityQuestions(c *gin.Context) {
	catalog, err := h.questions.Catalog(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}

	items := make([]gin.H, 0, len(catalog))
	for _, question := range catalog {
		items = append(items, gin.H{
			"questionId":   question.ID,
			"questionText": question.Question,
			"category":     question.Category,
		})
	}

	response.Success(c, http.StatusOK, gin.H{"questions": items})
}

func requestMetadata(c *gin.Context) services.RequestMetadata {
	return services.RequestMetadata{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}
