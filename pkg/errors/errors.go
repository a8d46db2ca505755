package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is a structured error that can be rendered to API consumers.
// Details carries contract fields that belong to the error payload, such as
// secondsRemaining on a rate-limit rejection.
type AppError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	StatusCode int            `json:"-"`
	Details    map[string]any `json:"details,omitempty"`
	Internal   error          `json:"-"`
}

func (e *AppError) Error() string {
	if e == nil {
		return "<nil>"
	}

	if e.Internal != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Internal)
	}

	return e.Message
}

// Is matches by taxonomy code, so copies produced by WithMessage or
// WithDetails still compare equal to their sentinel.
func (e *AppError) Is(target error) bool {
	var other *AppError
	if !errors.As(target, &other) {
		return false
	}
	return e != nil && other != nil && e.Code == other.Code
}

// Unwrap exposes the internal error for errors.Is / errors.As chains.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Internal
}

// WithInternal returns a copy with an attached internal error for logging.
func (e *AppError) WithInternal(err error) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Internal = err
	return &cpy
}

// WithMessage returns a copy carrying a caller-supplied message.
func (e *AppError) WithMessage(message string) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Message = message
	return &cpy
}

// WithDetails returns a copy carrying extra payload fields.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Details = details
	return &cpy
}

// Credential-recovery error taxonomy. Every service failure surfaced to a
// client maps onto exactly one of these values.
var (
	ErrValidation = &AppError{
		Code:       "VALIDATION_ERROR",
		Message:    "Invalid request",
		StatusCode: http.StatusBadRequest,
	}

	ErrEmailNotEligible = &AppError{
		Code:       "EMAIL_NOT_ELIGIBLE",
		Message:    "Email address is not an institutional account",
		StatusCode: http.StatusUnprocessableEntity,
	}

	ErrRateLimitExceeded = &AppError{
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    "A recovery request was made recently, please wait before retrying",
		StatusCode: http.StatusTooManyRequests,
	}

	ErrTokenInvalid = &AppError{
		Code:       "TOKEN_INVALID",
		Message:    "Recovery token is not valid",
		StatusCode: http.StatusBadRequest,
	}

	ErrTokenExpired = &AppError{
		Code:       "TOKEN_EXPIRED",
		Message:    "Recovery token has expired, request a new one",
		StatusCode: http.StatusGone,
	}

	ErrTokenUsed = &AppError{
		Code:       "TOKEN_USED",
		Message:    "Recovery token has already been used",
		StatusCode: http.StatusConflict,
	}

	// A wrong security answer is not an error at the API boundary: the
	// verification endpoint reports it inside a 200 body as verified=false
	// with the remaining attempt count, so no sentinel exists for it.
	ErrMaxAttemptsReached = &AppError{
		Code:       "MAX_ATTEMPTS_REACHED",
		Message:    "Too many failed answers, request a new recovery link",
		StatusCode: http.StatusLocked,
	}

	ErrPasswordPolicy = &AppError{
		Code:       "PASSWORD_POLICY_VIOLATION",
		Message:    "Password does not satisfy the institutional policy",
		StatusCode: http.StatusUnprocessableEntity,
	}

	ErrNotFound = &AppError{
		Code:       "NOT_FOUND",
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	ErrBadRequest = &AppError{
		Code:       "BAD_REQUEST",
		Message:    "Invalid request",
		StatusCode: http.StatusBadRequest,
	}

	ErrInternalServer = &AppError{
		Code:       "SERVER_ERROR",
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}
)

// New builds an application error from scratch.
func New(code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap converts any error into a ServerError while keeping the cause for logs.
func Wrap(err error, message string) *AppError {
	return &AppError{
		Code:       ErrInternalServer.Code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Internal:   err,
	}
}

// FromError resolves a generic error to an AppError, defaulting to ErrInternalServer.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	return ErrInternalServer.WithInternal(err)
}

// NewValidation wraps a field-level validation failure with a readable message.
func NewValidation(message string) *AppError {
	return ErrValidation.WithMessage(message)
}

// NewBadRequest wraps malformed payload errors with a helpful message.
func NewBadRequest(message string) *AppError {
	return ErrBadRequest.WithMessage(message)
}
