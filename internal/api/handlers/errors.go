package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	domainerrors "github.com/rail-service/settlement_service/internal/domain/errors"
)

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// Error codes for consistent error responses
const (
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"

	// Webhook errors
	ErrCodeInvalidSignature     = "INVALID_SIGNATURE"
	ErrCodeWebhookNotConfigured = "WEBHOOK_NOT_CONFIGURED"
)

// Error messages as constants for consistency
const (
	MsgInvalidRequest     = "Invalid request payload"
	MsgInternalError      = "Internal server error"
	MsgServiceUnavailable = "Service temporarily unavailable"
)

func respondError(c *gin.Context, status int, code, message string, details map[string]interface{}) {
	c.JSON(status, ErrorResponse{
		Code:      code,
		Message:   message,
		Details:   details,
		RequestID: getRequestID(c),
	})
}

func respondBadRequest(c *gin.Context, message string, err error) {
	var details map[string]interface{}
	if err != nil {
		details = map[string]interface{}{"error": err.Error()}
	}
	respondError(c, http.StatusBadRequest, ErrCodeInvalidRequest, message, details)
}

// respondDomainError maps a service error onto an HTTP status. Domain errors keep
// their code and details; anything unclassified is logged and reported as a 500.
func respondDomainError(c *gin.Context, log *zap.Logger, err error) {
	status := http.StatusInternalServerError
	switch {
	case domainerrors.IsInvalidInput(err):
		status = http.StatusBadRequest
	case domainerrors.IsUnauthorized(err):
		status = http.StatusForbidden
	case domainerrors.IsNotFound(err):
		status = http.StatusNotFound
	case domainerrors.IsConflict(err):
		status = http.StatusConflict
	case domainerrors.IsServiceUnavailable(err):
		status = http.StatusServiceUnavailable
	}

	code := domainerrors.GetErrorCode(err)
	if status == http.StatusInternalServerError {
		log.Error("Request failed",
			zap.String("request_id", getRequestID(c)),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		respondError(c, status, ErrCodeInternalError, MsgInternalError, nil)
		return
	}
	if status == http.StatusServiceUnavailable {
		log.Warn("Upstream unavailable",
			zap.String("request_id", getRequestID(c)),
			zap.String("code", code),
			zap.Error(err))
	}

	respondError(c, status, code, err.Error(), domainerrors.GetErrorDetails(err))
}
