package pkg

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is the structured error carried to API callers.
type AppError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Details)
	}
	return e.Message
}

func NewAppError(code int, message, details string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// BadRequestError rejects malformed or invalid input. Never retried.
func BadRequestError(message string) *AppError {
	return NewAppError(http.StatusBadRequest, message, "")
}

// PolicyViolationError rejects a request whose constraints cannot be met
// by policy, e.g. onlyPreferred with no valid preferred provider.
func PolicyViolationError(message string) *AppError {
	return NewAppError(http.StatusBadRequest, "Policy violation", message)
}

// UnauthorizedError rejects a request that failed authentication.
func UnauthorizedError(message string) *AppError {
	return NewAppError(http.StatusUnauthorized, message, "")
}

// ForbiddenError rejects a request that failed an authorization check.
func ForbiddenError(message string) *AppError {
	return NewAppError(http.StatusForbidden, message, "")
}

// NotFoundError reports a missing managed resource (store entry, cloud,
// relay). Empty orchestration outcomes are NOT errors and never use this.
func NotFoundError(message string) *AppError {
	return NewAppError(http.StatusNotFound, message, "")
}

// ConflictError reports a duplicate managed resource.
func ConflictError(message string) *AppError {
	return NewAppError(http.StatusConflict, message, "")
}

// TimeoutError reports a transport round trip that exceeded its bound.
// The caller may retry; the core never retries a request silently.
func TimeoutError(message string) *AppError {
	return NewAppError(http.StatusGatewayTimeout, message, "")
}

// InternalServerError reports an unexpected local failure.
func InternalServerError(message string) *AppError {
	return NewAppError(http.StatusInternalServerError, message, "")
}

// DatabaseError wraps a storage failure.
func DatabaseError(err error) *AppError {
	return NewAppError(http.StatusInternalServerError, "Database error", err.Error())
}

// RelayError reports a relay transport failure distinct from a timeout.
func RelayError(message string) *AppError {
	return NewAppError(http.StatusBadGateway, message, "")
}

// AsAppError normalizes any error into an AppError for the API layer.
func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return NewAppError(http.StatusInternalServerError, "Internal server error", err.Error())
}
