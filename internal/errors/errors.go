package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/menta2k/image-prep/pkg/detection"
	"github.com/menta2k/image-prep/pkg/normalize"
	"github.com/menta2k/image-prep/pkg/processing"
	"github.com/menta2k/image-prep/pkg/session"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeProcessing ErrorType = "processing"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeInternal   ErrorType = "internal"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Details    string    `json:"details,omitempty"`
	StatusCode int       `json:"status_code"`
	Cause      error     `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

func newError(t ErrorType, status int, message string, cause error) *AppError {
	e := &AppError{Type: t, Message: message, StatusCode: status, Cause: cause}
	if cause != nil {
		e.Details = cause.Error()
	}
	return e
}

// NewValidationError creates a new validation error
func NewValidationError(message string, cause error) *AppError {
	return newError(ErrorTypeValidation, http.StatusBadRequest, message, cause)
}

// NewNetworkError creates a new network error
func NewNetworkError(message string, cause error) *AppError {
	return newError(ErrorTypeNetwork, http.StatusBadGateway, message, cause)
}

// NewProcessingError creates a new processing error
func NewProcessingError(message string, cause error) *AppError {
	return newError(ErrorTypeProcessing, http.StatusUnprocessableEntity, message, cause)
}

// NewTimeoutError creates a new timeout error
func NewTimeoutError(message string, cause error) *AppError {
	return newError(ErrorTypeTimeout, http.StatusGatewayTimeout, message, cause)
}

// NewConflictError creates a new conflict error
func NewConflictError(message string, cause error) *AppError {
	return newError(ErrorTypeConflict, http.StatusConflict, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *AppError {
	return newError(ErrorTypeInternal, http.StatusInternalServerError, message, cause)
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, cause error) *AppError {
	return newError(ErrorTypeNotFound, http.StatusNotFound, message, cause)
}

// FromError classifies err by the sentinel errors of the image packages.
// An *AppError anywhere in the chain is returned as is.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}

	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return NewTimeoutError("operation timed out", err)
	case stderrors.Is(err, processing.ErrDecode),
		stderrors.Is(err, processing.ErrUnsupportedFormat),
		stderrors.Is(err, processing.ErrImageTooSmall):
		return NewValidationError("unreadable image", err)
	case stderrors.Is(err, session.ErrNoRegionSelected),
		stderrors.Is(err, session.ErrNotOversized),
		stderrors.Is(err, normalize.ErrCropOutOfBounds):
		return NewValidationError("invalid request for this image", err)
	case stderrors.Is(err, normalize.ErrImageBusy),
		stderrors.Is(err, detection.ErrDetectionInFlight):
		return NewConflictError("image is busy", err)
	case stderrors.Is(err, normalize.ErrNormalize):
		return NewProcessingError("image normalization failed", err)
	}
	return NewInternalError("internal error", err)
}

// IsType checks if the error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// GetStatusCode extracts the HTTP status code from an error
func GetStatusCode(err error) int {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}
