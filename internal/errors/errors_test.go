package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/menta2k/image-prep/pkg/detection"
	"github.com/menta2k/image-prep/pkg/normalize"
	"github.com/menta2k/image-prep/pkg/processing"
	"github.com/menta2k/image-prep/pkg/session"
)

func TestFromError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		kind   ErrorType
		status int
	}{
		{"decode", fmt.Errorf("a.jpg: %w", processing.ErrDecode), ErrorTypeValidation, http.StatusBadRequest},
		{"no region", session.ErrNoRegionSelected, ErrorTypeValidation, http.StatusBadRequest},
		{"busy", normalize.ErrImageBusy, ErrorTypeConflict, http.StatusConflict},
		{"in flight", detection.ErrDetectionInFlight, ErrorTypeConflict, http.StatusConflict},
		{"normalize", fmt.Errorf("%w: resampler", normalize.ErrNormalize), ErrorTypeProcessing, http.StatusUnprocessableEntity},
		{"timeout", context.DeadlineExceeded, ErrorTypeTimeout, http.StatusGatewayTimeout},
		{"other", stderrors.New("disk full"), ErrorTypeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appErr := FromError(tt.err)
			if appErr.Type != tt.kind {
				t.Errorf("Expected type %s, got %s", tt.kind, appErr.Type)
			}
			if GetStatusCode(appErr) != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, GetStatusCode(appErr))
			}
			if !stderrors.Is(appErr, tt.err) {
				t.Error("Expected AppError to unwrap to the cause")
			}
		})
	}
}

func TestFromErrorKeepsAppError(t *testing.T) {
	orig := NewNotFoundError("image not found", nil)
	wrapped := fmt.Errorf("lookup: %w", orig)

	if got := FromError(wrapped); got != orig {
		t.Errorf("Expected the wrapped AppError, got %v", got)
	}
	if !IsType(wrapped, ErrorTypeNotFound) {
		t.Error("Expected IsType to see through wrapping")
	}
	if FromError(nil) != nil {
		t.Error("Expected nil for nil error")
	}
}
