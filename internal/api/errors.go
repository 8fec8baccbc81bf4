// errors.go - Structured error handling for API responses
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/lab-analyzer/backend/internal/ingest"
	"github.com/lab-analyzer/backend/internal/storage"
	"github.com/lab-analyzer/backend/internal/validation"
)

// APIError represents a structured API error response
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`

	cause error
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.cause
}

// Error constructors for consistent error handling

// NewBadRequestError creates a 400 Bad Request error
func NewBadRequestError(message string, cause error) *APIError {
	return &APIError{
		Status:  http.StatusBadRequest,
		Code:    "BAD_REQUEST",
		Message: message,
		cause:   cause,
	}
}

// NewValidationError creates a 400 validation error
func NewValidationError(message string) *APIError {
	return &APIError{
		Status:  http.StatusBadRequest,
		Code:    "VALIDATION_ERROR",
		Message: message,
	}
}

// NewUnauthorizedError creates a 401 Unauthorized error
func NewUnauthorizedError(message string) *APIError {
	return &APIError{
		Status:  http.StatusUnauthorized,
		Code:    "UNAUTHORIZED",
		Message: message,
	}
}

// NewNotFoundError creates a 404 Not Found error
func NewNotFoundError(resource string, id string) *APIError {
	return &APIError{
		Status:  http.StatusNotFound,
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// NewConflictError creates a 409 Conflict error
func NewConflictError(message string) *APIError {
	return &APIError{
		Status:  http.StatusConflict,
		Code:    "CONFLICT",
		Message: message,
	}
}

// NewPayloadTooLargeError creates a 413 error for an upload over limit bytes
func NewPayloadTooLargeError(limit int64) *APIError {
	return &APIError{
		Status:  http.StatusRequestEntityTooLarge,
		Code:    "PAYLOAD_TOO_LARGE",
		Message: fmt.Sprintf("file exceeds the maximum upload size of %s", humanize.Bytes(uint64(limit))),
	}
}

// NewInternalError creates a 500 Internal Server Error
func NewInternalError(message string, cause error) *APIError {
	return &APIError{
		Status:  http.StatusInternalServerError,
		Code:    "INTERNAL_ERROR",
		Message: message,
		cause:   cause,
	}
}

// NewServiceUnavailableError creates a 503 Service Unavailable error
func NewServiceUnavailableError(message string) *APIError {
	return &APIError{
		Status:  http.StatusServiceUnavailable,
		Code:    "SERVICE_UNAVAILABLE",
		Message: message,
	}
}

// fromIngestError maps a tagged ingestion error onto an HTTP error. The
// message is the client-safe one carried by the error.
func fromIngestError(ie *ingest.Error) *APIError {
	apiErr := &APIError{Message: ie.Message, cause: ie}

	switch ie.Kind {
	case ingest.KindValidation:
		apiErr.Status, apiErr.Code = http.StatusBadRequest, "VALIDATION_ERROR"
		var rej *validation.Rejection
		if errors.As(ie, &rej) && rej.Unsupported {
			apiErr.Code = "UNSUPPORTED_TYPE"
		}
		if errors.Is(ie, storage.ErrTooLarge) {
			apiErr.Status, apiErr.Code = http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE"
		}
	case ingest.KindSecurity:
		apiErr.Status, apiErr.Code = http.StatusUnprocessableEntity, "SECURITY_REJECTED"
	case ingest.KindNotFound:
		apiErr.Status, apiErr.Code = http.StatusNotFound, "NOT_FOUND"
	case ingest.KindForbidden:
		apiErr.Status, apiErr.Code = http.StatusForbidden, "FORBIDDEN"
	case ingest.KindUnavailable:
		apiErr.Status, apiErr.Code = http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"
	default:
		apiErr.Status, apiErr.Code = http.StatusInternalServerError, "INTERNAL_ERROR"
	}
	return apiErr
}

// NewErrorHandler returns the echo error handler. Internal causes are only
// copied into Details when exposeDetails is set.
// Usage: e.HTTPErrorHandler = api.NewErrorHandler(cfg.Security.ExposeErrorDetails, logger)
func NewErrorHandler(exposeDetails bool, logger *slog.Logger) echo.HTTPErrorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var (
			apiErr  *APIError
			ie      *ingest.Error
			httpErr *echo.HTTPError
			verrs   validator.ValidationErrors
		)
		switch {
		case errors.As(err, &apiErr):
		case errors.As(err, &ie):
			apiErr = fromIngestError(ie)
		case errors.As(err, &verrs):
			apiErr = NewValidationError(fmt.Sprintf("validation failed for field: %s", verrs[0].Field()))
		case errors.As(err, &httpErr):
			apiErr = &APIError{
				Status:  httpErr.Code,
				Code:    "HTTP_ERROR",
				Message: fmt.Sprintf("%v", httpErr.Message),
			}
			if httpErr.Code == http.StatusRequestEntityTooLarge {
				apiErr.Code = "PAYLOAD_TOO_LARGE"
			}
		default:
			apiErr = &APIError{
				Status:  http.StatusInternalServerError,
				Code:    "UNKNOWN_ERROR",
				Message: "An unexpected error occurred",
				cause:   err,
			}
		}

		if apiErr.Status >= http.StatusInternalServerError {
			logger.Error("request failed", "method", c.Request().Method,
				"path", c.Path(), "status", apiErr.Status, "error", err)
		}

		resp := *apiErr
		if exposeDetails && resp.Details == "" && resp.cause != nil {
			resp.Details = resp.cause.Error()
		}
		if c.Request().Method == http.MethodHead {
			c.NoContent(resp.Status)
			return
		}
		c.JSON(resp.Status, &resp)
	}
}
