// errors.go - Structured error handling for API responses
package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/tsviz/backend/internal/upload"
)

// APIError represents a structured API error response
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error constructors for consistent error handling

// NewBadRequestError creates a 400 Bad Request error
func NewBadRequestError(message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusBadRequest,
		Code:    "bad_request",
		Message: message,
	}
	if cause != nil {
		err.Detail = cause.Error()
	}
	return err
}

// NewValidationError creates a 400 validation error for a specific field
func NewValidationError(field string) *APIError {
	return &APIError{
		Status:  http.StatusBadRequest,
		Code:    "validation_error",
		Message: fmt.Sprintf("validation failed for field: %s", field),
	}
}

// NewNotFoundError creates a 404 Not Found error
func NewNotFoundError(resource string, id string) *APIError {
	return &APIError{
		Status:  http.StatusNotFound,
		Code:    "not_found",
		Message: fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// NewConflictError creates a 409 Conflict error
func NewConflictError(message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusConflict,
		Code:    "conflict",
		Message: message,
	}
	if cause != nil {
		err.Detail = cause.Error()
	}
	return err
}

// NewUnprocessableError creates a 422 error carrying a condition code such as
// no_time_column.
func NewUnprocessableError(code, message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusUnprocessableEntity,
		Code:    code,
		Message: message,
	}
	if cause != nil {
		err.Detail = cause.Error()
	}
	return err
}

// NewInternalError creates a 500 Internal Server Error
func NewInternalError(message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusInternalServerError,
		Code:    "internal_error",
		Message: message,
	}
	if cause != nil {
		err.Detail = cause.Error()
	}
	return err
}

// fromUploadError translates an upload package error into an APIError.
func fromUploadError(message string, err error) *APIError {
	switch {
	case errors.Is(err, upload.ErrInvalidInput), errors.Is(err, upload.ErrInvalidChunk):
		return NewBadRequestError(message, err)
	case errors.Is(err, upload.ErrJobNotFound):
		return &APIError{
			Status:  http.StatusNotFound,
			Code:    "not_found",
			Message: message,
			Detail:  err.Error(),
		}
	case errors.Is(err, upload.ErrInvalidState):
		return NewConflictError(message, err)
	}

	switch code := upload.Code(err); code {
	case upload.CodeNoTimeColumn, upload.CodeNoNumericSeries, upload.CodeInvalidEncoding, upload.CodeStalled:
		return NewUnprocessableError(code, message, err)
	}
	return NewInternalError(message, err)
}

// ErrorHandler middleware for Echo
// Usage: e.HTTPErrorHandler = api.ErrorHandler
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var apiErr *APIError
	var httpErr *echo.HTTPError

	switch {
	case errors.As(err, &apiErr):
	case errors.As(err, &httpErr):
		apiErr = &APIError{
			Status:  httpErr.Code,
			Code:    "http_error",
			Message: fmt.Sprintf("%v", httpErr.Message),
		}
	default:
		apiErr = &APIError{
			Status:  http.StatusInternalServerError,
			Code:    "unknown_error",
			Message: "An unexpected error occurred",
			Detail:  err.Error(),
		}
	}

	if c.Request().Method == http.MethodHead {
		c.NoContent(apiErr.Status)
		return
	}
	if jsonErr := c.JSON(apiErr.Status, apiErr); jsonErr != nil {
		c.Logger().Errorf("writing error response: %v", jsonErr)
	}
}

// RespondWithError is a helper to respond with an APIError
func RespondWithError(c echo.Context, err *APIError) error {
	return c.JSON(err.Status, err)
}
