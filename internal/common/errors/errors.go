// Package errors defines the coded application errors surfaced by the CLI and HTTP API.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeValidationError    = "VALIDATION_ERROR"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeConfigurationError = "CONFIGURATION_ERROR"
	ErrCodeLaunchError        = "LAUNCH_ERROR"
	ErrCodeDeclined           = "DECLINED"
)

// AppError is an error with a stable code and the HTTP status it maps to.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

func BadRequest(message string) *AppError {
	return &AppError{Code: ErrCodeBadRequest, Message: message, HTTPStatus: http.StatusBadRequest}
}

func Conflict(message string) *AppError {
	return &AppError{Code: ErrCodeConflict, Message: message, HTTPStatus: http.StatusConflict}
}

func ValidationError(field, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

func InternalError(message string, err error) *AppError {
	return &AppError{Code: ErrCodeInternalError, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// ConfigurationError reports that no runner can execute the named configuration.
func ConfigurationError(name string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeConfigurationError,
		Message:    fmt.Sprintf("configuration '%s' cannot be run", name),
		HTTPStatus: http.StatusUnprocessableEntity,
		Err:        err,
	}
}

// LaunchError reports that the starter failed to produce a session.
func LaunchError(name string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeLaunchError,
		Message:    fmt.Sprintf("failed to launch '%s'", name),
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Declined reports that a confirmation prompt was answered negatively.
func Declined(message string) *AppError {
	return &AppError{Code: ErrCodeDeclined, Message: message, HTTPStatus: http.StatusConflict}
}

// Wrap adds context to err. AppErrors keep their code and status; anything
// else becomes an internal error.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}
	return InternalError(message, err)
}

func HasCode(err error, code string) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeNotFound)
}

// GetHTTPStatus returns the status carried by err, or 500.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
