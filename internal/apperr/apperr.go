// Package apperr builds the caller-facing errors of the timer service.
package apperr

import (
	"errors"
	"net/http"

	goerrors "github.com/goliatone/go-errors"
)

// Text codes carried on every error returned to API callers.
const (
	CodeValidation  = "VALIDATION_FAILED"
	CodeNotFound    = "TIMER_NOT_FOUND"
	CodeConflict    = "ACTIVE_TIMER_EXISTS"
	CodeForbidden   = "FORBIDDEN"
	CodeUnavailable = "STORE_UNAVAILABLE"
	CodeRateLimited = "RATE_LIMITED"
	CodeInternal    = "INTERNAL"
)

func Validation(message string) error {
	return goerrors.New(message, goerrors.CategoryValidation).
		WithCode(http.StatusBadRequest).
		WithTextCode(CodeValidation)
}

func NotFound(timerID string) error {
	return goerrors.New("timer not found", goerrors.CategoryNotFound).
		WithCode(http.StatusNotFound).
		WithTextCode(CodeNotFound).
		WithMetadata(map[string]any{"timer_id": timerID})
}

func Conflict(message string) error {
	return goerrors.New(message, goerrors.CategoryConflict).
		WithCode(http.StatusConflict).
		WithTextCode(CodeConflict)
}

func Forbidden() error {
	return goerrors.New("timer belongs to another user", goerrors.CategoryAuthz).
		WithCode(http.StatusForbidden).
		WithTextCode(CodeForbidden)
}

func RateLimited() error {
	return goerrors.New("too many timers created, slow down", goerrors.CategoryRateLimit).
		WithCode(http.StatusTooManyRequests).
		WithTextCode(CodeRateLimited)
}

// Unavailable wraps a store or queue failure the caller may retry.
func Unavailable(err error, message string) error {
	return goerrors.Wrap(err, goerrors.CategoryExternal, message).
		WithCode(http.StatusServiceUnavailable).
		WithTextCode(CodeUnavailable)
}

// HTTPStatus maps err to a response status, defaulting to 500.
func HTTPStatus(err error) (int, string) {
	var rich *goerrors.Error
	if errors.As(err, &rich) && rich.Code != 0 {
		return rich.Code, rich.TextCode
	}
	return http.StatusInternalServerError, CodeInternal
}

// Is reports whether err carries the given text code.
func Is(err error, textCode string) bool {
	var rich *goerrors.Error
	return errors.As(err, &rich) && rich.TextCode == textCode
}
