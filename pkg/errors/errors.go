// Package errors defines the sentinel errors shared by the index storage
// engine and its front-ends, plus an AppError wrapper that carries an HTTP
// status for the lookup service.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotDirectory   = errors.New("index path is not a directory")
	ErrIndexCommitted = errors.New("index already committed")
	ErrIndexNotFound  = errors.New("no committed index found")
	ErrSegmentClosed  = errors.New("segment is closed")
	ErrSegmentFull    = errors.New("segment exceeds 32-bit offset range")
	ErrCorrupt        = errors.New("corrupt index file")
	ErrInvalidInput   = errors.New("invalid input")
	ErrTimeout        = errors.New("operation timed out")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// Corruptf wraps ErrCorrupt with a formatted description of what was found
// on disk.
func Corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrIndexNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrIndexCommitted), errors.Is(err, ErrSegmentClosed):
		return http.StatusConflict
	case errors.Is(err, ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
