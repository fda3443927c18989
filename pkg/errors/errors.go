package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error code
type ErrorCode int

// AppError represents an application error
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Common error codes
const (
	ErrNotFound ErrorCode = iota + 1000
	ErrBadRequest
	ErrUnauthorized
	ErrNotAcceptable
	ErrServiceUnavailable
	ErrInternal
)

// Delivery-domain error codes
const (
	ErrPollFailed ErrorCode = iota + 2000
	ErrPaginationTruncated
	ErrResubmitNoRecipient
	ErrResubmitAlreadyDelivered
	ErrResubmitNoContent
	ErrResubmitTooManyFailures
)

// Error constructors
func NewNotFound(resource string, err error) *AppError {
	return &AppError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Err:     err,
	}
}

func NewBadRequest(message string, err error) *AppError {
	return &AppError{
		Code:    ErrBadRequest,
		Message: message,
		Err:     err,
	}
}

func NewInternal(err error) *AppError {
	return &AppError{
		Code:    ErrInternal,
		Message: "internal server error",
		Err:     err,
	}
}

func Unauthorized(err error) *AppError {
	return &AppError{
		Code:    ErrUnauthorized,
		Message: "unauthorized",
		Err:     err,
	}
}

// NotAcceptable marks a request as permanently rejected. The webhook
// handler maps this to 406 so the provider stops retrying the callback.
func NotAcceptable(message string) *AppError {
	return &AppError{
		Code:    ErrNotAcceptable,
		Message: message,
	}
}

// Unavailable marks a transient local fault the caller may retry.
func Unavailable(message string, err error) *AppError {
	return &AppError{
		Code:    ErrServiceUnavailable,
		Message: message,
		Err:     err,
	}
}

// PollFailed wraps an upstream event-search failure.
func PollFailed(err error) *AppError {
	return &AppError{
		Code:    ErrPollFailed,
		Message: "event poll failed",
		Err:     err,
	}
}

// PaginationTruncated signals the page-count safety valve tripped and the
// accumulated result may be incomplete.
func PaginationTruncated(pages int) *AppError {
	return &AppError{
		Code:    ErrPaginationTruncated,
		Message: fmt.Sprintf("pagination stopped after %d pages, result may be incomplete", pages),
	}
}

func Resubmit(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// HasCode reports whether err carries the given application error code.
func HasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
