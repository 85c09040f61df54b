package usecase

import (
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	ErrorInvalidPayload   ErrorCode = "INVALID_PAYLOAD"
	ErrorPayloadTooLarge  ErrorCode = "PAYLOAD_TOO_LARGE"
	ErrorInvalidSignature ErrorCode = "INVALID_SIGNATURE"
	ErrorForbidden        ErrorCode = "FORBIDDEN"
	ErrorInternal         ErrorCode = "INTERNAL_ERROR"
)

// HTTPStatus maps an error code to the status returned to the platform.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case ErrorInvalidPayload:
		return http.StatusBadRequest
	case ErrorPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case ErrorInvalidSignature:
		return http.StatusUnauthorized
	case ErrorForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}
