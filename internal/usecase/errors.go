package usecase

import (
	"errors"
	"fmt"

	"ai-coordinator/internal/bus"
	"ai-coordinator/internal/dispatch"
	"ai-coordinator/internal/repository"
	"ai-coordinator/internal/signature"
)

type ErrorCode string

const (
	ErrorAuthentication ErrorCode = "AUTHENTICATION_FAILURE"
	ErrorNotFound       ErrorCode = "NOT_FOUND"
	ErrorAlreadyExists  ErrorCode = "ALREADY_EXISTS"
	ErrorTransport      ErrorCode = "TRANSPORT_FAILURE"
	ErrorInvalidInput   ErrorCode = "INVALID_INPUT"
	ErrorUpstream       ErrorCode = "UPSTREAM_ERROR"
	ErrorInternal       ErrorCode = "INTERNAL_ERROR"
)

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

// storeError classifies a session store failure.
func storeError(reason string, err error) *Error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return newError(ErrorNotFound, reason, err)
	case errors.Is(err, repository.ErrAlreadyExists):
		return newError(ErrorAlreadyExists, reason, err)
	case errors.Is(err, repository.ErrInvalidKey):
		return newError(ErrorInvalidInput, reason, err)
	default:
		return newError(ErrorInternal, reason, err)
	}
}

func authError(err error) *Error {
	if errors.Is(err, signature.ErrAuthentication) {
		return newError(ErrorAuthentication, "invalid_signature", err)
	}
	return newError(ErrorInvalidInput, "malformed_envelope", err)
}

func transportError(reason string, err error) *Error {
	if errors.Is(err, bus.ErrClosed) || errors.Is(err, dispatch.ErrRejected) {
		return newError(ErrorTransport, reason, err)
	}
	if _, ok := upstreamStatusCode(err); ok {
		return newError(ErrorUpstream, reason, err)
	}
	return newError(ErrorTransport, reason, err)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

// CodeOf returns the code of a usecase error, or ErrorInternal.
func CodeOf(err error) ErrorCode {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Code
	}
	return ErrorInternal
}
