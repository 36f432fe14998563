package usecase

import (
	"errors"
	"fmt"

	"virtual-product-owner/internal/domain"
)

type ErrorCode string

const (
	ErrorInvalidInput      ErrorCode = "INVALID_INPUT"
	ErrorNotFound          ErrorCode = "NOT_FOUND"
	ErrorInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrorUpstream          ErrorCode = "UPSTREAM_ERROR"
	ErrorInternal          ErrorCode = "INTERNAL_ERROR"
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

func notFound() *Error {
	return newError(ErrorNotFound, "story_not_found", nil)
}

// transitionError wraps a state machine rejection; any other failure is
// reported as internal.
func transitionError(err error) *Error {
	var te *domain.TransitionError
	if errors.As(err, &te) {
		return newError(ErrorInvalidTransition, "requires_"+te.Required.String(), err)
	}
	return newError(ErrorInternal, "transition_error", err)
}
