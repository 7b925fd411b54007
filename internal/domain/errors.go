package domain

import (
	"context"
	"errors"
)

// Error taxonomy of the run controller. Callers test with errors.Is.
var (
	ErrValidation     = errors.New("validation error")
	ErrUnknownID      = &kindError{msg: "unknown id", parent: ErrValidation}
	ErrStateConflict  = errors.New("state conflict")
	ErrCancelled      = errors.New("cancelled")
	ErrTimedOut       = errors.New("timed out")
	ErrUpstreamEngine = errors.New("upstream engine error")
	ErrTransport      = errors.New("transport error")
	ErrForbidden      = errors.New("forbidden")
)

// kindError is a sentinel that also matches a broader parent sentinel.
type kindError struct {
	msg    string
	parent error
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Unwrap() error { return e.parent }

// Error kinds as reported in ERROR_MESSAGE payloads.
const (
	ErrorKindValidation     = "validation_error"
	ErrorKindStateConflict  = "state_conflict"
	ErrorKindCancelled      = "cancelled"
	ErrorKindTimedOut       = "timed_out"
	ErrorKindUpstreamEngine = "upstream_engine_error"
	ErrorKindTransport      = "transport_error"
	ErrorKindForbidden      = "forbidden"
	ErrorKindInternal       = "internal_error"
)

// ErrorKind maps err onto its wire error kind.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return ErrorKindValidation
	case errors.Is(err, ErrStateConflict):
		return ErrorKindStateConflict
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return ErrorKindCancelled
	case errors.Is(err, ErrTimedOut), errors.Is(err, context.DeadlineExceeded):
		return ErrorKindTimedOut
	case errors.Is(err, ErrUpstreamEngine):
		return ErrorKindUpstreamEngine
	case errors.Is(err, ErrTransport):
		return ErrorKindTransport
	case errors.Is(err, ErrForbidden):
		return ErrorKindForbidden
	}
	return ErrorKindInternal
}
