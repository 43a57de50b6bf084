package attempt

import (
	"context"
	"errors"
)

// Errors a Backend wraps so the session can classify collaborator failures.
var (
	ErrNotFound       = errors.New("not found")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrEmptyQuestions = errors.New("exam has no questions")
	ErrInvalidFormat  = errors.New("invalid response format")
)

// Errors returned by Session operations that do not change the phase.
var (
	ErrInvalidPhase    = errors.New("operation not allowed in current phase")
	ErrClosed          = errors.New("attempt session is closed")
	ErrStale           = errors.New("response arrived after the session moved on")
	ErrUnknownQuestion = errors.New("unknown question id")
	ErrInvalidOption   = errors.New("option index out of range")
	ErrInvalidIndex    = errors.New("question index out of range")
	ErrTimeUp          = errors.New("time is up, answers can no longer change")
)

// Kind classifies attempt failures.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindNotFound         Kind = "not_found"
	KindAuth             Kind = "auth"
	KindAvailability     Kind = "availability"
	KindTransientSubmit  Kind = "transient_submit"
	KindBestEffortNotify Kind = "best_effort_notify"
	KindInternal         Kind = "internal"
)

// Error is a classified attempt failure with the message shown to the student.
type Error struct {
	Kind     Kind
	Message  string
	Redirect bool
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Fatal reports whether the error ends the session.
func (e *Error) Fatal() bool {
	return e.Kind != KindTransientSubmit && e.Kind != KindBestEffortNotify
}

// AsError extracts an *Error from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// classify maps a collaborator failure onto the error taxonomy.
// what names the resource being fetched ("exam", "questions").
func classify(err error, what string) *Error {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return &Error{Kind: KindAuth, Message: "session expired", Redirect: true, Err: err}
	case errors.Is(err, ErrEmptyQuestions):
		return &Error{Kind: KindNotFound, Message: "no questions are available for this exam", Redirect: true, Err: err}
	case errors.Is(err, ErrNotFound):
		return &Error{Kind: KindNotFound, Message: what + " not found", Redirect: true, Err: err}
	case errors.Is(err, ErrInvalidFormat):
		return &Error{Kind: KindInternal, Message: "received an unexpected " + what + " response", Redirect: true, Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindInternal, Message: "request for " + what + " timed out", Redirect: true, Err: err}
	default:
		return &Error{Kind: KindInternal, Message: "failed to load " + what, Redirect: true, Err: err}
	}
}
