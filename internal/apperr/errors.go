package apperr

import (
	"errors"
	"fmt"
)

// Kind is the stable, machine-readable failure category reported to clients.
type Kind string

const (
	KindValidation          Kind = "ValidationError"
	KindNotFound            Kind = "NotFound"
	KindInsufficientCredit  Kind = "InsufficientCredit"
	KindContentRejected     Kind = "ContentRejected"
	KindUpstreamUnavailable Kind = "UpstreamUnavailable"
	KindInternal            Kind = "InternalError"
	KindUnauthenticated     Kind = "Unauthenticated"
	KindConflict            Kind = "Conflict"
	KindBusy                Kind = "Busy"
)

type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func Validation(msg string) error {
	return New(KindValidation, msg)
}

func NotFound(msg string) error {
	return New(KindNotFound, msg)
}

func Unauthenticated(msg string) error {
	return New(KindUnauthenticated, msg)
}

func Conflict(msg string) error {
	return New(KindConflict, msg)
}

func Internal(msg string, cause error) error {
	return Wrap(KindInternal, msg, cause)
}

// PricedFailure reports a send that could not be paid for.
type PricedFailure struct {
	TokensNeeded    int64 `json:"tokensNeeded"`
	TokensAvailable int64 `json:"tokensAvailable"`
}

func (p *PricedFailure) Error() string {
	return fmt.Sprintf("insufficient credit: need %d, have %d", p.TokensNeeded, p.TokensAvailable)
}

// KindOf classifies err, treating unknown errors as internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pf *PricedFailure
	if errors.As(err, &pf) {
		return KindInsufficientCredit
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Message returns the client-safe message for err.
func Message(err error) string {
	var pf *PricedFailure
	if errors.As(err, &pf) {
		return "insufficient credit"
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return "internal server error"
}
