package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by what the caller is expected to do about it.
type Kind string

const (
	KindInternal               Kind = "internal"
	KindInvalidInput           Kind = "invalid_input"
	KindNotFound               Kind = "not_found"
	KindAuthenticationRequired Kind = "authentication_required"
	KindAuthenticationRejected Kind = "authentication_rejected"
	KindUpstreamUnavailable    Kind = "upstream_unavailable"
	KindUpstreamError          Kind = "upstream_error"
	KindChargeRejected         Kind = "charge_rejected"
	KindPaymentTimedOut        Kind = "payment_timed_out"
	KindVendRejected           Kind = "vend_rejected"
	KindAmbiguousVendOutcome   Kind = "ambiguous_vend_outcome"
)

// Error implements error so a bare Kind can be used as an errors.Is target.
func (k Kind) Error() string {
	return string(k)
}

// Error is a classified pipeline failure.
type Error struct {
	Kind   Kind
	Op     string
	Reason string
	Err    error
}

// New creates a classified error.
func New(kind Kind, op, reason string) *Error {
	return &Error{Kind: kind, Op: op, Reason: reason}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	return &Error{Kind: kind, Op: op, Reason: reason, Err: err}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind or a bare Kind.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return e.Kind == t
	case *Error:
		return e.Kind == t.Kind
	}
	return false
}

// KindOf returns the kind of the first classified error in the chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ReasonOf returns the human-readable reason of the first classified error.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// Invalid is shorthand for caller errors.
func Invalid(op, format string, args ...any) *Error {
	return New(KindInvalidInput, op, fmt.Sprintf(format, args...))
}

// Retryable reports whether an automatic retry of the same idempotent call is
// acceptable. Never true for vend outcomes.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindUpstreamUnavailable, KindUpstreamError:
		return true
	default:
		return false
	}
}
