// Package resilience implements the shared failure-handling layer:
// error-kind classification, named circuit breakers, and retry policies.
package resilience

import (
	"errors"
	"fmt"
)

// Kind classifies an error by contract, not by concrete type. Callers
// branch on kinds to decide retry and surfacing behavior.
type Kind string

const (
	KindValidation  Kind = "ValidationError" // bad input, never retried
	KindTimeout     Kind = "Timeout"         // bounded wait elapsed
	KindCircuitOpen Kind = "CircuitOpen"     // short-circuited by a breaker
	KindTransient   Kind = "Transient"       // network/IO hiccup
	KindNotFound    Kind = "NotFound"        // missing entity
	KindConflict    Kind = "Conflict"        // concurrent mutation
	KindFatal       Kind = "Fatal"           // invariant violation
)

// KindError attaches a Kind to an underlying error.
type KindError struct {
	Kind Kind
	Err  error
}

func (e *KindError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *KindError) Unwrap() error { return e.Err }

// WithKind wraps err with a kind. A nil err yields nil.
func WithKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

// Errorf builds a new kinded error from a format string.
func Errorf(kind Kind, format string, args ...any) error {
	return &KindError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind of an error. Unclassified errors are Transient:
// the safe default for external I/O, which is where unclassified errors
// originate.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	var co *CircuitOpenError
	if errors.As(err, &co) {
		return KindCircuitOpen
	}
	return KindTransient
}

// Retryable reports whether the default retry policy applies to an error.
// Timeouts retry, transients retry, conflicts get exactly one retry at the
// call site; validation, not-found, fatal, and open-circuit errors never do.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindTimeout:
		return true
	default:
		return false
	}
}
