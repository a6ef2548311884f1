// Package resilience classifies failures and guards calls to unreliable
// dependencies with retry policies and circuit breakers.
//
// The package owns the error taxonomy the scheduler dispatches on:
// transient infrastructure failures retry with backoff under a breaker,
// security violations and input errors fail fast, and everything else is
// a terminal failure surfaced with its stable code.
package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/forgevault/forgevault/pkg/collab/kernel"
	"github.com/forgevault/forgevault/pkg/objstore"
)

// Class buckets an error for dispatch.
type Class string

const (
	// ClassTransient failures retry with backoff under the breaker.
	ClassTransient Class = "transient"

	// ClassInput failures are rejected submissions; never retried.
	ClassInput Class = "input"

	// ClassSecurity failures are blocked script constructs or forbidden
	// imports; never retried, always logged as security events.
	ClassSecurity Class = "security"

	// ClassIntegrity failures are checksum or verification mismatches.
	ClassIntegrity Class = "integrity"

	// ClassTerminal is every other non-retryable failure.
	ClassTerminal Class = "terminal"
)

// transienter is implemented by errors that retry.
type transienter interface {
	Transient() bool
}

// TransientError marks a wrapped error as retryable.
type TransientError struct {
	Err error
}

// Transient wraps err so IsTransient reports true. A nil err returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func (e *TransientError) Error() string   { return e.Err.Error() }
func (e *TransientError) Unwrap() error   { return e.Err }
func (e *TransientError) Transient() bool { return true }

// SecurityError is a blocked script construct, forbidden import, or any
// other violation of the script policy. Never retryable.
type SecurityError struct {
	// Code is the stable machine code (for example
	// "blocked_call", "forbidden_import").
	Code string

	// Detail names the offending construct.
	Detail string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("security violation (%s): %s", e.Code, e.Detail)
}

// InputError is a validation failure on submitted parameters. Never
// retryable; surfaced to the submitter with the stable code.
type InputError struct {
	Code   string
	Detail string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid input (%s): %s", e.Code, e.Detail)
}

// IsTransient reports whether err retries: either it is marked via
// Transient / a Transient() method, or it is a known transient
// infrastructure sentinel (storage unreachable, document lock timeout).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var t transienter
	if errors.As(err, &t) {
		return t.Transient()
	}
	return errors.Is(err, objstore.ErrUnreachable) ||
		errors.Is(err, kernel.ErrDocumentLockTimeout)
}

// IsSecurity reports whether err is a security violation.
func IsSecurity(err error) bool {
	var se *SecurityError
	return errors.As(err, &se)
}

// Classify buckets an error for the scheduler's dispatch. Context
// cancellation classifies as terminal: the caller gave up, retrying on
// its behalf would be wrong.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassTerminal
	case errors.Is(err, context.Canceled):
		return ClassTerminal
	case IsSecurity(err):
		return ClassSecurity
	case isInput(err):
		return ClassInput
	case IsTransient(err):
		return ClassTransient
	default:
		return ClassTerminal
	}
}

func isInput(err error) bool {
	var ie *InputError
	return errors.As(err, &ie)
}
