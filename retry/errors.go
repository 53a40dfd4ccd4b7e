package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Class is the failure taxonomy that decides whether an operation is retried.
type Class uint8

const (
	// Fatal failures stop the operation and need operator attention.
	Fatal Class = iota
	// Transient failures (network, timeout, node unavailable) are retried.
	Transient
	// Validation failures (malformed event, signature mismatch) are never retried.
	Validation
	// Consensus failures (threshold unreachable in time) are never retried.
	Consensus
)

func (c Class) String() string {
	switch c {
	case Fatal:
		return "fatal"
	case Transient:
		return "transient"
	case Validation:
		return "validation"
	case Consensus:
		return "consensus"
	}
	return fmt.Sprintf("Class(%d)", uint8(c))
}

var ErrExhausted = errors.New("retry: attempts exhausted")

// Error attaches a failure class to an error.
type Error struct {
	Class Class
	Err   error
}

func (e *Error) Error() string { return e.Class.String() + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// AsTransient marks err as retryable. A nil error stays nil.
func AsTransient(err error) error { return wrap(Transient, err) }

// AsValidation marks err as a validation failure.
func AsValidation(err error) error { return wrap(Validation, err) }

// AsConsensus marks err as a consensus failure.
func AsConsensus(err error) error { return wrap(Consensus, err) }

// AsFatal marks err as fatal.
func AsFatal(err error) error { return wrap(Fatal, err) }

func wrap(class Class, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: class, Err: err}
}

// Classify returns the class of err. Explicitly classified errors win;
// otherwise network and timeout errors are transient and everything else is
// fatal.
func Classify(err error) Class {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Class
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Fatal
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET):
		return Transient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}
	return Fatal
}

// IsTransient reports whether err would be retried.
func IsTransient(err error) bool {
	return err != nil && Classify(err) == Transient
}
