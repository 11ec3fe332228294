// Package errs defines the error taxonomy shared by the adapters, the bridge
// and the client.
//
// Every failure that can reach a user is an *Error carrying a Kind. The kind
// decides retry policy:
//
//	if errs.IsRetryable(err) {
//	    // lock contention, batch failure: bounded retry or fallback
//	}
//
// Messages crossing the process boundary go through Sanitize first.
package errs

import (
	"errors"
	"fmt"
)

// Kind categorizes an error for retry and display decisions.
type Kind int

const (
	// KindInternal is the zero kind, used for errors nobody categorized.
	KindInternal Kind = iota

	// KindValidation marks malformed input. Never retried.
	KindValidation

	// KindConnectivity marks a missing store file or an unreachable daemon.
	KindConnectivity

	// KindTransient marks lock contention or a failed batch call.
	KindTransient

	// KindResource marks a timeout or an output cap violation.
	KindResource

	// KindCatastrophic marks a corrupted backing store.
	KindCatastrophic
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConnectivity:
		return "connectivity"
	case KindTransient:
		return "transient"
	case KindResource:
		return "resource"
	case KindCatastrophic:
		return "catastrophic"
	default:
		return "internal"
	}
}

// ParseKind maps a wire name back to its Kind. Unknown names are
// KindInternal.
func ParseKind(s string) Kind {
	for k := KindValidation; k <= KindCatastrophic; k++ {
		if k.String() == s {
			return k
		}
	}
	return KindInternal
}

// Common sentinel errors. Check with errors.Is.
var (
	// ErrNotFound is returned when an item id does not exist.
	ErrNotFound = errors.New("item not found")

	// ErrReadOnly is returned for mutations while the board is read-only.
	ErrReadOnly = errors.New("board is read-only")

	// ErrNoStore is returned when no qualifying store file was found.
	ErrNoStore = errors.New("no beads database found")

	// ErrDisposed is returned for calls made after Close.
	ErrDisposed = errors.New("adapter disposed")

	// ErrTimeout is returned when a call exceeds its wall-clock budget.
	ErrTimeout = errors.New("operation timed out")

	// ErrOutputLimit is returned when a subprocess writes more than allowed.
	ErrOutputLimit = errors.New("output size limit exceeded")
)

// Error is a categorized error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E wraps err with a kind and the name of the failing operation.
// A nil err yields nil.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation builds a validation error from a format string.
func Validation(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

// Connectivity builds a connectivity error from a format string.
func Connectivity(op, format string, args ...any) error {
	return &Error{Kind: KindConnectivity, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrOutputLimit) {
		return KindResource
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrReadOnly) {
		return KindValidation
	}
	if errors.Is(err, ErrNoStore) {
		return KindConnectivity
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable returns true if the error is likely to succeed on retry.
func IsRetryable(err error) bool {
	return Is(err, KindTransient)
}

// IsFatal returns true if the error must not be retried at all.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindValidation, KindCatastrophic:
		return true
	}
	return false
}
