// Package flowerr provides the typed errors shared by the broker backends and
// the adapter state machine. Callers classify failures with errors.As via the
// Kind helpers rather than matching on message text.
package flowerr

import (
	"errors"
	"fmt"
)

// Kind categorises a failure. The kind decides how the caller reacts: whether
// the operation is retried, the message is dead-lettered, or the adapter stops.
type Kind string

const (
	// KindConfiguration marks missing or invalid wiring. Fatal, never retried.
	KindConfiguration Kind = "configuration"
	// KindNotSupported marks an unregistered adapter type. Fatal at construction.
	KindNotSupported Kind = "not_supported"
	// KindArgument marks null or malformed input. Fails only the current call
	// and commits nothing for it.
	KindArgument Kind = "argument"
	// KindLockLost marks a stale lock token. The caller must not assume the
	// prior outcome of the leased message and should re-fetch.
	KindLockLost Kind = "lock_lost"
	// KindTransform marks a per-message transform failure leading to the
	// dead-lettering of that one message.
	KindTransform Kind = "transform"
	// KindConnector marks a connector read/write failure. Treated as transient
	// on the destination path.
	KindConnector Kind = "connector"
)

// Error is a classified error with the operation that raised it.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
	}
}

// Unwrap exposes the underlying cause to errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error with no underlying cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Newf creates a classified error from a format string.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. Returns nil when err is nil so call sites
// can wrap unconditionally.
func Wrap(err error, kind Kind, op, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// KindOf reports the kind of err, or the empty Kind when err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err (or anything it wraps) carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsLockLost reports whether err is a stale lock token failure.
func IsLockLost(err error) bool { return Is(err, KindLockLost) }

// IsConfiguration reports whether err is a fatal wiring failure.
func IsConfiguration(err error) bool { return Is(err, KindConfiguration) }

// Retryable reports whether the failure is worth retrying on a later cycle.
// Configuration, unsupported-type and argument failures are permanent;
// everything else is presumed transient.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindConfiguration, KindNotSupported, KindArgument:
		return false
	}
	return true
}
