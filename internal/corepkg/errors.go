// Package corepkg holds the error taxonomy shared across every JustSyncIt
// component. It does not depend on any other internal package, so it can be
// imported from the chunk store, metadata store, pipelines, and transfer
// protocol alike without cycles.
package corepkg

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can branch on it without string
// matching. It mirrors the error taxonomy surfaced to callers in spec §6.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindAlreadyExists
	KindInvalidArgument
	KindIoError
	KindHashMismatch
	KindCorruption
	KindRefcountUnderflow
	KindCancelled
	KindDeadlineExceeded
	KindPeerRejected
	KindProtocolViolation
	KindPermissionDenied
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindAlreadyExists:
		return "AlreadyExists"
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindIoError:
		return "IoError"
	case KindHashMismatch:
		return "HashMismatch"
	case KindCorruption:
		return "Corruption"
	case KindRefcountUnderflow:
		return "RefcountUnderflow"
	case KindCancelled:
		return "Cancelled"
	case KindDeadlineExceeded:
		return "DeadlineExceeded"
	case KindPeerRejected:
		return "PeerRejected"
	case KindProtocolViolation:
		return "ProtocolViolation"
	case KindPermissionDenied:
		return "PermissionDenied"
	default:
		return "Unknown"
	}
}

// Error is the typed error every core component returns for a classifiable
// failure. Components that only need stdlib sentinel errors (e.g. a single
// package-local "not found") may still use errors.New/fmt.Errorf directly;
// Error is for failures that cross the caller-facing boundary in §6.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with no cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error around an existing cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err classifies as kind, looking through wrapped causes.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or KindUnknown if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
