// Package icmerr defines the error taxonomy shared by every surface.
package icmerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the short machine tag carried by every ICM error. Tags are stable
// across the CLI, the tool protocol, and the extraction hooks.
type Kind string

const (
	InvalidInput        Kind = "invalid_input"
	NotFound            Kind = "not_found"
	Conflict            Kind = "conflict"
	DanglingReference   Kind = "dangling_reference"
	SchemaMismatch      Kind = "schema_mismatch"
	StorageFailure      Kind = "storage_failure"
	Unavailable         Kind = "unavailable"
	AlreadyConsolidated Kind = "already_consolidated"
	Cancelled           Kind = "cancelled"
)

// Error pairs a kind with a human message and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a tagged error.
func E(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error. An error already carrying a kind keeps it
// (context may be added but the tag is never discarded), and context
// cancellation wins over the given kind so aborted calls surface as
// cancelled on every path.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var tagged *Error
	switch {
	case errors.As(err, &tagged):
		kind = tagged.Kind
	case errors.Is(err, context.Canceled):
		kind = Cancelled
	case errors.Is(err, context.DeadlineExceeded):
		kind = Unavailable
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from an error chain. Untagged errors are
// storage_failure: the only untagged errors that escape the core are
// engine-level I/O.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Unavailable
	}
	return StorageFailure
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ExitCode maps an error to the CLI exit code contract.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case InvalidInput, Conflict, DanglingReference, AlreadyConsolidated:
		return 1
	case NotFound:
		return 2
	case Unavailable:
		return 3
	case Cancelled:
		return 130
	default:
		return 4
	}
}
