// Package coreerr defines the three error kinds the core surfaces across
// node boundaries: AlreadyExists, NotFound, and Other. Every failure that
// crosses a command reply channel or an RPC boundary is one of these.
package coreerr

import (
	"errors"
	"fmt"
)

// Kind classifies a core failure for wire/HTTP mapping.
type Kind int

const (
	// Other is the generic bucket for protocol, serialization, or
	// transport failures that don't fit the two named kinds.
	Other Kind = iota
	AlreadyExists
	NotFound
)

func (k Kind) String() string {
	switch k {
	case AlreadyExists:
		return "AlreadyExists"
	case NotFound:
		return "NotFound"
	default:
		return "Other"
	}
}

// HTTPStatus maps a Kind to the status code the HTTP adapter returns.
func (k Kind) HTTPStatus() int {
	switch k {
	case AlreadyExists:
		return 409
	case NotFound:
		return 404
	default:
		return 500
	}
}

type coreError struct {
	kind  Kind
	msg   string
	cause error
}

func (e *coreError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *coreError) Unwrap() error { return e.cause }

// New creates a core error of the given kind with a message.
func New(kind Kind, msg string) error {
	return &coreError{kind: kind, msg: msg}
}

// Newf creates a core error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &coreError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an arbitrary error, preserving it for Unwrap.
func Wrap(kind Kind, cause error) error {
	if cause == nil {
		return nil
	}
	return &coreError{kind: kind, msg: cause.Error(), cause: cause}
}

// KindOf extracts the Kind from err, defaulting to Other if err does not
// carry one (e.g. it originated outside the core).
func KindOf(err error) Kind {
	if err == nil {
		return Other
	}
	var ce *coreError
	if errors.As(err, &ce) {
		return ce.kind
	}
	return Other
}

var (
	ErrAlreadyExists = New(AlreadyExists, "already exists")
	ErrNotFound      = New(NotFound, "not found")
)
