package bridge

import "errors"

// Sentinel errors for use with errors.Is.
var (
	// ErrUnknownCall indicates the call identifier is not registered. It is
	// always recoverable: the authority may reference a call that was
	// already torn down.
	ErrUnknownCall = errors.New("unknown call id")

	// ErrNotImplemented indicates a recognized command with no behavior yet.
	ErrNotImplemented = errors.New("not implemented")

	// ErrClosed indicates the service has been closed.
	ErrClosed = errors.New("bridge service closed")
)
