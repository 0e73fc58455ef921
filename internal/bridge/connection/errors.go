package connection

import (
	"errors"
	"fmt"
)

// ErrInvalidState indicates an invalid state for the operation.
var ErrInvalidState = errors.New("invalid state for operation")

// StateTransitionError indicates an invalid state transition was attempted.
type StateTransitionError struct {
	ID   string // Connection local identifier
	From State
	To   State
}

// Error returns the error message.
func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("connection %s: cannot transition from %s to %s", e.ID, e.From, e.To)
}

// Unwrap returns ErrInvalidState.
func (e *StateTransitionError) Unwrap() error {
	return ErrInvalidState
}
