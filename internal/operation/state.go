// Package operation provides the shared lifecycle of the two Live Photo
// operations: the state machine, the single-fire completion future and the
// error taxonomy reported through it.
package operation

import "errors"

// State represents the lifecycle position of an operation.
type State string

const (
	// StateIdle indicates the operation was created but has not started.
	StateIdle State = "IDLE"
	// StateValidating indicates inputs are being checked.
	StateValidating State = "VALIDATING"
	// StateProcessing indicates the export or library transaction is running.
	StateProcessing State = "PROCESSING"
	// StateCommitted indicates the operation finished successfully.
	StateCommitted State = "COMMITTED"
	// StateFailed indicates the operation finished with an error.
	StateFailed State = "FAILED"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("operation: invalid state transition")

// validTransitions defines which state transitions are allowed.
var validTransitions = map[State][]State{
	StateIdle:       {StateValidating, StateFailed},
	StateValidating: {StateProcessing, StateFailed},
	StateProcessing: {StateCommitted, StateFailed},
	StateCommitted:  {},
	StateFailed:     {},
}

// CanTransition reports whether moving from one state to another is allowed.
func CanTransition(from, to State) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true if the state is Committed or Failed.
func (s State) IsTerminal() bool {
	return s == StateCommitted || s == StateFailed
}
