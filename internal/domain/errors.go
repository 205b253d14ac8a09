package domain

import (
	"errors"
	"strings"
)

var (
	// ErrInvalidState marks an action the current state does not allow:
	// a response to a completed or unknown channel, or any action after
	// submission. Callers treat it as a no-op.
	ErrInvalidState = errors.New("invalid state")
	// ErrAlreadySubmitted is returned by every submit after the first.
	ErrAlreadySubmitted = errors.New("already submitted")

	ErrSchema             = errors.New("scenario schema error")
	ErrSimulationNotFound = errors.New("simulation not found")
	ErrCandidateNotFound  = errors.New("candidate not found")
	ErrSessionNotActive   = errors.New("session not active")
)

// SchemaError lists every invariant a scenario violates.
type SchemaError struct {
	Problems []string
}

func (e *SchemaError) Error() string {
	return "scenario schema error: " + strings.Join(e.Problems, "; ")
}

// Is lets errors.Is(err, ErrSchema) match any SchemaError.
func (e *SchemaError) Is(target error) bool {
	return target == ErrSchema
}
