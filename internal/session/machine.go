package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNoChange is returned when the requested state equals the current
	// one. Nothing is emitted and the timestamp is left alone.
	ErrNoChange = errors.New("session already in requested state")
	// ErrInvalidTransition is wrapped by TransitionError.
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrNotFound is returned for an unknown (user, session) pair.
	ErrNotFound = errors.New("session not found")
)

// TransitionError reports a rejected from/to pair.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid session transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// transitions lists the explicit edges. Conflict and Disconnected are
// reachable from every state and are handled in CanTransition.
var transitions = map[State][]State{
	Disconnected:     {Connecting},
	Connecting:       {QRRequired, Connected, Failed},
	QRRequired:       {Connected, Failed},
	Connected:        {Reconnecting},
	Reconnecting:     {Connected, Failed},
	Failed:           {Connecting},
	Conflict:         {ConflictResolved},
	ConflictResolved: {Connecting},
}

// CanTransition reports whether from -> to is an edge of the state machine.
// A self edge is never valid.
func CanTransition(from, to State) bool {
	if from == to || !from.Valid() || !to.Valid() {
		return false
	}
	if to == Conflict || to == Disconnected {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// checkTransition is CanTransition with the error the Store returns.
func checkTransition(from, to State) error {
	if from == to {
		return ErrNoChange
	}
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}
