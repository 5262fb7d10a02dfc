package gate

import (
	"errors"
	"fmt"
	"slices"
)

// State is a Service Gate lifecycle state.
type State string

const (
	StateUninitialized      State = "uninitialized"
	StateAwaitingCredential State = "awaiting_credential"
	StateReady              State = "ready"
	StateRunning            State = "running"
	StateDegraded           State = "degraded"
)

var (
	ErrCredentialMissing     = errors.New("gate: credential missing")
	ErrProcessCrashLoop      = errors.New("gate: process crash loop")
	ErrIllegalTransition     = errors.New("gate: illegal transition")
	ErrPreconditionMissing   = errors.New("gate: precondition missing")
	ErrUnresolvedPlaceholder = errors.New("gate: unresolved placeholder")
)

// transitions is the complete set of allowed moves. Running is only
// reachable from Ready or from itself (restart).
var transitions = map[State][]State{
	StateUninitialized:      {StateAwaitingCredential, StateDegraded},
	StateAwaitingCredential: {StateAwaitingCredential, StateReady, StateDegraded},
	StateReady:              {StateRunning, StateAwaitingCredential, StateDegraded},
	StateRunning:            {StateRunning, StateAwaitingCredential, StateDegraded},
	StateDegraded:           {StateUninitialized},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}
