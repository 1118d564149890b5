package engine

import "fmt"

// State is the application-level lifecycle state.
type State int

const (
	// StateIdle means the engine is not scanning for peers.
	StateIdle State = iota

	// StateDiscovering means the engine is scanning but has no
	// connected peer.
	StateDiscovering

	// StateConnected means at least one peer session is active.
	StateConnected

	// StateTransmitting means a ranging session is live with at least
	// one connected peer and audio can flow.
	StateTransmitting

	// StateError holds a user-visible fault. Recoverable only by
	// returning to idle.
	StateError
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StateConnected:
		return "connected"
	case StateTransmitting:
		return "transmitting"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// AllStates lists every application state, for metrics labeling.
func AllStates() []State {
	return []State{StateIdle, StateDiscovering, StateConnected, StateTransmitting, StateError}
}

// CanTransitionTo returns true if a transition to the target state is
// valid. Any state may enter the error state; the engine separately
// refuses to do so while a paired peer is connected.
func (s State) CanTransitionTo(target State) bool {
	if target == StateError {
		return s != StateError
	}

	switch s {
	case StateIdle:
		return target == StateDiscovering

	case StateDiscovering:
		return target == StateConnected || target == StateIdle

	case StateConnected:
		return target == StateTransmitting || target == StateIdle

	case StateTransmitting:
		return target == StateConnected

	case StateError:
		return target == StateIdle

	default:
		return false
	}
}
