package registry

import "fmt"

// ConnectionState represents the transport connection state for a peer.
type ConnectionState int

const (
	// ConnDisconnected indicates no active session to the peer.
	ConnDisconnected ConnectionState = iota

	// ConnConnecting indicates a session attempt is in progress.
	ConnConnecting

	// ConnConnected indicates an active session exists.
	ConnConnected
)

// String returns the string representation of the state.
func (s ConnectionState) String() string {
	switch s {
	case ConnDisconnected:
		return "disconnected"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// CanTransitionTo returns true if a transition to the target state is valid.
func (s ConnectionState) CanTransitionTo(target ConnectionState) bool {
	switch s {
	case ConnDisconnected:
		// A peer can start connecting, or connect directly on an
		// inbound session.
		return target == ConnConnecting || target == ConnConnected

	case ConnConnecting:
		return target == ConnConnected || target == ConnDisconnected

	case ConnConnected:
		return target == ConnDisconnected

	default:
		return false
	}
}

// PairingState represents the pairing relationship with a peer.
type PairingState int

const (
	// PairingNone means no pairing relationship exists.
	PairingNone PairingState = iota

	// PairingPending means a pairing round-trip is in flight, either
	// outbound (request sent) or inbound (request surfaced).
	PairingPending

	// PairingPaired means a persisted pairing relationship exists.
	PairingPaired
)

// String returns the string representation of the state.
func (s PairingState) String() string {
	switch s {
	case PairingNone:
		return "none"
	case PairingPending:
		return "pending"
	case PairingPaired:
		return "paired"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// CanTransitionTo returns true if a transition to the target state is
// valid. The only legal moves are none->pending, pending->paired,
// pending->none (reject or timeout), and paired->none (unpair).
func (s PairingState) CanTransitionTo(target PairingState) bool {
	switch s {
	case PairingNone:
		return target == PairingPending

	case PairingPending:
		return target == PairingPaired || target == PairingNone

	case PairingPaired:
		return target == PairingNone

	default:
		return false
	}
}

// TransitionError is returned when an invalid state transition is
// attempted. Callers log and ignore it; it is never fatal.
type TransitionError struct {
	Peer string
	From fmt.Stringer
	To   fmt.Stringer
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition for peer %s: %s -> %s", e.Peer, e.From, e.To)
}
