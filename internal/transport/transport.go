// Package transport defines the mesh transport boundary. The engine
// treats any transport as "send bytes to a peer / receive bytes from
// a peer" plus discovery and connection events; the radio stacks
// themselves live behind this interface.
package transport

import (
	"errors"
	"fmt"
)

// EventKind classifies a transport event.
type EventKind int

const (
	// EventPeerFound is a discovery hit, optionally with RSSI metadata.
	EventPeerFound EventKind = iota
	// EventPeerLost means the peer is no longer discoverable.
	EventPeerLost
	// EventPeerConnected means a session to the peer is established.
	EventPeerConnected
	// EventPeerDisconnected means the session to the peer ended.
	EventPeerDisconnected
	// EventMessage delivers raw inbound bytes from a peer.
	EventMessage
)

// String returns the string representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventPeerFound:
		return "peer-found"
	case EventPeerLost:
		return "peer-lost"
	case EventPeerConnected:
		return "peer-connected"
	case EventPeerDisconnected:
		return "peer-disconnected"
	case EventMessage:
		return "message"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Event is a single transport callback, delivered in transport order
// per peer.
type Event struct {
	Kind        EventKind
	PeerID      string
	DisplayName string
	// RSSI is the signal strength in dBm for EventPeerFound, 0 when
	// the transport has no reading.
	RSSI int
	// Payload carries the raw message bytes for EventMessage.
	Payload []byte
}

var (
	// ErrPeerUnreachable is returned by Send when no session to the
	// peer exists.
	ErrPeerUnreachable = errors.New("peer unreachable")

	// ErrClosed is returned after the transport has been closed.
	ErrClosed = errors.New("transport closed")
)

// Transport is the peer-to-peer messaging boundary.
type Transport interface {
	// Send delivers bytes to a connected peer.
	Send(peerID string, data []byte) error

	// Broadcast delivers bytes to every connected peer. Per-peer send
	// failures are not reported.
	Broadcast(data []byte) error

	// StartDiscovery begins announcing and scanning for peers.
	StartDiscovery() error

	// StopDiscovery halts announcing and scanning.
	StopDiscovery()

	// Events is the ordered stream of transport callbacks.
	Events() <-chan Event

	// Close tears down all sessions and stops event delivery.
	Close() error
}
