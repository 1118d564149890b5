package registry

import (
	"time"

	"github.com/earshot/earshot/internal/estimator"
	"github.com/earshot/earshot/internal/ranging"
)

// Peer is the registry's view of a remote device: identity, connection
// and pairing state, and the latest proximity estimate.
type Peer struct {
	ID          string
	DisplayName string

	Connection ConnectionState
	Pairing    PairingState

	// Provider records which ranging source produced the current
	// distance estimate.
	Provider ranging.Source
	Distance float64
	Level    estimator.Level
	Volume   float64
	RSSI     int

	LastSeen   time.Time
	PairedAt   time.Time
	Compatible bool
	Selected   bool
}

// IsPaired reports whether a persisted pairing relationship exists.
func (p *Peer) IsPaired() bool {
	return p.Pairing == PairingPaired
}

// IsConnected reports whether an active session exists.
func (p *Peer) IsConnected() bool {
	return p.Connection == ConnConnected
}
