// Package ranging abstracts the sources that produce live distance
// estimates to peers: a precise hardware-ranging source and a
// signal-strength fallback.
package ranging

import (
	"context"
	"errors"
	"fmt"
)

// Source identifies which ranging source supplies a peer's distance.
type Source int

const (
	// SourceSignalStrength infers distance from RSSI observations.
	SourceSignalStrength Source = iota
	// SourcePrecise uses dedicated ranging hardware.
	SourcePrecise
)

// String returns the string representation of the source.
func (s Source) String() string {
	switch s {
	case SourceSignalStrength:
		return "signalStrength"
	case SourcePrecise:
		return "precise"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Sample is a single raw observation emitted by a provider. For a
// precise source Distance is set; for a signal-strength source RSSI
// carries the raw dBm value and Distance is unset.
type Sample struct {
	PeerID   string
	Distance float64
	RSSI     int
	Source   Source
}

// Raw returns the raw measurement to feed into the estimator.
func (s Sample) Raw() float64 {
	if s.Source == SourcePrecise {
		return s.Distance
	}
	return float64(s.RSSI)
}

var (
	// ErrUnavailable is returned when a ranging source cannot serve
	// the requested operation.
	ErrUnavailable = errors.New("ranging source unavailable")

	// ErrNoSource is returned when no ranging source at all could be
	// started. This is the only ranging failure that is fatal to the
	// application.
	ErrNoSource = errors.New("no ranging source available")
)

// Provider is a single ranging capability.
type Provider interface {
	// Source identifies the kind of measurements this provider emits.
	Source() Source

	// Available reports whether the underlying capability can be
	// started (hardware present, permissions granted).
	Available() bool

	// Start begins producing samples. Returns an error if the
	// capability failed to initialize.
	Start(ctx context.Context) error

	// Stop halts sample production. Safe to call when not started.
	Stop()

	// Samples is the stream of raw observations.
	Samples() <-chan Sample

	// LocalToken returns the opaque ranging session token to share
	// with peers, if the provider has one.
	LocalToken() ([]byte, bool)

	// SetPeerToken configures targeted ranging toward the peer using
	// its token. Providers without session support return
	// ErrUnavailable.
	SetPeerToken(peerID string, token []byte) error
}
