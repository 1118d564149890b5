package ranging

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// RSSIProvider is the signal-strength fallback source. It has no
// hardware of its own: the transport layer feeds it RSSI metadata
// from discovery events via Observe, and it re-emits them as raw
// samples. It carries no ranging session token.
type RSSIProvider struct {
	mu      sync.Mutex
	started bool
	out     chan Sample
}

// NewRSSIProvider creates a stopped RSSIProvider.
func NewRSSIProvider() *RSSIProvider {
	return &RSSIProvider{
		out: make(chan Sample, 64),
	}
}

// Source returns SourceSignalStrength.
func (p *RSSIProvider) Source() Source {
	return SourceSignalStrength
}

// Available always reports true: RSSI inference needs no hardware
// beyond the transport itself.
func (p *RSSIProvider) Available() bool {
	return true
}

// Start marks the provider as running.
func (p *RSSIProvider) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = true
	return nil
}

// Stop halts sample emission.
func (p *RSSIProvider) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = false
}

// Samples is the stream of RSSI observations.
func (p *RSSIProvider) Samples() <-chan Sample {
	return p.out
}

// Observe records a raw RSSI reading for a peer. Drops the sample if
// the provider is stopped or the consumer is falling behind.
func (p *RSSIProvider) Observe(peerID string, rssi int) {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()

	if !started {
		return
	}

	select {
	case p.out <- Sample{PeerID: peerID, RSSI: rssi, Source: SourceSignalStrength}:
	default:
		log.Debug().Str("peer", peerID).Msg("dropping RSSI sample, consumer busy")
	}
}

// LocalToken reports no token: only precise providers carry ranging
// session tokens.
func (p *RSSIProvider) LocalToken() ([]byte, bool) {
	return nil, false
}

// SetPeerToken is unsupported for signal-strength ranging.
func (p *RSSIProvider) SetPeerToken(peerID string, token []byte) error {
	return ErrUnavailable
}
