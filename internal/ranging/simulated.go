package ranging

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Simulated is a precise-ranging provider without hardware behind it.
// It mints a session token at construction time and lets callers
// inject distance observations, which makes it useful for local demos
// and end-to-end tests of the token exchange and engine flows.
type Simulated struct {
	mu         sync.Mutex
	available  bool
	started    bool
	failStart  error
	token      []byte
	peerTokens map[string][]byte
	out        chan Sample
}

// NewSimulated creates an available, stopped Simulated provider with
// a fresh random session token.
func NewSimulated() *Simulated {
	token := uuid.New()
	return &Simulated{
		available:  true,
		token:      token[:],
		peerTokens: make(map[string][]byte),
		out:        make(chan Sample, 64),
	}
}

// SetAvailable overrides hardware availability.
func (p *Simulated) SetAvailable(available bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.available = available
}

// FailStart makes the next Start return err, simulating a hardware or
// permission error after the capability probed as available.
func (p *Simulated) FailStart(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failStart = err
}

// Source returns SourcePrecise.
func (p *Simulated) Source() Source {
	return SourcePrecise
}

// Available reports the configured availability.
func (p *Simulated) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

// Start begins accepting injected observations.
func (p *Simulated) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failStart != nil {
		return p.failStart
	}
	p.started = true
	return nil
}

// Stop halts sample emission.
func (p *Simulated) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = false
}

// Samples is the stream of injected observations.
func (p *Simulated) Samples() <-chan Sample {
	return p.out
}

// Emit injects a precise distance observation for a peer. Targeted
// ranging requires the peer's token to have been configured first.
func (p *Simulated) Emit(peerID string, distance float64) {
	p.mu.Lock()
	started := p.started
	_, hasToken := p.peerTokens[peerID]
	p.mu.Unlock()

	if !started || !hasToken {
		log.Debug().Str("peer", peerID).Bool("has_token", hasToken).Msg("dropping precise sample")
		return
	}

	select {
	case p.out <- Sample{PeerID: peerID, Distance: distance, Source: SourcePrecise}:
	default:
		log.Debug().Str("peer", peerID).Msg("dropping precise sample, consumer busy")
	}
}

// LocalToken returns the provider's session token.
func (p *Simulated) LocalToken() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.token) == 0 {
		return nil, false
	}
	return p.token, true
}

// SetPeerToken stores a peer's token, enabling targeted ranging.
func (p *Simulated) SetPeerToken(peerID string, token []byte) error {
	if len(token) == 0 {
		return ErrUnavailable
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.peerTokens[peerID] = token
	return nil
}

// PeerToken returns the stored token for a peer, if any.
func (p *Simulated) PeerToken(peerID string) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	token, ok := p.peerTokens[peerID]
	return token, ok
}
