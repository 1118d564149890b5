package ranging

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Selector mediates between the precise provider and the
// signal-strength fallback. Precise ranging is preferred when
// available; a start failure degrades to the fallback instead of
// failing outright. Only when no source can be started at all does
// Start return ErrNoSource.
type Selector struct {
	mu       sync.RWMutex
	precise  Provider
	fallback Provider
	active   Provider
	degraded bool
}

// NewSelector creates a Selector over the given providers. Either may
// be nil.
func NewSelector(precise, fallback Provider) *Selector {
	return &Selector{precise: precise, fallback: fallback}
}

// Start probes and starts the best available source.
func (s *Selector) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.precise != nil && s.precise.Available() {
		err := s.precise.Start(ctx)
		if err == nil {
			s.active = s.precise
			s.degraded = false
			log.Info().Str("source", SourcePrecise.String()).Msg("ranging started")
			return nil
		}
		log.Warn().Err(err).Msg("precise ranging failed to start, falling back to signal strength")
	}

	if s.fallback != nil && s.fallback.Available() {
		if err := s.fallback.Start(ctx); err != nil {
			log.Warn().Err(err).Msg("signal-strength ranging failed to start")
		} else {
			s.active = s.fallback
			s.degraded = true
			log.Info().Str("source", SourceSignalStrength.String()).Msg("ranging started with degraded accuracy")
			return nil
		}
	}

	return ErrNoSource
}

// Stop halts the active source.
func (s *Selector) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		s.active.Stop()
		s.active = nil
	}
}

// Active returns the currently running provider, or nil before Start.
func (s *Selector) Active() Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Source returns the active source kind. Defaults to signal strength
// before Start.
func (s *Selector) Source() Source {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.active == nil {
		return SourceSignalStrength
	}
	return s.active.Source()
}

// Degraded reports whether the selector fell back to signal-strength
// ranging. User-visible as a degraded-accuracy notice, never fatal.
func (s *Selector) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

// LocalToken returns the active provider's session token, if any.
func (s *Selector) LocalToken() ([]byte, bool) {
	s.mu.RLock()
	active := s.active
	s.mu.RUnlock()

	if active == nil {
		return nil, false
	}
	return active.LocalToken()
}

// SetPeerToken forwards a peer token to the active provider.
func (s *Selector) SetPeerToken(peerID string, token []byte) error {
	s.mu.RLock()
	active := s.active
	s.mu.RUnlock()

	if active == nil {
		return ErrUnavailable
	}
	return active.SetPeerToken(peerID, token)
}
