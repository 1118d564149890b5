// Package registry tracks every known peer: discovery metadata,
// connection and pairing state machines, and the smoothed proximity
// estimate each one currently carries.
package registry

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/earshot/earshot/internal/clock"
	"github.com/earshot/earshot/internal/estimator"
	"github.com/earshot/earshot/internal/ranging"
	"github.com/earshot/earshot/internal/store"
)

// Observer is notified with a snapshot after any peer mutation.
type Observer func(Peer)

// Registry is the authoritative peer table. All accessors return
// copies; callers never hold references into the table.
type Registry struct {
	mu         sync.Mutex
	peers      map[string]*Peer
	est        *estimator.Estimator
	clk        clock.Clock
	staleAfter time.Duration
	observer   Observer
}

// New creates a Registry. staleAfter bounds how long an unpaired,
// unconnected peer survives without being seen before PurgeStale
// removes it.
func New(est *estimator.Estimator, clk clock.Clock, staleAfter time.Duration) *Registry {
	return &Registry{
		peers:      make(map[string]*Peer),
		est:        est,
		clk:        clk,
		staleAfter: staleAfter,
	}
}

// SetObserver registers a callback invoked with a snapshot after each
// peer mutation. Must be called before the registry is shared.
func (r *Registry) SetObserver(obs Observer) {
	r.observer = obs
}

// Rehydrate seeds the table from persisted pairings. Rehydrated peers
// start disconnected with no distance estimate.
func (r *Registry) Rehydrate(devices []store.PairedDevice) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range devices {
		r.peers[d.ID] = &Peer{
			ID:          d.ID,
			DisplayName: d.Name,
			Connection:  ConnDisconnected,
			Pairing:     PairingPaired,
			PairedAt:    d.PairedAt,
		}
	}
	log.Info().Int("count", len(devices)).Msg("rehydrated paired peers")
}

// UpsertDiscovered records a discovery hit, creating the peer if
// needed and refreshing its last-seen time and display name.
func (r *Registry) UpsertDiscovered(id, displayName string, rssi int) Peer {
	r.mu.Lock()

	p, ok := r.peers[id]
	if !ok {
		p = &Peer{ID: id}
		r.peers[id] = p
		log.Debug().Str("peer", id).Str("name", displayName).Msg("peer discovered")
	}
	if displayName != "" {
		p.DisplayName = displayName
	}
	p.RSSI = rssi
	p.LastSeen = r.clk.Now()
	snap := *p
	r.mu.Unlock()

	r.notify(snap)
	return snap
}

// MarkConnecting moves a peer into the connecting state.
func (r *Registry) MarkConnecting(id string) error {
	return r.setConnection(id, ConnConnecting, "")
}

// MarkConnected moves a peer into the connected state, creating it if
// the session arrived before any discovery event.
func (r *Registry) MarkConnected(id, displayName string) error {
	return r.setConnection(id, ConnConnected, displayName)
}

func (r *Registry) setConnection(id string, target ConnectionState, displayName string) error {
	r.mu.Lock()

	p, ok := r.peers[id]
	if !ok {
		if target != ConnConnected {
			r.mu.Unlock()
			return &TransitionError{Peer: id, From: ConnDisconnected, To: target}
		}
		p = &Peer{ID: id}
		r.peers[id] = p
	}
	if p.Connection == target {
		r.mu.Unlock()
		return nil
	}
	if !p.Connection.CanTransitionTo(target) {
		err := &TransitionError{Peer: id, From: p.Connection, To: target}
		r.mu.Unlock()
		log.Warn().Err(err).Msg("connection transition rejected")
		return err
	}
	p.Connection = target
	if displayName != "" {
		p.DisplayName = displayName
	}
	p.LastSeen = r.clk.Now()
	snap := *p
	r.mu.Unlock()

	log.Info().Str("peer", id).Str("state", target.String()).Msg("peer connection state changed")
	r.notify(snap)
	return nil
}

// MarkDisconnected handles session loss. Paired peers are retained
// with their runtime state reset; unpaired peers are removed entirely.
// Returns true if the peer was removed. Already-disconnected peers are
// tolerated.
func (r *Registry) MarkDisconnected(id string) (removed bool) {
	r.mu.Lock()

	p, ok := r.peers[id]
	if !ok {
		r.mu.Unlock()
		return false
	}

	if p.Pairing != PairingPaired {
		delete(r.peers, id)
		r.mu.Unlock()

		r.est.RemovePeer(id)
		log.Info().Str("peer", id).Msg("unpaired peer removed on disconnect")
		return true
	}

	p.Connection = ConnDisconnected
	p.Distance = 0
	p.Level = estimator.LevelUnknown
	p.Volume = 0
	p.RSSI = 0
	p.Selected = false
	snap := *p
	r.mu.Unlock()

	r.est.RemovePeer(id)
	log.Info().Str("peer", id).Msg("paired peer disconnected, retained")
	r.notify(snap)
	return false
}

// SetPairingState applies a pairing transition, enforcing the legal
// moves. Repeated application of the current state is a no-op.
func (r *Registry) SetPairingState(id string, target PairingState) error {
	r.mu.Lock()

	p, ok := r.peers[id]
	if !ok {
		r.mu.Unlock()
		return &TransitionError{Peer: id, From: PairingNone, To: target}
	}
	if p.Pairing == target {
		r.mu.Unlock()
		return nil
	}
	if !p.Pairing.CanTransitionTo(target) {
		err := &TransitionError{Peer: id, From: p.Pairing, To: target}
		r.mu.Unlock()
		log.Warn().Err(err).Msg("pairing transition rejected")
		return err
	}
	p.Pairing = target
	if target == PairingPaired {
		p.PairedAt = r.clk.Now()
	}
	snap := *p
	r.mu.Unlock()

	log.Info().Str("peer", id).Str("state", target.String()).Msg("peer pairing state changed")
	r.notify(snap)
	return nil
}

// SetDisplayName updates the peer's advertised name.
func (r *Registry) SetDisplayName(id, name string) {
	r.mutate(id, func(p *Peer) {
		if name != "" {
			p.DisplayName = name
		}
	})
}

// SetCompatible records whether the peer speaks a compatible protocol
// version.
func (r *Registry) SetCompatible(id string, compatible bool) {
	r.mutate(id, func(p *Peer) {
		p.Compatible = compatible
	})
}

// Touch refreshes the peer's last-seen time.
func (r *Registry) Touch(id string) {
	r.mutate(id, func(p *Peer) {
		p.LastSeen = r.clk.Now()
	})
}

func (r *Registry) mutate(id string, fn func(*Peer)) {
	r.mu.Lock()
	p, ok := r.peers[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	fn(p)
	snap := *p
	r.mu.Unlock()

	r.notify(snap)
}

// ApplyDistanceUpdate feeds a raw measurement through the smoothing
// pipeline and refreshes the peer's distance, tier, and volume. Signal
// strength readings are converted to meters first; precise readings
// are smoothed as-is.
func (r *Registry) ApplyDistanceUpdate(id string, raw float64, source ranging.Source) (Peer, bool) {
	r.mu.Lock()
	p, ok := r.peers[id]
	if !ok {
		r.mu.Unlock()
		return Peer{}, false
	}

	meters := raw
	if source == ranging.SourceSignalStrength {
		p.RSSI = int(raw)
		meters = r.est.RSSIToDistance(int(raw))
	}
	smoothed := r.est.AddSample(id, meters)

	p.Provider = source
	p.Distance = smoothed
	p.Level = r.est.LevelForDistance(smoothed)
	p.Volume = r.est.VolumeForDistance(smoothed)
	p.LastSeen = r.clk.Now()
	snap := *p
	r.mu.Unlock()

	log.Debug().
		Str("peer", id).
		Float64("distance", smoothed).
		Str("level", snap.Level.String()).
		Float64("volume", snap.Volume).
		Str("source", source.String()).
		Msg("distance updated")
	r.notify(snap)
	return snap, true
}

// Select marks the peer as the UI selection, clearing any previous
// selection. Selecting the already-selected peer deselects it.
func (r *Registry) Select(id string) {
	r.mu.Lock()
	var snaps []Peer
	for _, p := range r.peers {
		was := p.Selected
		p.Selected = p.ID == id && !was
		if p.Selected != was {
			snaps = append(snaps, *p)
		}
	}
	r.mu.Unlock()

	for _, s := range snaps {
		r.notify(s)
	}
}

// PurgeStale removes peers not seen within the stale window. Paired
// peers and connected peers are exempt. Returns the removed ids.
func (r *Registry) PurgeStale() []string {
	r.mu.Lock()
	cutoff := r.clk.Now().Add(-r.staleAfter)
	var removed []string
	for id, p := range r.peers {
		if p.Pairing == PairingPaired || p.Connection == ConnConnected {
			continue
		}
		if p.LastSeen.Before(cutoff) {
			delete(r.peers, id)
			removed = append(removed, id)
		}
	}
	r.mu.Unlock()

	for _, id := range removed {
		r.est.RemovePeer(id)
		log.Debug().Str("peer", id).Msg("stale peer purged")
	}
	return removed
}

// Get returns a snapshot of the peer.
func (r *Registry) Get(id string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// List returns snapshots of every known peer.
func (r *Registry) List() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	return out
}

// ConnectedCount returns the number of peers with active sessions.
func (r *Registry) ConnectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, p := range r.peers {
		if p.Connection == ConnConnected {
			n++
		}
	}
	return n
}

func (r *Registry) notify(p Peer) {
	if r.observer != nil {
		r.observer(p)
	}
}
