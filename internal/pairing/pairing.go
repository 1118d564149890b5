// Package pairing runs the pairing round-trip between peers and keeps
// the persisted paired-device list in sync with its outcome.
package pairing

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/earshot/earshot/internal/clock"
	"github.com/earshot/earshot/internal/registry"
	"github.com/earshot/earshot/internal/store"
	"github.com/earshot/earshot/pkg/proto"
)

// DefaultTimeout is how long an outbound request stays pending before
// reverting.
const DefaultTimeout = 30 * time.Second

// ErrNotConnected is returned when a pairing operation targets a peer
// without an active session.
var ErrNotConnected = errors.New("peer not connected")

// SendFunc delivers a protocol message to a connected peer.
type SendFunc func(peerID string, msg proto.Message) error

// Event describes a pairing state change surfaced to the application.
type Event struct {
	PeerID string
	State  registry.PairingState
	// Inbound is true when the transition was driven by the remote
	// peer, e.g. an incoming request awaiting a local decision.
	Inbound bool
	// Timeout is true when a pending request expired unanswered.
	Timeout bool
}

// Manager drives pairing state for all peers. It is not goroutine
// safe; the engine serializes all calls, including timer callbacks,
// onto its event loop.
type Manager struct {
	reg       *registry.Registry
	st        store.Store
	send      SendFunc
	clk       clock.Clock
	timeout   time.Duration
	localName string

	// timers tracks the pending-request timeout per outbound peer.
	timers map[string]clock.Timer
	// inbound is the peer whose request currently awaits a local
	// decision; empty when none. One at a time.
	inbound string

	onEvent func(Event)
}

// New creates a Manager. localName is advertised in outbound requests.
func New(reg *registry.Registry, st store.Store, send SendFunc, clk clock.Clock, localName string) *Manager {
	return &Manager{
		reg:       reg,
		st:        st,
		send:      send,
		clk:       clk,
		timeout:   DefaultTimeout,
		localName: localName,
		timers:    make(map[string]clock.Timer),
	}
}

// SetTimeout overrides the pending-request timeout.
func (m *Manager) SetTimeout(d time.Duration) {
	m.timeout = d
}

// SetEventFunc registers the state-change callback.
func (m *Manager) SetEventFunc(fn func(Event)) {
	m.onEvent = fn
}

// InboundPeer returns the peer whose request awaits a local decision,
// or empty.
func (m *Manager) InboundPeer() string {
	return m.inbound
}

// Request sends a pairing request to a connected peer and starts the
// pending timeout. A send failure reverts the peer to unpaired.
func (m *Manager) Request(peerID string) error {
	p, ok := m.reg.Get(peerID)
	if !ok || !p.IsConnected() {
		return ErrNotConnected
	}
	if p.Pairing == registry.PairingPaired {
		return nil
	}
	if err := m.reg.SetPairingState(peerID, registry.PairingPending); err != nil {
		return err
	}

	msg := proto.New(proto.TypePairingRequest, map[string]string{proto.KeyName: m.localName}, m.clk.Now())
	if err := m.send(peerID, msg); err != nil {
		m.reg.SetPairingState(peerID, registry.PairingNone)
		return fmt.Errorf("send pairing request: %w", err)
	}

	m.armTimer(peerID)
	log.Info().Str("peer", peerID).Msg("pairing request sent")
	m.emit(Event{PeerID: peerID, State: registry.PairingPending})
	return nil
}

// Accept confirms the inbound request from peerID, persists the
// pairing, and notifies the remote peer. Accepting an already-paired
// peer is a no-op.
func (m *Manager) Accept(peerID string) error {
	p, ok := m.reg.Get(peerID)
	if !ok {
		return ErrNotConnected
	}
	if p.Pairing == registry.PairingPaired {
		return nil
	}
	if p.Pairing != registry.PairingPending {
		return &registry.TransitionError{Peer: peerID, From: p.Pairing, To: registry.PairingPaired}
	}

	if err := m.reg.SetPairingState(peerID, registry.PairingPaired); err != nil {
		return err
	}
	if m.inbound == peerID {
		m.inbound = ""
	}

	if err := m.persistAdd(peerID, p.DisplayName); err != nil {
		log.Error().Err(err).Str("peer", peerID).Msg("persisting pairing failed")
	}

	msg := proto.New(proto.TypePairingAccept, map[string]string{proto.KeyName: m.localName}, m.clk.Now())
	if err := m.send(peerID, msg); err != nil {
		log.Warn().Err(err).Str("peer", peerID).Msg("sending pairing accept failed")
	}

	log.Info().Str("peer", peerID).Msg("pairing accepted")
	m.emit(Event{PeerID: peerID, State: registry.PairingPaired})
	return nil
}

// Reject declines the inbound request from peerID.
func (m *Manager) Reject(peerID string) error {
	if err := m.reg.SetPairingState(peerID, registry.PairingNone); err != nil {
		return err
	}
	if m.inbound == peerID {
		m.inbound = ""
	}

	msg := proto.New(proto.TypePairingReject, nil, m.clk.Now())
	if err := m.send(peerID, msg); err != nil {
		log.Warn().Err(err).Str("peer", peerID).Msg("sending pairing reject failed")
	}

	log.Info().Str("peer", peerID).Msg("pairing rejected")
	m.emit(Event{PeerID: peerID, State: registry.PairingNone})
	return nil
}

// Unpair removes a persisted pairing. Unpairing a peer that is not
// paired is a no-op. The remote peer gets a best-effort disconnect
// notice if connected.
func (m *Manager) Unpair(peerID string) error {
	p, ok := m.reg.Get(peerID)
	if !ok || p.Pairing != registry.PairingPaired {
		return nil
	}
	if err := m.reg.SetPairingState(peerID, registry.PairingNone); err != nil {
		return err
	}
	if err := m.persistRemove(peerID); err != nil {
		log.Error().Err(err).Str("peer", peerID).Msg("removing persisted pairing failed")
	}

	if p.IsConnected() {
		msg := proto.New(proto.TypeDisconnect, nil, m.clk.Now())
		if err := m.send(peerID, msg); err != nil {
			log.Debug().Err(err).Str("peer", peerID).Msg("sending unpair notice failed")
		}
	}

	log.Info().Str("peer", peerID).Msg("peer unpaired")
	m.emit(Event{PeerID: peerID, State: registry.PairingNone})
	return nil
}

// HandleMessage routes an inbound pairing message.
func (m *Manager) HandleMessage(peerID string, msg proto.Message) {
	switch msg.Type {
	case proto.TypePairingRequest:
		m.handleRequest(peerID, msg)
	case proto.TypePairingAccept:
		m.handleAccept(peerID)
	case proto.TypePairingReject:
		m.handleReject(peerID)
	}
}

// handleRequest surfaces an inbound pairing request. While one request
// awaits a decision, requests from other peers are dropped; the
// remote side's timeout handles the non-answer.
func (m *Manager) handleRequest(peerID string, msg proto.Message) {
	if m.inbound != "" && m.inbound != peerID {
		log.Warn().Str("peer", peerID).Str("pending", m.inbound).Msg("dropping pairing request, another pending")
		return
	}
	if m.inbound == peerID {
		return
	}

	if name := msg.Payload[proto.KeyName]; name != "" {
		m.reg.SetDisplayName(peerID, name)
	}
	if err := m.reg.SetPairingState(peerID, registry.PairingPending); err != nil {
		log.Warn().Err(err).Str("peer", peerID).Msg("inbound pairing request ignored")
		return
	}
	m.inbound = peerID

	log.Info().Str("peer", peerID).Msg("pairing request received")
	m.emit(Event{PeerID: peerID, State: registry.PairingPending, Inbound: true})
}

// handleAccept completes an outbound request.
func (m *Manager) handleAccept(peerID string) {
	p, ok := m.reg.Get(peerID)
	if !ok || p.Pairing != registry.PairingPending {
		log.Warn().Str("peer", peerID).Msg("unexpected pairing accept ignored")
		return
	}
	m.disarmTimer(peerID)

	if err := m.reg.SetPairingState(peerID, registry.PairingPaired); err != nil {
		return
	}
	if err := m.persistAdd(peerID, p.DisplayName); err != nil {
		log.Error().Err(err).Str("peer", peerID).Msg("persisting pairing failed")
	}

	log.Info().Str("peer", peerID).Msg("pairing completed")
	m.emit(Event{PeerID: peerID, State: registry.PairingPaired})
}

// handleReject cancels an outbound request.
func (m *Manager) handleReject(peerID string) {
	p, ok := m.reg.Get(peerID)
	if !ok || p.Pairing != registry.PairingPending {
		return
	}
	m.disarmTimer(peerID)
	if err := m.reg.SetPairingState(peerID, registry.PairingNone); err != nil {
		return
	}

	log.Info().Str("peer", peerID).Msg("pairing request declined by peer")
	m.emit(Event{PeerID: peerID, State: registry.PairingNone})
}

// OnPeerConnected refreshes the persisted last-connected time for a
// paired peer.
func (m *Manager) OnPeerConnected(peerID string) {
	p, ok := m.reg.Get(peerID)
	if !ok || p.Pairing != registry.PairingPaired {
		return
	}
	if err := m.persistTouch(peerID); err != nil {
		log.Debug().Err(err).Str("peer", peerID).Msg("updating last-connected failed")
	}
}

// OnPeerDisconnected tears down any in-flight round-trip with the
// peer. Called before the registry drops the peer.
func (m *Manager) OnPeerDisconnected(peerID string) {
	m.disarmTimer(peerID)
	if m.inbound == peerID {
		m.inbound = ""
	}
	if p, ok := m.reg.Get(peerID); ok && p.Pairing == registry.PairingPending {
		m.reg.SetPairingState(peerID, registry.PairingNone)
		m.emit(Event{PeerID: peerID, State: registry.PairingNone})
	}
}

// expire reverts a pending outbound request whose timeout fired. With
// crossed requests the expiring peer may also hold the inbound slot;
// free it so other requests can surface.
func (m *Manager) expire(peerID string) {
	delete(m.timers, peerID)
	if m.inbound == peerID {
		m.inbound = ""
	}

	p, ok := m.reg.Get(peerID)
	if !ok || p.Pairing != registry.PairingPending {
		return
	}
	if err := m.reg.SetPairingState(peerID, registry.PairingNone); err != nil {
		return
	}

	log.Info().Str("peer", peerID).Dur("timeout", m.timeout).Msg("pairing request timed out")
	m.emit(Event{PeerID: peerID, State: registry.PairingNone, Timeout: true})
}

func (m *Manager) emit(ev Event) {
	if m.onEvent != nil {
		m.onEvent(ev)
	}
}

func (m *Manager) armTimer(peerID string) {
	m.disarmTimer(peerID)
	m.timers[peerID] = m.clk.AfterFunc(m.timeout, func() {
		m.expire(peerID)
	})
}

func (m *Manager) disarmTimer(peerID string) {
	if t, ok := m.timers[peerID]; ok {
		t.Stop()
		delete(m.timers, peerID)
	}
}

func (m *Manager) persistAdd(peerID, name string) error {
	devices, err := m.st.Load()
	if err != nil {
		return err
	}
	now := m.clk.Now()
	for i := range devices {
		if devices[i].ID == peerID {
			devices[i].Name = name
			devices[i].LastConnected = &now
			return m.st.Save(devices)
		}
	}
	devices = append(devices, store.PairedDevice{
		ID:            peerID,
		Name:          name,
		PairedAt:      now,
		LastConnected: &now,
	})
	return m.st.Save(devices)
}

func (m *Manager) persistRemove(peerID string) error {
	devices, err := m.st.Load()
	if err != nil {
		return err
	}
	out := devices[:0]
	for _, d := range devices {
		if d.ID != peerID {
			out = append(out, d)
		}
	}
	return m.st.Save(out)
}

func (m *Manager) persistTouch(peerID string) error {
	devices, err := m.st.Load()
	if err != nil {
		return err
	}
	now := m.clk.Now()
	for i := range devices {
		if devices[i].ID == peerID {
			devices[i].LastConnected = &now
			return m.st.Save(devices)
		}
	}
	return nil
}
