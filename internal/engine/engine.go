// Package engine composes the proximity pipeline: it consumes
// transport and ranging events, drives the peer registry, pairing,
// and token exchange, and exposes the application state machine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/earshot/earshot/internal/clock"
	"github.com/earshot/earshot/internal/estimator"
	"github.com/earshot/earshot/internal/exchange"
	"github.com/earshot/earshot/internal/metrics"
	"github.com/earshot/earshot/internal/pairing"
	"github.com/earshot/earshot/internal/ranging"
	"github.com/earshot/earshot/internal/registry"
	"github.com/earshot/earshot/internal/store"
	"github.com/earshot/earshot/internal/transport"
	"github.com/earshot/earshot/pkg/proto"
)

const (
	eventBuffer = 128

	// volumeSyncDelta is the minimum volume change worth announcing
	// to the peer.
	volumeSyncDelta = 0.05

	defaultStaleTimeout   = 30 * time.Second
	defaultPurgeEvery     = 15 * time.Second
	defaultHeartbeatEvery = 10 * time.Second
)

// EventKind classifies engine events delivered to the application.
type EventKind int

const (
	// EventStateChanged reports an application state transition.
	EventStateChanged EventKind = iota
	// EventPeerUpdated carries a fresh peer snapshot after any change.
	EventPeerUpdated
	// EventPairingRequest surfaces an inbound pairing request awaiting
	// a local decision.
	EventPairingRequest
	// EventNotice carries a user-visible banner that does not change
	// the application state.
	EventNotice
)

// Event is delivered to the application on the engine's event stream.
type Event struct {
	Kind    EventKind
	State   State
	Peer    registry.Peer
	PeerID  string
	Message string
}

// Config assembles an Engine.
type Config struct {
	// Name is the local display name advertised to peers.
	Name string
	// Version is advertised in device-info messages.
	Version string

	Transport transport.Transport
	// Precise and Fallback are the ranging providers; either may be
	// nil.
	Precise  ranging.Provider
	Fallback ranging.Provider
	Store    store.Store
	// Clock defaults to wall time.
	Clock clock.Clock

	Estimator estimator.Config

	PairingTimeout  time.Duration
	ExchangeTimeout time.Duration
	StaleTimeout    time.Duration
	PurgeEvery      time.Duration
	HeartbeatEvery  time.Duration

	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.EngineMetrics
}

// Engine is the device-side proximity engine. All internal state is
// guarded by one mutex; transport events, ranging samples, and timer
// callbacks are serialized through it, so the pairing and exchange
// managers never see concurrent calls.
type Engine struct {
	cfg Config

	mu           sync.Mutex
	state        State
	errMsg       string
	wantDisco    bool
	transmitting map[string]bool
	lastVolume   map[string]float64
	samples      <-chan ranging.Sample
	wake         chan struct{}
	purgeTimer   clock.Timer
	beatTimer    clock.Timer
	runCtx       context.Context

	clk      clock.Clock
	reg      *registry.Registry
	selector *ranging.Selector
	pair     *pairing.Manager
	exch     *exchange.Manager

	events chan Event
}

// New assembles an Engine from the config, rehydrating paired peers
// from the store.
func New(cfg Config) (*Engine, error) {
	if cfg.Transport == nil {
		return nil, errors.New("engine config: transport is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("engine config: store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = defaultStaleTimeout
	}
	if cfg.PurgeEvery <= 0 {
		cfg.PurgeEvery = defaultPurgeEvery
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = defaultHeartbeatEvery
	}

	est, err := estimator.New(cfg.Estimator)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:          cfg,
		state:        StateIdle,
		transmitting: make(map[string]bool),
		lastVolume:   make(map[string]float64),
		wake:         make(chan struct{}, 1),
		clk:          cfg.Clock,
		events:       make(chan Event, eventBuffer),
	}

	// Timer callbacks from the managers re-enter the engine; the
	// locked clock serializes them with everything else.
	lc := lockedClock{inner: cfg.Clock, mu: &e.mu}

	e.reg = registry.New(est, cfg.Clock, cfg.StaleTimeout)
	e.reg.SetObserver(e.onPeerUpdated)

	e.selector = ranging.NewSelector(cfg.Precise, cfg.Fallback)

	e.pair = pairing.New(e.reg, cfg.Store, e.sendMessage, lc, cfg.Name)
	if cfg.PairingTimeout > 0 {
		e.pair.SetTimeout(cfg.PairingTimeout)
	}
	e.pair.SetEventFunc(e.onPairingEvent)

	e.exch = exchange.New(e.selector, e.sendMessage, lc)
	if cfg.ExchangeTimeout > 0 {
		e.exch.SetTimeout(cfg.ExchangeTimeout)
	}
	e.exch.SetCompletedFunc(e.onExchangeCompleted)
	e.exch.SetTimeoutFunc(e.onExchangeTimeout)

	devices, err := cfg.Store.Load()
	if err != nil {
		return nil, fmt.Errorf("load paired devices: %w", err)
	}
	e.reg.Rehydrate(devices)
	if cfg.Metrics != nil {
		cfg.Metrics.PairedPeers.Set(float64(len(devices)))
	}
	e.updatePeerGauges()

	return e, nil
}

// Events is the engine's event stream. Slow consumers lose events.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// State returns the current application state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// ErrorMessage returns the banner for the error state, empty
// otherwise.
func (e *Engine) ErrorMessage() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.errMsg
}

// Peers returns snapshots of every known peer.
func (e *Engine) Peers() []registry.Peer {
	return e.reg.List()
}

// Degraded reports whether ranging fell back to signal strength.
func (e *Engine) Degraded() bool {
	return e.selector.Degraded()
}

// Run consumes transport events and ranging samples until the context
// is cancelled. Must be running for the engine to make progress.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.runCtx = ctx
	e.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return nil

		case ev, ok := <-e.cfg.Transport.Events():
			if !ok {
				e.shutdown()
				return nil
			}
			e.mu.Lock()
			e.handleTransport(ev)
			e.mu.Unlock()

		case <-e.wake:
			// The sample channel changed; re-enter the select.

		case s, ok := <-e.sampleChan():
			if !ok {
				e.mu.Lock()
				e.samples = nil
				e.mu.Unlock()
				continue
			}
			e.mu.Lock()
			e.handleSample(s)
			e.mu.Unlock()
		}
	}
}

func (e *Engine) sampleChan() <-chan ranging.Sample {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.samples
}

// StartDiscovery begins scanning for peers. From the error state the
// engine first recovers to idle. Starting while already discovering is
// a no-op.
func (e *Engine) StartDiscovery() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateDiscovering {
		return nil
	}
	if e.state == StateError {
		e.errMsg = ""
		e.setState(StateIdle)
	}
	if e.state != StateIdle {
		return fmt.Errorf("cannot start discovery in state %s", e.state)
	}

	ctx := e.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := e.selector.Start(ctx); err != nil {
		e.enterError("no ranging source available")
		return err
	}
	e.samples = e.selector.Active().Samples()
	select {
	case e.wake <- struct{}{}:
	default:
	}

	if e.selector.Degraded() {
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.DegradedRanging.Set(1)
		}
		e.publish(Event{Kind: EventNotice, Message: "precise ranging unavailable, accuracy degraded"})
	} else if e.cfg.Metrics != nil {
		e.cfg.Metrics.DegradedRanging.Set(0)
	}

	if err := e.cfg.Transport.StartDiscovery(); err != nil {
		e.selector.Stop()
		e.samples = nil
		e.enterError("transport discovery failed")
		return err
	}

	e.wantDisco = true
	e.setState(StateDiscovering)
	e.schedulePurge()
	e.scheduleHeartbeat()
	return nil
}

// StopDiscovery halts scanning and returns to idle. A transmitting
// engine steps down through connected first.
func (e *Engine) StopDiscovery() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
}

func (e *Engine) stopLocked() {
	if !e.wantDisco && e.state == StateIdle {
		return
	}
	e.wantDisco = false

	e.cfg.Transport.StopDiscovery()
	e.selector.Stop()
	e.samples = nil
	e.cancelTimers()

	if e.state == StateTransmitting {
		e.setState(StateConnected)
	}
	if e.state == StateConnected || e.state == StateDiscovering {
		e.setState(StateIdle)
	}
}

// RequestPairing sends a pairing request to a connected peer.
func (e *Engine) RequestPairing(peerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.pair.Request(peerID); err != nil {
		return err
	}
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.PairingRequestsSent.Inc()
	}
	return nil
}

// AcceptPairing accepts the inbound request from peerID.
func (e *Engine) AcceptPairing(peerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pair.Accept(peerID)
}

// RejectPairing declines the inbound request from peerID.
func (e *Engine) RejectPairing(peerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pair.Reject(peerID)
}

// Unpair removes the persisted pairing with peerID.
func (e *Engine) Unpair(peerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pair.Unpair(peerID)
}

// SelectPeer toggles the UI selection of peerID.
func (e *Engine) SelectPeer(peerID string) {
	e.reg.Select(peerID)
}

func (e *Engine) handleTransport(ev transport.Event) {
	switch ev.Kind {
	case transport.EventPeerFound:
		e.reg.UpsertDiscovered(ev.PeerID, ev.DisplayName, ev.RSSI)
		// Discovery-time RSSI is itself a ranging observation when
		// running on the fallback source.
		if ev.RSSI < 0 && e.selector.Active() != nil && e.selector.Source() == ranging.SourceSignalStrength {
			e.applyDistance(ev.PeerID, float64(ev.RSSI), ranging.SourceSignalStrength)
		}

	case transport.EventPeerLost:
		if p, ok := e.reg.Get(ev.PeerID); ok && !p.IsConnected() {
			e.reg.MarkDisconnected(ev.PeerID)
		}

	case transport.EventPeerConnected:
		e.handleConnected(ev.PeerID, ev.DisplayName)

	case transport.EventPeerDisconnected:
		e.handleDisconnected(ev.PeerID)

	case transport.EventMessage:
		e.handleMessage(ev.PeerID, ev.Payload)
	}
}

func (e *Engine) handleConnected(peerID, displayName string) {
	if err := e.reg.MarkConnected(peerID, displayName); err != nil {
		return
	}
	e.pair.OnPeerConnected(peerID)
	e.exch.OnPeerConnected(peerID)

	info := proto.New(proto.TypeDeviceInfo, map[string]string{
		proto.KeyName:    e.cfg.Name,
		proto.KeyVersion: e.cfg.Version,
	}, e.clk.Now())
	if err := e.sendMessage(peerID, info); err != nil {
		log.Debug().Err(err).Str("peer", peerID).Msg("sending device info failed")
	}

	if e.state == StateDiscovering {
		e.setState(StateConnected)
	}
}

func (e *Engine) handleDisconnected(peerID string) {
	e.exch.OnPeerDisconnected(peerID)
	e.pair.OnPeerDisconnected(peerID)
	e.reg.MarkDisconnected(peerID)

	delete(e.transmitting, peerID)
	delete(e.lastVolume, peerID)
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RemovePeer(peerID)
	}
	e.updatePeerGauges()

	if e.state == StateTransmitting && len(e.transmitting) == 0 {
		e.setState(StateConnected)
	}
	if e.state == StateConnected && e.reg.ConnectedCount() == 0 {
		e.setState(StateIdle)
		// Discovery was never stopped; resume scanning.
		if e.wantDisco {
			e.setState(StateDiscovering)
		}
	}
}

func (e *Engine) handleMessage(peerID string, data []byte) {
	msg, err := proto.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("peer", peerID).Msg("dropping malformed message")
		return
	}
	e.reg.Touch(peerID)

	switch msg.Type {
	case proto.TypePairingRequest, proto.TypePairingAccept, proto.TypePairingReject:
		e.pair.HandleMessage(peerID, msg)

	case proto.TypeDiscoveryToken, proto.TypeTokenAck:
		e.exch.HandleMessage(peerID, msg)

	case proto.TypeDeviceInfo, proto.TypeHandshake:
		if name := msg.Payload[proto.KeyName]; name != "" {
			e.reg.SetDisplayName(peerID, name)
		}
		e.reg.SetCompatible(peerID, true)

	case proto.TypeDisconnect:
		e.handleDisconnected(peerID)

	case proto.TypeHeartbeat:
		// Touch above is all a heartbeat asks for.

	case proto.TypeVolumeSync, proto.TypeAudioStream:
		log.Debug().Str("peer", peerID).Str("type", string(msg.Type)).Msg("ignoring payload message")

	case proto.TypeUnknown:
		// Forward compatibility: unknown tags are ignored.
	}
}

func (e *Engine) handleSample(s ranging.Sample) {
	e.applyDistance(s.PeerID, s.Raw(), s.Source)
}

func (e *Engine) applyDistance(peerID string, raw float64, source ranging.Source) {
	p, ok := e.reg.ApplyDistanceUpdate(peerID, raw, source)
	if !ok {
		return
	}

	if !p.IsConnected() {
		return
	}
	last, seen := e.lastVolume[peerID]
	if seen && abs(p.Volume-last) <= volumeSyncDelta {
		return
	}
	e.lastVolume[peerID] = p.Volume

	msg := proto.New(proto.TypeVolumeSync, map[string]string{
		proto.KeyVolume: fmt.Sprintf("%.3f", p.Volume),
	}, e.clk.Now())
	if err := e.sendMessage(peerID, msg); err != nil {
		log.Debug().Err(err).Str("peer", peerID).Msg("sending volume sync failed")
	}
}

func (e *Engine) onExchangeTimeout(peerID string) {
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.TokenExchangeTimeouts.Inc()
	}
}

func (e *Engine) onExchangeCompleted(peerID string) {
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.TokenExchangesCompleted.Inc()
	}
	e.transmitting[peerID] = true
	if e.state == StateConnected {
		e.setState(StateTransmitting)
	}
}

func (e *Engine) onPairingEvent(ev pairing.Event) {
	if e.cfg.Metrics != nil {
		switch {
		case ev.State == registry.PairingPaired:
			e.cfg.Metrics.PairingsCompleted.Inc()
		case ev.Timeout:
			e.cfg.Metrics.PairingTimeouts.Inc()
		}
		e.cfg.Metrics.PairedPeers.Set(float64(e.pairedCount()))
	}
	if ev.Inbound && ev.State == registry.PairingPending {
		p, _ := e.reg.Get(ev.PeerID)
		e.publish(Event{Kind: EventPairingRequest, PeerID: ev.PeerID, Peer: p})
	}
}

func (e *Engine) pairedCount() int {
	n := 0
	for _, p := range e.reg.List() {
		if p.IsPaired() {
			n++
		}
	}
	return n
}

// onPeerUpdated runs on whichever goroutine mutated the registry. It
// must not take the engine mutex.
func (e *Engine) onPeerUpdated(p registry.Peer) {
	if e.cfg.Metrics != nil && p.Level != estimator.LevelUnknown {
		e.cfg.Metrics.PeerDistance.WithLabelValues(p.ID).Set(p.Distance)
		e.cfg.Metrics.PeerVolume.WithLabelValues(p.ID).Set(p.Volume)
	}
	e.updatePeerGauges()
	e.publish(Event{Kind: EventPeerUpdated, PeerID: p.ID, Peer: p})
}

// updatePeerGauges recounts the peer population per connection state.
// The registry does not notify on removals, so the engine also calls
// this after disconnect and purge.
func (e *Engine) updatePeerGauges() {
	if e.cfg.Metrics == nil {
		return
	}
	counts := make(map[registry.ConnectionState]int)
	for _, p := range e.reg.List() {
		counts[p.Connection]++
	}
	for _, s := range []registry.ConnectionState{registry.ConnDisconnected, registry.ConnConnecting, registry.ConnConnected} {
		e.cfg.Metrics.PeersByConnection.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}

// enterError moves to the error state, unless a paired peer is
// connected, in which case the fault is surfaced as a banner and the
// session continues.
func (e *Engine) enterError(msg string) {
	for _, p := range e.reg.List() {
		if p.IsPaired() && p.IsConnected() {
			log.Warn().Str("reason", msg).Msg("fault while paired peer connected, staying up")
			e.publish(Event{Kind: EventNotice, Message: msg})
			return
		}
	}

	e.errMsg = msg
	e.setState(StateError)
}

func (e *Engine) setState(target State) {
	if e.state == target {
		return
	}
	if !e.state.CanTransitionTo(target) {
		log.Warn().Str("from", e.state.String()).Str("to", target.String()).Msg("app state transition rejected")
		return
	}

	e.state = target
	log.Info().Str("state", target.String()).Msg("app state changed")
	if e.cfg.Metrics != nil {
		all := make([]string, 0, len(AllStates()))
		for _, s := range AllStates() {
			all = append(all, s.String())
		}
		e.cfg.Metrics.SetAppState(target.String(), all)
	}
	e.publish(Event{Kind: EventStateChanged, State: target, Message: e.errMsg})
}

func (e *Engine) schedulePurge() {
	e.purgeTimer = e.clk.AfterFunc(e.cfg.PurgeEvery, func() {
		e.mu.Lock()
		defer e.mu.Unlock()

		if !e.wantDisco {
			return
		}
		removed := e.reg.PurgeStale()
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.StalePeersPurged.Add(float64(len(removed)))
			for _, id := range removed {
				e.cfg.Metrics.RemovePeer(id)
			}
		}
		if len(removed) > 0 {
			e.updatePeerGauges()
		}
		e.schedulePurge()
	})
}

func (e *Engine) scheduleHeartbeat() {
	e.beatTimer = e.clk.AfterFunc(e.cfg.HeartbeatEvery, func() {
		e.mu.Lock()
		defer e.mu.Unlock()

		if !e.wantDisco {
			return
		}
		beat := proto.New(proto.TypeHeartbeat, nil, e.clk.Now())
		if data, err := beat.Encode(); err == nil {
			if err := e.cfg.Transport.Broadcast(data); err != nil {
				log.Debug().Err(err).Msg("heartbeat broadcast failed")
			}
		}
		e.scheduleHeartbeat()
	})
}

func (e *Engine) cancelTimers() {
	if e.purgeTimer != nil {
		e.purgeTimer.Stop()
		e.purgeTimer = nil
	}
	if e.beatTimer != nil {
		e.beatTimer.Stop()
		e.beatTimer = nil
	}
}

func (e *Engine) shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.wantDisco || e.state != StateIdle {
		bye := proto.New(proto.TypeDisconnect, nil, e.clk.Now())
		if data, err := bye.Encode(); err == nil {
			if err := e.cfg.Transport.Broadcast(data); err != nil {
				log.Debug().Err(err).Msg("disconnect broadcast failed")
			}
		}
	}
	e.stopLocked()
}

func (e *Engine) sendMessage(peerID string, msg proto.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return e.cfg.Transport.Send(peerID, data)
}

func (e *Engine) publish(ev Event) {
	select {
	case e.events <- ev:
	default:
		log.Warn().Int("kind", int(ev.Kind)).Msg("dropping engine event, consumer busy")
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// lockedClock wraps a Clock so timer callbacks run under the engine
// mutex, serialized with transport and API calls.
type lockedClock struct {
	inner clock.Clock
	mu    *sync.Mutex
}

func (c lockedClock) Now() time.Time {
	return c.inner.Now()
}

func (c lockedClock) AfterFunc(d time.Duration, fn func()) clock.Timer {
	return c.inner.AfterFunc(d, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		fn()
	})
}
