// Package exchange negotiates precise-ranging session tokens with
// connected peers. Each side sends its local token on connect; once a
// peer's token is installed in the ranging provider the exchange is
// complete and precise measurements can begin.
package exchange

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/earshot/earshot/internal/clock"
	"github.com/earshot/earshot/pkg/proto"
)

// DefaultTimeout bounds how long a sent token waits for the peer's
// token or ack before the exchange resets.
const DefaultTimeout = 10 * time.Second

// State tracks the token exchange with one peer.
type State int

const (
	// StateIdle means no exchange is in progress.
	StateIdle State = iota

	// StateWaiting means the local token was sent and the peer's
	// response is outstanding.
	StateWaiting

	// StateReceived means the peer's token arrived but is not yet
	// installed in the ranging provider.
	StateReceived

	// StateCompleted means both sides hold each other's tokens.
	StateCompleted
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StateReceived:
		return "received"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Ranger is the slice of the ranging layer the exchange needs.
type Ranger interface {
	LocalToken() ([]byte, bool)
	SetPeerToken(peerID string, token []byte) error
}

// SendFunc delivers a protocol message to a connected peer.
type SendFunc func(peerID string, msg proto.Message) error

// Manager runs token exchanges with all connected peers. Not
// goroutine safe; the engine serializes all calls, including timer
// callbacks, onto its event loop.
type Manager struct {
	ranger  Ranger
	send    SendFunc
	clk     clock.Clock
	timeout time.Duration

	states map[string]State
	tokens map[string][]byte
	timers map[string]clock.Timer

	onCompleted func(peerID string)
	onTimeout   func(peerID string)
}

// New creates a Manager.
func New(ranger Ranger, send SendFunc, clk clock.Clock) *Manager {
	return &Manager{
		ranger:  ranger,
		send:    send,
		clk:     clk,
		timeout: DefaultTimeout,
		states:  make(map[string]State),
		tokens:  make(map[string][]byte),
		timers:  make(map[string]clock.Timer),
	}
}

// SetTimeout overrides the exchange timeout.
func (m *Manager) SetTimeout(d time.Duration) {
	m.timeout = d
}

// SetCompletedFunc registers the callback fired when an exchange
// completes.
func (m *Manager) SetCompletedFunc(fn func(peerID string)) {
	m.onCompleted = fn
}

// SetTimeoutFunc registers the callback fired when a waiting exchange
// resets without an answer.
func (m *Manager) SetTimeoutFunc(fn func(peerID string)) {
	m.onTimeout = fn
}

// State returns the exchange state for a peer.
func (m *Manager) State(peerID string) State {
	return m.states[peerID]
}

// PeerToken returns the token received from a peer, if any.
func (m *Manager) PeerToken(peerID string) ([]byte, bool) {
	tok, ok := m.tokens[peerID]
	return tok, ok
}

// OnPeerConnected starts an exchange with a newly connected peer. If
// the active ranging provider mints no token the exchange stays idle;
// signal-strength ranging needs no session.
func (m *Manager) OnPeerConnected(peerID string) {
	token, ok := m.ranger.LocalToken()
	if !ok {
		return
	}
	if m.states[peerID] == StateCompleted {
		return
	}

	msg := proto.New(proto.TypeDiscoveryToken, proto.TokenPayload(token), m.clk.Now())
	if err := m.send(peerID, msg); err != nil {
		log.Warn().Err(err).Str("peer", peerID).Msg("sending discovery token failed")
		return
	}

	m.states[peerID] = StateWaiting
	m.armTimer(peerID)
	log.Debug().Str("peer", peerID).Msg("discovery token sent")
}

// HandleMessage routes an inbound exchange message.
func (m *Manager) HandleMessage(peerID string, msg proto.Message) {
	switch msg.Type {
	case proto.TypeDiscoveryToken:
		m.handleToken(peerID, msg)
	case proto.TypeTokenAck:
		m.handleAck(peerID)
	}
}

// handleToken installs the peer's token and acknowledges it. A token
// that fails to decode is dropped.
func (m *Manager) handleToken(peerID string, msg proto.Message) {
	token, err := msg.Token()
	if err != nil {
		log.Warn().Err(err).Str("peer", peerID).Msg("dropping malformed discovery token")
		return
	}

	m.disarmTimer(peerID)
	m.tokens[peerID] = token
	m.states[peerID] = StateReceived

	if err := m.ranger.SetPeerToken(peerID, token); err != nil {
		log.Warn().Err(err).Str("peer", peerID).Msg("installing peer token failed")
		return
	}

	ack := proto.New(proto.TypeTokenAck, nil, m.clk.Now())
	if err := m.send(peerID, ack); err != nil {
		log.Debug().Err(err).Str("peer", peerID).Msg("sending token ack failed")
	}

	m.complete(peerID)
}

// handleAck completes an exchange the local side initiated.
func (m *Manager) handleAck(peerID string) {
	if m.states[peerID] != StateWaiting {
		log.Debug().Str("peer", peerID).Msg("unexpected token ack ignored")
		return
	}
	m.disarmTimer(peerID)
	m.complete(peerID)
}

func (m *Manager) complete(peerID string) {
	m.states[peerID] = StateCompleted
	log.Info().Str("peer", peerID).Msg("token exchange completed")
	if m.onCompleted != nil {
		m.onCompleted(peerID)
	}
}

// OnPeerDisconnected discards the exchange state for a peer. Tokens
// are single-session; a reconnect starts a fresh exchange.
func (m *Manager) OnPeerDisconnected(peerID string) {
	m.disarmTimer(peerID)
	delete(m.states, peerID)
	delete(m.tokens, peerID)
}

// expire resets a stalled exchange. Soft failure: the peer may simply
// lack precise ranging, and signal-strength estimates keep flowing.
func (m *Manager) expire(peerID string) {
	delete(m.timers, peerID)
	if m.states[peerID] != StateWaiting {
		return
	}
	m.states[peerID] = StateIdle
	log.Info().Str("peer", peerID).Dur("timeout", m.timeout).Msg("token exchange timed out")
	if m.onTimeout != nil {
		m.onTimeout(peerID)
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
