// Package mem provides an in-memory mesh transport. A Hub connects
// any number of Transports in one process; tests and local demos
// drive discovery, connections, and message delivery through it.
package mem

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/earshot/earshot/internal/transport"
)

// eventBuffer is the per-transport event channel capacity.
const eventBuffer = 128

// Hub wires in-memory transports together.
type Hub struct {
	mu        sync.Mutex
	links     map[string]*Transport
	connected map[[2]string]bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		links:     make(map[string]*Transport),
		connected: make(map[[2]string]bool),
	}
}

func pairKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

// Join attaches a new transport to the hub under the given id.
func (h *Hub) Join(id, displayName string) *Transport {
	h.mu.Lock()
	defer h.mu.Unlock()

	t := &Transport{
		hub:         h,
		id:          id,
		displayName: displayName,
		events:      make(chan transport.Event, eventBuffer),
	}
	h.links[id] = t
	return t
}

// Found delivers a discovery hit about subject to the observer, with
// optional RSSI metadata.
func (h *Hub) Found(observerID, subjectID string, rssi int) {
	h.mu.Lock()
	observer := h.links[observerID]
	subject := h.links[subjectID]
	h.mu.Unlock()

	if observer == nil || subject == nil || !observer.discovering() {
		return
	}
	observer.deliver(transport.Event{
		Kind:        transport.EventPeerFound,
		PeerID:      subjectID,
		DisplayName: subject.displayName,
		RSSI:        rssi,
	})
}

// Lost tells the observer that subject is no longer discoverable.
func (h *Hub) Lost(observerID, subjectID string) {
	h.mu.Lock()
	observer := h.links[observerID]
	h.mu.Unlock()

	if observer == nil {
		return
	}
	observer.deliver(transport.Event{Kind: transport.EventPeerLost, PeerID: subjectID})
}

// Connect establishes a session between two transports; both sides
// receive a connected event.
func (h *Hub) Connect(a, b string) {
	h.mu.Lock()
	ta := h.links[a]
	tb := h.links[b]
	if ta == nil || tb == nil {
		h.mu.Unlock()
		return
	}
	h.connected[pairKey(a, b)] = true
	h.mu.Unlock()

	ta.deliver(transport.Event{Kind: transport.EventPeerConnected, PeerID: b, DisplayName: tb.displayName})
	tb.deliver(transport.Event{Kind: transport.EventPeerConnected, PeerID: a, DisplayName: ta.displayName})
}

// Disconnect tears down the session between two transports.
func (h *Hub) Disconnect(a, b string) {
	h.mu.Lock()
	ta := h.links[a]
	tb := h.links[b]
	key := pairKey(a, b)
	wasConnected := h.connected[key]
	delete(h.connected, key)
	h.mu.Unlock()

	if !wasConnected {
		return
	}
	if ta != nil {
		ta.deliver(transport.Event{Kind: transport.EventPeerDisconnected, PeerID: b})
	}
	if tb != nil {
		tb.deliver(transport.Event{Kind: transport.EventPeerDisconnected, PeerID: a})
	}
}

// Leave detaches a transport, disconnecting all its sessions.
func (h *Hub) Leave(id string) {
	h.mu.Lock()
	t := h.links[id]
	delete(h.links, id)
	var peers []string
	for key, ok := range h.connected {
		if !ok {
			continue
		}
		if key[0] == id {
			peers = append(peers, key[1])
			delete(h.connected, key)
		} else if key[1] == id {
			peers = append(peers, key[0])
			delete(h.connected, key)
		}
	}
	remaining := make([]*Transport, 0, len(peers))
	for _, p := range peers {
		if pt := h.links[p]; pt != nil {
			remaining = append(remaining, pt)
		}
	}
	h.mu.Unlock()

	for _, pt := range remaining {
		pt.deliver(transport.Event{Kind: transport.EventPeerDisconnected, PeerID: id})
	}
	if t != nil {
		t.close()
	}
}

// send routes bytes between two connected transports.
func (h *Hub) send(fromID, toID string, data []byte) error {
	h.mu.Lock()
	to := h.links[toID]
	ok := h.connected[pairKey(fromID, toID)]
	h.mu.Unlock()

	if to == nil || !ok {
		return transport.ErrPeerUnreachable
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	to.deliver(transport.Event{Kind: transport.EventMessage, PeerID: fromID, Payload: buf})
	return nil
}

// connectedPeers lists the ids currently connected to the given id.
func (h *Hub) connectedPeers(id string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var peers []string
	for key, ok := range h.connected {
		if !ok {
			continue
		}
		if key[0] == id {
			peers = append(peers, key[1])
		} else if key[1] == id {
			peers = append(peers, key[0])
		}
	}
	return peers
}

// Transport is one endpoint attached to a Hub.
type Transport struct {
	hub         *Hub
	id          string
	displayName string

	mu     sync.Mutex
	disco  bool
	closed bool
	events chan transport.Event
}

// ID returns the transport's identity on the hub.
func (t *Transport) ID() string {
	return t.id
}

// Send delivers bytes to a connected peer.
func (t *Transport) Send(peerID string, data []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()

	if closed {
		return transport.ErrClosed
	}
	return t.hub.send(t.id, peerID, data)
}

// Broadcast delivers bytes to every connected peer.
func (t *Transport) Broadcast(data []byte) error {
	for _, peerID := range t.hub.connectedPeers(t.id) {
		if err := t.Send(peerID, data); err != nil {
			log.Debug().Err(err).Str("peer", peerID).Msg("broadcast send failed")
		}
	}
	return nil
}

// StartDiscovery marks the transport as discovering.
func (t *Transport) StartDiscovery() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return transport.ErrClosed
	}
	t.disco = true
	return nil
}

// StopDiscovery halts discovery event delivery.
func (t *Transport) StopDiscovery() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disco = false
}

// Events is the ordered stream of transport callbacks.
func (t *Transport) Events() <-chan transport.Event {
	return t.events
}

// Close detaches the transport from the hub.
func (t *Transport) Close() error {
	t.hub.Leave(t.id)
	return nil
}

func (t *Transport) discovering() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disco
}

func (t *Transport) deliver(ev transport.Event) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()

	if closed {
		return
	}

	select {
	case t.events <- ev:
	default:
		log.Warn().Str("transport", t.id).Str("kind", ev.Kind.String()).Msg("dropping transport event, consumer busy")
	}
}

func (t *Transport) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
}
