// Package ws implements the mesh transport boundary over WebSocket.
// It is the reference transport the engine runs against outside of
// tests; radio transports (BLE, UWB-capable mesh stacks) plug in at
// the same boundary.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/earshot/earshot/internal/transport"
)

const (
	eventBuffer  = 128
	writeTimeout = 10 * time.Second
	helloTimeout = 5 * time.Second
)

// hello is the first frame on every connection, identifying the peer.
type hello struct {
	Name string `json:"name"`
}

// Transport is a WebSocket-backed mesh transport. Each peer runs an
// HTTP listener for inbound sessions and dials outbound sessions to
// known peer URLs.
type Transport struct {
	name string

	mu     sync.Mutex
	disco  bool
	closed bool
	addr   string
	conns  map[string]*peerConn
	server *http.Server
	events chan transport.Event
}

type peerConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (pc *peerConn) write(messageType int, data []byte) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	pc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return pc.conn.WriteMessage(messageType, data)
}

// New creates a Transport identifying itself with the given name.
func New(name string) *Transport {
	return &Transport{
		name:   name,
		conns:  make(map[string]*peerConn),
		events: make(chan transport.Event, eventBuffer),
	}
}

// Listen starts accepting inbound sessions on addr. Non-blocking.
func (t *Transport) Listen(addr string) error {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Peer identity comes from the hello frame, not the origin.
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/mesh", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		t.handleConn(conn, false)
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	t.mu.Lock()
	t.server = &http.Server{Handler: mux}
	t.addr = ln.Addr().String()
	server := t.server
	t.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("addr", addr).Msg("websocket listener failed")
		}
	}()

	log.Info().Str("addr", ln.Addr().String()).Msg("websocket transport listening")
	return nil
}

// Addr returns the bound listen address, empty before Listen.
func (t *Transport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addr
}

// Dial connects to a peer's /mesh endpoint.
func (t *Transport) Dial(ctx context.Context, url string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	go t.handleConn(conn, true)
	return nil
}

// handleConn exchanges hello frames and runs the read loop. The
// initiator sends its hello first; the acceptor replies.
func (t *Transport) handleConn(conn *websocket.Conn, initiator bool) {
	self, err := json.Marshal(hello{Name: t.name})
	if err != nil {
		conn.Close()
		return
	}

	conn.SetReadDeadline(time.Now().Add(helloTimeout))

	var peerName string
	if initiator {
		if err := conn.WriteMessage(websocket.TextMessage, self); err != nil {
			conn.Close()
			return
		}
		peerName, err = readHello(conn)
	} else {
		peerName, err = readHello(conn)
		if err == nil {
			err = conn.WriteMessage(websocket.TextMessage, self)
		}
	}
	if err != nil || peerName == "" || peerName == t.name {
		log.Warn().Err(err).Str("peer", peerName).Msg("websocket hello failed")
		conn.Close()
		return
	}

	conn.SetReadDeadline(time.Time{})

	pc := &peerConn{conn: conn}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return
	}
	if existing, ok := t.conns[peerName]; ok {
		// One session per peer; the newer one wins.
		existing.conn.Close()
	}
	t.conns[peerName] = pc
	t.mu.Unlock()

	t.deliver(transport.Event{Kind: transport.EventPeerFound, PeerID: peerName, DisplayName: peerName})
	t.deliver(transport.Event{Kind: transport.EventPeerConnected, PeerID: peerName, DisplayName: peerName})

	t.readLoop(peerName, pc)
}

func readHello(conn *websocket.Conn) (string, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}
	var h hello
	if err := json.Unmarshal(data, &h); err != nil {
		return "", fmt.Errorf("parse hello: %w", err)
	}
	return h.Name, nil
}

func (t *Transport) readLoop(peerName string, pc *peerConn) {
	for {
		_, data, err := pc.conn.ReadMessage()
		if err != nil {
			break
		}
		t.deliver(transport.Event{Kind: transport.EventMessage, PeerID: peerName, Payload: data})
	}

	pc.conn.Close()

	t.mu.Lock()
	if t.conns[peerName] == pc {
		delete(t.conns, peerName)
	}
	closed := t.closed
	t.mu.Unlock()

	if !closed {
		t.deliver(transport.Event{Kind: transport.EventPeerDisconnected, PeerID: peerName})
		t.deliver(transport.Event{Kind: transport.EventPeerLost, PeerID: peerName})
	}
}

// Send delivers bytes to a connected peer.
func (t *Transport) Send(peerID string, data []byte) error {
	t.mu.Lock()
	pc, ok := t.conns[peerID]
	closed := t.closed
	t.mu.Unlock()

	if closed {
		return transport.ErrClosed
	}
	if !ok {
		return transport.ErrPeerUnreachable
	}
	if err := pc.write(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send to %s: %w", peerID, err)
	}
	return nil
}

// Broadcast delivers bytes to every connected peer.
func (t *Transport) Broadcast(data []byte) error {
	t.mu.Lock()
	peers := make([]string, 0, len(t.conns))
	for name := range t.conns {
		peers = append(peers, name)
	}
	t.mu.Unlock()

	for _, peerID := range peers {
		if err := t.Send(peerID, data); err != nil {
			log.Debug().Err(err).Str("peer", peerID).Msg("broadcast send failed")
		}
	}
	return nil
}

// StartDiscovery marks the transport as discovering. WebSocket has no
// radio scan; peers appear as sessions are dialed or accepted.
func (t *Transport) StartDiscovery() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return transport.ErrClosed
	}
	t.disco = true
	return nil
}

// StopDiscovery is a no-op beyond clearing the discovery flag.
func (t *Transport) StopDiscovery() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disco = false
}

// Events is the ordered stream of transport callbacks.
func (t *Transport) Events() <-chan transport.Event {
	return t.events
}

// Close shuts down the listener and all sessions.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	server := t.server
	conns := make([]*peerConn, 0, len(t.conns))
	for _, pc := range t.conns {
		conns = append(conns, pc)
	}
	t.conns = make(map[string]*peerConn)
	t.mu.Unlock()

	for _, pc := range conns {
		pc.conn.Close()
	}
	if server != nil {
		return server.Close()
	}
	return nil
}

func (t *Transport) deliver(ev transport.Event) {
	select {
	case t.events <- ev:
	default:
		log.Warn().Str("kind", ev.Kind.String()).Msg("dropping transport event, consumer busy")
	}
}
