package ws

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/earshot/earshot/internal/transport"
)

func waitEvent(t *testing.T, tr *Transport, kind transport.EventKind) transport.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-tr.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v", kind)
		}
	}
}

func TestDialAndExchange(t *testing.T) {
	server := New("server-peer")
	require.NoError(t, server.Listen("127.0.0.1:0"))
	defer server.Close()

	client := New("client-peer")
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Dial(ctx, "ws://"+server.Addr()+"/mesh"))

	ev := waitEvent(t, server, transport.EventPeerConnected)
	assert.Equal(t, "client-peer", ev.PeerID)
	ev = waitEvent(t, client, transport.EventPeerConnected)
	assert.Equal(t, "server-peer", ev.PeerID)

	require.NoError(t, client.Send("server-peer", []byte(`{"type":"heartbeat","ts":1}`)))
	msg := waitEvent(t, server, transport.EventMessage)
	assert.Equal(t, "client-peer", msg.PeerID)
	assert.JSONEq(t, `{"type":"heartbeat","ts":1}`, string(msg.Payload))

	require.NoError(t, server.Send("client-peer", []byte("reply")))
	msg = waitEvent(t, client, transport.EventMessage)
	assert.Equal(t, []byte("reply"), msg.Payload)
}

func TestSendToUnknownPeer(t *testing.T) {
	tr := New("lonely")
	assert.ErrorIs(t, tr.Send("nobody", []byte("x")), transport.ErrPeerUnreachable)
}

func TestDisconnectEvents(t *testing.T) {
	server := New("server-peer")
	require.NoError(t, server.Listen("127.0.0.1:0"))
	defer server.Close()

	client := New("client-peer")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Dial(ctx, "ws://"+server.Addr()+"/mesh"))

	waitEvent(t, server, transport.EventPeerConnected)
	waitEvent(t, client, transport.EventPeerConnected)

	require.NoError(t, client.Close())
	ev := waitEvent(t, server, transport.EventPeerDisconnected)
	assert.Equal(t, "client-peer", ev.PeerID)
}
