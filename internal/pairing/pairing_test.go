package pairing

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/earshot/earshot/internal/clock"
	"github.com/earshot/earshot/internal/estimator"
	"github.com/earshot/earshot/internal/registry"
	"github.com/earshot/earshot/internal/store"
	"github.com/earshot/earshot/pkg/proto"
)

type sent struct {
	peerID string
	msg    proto.Message
}

type fixture struct {
	reg    *registry.Registry
	st     *store.Memory
	clk    *clock.Fake
	mgr    *Manager
	sent   []sent
	events []Event
	fail   bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	est, err := estimator.New(estimator.DefaultConfig())
	require.NoError(t, err)

	f := &fixture{
		st:  store.NewMemory(),
		clk: clock.NewFake(time.Unix(1000, 0)),
	}
	f.reg = registry.New(est, f.clk, time.Minute)
	f.mgr = New(f.reg, f.st, func(peerID string, msg proto.Message) error {
		if f.fail {
			return errors.New("send failed")
		}
		f.sent = append(f.sent, sent{peerID, msg})
		return nil
	}, f.clk, "LocalDevice")
	f.mgr.SetEventFunc(func(ev Event) { f.events = append(f.events, ev) })
	return f
}

func (f *fixture) connect(t *testing.T, id, name string) {
	t.Helper()
	f.reg.UpsertDiscovered(id, name, -60)
	require.NoError(t, f.reg.MarkConnected(id, ""))
}

func (f *fixture) pairingState(t *testing.T, id string) registry.PairingState {
	t.Helper()
	p, ok := f.reg.Get(id)
	require.True(t, ok)
	return p.Pairing
}

func TestRequestAndAcceptFlow(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "p1", "Alice")

	require.NoError(t, f.mgr.Request("p1"))
	assert.Equal(t, registry.PairingPending, f.pairingState(t, "p1"))
	require.Len(t, f.sent, 1)
	assert.Equal(t, proto.TypePairingRequest, f.sent[0].msg.Type)
	assert.Equal(t, "LocalDevice", f.sent[0].msg.Payload[proto.KeyName])

	f.mgr.HandleMessage("p1", proto.New(proto.TypePairingAccept, nil, f.clk.Now()))
	assert.Equal(t, registry.PairingPaired, f.pairingState(t, "p1"))

	devices, err := f.st.Load()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "p1", devices[0].ID)
	assert.Equal(t, "Alice", devices[0].Name)

	// The timeout must not fire after completion.
	f.clk.Advance(time.Minute)
	assert.Equal(t, registry.PairingPaired, f.pairingState(t, "p1"))
}

func TestRequestTimeout(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "p1", "Alice")

	require.NoError(t, f.mgr.Request("p1"))
	f.clk.Advance(29 * time.Second)
	assert.Equal(t, registry.PairingPending, f.pairingState(t, "p1"))

	f.clk.Advance(2 * time.Second)
	assert.Equal(t, registry.PairingNone, f.pairingState(t, "p1"))

	devices, err := f.st.Load()
	require.NoError(t, err)
	assert.Empty(t, devices)

	last := f.events[len(f.events)-1]
	assert.Equal(t, registry.PairingNone, last.State)
}

func TestRequestNotConnected(t *testing.T) {
	f := newFixture(t)
	f.reg.UpsertDiscovered("p1", "Alice", -60)

	assert.ErrorIs(t, f.mgr.Request("p1"), ErrNotConnected)
	assert.ErrorIs(t, f.mgr.Request("ghost"), ErrNotConnected)
}

func TestRequestSendFailureReverts(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "p1", "Alice")
	f.fail = true

	require.Error(t, f.mgr.Request("p1"))
	assert.Equal(t, registry.PairingNone, f.pairingState(t, "p1"))
}

func TestInboundRequestAndAccept(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "p1", "")

	req := proto.New(proto.TypePairingRequest, map[string]string{proto.KeyName: "Alice"}, f.clk.Now())
	f.mgr.HandleMessage("p1", req)

	assert.Equal(t, "p1", f.mgr.InboundPeer())
	assert.Equal(t, registry.PairingPending, f.pairingState(t, "p1"))
	require.NotEmpty(t, f.events)
	assert.True(t, f.events[len(f.events)-1].Inbound)

	p, _ := f.reg.Get("p1")
	assert.Equal(t, "Alice", p.DisplayName)

	require.NoError(t, f.mgr.Accept("p1"))
	assert.Equal(t, registry.PairingPaired, f.pairingState(t, "p1"))
	assert.Empty(t, f.mgr.InboundPeer())
	assert.Equal(t, proto.TypePairingAccept, f.sent[len(f.sent)-1].msg.Type)

	// Accept again is a no-op.
	require.NoError(t, f.mgr.Accept("p1"))
}

func TestSecondInboundRequestDropped(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "p1", "Alice")
	f.connect(t, "p2", "Bob")

	f.mgr.HandleMessage("p1", proto.New(proto.TypePairingRequest, nil, f.clk.Now()))
	f.mgr.HandleMessage("p2", proto.New(proto.TypePairingRequest, nil, f.clk.Now()))

	assert.Equal(t, "p1", f.mgr.InboundPeer())
	assert.Equal(t, registry.PairingPending, f.pairingState(t, "p1"))
	assert.Equal(t, registry.PairingNone, f.pairingState(t, "p2"))
	// No reject goes out; the requester's own timeout handles it.
	assert.Empty(t, f.sent)
}

func TestRejectInbound(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "p1", "Alice")

	f.mgr.HandleMessage("p1", proto.New(proto.TypePairingRequest, nil, f.clk.Now()))
	require.NoError(t, f.mgr.Reject("p1"))

	assert.Equal(t, registry.PairingNone, f.pairingState(t, "p1"))
	assert.Empty(t, f.mgr.InboundPeer())
	assert.Equal(t, proto.TypePairingReject, f.sent[len(f.sent)-1].msg.Type)
}

func TestOutboundRejectedByPeer(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "p1", "Alice")

	require.NoError(t, f.mgr.Request("p1"))
	f.mgr.HandleMessage("p1", proto.New(proto.TypePairingReject, nil, f.clk.Now()))

	assert.Equal(t, registry.PairingNone, f.pairingState(t, "p1"))

	devices, err := f.st.Load()
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestUnpair(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "p1", "Alice")

	require.NoError(t, f.mgr.Request("p1"))
	f.mgr.HandleMessage("p1", proto.New(proto.TypePairingAccept, nil, f.clk.Now()))
	require.NoError(t, f.mgr.Unpair("p1"))

	assert.Equal(t, registry.PairingNone, f.pairingState(t, "p1"))
	devices, err := f.st.Load()
	require.NoError(t, err)
	assert.Empty(t, devices)
	assert.Equal(t, proto.TypeDisconnect, f.sent[len(f.sent)-1].msg.Type)
}

func TestUnpairNotPairedNoop(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "p1", "Alice")

	require.NoError(t, f.mgr.Unpair("p1"))
	require.NoError(t, f.mgr.Unpair("ghost"))
	assert.Empty(t, f.sent)
}

func TestDisconnectClearsPending(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "p1", "Alice")

	require.NoError(t, f.mgr.Request("p1"))
	f.mgr.OnPeerDisconnected("p1")
	f.reg.MarkDisconnected("p1")

	// The timeout must not fire against a reused id later.
	f.clk.Advance(time.Minute)

	f.connect(t, "p1", "Alice")
	assert.Equal(t, registry.PairingNone, f.pairingState(t, "p1"))
}

func TestDisconnectClearsInboundSlot(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "p1", "Alice")
	f.connect(t, "p2", "Bob")

	f.mgr.HandleMessage("p1", proto.New(proto.TypePairingRequest, nil, f.clk.Now()))
	f.mgr.OnPeerDisconnected("p1")
	f.reg.MarkDisconnected("p1")

	// The slot is free again for another peer.
	f.mgr.HandleMessage("p2", proto.New(proto.TypePairingRequest, nil, f.clk.Now()))
	assert.Equal(t, "p2", f.mgr.InboundPeer())
}

func TestCrossedRequestTimeoutFreesInboundSlot(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "p1", "Alice")
	f.connect(t, "p2", "Bob")

	// Both sides request each other: our outbound request is pending
	// when p1's own request arrives and takes the inbound slot.
	require.NoError(t, f.mgr.Request("p1"))
	f.mgr.HandleMessage("p1", proto.New(proto.TypePairingRequest, map[string]string{proto.KeyName: "Alice"}, f.clk.Now()))
	assert.Equal(t, "p1", f.mgr.InboundPeer())

	f.clk.Advance(31 * time.Second)
	assert.Equal(t, registry.PairingNone, f.pairingState(t, "p1"))
	assert.Empty(t, f.mgr.InboundPeer())

	// The freed slot surfaces the next request.
	f.mgr.HandleMessage("p2", proto.New(proto.TypePairingRequest, nil, f.clk.Now()))
	assert.Equal(t, "p2", f.mgr.InboundPeer())
	assert.Equal(t, registry.PairingPending, f.pairingState(t, "p2"))
}

func TestOnPeerConnectedTouchesPersisted(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "p1", "Alice")
	require.NoError(t, f.mgr.Request("p1"))
	f.mgr.HandleMessage("p1", proto.New(proto.TypePairingAccept, nil, f.clk.Now()))

	f.clk.Advance(time.Hour)
	f.mgr.OnPeerConnected("p1")

	devices, err := f.st.Load()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.NotNil(t, devices[0].LastConnected)
	assert.Equal(t, f.clk.Now(), *devices[0].LastConnected)
}
