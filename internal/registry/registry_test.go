package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/earshot/earshot/internal/clock"
	"github.com/earshot/earshot/internal/estimator"
	"github.com/earshot/earshot/internal/ranging"
	"github.com/earshot/earshot/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *clock.Fake) {
	t.Helper()
	est, err := estimator.New(estimator.DefaultConfig())
	require.NoError(t, err)
	clk := clock.NewFake(time.Unix(1000, 0))
	return New(est, clk, 60*time.Second), clk
}

func TestUpsertDiscovered(t *testing.T) {
	reg, clk := newTestRegistry(t)

	p := reg.UpsertDiscovered("p1", "Alice", -60)
	assert.Equal(t, "Alice", p.DisplayName)
	assert.Equal(t, -60, p.RSSI)
	assert.Equal(t, ConnDisconnected, p.Connection)
	assert.Equal(t, clk.Now(), p.LastSeen)

	// Second hit keeps identity, refreshes metadata.
	clk.Advance(time.Second)
	p = reg.UpsertDiscovered("p1", "", -55)
	assert.Equal(t, "Alice", p.DisplayName)
	assert.Equal(t, -55, p.RSSI)
	assert.Len(t, reg.List(), 1)
}

func TestConnectionLifecycle(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.UpsertDiscovered("p1", "Alice", -60)

	require.NoError(t, reg.MarkConnecting("p1"))
	require.NoError(t, reg.MarkConnected("p1", ""))

	p, ok := reg.Get("p1")
	require.True(t, ok)
	assert.True(t, p.IsConnected())

	// Inbound session with no prior discovery still works.
	require.NoError(t, reg.MarkConnected("p2", "Bob"))
	p, ok = reg.Get("p2")
	require.True(t, ok)
	assert.True(t, p.IsConnected())
	assert.Equal(t, "Bob", p.DisplayName)

	// Connecting an unknown peer is rejected.
	var terr *TransitionError
	assert.ErrorAs(t, reg.MarkConnecting("ghost"), &terr)
}

func TestDisconnectRemovesUnpaired(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.UpsertDiscovered("p1", "Alice", -60)
	require.NoError(t, reg.MarkConnected("p1", ""))

	removed := reg.MarkDisconnected("p1")
	assert.True(t, removed)
	_, ok := reg.Get("p1")
	assert.False(t, ok)

	// Unknown peer tolerated.
	assert.False(t, reg.MarkDisconnected("p1"))
}

func TestDisconnectRetainsPaired(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.UpsertDiscovered("p1", "Alice", -60)
	require.NoError(t, reg.MarkConnected("p1", ""))
	require.NoError(t, reg.SetPairingState("p1", PairingPending))
	require.NoError(t, reg.SetPairingState("p1", PairingPaired))

	reg.ApplyDistanceUpdate("p1", -70, ranging.SourceSignalStrength)

	removed := reg.MarkDisconnected("p1")
	assert.False(t, removed)

	p, ok := reg.Get("p1")
	require.True(t, ok)
	assert.Equal(t, ConnDisconnected, p.Connection)
	assert.Equal(t, PairingPaired, p.Pairing)
	assert.Zero(t, p.Distance)
	assert.Equal(t, estimator.LevelUnknown, p.Level)
	assert.Zero(t, p.Volume)
}

func TestPairingTransitionsEnforced(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.UpsertDiscovered("p1", "Alice", -60)

	// none -> paired is illegal.
	var terr *TransitionError
	assert.ErrorAs(t, reg.SetPairingState("p1", PairingPaired), &terr)

	require.NoError(t, reg.SetPairingState("p1", PairingPending))
	// Re-applying the current state is a no-op.
	require.NoError(t, reg.SetPairingState("p1", PairingPending))
	require.NoError(t, reg.SetPairingState("p1", PairingPaired))

	p, _ := reg.Get("p1")
	assert.False(t, p.PairedAt.IsZero())
}

func TestApplyDistanceUpdateSignal(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.UpsertDiscovered("p1", "Alice", -60)

	// -70 dBm with measured power -50 and exponent 2.0 is 10 m.
	p, ok := reg.ApplyDistanceUpdate("p1", -70, ranging.SourceSignalStrength)
	require.True(t, ok)
	assert.InDelta(t, 10.0, p.Distance, 0.01)
	assert.Equal(t, estimator.LevelVeryFar, p.Level)
	assert.Equal(t, ranging.SourceSignalStrength, p.Provider)
	assert.Equal(t, -70, p.RSSI)

	// Unknown peer is ignored.
	_, ok = reg.ApplyDistanceUpdate("ghost", -70, ranging.SourceSignalStrength)
	assert.False(t, ok)
}

func TestApplyDistanceUpdatePrecise(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.UpsertDiscovered("p1", "Alice", -60)

	p, ok := reg.ApplyDistanceUpdate("p1", 2.5, ranging.SourcePrecise)
	require.True(t, ok)
	assert.InDelta(t, 2.5, p.Distance, 0.001)
	assert.Equal(t, estimator.LevelNear, p.Level)
	assert.Equal(t, ranging.SourcePrecise, p.Provider)
}

func TestSelectExclusive(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.UpsertDiscovered("p1", "Alice", -60)
	reg.UpsertDiscovered("p2", "Bob", -60)

	reg.Select("p1")
	p1, _ := reg.Get("p1")
	assert.True(t, p1.Selected)

	reg.Select("p2")
	p1, _ = reg.Get("p1")
	p2, _ := reg.Get("p2")
	assert.False(t, p1.Selected)
	assert.True(t, p2.Selected)

	// Selecting the selected peer toggles it off.
	reg.Select("p2")
	p2, _ = reg.Get("p2")
	assert.False(t, p2.Selected)
}

func TestPurgeStale(t *testing.T) {
	reg, clk := newTestRegistry(t)
	reg.UpsertDiscovered("stale", "S", -60)
	reg.UpsertDiscovered("fresh", "F", -60)
	reg.UpsertDiscovered("conn", "C", -60)
	require.NoError(t, reg.MarkConnected("conn", ""))
	reg.UpsertDiscovered("paired", "P", -60)
	require.NoError(t, reg.SetPairingState("paired", PairingPending))
	require.NoError(t, reg.SetPairingState("paired", PairingPaired))

	clk.Advance(45 * time.Second)
	reg.Touch("fresh")
	clk.Advance(30 * time.Second)

	removed := reg.PurgeStale()
	assert.ElementsMatch(t, []string{"stale"}, removed)

	_, ok := reg.Get("fresh")
	assert.True(t, ok)
	_, ok = reg.Get("conn")
	assert.True(t, ok)
	_, ok = reg.Get("paired")
	assert.True(t, ok)
}

func TestRehydrate(t *testing.T) {
	reg, _ := newTestRegistry(t)
	pairedAt := time.Unix(500, 0)
	reg.Rehydrate([]store.PairedDevice{
		{ID: "p1", Name: "Alice", PairedAt: pairedAt},
	})

	p, ok := reg.Get("p1")
	require.True(t, ok)
	assert.Equal(t, PairingPaired, p.Pairing)
	assert.Equal(t, ConnDisconnected, p.Connection)
	assert.Equal(t, "Alice", p.DisplayName)
	assert.Equal(t, pairedAt, p.PairedAt)
	assert.Equal(t, estimator.LevelUnknown, p.Level)
}

func TestObserverNotified(t *testing.T) {
	reg, _ := newTestRegistry(t)
	var seen []Peer
	reg.SetObserver(func(p Peer) { seen = append(seen, p) })

	reg.UpsertDiscovered("p1", "Alice", -60)
	require.NoError(t, reg.MarkConnected("p1", ""))
	reg.ApplyDistanceUpdate("p1", 2.0, ranging.SourcePrecise)

	require.Len(t, seen, 3)
	assert.Equal(t, ConnConnected, seen[1].Connection)
	assert.InDelta(t, 2.0, seen[2].Distance, 0.001)
}

func TestListReturnsCopies(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.UpsertDiscovered("p1", "Alice", -60)

	list := reg.List()
	require.Len(t, list, 1)
	list[0].DisplayName = "mutated"

	p, _ := reg.Get("p1")
	assert.Equal(t, "Alice", p.DisplayName)
}
