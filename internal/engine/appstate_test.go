package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateIdle, StateDiscovering, true},
		{StateIdle, StateConnected, false},
		{StateDiscovering, StateConnected, true},
		{StateDiscovering, StateIdle, true},
		{StateConnected, StateTransmitting, true},
		{StateConnected, StateIdle, true},
		{StateConnected, StateDiscovering, false},
		{StateTransmitting, StateConnected, true},
		{StateTransmitting, StateIdle, false},
		{StateError, StateIdle, true},
		{StateError, StateDiscovering, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransitionTo(tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestAnyStateCanEnterError(t *testing.T) {
	for _, s := range AllStates() {
		if s == StateError {
			assert.False(t, s.CanTransitionTo(StateError))
			continue
		}
		assert.True(t, s.CanTransitionTo(StateError), "%s -> error", s)
	}
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "discovering", StateDiscovering.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "transmitting", StateTransmitting.String())
	assert.Equal(t, "error", StateError.String())
}
