package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextValidTransitions(t *testing.T) {
	cases := []struct {
		from State
		t    Trigger
		want State
	}{
		{Disconnected, TriggerStart, Connecting},
		{Connecting, TriggerTransportOpen, Authenticating},
		{Connecting, TriggerTransportError, Reconnecting},
		{Authenticating, TriggerAuthAccepted, Subscribing},
		{Authenticating, TriggerAuthRejected, Reconnecting},
		{Subscribing, TriggerSubscribeConfirmed, Subscribed},
		{Subscribed, TriggerMissedHeartbeat, Reconnecting},
		{Subscribed, TriggerServerClose, Reconnecting},
		{Reconnecting, TriggerBackoffElapsed, Connecting},
	}
	for _, c := range cases {
		got, ok := Next(c.from, c.t)
		assert.True(t, ok, "transition from %s should be valid", c.from)
		assert.Equal(t, c.want, got)
	}
}

func TestNextInvalidTransitionLeavesStateUnchanged(t *testing.T) {
	got, ok := Next(Disconnected, TriggerAuthAccepted)
	assert.False(t, ok)
	assert.Equal(t, Disconnected, got)
}

func TestNextShutdownAlwaysReachesStopped(t *testing.T) {
	for _, from := range []State{Disconnected, Connecting, Authenticating, Subscribing, Subscribed, Reconnecting} {
		got, ok := Next(from, TriggerShutdown)
		assert.True(t, ok)
		assert.Equal(t, Stopped, got)
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		Disconnected:   "disconnected",
		Connecting:     "connecting",
		Authenticating: "authenticating",
		Subscribing:    "subscribing",
		Subscribed:     "subscribed",
		Reconnecting:   "reconnecting",
		Stopped:        "stopped",
		State(99):      "unknown",
	}
	for s, want := range cases {
		assert.Equal(t, want, s.String())
	}
}
