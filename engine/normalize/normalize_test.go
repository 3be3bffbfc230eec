package normalize

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wtthornton/ha-ingestor/engine/models"
)

func validRaw() models.RawEvent {
	now := time.Now()
	return models.RawEvent{
		EntityID:  "light.kitchen",
		TimeFired: now,
		Context:   models.EventContext{ID: "ctx-1"},
		NewState: &models.State{
			State:       "23.5",
			Attributes:  map[string]interface{}{"unit_of_measurement": "C", "device_class": "temperature"},
			LastChanged: now.Add(-time.Minute),
			LastUpdated: now,
		},
	}
}

func TestNormalizeAcceptsValidEvent(t *testing.T) {
	n := New(Config{}, nil, nil, nil)
	ne, err := n.Normalize(context.Background(), validRaw())
	require.NoError(t, err)
	assert.Equal(t, "light", ne.Domain)
	require.NotNil(t, ne.NormalizedValue)
	assert.Equal(t, 23.5, *ne.NormalizedValue)
	require.NotNil(t, ne.Unit)
	assert.Equal(t, "C", *ne.Unit)
	require.NotNil(t, ne.DeviceClass)
	assert.Equal(t, "temperature", *ne.DeviceClass)
}

func TestNormalizeRejectsInvalidEntityID(t *testing.T) {
	n := New(Config{}, nil, nil, nil)
	raw := validRaw()
	raw.EntityID = "not-an-entity-id"
	_, err := n.Normalize(context.Background(), raw)
	require.Error(t, err)
	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonInvalidEntityID, rej.Reason)
}

func TestNormalizeRejectsMissingNewState(t *testing.T) {
	n := New(Config{}, nil, nil, nil)
	raw := validRaw()
	raw.NewState = nil
	_, err := n.Normalize(context.Background(), raw)
	require.Error(t, err)
	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonMissingNewState, rej.Reason)
}

func TestNormalizeRejectsInvalidTimestamps(t *testing.T) {
	n := New(Config{}, nil, nil, nil)
	raw := validRaw()
	raw.NewState.LastUpdated = raw.NewState.LastChanged.Add(-time.Second)
	_, err := n.Normalize(context.Background(), raw)
	require.Error(t, err)
	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonInvalidTimestamps, rej.Reason)
}

func TestNormalizeComputesDurationInState(t *testing.T) {
	n := New(Config{}, nil, nil, nil)
	now := time.Now()
	raw := validRaw()
	raw.OldState = &models.State{LastChanged: now.Add(-5 * time.Minute)}
	raw.NewState.LastChanged = now
	ne, err := n.Normalize(context.Background(), raw)
	require.NoError(t, err)
	require.NotNil(t, ne.DurationInState)
	assert.InDelta(t, 300, *ne.DurationInState, 1)
}

func TestNormalizeClampsNegativeDuration(t *testing.T) {
	n := New(Config{}, nil, nil, nil)
	now := time.Now()
	raw := validRaw()
	raw.OldState = &models.State{LastChanged: now.Add(5 * time.Minute)}
	raw.NewState.LastChanged = now
	ne, err := n.Normalize(context.Background(), raw)
	require.NoError(t, err)
	require.NotNil(t, ne.DurationInState)
	assert.Equal(t, 0.0, *ne.DurationInState)
}

func TestRunForwardsNormalizedAndDropsRejected(t *testing.T) {
	n := New(Config{}, nil, nil, nil)
	in := make(chan models.RawEvent, 2)
	out := make(chan models.NormalizedEvent, 2)

	bad := validRaw()
	bad.EntityID = "bad"
	in <- bad
	in <- validRaw()
	close(in)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := n.Run(ctx, in, out)
	require.NoError(t, err)
	require.Len(t, out, 1)
	ne := <-out
	assert.Equal(t, "light", ne.Domain)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	n := New(Config{}, nil, nil, nil)
	in := make(chan models.RawEvent)
	out := make(chan models.NormalizedEvent)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx, in, out) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}
