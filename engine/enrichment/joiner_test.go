package enrichment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wtthornton/ha-ingestor/engine/models"
)

func TestJoinerAttachesFreshSnapshots(t *testing.T) {
	weather := New(Config{Name: "weather", Interval: time.Hour, TTL: time.Minute, MaxStale: time.Hour},
		&stubFetcher{value: map[string]interface{}{"temperature_c": 10.0}}, unlimitedLimiter(), nil, nil, nil)
	require.NoError(t, weather.TriggerSnapshot(context.Background()))

	j := NewJoiner(weather)
	ee := j.Join(models.NormalizedEvent{RawEvent: models.RawEvent{EntityID: "light.kitchen"}})

	require.Contains(t, ee.Enrichments, "weather")
	assert.True(t, ee.Enrichments["weather"].Fresh)
	assert.Equal(t, 10.0, ee.Enrichments["weather"].Values["temperature_c"])
}

func TestJoinerOmitsSourceWithNoSnapshot(t *testing.T) {
	weather := New(Config{Name: "weather", Interval: time.Hour, TTL: time.Minute, MaxStale: time.Hour},
		&stubFetcher{value: map[string]interface{}{}}, unlimitedLimiter(), nil, nil, nil)

	j := NewJoiner(weather)
	ee := j.Join(models.NormalizedEvent{RawEvent: models.RawEvent{EntityID: "light.kitchen"}})

	assert.NotContains(t, ee.Enrichments, "weather")
}

func TestJoinerWithNoSourcesLeavesEnrichmentsNil(t *testing.T) {
	j := NewJoiner()
	ee := j.Join(models.NormalizedEvent{RawEvent: models.RawEvent{EntityID: "light.kitchen"}})
	assert.Nil(t, ee.Enrichments)
}

func TestJoinerRunForwardsUntilStop(t *testing.T) {
	j := NewJoiner()
	in := make(chan models.NormalizedEvent, 1)
	out := make(chan models.EnrichedEvent, 1)
	stopCh := make(chan struct{})

	done := make(chan struct{})
	go func() { j.Run(in, out, stopCh); close(done) }()

	in <- models.NormalizedEvent{RawEvent: models.RawEvent{EntityID: "sensor.x"}}
	select {
	case ee := <-out:
		assert.Equal(t, "sensor.x", ee.Event.EntityID)
	case <-time.After(time.Second):
		t.Fatal("expected joined event")
	}

	close(stopCh)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after stopCh closed")
	}
}
