package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIdempotencyKeyStableAndDistinct(t *testing.T) {
	fired := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	k1 := IdempotencyKey("light.kitchen", fired, "ctx-1")
	k2 := IdempotencyKey("light.kitchen", fired, "ctx-1")
	assert.Equal(t, k1, k2, "same inputs must hash to the same key")

	k3 := IdempotencyKey("light.kitchen", fired, "ctx-2")
	assert.NotEqual(t, k1, k3, "different context id must change the key")

	k4 := IdempotencyKey("light.kitchen", fired.Add(time.Second), "ctx-1")
	assert.NotEqual(t, k1, k4, "different fired time must change the key")
}

func TestEnrichedEventIdempotencyKeyDelegates(t *testing.T) {
	fired := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	ee := EnrichedEvent{Event: NormalizedEvent{RawEvent: RawEvent{
		EntityID:  "sensor.outdoor",
		TimeFired: fired,
		Context:   EventContext{ID: "ctx-9"},
	}}}
	assert.Equal(t, IdempotencyKey("sensor.outdoor", fired, "ctx-9"), ee.IdempotencyKey())
}

func TestEnrichmentSnapshotFreshStaleExpired(t *testing.T) {
	now := time.Now()
	snap := EnrichmentSnapshot{FetchedAt: now, TTL: time.Minute, MaxStale: 2 * time.Minute}

	assert.True(t, now.Before(snap.StaleAfter()))
	assert.True(t, now.Before(snap.ExpiresAt()))

	past := EnrichmentSnapshot{FetchedAt: now.Add(-3 * time.Minute), TTL: time.Minute, MaxStale: 2 * time.Minute}
	assert.True(t, now.After(past.StaleAfter()), "snapshot older than ttl should be stale")
	assert.True(t, now.After(past.ExpiresAt()), "snapshot older than max_stale should be expired")
}

func TestComponentStatusString(t *testing.T) {
	cases := map[ComponentStatus]string{
		StatusUnknown:   "unknown",
		StatusHealthy:   "healthy",
		StatusDegraded:  "degraded",
		StatusUnhealthy: "unhealthy",
	}
	for status, want := range cases {
		assert.Equal(t, want, status.String())
	}
}
