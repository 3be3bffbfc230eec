// Package models holds the data types shared across the ingestion pipeline:
// the raw event as received from the hub, the normalized and enriched forms
// derived from it, and the wire/storage shapes the write pipeline produces.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Origin distinguishes a locally-originated state change from one reported
// by a remote integration.
type Origin string

const (
	OriginLocal  Origin = "LOCAL"
	OriginRemote Origin = "REMOTE"
)

// EventContext carries the causal chain of an event: its own id, the id of
// the event that caused it (if any), and the user responsible (if any).
type EventContext struct {
	ID       string  `json:"id"`
	ParentID *string `json:"parent_id,omitempty"`
	UserID   *string `json:"user_id,omitempty"`
}

// State is a hub entity state snapshot.
type State struct {
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// RawEvent is the decoded form of a single state_changed message as received
// over the Connection Session, before normalization.
type RawEvent struct {
	EventType  string       `json:"event_type"`
	EntityID   string       `json:"entity_id"`
	TimeFired  time.Time    `json:"time_fired"`
	Origin     Origin       `json:"origin"`
	Context    EventContext `json:"context"`
	OldState   *State       `json:"old_state"`
	NewState   *State       `json:"new_state"`
	Raw        []byte       `json:"-"`
	ReceivedAt time.Time    `json:"-"`
}

// NormalizedEvent is the validated, flattened record the Event Normalizer
// produces from a RawEvent.
type NormalizedEvent struct {
	RawEvent

	Domain          string                 `json:"domain"`
	DeviceClass     *string                `json:"device_class,omitempty"`
	Area            *string                `json:"area,omitempty"`
	DeviceID        *string                `json:"device_id,omitempty"`
	EntityCategory  *string                `json:"entity_category,omitempty"`
	DurationInState *float64               `json:"duration_in_state,omitempty"`
	NormalizedValue *float64               `json:"normalized_value,omitempty"`
	Unit            *string                `json:"unit,omitempty"`
	Attributes      map[string]interface{} `json:"attributes,omitempty"`
}

// EnrichmentRecord is a single source's contribution to an EnrichedEvent:
// its source-defined value payload plus freshness metadata, captured at the
// moment the event passed through the Joiner.
type EnrichmentRecord struct {
	Values map[string]interface{} `json:"values"`
	AsOf   time.Time               `json:"as_of"`
	Fresh  bool                    `json:"fresh"`
}

// EnrichedEvent is a NormalizedEvent joined with zero or more enrichment
// records, keyed by source name, ready for batching and write.
type EnrichedEvent struct {
	Event       NormalizedEvent             `json:"event"`
	Enrichments map[string]EnrichmentRecord `json:"enrichments,omitempty"`
}

// IdempotencyKey derives the write-dedup key for this event: a hash of the
// entity id, the fired timestamp, and the causal context id. Two deliveries
// of the same underlying state change (e.g. after a reconnect-driven replay)
// hash to the same key regardless of enrichment content.
func (e EnrichedEvent) IdempotencyKey() string {
	return IdempotencyKey(e.Event.EntityID, e.Event.TimeFired, e.Event.Context.ID)
}

// IdempotencyKey computes the write-dedup key from its three inputs directly,
// for callers (store client, dead-letter log) that only have the raw fields.
func IdempotencyKey(entityID string, timeFired time.Time, contextID string) string {
	h := sha256.New()
	h.Write([]byte(entityID))
	h.Write([]byte{0})
	h.Write([]byte(timeFired.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte{0})
	h.Write([]byte(contextID))
	return hex.EncodeToString(h.Sum(nil))
}

// EnrichmentSnapshot is a source's cached last-good observation, owned
// exclusively by that source. Consumers of current() receive a copy.
type EnrichmentSnapshot struct {
	Values              map[string]interface{} `json:"values"`
	FetchedAt            time.Time              `json:"fetched_at"`
	TTL                  time.Duration          `json:"ttl"`
	MaxStale             time.Duration          `json:"max_stale"`
	ConsecutiveFailures  int                    `json:"consecutive_failures"`
}

// StaleAfter returns the instant at which this snapshot stops being fresh.
func (s EnrichmentSnapshot) StaleAfter() time.Time { return s.FetchedAt.Add(s.TTL) }

// ExpiresAt returns the instant beyond which current() must no longer
// return this snapshot at all.
func (s EnrichmentSnapshot) ExpiresAt() time.Time { return s.FetchedAt.Add(s.MaxStale) }

// WriteBatch is an ordered sequence of EnrichedEvents destined for one
// measurement in the store.
type WriteBatch struct {
	Measurement string          `json:"measurement"`
	Events      []EnrichedEvent `json:"events"`
	FormedAt    time.Time       `json:"formed_at"`
	Attempt     int             `json:"attempt"`
}

// DeadLetterRecord is the persisted shape for a point the Write Pipeline
// gave up retrying.
type DeadLetterRecord struct {
	IdempotencyKey string    `json:"idempotency_key"`
	Measurement    string    `json:"measurement"`
	EntityID       string    `json:"entity_id"`
	Reason         string    `json:"reason"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

// ComponentStatus is the health state of a single supervised component.
type ComponentStatus int

const (
	StatusUnknown ComponentStatus = iota
	StatusHealthy
	StatusDegraded
	StatusUnhealthy
)

func (s ComponentStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// SourceHealth is the health view of a single enrichment source or other
// supervised component.
type SourceHealth struct {
	Name                string          `json:"name"`
	Status              ComponentStatus `json:"status"`
	FetchedAt           time.Time       `json:"fetched_at,omitempty"`
	CacheAge            time.Duration   `json:"cache_age"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	CircuitState        string          `json:"circuit_state"`
	LastError           string          `json:"last_error,omitempty"`
	Restarts            int             `json:"restarts"`
}

// HealthView is the read-only aggregate health snapshot exposed by the
// Engine facade to the operator surface.
type HealthView struct {
	Overall            ComponentStatus         `json:"overall"`
	Components         map[string]SourceHealth `json:"components"`
	LastEventAt        time.Time               `json:"last_event_at,omitempty"`
	LastSuccessfulWrite time.Time              `json:"last_successful_write,omitempty"`
	EventRate          float64                 `json:"event_rate"`
	BatchPending       int                     `json:"batch_pending"`
	AsOf               time.Time               `json:"as_of"`
}

// RateLimitConfig configures a per-source token-bucket limiter and its
// circuit breaker, adapted from an AIMD per-domain limiter to be keyed per
// enrichment source name instead.
type RateLimitConfig struct {
	Enabled             bool    `json:"enabled" yaml:"enabled"`
	InitialRPS          float64 `json:"initial_rps" yaml:"initial_rps"`
	MinRPS              float64 `json:"min_rps" yaml:"min_rps"`
	MaxRPS              float64 `json:"max_rps" yaml:"max_rps"`
	TokenBucketCapacity float64 `json:"token_bucket_capacity" yaml:"token_bucket_capacity"`

	AIMDIncrease         float64       `json:"aimd_increase" yaml:"aimd_increase"`
	AIMDDecrease         float64       `json:"aimd_decrease" yaml:"aimd_decrease"`
	LatencyTarget        time.Duration `json:"latency_target" yaml:"latency_target"`
	LatencyDegradeFactor float64       `json:"latency_degrade_factor" yaml:"latency_degrade_factor"`

	ErrorRateThreshold       float64       `json:"error_rate_threshold" yaml:"error_rate_threshold"`
	MinSamplesToTrip         int           `json:"min_samples_to_trip" yaml:"min_samples_to_trip"`
	ConsecutiveFailThreshold int           `json:"consecutive_fail_threshold" yaml:"consecutive_fail_threshold"`
	OpenStateDuration        time.Duration `json:"open_state_duration" yaml:"open_state_duration"`
	HalfOpenProbes           int           `json:"half_open_probes" yaml:"half_open_probes"`

	RetryBaseDelay   time.Duration `json:"retry_base_delay" yaml:"retry_base_delay"`
	RetryMaxDelay    time.Duration `json:"retry_max_delay" yaml:"retry_max_delay"`
	RetryMaxAttempts int           `json:"retry_max_attempts" yaml:"retry_max_attempts"`

	StatsWindow    time.Duration `json:"stats_window" yaml:"stats_window"`
	StatsBucket    time.Duration `json:"stats_bucket" yaml:"stats_bucket"`
	SourceStateTTL time.Duration `json:"source_state_ttl" yaml:"source_state_ttl"`
	Shards         int           `json:"shards" yaml:"shards"`
}

// Domain errors.
var (
	ErrInvalidEntityID   = errors.New("invalid_entity_id")
	ErrMissingNewState   = errors.New("new_state is required for state_changed")
	ErrNullState         = errors.New("new_state.state must not be null")
	ErrInvalidTimestamps = errors.New("last_updated must not precede last_changed")
	ErrSourceUnavailable = errors.New("enrichment source unavailable")
	ErrBreakerOpen       = errors.New("circuit breaker open")
	ErrStoreWriteFailed  = errors.New("store write failed")
	ErrBatchRejected     = errors.New("store rejected batch")
)
