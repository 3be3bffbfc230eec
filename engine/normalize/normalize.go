// Package normalize implements the Event Normalizer: it validates each
// RawEvent from the Connection Session and derives the canonical
// NormalizedEvent the rest of the pipeline carries, or rejects the event
// with a counted reason.
package normalize

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/wtthornton/ha-ingestor/engine/models"
	"github.com/wtthornton/ha-ingestor/engine/telemetry/events"
	"github.com/wtthornton/ha-ingestor/engine/telemetry/logging"
	"github.com/wtthornton/ha-ingestor/engine/telemetry/metrics"
)

var entityIDPattern = regexp.MustCompile(`^[a-z_]+\.[a-z0-9_]+$`)

// Rejection reasons, counted but never retried.
const (
	ReasonInvalidEntityID   = "invalid_entity_id"
	ReasonMissingNewState   = "missing_new_state"
	ReasonNullState         = "null_state"
	ReasonInvalidTimestamps = "invalid_timestamps"
)

const (
	maxReasonableDuration = 7 * 24 * time.Hour
)

// Config controls accepted domains and attribute key mapping.
type Config struct {
	// KnownDomains, if non-empty, is the set of domains that do not trigger
	// an "unknown domain" warning (events are still accepted either way).
	KnownDomains map[string]struct{}
}

// RejectedError is returned by Normalize when an event fails validation. The
// Reason is one of the Reason* constants and is the only thing callers
// should count or branch on.
type RejectedError struct {
	Reason string
	Detail string
}

func (e *RejectedError) Error() string { return e.Reason + ": " + e.Detail }

// Normalizer turns RawEvents into NormalizedEvents.
type Normalizer struct {
	cfg     Config
	logger  logging.Logger
	bus     events.Bus
	counter metrics.Counter
}

// New constructs a Normalizer. provider and bus may be nil (metrics/events
// become no-ops); logger nil falls back to slog.Default() via logging.New.
func New(cfg Config, logger logging.Logger, bus events.Bus, provider metrics.Provider) *Normalizer {
	n := &Normalizer{cfg: cfg, logger: logger, bus: bus}
	if provider != nil {
		n.counter = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "ha_ingestor", Subsystem: "normalize", Name: "rejected_total", Help: "Total rejected raw events",
			Labels: []string{"reason"},
		}})
	}
	return n
}

// Normalize validates and derives a NormalizedEvent from a RawEvent. Rules
// are applied in the order the spec defines them; the first violation wins.
func (n *Normalizer) Normalize(ctx context.Context, raw models.RawEvent) (models.NormalizedEvent, error) {
	if !entityIDPattern.MatchString(raw.EntityID) {
		return models.NormalizedEvent{}, n.reject(ctx, ReasonInvalidEntityID, raw.EntityID)
	}
	if raw.NewState == nil {
		return models.NormalizedEvent{}, n.reject(ctx, ReasonMissingNewState, raw.EntityID)
	}
	// State is a plain string: a JSON null state decodes to "", which is
	// accepted like any empty state. There is no null-state check, so
	// Normalize never rejects with ReasonNullState.
	if raw.NewState.LastChanged.IsZero() || raw.NewState.LastUpdated.IsZero() {
		return models.NormalizedEvent{}, n.reject(ctx, ReasonInvalidTimestamps, raw.EntityID)
	}
	if raw.NewState.LastUpdated.Before(raw.NewState.LastChanged) {
		return models.NormalizedEvent{}, n.reject(ctx, ReasonInvalidTimestamps, raw.EntityID)
	}

	domain := raw.EntityID[:strings.IndexByte(raw.EntityID, '.')]
	if len(n.cfg.KnownDomains) > 0 {
		if _, known := n.cfg.KnownDomains[domain]; !known {
			n.warn(ctx, "unknown_domain", raw.EntityID, "domain", domain)
		}
	}

	ne := models.NormalizedEvent{
		RawEvent:   raw,
		Domain:     domain,
		Attributes: raw.NewState.Attributes,
	}
	ne.DeviceClass = stringAttr(raw.NewState.Attributes, "device_class")
	ne.Area = stringAttr(raw.NewState.Attributes, "area")
	ne.DeviceID = stringAttr(raw.NewState.Attributes, "device_id")
	ne.EntityCategory = stringAttr(raw.NewState.Attributes, "entity_category")

	if raw.OldState != nil {
		d := raw.NewState.LastChanged.Sub(raw.OldState.LastChanged).Seconds()
		if d < 0 {
			n.warn(ctx, "negative_duration", raw.EntityID, "seconds", strconv.FormatFloat(d, 'f', -1, 64))
			d = 0
		} else if time.Duration(d*float64(time.Second)) > maxReasonableDuration {
			n.warn(ctx, "implausible_duration", raw.EntityID, "seconds", strconv.FormatFloat(d, 'f', -1, 64))
		}
		ne.DurationInState = &d
	}

	if v, err := strconv.ParseFloat(raw.NewState.State, 64); err == nil {
		ne.NormalizedValue = &v
	}
	if unit := stringAttr(raw.NewState.Attributes, "unit_of_measurement"); unit != nil {
		ne.Unit = unit
	}

	return ne, nil
}

func stringAttr(attrs map[string]interface{}, key string) *string {
	if attrs == nil {
		return nil
	}
	v, ok := attrs[key]
	if !ok {
		return nil
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	return &s
}

func (n *Normalizer) reject(ctx context.Context, reason, entityID string) error {
	if n.counter != nil {
		n.counter.Inc(1, reason)
	}
	if n.bus != nil {
		_ = n.bus.PublishCtx(ctx, events.Event{
			Category: events.CategoryError,
			Type:     "normalize_rejected",
			Severity: "warn",
			Fields:   map[string]interface{}{"reason": reason, "entity_id": entityID},
		})
	}
	return &RejectedError{Reason: reason, Detail: entityID}
}

func (n *Normalizer) warn(ctx context.Context, kind, entityID, fieldKey, fieldVal string) {
	if n.logger != nil {
		n.logger.InfoCtx(ctx, "normalize warning", "kind", kind, "entity_id", entityID, fieldKey, fieldVal)
	}
	if n.bus != nil {
		_ = n.bus.PublishCtx(ctx, events.Event{
			Category: events.CategoryError,
			Type:     kind,
			Severity: "warn",
			Fields:   map[string]interface{}{"entity_id": entityID, fieldKey: fieldVal},
		})
	}
}

// Run consumes RawEvents from in and emits NormalizedEvents to out,
// preserving arrival order (a stronger guarantee than the spec's per-entity
// ordering requirement, achieved by running as a single sequential task —
// the same "one task, bounded channel on each side" shape the rest of the
// pipeline uses). Rejected events are counted and dropped, never forwarded.
// Run returns when in is closed and drained, or ctx is cancelled.
func (n *Normalizer) Run(ctx context.Context, in <-chan models.RawEvent, out chan<- models.NormalizedEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-in:
			if !ok {
				return nil
			}
			ne, err := n.Normalize(ctx, raw)
			if err != nil {
				continue
			}
			select {
			case out <- ne:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
