package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/wtthornton/ha-ingestor/engine/models"
)

// FrameKind enumerates the message-bus frame kinds this client recognizes.
type FrameKind string

const (
	FrameAuthRequired FrameKind = "auth_required"
	FrameAuthOK       FrameKind = "auth_ok"
	FrameAuthInvalid  FrameKind = "auth_invalid"
	FrameResult       FrameKind = "result"
	FrameEvent        FrameKind = "event"
	FramePing         FrameKind = "ping"
)

// envelope is the superset of fields across all recognized frame kinds.
type envelope struct {
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	ID      int             `json:"id,omitempty"`
	Event   json.RawMessage `json:"event,omitempty"`
}

type eventPayload struct {
	EventType string              `json:"event_type"`
	TimeFired string              `json:"time_fired"`
	Origin    string              `json:"origin"`
	Context   models.EventContext `json:"context"`
	Data      struct {
		EntityID string        `json:"entity_id"`
		OldState *wireState    `json:"old_state"`
		NewState *wireState    `json:"new_state"`
	} `json:"data"`
}

type wireState struct {
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged string                 `json:"last_changed"`
	LastUpdated string                 `json:"last_updated"`
}

// DecodeFrame classifies a raw message-bus frame by kind. Unknown kinds
// return ("", env, false) with the decoded envelope, and malformed JSON
// returns ("", nil, false), so the caller can log and count them without
// treating the connection as broken.
func DecodeFrame(raw []byte) (FrameKind, *envelope, bool) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, false
	}
	switch FrameKind(env.Type) {
	case FrameAuthRequired, FrameAuthOK, FrameAuthInvalid, FrameResult, FrameEvent, FramePing:
		return FrameKind(env.Type), &env, true
	default:
		return "", &env, false
	}
}

// DecodeEvent parses the event payload of a "event" frame into a RawEvent.
// Timestamps are expected in RFC3339.
func DecodeEvent(env *envelope) (models.RawEvent, error) {
	var ep eventPayload
	if err := json.Unmarshal(env.Event, &ep); err != nil {
		return models.RawEvent{}, fmt.Errorf("decode event payload: %w", err)
	}
	raw := models.RawEvent{
		EventType: ep.EventType,
		EntityID:  ep.Data.EntityID,
		Origin:    models.Origin(ep.Origin),
		Context:   ep.Context,
	}
	if t, err := parseTime(ep.TimeFired); err == nil {
		raw.TimeFired = t
	}
	raw.OldState = toState(ep.Data.OldState)
	raw.NewState = toState(ep.Data.NewState)
	return raw, nil
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func toState(w *wireState) *models.State {
	if w == nil {
		return nil
	}
	s := &models.State{State: w.State, Attributes: w.Attributes}
	if t, err := parseTime(w.LastChanged); err == nil {
		s.LastChanged = t
	}
	if t, err := parseTime(w.LastUpdated); err == nil {
		s.LastUpdated = t
	}
	return s
}
