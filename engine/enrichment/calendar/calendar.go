// Package calendar implements the calendar enrichment source: whether an
// event is currently active and the next upcoming event's start time and
// summary, polled via an OAuth2 refresh-token flow with durable local token
// state.
package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/wtthornton/ha-ingestor/engine/enrichment"
	internalratelimit "github.com/wtthornton/ha-ingestor/engine/internal/ratelimit"
	"github.com/wtthornton/ha-ingestor/engine/telemetry/events"
	"github.com/wtthornton/ha-ingestor/engine/telemetry/logging"
	"github.com/wtthornton/ha-ingestor/engine/telemetry/metrics"
)

const (
	Interval = 15 * time.Minute
	TTL      = 20 * time.Minute
	MaxStale = time.Hour
)

// Config holds the OAuth2 client, the calendar endpoint, and the path the
// refreshed token is persisted to.
type Config struct {
	OAuth      oauth2.Config
	BaseURL    string
	TokenPath  string
	HTTPClient *http.Client
}

type response struct {
	EventActive    bool   `json:"event_active"`
	NextEventStart string `json:"next_event_start"`
	NextEventTitle string `json:"next_event_title"`
}

type fetcher struct {
	cfg   Config
	store *TokenStore
}

// newFetcher checks that a durable token has been persisted and errors if
// none exists; it does not create one. Each Fetch reloads the token, wraps
// it in an oauth2 TokenSource for that call, and saves it back when the
// access token changed.
func newFetcher(cfg Config) (*fetcher, error) {
	store := NewTokenStore(cfg.TokenPath)
	tok, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("calendar: load token: %w", err)
	}
	if tok == nil {
		return nil, fmt.Errorf("calendar: no token at %s; initial OAuth2 exchange must be completed out of band", cfg.TokenPath)
	}
	return &fetcher{cfg: cfg, store: store}, nil
}

func (f *fetcher) Fetch(ctx context.Context) (map[string]interface{}, error) {
	tok, err := f.store.Load()
	if err != nil {
		return nil, fmt.Errorf("calendar: load token: %w", err)
	}
	ts := f.cfg.OAuth.TokenSource(ctx, tok)
	fresh, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("calendar: refresh token: %w", err)
	}
	if fresh.AccessToken != tok.AccessToken {
		if err := f.store.Save(fresh); err != nil {
			return nil, fmt.Errorf("calendar: persist refreshed token: %w", err)
		}
	}

	client := f.cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.BaseURL, nil)
	if err != nil {
		return nil, err
	}
	fresh.SetAuthHeader(req)
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calendar: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("calendar: unexpected status %d", resp.StatusCode)
	}
	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("calendar: decode response: %w", err)
	}
	return map[string]interface{}{
		"event_active":     r.EventActive,
		"next_event_start": r.NextEventStart,
		"next_event_title": r.NextEventTitle,
	}, nil
}

// New constructs the calendar enrichment source. It returns an error if no
// token has ever been persisted at cfg.TokenPath — the initial OAuth2
// authorization-code exchange is an out-of-band operator step, not
// something the source performs itself.
func New(cfg Config, limiter *internalratelimit.AdaptiveRateLimiter, logger logging.Logger, bus events.Bus, provider metrics.Provider) (enrichment.Source, error) {
	f, err := newFetcher(cfg)
	if err != nil {
		return nil, err
	}
	return enrichment.New(enrichment.Config{
		Name:     "calendar",
		Interval: Interval,
		TTL:      TTL,
		MaxStale: MaxStale,
	}, f, limiter, logger, bus, provider), nil
}
