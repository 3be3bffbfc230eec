// Package smartmeter implements the home's main smart-meter enrichment
// source: instantaneous power draw and cumulative energy, polled from a
// device-local endpoint identified by IP and API key.
package smartmeter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/wtthornton/ha-ingestor/engine/enrichment"
	internalratelimit "github.com/wtthornton/ha-ingestor/engine/internal/ratelimit"
	"github.com/wtthornton/ha-ingestor/engine/telemetry/events"
	"github.com/wtthornton/ha-ingestor/engine/telemetry/logging"
	"github.com/wtthornton/ha-ingestor/engine/telemetry/metrics"
)

const (
	Interval = 5 * time.Minute
	TTL      = 10 * time.Minute
	MaxStale = 30 * time.Minute
)

// Config holds this source's device address and API key.
type Config struct {
	DeviceURL string // e.g. http://192.168.1.40/api/v1/reading
	APIKey    string
	Client    *http.Client
}

type response struct {
	PowerW        float64 `json:"power_w"`
	CumulativeKWh float64 `json:"cumulative_kwh"`
}

type fetcher struct {
	cfg Config
}

func (f fetcher) Fetch(ctx context.Context) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.DeviceURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-Key", f.cfg.APIKey)
	resp, err := f.cfg.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("smartmeter: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("smartmeter: unexpected status %d", resp.StatusCode)
	}
	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("smartmeter: decode response: %w", err)
	}
	return map[string]interface{}{
		"power_w":        r.PowerW,
		"cumulative_kwh": r.CumulativeKWh,
	}, nil
}

// New constructs the smart meter enrichment source.
func New(cfg Config, limiter *internalratelimit.AdaptiveRateLimiter, logger logging.Logger, bus events.Bus, provider metrics.Provider) enrichment.Source {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 5 * time.Second}
	}
	return enrichment.New(enrichment.Config{
		Name:     "smartmeter",
		Interval: Interval,
		TTL:      TTL,
		MaxStale: MaxStale,
	}, fetcher{cfg: cfg}, limiter, logger, bus, provider)
}
