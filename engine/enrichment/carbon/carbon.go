// Package carbon implements the grid carbon-intensity enrichment source:
// gCO2/kWh and a forecast trend, polled from a bearer-authenticated REST
// endpoint.
package carbon

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
	Interval = 15 * time.Minute
	TTL      = 30 * time.Minute
	MaxStale = 2 * time.Hour
)

// Config holds this source's endpoint and bearer credential.
type Config struct {
	BaseURL     string
	BearerToken string
	Client      *http.Client
}

type response struct {
	GCO2PerKWh float64 `json:"gco2_per_kwh"`
	Trend      string  `json:"trend"` // rising|falling|steady
}

type fetcher struct {
	cfg Config
}

func (f fetcher) Fetch(ctx context.Context) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.BaseURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+f.cfg.BearerToken)
	resp, err := f.cfg.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("carbon: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("carbon: unexpected status %d", resp.StatusCode)
	}
	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("carbon: decode response: %w", err)
	}
	return map[string]interface{}{
		"gco2_per_kwh": r.GCO2PerKWh,
		"trend":        r.Trend,
	}, nil
}

// New constructs the carbon intensity enrichment source.
func New(cfg Config, limiter *internalratelimit.AdaptiveRateLimiter, logger logging.Logger, bus events.Bus, provider metrics.Provider) enrichment.Source {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	return enrichment.New(enrichment.Config{
		Name:     "carbon",
		Interval: Interval,
		TTL:      TTL,
		MaxStale: MaxStale,
	}, fetcher{cfg: cfg}, limiter, logger, bus, provider)
}
