// Package pricing implements the electricity pricing enrichment source:
// current price per kWh and pricing tier, polled from a day-ahead pricing
// endpoint with optional bearer auth.
package pricing

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
	Interval = 60 * time.Minute
	TTL      = 90 * time.Minute
	MaxStale = 6 * time.Hour
)

// Tier enumerates the recognized pricing tiers.
const (
	TierOffPeak  = "off_peak"
	TierStandard = "standard"
	TierPeak     = "peak"
)

// Config holds this source's endpoint and optional bearer credential.
type Config struct {
	BaseURL     string
	BearerToken string // optional
	Client      *http.Client
}

type response struct {
	PricePerKWh float64 `json:"price_per_kwh"`
	Tier        string  `json:"tier"`
}

type fetcher struct {
	cfg Config
}

func (f fetcher) Fetch(ctx context.Context) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.BaseURL, nil)
	if err != nil {
		return nil, err
	}
	if f.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+f.cfg.BearerToken)
	}
	resp, err := f.cfg.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pricing: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pricing: unexpected status %d", resp.StatusCode)
	}
	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("pricing: decode response: %w", err)
	}
	return map[string]interface{}{
		"price_per_kwh": r.PricePerKWh,
		"tier":          r.Tier,
	}, nil
}

// New constructs the electricity pricing enrichment source.
func New(cfg Config, limiter *internalratelimit.AdaptiveRateLimiter, logger logging.Logger, bus events.Bus, provider metrics.Provider) enrichment.Source {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	return enrichment.New(enrichment.Config{
		Name:     "pricing",
		Interval: Interval,
		TTL:      TTL,
		MaxStale: MaxStale,
	}, fetcher{cfg: cfg}, limiter, logger, bus, provider)
}
