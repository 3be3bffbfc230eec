// Package airquality implements the air-quality enrichment source: AQI,
// PM2.5, PM10, and dominant pollutant, polled from an API-key-header
// authenticated endpoint.
package airquality

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

// Config holds this source's endpoint and API key header credential.
type Config struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

type response struct {
	AQI               float64 `json:"aqi"`
	PM25              float64 `json:"pm25"`
	PM10              float64 `json:"pm10"`
	DominantPollutant string  `json:"dominant_pollutant"`
}

type fetcher struct {
	cfg Config
}

func (f fetcher) Fetch(ctx context.Context) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.BaseURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-Key", f.cfg.APIKey)
	resp, err := f.cfg.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("airquality: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("airquality: unexpected status %d", resp.StatusCode)
	}
	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("airquality: decode response: %w", err)
	}
	return map[string]interface{}{
		"aqi":                r.AQI,
		"pm25":               r.PM25,
		"pm10":               r.PM10,
		"dominant_pollutant": r.DominantPollutant,
	}, nil
}

// New constructs the air quality enrichment source.
func New(cfg Config, limiter *internalratelimit.AdaptiveRateLimiter, logger logging.Logger, bus events.Bus, provider metrics.Provider) enrichment.Source {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	return enrichment.New(enrichment.Config{
		Name:     "airquality",
		Interval: Interval,
		TTL:      TTL,
		MaxStale: MaxStale,
	}, fetcher{cfg: cfg}, limiter, logger, bus, provider)
}
