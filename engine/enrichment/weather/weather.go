// Package weather implements the weather enrichment source: current
// temperature, humidity, condition, and wind speed from a REST forecast
// endpoint authenticated with an API-key query parameter.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	internalratelimit "github.com/wtthornton/ha-ingestor/engine/internal/ratelimit"
	"github.com/wtthornton/ha-ingestor/engine/enrichment"
	"github.com/wtthornton/ha-ingestor/engine/telemetry/events"
	"github.com/wtthornton/ha-ingestor/engine/telemetry/logging"
	"github.com/wtthornton/ha-ingestor/engine/telemetry/metrics"
)

const (
	Interval = 15 * time.Minute
	TTL      = 30 * time.Minute
	MaxStale = 2 * time.Hour
)

// Config holds this source's endpoint and credential.
type Config struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

type response struct {
	TemperatureC float64 `json:"temperature_c"`
	HumidityPct  float64 `json:"humidity_pct"`
	Condition    string  `json:"condition"`
	WindSpeedKPH float64 `json:"wind_speed_kph"`
}

type fetcher struct {
	cfg Config
}

func (f fetcher) Fetch(ctx context.Context) (map[string]interface{}, error) {
	u, err := url.Parse(f.cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("weather: invalid base url: %w", err)
	}
	q := u.Query()
	q.Set("api_key", f.cfg.APIKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.cfg.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("weather: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("weather: unexpected status %d", resp.StatusCode)
	}
	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("weather: decode response: %w", err)
	}
	return map[string]interface{}{
		"temperature_c":  r.TemperatureC,
		"humidity_pct":   r.HumidityPct,
		"condition":      r.Condition,
		"wind_speed_kph": r.WindSpeedKPH,
	}, nil
}

// New constructs the weather enrichment source.
func New(cfg Config, limiter *internalratelimit.AdaptiveRateLimiter, logger logging.Logger, bus events.Bus, provider metrics.Provider) enrichment.Source {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	return enrichment.New(enrichment.Config{
		Name:     "weather",
		Interval: Interval,
		TTL:      TTL,
		MaxStale: MaxStale,
	}, fetcher{cfg: cfg}, limiter, logger, bus, provider)
}
