package engine

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	internalpolicy "github.com/wtthornton/ha-ingestor/engine/internal/telemetry/policy"
	"github.com/wtthornton/ha-ingestor/engine/models"
	"github.com/wtthornton/ha-ingestor/engine/session"
	"github.com/wtthornton/ha-ingestor/engine/writer"
)

// SourceConfig configures one enrichment source's endpoint, credential, and
// rate-limit policy. Interval/TTL/MaxStale are not configurable here — each
// source package fixes its own cadence per the operating spec's table.
type SourceConfig struct {
	Enabled     bool                   `yaml:"enabled"`
	BaseURL     string                 `yaml:"base_url"`
	DeviceURL   string                 `yaml:"device_url,omitempty"`
	APIKey      string                 `yaml:"api_key,omitempty"`
	BearerToken string                 `yaml:"bearer_token,omitempty"`
	OAuth       *CalendarOAuth         `yaml:"oauth,omitempty"`
	RateLimit   models.RateLimitConfig `yaml:"rate_limit"`
}

// CalendarOAuth configures the calendar source's OAuth2 client and durable
// token path.
type CalendarOAuth struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	AuthURL      string `yaml:"auth_url"`
	TokenURL     string `yaml:"token_url"`
	TokenPath    string `yaml:"token_path"`
}

// MaskSecret returns a value safe to echo back to an operator surface:
// empty stays empty, otherwise it's replaced with a fixed mask so the
// secret's length leaks no information either.
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}

// Config is the root configuration for an Engine: one Connection Session,
// one Write Pipeline and store target, and a SourceConfig per enrichment
// source, keyed by source name ("weather", "carbon", "pricing",
// "airquality", "smartmeter", "calendar").
type Config struct {
	Session session.Config          `yaml:"session"`
	Writer  writer.Config           `yaml:"writer"`
	Store   writer.StoreConfig      `yaml:"store"`
	Sources map[string]SourceConfig `yaml:"sources"`

	HealthProbeTTL  time.Duration `yaml:"health_probe_ttl"`
	RestartMaxCount int           `yaml:"restart_max_count"`
	RestartWindow   time.Duration `yaml:"restart_window"`
}

// ParseConfig decodes YAML config bytes, matching the teacher's
// yaml.v3-with-struct-tags convention.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("engine: parse config: %w", err)
	}
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	if c.HealthProbeTTL <= 0 {
		c.HealthProbeTTL = internalpolicy.Default().Health.ProbeTTL
	}
	if c.RestartMaxCount <= 0 {
		c.RestartMaxCount = 5
	}
	if c.RestartWindow <= 0 {
		c.RestartWindow = 60 * time.Second
	}
	if c.Sources == nil {
		c.Sources = map[string]SourceConfig{}
	}
	return c
}
