// Package writer implements the Write Pipeline: it batches EnrichedEvents,
// submits them to the time-series store with retry and bisect-on-rejection
// semantics, and dead-letters whatever it cannot ultimately deliver.
package writer

import (
	"context"
	"time"

	internalwriter "github.com/wtthornton/ha-ingestor/engine/internal/writer"
	"github.com/wtthornton/ha-ingestor/engine/models"
)

// Config mirrors the operator-facing batching/retry/concurrency knobs named
// in the spec's configuration surface.
type Config struct {
	Measurement      string        `yaml:"measurement"`
	MaxPoints        int           `yaml:"max_points"`
	MaxAge           time.Duration `yaml:"max_age"`
	MaxInFlight      int           `yaml:"max_in_flight"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay    time.Duration `yaml:"retry_max_delay"`
	RetryMaxAttempts int           `yaml:"retry_max_attempts"`
	DeadLetterPath   string        `yaml:"dead_letter_path"`
	GracePeriod      time.Duration `yaml:"grace_period"`
}

// StoreConfig configures the HTTP time-series store write endpoint.
type StoreConfig struct {
	URL    string `yaml:"url"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
	Token  string `yaml:"token"`
}

// Pipeline is the public Write Pipeline handle.
type Pipeline struct {
	inner *internalwriter.Pipeline
}

// New constructs a Write Pipeline against the given store.
func New(cfg Config, store StoreConfig) (*Pipeline, error) {
	client := internalwriter.NewHTTPStoreClient(store.URL, store.Org, store.Bucket, store.Token)
	inner, err := internalwriter.New(internalwriter.Config{
		Measurement:      cfg.Measurement,
		MaxPoints:        cfg.MaxPoints,
		MaxAge:           cfg.MaxAge,
		MaxInFlight:      cfg.MaxInFlight,
		RetryBaseDelay:   cfg.RetryBaseDelay,
		RetryMaxDelay:    cfg.RetryMaxDelay,
		RetryMaxAttempts: cfg.RetryMaxAttempts,
		GracePeriod:      cfg.GracePeriod,
	}, client, cfg.DeadLetterPath)
	if err != nil {
		return nil, err
	}
	return &Pipeline{inner: inner}, nil
}

// Run consumes EnrichedEvents until in is closed or ctx is cancelled,
// flushing and gracefully draining on either.
func (p *Pipeline) Run(ctx context.Context, in <-chan models.EnrichedEvent) error {
	return p.inner.Run(ctx, in)
}

// Close releases the dead-letter log's background writer.
func (p *Pipeline) Close() error { return p.inner.Close() }

// Stats reports point-in-time batching/delivery counters.
type Stats = internalwriter.Stats

// Stats returns current counters.
func (p *Pipeline) Stats() Stats { return p.inner.Stats() }
