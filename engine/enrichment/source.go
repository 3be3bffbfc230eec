// Package enrichment implements the Enrichment Source framework and Joiner.
// Each concrete source (weather, carbon, pricing, airquality, calendar,
// smartmeter) supplies a Fetcher; pollingSource supplies the shared
// scheduling, rate limiting, circuit breaking, and caching behavior all six
// sources share.
package enrichment

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	internalratelimit "github.com/wtthornton/ha-ingestor/engine/internal/ratelimit"
	"github.com/wtthornton/ha-ingestor/engine/models"
	"github.com/wtthornton/ha-ingestor/engine/telemetry/events"
	"github.com/wtthornton/ha-ingestor/engine/telemetry/health"
	"github.com/wtthornton/ha-ingestor/engine/telemetry/logging"
	"github.com/wtthornton/ha-ingestor/engine/telemetry/metrics"
)

// Fetcher performs one source's HTTP call and returns a parsed value map.
// Concrete sources implement only this.
type Fetcher interface {
	Fetch(ctx context.Context) (map[string]interface{}, error)
}

// Source is the shared contract every enrichment source exposes.
type Source interface {
	Name() string
	Start(ctx context.Context) error
	Current() (models.EnrichmentSnapshot, bool)
	Health() models.SourceHealth
	Stop()
	// TriggerSnapshot forces one off-schedule fetch, bypassing the ticker
	// but still subject to the rate limiter and non-overlap guard. It
	// blocks until that fetch completes or ctx is done.
	TriggerSnapshot(ctx context.Context) error
}

// Config is the per-source schedule/cache/breaker configuration (§6 of the
// spec supplies the defaults per source).
type Config struct {
	Name       string
	Interval   time.Duration
	TTL        time.Duration
	MaxStale   time.Duration
	Timeout    time.Duration
	RateLimit  models.RateLimitConfig
	// TokenWait bounds how long a fetch waits for a rate-limit token before
	// being skipped (spec: 30s).
	TokenWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.TokenWait <= 0 {
		c.TokenWait = 30 * time.Second
	}
	return c
}

// pollingSource is the skeleton shared by all six concrete sources: a
// ticker-driven, non-overlapping fetch loop feeding an atomically-swapped
// cache, gated by a shared AdaptiveRateLimiter keyed on the source name.
type pollingSource struct {
	cfg     Config
	fetcher Fetcher
	limiter *internalratelimit.AdaptiveRateLimiter
	logger  logging.Logger
	bus     events.Bus

	snapshot atomic.Pointer[models.EnrichmentSnapshot]

	mu                  sync.Mutex
	inFlight            bool
	consecutiveFailures int
	lastError           string

	fetchCounter  metrics.Counter
	skipCounter   metrics.Counter
	failCounter   metrics.Counter

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// New constructs a polling source sharing limiter across all sources (the
// limiter is keyed per source name internally, so one instance suffices for
// the whole enrichment framework).
func New(cfg Config, fetcher Fetcher, limiter *internalratelimit.AdaptiveRateLimiter, logger logging.Logger, bus events.Bus, provider metrics.Provider) Source {
	cfg = cfg.withDefaults()
	s := &pollingSource{
		cfg:     cfg,
		fetcher: fetcher,
		limiter: limiter,
		logger:  logger,
		bus:     bus,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	if provider != nil {
		s.fetchCounter = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "ha_ingestor", Subsystem: "enrichment", Name: "fetch_total", Help: "Total fetch attempts", Labels: []string{"source", "result"},
		}})
		s.skipCounter = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "ha_ingestor", Subsystem: "enrichment", Name: "skipped_total", Help: "Total skipped ticks", Labels: []string{"source", "reason"},
		}})
		s.failCounter = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "ha_ingestor", Subsystem: "enrichment", Name: "fetch_failures_total", Help: "Total fetch failures", Labels: []string{"source"},
		}})
	}
	return s
}

func (s *pollingSource) Name() string { return s.cfg.Name }

// Start begins periodic polling. It returns immediately; the poll loop runs
// in its own goroutine until Stop is called.
func (s *pollingSource) Start(ctx context.Context) error {
	go s.loop(ctx)
	return nil
}

func (s *pollingSource) loop(ctx context.Context) {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.tick(ctx)
		}
	}
}

// tick runs exactly one fetch attempt, skipping if the previous fetch is
// still in flight (non-overlapping ticks, per spec). It returns the
// fetch's error, if any, so TriggerSnapshot can report it to the caller.
func (s *pollingSource) tick(ctx context.Context) error {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		if s.skipCounter != nil {
			s.skipCounter.Inc(1, s.cfg.Name, "overlap")
		}
		return fmt.Errorf("enrichment: %s: fetch already in flight", s.cfg.Name)
	}
	s.inFlight = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.TokenWait)
	permit, err := s.limiter.Acquire(waitCtx, s.cfg.Name)
	cancel()
	if err != nil {
		if s.skipCounter != nil {
			s.skipCounter.Inc(1, s.cfg.Name, "rate_limited")
		}
		return fmt.Errorf("enrichment: %s: %w", s.cfg.Name, err)
	}
	defer permit.Release()

	fetchCtx, cancel2 := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel2()

	start := time.Now()
	values, ferr := s.fetcher.Fetch(fetchCtx)
	latency := time.Since(start)

	if ferr != nil {
		s.limiter.Feedback(s.cfg.Name, internalratelimit.Feedback{StatusCode: 0, Latency: latency, Err: ferr})
		s.mu.Lock()
		s.consecutiveFailures++
		s.lastError = ferr.Error()
		s.mu.Unlock()
		if s.failCounter != nil {
			s.failCounter.Inc(1, s.cfg.Name)
		}
		if s.fetchCounter != nil {
			s.fetchCounter.Inc(1, s.cfg.Name, "failure")
		}
		if s.logger != nil {
			s.logger.ErrorCtx(ctx, "enrichment fetch failed", "source", s.cfg.Name, "err", ferr.Error())
		}
		return ferr
	}

	s.limiter.Feedback(s.cfg.Name, internalratelimit.Feedback{StatusCode: 200, Latency: latency})
	s.mu.Lock()
	s.consecutiveFailures = 0
	s.lastError = ""
	s.mu.Unlock()
	snap := &models.EnrichmentSnapshot{
		Values:    values,
		FetchedAt: time.Now(),
		TTL:       s.cfg.TTL,
		MaxStale:  s.cfg.MaxStale,
	}
	s.snapshot.Store(snap)
	if s.fetchCounter != nil {
		s.fetchCounter.Inc(1, s.cfg.Name, "success")
	}
	return nil
}

// TriggerSnapshot forces one off-schedule fetch attempt, still subject to
// the shared rate limiter and the non-overlap guard.
func (s *pollingSource) TriggerSnapshot(ctx context.Context) error {
	return s.tick(ctx)
}

// Current returns the last-good snapshot and whether it is fresh. It
// returns (zero, false) if nothing has ever succeeded, or if the cached
// snapshot has passed max_stale.
func (s *pollingSource) Current() (models.EnrichmentSnapshot, bool) {
	p := s.snapshot.Load()
	if p == nil {
		return models.EnrichmentSnapshot{}, false
	}
	snap := *p
	now := time.Now()
	if now.After(snap.ExpiresAt()) {
		return models.EnrichmentSnapshot{}, false
	}
	fresh := now.Before(snap.StaleAfter())
	snap.ConsecutiveFailures = s.currentFailures()
	return snap, fresh
}

func (s *pollingSource) currentFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveFailures
}

// Health reports this source's status derived from consecutive failures and
// the shared limiter's circuit state.
func (s *pollingSource) Health() models.SourceHealth {
	s.mu.Lock()
	failures := s.consecutiveFailures
	lastErr := s.lastError
	s.mu.Unlock()

	circuitState := "closed"
	for _, src := range s.limiter.Snapshot().Sources {
		if src.Source == s.cfg.Name {
			circuitState = src.CircuitState
			break
		}
	}

	status := models.StatusHealthy
	if circuitState == "open" {
		status = models.StatusUnhealthy
	} else if failures > 0 {
		status = models.StatusDegraded
	}

	var fetchedAt time.Time
	var cacheAge time.Duration
	if p := s.snapshot.Load(); p != nil {
		fetchedAt = p.FetchedAt
		cacheAge = time.Since(fetchedAt)
	}

	return models.SourceHealth{
		Name:                s.cfg.Name,
		Status:              status,
		FetchedAt:           fetchedAt,
		CacheAge:            cacheAge,
		ConsecutiveFailures: failures,
		CircuitState:        circuitState,
		LastError:           lastErr,
	}
}

// Stop halts the poll loop and waits for the in-flight tick, if any, to
// finish.
func (s *pollingSource) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

// HealthProbe adapts a Source into a health.Probe for the Supervisor.
func HealthProbe(s Source) health.Probe {
	return health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		h := s.Health()
		switch h.Status {
		case models.StatusHealthy:
			return health.Healthy(s.Name())
		case models.StatusDegraded:
			return health.Degraded(s.Name(), h.LastError)
		default:
			return health.Unhealthy(s.Name(), h.LastError)
		}
	})
}
