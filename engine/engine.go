// Package engine wires the Connection Session, Event Normalizer, Enrichment
// Sources, Joiner, and Write Pipeline into one supervised process, and
// exposes the operator-facing facade described by the external interfaces.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/wtthornton/ha-ingestor/engine/enrichment"
	"github.com/wtthornton/ha-ingestor/engine/enrichment/airquality"
	"github.com/wtthornton/ha-ingestor/engine/enrichment/calendar"
	"github.com/wtthornton/ha-ingestor/engine/enrichment/carbon"
	"github.com/wtthornton/ha-ingestor/engine/enrichment/pricing"
	"github.com/wtthornton/ha-ingestor/engine/enrichment/smartmeter"
	"github.com/wtthornton/ha-ingestor/engine/enrichment/weather"
	internalratelimit "github.com/wtthornton/ha-ingestor/engine/internal/ratelimit"
	internalpolicy "github.com/wtthornton/ha-ingestor/engine/internal/telemetry/policy"
	internaltracing "github.com/wtthornton/ha-ingestor/engine/internal/telemetry/tracing"
	"github.com/wtthornton/ha-ingestor/engine/models"
	"github.com/wtthornton/ha-ingestor/engine/normalize"
	"github.com/wtthornton/ha-ingestor/engine/session"
	"github.com/wtthornton/ha-ingestor/engine/supervisor"
	"github.com/wtthornton/ha-ingestor/engine/telemetry/events"
	"github.com/wtthornton/ha-ingestor/engine/telemetry/health"
	"github.com/wtthornton/ha-ingestor/engine/telemetry/logging"
	"github.com/wtthornton/ha-ingestor/engine/telemetry/metrics"
	"github.com/wtthornton/ha-ingestor/engine/writer"
)

// componentSession, componentNormalizer, componentJoiner, componentWriter
// name the fixed pipeline stages in the Supervisor's component list; source
// names (e.g. "weather") are added alongside them.
const (
	componentSession    = "session"
	componentNormalizer = "normalizer"
	componentJoiner     = "joiner"
	componentWriter     = "writer"
)

// Engine owns one end-to-end ingestion pipeline: a Connection Session feeding
// a Normalizer feeding a Joiner (fed by a set of Enrichment Sources) feeding
// a Write Pipeline, all restart-supervised.
type Engine struct {
	cfg Config

	logger   logging.Logger
	bus      events.Bus
	provider *metrics.PrometheusProvider
	health   *health.Evaluator
	policy   internalpolicy.TelemetryPolicy
	tracer   internaltracing.Tracer

	sess       *session.Session
	normalizer *normalize.Normalizer
	limiter    *internalratelimit.AdaptiveRateLimiter
	sources    map[string]enrichment.Source
	joiner     *enrichment.Joiner
	pipeline   *writer.Pipeline
	sup        *supervisor.Supervisor

	rawCh        chan models.RawEvent
	normalizedCh chan models.NormalizedEvent
	enrichedCh   chan models.EnrichedEvent

	startedAt time.Time

	cfgOverrideMu sync.RWMutex
	cfgOverrides  map[string]SourceConfig
}

// New constructs an Engine from cfg. It wires every configured, enabled
// enrichment source; a source with a calendar OAuth2 token that has never
// been persisted is omitted from the set with a logged warning rather than
// failing the whole Engine, since its initial authorization is necessarily
// an out-of-band operator action.
func New(cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()

	pol := internalpolicy.Default().Normalize()
	tracer := internaltracing.NewAdaptiveTracer(func() float64 { return pol.Tracing.SamplePercent })

	logger := logging.New(nil)
	provider := metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
	bus := events.NewBus(provider)

	sess := session.New(cfg.Session, logger, bus, provider)
	normalizer := normalize.New(normalize.Config{}, logger, bus, provider)

	limiter := internalratelimit.NewAdaptiveRateLimiter(sharedRateLimitConfig(cfg.Sources))

	sources, err := buildSources(cfg.Sources, limiter, logger, bus, provider)
	if err != nil {
		return nil, err
	}

	sourceList := make([]enrichment.Source, 0, len(sources))
	for _, s := range sources {
		sourceList = append(sourceList, s)
	}
	joiner := enrichment.NewJoiner(sourceList...)

	pipeline, err := writer.New(cfg.Writer, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("engine: construct write pipeline: %w", err)
	}

	e := &Engine{
		cfg:          cfg,
		logger:       logger,
		bus:          bus,
		provider:     provider,
		policy:       pol,
		tracer:       tracer,
		sess:         sess,
		normalizer:   normalizer,
		limiter:      limiter,
		sources:      sources,
		joiner:       joiner,
		pipeline:     pipeline,
		rawCh:        make(chan models.RawEvent, 256),
		normalizedCh: make(chan models.NormalizedEvent, 256),
		enrichedCh:   make(chan models.EnrichedEvent, 256),
		cfgOverrides: make(map[string]SourceConfig),
	}
	e.sup = supervisor.New(supervisor.Config{MaxRestarts: cfg.RestartMaxCount, RestartWindow: cfg.RestartWindow}, logger, e.components())

	probes := []health.Probe{health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		switch sess.State() {
		case session.Subscribed:
			return health.Healthy(componentSession)
		case session.Stopped:
			return health.Unhealthy(componentSession, "stopped")
		default:
			return health.Degraded(componentSession, sess.State().String())
		}
	})}
	for _, s := range sources {
		probes = append(probes, enrichment.HealthProbe(s))
	}
	probes = append(probes,
		e.supervisedComponentProbe(componentNormalizer),
		e.supervisedComponentProbe(componentJoiner),
		e.writerProbe(),
	)
	e.health = health.NewEvaluator(cfg.HealthProbeTTL, probes...)

	return e, nil
}

// supervisedComponentProbe reports a component's health straight from the
// Supervisor's restart bookkeeping: Unknown/Healthy map to healthy,
// Degraded (mid-restart) to degraded, Unhealthy (restart budget exhausted)
// to unhealthy.
func (e *Engine) supervisedComponentProbe(name string) health.Probe {
	return health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		switch e.sup.Status(name) {
		case models.StatusUnhealthy:
			return health.Unhealthy(name, "restart budget exhausted")
		case models.StatusDegraded:
			return health.Degraded(name, "restarting")
		default:
			return health.Healthy(name)
		}
	})
}

// writerProbe additionally degrades/fails on the age of the Write
// Pipeline's last successful store write, independent of the Supervisor's
// restart status: a pipeline that is still running but can no longer reach
// the store (no restart, just failing writes) must still surface as
// unhealthy within the operating thresholds.
const (
	writerDegradedAfter  = 60 * time.Second
	writerUnhealthyAfter = 5 * time.Minute
)

func (e *Engine) writerProbe() health.Probe {
	return health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		if status := e.sup.Status(componentWriter); status == models.StatusUnhealthy {
			return health.Unhealthy(componentWriter, "restart budget exhausted")
		}

		last := e.pipeline.Stats().LastSuccessfulAt
		if last.IsZero() {
			return health.Degraded(componentWriter, "no successful write yet")
		}
		age := time.Since(last)
		switch {
		case age >= writerUnhealthyAfter:
			return health.Unhealthy(componentWriter, fmt.Sprintf("no successful write in %s", age.Round(time.Second)))
		case age >= writerDegradedAfter:
			return health.Degraded(componentWriter, fmt.Sprintf("no successful write in %s", age.Round(time.Second)))
		default:
			return health.Healthy(componentWriter)
		}
	})
}

// sharedRateLimitConfig picks the rate-limit policy the single shared
// limiter runs with. The limiter shards its bookkeeping per source name
// internally, so one policy governs every enrichment source; per-source
// RateLimit blocks in config exist for forward compatibility but the first
// enabled, non-zero one found wins.
func sharedRateLimitConfig(sources map[string]SourceConfig) models.RateLimitConfig {
	for _, sc := range sources {
		if sc.Enabled && sc.RateLimit.InitialRPS > 0 {
			return sc.RateLimit
		}
	}
	return models.RateLimitConfig{
		Enabled:             true,
		InitialRPS:          1,
		MinRPS:              0.1,
		MaxRPS:              5,
		TokenBucketCapacity: 5,
	}
}

func calendarOAuthConfig(c CalendarOAuth) oauth2.Config {
	return oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint:     oauth2.Endpoint{AuthURL: c.AuthURL, TokenURL: c.TokenURL},
	}
}

func buildSources(cfgs map[string]SourceConfig, limiter *internalratelimit.AdaptiveRateLimiter, logger logging.Logger, bus events.Bus, provider metrics.Provider) (map[string]enrichment.Source, error) {
	out := make(map[string]enrichment.Source, len(cfgs))

	if sc, ok := cfgs["weather"]; ok && sc.Enabled {
		out["weather"] = weather.New(weather.Config{BaseURL: sc.BaseURL, APIKey: sc.APIKey}, limiter, logger, bus, provider)
	}
	if sc, ok := cfgs["carbon"]; ok && sc.Enabled {
		out["carbon"] = carbon.New(carbon.Config{BaseURL: sc.BaseURL, BearerToken: sc.BearerToken}, limiter, logger, bus, provider)
	}
	if sc, ok := cfgs["pricing"]; ok && sc.Enabled {
		out["pricing"] = pricing.New(pricing.Config{BaseURL: sc.BaseURL, BearerToken: sc.BearerToken}, limiter, logger, bus, provider)
	}
	if sc, ok := cfgs["airquality"]; ok && sc.Enabled {
		out["airquality"] = airquality.New(airquality.Config{BaseURL: sc.BaseURL, APIKey: sc.APIKey}, limiter, logger, bus, provider)
	}
	if sc, ok := cfgs["smartmeter"]; ok && sc.Enabled {
		out["smartmeter"] = smartmeter.New(smartmeter.Config{DeviceURL: sc.DeviceURL, APIKey: sc.APIKey}, limiter, logger, bus, provider)
	}
	if sc, ok := cfgs["calendar"]; ok && sc.Enabled && sc.OAuth != nil {
		cal, err := calendar.New(calendar.Config{
			OAuth:     calendarOAuthConfig(*sc.OAuth),
			BaseURL:   sc.BaseURL,
			TokenPath: sc.OAuth.TokenPath,
		}, limiter, logger, bus, provider)
		if err != nil {
			if logger != nil {
				logger.ErrorCtx(context.Background(), "calendar source disabled: no durable token yet", "err", err.Error())
			}
		} else {
			out["calendar"] = cal
		}
	}
	return out, nil
}

// components returns the Supervisor's component list in this order: the
// Connection Session, the Normalizer, every enrichment source (in map
// order), the Joiner, and the Write Pipeline last. Supervisor.Start launches
// them all at once without waiting on any of them, so no component is
// guaranteed to be running before another starts producing.
func (e *Engine) components() []supervisor.Component {
	comps := []supervisor.Component{
		{Name: componentSession, Run: e.traced(componentSession, func(ctx context.Context) error {
			go e.forwardRawEvents(ctx)
			return e.sess.Run(ctx)
		})},
		{Name: componentNormalizer, Run: e.traced(componentNormalizer, func(ctx context.Context) error {
			return e.normalizer.Run(ctx, e.rawCh, e.normalizedCh)
		})},
	}
	for name, src := range e.sources {
		name, src := name, src
		comps = append(comps, supervisor.Component{Name: name, Run: e.traced(name, func(ctx context.Context) error {
			// Start only launches the source's internal poll loop and
			// returns immediately; block here so the Supervisor sees this
			// component as running for as long as ctx is live, not exited.
			if err := src.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return ctx.Err()
		})})
	}
	comps = append(comps,
		supervisor.Component{Name: componentJoiner, Run: e.traced(componentJoiner, func(ctx context.Context) error {
			stopCh := make(chan struct{})
			go func() { <-ctx.Done(); close(stopCh) }()
			e.joiner.Run(e.normalizedCh, e.enrichedCh, stopCh)
			return nil
		})},
		supervisor.Component{Name: componentWriter, Run: e.traced(componentWriter, func(ctx context.Context) error {
			return e.pipeline.Run(ctx, e.enrichedCh)
		})},
	)
	return comps
}

// traced wraps a component's Run function with a span covering its entire
// supervised lifetime, sampled per the telemetry policy's tracing rate.
func (e *Engine) traced(name string, run func(ctx context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		ctx, span := e.tracer.StartSpan(ctx, "component."+name)
		defer span.End()
		return run(ctx)
	}
}

func (e *Engine) forwardRawEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-e.sess.Events():
			if !ok {
				return
			}
			select {
			case e.rawCh <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Start launches every supervised component and returns immediately.
func (e *Engine) Start(ctx context.Context) {
	e.startedAt = time.Now()
	e.sup.Start(ctx)
}

// Stop does not cancel anything itself: it waits for every supervised
// component to return, which happens once the context passed to Start is
// cancelled, then closes the write pipeline's dead-letter writer and stops
// the sources and the session.
func (e *Engine) Stop() {
	e.sup.Wait()
	_ = e.pipeline.Close()
	for _, s := range e.sources {
		s.Stop()
	}
	e.sess.Stop()
}

// Health rolls up the Supervisor and health.Evaluator views into the
// operator-facing aggregate. An unhealthy enrichment source with every
// other component healthy degrades the overall view rather than marking it
// unhealthy: ingestion continues, just without that source's data.
func (e *Engine) Health() models.HealthView {
	snap := e.health.Evaluate(context.Background())
	view := models.HealthView{
		Components: make(map[string]models.SourceHealth, len(e.sources)+1),
		AsOf:       time.Now(),
	}

	overall := models.StatusHealthy
	onlySourcesUnhealthy := true
	for name, s := range e.sources {
		h := s.Health()
		view.Components[name] = h
		if h.Status != models.StatusHealthy {
			if worse(h.Status, overall) {
				overall = h.Status
			}
		}
	}
	for _, p := range snap.Probes {
		switch p.Name {
		case componentSession, componentNormalizer, componentJoiner, componentWriter:
			status := probeStatus(p.Status)
			view.Components[p.Name] = models.SourceHealth{Name: p.Name, Status: status, LastError: p.Detail}
			if status != models.StatusHealthy {
				onlySourcesUnhealthy = false
				if worse(status, overall) {
					overall = status
				}
			}
		}
	}
	if overall == models.StatusUnhealthy && onlySourcesUnhealthy && len(e.sources) > 0 {
		overall = models.StatusDegraded
	}
	view.Overall = overall

	stats := e.pipeline.Stats()
	view.LastSuccessfulWrite = stats.LastSuccessfulAt
	view.BatchPending = stats.Pending
	return view
}

func worse(a, b models.ComponentStatus) bool { return a > b }

func probeStatus(s health.Status) models.ComponentStatus {
	switch s {
	case health.StatusHealthy:
		return models.StatusHealthy
	case health.StatusDegraded:
		return models.StatusDegraded
	case health.StatusUnhealthy:
		return models.StatusUnhealthy
	default:
		return models.StatusUnknown
	}
}

// SourceConfig returns the running configuration for a named enrichment
// source, with credentials masked. A config accepted by WriteSourceConfig
// shadows the file-loaded one until the process restarts.
func (e *Engine) SourceConfig(name string) (SourceConfig, error) {
	if _, ok := e.cfg.Sources[name]; !ok {
		return SourceConfig{}, fmt.Errorf("engine: unknown source %q", name)
	}
	sc := e.cfg.Sources[name]
	e.cfgOverrideMu.RLock()
	if override, ok := e.cfgOverrides[name]; ok {
		sc = override
	}
	e.cfgOverrideMu.RUnlock()
	sc.APIKey = MaskSecret(sc.APIKey)
	sc.BearerToken = MaskSecret(sc.BearerToken)
	if sc.OAuth != nil {
		masked := *sc.OAuth
		masked.ClientSecret = MaskSecret(masked.ClientSecret)
		sc.OAuth = &masked
	}
	return sc, nil
}

// WriteSourceConfig accepts a new configuration for a named enrichment
// source and stores it as an in-memory override visible through
// SourceConfig. It does not reach the running fetcher: the source's
// RateLimitConfig, URLs, and credentials were already closed over when the
// Source was constructed in New, and the spec leaves live-reload of an
// already-running source undefined. The override exists so the operator
// surface isn't a pure no-op and a subsequent restart (RestartComponent, or
// a process restart picking up the edited config file) can be preceded by
// recording the intended change.
func (e *Engine) WriteSourceConfig(name string, cfg SourceConfig) error {
	if _, ok := e.cfg.Sources[name]; !ok {
		return fmt.Errorf("engine: unknown source %q", name)
	}
	e.cfgOverrideMu.Lock()
	e.cfgOverrides[name] = cfg
	e.cfgOverrideMu.Unlock()
	return nil
}

// TriggerSnapshot forces an immediate off-schedule fetch on a named
// enrichment source.
func (e *Engine) TriggerSnapshot(ctx context.Context, name string) error {
	s, ok := e.sources[name]
	if !ok {
		return fmt.Errorf("engine: unknown source %q", name)
	}
	return s.TriggerSnapshot(ctx)
}

// RestartComponent asks the Supervisor to reset and relaunch a component
// that has exhausted its restart budget.
func (e *Engine) RestartComponent(ctx context.Context, name string) error {
	return e.sup.Restart(ctx, name)
}

// MetricsHandler exposes the Prometheus scrape endpoint.
func (e *Engine) MetricsHandler() http.Handler {
	return e.provider.MetricsHandler()
}
