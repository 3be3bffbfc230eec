package ratelimit

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"sync"
	"time"

	engmodels "github.com/wtthornton/ha-ingestor/engine/models"
)

var ErrCircuitOpen = errors.New("ratelimit: circuit open")

type RateLimiter interface {
	Acquire(ctx context.Context, source string) (Permit, error)
	Feedback(source string, fb Feedback)
	Snapshot() LimiterSnapshot
}

type Permit interface{ Release() }

type Feedback struct {
	StatusCode int
	Latency    time.Duration
	Err        error
	RetryAfter time.Duration
}

type LimiterSnapshot struct {
	TotalRequests    int64
	Throttled        int64
	Denied           int64
	OpenCircuits     int64
	HalfOpenCircuits int64
	Sources          []SourceSummary
}

type SourceSummary struct {
	Source       string
	FillRate     float64
	CircuitState string
	LastActivity time.Time
}

type AdaptiveRateLimiter struct {
	cfg           engmodels.RateLimitConfig
	clock         Clock
	shards        []*sourceShard
	mask          uint64
	metricsMu     sync.Mutex
	metrics       LimiterSnapshot
	stopCh        chan struct{}
	evictWG       sync.WaitGroup
	evictInterval time.Duration
	stopOnce      sync.Once
}

type sourceShard struct {
	mu      sync.RWMutex
	sources map[string]*sourceState
}

func (l *AdaptiveRateLimiter) shardIndex(source string) uint64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(source))
	return uint64(h.Sum32()) & l.mask
}

func (l *AdaptiveRateLimiter) getOrCreateSourceState(source string) *sourceState {
	idx := l.shardIndex(source)
	shard := l.shards[idx]
	shard.mu.RLock()
	state := shard.sources[source]
	shard.mu.RUnlock()
	if state != nil {
		return state
	}
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if state = shard.sources[source]; state == nil {
		state = newSourceState(l.cfg, l.clock.Now())
		shard.sources[source] = state
	}
	return state
}

func (l *AdaptiveRateLimiter) withMetrics(mutator func(*LimiterSnapshot)) {
	l.metricsMu.Lock()
	mutator(&l.metrics)
	l.metricsMu.Unlock()
}

func NewAdaptiveRateLimiter(cfg engmodels.RateLimitConfig) *AdaptiveRateLimiter {
	if cfg.Shards <= 0 || (cfg.Shards&(cfg.Shards-1)) != 0 {
		cfg.Shards = 16
	}
	if cfg.SourceStateTTL <= 0 {
		cfg.SourceStateTTL = 2 * time.Minute
	}
	shards := make([]*sourceShard, cfg.Shards)
	for i := range shards {
		shards[i] = &sourceShard{sources: make(map[string]*sourceState)}
	}
	interval := cfg.SourceStateTTL / 2
	if interval <= 0 {
		interval = cfg.SourceStateTTL
	}
	if interval <= 0 {
		interval = time.Minute
	}
	limiter := &AdaptiveRateLimiter{cfg: cfg, clock: realClock{}, shards: shards, mask: uint64(cfg.Shards - 1), stopCh: make(chan struct{}), evictInterval: interval}
	limiter.startEvictionLoop()
	return limiter
}

func (l *AdaptiveRateLimiter) WithClock(clock Clock) *AdaptiveRateLimiter {
	if clock != nil {
		l.clock = clock
	}
	return l
}

func (l *AdaptiveRateLimiter) Acquire(ctx context.Context, source string) (Permit, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !l.cfg.Enabled {
		return immediatePermit{}, nil
	}
	normalized, err := normalizeSource(source)
	if err != nil {
		return nil, err
	}
	state := l.getOrCreateSourceState(normalized)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		now := l.clock.Now()
		wait, err := state.planRequest(l.cfg, now)
		if err != nil {
			if errors.Is(err, ErrCircuitOpen) {
				l.withMetrics(func(m *LimiterSnapshot) { m.Denied++ })
			}
			return nil, err
		}
		if wait <= 0 {
			l.withMetrics(func(m *LimiterSnapshot) { m.TotalRequests++ })
			return immediatePermit{}, nil
		}
		l.withMetrics(func(m *LimiterSnapshot) { m.Throttled++ })
		if !sleepWithContext(ctx, l.clock, wait) {
			return nil, ctx.Err()
		}
	}
}

func (l *AdaptiveRateLimiter) Feedback(source string, fb Feedback) {
	if !l.cfg.Enabled {
		return
	}
	normalized, err := normalizeSource(source)
	if err != nil {
		return
	}
	state := l.getOrCreateSourceState(normalized)
	state.applyFeedback(l.cfg, fb, l.clock.Now())
}

func (l *AdaptiveRateLimiter) Snapshot() LimiterSnapshot {
	base := func() LimiterSnapshot { l.metricsMu.Lock(); defer l.metricsMu.Unlock(); return l.metrics }()
	var open, halfOpen int64
	var sources []SourceSummary
	for _, shard := range l.shards {
		shard.mu.RLock()
		for name, state := range shard.sources {
			state.mu.Lock()
			cs := "closed"
			switch state.breaker.state {
			case circuitOpen:
				cs = "open"
				open++
			case circuitHalfOpen:
				cs = "half-open"
				halfOpen++
			}
			sources = append(sources, SourceSummary{Source: name, FillRate: state.fillRate, CircuitState: cs, LastActivity: state.lastActivity})
			state.mu.Unlock()
		}
		shard.mu.RUnlock()
	}
	if len(sources) > 1 {
		for i := 1; i < len(sources); i++ {
			j := i
			for j > 0 && sources[j-1].LastActivity.Before(sources[j].LastActivity) {
				sources[j-1], sources[j] = sources[j], sources[j-1]
				j--
			}
		}
	}
	if len(sources) > 10 {
		sources = append([]SourceSummary(nil), sources[:10]...)
	}
	base.Sources = sources
	base.OpenCircuits = open
	base.HalfOpenCircuits = halfOpen
	return base
}

type immediatePermit struct{}

func (immediatePermit) Release()                  {}
func (l *AdaptiveRateLimiter) startEvictionLoop() { l.evictWG.Add(1); go l.evictLoop() }
func (l *AdaptiveRateLimiter) evictLoop() {
	defer l.evictWG.Done()
	ticker := time.NewTicker(l.evictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictIdleSources()
		case <-l.stopCh:
			return
		}
	}
}
func (l *AdaptiveRateLimiter) evictIdleSources() {
	ttl := l.cfg.SourceStateTTL
	if ttl <= 0 {
		return
	}
	now := l.clock.Now()
	for _, shard := range l.shards {
		shard.mu.Lock()
		for source, state := range shard.sources {
			state.mu.Lock()
			idle := now.Sub(state.lastActivity)
			state.mu.Unlock()
			if idle >= ttl {
				delete(shard.sources, source)
			}
		}
		shard.mu.Unlock()
	}
}
func (l *AdaptiveRateLimiter) Close() error {
	l.stopOnce.Do(func() { close(l.stopCh); l.evictWG.Wait() })
	return nil
}

func sleepWithContext(ctx context.Context, clock Clock, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	if ctx == nil {
		clock.Sleep(d)
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Clock abstraction for testability.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// circuit breaker states
const (
	circuitClosed = iota
	circuitOpen
	circuitHalfOpen
)

type breakerState struct {
	state int
	// next attempt time when open
	nextAttempt          time.Time
	failures             int
	halfOpenProbesIssued int
}

type sourceState struct {
	mu           sync.Mutex
	lastActivity time.Time
	fillRate     float64
	breaker      breakerState
	tokens       float64
	lastRefill   time.Time
}

// breakerTuning holds the per-source knobs planRequest/applyFeedback honor,
// filled in from RateLimitConfig with the operating defaults (§4.3: 5
// consecutive failures trips the breaker, 60s cool-down, exactly one
// half-open probe) whenever a field is left at its zero value.
type breakerTuning struct {
	capacity       float64
	initialRPS     float64
	minRPS         float64
	maxRPS         float64
	aimdIncrease   float64
	aimdDecrease   float64
	failThreshold  int
	openDuration   time.Duration
	halfOpenProbes int
}

func effectiveTuning(cfg engmodels.RateLimitConfig) breakerTuning {
	t := breakerTuning{
		capacity:       cfg.TokenBucketCapacity,
		initialRPS:     cfg.InitialRPS,
		minRPS:         cfg.MinRPS,
		maxRPS:         cfg.MaxRPS,
		aimdIncrease:   cfg.AIMDIncrease,
		aimdDecrease:   cfg.AIMDDecrease,
		failThreshold:  cfg.ConsecutiveFailThreshold,
		openDuration:   cfg.OpenStateDuration,
		halfOpenProbes: cfg.HalfOpenProbes,
	}
	if t.capacity <= 0 {
		t.capacity = 10
	}
	if t.initialRPS <= 0 {
		t.initialRPS = 1
	}
	if t.minRPS <= 0 {
		t.minRPS = 0.1
	}
	if t.maxRPS <= 0 {
		t.maxRPS = 5
	}
	if t.aimdIncrease <= 0 {
		t.aimdIncrease = 0.1
	}
	if t.aimdDecrease <= 0 || t.aimdDecrease >= 1 {
		t.aimdDecrease = 0.5
	}
	if t.failThreshold <= 0 {
		t.failThreshold = 5
	}
	if t.openDuration <= 0 {
		t.openDuration = 60 * time.Second
	}
	if t.halfOpenProbes <= 0 {
		t.halfOpenProbes = 1
	}
	return t
}

func newSourceState(cfg engmodels.RateLimitConfig, now time.Time) *sourceState {
	t := effectiveTuning(cfg)
	return &sourceState{lastActivity: now, fillRate: t.initialRPS, tokens: t.capacity, lastRefill: now}
}

func (d *sourceState) planRequest(cfg engmodels.RateLimitConfig, now time.Time) (time.Duration, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastActivity = now
	t := effectiveTuning(cfg)

	// breaker logic: Open holds for t.openDuration, then admits exactly
	// t.halfOpenProbes (default 1) probe before returning to Open on any
	// probe failure or Closed on probe success (see applyFeedback).
	if d.breaker.state == circuitOpen {
		if !now.Before(d.breaker.nextAttempt) {
			d.breaker.state = circuitHalfOpen
			d.breaker.halfOpenProbesIssued = 0
		} else {
			return 0, ErrCircuitOpen
		}
	}
	if d.breaker.state == circuitHalfOpen {
		if d.breaker.halfOpenProbesIssued >= t.halfOpenProbes {
			return 0, ErrCircuitOpen
		}
		d.breaker.halfOpenProbesIssued++
	}

	elapsed := now.Sub(d.lastRefill).Seconds()
	if elapsed > 0 {
		d.tokens += elapsed * d.fillRate
		if d.tokens > t.capacity {
			d.tokens = t.capacity
		}
		d.lastRefill = now
	}
	if d.tokens >= 1 {
		d.tokens -= 1
		return 0, nil
	}
	waitSeconds := (1 - d.tokens) / math.Max(d.fillRate, t.minRPS)
	return time.Duration(waitSeconds * float64(time.Second)), nil
}

func (d *sourceState) applyFeedback(cfg engmodels.RateLimitConfig, fb Feedback, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastActivity = now
	t := effectiveTuning(cfg)

	isFailure := fb.Err != nil || fb.StatusCode >= 500 || fb.StatusCode == 429
	if isFailure {
		d.fillRate *= t.aimdDecrease
		if d.fillRate < t.minRPS {
			d.fillRate = t.minRPS
		}
	} else {
		d.fillRate += t.aimdIncrease
		if d.fillRate > t.maxRPS {
			d.fillRate = t.maxRPS
		}
	}

	switch d.breaker.state {
	case circuitHalfOpen:
		// Exactly one probe is ever admitted per Open period (enforced in
		// planRequest); its single outcome decides Closed vs back to Open.
		if isFailure {
			d.breaker = breakerState{state: circuitOpen, nextAttempt: now.Add(t.openDuration)}
		} else {
			d.breaker = breakerState{state: circuitClosed}
		}
	case circuitOpen:
		// No permit should have been issued while Open; ignore stray feedback.
	default: // circuitClosed
		if isFailure {
			d.breaker.failures++
			if d.breaker.failures >= t.failThreshold {
				d.breaker = breakerState{state: circuitOpen, nextAttempt: now.Add(t.openDuration)}
			}
		} else {
			d.breaker.failures = 0
		}
	}
}

// normalizeSource rejects an empty name and otherwise returns the name
// unchanged; it does not fold case.
func normalizeSource(source string) (string, error) {
	if source == "" {
		return "", errors.New("empty source name")
	}
	// treat as already normalized for placeholder
	return source, nil
}
