package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wtthornton/ha-ingestor/engine/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock { return &fakeClock{now: start} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(d time.Duration) { c.Advance(d) }

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func findSource(snap LimiterSnapshot, name string) (SourceSummary, bool) {
	for _, s := range snap.Sources {
		if s.Source == name {
			return s, true
		}
	}
	return SourceSummary{}, false
}

func TestAcquireDisabledAlwaysReturnsImmediatePermit(t *testing.T) {
	l := NewAdaptiveRateLimiter(models.RateLimitConfig{Enabled: false})
	defer l.Close()

	permit, err := l.Acquire(context.Background(), "weather")
	require.NoError(t, err)
	require.NotNil(t, permit)
	permit.Release()
}

func TestAcquireRejectsEmptySourceName(t *testing.T) {
	l := NewAdaptiveRateLimiter(models.RateLimitConfig{Enabled: true})
	defer l.Close()

	_, err := l.Acquire(context.Background(), "")
	require.Error(t, err)
}

func TestAcquireFirstCallSucceedsImmediately(t *testing.T) {
	l := NewAdaptiveRateLimiter(models.RateLimitConfig{Enabled: true}).WithClock(newFakeClock(time.Now()))
	defer l.Close()

	permit, err := l.Acquire(context.Background(), "weather")
	require.NoError(t, err)
	permit.Release()
	assert.Equal(t, int64(1), l.Snapshot().TotalRequests)
}

func TestFeedbackOpensCircuitAfterConsecutiveFailures(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := NewAdaptiveRateLimiter(models.RateLimitConfig{Enabled: true}).WithClock(clock)
	defer l.Close()

	for i := 0; i < 5; i++ {
		l.Feedback("pricing", Feedback{Err: errors.New("boom")})
	}

	snap := l.Snapshot()
	assert.Equal(t, int64(1), snap.OpenCircuits)
	src, ok := findSource(snap, "pricing")
	require.True(t, ok)
	assert.Equal(t, "open", src.CircuitState)
}

func TestAcquireDeniedWhileCircuitOpen(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := NewAdaptiveRateLimiter(models.RateLimitConfig{Enabled: true}).WithClock(clock)
	defer l.Close()

	for i := 0; i < 5; i++ {
		l.Feedback("pricing", Feedback{Err: errors.New("boom")})
	}

	_, err := l.Acquire(context.Background(), "pricing")
	require.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitClosesAfterHalfOpenSuccesses(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := NewAdaptiveRateLimiter(models.RateLimitConfig{Enabled: true}).WithClock(clock)
	defer l.Close()

	for i := 0; i < 5; i++ {
		l.Feedback("pricing", Feedback{Err: errors.New("boom")})
	}

	clock.Advance(time.Hour)
	permit, err := l.Acquire(context.Background(), "pricing")
	require.NoError(t, err, "breaker must move to half-open and admit a probe once nextAttempt has passed")
	permit.Release()

	for i := 0; i < 3; i++ {
		l.Feedback("pricing", Feedback{StatusCode: 200})
	}

	snap := l.Snapshot()
	assert.Equal(t, int64(0), snap.OpenCircuits)
	src, ok := findSource(snap, "pricing")
	require.True(t, ok)
	assert.Equal(t, "closed", src.CircuitState)
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	l := NewAdaptiveRateLimiter(models.RateLimitConfig{Enabled: true})
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Acquire(ctx, "weather")
	require.Error(t, err)
}
