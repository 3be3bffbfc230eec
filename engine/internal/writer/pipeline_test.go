package writer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wtthornton/ha-ingestor/engine/models"
)

type fakeStoreClient struct {
	mu      sync.Mutex
	writes  []models.WriteBatch
	calls   int32
	outcome func(batch models.WriteBatch, attempt int) error
}

func (f *fakeStoreClient) Write(ctx context.Context, batch models.WriteBatch) error {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	f.writes = append(f.writes, batch)
	f.mu.Unlock()
	if f.outcome != nil {
		return f.outcome(batch, batch.Attempt)
	}
	return nil
}

func (f *fakeStoreClient) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func eventFor(entityID string) models.EnrichedEvent {
	return models.EnrichedEvent{Event: models.NormalizedEvent{RawEvent: models.RawEvent{
		EntityID:  entityID,
		TimeFired: time.Now(),
		Context:   models.EventContext{ID: entityID + "-ctx"},
	}}}
}

func TestPipelineFlushesOnMaxPoints(t *testing.T) {
	store := &fakeStoreClient{}
	p, err := New(Config{MaxPoints: 2, MaxAge: time.Hour, MaxInFlight: 2}, store, "")
	require.NoError(t, err)
	defer p.Close()

	in := make(chan models.EnrichedEvent, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = p.Run(ctx, in); close(done) }()

	in <- eventFor("a")
	in <- eventFor("b")

	require.Eventually(t, func() bool { return store.batchCount() >= 1 }, time.Second, time.Millisecond)

	cancel()
	<-done
}

func TestPipelineFlushesOnMaxAge(t *testing.T) {
	store := &fakeStoreClient{}
	p, err := New(Config{MaxPoints: 1000, MaxAge: 10 * time.Millisecond, MaxInFlight: 2}, store, "")
	require.NoError(t, err)
	defer p.Close()

	in := make(chan models.EnrichedEvent, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = p.Run(ctx, in); close(done) }()

	in <- eventFor("a")
	require.Eventually(t, func() bool { return store.batchCount() >= 1 }, time.Second, time.Millisecond)

	cancel()
	<-done
}

func TestPipelineFlushesOnShutdown(t *testing.T) {
	store := &fakeStoreClient{}
	p, err := New(Config{MaxPoints: 1000, MaxAge: time.Hour, MaxInFlight: 2}, store, "")
	require.NoError(t, err)
	defer p.Close()

	in := make(chan models.EnrichedEvent, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = p.Run(ctx, in); close(done) }()

	in <- eventFor("a")
	time.Sleep(10 * time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, 1, store.batchCount())
}

func TestPipelineStatsPendingReflectsBufferedEvents(t *testing.T) {
	store := &fakeStoreClient{}
	p, err := New(Config{MaxPoints: 1000, MaxAge: time.Hour, MaxInFlight: 2}, store, "")
	require.NoError(t, err)
	defer p.Close()

	in := make(chan models.EnrichedEvent, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = p.Run(ctx, in); close(done) }()

	in <- eventFor("a")
	in <- eventFor("b")
	require.Eventually(t, func() bool { return p.Stats().Pending == 2 }, time.Second, time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, 0, p.Stats().Pending, "pending must reset after the shutdown flush")
}

func TestPipelineRetriesTransientThenSucceeds(t *testing.T) {
	var attempts int32
	store := &fakeStoreClient{outcome: func(batch models.WriteBatch, attempt int) error {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return &writeError{outcome: OutcomeTransient, err: errors.New("temporarily unavailable")}
		}
		return nil
	}}
	p, err := New(Config{MaxPoints: 1, MaxAge: time.Hour, MaxInFlight: 2, RetryBaseDelay: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, store, "")
	require.NoError(t, err)
	defer p.Close()

	in := make(chan models.EnrichedEvent, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = p.Run(ctx, in); close(done) }()

	in <- eventFor("a")
	require.Eventually(t, func() bool { return atomic.LoadInt32(&attempts) >= 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return p.Stats().LastSuccessfulAt.After(time.Time{}) }, time.Second, time.Millisecond)

	cancel()
	<-done
}

func TestPipelineDeadLettersAfterRetriesExhausted(t *testing.T) {
	store := &fakeStoreClient{outcome: func(batch models.WriteBatch, attempt int) error {
		return &writeError{outcome: OutcomeTransient, err: errors.New("down")}
	}}
	p, err := New(Config{MaxPoints: 1, MaxAge: time.Hour, MaxInFlight: 2, RetryBaseDelay: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond, RetryMaxAttempts: 2}, store, "")
	require.NoError(t, err)
	defer p.Close()

	in := make(chan models.EnrichedEvent, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = p.Run(ctx, in); close(done) }()

	in <- eventFor("a")
	require.Eventually(t, func() bool { return p.Stats().DeadLettered == 1 }, time.Second, time.Millisecond)

	cancel()
	<-done
}

func TestPipelineBisectsNonTransientBatch(t *testing.T) {
	store := &fakeStoreClient{outcome: func(batch models.WriteBatch, attempt int) error {
		if len(batch.Events) == 2 {
			return &writeError{outcome: OutcomeNonTransient, err: errors.New("rejected")}
		}
		return nil
	}}
	p, err := New(Config{MaxPoints: 2, MaxAge: time.Hour, MaxInFlight: 2}, store, "")
	require.NoError(t, err)
	defer p.Close()

	in := make(chan models.EnrichedEvent, 2)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = p.Run(ctx, in); close(done) }()

	in <- eventFor("a")
	in <- eventFor("b")

	require.Eventually(t, func() bool { return store.batchCount() >= 3 }, time.Second, time.Millisecond)
	assert.Equal(t, int64(0), p.Stats().DeadLettered, "bisected singletons should both succeed")

	cancel()
	<-done
}

func TestPipelineDeduplicatesByIdempotencyKey(t *testing.T) {
	store := &fakeStoreClient{}
	p, err := New(Config{MaxPoints: 1, MaxAge: time.Hour, MaxInFlight: 2}, store, "")
	require.NoError(t, err)
	defer p.Close()

	in := make(chan models.EnrichedEvent, 2)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = p.Run(ctx, in); close(done) }()

	ev := eventFor("a")
	in <- ev
	require.Eventually(t, func() bool { return store.batchCount() >= 1 }, time.Second, time.Millisecond)

	in <- ev
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, 1, store.batchCount(), "replayed event with the same idempotency key must not be re-submitted")
}

func TestPipelineDeadLetterLogPersistsRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dead.jsonl")
	store := &fakeStoreClient{outcome: func(batch models.WriteBatch, attempt int) error {
		return &writeError{outcome: OutcomeNonTransient, err: errors.New("rejected")}
	}}
	p, err := New(Config{MaxPoints: 1, MaxAge: time.Hour, MaxInFlight: 2}, store, path)
	require.NoError(t, err)

	in := make(chan models.EnrichedEvent, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = p.Run(ctx, in); close(done) }()

	in <- eventFor("a")
	require.Eventually(t, func() bool { return p.Stats().DeadLettered == 1 }, time.Second, time.Millisecond)

	cancel()
	<-done
	require.NoError(t, p.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "non-transient store rejection")
}
