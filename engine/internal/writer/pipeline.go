package writer

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/wtthornton/ha-ingestor/engine/models"
)

// Config controls batching, retry, concurrency, and drain behavior.
type Config struct {
	Measurement      string
	MaxPoints        int
	MaxAge           time.Duration
	MaxInFlight      int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryMaxAttempts int
	DedupeCacheSize  int
	GracePeriod      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Measurement == "" {
		c.Measurement = "home_events"
	}
	if c.MaxPoints <= 0 {
		c.MaxPoints = 1000
	}
	if c.MaxAge <= 0 {
		c.MaxAge = time.Second
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 2
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 100 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = 5
	}
	if c.DedupeCacheSize <= 0 {
		c.DedupeCacheSize = 10000
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 5 * time.Second
	}
	return c
}

// Stats is a point-in-time snapshot of pipeline counters.
type Stats struct {
	Pending          int
	InFlight         int
	LastSuccessfulAt time.Time
	DeadLettered     int64
}

// Pipeline accumulates EnrichedEvents into batches, submits them to a
// StoreClient with retry/bisect-on-4xx semantics, and appends records it
// gives up on to a dead-letter log. Grounded on the in-flight concurrency
// gate and batched background-append pattern used elsewhere in the corpus
// for bounding concurrent outbound work and durably recording what a
// pipeline could not deliver.
type Pipeline struct {
	cfg    Config
	store  StoreClient
	dl     *deadLetterLog
	dedupe *lru.Cache[string, struct{}]

	slots   chan struct{}
	pending atomic.Int64

	mu          sync.Mutex
	lastSuccess time.Time
	deadCount   int64

	wg sync.WaitGroup
}

// New constructs a Pipeline. deadLetterPath may be empty, in which case
// dead-lettered records are only counted, never persisted (useful in tests).
func New(cfg Config, store StoreClient, deadLetterPath string) (*Pipeline, error) {
	cfg = cfg.withDefaults()
	dedupe, err := lru.New[string, struct{}](cfg.DedupeCacheSize)
	if err != nil {
		return nil, err
	}
	dl, err := newDeadLetterLog(deadLetterPath)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:    cfg,
		store:  store,
		dl:     dl,
		dedupe: dedupe,
		slots:  make(chan struct{}, cfg.MaxInFlight),
	}, nil
}

// Close stops the dead-letter log's background writer.
func (p *Pipeline) Close() error {
	return p.dl.Close()
}

// Stats returns current counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Pending:          int(p.pending.Load()),
		InFlight:         len(p.slots),
		LastSuccessfulAt: p.lastSuccess,
		DeadLettered:     p.deadCount,
	}
}

// Run consumes EnrichedEvents from in, forms batches by size/age, and
// submits each once a trigger fires. On shutdown (ctx cancelled or in
// closed) it flushes the pending batch immediately, then waits up to
// cfg.GracePeriod for in-flight submissions before returning; anything
// still pending after that is dead-lettered.
func (p *Pipeline) Run(ctx context.Context, in <-chan models.EnrichedEvent) error {
	pending := make([]models.EnrichedEvent, 0, p.cfg.MaxPoints)
	timer := time.NewTimer(p.cfg.MaxAge)
	defer timer.Stop()

	flush := func(fctx context.Context) {
		if len(pending) == 0 {
			return
		}
		batch := models.WriteBatch{Measurement: p.cfg.Measurement, Events: pending, FormedAt: time.Now()}
		pending = make([]models.EnrichedEvent, 0, p.cfg.MaxPoints)
		p.pending.Store(0)
		p.submitAsync(fctx, batch)
	}

	for {
		select {
		case <-ctx.Done():
			// ctx is already cancelled here, so the final batch is submitted
			// on a context that lasts at most GracePeriod longer; once that
			// expires, a submission still backing off is dead-lettered.
			drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.GracePeriod)
			flush(drainCtx)
			p.drainGracefully()
			cancel()
			return ctx.Err()
		case ee, ok := <-in:
			if !ok {
				flush(ctx)
				p.drainGracefully()
				return nil
			}
			if len(pending) == 0 {
				timer.Reset(p.cfg.MaxAge)
			}
			pending = append(pending, ee)
			p.pending.Store(int64(len(pending)))
			if len(pending) >= p.cfg.MaxPoints {
				flush(ctx)
			}
		case <-timer.C:
			flush(ctx)
			timer.Reset(p.cfg.MaxAge)
		}
	}
}

// drainGracefully waits up to cfg.GracePeriod for all in-flight submissions
// to finish; anything not drained by then is left to whatever dead-letter
// bookkeeping the individual submissions already performed.
func (p *Pipeline) drainGracefully() {
	done := make(chan struct{})
	go func() { p.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(p.cfg.GracePeriod):
	}
}

func (p *Pipeline) submitAsync(ctx context.Context, batch models.WriteBatch) {
	p.wg.Add(1)
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		p.wg.Done()
		p.deadLetterBatch(batch, "shutdown before slot acquired")
		return
	}
	go func() {
		defer p.wg.Done()
		defer func() { <-p.slots }()
		p.submitWithRetry(ctx, batch, 1)
	}()
}

// submitWithRetry drives one batch through retry-on-transient and
// bisect-on-non-transient until it succeeds, exhausts its attempt budget, or
// bisects down to dead-lettered singletons.
func (p *Pipeline) submitWithRetry(ctx context.Context, batch models.WriteBatch, attempt int) {
	if p.allAlreadyDelivered(batch) {
		return
	}
	err := p.store.Write(ctx, batch)
	if err == nil {
		p.recordSuccess(batch)
		return
	}

	switch ClassifyError(err) {
	case OutcomeTransient:
		if attempt >= p.cfg.RetryMaxAttempts {
			p.deadLetterBatch(batch, "transient failure: attempts exhausted")
			return
		}
		delay := p.backoffDelay(attempt)
		select {
		case <-ctx.Done():
			p.deadLetterBatch(batch, "shutdown during retry backoff")
			return
		case <-time.After(delay):
		}
		batch.Attempt = attempt + 1
		p.submitWithRetry(ctx, batch, attempt+1)
	case OutcomeNonTransient:
		if len(batch.Events) > 1 {
			mid := len(batch.Events) / 2
			left := models.WriteBatch{Measurement: batch.Measurement, Events: batch.Events[:mid], FormedAt: batch.FormedAt, Attempt: attempt}
			right := models.WriteBatch{Measurement: batch.Measurement, Events: batch.Events[mid:], FormedAt: batch.FormedAt, Attempt: attempt}
			p.submitWithRetry(ctx, left, 1)
			p.submitWithRetry(ctx, right, 1)
			return
		}
		p.deadLetterBatch(batch, "non-transient store rejection")
	default:
		p.deadLetterBatch(batch, "unclassified store error")
	}
}

func (p *Pipeline) allAlreadyDelivered(batch models.WriteBatch) bool {
	for _, ee := range batch.Events {
		if _, ok := p.dedupe.Get(ee.IdempotencyKey()); !ok {
			return false
		}
	}
	return len(batch.Events) > 0
}

func (p *Pipeline) recordSuccess(batch models.WriteBatch) {
	p.mu.Lock()
	p.lastSuccess = time.Now()
	p.mu.Unlock()
	for _, ee := range batch.Events {
		p.dedupe.Add(ee.IdempotencyKey(), struct{}{})
	}
}

func (p *Pipeline) deadLetterBatch(batch models.WriteBatch, reason string) {
	p.mu.Lock()
	p.deadCount += int64(len(batch.Events))
	p.mu.Unlock()
	for _, ee := range batch.Events {
		p.dl.Append(models.DeadLetterRecord{
			IdempotencyKey: ee.IdempotencyKey(),
			Measurement:    batch.Measurement,
			EntityID:       ee.Event.EntityID,
			Reason:         reason,
			DeadLetteredAt: time.Now(),
		})
	}
}

func (p *Pipeline) backoffDelay(attempt int) time.Duration {
	base := p.cfg.RetryBaseDelay
	max := p.cfg.RetryMaxDelay
	delay := base * time.Duration(1<<uint(attempt-1))
	if delay > max || delay <= 0 {
		delay = max
	}
	jitter := time.Duration(rand.Int63n(int64(delay) + 1))
	return jitter
}
