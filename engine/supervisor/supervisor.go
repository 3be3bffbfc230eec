// Package supervisor starts the ingestion core's components in dependency
// order and restarts any that fail, within a bounded window, before marking
// them permanently unhealthy.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wtthornton/ha-ingestor/engine/models"
	"github.com/wtthornton/ha-ingestor/engine/telemetry/logging"
)

// Component is one named, independently-restartable unit of work. Run
// should block until ctx is cancelled or it fails; a non-nil, non-context
// error is treated as a failure warranting restart.
type Component struct {
	Name string
	Run  func(ctx context.Context) error
}

// restartWindow tracks restart attempts within a sliding window, the same
// "counter + bounded window + explicit reset" shape the rate limiter's
// circuit breaker uses for consecutive-failure bookkeeping, applied here to
// whole components instead of HTTP sources.
type restartWindow struct {
	mu        sync.Mutex
	attempts  []time.Time
	maxCount  int
	window    time.Duration
	unhealthy bool
}

func newRestartWindow(maxCount int, window time.Duration) *restartWindow {
	return &restartWindow{maxCount: maxCount, window: window}
}

// allow records an attempt and reports whether another restart is permitted.
// Once permanently unhealthy, it stays that way until Reset.
func (w *restartWindow) allow(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.unhealthy {
		return false
	}
	cutoff := now.Add(-w.window)
	kept := w.attempts[:0]
	for _, t := range w.attempts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.attempts = append(kept, now)
	if len(w.attempts) > w.maxCount {
		w.unhealthy = true
		return false
	}
	return true
}

func (w *restartWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attempts = nil
	w.unhealthy = false
}

func (w *restartWindow) isUnhealthy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.unhealthy
}

// Config controls the restart policy shared by every supervised component.
type Config struct {
	MaxRestarts   int
	RestartWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 5
	}
	if c.RestartWindow <= 0 {
		c.RestartWindow = 60 * time.Second
	}
	return c
}

// Supervisor runs a fixed, ordered list of Components, each independently
// restart-supervised. Order is preserved at Start time (dependency order)
// but every component's own lifetime and restarts run concurrently once
// started — a later component failing never stops an earlier one.
type Supervisor struct {
	cfg        Config
	logger     logging.Logger
	components []Component
	windows    map[string]*restartWindow

	mu     sync.RWMutex
	status map[string]models.ComponentStatus

	wg sync.WaitGroup
}

// New constructs a Supervisor over the given components, started in the
// order given.
func New(cfg Config, logger logging.Logger, components []Component) *Supervisor {
	cfg = cfg.withDefaults()
	s := &Supervisor{
		cfg:        cfg,
		logger:     logger,
		components: components,
		windows:    make(map[string]*restartWindow, len(components)),
		status:     make(map[string]models.ComponentStatus, len(components)),
	}
	for _, c := range components {
		s.windows[c.Name] = newRestartWindow(cfg.MaxRestarts, cfg.RestartWindow)
		s.status[c.Name] = models.StatusUnknown
	}
	return s
}

// Start launches every component in order, each in its own
// restart-supervised goroutine, and returns immediately.
func (s *Supervisor) Start(ctx context.Context) {
	for _, c := range s.components {
		s.wg.Add(1)
		go s.superviseComponent(ctx, c)
	}
}

// Wait blocks until every component goroutine has exited (i.e. ctx was
// cancelled and each component's Run returned).
func (s *Supervisor) Wait() { s.wg.Wait() }

func (s *Supervisor) superviseComponent(ctx context.Context, c Component) {
	defer s.wg.Done()
	window := s.windows[c.Name]
	s.setStatus(c.Name, models.StatusHealthy)
	for {
		err := c.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// clean exit without shutdown request: treat as a failure to
			// restart, a long-lived component isn't supposed to return.
			err = fmt.Errorf("component %s exited unexpectedly", c.Name)
		}
		if s.logger != nil {
			s.logger.ErrorCtx(ctx, "component failed, evaluating restart", "component", c.Name, "err", err.Error())
		}
		if !window.allow(time.Now()) {
			s.setStatus(c.Name, models.StatusUnhealthy)
			if s.logger != nil {
				s.logger.ErrorCtx(ctx, "component exhausted restart budget, marking unhealthy", "component", c.Name)
			}
			return
		}
		s.setStatus(c.Name, models.StatusDegraded)
	}
}

func (s *Supervisor) setStatus(name string, status models.ComponentStatus) {
	s.mu.Lock()
	s.status[name] = status
	s.mu.Unlock()
}

// Status returns the current status of a supervised component.
func (s *Supervisor) Status(name string) models.ComponentStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status[name]
}

// ResetComponent clears a component's restart bookkeeping, allowing it to
// be retried after an operator has addressed the underlying cause.
func (s *Supervisor) ResetComponent(name string) error {
	w, ok := s.windows[name]
	if !ok {
		return fmt.Errorf("supervisor: unknown component %q", name)
	}
	w.Reset()
	s.setStatus(name, models.StatusHealthy)
	return nil
}

// Restart resets a component's restart bookkeeping and relaunches its
// supervision goroutine. Used when an operator explicitly requests a
// restart of a component that exhausted its bounded-restart budget.
func (s *Supervisor) Restart(ctx context.Context, name string) error {
	var target *Component
	for i := range s.components {
		if s.components[i].Name == name {
			target = &s.components[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("supervisor: unknown component %q", name)
	}
	if err := s.ResetComponent(name); err != nil {
		return err
	}
	s.wg.Add(1)
	go s.superviseComponent(ctx, *target)
	return nil
}
