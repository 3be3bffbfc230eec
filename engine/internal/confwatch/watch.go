// Package confwatch hot-reloads a config file: on every write, it reparses
// the file and atomically swaps the in-memory snapshot, mirroring the
// telemetry policy's atomic-pointer-swap pattern (snapshot readers never
// lock, the writer swaps a pointer).
package confwatch

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/wtthornton/ha-ingestor/engine/telemetry/events"
	"github.com/wtthornton/ha-ingestor/engine/telemetry/logging"
)

// Watcher holds the current parsed config snapshot and keeps it current by
// watching its source file. T is expected to be a value type (a config
// struct), not a pointer.
type Watcher[T any] struct {
	path    string
	parse   func([]byte) (T, error)
	logger  logging.Logger
	bus     events.Bus
	current atomic.Pointer[T]
	fsw     *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New loads the initial config from path and prepares a Watcher. It does
// not start watching until Start is called.
func New[T any](path string, parse func([]byte) (T, error), logger logging.Logger, bus events.Bus) (*Watcher[T], error) {
	w := &Watcher[T]{path: path, parse: parse, logger: logger, bus: bus, stopCh: make(chan struct{}), doneCh: make(chan struct{})}
	if err := w.reload(); err != nil {
		return nil, err
	}
	return w, nil
}

// Current returns the most recently loaded config snapshot.
func (w *Watcher[T]) Current() T {
	return *w.current.Load()
}

func (w *Watcher[T]) reload() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("confwatch: read %s: %w", w.path, err)
	}
	cfg, err := w.parse(data)
	if err != nil {
		return fmt.Errorf("confwatch: parse %s: %w", w.path, err)
	}
	w.current.Store(&cfg)
	return nil
}

// Start begins watching the config file for writes, reloading and swapping
// the snapshot on each one. A parse failure is logged and published as a
// config-change event but does not disturb the last-good snapshot.
func (w *Watcher[T]) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("confwatch: create watcher: %w", err)
	}
	if err := fsw.Add(w.path); err != nil {
		fsw.Close()
		return fmt.Errorf("confwatch: watch %s: %w", w.path, err)
	}
	w.fsw = fsw
	go w.loop(ctx)
	return nil
}

func (w *Watcher[T]) loop(ctx context.Context) {
	defer close(w.doneCh)
	defer w.fsw.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.handleReload(ctx)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.ErrorCtx(ctx, "config watcher error", "err", err.Error())
			}
		}
	}
}

func (w *Watcher[T]) handleReload(ctx context.Context) {
	if err := w.reload(); err != nil {
		if w.logger != nil {
			w.logger.ErrorCtx(ctx, "config reload failed, keeping previous snapshot", "err", err.Error())
		}
		if w.bus != nil {
			_ = w.bus.PublishCtx(ctx, events.Event{Category: events.CategoryConfig, Type: "config_reload_failed", Severity: "error", Fields: map[string]interface{}{"path": w.path, "err": err.Error()}})
		}
		return
	}
	if w.logger != nil {
		w.logger.InfoCtx(ctx, "config reloaded", "path", w.path)
	}
	if w.bus != nil {
		_ = w.bus.PublishCtx(ctx, events.Event{Category: events.CategoryConfig, Type: "config_reloaded", Fields: map[string]interface{}{"path": w.path}})
	}
}

// Stop halts watching.
func (w *Watcher[T]) Stop() {
	if w.fsw == nil {
		return
	}
	close(w.stopCh)
	<-w.doneCh
}
