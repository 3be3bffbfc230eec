// Package session implements the Connection Session: it maintains one
// authenticated, subscribed WebSocket connection to the home-automation hub
// and emits RawEvents to a bounded downstream channel.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	internalsession "github.com/wtthornton/ha-ingestor/engine/internal/session"
	"github.com/wtthornton/ha-ingestor/engine/models"
	"github.com/wtthornton/ha-ingestor/engine/telemetry/events"
	"github.com/wtthornton/ha-ingestor/engine/telemetry/logging"
	"github.com/wtthornton/ha-ingestor/engine/telemetry/metrics"
)

// State re-exports the state-machine enum so callers don't need to import
// the internal package directly.
type State = internalsession.State

const (
	Disconnected   = internalsession.Disconnected
	Connecting     = internalsession.Connecting
	Authenticating = internalsession.Authenticating
	Subscribing    = internalsession.Subscribing
	Subscribed     = internalsession.Subscribed
	Reconnecting   = internalsession.Reconnecting
	Stopped        = internalsession.Stopped
)

// Config controls connection and reconnect behavior.
type Config struct {
	URL             string        `yaml:"url"`
	Token           string        `yaml:"token"`
	SubscribeEvents string        `yaml:"subscribe_events"` // event type to subscribe to; "state_changed" if empty
	SettleDelay     time.Duration `yaml:"settle_delay"`
	InitialBackoff  time.Duration `yaml:"initial_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	HeartbeatWindow time.Duration `yaml:"heartbeat_window"`
	ChannelBuffer   int           `yaml:"channel_buffer"`
}

func (c Config) withDefaults() Config {
	if c.SubscribeEvents == "" {
		c.SubscribeEvents = "state_changed"
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 60 * time.Second
	}
	if c.HeartbeatWindow <= 0 {
		c.HeartbeatWindow = 90 * time.Second
	}
	if c.ChannelBuffer <= 0 {
		c.ChannelBuffer = 256
	}
	return c
}

// Session owns the WebSocket connection lifecycle and the single state
// machine governing it.
type Session struct {
	cfg    Config
	logger logging.Logger
	bus    events.Bus

	mu    sync.RWMutex
	state State

	out chan models.RawEvent

	stateGauge  metrics.Gauge
	eventsTotal metrics.Counter
	errorsTotal metrics.Counter

	subscribedSince atomic.Value // time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Session. Events decoded from the hub are delivered on the
// channel returned by Events(); it is bounded per cfg.ChannelBuffer and
// backpressures the transport when full.
func New(cfg Config, logger logging.Logger, bus events.Bus, provider metrics.Provider) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		cfg:    cfg,
		logger: logger,
		bus:    bus,
		state:  Disconnected,
		out:    make(chan models.RawEvent, cfg.ChannelBuffer),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	if provider != nil {
		s.stateGauge = provider.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "ha_ingestor", Subsystem: "session", Name: "state", Help: "Current session state (0=disconnected..6=stopped)",
		}})
		s.eventsTotal = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "ha_ingestor", Subsystem: "session", Name: "events_total", Help: "Total raw events emitted",
		}})
		s.errorsTotal = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "ha_ingestor", Subsystem: "session", Name: "errors_total", Help: "Total transport/frame errors",
			Labels: []string{"kind"},
		}})
	}
	return s
}

// Events returns the channel RawEvents are delivered on.
func (s *Session) Events() <-chan models.RawEvent { return s.out }

// State returns the current state-machine state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(ctx context.Context, next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if s.stateGauge != nil {
		s.stateGauge.Set(float64(next))
	}
	if prev != next && s.bus != nil {
		_ = s.bus.PublishCtx(ctx, events.Event{
			Category: events.CategoryHealth,
			Type:     "session_state_changed",
			Fields:   map[string]interface{}{"from": prev.String(), "to": next.String()},
		})
	}
}

// Run drives the connect/authenticate/subscribe/stream/reconnect loop until
// ctx is cancelled or Stop is called. It never returns while retryable —
// only a shutdown request moves the state machine to Stopped.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.doneCh)
	s.setState(ctx, Connecting)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.InitialBackoff
	bo.MaxInterval = s.cfg.MaxBackoff
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0 // no upper bound on attempts

	for {
		select {
		case <-ctx.Done():
			s.setState(ctx, Stopped)
			return ctx.Err()
		case <-s.stopCh:
			s.setState(ctx, Stopped)
			return nil
		default:
		}

		connectedAt := time.Now()
		err := s.connectAndStream(ctx)
		if err == nil {
			// clean shutdown requested mid-stream
			s.setState(ctx, Stopped)
			return nil
		}

		if s.errorsTotal != nil {
			s.errorsTotal.Inc(1, "transport")
		}
		if s.logger != nil {
			s.logger.ErrorCtx(ctx, "session transport error", "err", err.Error())
		}

		if time.Since(connectedAt) >= 60*time.Second {
			bo.Reset()
		}
		s.setState(ctx, Reconnecting)

		wait := bo.NextBackOff()
		select {
		case <-ctx.Done():
			s.setState(ctx, Stopped)
			return ctx.Err()
		case <-s.stopCh:
			s.setState(ctx, Stopped)
			return nil
		case <-time.After(wait):
		}
		s.setState(ctx, Connecting)
	}
}

// Stop requests a graceful shutdown and blocks until Run returns.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

func (s *Session) connectAndStream(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	s.setState(ctx, Authenticating)
	if err := s.authenticate(ctx, conn); err != nil {
		return err
	}

	s.setState(ctx, Subscribing)
	if err := s.subscribe(ctx, conn); err != nil {
		return err
	}
	time.Sleep(s.cfg.SettleDelay)
	s.setState(ctx, Subscribed)
	s.subscribedSince.Store(time.Now())

	return s.readLoop(ctx, conn)
}

func (s *Session) authenticate(ctx context.Context, conn *websocket.Conn) error {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read auth_required: %w", err)
	}
	kind, _, ok := internalsession.DecodeFrame(raw)
	if !ok || kind != internalsession.FrameAuthRequired {
		return fmt.Errorf("unexpected first frame kind %q", kind)
	}
	if err := conn.WriteJSON(map[string]string{"type": "auth", "access_token": s.cfg.Token}); err != nil {
		return fmt.Errorf("write auth: %w", err)
	}
	_, raw, err = conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	kind, _, ok = internalsession.DecodeFrame(raw)
	if !ok {
		return fmt.Errorf("unrecognized auth response frame")
	}
	if kind == internalsession.FrameAuthInvalid {
		if s.logger != nil {
			s.logger.ErrorCtx(ctx, "auth rejected", "token_fingerprint", fingerprint(s.cfg.Token))
		}
		return fmt.Errorf("authentication rejected")
	}
	if kind != internalsession.FrameAuthOK {
		return fmt.Errorf("unexpected auth response kind %q", kind)
	}
	return nil
}

func (s *Session) subscribe(ctx context.Context, conn *websocket.Conn) error {
	if err := conn.WriteJSON(map[string]interface{}{
		"id": 1, "type": "subscribe_events", "event_type": s.cfg.SubscribeEvents,
	}); err != nil {
		return fmt.Errorf("write subscribe: %w", err)
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read subscribe result: %w", err)
	}
	kind, env, ok := internalsession.DecodeFrame(raw)
	if !ok || kind != internalsession.FrameResult {
		return fmt.Errorf("expected subscription result, got %q", kind)
	}
	if env.Success == nil || !*env.Success {
		return fmt.Errorf("subscription rejected")
	}
	return nil
}

// readLoop decodes frames until a transport error or shutdown. Event frames
// are emitted on s.out; if the channel is full, the read loop blocks on the
// send rather than drop — this is the one required backpressure mechanism,
// propagating upstream into a paused transport read.
func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) error {
	heartbeat := time.NewTimer(s.cfg.HeartbeatWindow)
	defer heartbeat.Stop()

	msgCh := make(chan []byte, 1)
	errCh := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				select {
				case errCh <- err:
				case <-done:
				}
				return
			}
			select {
			case msgCh <- raw:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stopCh:
			return nil
		case err := <-errCh:
			return err
		case <-heartbeat.C:
			if s.errorsTotal != nil {
				s.errorsTotal.Inc(1, "missed_heartbeat")
			}
			return fmt.Errorf("missed heartbeat window")
		case raw := <-msgCh:
			heartbeat.Reset(s.cfg.HeartbeatWindow)
			s.handleFrame(ctx, raw)
		}
	}
}

func (s *Session) handleFrame(ctx context.Context, raw []byte) {
	kind, env, ok := internalsession.DecodeFrame(raw)
	if !ok {
		if s.errorsTotal != nil {
			s.errorsTotal.Inc(1, "unknown_frame")
		}
		return
	}
	switch kind {
	case internalsession.FramePing:
		// transport library answers control-frame pings automatically;
		// application-level pings need no response beyond heartbeat reset.
	case internalsession.FrameEvent:
		re, err := internalsession.DecodeEvent(env)
		if err != nil {
			if s.errorsTotal != nil {
				s.errorsTotal.Inc(1, "parse_error")
			}
			return
		}
		re.ReceivedAt = time.Now()
		re.Raw, _ = json.Marshal(env)
		if s.eventsTotal != nil {
			s.eventsTotal.Inc(1)
		}
		// Blocking send: the required backpressure mechanism. The read loop
		// (and therefore the transport) pauses here when out is full.
		select {
		case s.out <- re:
		case <-ctx.Done():
		case <-s.stopCh:
		}
	default:
		// recognized-but-uninteresting frame kinds (e.g. result acks for
		// requests we don't track) are ignored.
	}
}

// fingerprint returns a short, irreversible token identifier safe to log —
// the token itself must never appear in logs.
func fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:6])
}
