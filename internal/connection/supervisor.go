// Package connection keeps the job store connected.
//
// The supervisor consumes ready/error events from the bus in its own loop. A
// transient store error moves it to reconnecting and starts a single
// reconnect loop (stop, then start the store client) with exponential backoff.
// After MaxAttempts failed attempts it halts and leaves the client stopped.
// While halted, ErrNotConnected from callers of the stopped client is ignored;
// another transient error or a manual Restart that fails resumes auto-retry
// from attempt 1. Errors raised before the last state change are stale and
// dropped.
package connection

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"reminderd/internal/eventbus"
	"reminderd/internal/storage"
	logx "reminderd/pkg/logx"
)

var ErrReconnecting = errors.New("reconnect already in progress")

type Status string

const (
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
)

// State is a snapshot of the connection state.
type State struct {
	Status    Status    `json:"status"`
	Attempts  int       `json:"attempts"`
	Halted    bool      `json:"halted"`
	LastError string    `json:"last_error,omitempty"`
	Since     time.Time `json:"since"`
}

// Client is the restartable store client.
type Client interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type Config struct {
	Unit        time.Duration
	MaxInterval time.Duration
	MaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.Unit <= 0 {
		c.Unit = time.Second
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	return c
}

// Backoff returns min(MaxInterval, 2^attempts * Unit).
func (c Config) Backoff(attempts int) time.Duration {
	c = c.withDefaults()
	if attempts < 0 {
		attempts = 0
	}
	d := math.Pow(2, float64(attempts)) * float64(c.Unit)
	if math.IsInf(d, 0) || d >= float64(c.MaxInterval) {
		return c.MaxInterval
	}
	return time.Duration(d)
}

type Supervisor struct {
	cfg    Config
	client Client
	bus    eventbus.Bus
	log    logx.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	state      State
	attempting bool
	runCtx     context.Context
	wg         sync.WaitGroup

	events      <-chan eventbus.Event
	unsubscribe func()
}

func New(cfg Config, client Client, bus eventbus.Bus, log logx.Logger) *Supervisor {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Supervisor{
		cfg:    cfg.withDefaults(),
		client: client,
		bus:    bus,
		log:    log.With(logx.String("comp", "connection")),
		sleep:  sleepCtx,
		state:  State{Status: StatusConnected, Since: time.Now()},
	}
	// Subscribe up front so errors raised before Run are not lost.
	s.subscribe()
	return s
}

func (s *Supervisor) subscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		s.events, s.unsubscribe = s.bus.Subscribe(64, eventbus.TypeReady, eventbus.TypeError)
	}
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run consumes connectivity events until ctx is done, then waits for an
// in-flight reconnect loop to notice the cancellation.
func (s *Supervisor) Run(ctx context.Context) error {
	s.subscribe()
	s.mu.Lock()
	events := s.events
	s.runCtx = ctx
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		unsubscribe := s.unsubscribe
		s.events, s.unsubscribe = nil, nil
		s.runCtx = nil
		s.mu.Unlock()
		unsubscribe()
	}()
	defer s.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.handle(ctx, ev)
		}
	}
}

func (s *Supervisor) handle(ctx context.Context, ev eventbus.Event) {
	switch ev.Type {
	case eventbus.TypeReady:
		s.mu.Lock()
		if !s.attempting && s.state.Status != StatusConnected {
			s.setConnectedLocked()
		}
		s.mu.Unlock()

	case eventbus.TypeError:
		se, _ := ev.Data.(eventbus.StoreEvent)
		if !storage.IsTransient(se.Err) {
			s.log.Debug("ignoring non-connectivity store error", logx.String("op", se.Op), logx.Err(se.Err))
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.attempting {
			return
		}
		if s.state.Halted && errors.Is(se.Err, storage.ErrNotConnected) {
			return
		}
		if !ev.Time.IsZero() && ev.Time.Before(s.state.Since) {
			s.log.Debug("ignoring stale store error", logx.String("op", se.Op), logx.Err(se.Err))
			return
		}
		s.beginLocked(ctx, se.Op, se.Err)
	}
}

// beginLocked moves to reconnecting and starts the reconnect loop.
func (s *Supervisor) beginLocked(ctx context.Context, op string, err error) {
	if s.state.Halted {
		s.state.Attempts = 1
		s.state.Halted = false
	} else {
		s.state.Attempts++
	}
	s.state.Status = StatusReconnecting
	s.state.LastError = errString(err)
	s.state.Since = time.Now()
	s.attempting = true
	s.log.Warn("job store connection lost; reconnecting", logx.String("op", op), logx.Int("attempt", s.state.Attempts), logx.Err(err))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.reconnectLoop(ctx)
	}()
}

func (s *Supervisor) reconnectLoop(ctx context.Context) {
	for {
		s.mu.Lock()
		attempts := s.state.Attempts
		s.mu.Unlock()

		delay := s.cfg.Backoff(attempts)
		if err := s.sleep(ctx, delay); err != nil {
			s.mu.Lock()
			s.attempting = false
			s.mu.Unlock()
			return
		}

		err := s.attempt(ctx)
		s.mu.Lock()
		if err == nil {
			s.setConnectedLocked()
			s.attempting = false
			s.mu.Unlock()
			s.log.Info("job store reconnected", logx.Int("attempts", attempts))
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeReady, Data: eventbus.StoreEvent{Op: "reconnect"}})
			return
		}
		s.state.LastError = err.Error()
		if s.state.Attempts >= s.cfg.MaxAttempts {
			s.state.Halted = true
			s.attempting = false
			n := s.state.Attempts
			s.mu.Unlock()
			s.log.Fatal("job store reconnect gave up; auto-retry halted", logx.Int("attempts", n), logx.Err(err))
			return
		}
		s.state.Attempts++
		next := s.state.Attempts
		s.mu.Unlock()
		s.log.Warn("job store reconnect failed", logx.Int("attempt", attempts), logx.Int("next_attempt", next), logx.Err(err))
	}
}

// Restart runs one reconnect attempt now. On failure auto-retry resumes from
// attempt 1, also when it had halted.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.mu.Lock()
	if s.attempting {
		s.mu.Unlock()
		return ErrReconnecting
	}
	s.attempting = true
	s.mu.Unlock()

	err := s.attempt(ctx)

	s.mu.Lock()
	s.attempting = false
	if err == nil {
		s.setConnectedLocked()
		s.mu.Unlock()
		s.log.Info("job store restarted manually")
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeReady, Data: eventbus.StoreEvent{Op: "restart"}})
		return nil
	}
	s.log.Warn("manual job store restart failed", logx.Err(err))
	if s.runCtx != nil {
		s.state.Attempts, s.state.Halted = 0, false
		s.beginLocked(s.runCtx, "restart", err)
	} else {
		s.state.Status = StatusReconnecting
		s.state.LastError = err.Error()
		s.state.Since = time.Now()
	}
	s.mu.Unlock()
	return err
}

func (s *Supervisor) attempt(ctx context.Context) error {
	if err := s.client.Stop(ctx); err != nil {
		s.log.Debug("store stop before reconnect failed", logx.Err(err))
	}
	return s.client.Start(ctx)
}

func (s *Supervisor) setConnectedLocked() {
	s.state = State{Status: StatusConnected, Since: time.Now()}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
