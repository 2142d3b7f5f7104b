package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"reminderd/internal/eventbus"
	"reminderd/internal/jobkey"
	"reminderd/internal/storage"
	"reminderd/internal/task/engine"
	"reminderd/internal/task/execution"
	logx "reminderd/pkg/logx"
)

type Service struct {
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	store  Store
	engine *engine.Service
	exec   *execution.Supervisor
	now    func() time.Time

	hmu      sync.RWMutex
	handlers map[Kind]Handler

	running atomic.Bool
	ready   atomic.Bool

	polls      atomic.Uint64
	dispatched atomic.Uint64

	smu        sync.Mutex
	lastPollAt time.Time
	lastErr    string
}

func New(cfg Config, store Store, eng *engine.Service, policy execution.Policy, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.New()
	}
	cfg = cfg.withDefaults()
	if policy.Timeout <= 0 {
		policy.Timeout = cfg.LockLifetime
	}
	s := &Service{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "scheduler")),
		bus:      bus,
		store:    store,
		engine:   eng,
		exec:     execution.New(store, bus, NextJobFire, policy, log),
		now:      time.Now,
		handlers: map[Kind]Handler{},
	}
	s.exec.SetClock(func() time.Time { return s.now() })
	return s
}

// Define registers the handler for kind. Each kind may be defined once.
func (s *Service) Define(kind Kind, h Handler) error {
	if strings.TrimSpace(string(kind)) == "" {
		return errors.New("define: kind is required")
	}
	if h == nil {
		return errors.New("define: handler is nil")
	}
	s.hmu.Lock()
	defer s.hmu.Unlock()
	if _, ok := s.handlers[kind]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateKind, kind)
	}
	s.handlers[kind] = h
	s.log.Debug("kind defined", logx.String("kind", string(kind)))
	return nil
}

func (s *Service) handler(kind Kind) Handler {
	s.hmu.RLock()
	defer s.hmu.RUnlock()
	return s.handlers[kind]
}

// Every registers a recurring job keyed by opts.UniqueKey (name when empty).
// Registering an existing key updates it in place.
func (s *Service) Every(ctx context.Context, pattern, name string, payload storage.Data, opts EveryOptions) (storage.Job, error) {
	if opts.Kind == "" {
		opts.Kind = KindHabitReminder
	}
	key := strings.TrimSpace(opts.UniqueKey)
	if key == "" {
		key = name
	}
	tz := strings.TrimSpace(opts.Timezone)
	if tz == "" {
		tz = "UTC"
	}
	next, err := NextFire(pattern, tz, s.now())
	if err != nil {
		return storage.Job{}, err
	}
	j := storage.Job{
		Kind:          string(opts.Kind),
		Name:          name,
		UniqueKey:     key,
		Data:          payload,
		RepeatPattern: pattern,
		Timezone:      tz,
		Status:        storage.StatusPending,
		NextRunAt:     next,
	}
	id, err := s.store.Upsert(ctx, j)
	if err != nil {
		s.storeErr("upsert", err)
		return storage.Job{}, err
	}
	j.ID = id
	s.log.Debug("recurring job registered", logx.String("key", key), logx.String("pattern", pattern), logx.Time("next", next))
	return j, nil
}

// Schedule registers a one-off job that fires once at when and is removed
// after it succeeds.
func (s *Service) Schedule(ctx context.Context, when time.Time, name string, payload storage.Data) (storage.Job, error) {
	if when.IsZero() {
		return storage.Job{}, errors.New("schedule: time is required")
	}
	j := storage.Job{
		Kind:      string(KindOneOffReminder),
		Name:      name,
		UniqueKey: jobkey.OnceKey(name, when.UnixMilli()),
		Data:      payload,
		Timezone:  "UTC",
		Status:    storage.StatusPending,
		NextRunAt: when.UTC(),
	}
	id, err := s.store.Upsert(ctx, j)
	if err != nil {
		s.storeErr("upsert", err)
		return storage.Job{}, err
	}
	j.ID = id
	s.log.Debug("one-off job registered", logx.String("key", j.UniqueKey), logx.Time("at", j.NextRunAt))
	return j, nil
}

// Cancel removes every job matching f. Runs already in flight are not aborted.
func (s *Service) Cancel(ctx context.Context, f storage.Filter) (int64, error) {
	n, err := s.store.Delete(ctx, f)
	if err != nil {
		if !errors.Is(err, storage.ErrEmptyFilter) {
			s.storeErr("delete", err)
		}
		return 0, err
	}
	if n > 0 {
		s.log.Debug("jobs cancelled", logx.Int64("count", n), logx.String("habit_id", f.HabitID), logx.String("key", f.UniqueKey))
	}
	return n, nil
}

func (s *Service) Jobs(ctx context.Context, f storage.Filter) ([]storage.Job, error) {
	jobs, err := s.store.List(ctx, f)
	if err != nil {
		s.storeErr("list", err)
		return nil, err
	}
	return jobs, nil
}

// Run polls for due jobs until ctx is done. It is meant to be hosted by the
// runtime supervisor.
func (s *Service) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("scheduler already running")
	}
	defer s.running.Store(false)
	s.ready.Store(false)

	s.log.Info("poller started", logx.Duration("interval", s.cfg.PollInterval), logx.Int("batch", s.cfg.BatchSize))
	t := time.NewTicker(s.cfg.PollInterval)
	defer t.Stop()

	_, _ = s.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("poller stopped")
			return nil
		case <-t.C:
			_, _ = s.Poll(ctx)
		}
	}
}

// Poll runs one poll cycle and returns how many jobs were dispatched.
func (s *Service) Poll(ctx context.Context) (int, error) {
	now := s.now()
	s.polls.Add(1)
	jobs, err := s.store.Due(ctx, now, s.cfg.LockLifetime, s.cfg.BatchSize)
	s.smu.Lock()
	s.lastPollAt = now
	s.smu.Unlock()
	if err != nil {
		s.storeErr("due", err)
		return 0, err
	}
	s.setLastErr("")
	if s.ready.CompareAndSwap(false, true) {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeReady, Time: now, Data: eventbus.StoreEvent{Op: "poll"}})
	}

	// Runs outlive the poll context so a shutdown drains them instead of
	// cutting them off; the execution policy timeout still bounds them.
	runCtx := context.WithoutCancel(ctx)

	dispatched := 0
	for _, j := range jobs {
		release, ok := s.engine.TryAcquire(j.Kind)
		if !ok {
			// No permit: leave it queued for the next tick.
			continue
		}
		claimed, err := s.store.Claim(ctx, j.ID, now, s.cfg.LockLifetime)
		if err != nil {
			release()
			s.storeErr("claim", err)
			return dispatched, err
		}
		if !claimed {
			release()
			continue
		}

		job := j
		lock := time.UnixMilli(now.UnixMilli()).UTC()
		job.LockedAt = &lock
		h := s.handler(Kind(job.Kind))
		if err := s.engine.Go(runCtx, job.Name, job.Kind, release, func(ctx context.Context) error {
			return s.exec.Run(ctx, job, h)
		}); err != nil {
			// Engine stopping; the lock expires and another poll picks it up.
			return dispatched, ErrStopped
		}
		dispatched++
	}
	if dispatched > 0 {
		s.dispatched.Add(uint64(dispatched))
		s.log.Trace("jobs dispatched", logx.Int("count", dispatched), logx.Int("due", len(jobs)))
	}
	return dispatched, nil
}

// Stop waits for in-flight runs until ctx is done.
func (s *Service) Stop(ctx context.Context) error {
	return s.engine.Stop(ctx)
}

func (s *Service) Snapshot() Snapshot {
	s.hmu.RLock()
	kinds := make([]string, 0, len(s.handlers))
	for k := range s.handlers {
		kinds = append(kinds, string(k))
	}
	s.hmu.RUnlock()
	sort.Strings(kinds)

	s.smu.Lock()
	last, lastErr := s.lastPollAt, s.lastErr
	s.smu.Unlock()

	es := s.engine.Snapshot()
	return Snapshot{
		Kinds:      kinds,
		Running:    s.running.Load(),
		Ready:      s.ready.Load(),
		Polls:      s.polls.Load(),
		Dispatched: s.dispatched.Load(),
		LastPollAt: last,
		LastError:  lastErr,
		InFlight:   es.InFlight,
		Workers:    es.Workers,
	}
}

func (s *Service) storeErr(op string, err error) {
	s.setLastErr(err.Error())
	s.log.Warn("job store operation failed", logx.String("op", op), logx.Err(err))
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeError, Data: eventbus.StoreEvent{Op: op, Err: err}})
}

func (s *Service) setLastErr(msg string) {
	s.smu.Lock()
	s.lastErr = msg
	s.smu.Unlock()
}
