// Package execution runs a claimed job once and records the outcome: the next
// natural fire on success, a backoff retry on failure, or the terminal state
// once retries are exhausted.
package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"reminderd/internal/eventbus"
	"reminderd/internal/storage"
	"reminderd/internal/task/engine"
	logx "reminderd/pkg/logx"
)

var ErrUnknownKind = errors.New("no handler defined for job kind")

// Handler runs the work behind a job.
type Handler func(ctx context.Context, job storage.Job) error

// Store is the subset of the job store the supervisor writes to.
type Store interface {
	Complete(ctx context.Context, id int64, lockedAt, finishedAt, nextRunAt time.Time) error
	Reschedule(ctx context.Context, id int64, lockedAt time.Time, failCount int, nextRunAt time.Time, errMsg string) error
	MarkTerminal(ctx context.Context, id int64, lockedAt time.Time, failCount int, errMsg string) error
	DeleteByID(ctx context.Context, id int64) error
}

// NextFunc computes the next natural fire of a recurring job after t.
type NextFunc func(job storage.Job, after time.Time) (time.Time, error)

// Policy is the retry policy.
type Policy struct {
	Base       float64
	Unit       time.Duration
	MaxBackoff time.Duration
	// RetryCap is the number of retries allowed; the job goes terminal when its
	// failure count exceeds it.
	RetryCap int
	// Timeout bounds one handler run. It should equal the store lock lifetime
	// so an expired lock never overlaps a live run.
	Timeout time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.Base <= 1 {
		p.Base = 2
	}
	if p.Unit <= 0 {
		p.Unit = 30 * time.Second
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = time.Hour
	}
	if p.RetryCap <= 0 {
		p.RetryCap = 5
	}
	if p.Timeout <= 0 {
		p.Timeout = 10 * time.Minute
	}
	return p
}

// DefaultPolicy returns the policy used when no overrides are configured.
func DefaultPolicy() Policy { return Policy{}.withDefaults() }

// Backoff returns min(MaxBackoff, Base^failCount * Unit). It is non-decreasing
// in failCount.
func (p Policy) Backoff(failCount int) time.Duration {
	p = p.withDefaults()
	if failCount < 0 {
		failCount = 0
	}
	d := math.Pow(p.Base, float64(failCount)) * float64(p.Unit)
	if math.IsInf(d, 0) || d >= float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(d)
}

type Supervisor struct {
	store  Store
	bus    eventbus.Bus
	log    logx.Logger
	policy Policy
	next   NextFunc
	now    func() time.Time
}

func New(store Store, bus eventbus.Bus, next NextFunc, policy Policy, log logx.Logger) *Supervisor {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.New()
	}
	return &Supervisor{
		store:  store,
		bus:    bus,
		log:    log.With(logx.String("comp", "execution")),
		policy: policy.withDefaults(),
		next:   next,
		now:    time.Now,
	}
}

func (s *Supervisor) Policy() Policy { return s.policy }

// SetClock replaces the time source used for finish and retry times. Call it
// before the first Run.
func (s *Supervisor) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Run executes job with h and records the outcome. A nil h is a failure like
// any other. The returned error is only a bookkeeping (store) error; handler
// failures are absorbed into the job record.
func (s *Supervisor) Run(ctx context.Context, job storage.Job, h Handler) error {
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeStart, Data: jobEvent(job, job.FailCount, false, nil)})

	err := s.invoke(ctx, job, h)
	if err == nil {
		return s.succeed(ctx, job)
	}
	return s.fail(ctx, job, err)
}

func (s *Supervisor) invoke(ctx context.Context, job storage.Job, h Handler) error {
	if h == nil {
		return fmt.Errorf("%w: %s", ErrUnknownKind, job.Kind)
	}
	rctx, cancel := context.WithTimeout(ctx, s.policy.Timeout)
	defer cancel()
	return engine.SafeCall(rctx, func(ctx context.Context) error { return h(ctx, job) })
}

func (s *Supervisor) succeed(ctx context.Context, job storage.Job) error {
	now := s.now()
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeSuccess, Time: now, Data: jobEvent(job, 0, false, nil)})

	if !job.Recurring() {
		return s.storeOp("delete one-off", s.store.DeleteByID(ctx, job.ID))
	}
	next, err := s.nextFire(job, now)
	if err != nil {
		s.log.Error("cannot compute next fire; parking job", logx.String("key", job.UniqueKey), logx.String("pattern", job.RepeatPattern), logx.Err(err))
		return s.storeOp("mark terminal", s.store.MarkTerminal(ctx, job.ID, job.Lock(), 0, err.Error()))
	}
	return s.storeOp("complete", s.store.Complete(ctx, job.ID, job.Lock(), now, next))
}

func (s *Supervisor) fail(ctx context.Context, job storage.Job, runErr error) error {
	now := s.now()
	failCount := job.FailCount + 1
	terminal := failCount > s.policy.RetryCap || engine.IsNoRetry(runErr)

	s.bus.Publish(eventbus.Event{Type: eventbus.TypeFail, Time: now, Data: jobEvent(job, failCount, terminal, runErr)})

	if terminal {
		s.log.Warn("job failed permanently", logx.String("key", job.UniqueKey), logx.String("kind", job.Kind), logx.Int("fail_count", failCount), logx.Err(runErr))
		return s.storeOp("mark terminal", s.store.MarkTerminal(ctx, job.ID, job.Lock(), failCount, runErr.Error()))
	}

	delay := s.policy.Backoff(failCount)
	if hint, ok := engine.RetryHint(runErr); ok {
		delay = min(hint, s.policy.MaxBackoff)
	}
	s.log.Info("job failed; retry scheduled", logx.String("key", job.UniqueKey), logx.String("kind", job.Kind), logx.Int("fail_count", failCount), logx.Duration("retry_in", delay), logx.Err(runErr))
	return s.storeOp("reschedule", s.store.Reschedule(ctx, job.ID, job.Lock(), failCount, now.Add(delay), runErr.Error()))
}

func (s *Supervisor) nextFire(job storage.Job, now time.Time) (time.Time, error) {
	if s.next == nil {
		return time.Time{}, errors.New("no next-fire function configured")
	}
	return s.next(job, now)
}

// storeOp publishes store failures on the bus so the connection supervisor can
// react, and passes err through.
func (s *Supervisor) storeOp(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		// Cancelled or re-registered while running.
		s.log.Debug("job changed before bookkeeping", logx.String("op", op))
		return nil
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeError, Data: eventbus.StoreEvent{Op: op, Err: err}})
	return fmt.Errorf("%s: %w", op, err)
}

func jobEvent(job storage.Job, failCount int, terminal bool, err error) eventbus.JobEvent {
	ev := eventbus.JobEvent{
		JobID:     job.ID,
		Kind:      job.Kind,
		Name:      job.Name,
		UniqueKey: job.UniqueKey,
		FailCount: failCount,
		Terminal:  terminal,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}
