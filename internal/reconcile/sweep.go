// Package reconcile repairs drift between declared habits and live reminder
// jobs.
//
// A sweep recompiles every declared habit, recreates expected jobs that are
// missing (or terminal) and cancels live habit jobs nobody expects: orphans
// of an interrupted update, a toggled-off habit or a deleted one. Habits whose
// recurrence does not compile are skipped and their jobs left alone.
// Reconciliation is existence-level; payload differences are not repaired.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"reminderd/internal/habit"
	"reminderd/internal/recurrence"
	"reminderd/internal/storage"
	"reminderd/internal/task/scheduler"
	logx "reminderd/pkg/logx"
)

// Report summarizes one sweep.
type Report struct {
	Habits   int           `json:"habits"`
	Expected int           `json:"expected"`
	Created  int           `json:"created"`
	Removed  int           `json:"removed"`
	Skipped  int           `json:"skipped"`
	Took     time.Duration `json:"took"`
	At       time.Time     `json:"at"`
}

type Config struct {
	Interval time.Duration
}

type Sweeper struct {
	cfg   Config
	src   habit.Source
	sched habit.Scheduler
	log   logx.Logger
	now   func() time.Time

	// mu serializes sweeps; a manual sweep and the periodic one never overlap.
	mu sync.Mutex

	lastMu sync.Mutex
	last   Report
}

func New(cfg Config, src habit.Source, sched habit.Scheduler, log logx.Logger) *Sweeper {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &Sweeper{cfg: cfg, src: src, sched: sched, log: log.With(logx.String("comp", "reconcile")), now: time.Now}
}

// Last returns the report of the latest completed sweep.
// It does not wait for a sweep in progress.
func (s *Sweeper) Last() Report {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	return s.last
}

// Sweep runs one reconciliation pass.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.now()
	rep := Report{At: start}

	habits, err := s.src.List(ctx)
	if err != nil {
		return rep, fmt.Errorf("list habits: %w", err)
	}
	live, err := s.sched.Jobs(ctx, storage.Filter{Kind: string(scheduler.KindHabitReminder)})
	if err != nil {
		return rep, fmt.Errorf("list jobs: %w", err)
	}
	rep.Habits = len(habits)

	liveByKey := make(map[string]storage.Job, len(live))
	for _, j := range live {
		liveByKey[j.UniqueKey] = j
	}

	expected := map[string]struct{}{}
	// Habits whose jobs must not be touched this pass.
	frozen := map[string]struct{}{}
	var errs []error

	for _, h := range habits {
		if !h.Recurrence.NotificationToggle {
			continue
		}
		slots, err := habit.Plan(h, start)
		if err != nil {
			var cfgErr *recurrence.ConfigurationError
			if errors.As(err, &cfgErr) {
				rep.Skipped++
				frozen[h.ID] = struct{}{}
				s.log.Warn("habit skipped: invalid recurrence", logx.String("habit_id", h.ID), logx.Err(err))
				continue
			}
			return rep, err
		}
		for _, slot := range slots {
			expected[slot.Key] = struct{}{}
			rep.Expected++
			j, ok := liveByKey[slot.Key]
			if ok && j.Status != storage.StatusTerminal {
				continue
			}
			if _, err := habit.Register(ctx, s.sched, h, slot); err != nil {
				errs = append(errs, err)
				continue
			}
			rep.Created++
			reason := "missing"
			if ok {
				reason = "terminal"
			}
			s.log.Info("reminder job recreated", logx.String("habit_id", h.ID), logx.String("key", slot.Key), logx.String("reason", reason))
		}
	}

	for _, j := range live {
		if _, ok := expected[j.UniqueKey]; ok {
			continue
		}
		if _, ok := frozen[j.Data.HabitID]; ok {
			continue
		}
		n, err := s.sched.Cancel(ctx, storage.Filter{UniqueKey: j.UniqueKey})
		if err != nil {
			errs = append(errs, fmt.Errorf("cancel %s: %w", j.UniqueKey, err))
			continue
		}
		if n > 0 {
			rep.Removed += int(n)
			s.log.Info("orphan reminder job removed", logx.String("habit_id", j.Data.HabitID), logx.String("key", j.UniqueKey))
		}
	}

	rep.Took = s.now().Sub(start)
	s.lastMu.Lock()
	s.last = rep
	s.lastMu.Unlock()
	lvl := s.log.Debug
	if rep.Created > 0 || rep.Removed > 0 {
		lvl = s.log.Info
	}
	lvl("sweep finished",
		logx.Int("habits", rep.Habits),
		logx.Int("expected", rep.Expected),
		logx.Int("created", rep.Created),
		logx.Int("removed", rep.Removed),
		logx.Int("skipped", rep.Skipped),
		logx.Duration("took", rep.Took),
	)
	return rep, errors.Join(errs...)
}

// Run sweeps once, then every Interval until ctx is done. A sweep still
// running when the next one is due makes that one be skipped.
func (s *Sweeper) Run(ctx context.Context) error {
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.cfg.Interval), func() { s.sweepLogged(ctx) }); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}

	s.sweepLogged(ctx)
	c.Start()
	s.log.Info("sweeper started", logx.Duration("interval", s.cfg.Interval))

	<-ctx.Done()
	stopped := c.Stop()
	<-stopped.Done()
	s.log.Info("sweeper stopped")
	return nil
}

func (s *Sweeper) sweepLogged(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn("sweep failed", logx.Err(err))
	}
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Trace("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
