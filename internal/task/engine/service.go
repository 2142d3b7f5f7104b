package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	logx "reminderd/pkg/logx"
)

// Config controls the bounded worker pool.
type Config struct {
	// Workers caps concurrent runs across all kinds.
	Workers int
	// KindLimits caps concurrent runs per job kind. Kinds without an entry are
	// bounded by Workers only.
	KindLimits  map[string]int
	HistorySize int
}

type HistoryItem struct {
	Name     string
	Kind     string
	Started  time.Time
	Duration time.Duration
	Error    string
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Workers    int
	InFlight   int
	KindLimits map[string]int
	History    []HistoryItem
}

// Service runs tasks on goroutines under a global permit and optional per-kind
// permits. Acquisition never blocks: callers that fail to get a permit leave
// the work for a later attempt.
type Service struct {
	cfg Config
	log logx.Logger

	global *semaphore.Weighted
	kinds  map[string]*semaphore.Weighted

	inFlight atomic.Int32
	stopped  atomic.Bool
	wg       sync.WaitGroup

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	kinds := make(map[string]*semaphore.Weighted, len(cfg.KindLimits))
	limits := make(map[string]int, len(cfg.KindLimits))
	for k, n := range cfg.KindLimits {
		k = strings.TrimSpace(k)
		if k == "" || n <= 0 {
			continue
		}
		kinds[k] = semaphore.NewWeighted(int64(n))
		limits[k] = n
	}
	cfg.KindLimits = limits
	return &Service{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "engine")),
		global: semaphore.NewWeighted(int64(cfg.Workers)),
		kinds:  kinds,
	}
}

// TryAcquire takes a global permit and then a permit for kind. On success the
// returned release gives both back and is safe to call more than once.
func (s *Service) TryAcquire(kind string) (release func(), ok bool) {
	if s.stopped.Load() {
		return nil, false
	}
	if !s.global.TryAcquire(1) {
		return nil, false
	}
	ks := s.kinds[kind]
	if ks != nil && !ks.TryAcquire(1) {
		s.global.Release(1)
		return nil, false
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			if ks != nil {
				ks.Release(1)
			}
			s.global.Release(1)
		})
	}, true
}

// Go runs fn on its own goroutine and calls release when it returns. A panic in
// fn is recovered and logged as a task error.
func (s *Service) Go(ctx context.Context, name, kind string, release func(), fn func(context.Context) error) error {
	if s.stopped.Load() {
		if release != nil {
			release()
		}
		return ErrStopped
	}
	s.wg.Add(1)
	s.inFlight.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.inFlight.Add(-1)
		if release != nil {
			defer release()
		}

		started := time.Now()
		err := SafeCall(ctx, fn)
		took := time.Since(started)
		s.record(HistoryItem{Name: name, Kind: kind, Started: started, Duration: took, Error: errString(err)})
		if err != nil {
			s.log.Debug("task.finished with error", logx.String("task", name), logx.String("kind", kind), logx.Duration("took", took), logx.Err(err))
			return
		}
		s.log.Trace("task.finished", logx.String("task", name), logx.String("kind", kind), logx.Duration("took", took))
	}()
	return nil
}

// SafeCall runs fn and converts a panic into an error.
func SafeCall(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}

// Stop refuses new work and waits for in-flight tasks until ctx is done.
func (s *Service) Stop(ctx context.Context) error {
	s.stopped.Store(true)
	return s.Wait(ctx)
}

// Wait blocks until every running task has returned or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.log.Warn("engine stop timed out with tasks in flight", logx.Int("in_flight", int(s.inFlight.Load())))
		return ctx.Err()
	}
}

func (s *Service) InFlight() int { return int(s.inFlight.Load()) }

func (s *Service) Snapshot() Snapshot {
	limits := make(map[string]int, len(s.cfg.KindLimits))
	for k, v := range s.cfg.KindLimits {
		limits[k] = v
	}
	s.hmu.Lock()
	hist := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	sort.SliceStable(hist, func(i, j int) bool { return hist[i].Started.After(hist[j].Started) })
	return Snapshot{
		Workers:    s.cfg.Workers,
		InFlight:   s.InFlight(),
		KindLimits: limits,
		History:    hist,
	}
}

func (s *Service) record(h HistoryItem) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, h)
	if over := len(s.history) - s.cfg.HistorySize; over > 0 {
		s.history = append(s.history[:0], s.history[over:]...)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
