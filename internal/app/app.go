// Package app wires the daemon: config, job store, scheduler, habit sync,
// drift sweep and the inspection endpoint.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reminderd/internal/config"
	"reminderd/internal/connection"
	"reminderd/internal/eventbus"
	"reminderd/internal/habit"
	"reminderd/internal/httpapi"
	"reminderd/internal/reconcile"
	"reminderd/internal/runtime/supervisor"
	"reminderd/internal/storage"
	"reminderd/internal/task/engine"
	"reminderd/internal/task/scheduler"
	logx "reminderd/pkg/logx"
	"reminderd/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	cfg  *config.Config

	root logx.Logger
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	client *storage.Client
	store  *storage.Store
	engine *engine.Service
	sched  *scheduler.Service
	conn   *connection.Supervisor

	habits  *habit.Service
	source  habit.Source
	file    *habit.FileSource
	sweeper *reconcile.Sweeper
	http    *httpapi.Server
	sd      *systemd.Notifier

	sup *supervisor.Supervisor
}

// New loads the config at cfgPath and builds every component. Nothing is
// started; an empty cfgPath runs on defaults and environment overrides.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg)
}

func build(cfgm *config.Manager, cfg *config.Config) (*App, error) {
	logs, log := logx.NewService(cfg.Logging.Logx())
	cfgm.SetLogger(log)

	client, err := storage.NewClient(mapStorageConfig(cfg), log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	store := storage.NewStore(client)

	n, err := buildNotifier(cfg, log)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	bus := eventbus.New()
	eng := engine.New(mapEngineConfig(cfg), log)
	sched := scheduler.New(mapSchedulerConfig(cfg), store, eng, mapPolicy(cfg), bus, log)
	handler := habit.ReminderHandler(n)
	for _, kind := range []scheduler.Kind{scheduler.KindHabitReminder, scheduler.KindOneOffReminder} {
		if err := sched.Define(kind, handler); err != nil {
			_ = logs.Close()
			return nil, err
		}
	}

	a := &App{
		cfgm:   cfgm,
		cfg:    cfg,
		root:   log,
		log:    log.With(logx.String("comp", "app")),
		logs:   logs,
		bus:    bus,
		client: client,
		store:  store,
		engine: eng,
		sched:  sched,
		conn:   connection.New(mapConnectionConfig(cfg), client, bus, log),
		habits: habit.NewService(sched, log),
		sd:     systemd.New(log),
	}

	a.source = habit.Static{}
	if cfg.Habits.File != "" {
		a.file = habit.NewFileSource(cfg.Habits.File, log)
		a.source = a.file
	}
	if cfg.Reconcile.On() {
		a.sweeper = reconcile.New(mapReconcileConfig(cfg), a.source, sched, log)
	}
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start connects the job store and launches the background loops. It returns
// once the loops are running.
func (a *App) Start(ctx context.Context) error {
	if err := a.client.Start(ctx); err != nil {
		return fmt.Errorf("start job store: %w", err)
	}
	a.log.Info("job store connected", logx.String("driver", a.client.Driver()))

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	restart := supervisor.RestartPolicy{}

	a.sup.Go("connection", a.conn.Run)
	a.sup.GoRestart("scheduler.poller", a.sched.Run, restart)

	if a.sweeper != nil {
		a.sup.GoRestart("reconcile.sweep", a.sweeper.Run, restart)
	} else {
		a.seed(ctx)
	}
	if a.file != nil && a.cfg.Habits.Watch {
		a.sup.GoRestart("habits.watch", func(c context.Context) error {
			return a.file.Watch(c, func(changed []habit.Habit, removed []string) {
				a.applyHabits(c, changed, removed)
			})
		}, restart)
	}

	a.startHTTP()
	a.startEventLog()
	a.startConfigReload()
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", a.sd.Watchdog)

	a.sd.Ready()
	a.log.Info("app started")
	return nil
}

// seed applies every habit once when no sweeper runs.
func (a *App) seed(ctx context.Context) {
	hs, err := a.source.List(ctx)
	if err != nil {
		a.log.Warn("load habits failed", logx.Err(err))
		return
	}
	a.applyHabits(ctx, hs, nil)
}

func (a *App) applyHabits(ctx context.Context, changed []habit.Habit, removed []string) {
	for _, h := range changed {
		if _, err := a.habits.Apply(ctx, h); err != nil {
			a.log.Warn("apply habit failed", logx.String("habit_id", h.ID), logx.Err(err))
		}
	}
	for _, id := range removed {
		if _, err := a.habits.Remove(ctx, id); err != nil {
			a.log.Warn("remove habit failed", logx.String("habit_id", id), logx.Err(err))
		}
	}
}

func (a *App) startHTTP() {
	hc := a.cfg.HTTP
	if hc.Addr == "" {
		return
	}
	deps := httpapi.Deps{
		Connection: a.conn,
		Scheduler:  a.sched,
		Reminders:  a.habits,
		Runtime:    a.sup,
		Log:        a.root,
		Profiling:  hc.Pprof,
	}
	// A nil *Sweeper in the interface would register /sweep.
	if a.sweeper != nil {
		deps.Sweeper = a.sweeper
	}
	a.http = httpapi.NewServer(hc.Addr, hc.ReadTimeout.D(), httpapi.NewRouter(deps), a.root)
	a.sup.Go("http", a.http.Run)
}

// startEventLog logs bus events at debug level.
func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", string(e.Type)), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})
}

// startConfigReload applies logging changes live. Every other section is read
// once at startup.
func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				changed := config.Changed(last, next)
				last = next
				a.logs.Apply(next.Logging.Logx())
				if rs := config.RequiresRestart(changed); len(rs) > 0 {
					a.log.Warn("config changed; restart required for changes to take effect", logx.Any("sections", rs))
				}
			}
		}
	})
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Cancel first so every loop starts unwinding.
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	// Loops first (poller, sweep, watchers, http), then in-flight runs, then the store.
	step("supervisor", 5*time.Second, a.sup.Wait)
	step("scheduler", 10*time.Second, a.sched.Stop)
	step("storage", 2*time.Second, a.client.Stop)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}
