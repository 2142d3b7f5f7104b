package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reminderd/internal/eventbus"
	"reminderd/internal/habit"
	"reminderd/internal/recurrence"
	"reminderd/internal/storage"
	"reminderd/internal/task/engine"
	"reminderd/internal/task/execution"
	"reminderd/internal/task/scheduler"
	logx "reminderd/pkg/logx"
)

type harness struct {
	sched *scheduler.Service
	store *storage.Store
	svc   *habit.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	c, err := storage.NewClient(storage.Config{Driver: storage.DriverSQLite, DSN: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	st := storage.NewStore(c)
	sched := scheduler.New(scheduler.Config{}, st, engine.New(engine.Config{Workers: 1}, logx.Nop()), execution.Policy{}, eventbus.New(), logx.Nop())
	return &harness{sched: sched, store: st, svc: habit.NewService(sched, logx.Nop())}
}

func (h *harness) keys(t *testing.T) []string {
	t.Helper()
	jobs, err := h.sched.Jobs(context.Background(), storage.Filter{})
	require.NoError(t, err)
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.UniqueKey)
	}
	sort.Strings(out)
	return out
}

func daily(on bool, times ...time.Time) recurrence.Spec {
	return recurrence.Spec{
		TaskType:                recurrence.TaskDaily,
		TaskDays:                recurrence.DaysEveryday,
		CustomNotificationTimes: times,
		NotificationToggle:      on,
	}
}

func at(h, m int) time.Time { return time.Date(2024, 1, 1, h, m, 0, 0, time.UTC) }

func TestSweep_RemovesOrphanOfToggledOffHabit(t *testing.T) {
	ctx := context.Background()
	hs := newHarness(t)
	h1 := habit.Habit{ID: "h1", UserID: "u1", Recurrence: daily(true, at(7, 30))}
	h2 := habit.Habit{ID: "h2", UserID: "u1", Recurrence: daily(true, at(21, 0))}
	_, err := hs.svc.Apply(ctx, h1)
	require.NoError(t, err)
	_, err = hs.svc.Apply(ctx, h2)
	require.NoError(t, err)

	// h2 was toggled off but its cancel never happened.
	h2.Recurrence.NotificationToggle = false
	sw := New(Config{}, habit.Static{h1, h2}, hs.sched, logx.Nop())

	rep, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Removed)
	assert.Zero(t, rep.Created)
	assert.Equal(t, 1, rep.Expected)
	assert.Equal(t, []string{"u1:h1:7:30"}, hs.keys(t))
}

func TestSweep_RecreatesMissingJob(t *testing.T) {
	ctx := context.Background()
	hs := newHarness(t)
	h1 := habit.Habit{ID: "h1", UserID: "u1", Recurrence: daily(true, at(7, 30), at(12, 0), at(21, 0))}
	_, err := hs.svc.Apply(ctx, h1)
	require.NoError(t, err)

	jobs, err := hs.sched.Jobs(ctx, storage.Filter{UniqueKey: "u1:h1:12:0"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	untouched, err := hs.sched.Jobs(ctx, storage.Filter{UniqueKey: "u1:h1:7:30"})
	require.NoError(t, err)

	_, err = hs.sched.Cancel(ctx, storage.Filter{UniqueKey: "u1:h1:12:0"})
	require.NoError(t, err)

	sw := New(Config{}, habit.Static{h1}, hs.sched, logx.Nop())
	rep, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Created)
	assert.Zero(t, rep.Removed)
	assert.Equal(t, []string{"u1:h1:12:0", "u1:h1:21:0", "u1:h1:7:30"}, hs.keys(t))

	after, err := hs.sched.Jobs(ctx, storage.Filter{UniqueKey: "u1:h1:7:30"})
	require.NoError(t, err)
	assert.Equal(t, untouched[0].ID, after[0].ID)
	assert.Equal(t, untouched[0].UpdatedAt, after[0].UpdatedAt, "correct jobs are not rewritten")

	rep, err = sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Created+rep.Removed, "a converged store needs no repair")
}

func TestSweep_RemovesJobsOfDeletedHabit(t *testing.T) {
	ctx := context.Background()
	hs := newHarness(t)
	_, err := hs.svc.Apply(ctx, habit.Habit{ID: "gone", UserID: "u1", Recurrence: daily(true, at(6, 0), at(18, 0))})
	require.NoError(t, err)

	// One-off reminders are not habit jobs and survive the sweep.
	_, err = hs.sched.Schedule(ctx, time.Now().Add(time.Hour), "remind-once-u1", storage.Data{UserID: "u1"})
	require.NoError(t, err)

	rep, err := New(Config{}, habit.Static{}, hs.sched, logx.Nop()).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Removed)
	assert.Len(t, hs.keys(t), 1)
}

func TestSweep_RevivesTerminalJob(t *testing.T) {
	ctx := context.Background()
	hs := newHarness(t)
	h1 := habit.Habit{ID: "h1", UserID: "u1", Recurrence: daily(true, at(7, 30))}
	_, err := hs.svc.Apply(ctx, h1)
	require.NoError(t, err)
	jobs, err := hs.sched.Jobs(ctx, storage.Filter{HabitID: "h1"})
	require.NoError(t, err)
	require.NoError(t, hs.store.MarkTerminal(ctx, jobs[0].ID, time.Time{}, 6, "notifier down"))

	rep, err := New(Config{}, habit.Static{h1}, hs.sched, logx.Nop()).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Created)

	jobs, err = hs.sched.Jobs(ctx, storage.Filter{HabitID: "h1"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, storage.StatusPending, jobs[0].Status)
	assert.Zero(t, jobs[0].FailCount)
}

func TestSweep_SkipsInvalidHabit(t *testing.T) {
	ctx := context.Background()
	hs := newHarness(t)
	h1 := habit.Habit{ID: "h1", UserID: "u1", Recurrence: daily(true, at(7, 30))}
	_, err := hs.svc.Apply(ctx, h1)
	require.NoError(t, err)

	h1.Recurrence.TaskType = recurrence.TaskWeekly
	h1.Recurrence.TaskDays = recurrence.DaysWeeklyCount
	rep, err := New(Config{}, habit.Static{h1}, hs.sched, logx.Nop()).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Skipped)
	assert.Zero(t, rep.Removed)
	assert.Equal(t, []string{"u1:h1:7:30"}, hs.keys(t))
}

type failingSource struct{}

func (failingSource) List(context.Context) ([]habit.Habit, error) {
	return nil, errors.New("habits unavailable")
}

func TestSweep_SourceErrorChangesNothing(t *testing.T) {
	ctx := context.Background()
	hs := newHarness(t)
	_, err := hs.svc.Apply(ctx, habit.Habit{ID: "h1", UserID: "u1", Recurrence: daily(true, at(7, 30))})
	require.NoError(t, err)

	_, err = New(Config{}, failingSource{}, hs.sched, logx.Nop()).Sweep(ctx)
	assert.Error(t, err)
	assert.Len(t, hs.keys(t), 1)
}

func TestRun_SweepsAtStart(t *testing.T) {
	hs := newHarness(t)
	h1 := habit.Habit{ID: "h1", UserID: "u1", Recurrence: daily(true, at(7, 30))}
	sw := New(Config{Interval: time.Hour}, habit.Static{h1}, hs.sched, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sw.Run(ctx) }()

	require.Eventually(t, func() bool { return sw.Last().Created == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
	assert.Equal(t, []string{"u1:h1:7:30"}, hs.keys(t))
}

type blockingSource struct {
	entered chan struct{}
	release chan struct{}
	habits  []habit.Habit
}

func (b *blockingSource) List(ctx context.Context) ([]habit.Habit, error) {
	b.entered <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return b.habits, nil
}

func TestLast_DoesNotWaitForRunningSweep(t *testing.T) {
	ctx := context.Background()
	hs := newHarness(t)
	src := &blockingSource{
		entered: make(chan struct{}, 2),
		release: make(chan struct{}),
		habits:  []habit.Habit{{ID: "h1", UserID: "u1", Recurrence: daily(true, at(7, 30))}},
	}
	sw := New(Config{}, src, hs.sched, logx.Nop())

	close(src.release)
	first, err := sw.Sweep(ctx)
	require.NoError(t, err)
	<-src.entered

	src.release = make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = sw.Sweep(ctx)
	}()
	<-src.entered

	got := make(chan Report, 1)
	go func() { got <- sw.Last() }()
	select {
	case rep := <-got:
		assert.Equal(t, first.At, rep.At)
		assert.Equal(t, 1, rep.Created)
	case <-time.After(time.Second):
		t.Fatal("Last blocked behind a running sweep")
	}

	close(src.release)
	<-done
}
