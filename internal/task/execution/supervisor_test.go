package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reminderd/internal/eventbus"
	"reminderd/internal/storage"
	"reminderd/internal/task/engine"
	logx "reminderd/pkg/logx"
)

type call struct {
	op        string
	id        int64
	lock      time.Time
	failCount int
	next      time.Time
	errMsg    string
}

type fakeStore struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (f *fakeStore) add(c call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	return f.err
}

func (f *fakeStore) Complete(_ context.Context, id int64, lock, _, next time.Time) error {
	return f.add(call{op: "complete", id: id, lock: lock, next: next})
}

func (f *fakeStore) Reschedule(_ context.Context, id int64, lock time.Time, failCount int, next time.Time, errMsg string) error {
	return f.add(call{op: "reschedule", id: id, lock: lock, failCount: failCount, next: next, errMsg: errMsg})
}

func (f *fakeStore) MarkTerminal(_ context.Context, id int64, lock time.Time, failCount int, errMsg string) error {
	return f.add(call{op: "terminal", id: id, lock: lock, failCount: failCount, errMsg: errMsg})
}

func (f *fakeStore) DeleteByID(_ context.Context, id int64) error {
	return f.add(call{op: "delete", id: id})
}

var now = time.Date(2024, 1, 3, 7, 30, 0, 0, time.UTC)

func newSupervisor(st Store, bus eventbus.Bus) *Supervisor {
	next := func(_ storage.Job, after time.Time) (time.Time, error) { return after.Add(24 * time.Hour), nil }
	s := New(st, bus, next, Policy{}, logx.Nop())
	s.now = func() time.Time { return now }
	return s
}

var recurring = storage.Job{ID: 1, Kind: "habit-reminder", UniqueKey: "u1:h1:7:30", RepeatPattern: "30 7 * * *"}

func TestBackoff(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 30*time.Second, p.Backoff(0))
	assert.Equal(t, time.Minute, p.Backoff(1))
	assert.Equal(t, 2*time.Minute, p.Backoff(2))
	assert.Equal(t, 16*time.Minute, p.Backoff(5))
	assert.Equal(t, time.Hour, p.Backoff(7))
	assert.Equal(t, time.Hour, p.Backoff(5000))

	prev := time.Duration(0)
	for n := 0; n < 40; n++ {
		d := p.Backoff(n)
		assert.GreaterOrEqual(t, d, prev, "backoff must not decrease at %d", n)
		prev = d
	}
}

func TestRun_SuccessMovesToNextFire(t *testing.T) {
	st := &fakeStore{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	s := newSupervisor(st, bus)
	job := recurring
	job.FailCount = 3
	require.NoError(t, s.Run(context.Background(), job, func(context.Context, storage.Job) error { return nil }))

	require.Len(t, st.calls, 1)
	assert.Equal(t, "complete", st.calls[0].op)
	assert.Equal(t, now.Add(24*time.Hour), st.calls[0].next)

	assert.Equal(t, eventbus.TypeStart, (<-events).Type)
	assert.Equal(t, eventbus.TypeSuccess, (<-events).Type)
}

func TestRun_OneOffDeletedAfterSuccess(t *testing.T) {
	st := &fakeStore{}
	s := newSupervisor(st, nil)
	job := storage.Job{ID: 9, Kind: "one-off-reminder", UniqueKey: "once:x:1"}
	require.NoError(t, s.Run(context.Background(), job, func(context.Context, storage.Job) error { return nil }))
	require.Len(t, st.calls, 1)
	assert.Equal(t, "delete", st.calls[0].op)
}

func TestRun_FailureReschedulesWithBackoff(t *testing.T) {
	st := &fakeStore{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, eventbus.TypeFail)
	defer unsub()

	s := newSupervisor(st, bus)
	job := recurring
	job.FailCount = 1
	require.NoError(t, s.Run(context.Background(), job, func(context.Context, storage.Job) error { return errors.New("smtp down") }))

	require.Len(t, st.calls, 1)
	c := st.calls[0]
	assert.Equal(t, "reschedule", c.op)
	assert.Equal(t, 2, c.failCount)
	assert.Equal(t, now.Add(2*time.Minute), c.next)
	assert.Equal(t, "smtp down", c.errMsg)

	ev := (<-events).Data.(eventbus.JobEvent)
	assert.Equal(t, 2, ev.FailCount)
	assert.Equal(t, "smtp down", ev.Error)
	assert.False(t, ev.Terminal)
}

func TestRun_TerminalAfterRetryCap(t *testing.T) {
	st := &fakeStore{}
	s := newSupervisor(st, nil)
	job := recurring
	job.FailCount = 5
	require.NoError(t, s.Run(context.Background(), job, func(context.Context, storage.Job) error { return errors.New("still down") }))
	require.Len(t, st.calls, 1)
	assert.Equal(t, "terminal", st.calls[0].op)
	assert.Equal(t, 6, st.calls[0].failCount)
}

func TestRun_NoRetryGoesTerminal(t *testing.T) {
	st := &fakeStore{}
	s := newSupervisor(st, nil)
	require.NoError(t, s.Run(context.Background(), recurring, func(context.Context, storage.Job) error {
		return engine.NoRetry(errors.New("unknown chat"))
	}))
	require.Len(t, st.calls, 1)
	assert.Equal(t, "terminal", st.calls[0].op)
	assert.Equal(t, 1, st.calls[0].failCount)
}

func TestRun_RetryHintCapped(t *testing.T) {
	st := &fakeStore{}
	s := newSupervisor(st, nil)
	require.NoError(t, s.Run(context.Background(), recurring, func(context.Context, storage.Job) error {
		return engine.RetryAfter(errors.New("flood"), 3*time.Hour)
	}))
	require.Len(t, st.calls, 1)
	assert.Equal(t, now.Add(time.Hour), st.calls[0].next)
}

func TestRun_UnknownKindAndPanicAreFailures(t *testing.T) {
	st := &fakeStore{}
	s := newSupervisor(st, nil)
	require.NoError(t, s.Run(context.Background(), recurring, nil))
	require.NoError(t, s.Run(context.Background(), recurring, func(context.Context, storage.Job) error { panic("nil map") }))

	require.Len(t, st.calls, 2)
	assert.Equal(t, "reschedule", st.calls[0].op)
	assert.Contains(t, st.calls[0].errMsg, ErrUnknownKind.Error())
	assert.Equal(t, "reschedule", st.calls[1].op)
	assert.Contains(t, st.calls[1].errMsg, "panic: nil map")
}

func TestRun_StoreErrorPublished(t *testing.T) {
	st := &fakeStore{err: storage.ErrNotConnected}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, eventbus.TypeError)
	defer unsub()

	s := newSupervisor(st, bus)
	err := s.Run(context.Background(), recurring, func(context.Context, storage.Job) error { return nil })
	assert.ErrorIs(t, err, storage.ErrNotConnected)

	ev := (<-events).Data.(eventbus.StoreEvent)
	assert.Equal(t, "complete", ev.Op)
	assert.ErrorIs(t, ev.Err, storage.ErrNotConnected)
}

func TestRun_HandlerTimeout(t *testing.T) {
	st := &fakeStore{}
	s := New(st, nil, nil, Policy{Timeout: 20 * time.Millisecond}, logx.Nop())
	s.now = func() time.Time { return now }
	err := s.Run(context.Background(), recurring, func(ctx context.Context, _ storage.Job) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	require.Len(t, st.calls, 1)
	assert.Equal(t, "reschedule", st.calls[0].op)
	assert.Contains(t, st.calls[0].errMsg, "deadline exceeded")
}

func TestRun_BookkeepingCarriesClaimLock(t *testing.T) {
	st := &fakeStore{}
	s := newSupervisor(st, nil)
	lock := now.Add(-time.Second)
	job := recurring
	job.LockedAt = &lock

	require.NoError(t, s.Run(context.Background(), job, func(context.Context, storage.Job) error { return nil }))
	require.NoError(t, s.Run(context.Background(), job, func(context.Context, storage.Job) error { return errors.New("down") }))
	job.FailCount = 5
	require.NoError(t, s.Run(context.Background(), job, func(context.Context, storage.Job) error { return errors.New("down") }))

	require.Len(t, st.calls, 3)
	for _, c := range st.calls {
		assert.True(t, c.lock.Equal(lock), c.op)
	}
}

func TestRun_ChangedJobIsNotAnError(t *testing.T) {
	st := &fakeStore{err: storage.ErrNotFound}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, eventbus.TypeError)
	defer unsub()

	s := newSupervisor(st, bus)
	require.NoError(t, s.Run(context.Background(), recurring, func(context.Context, storage.Job) error { return nil }))
	select {
	case ev := <-events:
		t.Fatalf("unexpected store error event: %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}
