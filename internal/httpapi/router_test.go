package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reminderd/internal/connection"
	"reminderd/internal/reconcile"
	"reminderd/internal/storage"
	"reminderd/internal/task/scheduler"
)

type fakeConn struct {
	state      connection.State
	restartErr error
	restarts   int
}

func (f *fakeConn) State() connection.State { return f.state }

func (f *fakeConn) Restart(context.Context) error {
	f.restarts++
	return f.restartErr
}

type fakeSched struct {
	jobs    []storage.Job
	err     error
	filters []storage.Filter
}

func (f *fakeSched) Snapshot() scheduler.Snapshot {
	return scheduler.Snapshot{Running: true, Ready: true, Workers: 4}
}

func (f *fakeSched) Jobs(_ context.Context, flt storage.Filter) ([]storage.Job, error) {
	f.filters = append(f.filters, flt)
	return f.jobs, f.err
}

type fakeSweeper struct {
	rep reconcile.Report
	err error
}

func (f *fakeSweeper) Sweep(context.Context) (reconcile.Report, error) { return f.rep, f.err }
func (f *fakeSweeper) Last() reconcile.Report                          { return f.rep }

type fakeReminders struct {
	got struct {
		userID, habitID, message string
		at                       time.Time
	}
	err error
}

func (f *fakeReminders) RemindOnce(_ context.Context, userID, habitID string, at time.Time, message string) (storage.Job, error) {
	f.got.userID, f.got.habitID, f.got.at, f.got.message = userID, habitID, at, message
	if f.err != nil {
		return storage.Job{}, f.err
	}
	return storage.Job{ID: 7, Name: "remind-once-" + habitID, Kind: string(scheduler.KindOneOffReminder)}, nil
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func TestHealth(t *testing.T) {
	conn := &fakeConn{state: connection.State{Status: connection.StatusConnected}}
	h := NewRouter(Deps{Connection: conn, Scheduler: &fakeSched{}, Sweeper: &fakeSweeper{rep: reconcile.Report{Habits: 2}}})

	rec, out := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", out["status"])
	assert.Contains(t, out, "last_sweep")
	assert.NotContains(t, out, "runtime")

	conn.state = connection.State{Status: connection.StatusReconnecting, Attempts: 3}
	rec, out = do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "reconnecting", out["status"])
}

func TestJobs(t *testing.T) {
	sched := &fakeSched{jobs: []storage.Job{{ID: 1, UniqueKey: "u1:h1:7:30"}}}
	h := NewRouter(Deps{Connection: &fakeConn{}, Scheduler: sched})

	rec, out := do(t, h, http.MethodGet, "/jobs?habit_id=h1&user_id=u1&status=pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, out["count"])
	require.Len(t, sched.filters, 1)
	assert.Equal(t, storage.Filter{HabitID: "h1", UserID: "u1", Status: storage.StatusPending}, sched.filters[0])

	rec, _ = do(t, h, http.MethodGet, "/jobs?status=done", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, sched.filters, 1, "bad status never reaches the store")

	sched.jobs = nil
	rec, out = do(t, h, http.MethodGet, "/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{}, out["jobs"])

	sched.err = storage.ErrNotConnected
	rec, _ = do(t, h, http.MethodGet, "/jobs", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRemindOnce(t *testing.T) {
	rem := &fakeReminders{}
	h := NewRouter(Deps{Connection: &fakeConn{}, Scheduler: &fakeSched{}, Reminders: rem})

	rec, out := do(t, h, http.MethodPost, "/reminders",
		`{"user_id":"u1","habit_id":"h1","at":"2030-01-02T07:30:00Z","message":"stretch"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "remind-once-h1", out["name"])
	assert.Equal(t, "u1", rem.got.userID)
	assert.Equal(t, "stretch", rem.got.message)
	assert.True(t, rem.got.at.Equal(time.Date(2030, 1, 2, 7, 30, 0, 0, time.UTC)))

	rec, _ = do(t, h, http.MethodPost, "/reminders", `{"user_id":"u1","when":"tomorrow"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields are rejected")

	rec, _ = do(t, h, http.MethodPost, "/reminders", `{"user_id":"u1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "at is required")

	rem.err = errors.New("reminder time must be in the future")
	rec, out = do(t, h, http.MethodPost, "/reminders", `{"user_id":"u1","at":"2000-01-01T00:00:00Z"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, out["error"], "future")

	rem.err = storage.ErrNotConnected
	rec, _ = do(t, h, http.MethodPost, "/reminders", `{"user_id":"u1","at":"2030-01-01T00:00:00Z"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestOptionalEndpointsAbsent(t *testing.T) {
	h := NewRouter(Deps{Connection: &fakeConn{}, Scheduler: &fakeSched{}})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sweep", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reminders", strings.NewReader("{}")))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSweep(t *testing.T) {
	sw := &fakeSweeper{rep: reconcile.Report{Habits: 3, Created: 1}}
	h := NewRouter(Deps{Connection: &fakeConn{}, Scheduler: &fakeSched{}, Sweeper: sw})

	rec, out := do(t, h, http.MethodPost, "/sweep", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, out["created"])

	sw.err = errors.New("list habits: boom")
	rec, out = do(t, h, http.MethodPost, "/sweep", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "list habits: boom", out["error"])
	assert.Contains(t, out, "report")
}

func TestStoreRestart(t *testing.T) {
	conn := &fakeConn{state: connection.State{Status: connection.StatusConnected}}
	h := NewRouter(Deps{Connection: conn, Scheduler: &fakeSched{}})

	rec, out := do(t, h, http.MethodPost, "/store/restart", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "connected", out["status"])
	assert.Equal(t, 1, conn.restarts)

	conn.restartErr = connection.ErrReconnecting
	rec, _ = do(t, h, http.MethodPost, "/store/restart", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	conn.restartErr = errors.New("dial tcp: refused")
	rec, _ = do(t, h, http.MethodPost, "/store/restart", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestProfilingMount(t *testing.T) {
	off := NewRouter(Deps{Connection: &fakeConn{}, Scheduler: &fakeSched{}})
	rec := httptest.NewRecorder()
	off.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	on := NewRouter(Deps{Connection: &fakeConn{}, Scheduler: &fakeSched{}, Profiling: true})
	rec = httptest.NewRecorder()
	on.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
