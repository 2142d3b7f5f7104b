package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "reminderd/pkg/logx"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	c, err := Attach(db, DriverPostgres, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return NewStore(c), mock
}

func TestRebind(t *testing.T) {
	pg, _ := dialectFor("postgres")
	lite, _ := dialectFor("sqlite")
	q := "UPDATE jobs SET a=?, b=? WHERE id=?"
	assert.Equal(t, "UPDATE jobs SET a=$1, b=$2 WHERE id=$3", pg.rebind(q))
	assert.Equal(t, q, lite.rebind(q))
}

func TestPostgres_UpsertUsesNumberedPlaceholders(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2024, 1, 3, 7, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	next := now.Add(30 * time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT(unique_key) DO UPDATE SET")).
		WithArgs("habit-reminder", "reminder-h1-7-30", "u1:h1:7:30", "u1", "h1", sqlmock.AnyArg(),
			"30 7 * * *", "UTC", next.UnixMilli(), now.UnixMilli(), now.UnixMilli()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

	id, err := s.Upsert(context.Background(), Job{
		Kind:          "habit-reminder",
		Name:          "reminder-h1-7-30",
		UniqueKey:     "u1:h1:7:30",
		RepeatPattern: "30 7 * * *",
		NextRunAt:     next,
		Data:          Data{UserID: "u1", HabitID: "h1"},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 42, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ClaimLost(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2024, 1, 3, 7, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs SET locked_at=$1, updated_at=$2")).
		WithArgs(now.UnixMilli(), now.UnixMilli(), int64(7), now.Add(-time.Minute).UnixMilli()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.Claim(context.Background(), 7, now, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_DeleteByHabit(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM jobs WHERE kind=$1 AND habit_id=$2")).
		WithArgs("habit-reminder", "h1").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.Delete(context.Background(), Filter{Kind: "habit-reminder", HabitID: "h1"})
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ConnectionErrorIsTransient(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT").WillReturnError(&pq.Error{Code: "08006", Message: "connection failure"})

	_, err := s.List(context.Background(), Filter{})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"not connected", ErrNotConnected, true},
		{"bad conn wrapped", fmt.Errorf("due: %w", driver.ErrBadConn), true},
		{"pq admin shutdown", &pq.Error{Code: "57P01"}, true},
		{"pq unique violation", &pq.Error{Code: "23505"}, false},
		{"refused text", errors.New("dial tcp 127.0.0.1:5432: connect: connection refused"), true},
		{"sqlite closed", errors.New("sql: database is closed"), true},
		{"syntax", errors.New("near \"SELEC\": syntax error"), false},
		{"canceled", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestPostgres_CompleteIsConditionalOnLock(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2024, 1, 3, 7, 30, 5, 0, time.UTC)
	s.now = func() time.Time { return now }
	lock := now.Add(-5 * time.Second)
	next := now.Add(24 * time.Hour)

	mock.ExpectExec(regexp.QuoteMeta("WHERE id=$4 AND locked_at=$5")).
		WithArgs(now.UnixMilli(), next.UnixMilli(), now.UnixMilli(), int64(7), lock.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.Complete(context.Background(), 7, lock, now, next)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
