package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const jobColumns = `id, kind, name, unique_key, data, repeat_pattern, timezone, status,
	next_run_at, last_finished_at, fail_count, locked_at, last_error, created_at, updated_at`

// Store performs job operations through a Client. It stays valid across
// client restarts; calls made while the client is stopped fail with
// ErrNotConnected.
type Store struct {
	c   *Client
	now func() time.Time
}

func NewStore(c *Client) *Store {
	return &Store{c: c, now: time.Now}
}

func (s *Store) Client() *Client { return s.c }

func (s *Store) Ping(ctx context.Context) error {
	db, err := s.c.DB()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

// Upsert inserts j or, when a job with the same unique key exists, replaces its
// pattern, payload and next fire. An upsert always leaves the job pending and
// unlocked with a zero failure count, which revives terminal jobs. Clearing the
// lock voids the bookkeeping of a run still in flight.
func (s *Store) Upsert(ctx context.Context, j Job) (int64, error) {
	if strings.TrimSpace(j.UniqueKey) == "" {
		return 0, errors.New("upsert: unique key is required")
	}
	if strings.TrimSpace(j.Kind) == "" {
		return 0, errors.New("upsert: kind is required")
	}
	db, err := s.c.DB()
	if err != nil {
		return 0, err
	}
	if j.Timezone == "" {
		j.Timezone = "UTC"
	}
	data, err := json.Marshal(j.Data)
	if err != nil {
		return 0, fmt.Errorf("upsert: encode data: %w", err)
	}
	now := s.now().UnixMilli()

	q := s.c.dialect.rebind(`INSERT INTO jobs(kind, name, unique_key, user_id, habit_id, data, repeat_pattern, timezone,
		status, next_run_at, fail_count, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?,'pending',?,0,?,?)
		ON CONFLICT(unique_key) DO UPDATE SET
			kind=excluded.kind,
			name=excluded.name,
			user_id=excluded.user_id,
			habit_id=excluded.habit_id,
			data=excluded.data,
			repeat_pattern=excluded.repeat_pattern,
			timezone=excluded.timezone,
			next_run_at=excluded.next_run_at,
			status='pending',
			fail_count=0,
			locked_at=NULL,
			last_error=NULL,
			updated_at=excluded.updated_at
		RETURNING id`)

	var id int64
	err = db.QueryRowContext(ctx, q,
		j.Kind, j.Name, j.UniqueKey, j.Data.UserID, j.Data.HabitID, string(data), j.RepeatPattern, j.Timezone,
		j.NextRunAt.UnixMilli(), now, now,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert %s: %w", j.UniqueKey, err)
	}
	return id, nil
}

// Delete removes every job matching f and returns how many were removed.
// An empty filter is rejected.
func (s *Store) Delete(ctx context.Context, f Filter) (int64, error) {
	if f.IsZero() {
		return 0, ErrEmptyFilter
	}
	db, err := s.c.DB()
	if err != nil {
		return 0, err
	}
	where, args := f.where()
	res, err := db.ExecContext(ctx, s.c.dialect.rebind("DELETE FROM jobs"+where), args...)
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) DeleteByID(ctx context.Context, id int64) error {
	db, err := s.c.DB()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, s.c.dialect.rebind("DELETE FROM jobs WHERE id=?"), id)
	return err
}

func (s *Store) List(ctx context.Context, f Filter) ([]Job, error) {
	db, err := s.c.DB()
	if err != nil {
		return nil, err
	}
	where, args := f.where()
	rows, err := db.QueryContext(ctx, s.c.dialect.rebind("SELECT "+jobColumns+" FROM jobs"+where+" ORDER BY id"), args...)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	return scanJobs(rows)
}

func (s *Store) Get(ctx context.Context, id int64) (Job, error) {
	db, err := s.c.DB()
	if err != nil {
		return Job{}, err
	}
	row := db.QueryRowContext(ctx, s.c.dialect.rebind("SELECT "+jobColumns+" FROM jobs WHERE id=?"), id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

// Due returns up to limit pending jobs whose next fire is at or before now and
// whose lock is absent or older than lockLifetime, earliest first.
func (s *Store) Due(ctx context.Context, now time.Time, lockLifetime time.Duration, limit int) ([]Job, error) {
	db, err := s.c.DB()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	q := s.c.dialect.rebind("SELECT " + jobColumns + ` FROM jobs
		WHERE status='pending' AND next_run_at <= ? AND (locked_at IS NULL OR locked_at <= ?)
		ORDER BY next_run_at, id
		LIMIT ?`)
	rows, err := db.QueryContext(ctx, q, now.UnixMilli(), now.Add(-lockLifetime).UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("due: %w", err)
	}
	return scanJobs(rows)
}

// Claim locks job id for the caller. It reports false when another poller got
// there first or the job is no longer pending.
func (s *Store) Claim(ctx context.Context, id int64, now time.Time, lockLifetime time.Duration) (bool, error) {
	db, err := s.c.DB()
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx, s.c.dialect.rebind(`UPDATE jobs SET locked_at=?, updated_at=?
		WHERE id=? AND status='pending' AND (locked_at IS NULL OR locked_at <= ?)`),
		now.UnixMilli(), now.UnixMilli(), id, now.Add(-lockLifetime).UnixMilli())
	if err != nil {
		return false, fmt.Errorf("claim %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Complete records a successful run and moves the job to its next fire.
// lockedAt is the claim time; a job re-registered or reclaimed since then is
// left as is and ErrNotFound is returned.
func (s *Store) Complete(ctx context.Context, id int64, lockedAt, finishedAt, nextRunAt time.Time) error {
	cond, lock := lockCond(lockedAt)
	return s.exec(ctx, "complete", `UPDATE jobs SET last_finished_at=?, next_run_at=?, fail_count=0,
		locked_at=NULL, last_error=NULL, updated_at=? WHERE id=?`+cond,
		append([]any{finishedAt.UnixMilli(), nextRunAt.UnixMilli(), s.now().UnixMilli(), id}, lock...)...)
}

// Reschedule records a failed run that will be retried at nextRunAt. It is
// conditional on lockedAt like Complete.
func (s *Store) Reschedule(ctx context.Context, id int64, lockedAt time.Time, failCount int, nextRunAt time.Time, errMsg string) error {
	cond, lock := lockCond(lockedAt)
	return s.exec(ctx, "reschedule", `UPDATE jobs SET fail_count=?, next_run_at=?, locked_at=NULL,
		last_error=?, updated_at=? WHERE id=?`+cond,
		append([]any{failCount, nextRunAt.UnixMilli(), nullStr(errMsg), s.now().UnixMilli(), id}, lock...)...)
}

// MarkTerminal parks a job that exhausted its retries. It is conditional on
// lockedAt like Complete.
func (s *Store) MarkTerminal(ctx context.Context, id int64, lockedAt time.Time, failCount int, errMsg string) error {
	cond, lock := lockCond(lockedAt)
	return s.exec(ctx, "mark terminal", `UPDATE jobs SET status='terminal', fail_count=?, locked_at=NULL,
		last_error=?, updated_at=? WHERE id=?`+cond,
		append([]any{failCount, nullStr(errMsg), s.now().UnixMilli(), id}, lock...)...)
}

// lockCond matches a row still holding the lock taken at lockedAt. A zero
// lockedAt matches an unlocked row.
func lockCond(lockedAt time.Time) (string, []any) {
	if lockedAt.IsZero() {
		return " AND locked_at IS NULL", nil
	}
	return " AND locked_at=?", []any{lockedAt.UnixMilli()}
}

func (s *Store) exec(ctx context.Context, op, q string, args ...any) error {
	db, err := s.c.DB()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, s.c.dialect.rebind(q), args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (f Filter) where() (string, []any) {
	var conds []string
	var args []any
	add := func(col, v string) {
		if v == "" {
			return
		}
		conds = append(conds, col+"=?")
		args = append(args, v)
	}
	add("kind", f.Kind)
	add("name", f.Name)
	add("unique_key", f.UniqueKey)
	add("user_id", f.UserID)
	add("habit_id", f.HabitID)
	add("status", string(f.Status))
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (Job, error) {
	var (
		j                      Job
		data, status           string
		next, created, updated int64
		finished, locked       sql.NullInt64
		lastErr                sql.NullString
	)
	if err := row.Scan(&j.ID, &j.Kind, &j.Name, &j.UniqueKey, &data, &j.RepeatPattern, &j.Timezone, &status,
		&next, &finished, &j.FailCount, &locked, &lastErr, &created, &updated); err != nil {
		return Job{}, err
	}
	if data != "" {
		if err := json.Unmarshal([]byte(data), &j.Data); err != nil {
			return Job{}, fmt.Errorf("decode job %d data: %w", j.ID, err)
		}
	}
	j.Status = Status(status)
	j.NextRunAt = fromMillis(next)
	j.CreatedAt = fromMillis(created)
	j.UpdatedAt = fromMillis(updated)
	if finished.Valid {
		t := fromMillis(finished.Int64)
		j.LastFinishedAt = &t
	}
	if locked.Valid {
		t := fromMillis(locked.Int64)
		j.LockedAt = &t
	}
	j.LastError = lastErr.String
	return j, nil
}

func scanJobs(rows *sql.Rows) ([]Job, error) {
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
