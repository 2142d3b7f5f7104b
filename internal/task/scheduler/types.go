package scheduler

import (
	"context"
	"errors"
	"time"

	"reminderd/internal/storage"
	"reminderd/internal/task/execution"
)

// Kind names a job kind. Dispatch is by exact kind.
type Kind string

const (
	KindHabitReminder  Kind = "habit-reminder"
	KindOneOffReminder Kind = "one-off-reminder"
)

var (
	ErrDuplicateKind  = errors.New("job kind already defined")
	ErrInvalidPattern = errors.New("invalid repeat pattern")
	ErrStopped        = errors.New("scheduler stopped")
)

// Handler runs the work behind one job.
type Handler = execution.Handler

// Store is the job store the scheduler drives.
type Store interface {
	execution.Store
	Upsert(ctx context.Context, j storage.Job) (int64, error)
	Delete(ctx context.Context, f storage.Filter) (int64, error)
	List(ctx context.Context, f storage.Filter) ([]storage.Job, error)
	Due(ctx context.Context, now time.Time, lockLifetime time.Duration, limit int) ([]storage.Job, error)
	Claim(ctx context.Context, id int64, now time.Time, lockLifetime time.Duration) (bool, error)
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	// LockLifetime is how long a claim stays valid. A claimed job whose lock
	// is older than this is eligible again.
	LockLifetime time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.LockLifetime <= 0 {
		c.LockLifetime = 10 * time.Minute
	}
	return c
}

// EveryOptions qualifies a recurring registration.
type EveryOptions struct {
	Kind      Kind
	Timezone  string
	UniqueKey string
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Kinds      []string  `json:"kinds"`
	Running    bool      `json:"running"`
	Ready      bool      `json:"ready"`
	Polls      uint64    `json:"polls"`
	Dispatched uint64    `json:"dispatched"`
	LastPollAt time.Time `json:"last_poll_at"`
	LastError  string    `json:"last_error,omitempty"`
	InFlight   int       `json:"in_flight"`
	Workers    int       `json:"workers"`
}
