package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotConnected is returned while the client is stopped (for example
	// between the stop and start halves of a reconnect).
	ErrNotConnected = errors.New("job store not connected")
	ErrNotFound     = errors.New("job not found")
	ErrEmptyFilter  = errors.New("refusing to delete with an empty filter")
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config configures the job store.
//
// Driver values:
//   - "sqlite": DSN is a file path (directories are created)
//   - "postgres": DSN is a lib/pq connection string or URL
type Config struct {
	Driver         string
	DSN            string
	BusyTimeout    time.Duration // sqlite only
	MaxOpenConns   int           // postgres only; sqlite always uses one writer
	ConnectTimeout time.Duration
}

type Status string

const (
	StatusPending Status = "pending"
	// StatusTerminal marks a job that exhausted its retries. It stays inert
	// until it is upserted again or cancelled.
	StatusTerminal Status = "terminal"
)

// Data is the job payload.
type Data struct {
	UserID           string    `json:"userId"`
	HabitID          string    `json:"habitId"`
	Message          string    `json:"message"`
	NotificationType string    `json:"notificationType"`
	ScheduledTime    time.Time `json:"scheduledTime"`
}

// Job is a persisted job record.
type Job struct {
	ID             int64      `json:"id"`
	Kind           string     `json:"kind"`
	Name           string     `json:"name"`
	UniqueKey      string     `json:"uniqueKey"`
	Data           Data       `json:"data"`
	RepeatPattern  string     `json:"repeatPattern"`
	Timezone       string     `json:"timezone"`
	Status         Status     `json:"status"`
	NextRunAt      time.Time  `json:"nextRunAt"`
	LastFinishedAt *time.Time `json:"lastFinishedAt"`
	FailCount      int        `json:"failCount"`
	LockedAt       *time.Time `json:"lockedAt"`
	LastError      string     `json:"lastError,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Recurring reports whether the job has a repeat pattern.
func (j Job) Recurring() bool { return j.RepeatPattern != "" }

// Lock returns the claim time, or the zero time for an unlocked job.
func (j Job) Lock() time.Time {
	if j.LockedAt == nil {
		return time.Time{}
	}
	return *j.LockedAt
}

// Filter selects jobs. Set fields are ANDed; the zero Filter matches every job.
type Filter struct {
	Kind      string
	Name      string
	UniqueKey string
	UserID    string
	HabitID   string
	Status    Status
}

func (f Filter) IsZero() bool { return f == Filter{} }
