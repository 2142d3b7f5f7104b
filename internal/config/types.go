package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	logx "reminderd/pkg/logx"
)

type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Engine     EngineConfig     `json:"task_engine"`
	Execution  ExecutionConfig  `json:"execution"`
	Connection ConnectionConfig `json:"connection"`
	Reconcile  ReconcileConfig  `json:"reconcile"`
	Notifier   NotifierConfig   `json:"notifier"`
	HTTP       HTTPConfig       `json:"http"`
	Habits     HabitsConfig     `json:"habits"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

func (l LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
	}
}

// StorageConfig selects the job store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "dsn": "./data/jobs.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://reminderd@localhost/reminderd?sslmode=disable" }
type StorageConfig struct {
	Driver         string   `json:"driver"`
	DSN            string   `json:"dsn"`
	BusyTimeout    Duration `json:"busy_timeout,omitempty"` // sqlite
	MaxOpenConns   int      `json:"max_open_conns,omitempty"`
	ConnectTimeout Duration `json:"connect_timeout,omitempty"`
}

// SchedulerConfig controls the due-job poller.
//
// Defaults: poll_interval "1s", batch_size 50, lock_lifetime "10m".
type SchedulerConfig struct {
	PollInterval Duration `json:"poll_interval,omitempty"`
	BatchSize    int      `json:"batch_size,omitempty"`
	LockLifetime Duration `json:"lock_lifetime,omitempty"`
}

// EngineConfig caps concurrent runs. KindLimits caps a single job kind
// further; kinds without an entry share the global cap only.
type EngineConfig struct {
	Workers     int            `json:"workers,omitempty"`
	KindLimits  map[string]int `json:"kind_limits,omitempty"`
	HistorySize int            `json:"history_size,omitempty"`
}

// ExecutionConfig is the retry policy of failed runs:
// delay = min(max_backoff, backoff_base^fail_count * backoff_unit).
type ExecutionConfig struct {
	BackoffBase float64  `json:"backoff_base,omitempty"`
	BackoffUnit Duration `json:"backoff_unit,omitempty"`
	MaxBackoff  Duration `json:"max_backoff,omitempty"`
	RetryCap    int      `json:"retry_cap,omitempty"`
	// Timeout bounds one run. Defaults to scheduler.lock_lifetime.
	Timeout Duration `json:"timeout,omitempty"`
}

type ConnectionConfig struct {
	Unit        Duration `json:"unit,omitempty"`
	MaxInterval Duration `json:"max_interval,omitempty"`
	MaxAttempts int      `json:"max_attempts,omitempty"`
}

// ReconcileConfig controls the drift sweep. Enabled is a pointer so an
// omitted value defaults to true.
type ReconcileConfig struct {
	Enabled  *bool    `json:"enabled,omitempty"`
	Interval Duration `json:"interval,omitempty"`
}

func (r ReconcileConfig) On() bool { return r.Enabled == nil || *r.Enabled }

// NotifierConfig selects how reminders are delivered.
//
// Drivers:
//   - "log": write reminders to the log (default)
//   - "telegram": send through a Telegram bot
type NotifierConfig struct {
	Driver          string         `json:"driver"`
	RatePerSec      float64        `json:"rate_per_sec,omitempty"`
	Burst           int            `json:"burst,omitempty"`
	DedupWindow     Duration       `json:"dedup_window,omitempty"`
	DedupMaxEntries int            `json:"dedup_max_entries,omitempty"`
	Telegram        TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// Chats maps user IDs to chat IDs.
	Chats map[string]int64 `json:"chats,omitempty"`
}

// HTTPConfig controls the inspection endpoint. An empty addr disables it.
// Pprof mounts net/http/pprof under /debug; keep the addr on loopback when set.
type HTTPConfig struct {
	Addr        string   `json:"addr,omitempty"`
	ReadTimeout Duration `json:"read_timeout,omitempty"`
	Pprof       bool     `json:"pprof,omitempty"`
}

type HabitsConfig struct {
	File  string `json:"file"`
	Watch bool   `json:"watch"`
}

const (
	NotifierLog      = "log"
	NotifierTelegram = "telegram"
)

// Normalize fills defaults in place.
func (c *Config) Normalize() {
	c.Logging.Level = strings.TrimSpace(c.Logging.Level)
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if !c.Logging.Console && !c.Logging.File.Enabled {
		c.Logging.Console = true
	}

	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Driver == "sqlite" && strings.TrimSpace(c.Storage.DSN) == "" {
		c.Storage.DSN = "./data/reminderd.db"
	}
	if c.Storage.ConnectTimeout <= 0 {
		c.Storage.ConnectTimeout = Duration(5 * time.Second)
	}

	if c.Scheduler.PollInterval <= 0 {
		c.Scheduler.PollInterval = Duration(time.Second)
	}
	if c.Scheduler.BatchSize <= 0 {
		c.Scheduler.BatchSize = 50
	}
	if c.Scheduler.LockLifetime <= 0 {
		c.Scheduler.LockLifetime = Duration(10 * time.Minute)
	}

	if c.Engine.Workers <= 0 {
		c.Engine.Workers = 4
	}
	if c.Engine.HistorySize <= 0 {
		c.Engine.HistorySize = 200
	}

	if c.Execution.BackoffBase <= 1 {
		c.Execution.BackoffBase = 2
	}
	if c.Execution.BackoffUnit <= 0 {
		c.Execution.BackoffUnit = Duration(30 * time.Second)
	}
	if c.Execution.MaxBackoff <= 0 {
		c.Execution.MaxBackoff = Duration(time.Hour)
	}
	if c.Execution.RetryCap <= 0 {
		c.Execution.RetryCap = 5
	}
	if c.Execution.Timeout <= 0 {
		c.Execution.Timeout = c.Scheduler.LockLifetime
	}

	if c.Connection.Unit <= 0 {
		c.Connection.Unit = Duration(time.Second)
	}
	if c.Connection.MaxInterval <= 0 {
		c.Connection.MaxInterval = Duration(time.Minute)
	}
	if c.Connection.MaxAttempts <= 0 {
		c.Connection.MaxAttempts = 10
	}

	if c.Reconcile.Interval <= 0 {
		c.Reconcile.Interval = Duration(5 * time.Minute)
	}

	c.Notifier.Driver = strings.ToLower(strings.TrimSpace(c.Notifier.Driver))
	if c.Notifier.Driver == "" {
		c.Notifier.Driver = NotifierLog
	}
	if c.Notifier.Burst <= 0 {
		c.Notifier.Burst = 1
	}

	if c.HTTP.ReadTimeout <= 0 {
		c.HTTP.ReadTimeout = Duration(10 * time.Second)
	}
}

// Validate reports every invalid field of a normalized config.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unsupported %q", c.Storage.Driver))
	}
	if c.Storage.Driver == "postgres" && strings.TrimSpace(c.Storage.DSN) == "" {
		errs = append(errs, errors.New("storage.dsn: required for postgres"))
	}
	for kind, n := range c.Engine.KindLimits {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("task_engine.kind_limits.%s: must be > 0", kind))
		}
	}
	if c.Execution.MaxBackoff < c.Execution.BackoffUnit {
		errs = append(errs, errors.New("execution.max_backoff: must be >= backoff_unit"))
	}
	switch c.Notifier.Driver {
	case NotifierLog:
	case NotifierTelegram:
		if strings.TrimSpace(c.Notifier.Telegram.Token) == "" {
			errs = append(errs, errors.New("notifier.telegram.token: required for the telegram driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("notifier.driver: unsupported %q", c.Notifier.Driver))
	}
	if c.Notifier.RatePerSec < 0 {
		errs = append(errs, errors.New("notifier.rate_per_sec: must be >= 0"))
	}
	if c.Habits.Watch && strings.TrimSpace(c.Habits.File) == "" {
		errs = append(errs, errors.New("habits.watch: requires habits.file"))
	}
	return errors.Join(errs...)
}
