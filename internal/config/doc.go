// Package config holds the reminderd configuration.
//
// Files are JSON or YAML (by extension) and decoded strictly: unknown keys
// are rejected so typos surface at load time. Durations are Go duration
// strings. REMINDERD_* environment variables override file values, and a
// .env file may supply them.
//
// Example (YAML):
//
//	logging: {level: info, console: true}
//	storage: {driver: sqlite, dsn: ./data/reminderd.db}
//	scheduler: {poll_interval: 1s, lock_lifetime: 10m}
//	task_engine: {workers: 4, kind_limits: {habit-reminder: 4, one-off-reminder: 2}}
//	execution: {backoff_unit: 30s, max_backoff: 1h, retry_cap: 5}
//	reconcile: {interval: 5m}
//	notifier: {driver: telegram, rate_per_sec: 25, dedup_window: 10m}
//	http: {addr: 127.0.0.1:8089}
//	habits: {file: ./habits.yaml, watch: true}
package config
