// Package scheduler is the durable job scheduler.
//
// It is responsible for:
//   - defining one handler per job kind
//   - registering recurring (Every) and one-off (Schedule) jobs in the store
//   - polling the store for due jobs and claiming them
//   - handing claimed jobs to the task engine, bounded by its permits
//
// Outcome bookkeeping (next fire, retry, terminal) is delegated to
// internal/task/execution.
package scheduler
