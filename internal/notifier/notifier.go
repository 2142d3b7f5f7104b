// Package notifier is the dispatch side of reminders.
//
// A Notifier delivers one message to one audience. Send reports false (or an
// error) when the message was not delivered; the caller treats both as a
// failed run and retries it. Delivery is at-least-once, so implementations
// should tolerate duplicates; Deduped suppresses the common case.
//
// Implementations:
//   - Log: writes the message to the log (default)
//   - Telegram: sends through a Telegram bot, audience keys map to chat IDs
//
// Wrappers:
//   - RateLimited: token bucket in front of another Notifier
//   - Deduped: suppresses a repeat of a delivered dedup key within a window
package notifier

import (
	"context"
	"errors"
)

var ErrUnknownAudience = errors.New("unknown audience")

// Message is the rendered notification.
type Message struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Well-known metadata keys.
const (
	MetaHabitID       = "habit_id"
	MetaJobKey        = "job_key"
	MetaJobName       = "job_name"
	MetaKind          = "kind"
	MetaType          = "notification_type"
	MetaScheduledTime = "scheduled_time"
	MetaDedupKey      = "dedup_key"
)

type Notifier interface {
	Send(ctx context.Context, audienceKey string, msg Message, meta map[string]string) (bool, error)
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, audienceKey string, msg Message, meta map[string]string) (bool, error)

func (f Func) Send(ctx context.Context, audienceKey string, msg Message, meta map[string]string) (bool, error) {
	return f(ctx, audienceKey, msg, meta)
}
