package habit

import (
	"context"
	"errors"
	"strconv"
	"time"

	"reminderd/internal/notifier"
	"reminderd/internal/storage"
	"reminderd/internal/task/engine"
	"reminderd/internal/task/scheduler"
)

// ErrNotDelivered is returned when the notifier reports the reminder was not
// delivered. The run fails and is retried with backoff.
var ErrNotDelivered = errors.New("reminder not delivered")

// ReminderHandler returns the job handler for both reminder kinds. The
// audience is the user ID of the payload.
func ReminderHandler(n notifier.Notifier) scheduler.Handler {
	return func(ctx context.Context, job storage.Job) error {
		if job.Data.UserID == "" {
			return engine.NoRetry(errors.New("reminder payload has no user id"))
		}
		ok, err := n.Send(ctx, job.Data.UserID, Message(job), Meta(job))
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotDelivered
		}
		return nil
	}
}

// Message renders the notification of job.
func Message(job storage.Job) notifier.Message {
	title := "Habit reminder"
	if job.Kind == string(scheduler.KindOneOffReminder) {
		title = "Reminder"
	}
	return notifier.Message{Title: title, Body: job.Data.Message}
}

// Meta is the notifier metadata of job. The dedup key names the fire, so a
// run repeated after a lost completion is suppressed.
func Meta(job storage.Job) map[string]string {
	meta := map[string]string{
		notifier.MetaHabitID:  job.Data.HabitID,
		notifier.MetaJobKey:   job.UniqueKey,
		notifier.MetaJobName:  job.Name,
		notifier.MetaKind:     job.Kind,
		notifier.MetaType:     job.Data.NotificationType,
		notifier.MetaDedupKey: job.UniqueKey + "@" + strconv.FormatInt(job.NextRunAt.UnixMilli(), 10),
	}
	if !job.Data.ScheduledTime.IsZero() {
		meta[notifier.MetaScheduledTime] = job.Data.ScheduledTime.UTC().Format(time.RFC3339)
	}
	return meta
}
