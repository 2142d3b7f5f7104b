// Package habit turns habit definitions into reminder jobs.
//
// Service is the habit-change path: Apply on create or update, Remove on
// delete, RemindOnce for single-instant reminders. A Source lists the
// declared habits for the reconciliation sweep. ReminderHandler is the job
// handler that hands fired reminders to a notifier.
package habit

import (
	"time"

	"reminderd/internal/jobkey"
	"reminderd/internal/recurrence"
	"reminderd/internal/storage"
)

// NotificationType tags reminder payloads.
const NotificationType = "habit-reminder"

type Habit struct {
	ID         string          `json:"id" yaml:"id"`
	UserID     string          `json:"user_id" yaml:"user_id"`
	Title      string          `json:"title" yaml:"title"`
	Message    string          `json:"message,omitempty" yaml:"message,omitempty"`
	Recurrence recurrence.Spec `json:"recurrence" yaml:"recurrence"`
}

// Body returns the reminder text: Message, falling back to Title.
func (h Habit) Body() string {
	if h.Message != "" {
		return h.Message
	}
	return h.Title
}

// Slot is one expected reminder job of a habit.
type Slot struct {
	Key        string
	Name       string
	Pattern    string
	Descriptor recurrence.Descriptor
}

// Plan compiles h into its expected slots, one per distinct unique key.
// Custom times sharing an hour and minute collapse into one slot; the first
// one wins. A disabled habit plans no slots.
func Plan(h Habit, now time.Time) ([]Slot, error) {
	descs, err := recurrence.Compile(h.Recurrence, now)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(descs))
	out := make([]Slot, 0, len(descs))
	for _, d := range descs {
		key, name := jobkey.ForDescriptor(h.UserID, h.ID, d)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, Slot{Key: key, Name: name, Pattern: d.CronPattern, Descriptor: d})
	}
	return out, nil
}

// Payload builds the job payload for slot.
func Payload(h Habit, s Slot) storage.Data {
	return storage.Data{
		UserID:           h.UserID,
		HabitID:          h.ID,
		Message:          h.Body(),
		NotificationType: NotificationType,
		ScheduledTime:    s.Descriptor.OriginalTime,
	}
}
