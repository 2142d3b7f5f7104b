package habit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"reminderd/internal/jobkey"
	"reminderd/internal/recurrence"
	"reminderd/internal/storage"
	"reminderd/internal/task/scheduler"
	logx "reminderd/pkg/logx"
)

// Scheduler is the part of the job scheduler the habit service uses.
type Scheduler interface {
	Every(ctx context.Context, pattern, name string, payload storage.Data, opts scheduler.EveryOptions) (storage.Job, error)
	Schedule(ctx context.Context, when time.Time, name string, payload storage.Data) (storage.Job, error)
	Cancel(ctx context.Context, f storage.Filter) (int64, error)
	Jobs(ctx context.Context, f storage.Filter) ([]storage.Job, error)
}

// Result summarizes one Apply.
type Result struct {
	Keys      []string `json:"keys"`
	Cancelled int64    `json:"cancelled"`
}

type Service struct {
	sched Scheduler
	log   logx.Logger
	now   func() time.Time
}

func NewService(sched Scheduler, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{sched: sched, log: log.With(logx.String("comp", "habit")), now: time.Now}
}

// Apply brings the reminder jobs of h in line with its definition. It returns
// once the jobs are registered and does not wait for any fire.
//
// A disabled habit has its jobs cancelled. An invalid recurrence returns a
// *recurrence.ConfigurationError and leaves the existing jobs untouched.
func (s *Service) Apply(ctx context.Context, h Habit) (Result, error) {
	if err := validate(h); err != nil {
		return Result{}, err
	}
	if !h.Recurrence.NotificationToggle {
		n, err := s.sched.Cancel(ctx, storage.Filter{HabitID: h.ID})
		if err != nil {
			return Result{}, fmt.Errorf("cancel habit %s: %w", h.ID, err)
		}
		s.log.Info("habit reminders disabled", logx.String("habit_id", h.ID), logx.Int64("cancelled", n))
		return Result{Cancelled: n}, nil
	}

	slots, err := Plan(h, s.now())
	if err != nil {
		s.log.Warn("habit recurrence rejected", logx.String("habit_id", h.ID), logx.Err(err))
		return Result{}, err
	}

	res := Result{Keys: make([]string, 0, len(slots))}
	expected := make(map[string]struct{}, len(slots))
	for _, slot := range slots {
		if _, err := Register(ctx, s.sched, h, slot); err != nil {
			return res, err
		}
		expected[slot.Key] = struct{}{}
		res.Keys = append(res.Keys, slot.Key)
	}

	n, err := s.cancelStale(ctx, h.ID, expected)
	res.Cancelled = n
	if err != nil {
		return res, err
	}
	s.log.Info("habit reminders applied", logx.String("habit_id", h.ID), logx.Int("jobs", len(res.Keys)), logx.Int64("cancelled", n))
	return res, nil
}

// Register upserts the reminder job of one slot.
func Register(ctx context.Context, sched Scheduler, h Habit, slot Slot) (storage.Job, error) {
	j, err := sched.Every(ctx, slot.Pattern, slot.Name, Payload(h, slot), scheduler.EveryOptions{
		Kind:      scheduler.KindHabitReminder,
		Timezone:  recurrence.UTC,
		UniqueKey: slot.Key,
	})
	if err != nil {
		return storage.Job{}, fmt.Errorf("schedule %s: %w", slot.Key, err)
	}
	return j, nil
}

// cancelStale removes the habit's recurring jobs whose key is not expected.
func (s *Service) cancelStale(ctx context.Context, habitID string, expected map[string]struct{}) (int64, error) {
	live, err := s.sched.Jobs(ctx, storage.Filter{Kind: string(scheduler.KindHabitReminder), HabitID: habitID})
	if err != nil {
		return 0, fmt.Errorf("list habit %s jobs: %w", habitID, err)
	}
	var total int64
	for _, j := range live {
		if _, ok := expected[j.UniqueKey]; ok {
			continue
		}
		n, err := s.sched.Cancel(ctx, storage.Filter{UniqueKey: j.UniqueKey})
		if err != nil {
			return total, fmt.Errorf("cancel %s: %w", j.UniqueKey, err)
		}
		total += n
	}
	return total, nil
}

// Remove cancels every job of habitID. Runs in flight finish normally.
func (s *Service) Remove(ctx context.Context, habitID string) (int64, error) {
	if strings.TrimSpace(habitID) == "" {
		return 0, errors.New("habit id is required")
	}
	n, err := s.sched.Cancel(ctx, storage.Filter{HabitID: habitID})
	if err != nil {
		return 0, fmt.Errorf("cancel habit %s: %w", habitID, err)
	}
	s.log.Info("habit removed", logx.String("habit_id", habitID), logx.Int64("cancelled", n))
	return n, nil
}

// RemindOnce schedules a single reminder at at.
func (s *Service) RemindOnce(ctx context.Context, userID, habitID string, at time.Time, message string) (storage.Job, error) {
	if strings.TrimSpace(userID) == "" {
		return storage.Job{}, errors.New("user id is required")
	}
	for _, id := range []string{userID, habitID} {
		if err := jobkey.CheckID(id); err != nil {
			return storage.Job{}, fmt.Errorf("%q: %w", id, err)
		}
	}
	if !at.After(s.now()) {
		return storage.Job{}, fmt.Errorf("reminder time %s is not in the future", at.UTC().Format(time.RFC3339))
	}
	name := "remind-once-" + habitID
	if habitID == "" {
		name = "remind-once-" + userID
	}
	return s.sched.Schedule(ctx, at, name, storage.Data{
		UserID:           userID,
		HabitID:          habitID,
		Message:          message,
		NotificationType: string(scheduler.KindOneOffReminder),
		ScheduledTime:    at.UTC(),
	})
}

func validate(h Habit) error {
	if strings.TrimSpace(h.ID) == "" {
		return errors.New("habit id is required")
	}
	if strings.TrimSpace(h.UserID) == "" {
		return fmt.Errorf("habit %s: user id is required", h.ID)
	}
	if err := jobkey.CheckID(h.ID); err != nil {
		return fmt.Errorf("habit %s: %w", h.ID, err)
	}
	if err := jobkey.CheckID(h.UserID); err != nil {
		return fmt.Errorf("habit %s: user %s: %w", h.ID, h.UserID, err)
	}
	return nil
}
