package recurrence

import (
	"fmt"
	"time"
)

type TaskType string

const (
	TaskDaily   TaskType = "daily"
	TaskWeekly  TaskType = "weekly"
	TaskMonthly TaskType = "monthly"
)

// TaskDays selects the mode within a TaskType.
type TaskDays string

const (
	DaysEveryday         TaskDays = "everyday"
	DaysSpecificWeekdays TaskDays = "specific-weekdays"
	DaysWeeklyCount      TaskDays = "weekly-count"
	DaysMonthlyCount     TaskDays = "monthly-count"
)

// UTC is the only timezone descriptors are produced in.
const UTC = "UTC"

// Spec is a user-authored recurrence definition.
//
// Exactly one of SpecificWeekdays, WeeklyCount and MonthlyCount is meaningful,
// selected by (TaskType, TaskDays). Only the time of day of each entry in
// CustomNotificationTimes is significant.
type Spec struct {
	TaskType                TaskType    `json:"task_type" yaml:"task_type"`
	TaskDays                TaskDays    `json:"task_days" yaml:"task_days"`
	SpecificWeekdays        []int       `json:"specific_weekdays,omitempty" yaml:"specific_weekdays,omitempty"`
	WeeklyCount             int         `json:"weekly_count,omitempty" yaml:"weekly_count,omitempty"`
	MonthlyCount            int         `json:"monthly_count,omitempty" yaml:"monthly_count,omitempty"`
	CustomNotificationTimes []time.Time `json:"custom_notification_times" yaml:"custom_notification_times"`
	NotificationToggle      bool        `json:"notification_toggle" yaml:"notification_toggle"`
	Timezone                string      `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// Descriptor is one compiled schedule. It is recomputed on every Compile and
// never stored on its own.
type Descriptor struct {
	CronPattern  string
	OriginalTime time.Time
	Timezone     string
	Hour         int
	Minute       int
}

// ConfigurationError reports a Spec missing or carrying invalid sub-fields for
// its declared mode. It is not retryable.
type ConfigurationError struct {
	TaskType TaskType
	TaskDays TaskDays
	Field    string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("recurrence %s/%s: %s", e.TaskType, e.TaskDays, e.Reason)
	}
	return fmt.Sprintf("recurrence %s/%s: %s %s", e.TaskType, e.TaskDays, e.Field, e.Reason)
}
