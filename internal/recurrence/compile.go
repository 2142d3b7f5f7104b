package recurrence

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

const maxDayOfMonth = 31

// Compile turns spec into one Descriptor per custom notification time.
//
// A disabled spec, or one without custom times, yields no descriptors and no
// error. A spec whose mode lacks its required sub-field yields a
// *ConfigurationError and no descriptors.
func Compile(spec Spec, now time.Time) ([]Descriptor, error) {
	if !spec.NotificationToggle || len(spec.CustomNotificationTimes) == 0 {
		return nil, nil
	}

	dom, dow, err := dayFields(spec, now)
	if err != nil {
		return nil, err
	}

	out := make([]Descriptor, 0, len(spec.CustomNotificationTimes))
	for _, t := range spec.CustomNotificationTimes {
		u := t.UTC()
		h, m := u.Hour(), u.Minute()
		out = append(out, Descriptor{
			CronPattern:  fmt.Sprintf("%d %d %s * %s", m, h, dom, dow),
			OriginalTime: t,
			Timezone:     UTC,
			Hour:         h,
			Minute:       m,
		})
	}
	return out, nil
}

// dayFields returns the day-of-month and day-of-week cron fields for spec.
func dayFields(spec Spec, now time.Time) (dom, dow string, err error) {
	switch {
	case spec.TaskType == TaskDaily && spec.TaskDays == DaysEveryday:
		return "*", "*", nil

	case spec.TaskType == TaskDaily && spec.TaskDays == DaysSpecificWeekdays:
		days, err := validWeekdays(spec)
		if err != nil {
			return "", "", err
		}
		return "*", joinInts(days), nil

	case spec.TaskType == TaskWeekly && spec.TaskDays == DaysWeeklyCount:
		if spec.WeeklyCount <= 0 {
			return "", "", configErr(spec, "weekly_count", "must be > 0")
		}
		return "*", joinInts(weekdaysFrom(now.UTC().Weekday(), spec.WeeklyCount)), nil

	case spec.TaskType == TaskMonthly && spec.TaskDays == DaysMonthlyCount:
		if spec.MonthlyCount <= 0 {
			return "", "", configErr(spec, "monthly_count", "must be > 0")
		}
		if spec.MonthlyCount > maxDayOfMonth {
			return "", "", configErr(spec, "monthly_count", fmt.Sprintf("must be <= %d", maxDayOfMonth))
		}
		days := make([]int, spec.MonthlyCount)
		for i := range days {
			days[i] = i + 1
		}
		return joinInts(days), "*", nil
	}
	return "", "", configErr(spec, "", "unsupported task type / task days combination")
}

func validWeekdays(spec Spec) ([]int, error) {
	if len(spec.SpecificWeekdays) == 0 {
		return nil, configErr(spec, "specific_weekdays", "must not be empty")
	}
	seen := make(map[int]struct{}, len(spec.SpecificWeekdays))
	days := make([]int, 0, len(spec.SpecificWeekdays))
	for _, d := range spec.SpecificWeekdays {
		if d < 0 || d > 6 {
			return nil, configErr(spec, "specific_weekdays", fmt.Sprintf("value %d out of range 0-6", d))
		}
		if _, dup := seen[d]; dup {
			return nil, configErr(spec, "specific_weekdays", fmt.Sprintf("value %d repeated", d))
		}
		seen[d] = struct{}{}
		days = append(days, d)
	}
	sort.Ints(days)
	return days, nil
}

// weekdaysFrom returns count consecutive weekdays starting at start, wrapped
// modulo 7 and sorted ascending. Counts above 7 saturate to the full week.
func weekdaysFrom(start time.Weekday, count int) []int {
	if count > 7 {
		count = 7
	}
	days := make([]int, 0, count)
	for i := 0; i < count; i++ {
		days = append(days, (int(start)+i)%7)
	}
	sort.Ints(days)
	return days
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}

func configErr(spec Spec, field, reason string) error {
	return &ConfigurationError{TaskType: spec.TaskType, TaskDays: spec.TaskDays, Field: field, Reason: reason}
}
