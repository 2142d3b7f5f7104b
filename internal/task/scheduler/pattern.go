package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"reminderd/internal/storage"
)

// Repeat patterns are standard 5-field cron (minute hour dom month dow). Each
// field is "*" or an ascending comma list of integers; ranges and steps are
// not accepted.
var patternParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

var fieldBounds = [5]struct {
	name     string
	min, max int
}{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// ValidatePattern checks pattern against the restricted grammar.
func ValidatePattern(pattern string) error {
	fields := strings.Fields(pattern)
	if len(fields) != 5 {
		return fmt.Errorf("%w %q: want 5 fields, got %d", ErrInvalidPattern, pattern, len(fields))
	}
	for i, f := range fields {
		if f == "*" {
			continue
		}
		b := fieldBounds[i]
		prev := -1
		for _, part := range strings.Split(f, ",") {
			n, err := strconv.Atoi(part)
			if err != nil {
				return fmt.Errorf("%w %q: %s field %q is not a number", ErrInvalidPattern, pattern, b.name, part)
			}
			if n < b.min || n > b.max {
				return fmt.Errorf("%w %q: %s %d out of range %d-%d", ErrInvalidPattern, pattern, b.name, n, b.min, b.max)
			}
			if n <= prev {
				return fmt.Errorf("%w %q: %s list must be ascending without repeats", ErrInvalidPattern, pattern, b.name)
			}
			prev = n
		}
	}
	return nil
}

// NextFire returns the first fire of pattern strictly after after, evaluated in
// timezone (UTC when empty). The result is in UTC.
func NextFire(pattern, timezone string, after time.Time) (time.Time, error) {
	if err := ValidatePattern(pattern); err != nil {
		return time.Time{}, err
	}
	loc, err := loadLocation(timezone)
	if err != nil {
		return time.Time{}, err
	}
	sched, err := patternParser.Parse(pattern)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w %q: %v", ErrInvalidPattern, pattern, err)
	}
	next := sched.Next(after.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w %q: never fires", ErrInvalidPattern, pattern)
	}
	return next.UTC(), nil
}

// NextJobFire is NextFire for a stored recurring job.
func NextJobFire(job storage.Job, after time.Time) (time.Time, error) {
	return NextFire(job.RepeatPattern, job.Timezone, after)
}

func loadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "UTC") {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, nil
}
