// Package jobkey derives the idempotency key and display name of reminder jobs.
package jobkey

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"reminderd/internal/recurrence"
)

const sep = ":"

// ErrSeparator rejects an ID that contains the key separator. Such IDs would
// make keys of different users or habits collide.
var ErrSeparator = errors.New(`id must not contain ":"`)

// CheckID reports ErrSeparator when id cannot be part of a key.
func CheckID(id string) error {
	if strings.Contains(id, sep) {
		return ErrSeparator
	}
	return nil
}

// UniqueKey is the concatenation of user, habit, hour and minute. At most one
// job exists per key.
func UniqueKey(userID, habitID string, hour, minute int) string {
	return strings.Join([]string{userID, habitID, strconv.Itoa(hour), strconv.Itoa(minute)}, sep)
}

// JobName is the human-readable job name: reminder-{habitId}-{h}-{m}.
func JobName(habitID string, hour, minute int) string {
	return fmt.Sprintf("reminder-%s-%d-%d", habitID, hour, minute)
}

// ForDescriptor returns the key and name for a compiled descriptor.
func ForDescriptor(userID, habitID string, d recurrence.Descriptor) (key, name string) {
	return UniqueKey(userID, habitID, d.Hour, d.Minute), JobName(habitID, d.Hour, d.Minute)
}

// OnceKey is the key of a one-off job named name firing at unixMilli.
func OnceKey(name string, unixMilli int64) string {
	return "once" + sep + name + sep + strconv.FormatInt(unixMilli, 10)
}
