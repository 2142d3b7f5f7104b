// Package recurrence compiles habit recurrence definitions into cron
// schedule descriptors.
//
// Compile is pure: it performs no I/O and depends on the clock only through
// the now argument (used by the weekly-count mode to pick the start weekday).
package recurrence
