package habit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"sync"
	"time"

	"reminderd/internal/config"
	logx "reminderd/pkg/logx"
)

// Source lists the declared habits. The sweep treats it as the source of
// truth and removes jobs of habits it no longer lists.
type Source interface {
	List(ctx context.Context) ([]Habit, error)
}

// Static is a fixed habit list.
type Static []Habit

func (s Static) List(context.Context) ([]Habit, error) { return append([]Habit(nil), s...), nil }

type habitsFile struct {
	Habits []Habit `json:"habits"`
}

// FileSource reads habits from a JSON or YAML file:
//
//	habits:
//	  - id: h1
//	    user_id: u1
//	    title: Stretch
//	    recurrence: {task_type: daily, task_days: everyday, ...}
type FileSource struct {
	path string
	log  logx.Logger

	mu   sync.Mutex
	last []Habit
}

func NewFileSource(path string, log logx.Logger) *FileSource {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &FileSource{path: path, log: log.With(logx.String("comp", "habit.source"))}
}

func (f *FileSource) Path() string { return f.path }

// List reads the file. A missing file lists no habits.
func (f *FileSource) List(ctx context.Context) ([]Habit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	habits, err := f.read()
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.last = habits
	f.mu.Unlock()
	return append([]Habit(nil), habits...), nil
}

func (f *FileSource) read() ([]Habit, error) {
	var hf habitsFile
	if err := config.DecodeFile(f.path, &hf); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read habits %s: %w", f.path, err)
	}
	seen := make(map[string]struct{}, len(hf.Habits))
	for _, h := range hf.Habits {
		if err := validate(h); err != nil {
			return nil, fmt.Errorf("read habits %s: %w", f.path, err)
		}
		if _, dup := seen[h.ID]; dup {
			return nil, fmt.Errorf("read habits %s: duplicate habit id %q", f.path, h.ID)
		}
		seen[h.ID] = struct{}{}
	}
	return hf.Habits, nil
}

// Watch re-reads the file on change and calls fn with the habits that were
// added or changed and the IDs that disappeared since the previous read. A
// file that fails to parse is logged and skipped.
func (f *FileSource) Watch(ctx context.Context, fn func(changed []Habit, removed []string)) error {
	return config.WatchFile(ctx, f.path, 250*time.Millisecond, f.log, func() {
		next, err := f.read()
		if err != nil {
			f.log.Warn("habits reload failed", logx.String("path", f.path), logx.Err(err))
			return
		}
		f.mu.Lock()
		prev := f.last
		f.last = next
		f.mu.Unlock()

		changed, removed := Diff(prev, next)
		if len(changed) == 0 && len(removed) == 0 {
			f.log.Debug("habits unchanged", logx.String("path", f.path))
			return
		}
		f.log.Info("habits reloaded", logx.Int("changed", len(changed)), logx.Int("removed", len(removed)))
		fn(changed, removed)
	})
}

// Diff compares two habit lists by ID.
func Diff(prev, next []Habit) (changed []Habit, removed []string) {
	old := make(map[string]Habit, len(prev))
	for _, h := range prev {
		old[h.ID] = h
	}
	for _, h := range next {
		if o, ok := old[h.ID]; !ok || !reflect.DeepEqual(o, h) {
			changed = append(changed, h)
		}
		delete(old, h.ID)
	}
	for id := range old {
		removed = append(removed, id)
	}
	sort.Strings(removed)
	return changed, removed
}
