package notifier

import (
	"context"
	"sync"
	"time"
)

// Deduped skips a send whose MetaDedupKey was delivered within the window.
// Only successful deliveries are remembered, so a failed send is retried
// normally. Messages without a dedup key always go through.
type Deduped struct {
	next   Notifier
	window time.Duration
	max    int
	now    func() time.Time

	mu    sync.Mutex
	until map[string]time.Time
}

func NewDeduped(next Notifier, window time.Duration, maxEntries int) *Deduped {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &Deduped{next: next, window: window, max: maxEntries, now: time.Now, until: map[string]time.Time{}}
}

func (d *Deduped) Send(ctx context.Context, audienceKey string, msg Message, meta map[string]string) (bool, error) {
	key := meta[MetaDedupKey]
	if d.window <= 0 || key == "" {
		return d.next.Send(ctx, audienceKey, msg, meta)
	}
	key = audienceKey + "|" + key

	d.mu.Lock()
	until, seen := d.until[key]
	d.mu.Unlock()
	if seen && d.now().Before(until) {
		return true, nil
	}

	ok, err := d.next.Send(ctx, audienceKey, msg, meta)
	if err != nil || !ok {
		return ok, err
	}
	d.remember(key)
	return true, nil
}

func (d *Deduped) remember(key string) {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.until[key] = now.Add(d.window)
	for k, t := range d.until {
		if !now.Before(t) {
			delete(d.until, k)
		}
	}
	// Drop earliest expiries until within cap.
	for len(d.until) > d.max {
		var minKey string
		var minT time.Time
		for k, t := range d.until {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(d.until, minKey)
	}
}
