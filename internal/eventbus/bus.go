// Package eventbus carries scheduler lifecycle events to observers.
//
// Contract:
//   - Publish never blocks.
//   - Subscribers get a buffered channel; a full buffer drops the event for
//     that subscriber only.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

type Type string

const (
	// Store connectivity.
	TypeReady Type = "ready"
	TypeError Type = "error"

	// Job execution.
	TypeStart   Type = "start"
	TypeSuccess Type = "success"
	TypeFail    Type = "fail"
)

type Event struct {
	Type Type
	Time time.Time
	Data any
}

// StoreEvent accompanies ready/error events.
type StoreEvent struct {
	Op  string `json:"op"`
	Err error  `json:"-"`
}

// JobEvent accompanies start/success/fail events.
type JobEvent struct {
	JobID     int64  `json:"job_id"`
	Kind      string `json:"kind"`
	Name      string `json:"name"`
	UniqueKey string `json:"unique_key"`
	FailCount int    `json:"fail_count"`
	Terminal  bool   `json:"terminal,omitempty"`
	Error     string `json:"error,omitempty"`
}

type Bus interface {
	Publish(e Event)
	// Subscribe returns events whose type is in types (all events when empty).
	Subscribe(buffer int, types ...Type) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch    chan Event
	types map[Type]struct{}
}

func (s *sub) wants(t Type) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*sub
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int, types ...Type) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	s := &sub{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			// Holding the write lock excludes concurrent Publish, so closing is safe.
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}
