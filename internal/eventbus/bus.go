// Package eventbus is barkd's in-process signal fan-out. Publishing never
// blocks: a subscriber whose buffer is full misses the event.
package eventbus

import (
	"sync"
	"time"
)

const (
	JobScheduled = "job.scheduled"
	JobRemoved   = "job.removed"
	JobFired     = "job.fired"
	JobSkipped   = "job.skipped"
	JobRetired   = "job.retired"

	DeliverySent   = "notifier.sent"
	DeliveryFailed = "notifier.failed"

	TaskFinished = "task.finished"
	TaskFailed   = "task.failed"
	TaskSkipped  = "task.skipped"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory bus. It runs no goroutines.
func New() Bus {
	return &memBus{subs: map[*subscription]struct{}{}}
}

type subscription struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// offer sends without blocking. It reports false when the event was dropped.
func (s *subscription) offer(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- e:
		return true
	default:
		return false
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[*subscription]struct{}
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		s.offer(e)
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscription{ch: make(chan Event, buffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	return s.ch, func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
		s.close()
	}
}

// Publish sends typ/data on b. A nil bus is allowed and ignored.
func Publish(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Time: time.Now(), Data: data})
}
