package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

var (
	ErrStopped     = errors.New("task engine stopped")
	ErrOverlapSkip = errors.New("task skipped: previous run still queued or running")
)

// Config sizes the worker pool.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout bounds a task whose own Timeout is 0. 0 means no bound.
	DefaultTimeout time.Duration

	// HistorySize is how many finished tasks Stats reports.
	HistorySize int
}

// Gate serializes the tasks that share it. While one task holding the gate is
// queued or running, Submit refuses the next with ErrOverlapSkip.
type Gate struct {
	held atomic.Bool
}

func (g *Gate) enter() bool { return g == nil || g.held.CompareAndSwap(false, true) }

func (g *Gate) leave() {
	if g != nil {
		g.held.Store(false)
	}
}

// Task is one unit of work. A nil Gate allows overlap.
type Task struct {
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Gate    *Gate
}

// Record describes a finished task.
type Record struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Started time.Time     `json:"started"`
	Waited  time.Duration `json:"waited"`
	Took    time.Duration `json:"took"`
	Error   string        `json:"error,omitempty"`
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Running   bool     `json:"running"`
	Workers   int      `json:"workers"`
	Live      int      `json:"live"` // worker goroutines alive
	Busy      int      `json:"busy"`
	Queued    int      `json:"queued"`
	Capacity  int      `json:"capacity"`
	Completed uint64   `json:"completed"`
	Failed    uint64   `json:"failed"`
	Skipped   uint64   `json:"skipped"`
	Recent    []Record `json:"recent"`
}

// history is a fixed-size ring of finished tasks.
type history struct {
	buf  []Record
	next int
	full bool
}

func (h *history) add(r Record) {
	if len(h.buf) == 0 {
		return
	}
	h.buf[h.next] = r
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
}

// list returns records oldest first.
func (h *history) list() []Record {
	if !h.full {
		return append([]Record(nil), h.buf[:h.next]...)
	}
	out := make([]Record, 0, len(h.buf))
	out = append(out, h.buf[h.next:]...)
	return append(out, h.buf[:h.next]...)
}
