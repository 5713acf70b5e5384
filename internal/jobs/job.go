package jobs

import (
	"sync/atomic"
	"time"

	"barkd/internal/notifier"
	"barkd/internal/task/scheduler"
)

type Kind = scheduler.Kind

const (
	KindCron = scheduler.KindCron
	KindOnce = scheduler.KindOnce
)

// Schedule is either a cron expression or a single instant.
type Schedule struct {
	Kind Kind
	Cron string
	At   time.Time
}

// State is the part of a job mutated by firings. It is shared by pointer
// between the registry entry and the firing context.
type State struct {
	cancelled atomic.Bool
	count     atomic.Uint32
}

// Cancel sets the flag. It never goes back to false.
func (s *State) Cancel() { s.cancelled.Store(true) }

func (s *State) Cancelled() bool { return s.cancelled.Load() }

func (s *State) Occurrences() uint32 { return s.count.Load() }

// Job is immutable after creation except for its State.
type Job struct {
	ID        string
	Schedule  Schedule
	Payload   notifier.Payload
	CreatedAt time.Time
	// MaxOccurrences of 0 means unbounded. One-time jobs always have 1.
	MaxOccurrences uint32

	state *State
}

func newJob(id string, sched Schedule, p notifier.Payload, max uint32, now time.Time) *Job {
	if sched.Kind == KindOnce {
		max = 1
	}
	return &Job{ID: id, Schedule: sched, Payload: p, CreatedAt: now, MaxOccurrences: max, state: &State{}}
}

// View is the read-only projection returned to API callers.
// The cancel flag is never exposed.
type View struct {
	ID          string           `json:"id"`
	Kind        Kind             `json:"kind"`
	Cron        *string          `json:"cron"`
	At          *time.Time       `json:"at"`
	Notify      notifier.Payload `json:"notify"`
	CreatedAt   time.Time        `json:"created_at"`
	MaxCount    *uint32          `json:"max_count"`
	Occurrences uint32           `json:"occurrences"`
	NextRun     *time.Time       `json:"next_run,omitempty"`
}

func (j *Job) view() View {
	v := View{
		ID:          j.ID,
		Kind:        j.Schedule.Kind,
		Notify:      j.Payload,
		CreatedAt:   j.CreatedAt,
		Occurrences: j.state.Occurrences(),
	}
	switch j.Schedule.Kind {
	case KindCron:
		c := j.Schedule.Cron
		v.Cron = &c
		if j.MaxOccurrences > 0 {
			m := j.MaxOccurrences
			v.MaxCount = &m
		}
	case KindOnce:
		at := j.Schedule.At
		v.At = &at
		m := uint32(1)
		v.MaxCount = &m
	}
	return v
}
