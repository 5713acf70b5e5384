package jobs

import (
	"context"

	"barkd/internal/eventbus"
	"barkd/internal/metrics"
	"barkd/internal/notifier"
	logx "barkd/pkg/logx"
)

// Deliverer is the notifier collaborator.
type Deliverer interface {
	Deliver(ctx context.Context, p notifier.Payload) (notifier.Ack, error)
}

// Unscheduler drops a job's trigger registration.
type Unscheduler interface {
	Remove(id string) bool
}

// FiringContext carries everything one firing needs. It is built once when
// the job is armed and passed to every firing of that job.
type FiringContext struct {
	JobID          string
	Kind           Kind
	MaxOccurrences uint32
	Payload        notifier.Payload
	Notifier       Deliverer
	State          *State
}

// Outcome is where a firing ended.
type Outcome int

const (
	Skipped Outcome = iota
	Rescheduled
	Retired
)

func (o Outcome) String() string {
	switch o {
	case Skipped:
		return "skipped"
	case Rescheduled:
		return "rescheduled"
	case Retired:
		return "retired"
	default:
		return "unknown"
	}
}

// FiredEvent is published on the bus for every firing.
type FiredEvent struct {
	JobID      string `json:"job_id"`
	Kind       Kind   `json:"kind"`
	Occurrence uint32 `json:"occurrence"`
	Outcome    string `json:"outcome"`
	Error      string `json:"error,omitempty"`
}

// Coordinator runs the per-firing state machine.
type Coordinator struct {
	reg      *Registry
	triggers Unscheduler
	log      logx.Logger
	bus      eventbus.Bus
	metrics  *metrics.Collector
}

func NewCoordinator(reg *Registry, triggers Unscheduler, log logx.Logger, bus eventbus.Bus, m *metrics.Collector) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{reg: reg, triggers: triggers, log: log, bus: bus, metrics: m}
}

// Fire handles one firing. It never returns an error: delivery failures are
// logged and still count as an occurrence.
func (c *Coordinator) Fire(ctx context.Context, fc FiringContext) Outcome {
	log := c.log.With(logx.String("job_id", fc.JobID), logx.String("kind", string(fc.Kind)))

	if fc.State.Cancelled() {
		if fc.Kind == KindOnce {
			// Cancelled between arming and firing: make sure it does not linger.
			if c.reg.retire(fc.JobID) {
				c.metrics.Retired("cancelled")
			}
		}
		c.metrics.Skipped()
		c.syncActive()
		log.Debug("firing skipped: job cancelled")
		eventbus.Publish(c.bus, eventbus.JobSkipped, FiredEvent{JobID: fc.JobID, Kind: fc.Kind, Outcome: Skipped.String()})
		return Skipped
	}

	n := fc.State.count.Add(1)
	c.metrics.Fired(string(fc.Kind))

	ev := FiredEvent{JobID: fc.JobID, Kind: fc.Kind, Occurrence: n}
	if fc.Notifier != nil {
		ack, err := fc.Notifier.Deliver(notifier.WithJobID(ctx, fc.JobID), fc.Payload)
		if err != nil {
			ev.Error = err.Error()
			log.Warn("job delivery failed", logx.Uint32("occurrence", n), logx.Err(err))
		} else {
			log.Info("job delivered", logx.Uint32("occurrence", n), logx.Int("code", ack.Code))
		}
	}

	out := Rescheduled
	switch {
	case fc.Kind == KindOnce:
		// A concurrent Remove already counted the job as removed.
		if c.reg.retire(fc.JobID) {
			c.metrics.Retired("completed")
		}
		out = Retired
	case fc.MaxOccurrences > 0 && n >= fc.MaxOccurrences:
		fc.State.Cancel()
		if c.reg.retire(fc.JobID) {
			c.metrics.Retired("exhausted")
		}
		if c.triggers != nil {
			c.triggers.Remove(fc.JobID)
		}
		log.Info("job retired: max occurrences reached", logx.Uint32("max", fc.MaxOccurrences))
		out = Retired
	}
	c.syncActive()

	ev.Outcome = out.String()
	eventbus.Publish(c.bus, eventbus.JobFired, ev)
	if out == Retired {
		eventbus.Publish(c.bus, eventbus.JobRetired, ev)
	}
	return out
}

func (c *Coordinator) syncActive() {
	c.metrics.SetActive(c.reg.Len())
}
