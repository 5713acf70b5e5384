package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"barkd/internal/eventbus"
	"barkd/internal/metrics"
	"barkd/internal/notifier"
	"barkd/internal/task/scheduler"
	logx "barkd/pkg/logx"

	"github.com/google/uuid"
)

// ScheduledEvent is published when a job is accepted or removed.
type ScheduledEvent struct {
	JobID string    `json:"job_id"`
	Kind  Kind      `json:"kind"`
	Cron  string    `json:"cron,omitempty"`
	At    time.Time `json:"at,omitempty"`
	Max   uint32    `json:"max,omitempty"`
}

// Service is the scheduling API used by the HTTP layer.
//
// Lifecycle: New -> Start -> requests -> Stop. Jobs may be scheduled before
// Start; their triggers are armed when Start runs.
type Service struct {
	reg      *Registry
	triggers *scheduler.Service
	coord    *Coordinator
	notifier Deliverer

	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Collector

	now func() time.Time
}

func NewService(triggers *scheduler.Service, n Deliverer, log logx.Logger, bus eventbus.Bus, m *metrics.Collector) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	reg := NewRegistry()
	return &Service{
		reg:      reg,
		triggers: triggers,
		coord:    NewCoordinator(reg, triggers, log, bus, m),
		notifier: n,
		log:      log,
		bus:      bus,
		metrics:  m,
		now:      time.Now,
	}
}

func (s *Service) Start(ctx context.Context) {
	s.triggers.Start(ctx)
	s.log.Info("job service started", logx.Int("jobs", s.reg.Len()))
}

// Stop disarms every trigger. Firings already running are not awaited and
// jobs stay in the registry.
func (s *Service) Stop(ctx context.Context) {
	s.triggers.Stop(ctx)
	s.log.Info("job service stopped", logx.Int("jobs", s.reg.Len()))
}

// ScheduleCron creates a recurring job. maxOccurrences nil or 0 means unbounded.
func (s *Service) ScheduleCron(p notifier.Payload, expr string, maxOccurrences *uint32) (string, error) {
	if err := validatePayload(p); err != nil {
		return "", err
	}
	if _, err := scheduler.ParseCron(expr); err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidCron, strings.TrimPrefix(err.Error(), scheduler.ErrInvalidCron.Error()+": "))
	}
	var max uint32
	if maxOccurrences != nil {
		max = *maxOccurrences
	}
	expr = strings.Join(strings.Fields(expr), " ")

	j := newJob(uuid.NewString(), Schedule{Kind: KindCron, Cron: expr}, p, max, s.now())
	if err := s.arm(j, func(fire scheduler.Fire) error { return s.triggers.AddCron(j.ID, expr, fire) }); err != nil {
		return "", err
	}

	s.log.Info("cron job scheduled", logx.String("job_id", j.ID), logx.String("cron", expr), logx.Uint32("max", max))
	eventbus.Publish(s.bus, eventbus.JobScheduled, ScheduledEvent{JobID: j.ID, Kind: KindCron, Cron: expr, Max: max})
	return j.ID, nil
}

// ScheduleOnce creates a job that fires once at at. at must be strictly in the future.
func (s *Service) ScheduleOnce(p notifier.Payload, at time.Time) (string, error) {
	if err := validatePayload(p); err != nil {
		return "", err
	}
	now := s.now()
	if !at.After(now) {
		return "", fmt.Errorf("%w: %s is not after %s", ErrPastInstant, at.Format(time.RFC3339), now.Format(time.RFC3339))
	}

	j := newJob(uuid.NewString(), Schedule{Kind: KindOnce, At: at}, p, 1, now)
	if err := s.arm(j, func(fire scheduler.Fire) error { return s.triggers.AddOnce(j.ID, at, fire) }); err != nil {
		return "", err
	}

	s.log.Info("one-time job scheduled", logx.String("job_id", j.ID), logx.Time("at", at), logx.Duration("in", at.Sub(now)))
	eventbus.Publish(s.bus, eventbus.JobScheduled, ScheduledEvent{JobID: j.ID, Kind: KindOnce, At: at})
	return j.ID, nil
}

// arm inserts j before its trigger exists, so a firing always finds its entry.
func (s *Service) arm(j *Job, register func(scheduler.Fire) error) error {
	fc := FiringContext{
		JobID:          j.ID,
		Kind:           j.Schedule.Kind,
		MaxOccurrences: j.MaxOccurrences,
		Payload:        j.Payload,
		Notifier:       s.notifier,
		State:          j.state,
	}
	s.reg.Insert(j)
	err := register(func(ctx context.Context) error {
		s.coord.Fire(ctx, fc)
		return nil
	})
	if err != nil {
		s.reg.retire(j.ID)
		if errors.Is(err, scheduler.ErrInvalidCron) {
			return fmt.Errorf("%w: %v", ErrInvalidCron, err)
		}
		return err
	}
	s.metrics.JobScheduled(string(j.Schedule.Kind))
	s.metrics.SetActive(s.reg.Len())
	return nil
}

// List returns every job ordered by creation time.
func (s *Service) List() []View {
	views := s.reg.List()
	for i := range views {
		s.withNextRun(&views[i])
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].CreatedAt.Equal(views[j].CreatedAt) {
			return views[i].ID < views[j].ID
		}
		return views[i].CreatedAt.Before(views[j].CreatedAt)
	})
	return views
}

func (s *Service) Get(id string) (View, bool) {
	v, ok := s.reg.Get(id)
	if !ok {
		return View{}, false
	}
	s.withNextRun(&v)
	return v, true
}

// Remove cancels and deletes the job and drops its trigger. It does not wait
// for a firing that is already running.
func (s *Service) Remove(id string) error {
	if err := s.reg.Remove(id); err != nil {
		return err
	}
	s.triggers.Remove(id)
	s.metrics.Retired("removed")
	s.metrics.SetActive(s.reg.Len())

	s.log.Info("job removed", logx.String("job_id", id))
	eventbus.Publish(s.bus, eventbus.JobRemoved, ScheduledEvent{JobID: id})
	return nil
}

// Len returns the number of registered jobs.
func (s *Service) Len() int { return s.reg.Len() }

func (s *Service) withNextRun(v *View) {
	if next := s.triggers.Next(v.ID); !next.IsZero() {
		v.NextRun = &next
	}
}

func validatePayload(p notifier.Payload) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidPayload, strings.TrimPrefix(err.Error(), notifier.ErrInvalidPayload.Error()+": "))
	}
	return nil
}
