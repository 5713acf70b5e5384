package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"barkd/internal/eventbus"
	"barkd/internal/task/engine"
	logx "barkd/pkg/logx"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"
)

const submitWarnEvery = 5 * time.Second

func New(cfg Config, eng *engine.Service, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:    log,
		bus:    bus,
		engine: eng,
		cfg:    cfg,
		crons:  map[string]*cronEntry{},
		once:   map[string]*onceEntry{},
		warn:   map[string]*rate.Sometimes{},
	}
}

// Start arms every registered trigger. Calling it twice does nothing.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.startCronLocked()
	runCtx, loc := s.ctx, s.loc
	s.mu.Unlock()

	s.onceMu.Lock()
	for id, e := range s.once {
		s.armLocked(runCtx, id, e)
	}
	s.onceMu.Unlock()
	s.log.Info("scheduler started", logx.String("tz", loc.String()))
}

// Stop disarms everything. No trigger fires after Stop returns; firings
// already handed to the engine are left alone. Blocked submits are released.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	c := s.c
	s.c = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	for _, e := range s.crons {
		e.eid = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}

	s.onceMu.Lock()
	for _, e := range s.once {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
	s.onceMu.Unlock()

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

// Apply swaps the config. A timezone change rebuilds the cron runner. The old
// runner is stopped but not awaited: its jobs may be parked in engine.Submit
// behind a worker that needs s.mu to retire a job.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tzChanged := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if s.c == nil || !tzChanged {
		return
	}
	s.c.Stop()
	s.startCronLocked()
	s.log.Info("scheduler timezone changed", logx.String("tz", s.loc.String()), logx.Int("cron", len(s.crons)))
}

// startCronLocked builds a cron runner in the configured zone and registers
// every cron entry with it. Call with s.mu held.
func (s *Service) startCronLocked() {
	s.loc = s.locationLocked()
	s.c = cron.New(cron.WithParser(cronParser), cron.WithLocation(s.loc))
	for id, e := range s.crons {
		if err := s.scheduleLocked(id, e); err != nil {
			s.log.Error("cron register failed", logx.String("job_id", id), logx.String("spec", e.spec), logx.Err(err))
		}
	}
	s.c.Start()
}

func (s *Service) locationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("unknown timezone, using Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// submit hands one firing to the engine, or runs it inline without one.
func (s *Service) submit(ctx context.Context, id string, kind Kind, fire Fire, gate *engine.Gate) {
	if s.engine == nil {
		if err := fire(ctx); err != nil {
			s.log.Warn("firing failed", logx.String("job_id", id), logx.Err(err))
		}
		return
	}
	s.mu.Lock()
	timeout := s.cfg.FireTimeout
	s.mu.Unlock()

	err := s.engine.Submit(ctx, engine.Task{
		Name:    string(kind) + ":" + id,
		Timeout: timeout,
		Run:     fire,
		Gate:    gate,
	})
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrOverlapSkip):
		s.log.Debug("firing skipped, previous one still in flight", logx.String("job_id", id))
	default:
		s.warnSubmit(id, err)
	}
}

// warnSubmit logs a failed submit at most once per submitWarnEvery per job.
func (s *Service) warnSubmit(id string, err error) {
	s.warnMu.Lock()
	st, ok := s.warn[id]
	if !ok {
		st = &rate.Sometimes{Interval: submitWarnEvery}
		s.warn[id] = st
	}
	s.warnMu.Unlock()
	st.Do(func() {
		s.log.Warn("firing not queued", logx.String("job_id", id), logx.Err(err))
	})
}
