package scheduler

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	logx "barkd/pkg/logx"

	"github.com/robfig/cron/v3"
)

var (
	errIDRequired   = errors.New("job id required")
	errFireRequired = errors.New("fire func required")
)

func checkTrigger(id string, fire Fire) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errIDRequired
	}
	if fire == nil {
		return "", errFireRequired
	}
	return id, nil
}

// AddCron registers a recurring trigger, replacing any trigger for id.
// Firings of one id never overlap: a match that arrives while the previous
// firing is queued or running is skipped.
func (s *Service) AddCron(id, spec string, fire Fire) error {
	id, err := checkTrigger(id, fire)
	if err != nil {
		return err
	}
	if _, err := ParseCron(spec); err != nil {
		return err
	}
	e := &cronEntry{spec: strings.Join(strings.Fields(spec), " "), fire: fire}

	s.dropOnce(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropCronLocked(id)
	s.crons[id] = e
	if s.c != nil {
		if err := s.scheduleLocked(id, e); err != nil {
			delete(s.crons, id)
			return err
		}
	}

	if s.log.Enabled(logx.LevelDebug) {
		loc := s.loc
		if loc == nil {
			loc = time.Local
		}
		next, _ := Preview(e.spec, time.Now().In(loc), 3)
		s.log.Debug("cron trigger registered", logx.String("job_id", id), logx.String("spec", e.spec), logx.String("next", formatPreview(next)))
	}
	return nil
}

// AddOnce arms a one-shot trigger, replacing any trigger for id. A target in
// the past fires right away. The entry is dropped before the firing is
// submitted, so it fires at most once.
func (s *Service) AddOnce(id string, at time.Time, fire Fire) error {
	id, err := checkTrigger(id, fire)
	if err != nil {
		return err
	}
	if at.IsZero() {
		return errors.New("at required")
	}

	s.mu.Lock()
	s.dropCronLocked(id)
	ctx, running := s.ctx, s.c != nil
	s.mu.Unlock()

	e := &onceEntry{at: at, fire: fire}
	s.onceMu.Lock()
	if old, ok := s.once[id]; ok && old.timer != nil {
		old.timer.Stop()
	}
	s.once[id] = e
	if running {
		s.armLocked(ctx, id, e)
	}
	s.onceMu.Unlock()

	s.log.Debug("once trigger registered", logx.String("job_id", id), logx.Time("at", at), logx.Bool("armed", running))
	return nil
}

// Remove drops the trigger for id and reports whether one existed. A firing
// already handed to the engine is not interrupted.
func (s *Service) Remove(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	s.mu.Lock()
	removed := s.dropCronLocked(id)
	s.mu.Unlock()
	removed = s.dropOnce(id) || removed

	s.warnMu.Lock()
	delete(s.warn, id)
	s.warnMu.Unlock()

	if removed {
		s.log.Debug("trigger removed", logx.String("job_id", id))
	}
	return removed
}

// Next returns the next planned firing for id, or the zero time.
func (s *Service) Next(id string) time.Time {
	s.mu.Lock()
	e, ok := s.crons[id]
	var next time.Time
	if ok {
		next = s.nextLocked(e)
	}
	s.mu.Unlock()
	if ok {
		return next
	}

	s.onceMu.Lock()
	defer s.onceMu.Unlock()
	if o, ok := s.once[id]; ok {
		return o.at
	}
	return time.Time{}
}

// Status lists every trigger sorted by id.
func (s *Service) Status() Status {
	s.mu.Lock()
	st := Status{Running: s.c != nil, Timezone: strings.TrimSpace(s.cfg.Timezone), Triggers: []Trigger{}}
	if st.Timezone == "" && s.loc != nil {
		st.Timezone = s.loc.String()
	}
	for id, e := range s.crons {
		t := Trigger{ID: id, Kind: KindCron, Spec: e.spec, Next: s.nextLocked(e)}
		if s.c != nil && e.eid != 0 {
			t.Prev = s.c.Entry(e.eid).Prev
		}
		st.Triggers = append(st.Triggers, t)
	}
	s.mu.Unlock()

	s.onceMu.Lock()
	for id, o := range s.once {
		st.Triggers = append(st.Triggers, Trigger{ID: id, Kind: KindOnce, Spec: o.at.Format(time.RFC3339), Next: o.at})
	}
	s.onceMu.Unlock()

	sort.Slice(st.Triggers, func(i, j int) bool { return st.Triggers[i].ID < st.Triggers[j].ID })
	return st
}

// nextLocked asks the running cron first and falls back to evaluating the
// expression. Call with s.mu held.
func (s *Service) nextLocked(e *cronEntry) time.Time {
	if s.c != nil && e.eid != 0 {
		if next := s.c.Entry(e.eid).Next; !next.IsZero() {
			return next
		}
	}
	sched, err := ParseCron(e.spec)
	if err != nil {
		return time.Time{}
	}
	loc := s.loc
	if loc == nil {
		loc = s.locationLocked()
	}
	return sched.Next(time.Now().In(loc))
}

// scheduleLocked adds e to the running cron. Call with s.mu held.
func (s *Service) scheduleLocked(id string, e *cronEntry) error {
	ctx := s.ctx
	eid, err := s.c.AddJob(e.spec, cron.FuncJob(func() {
		s.submit(ctx, id, KindCron, e.fire, &e.gate)
	}))
	if err != nil {
		return err
	}
	e.eid = eid
	return nil
}

func (s *Service) dropCronLocked(id string) bool {
	e, ok := s.crons[id]
	if !ok {
		return false
	}
	if s.c != nil && e.eid != 0 {
		s.c.Remove(e.eid)
	}
	delete(s.crons, id)
	return true
}

func (s *Service) dropOnce(id string) bool {
	s.onceMu.Lock()
	defer s.onceMu.Unlock()
	e, ok := s.once[id]
	if !ok {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(s.once, id)
	return true
}

// armLocked starts e's timer. Call with s.onceMu held.
func (s *Service) armLocked(ctx context.Context, id string, e *onceEntry) {
	e.timer = time.AfterFunc(max(time.Until(e.at), 0), func() {
		s.onceMu.Lock()
		if s.once[id] != e || ctx.Err() != nil {
			s.onceMu.Unlock()
			return
		}
		delete(s.once, id)
		s.onceMu.Unlock()
		s.submit(ctx, id, KindOnce, e.fire, nil)
	})
}
