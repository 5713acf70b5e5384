package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"barkd/internal/eventbus"
	rtsup "barkd/internal/runtime/supervisor"
	logx "barkd/pkg/logx"
)

// TaskEvent is published on the bus when a task finishes, fails or is skipped.
type TaskEvent struct {
	ID     string        `json:"id"`
	Name   string        `json:"name"`
	Waited time.Duration `json:"waited"`
	Took   time.Duration `json:"took"`
	Error  string        `json:"error,omitempty"`
}

type queued struct {
	id       string
	task     Task
	timeout  time.Duration
	enqueued time.Time
}

// Service is a bounded queue drained by a fixed set of supervised workers.
type Service struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	mu    sync.Mutex
	queue chan queued
	quit  chan struct{}
	sup   *rtsup.Supervisor

	seq       atomic.Uint64
	busy      atomic.Int32
	completed atomic.Uint64
	failed    atomic.Uint64
	skipped   atomic.Uint64

	histMu sync.Mutex
	hist   history
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:  cfg,
		log:  log,
		bus:  bus,
		hist: history{buf: make([]Record, cfg.HistorySize)},
	}
}

// Start launches the workers. Calling Start on a running engine does nothing.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil {
		return
	}
	queue := make(chan queued, s.cfg.QueueSize)
	quit := make(chan struct{})
	sup := rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithRestartBackoff(50*time.Millisecond, 5*time.Second))
	for i := 0; i < s.cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.work(c, quit, queue)
			return nil
		})
	}
	s.queue, s.quit, s.sup = queue, quit, sup
	s.log.Info("task engine started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", s.cfg.QueueSize))
}

// Stop halts the workers. Queued tasks are dropped; running tasks see their
// context canceled. Stop waits for workers until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	queue, quit, sup := s.queue, s.quit, s.sup
	s.queue, s.quit, s.sup = nil, nil, nil
	s.mu.Unlock()
	if sup == nil {
		return
	}

	close(quit)
	err := sup.Stop(ctx)
	dropped := 0
	for {
		select {
		case item := <-queue:
			item.task.Gate.leave()
			dropped++
			continue
		default:
		}
		break
	}
	if err != nil && ctx.Err() != nil {
		s.log.Warn("task engine stop timed out", logx.Int("dropped", dropped), logx.Err(err))
		return
	}
	s.log.Info("task engine stopped", logx.Int("dropped", dropped))
}

// Submit queues t, waiting for room while ctx is live. A task whose Gate is
// held is refused with ErrOverlapSkip.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if t.Run == nil {
		return fmt.Errorf("task %q: Run is nil", t.Name)
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return fmt.Errorf("task name is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	queue, quit := s.queue, s.quit
	s.mu.Unlock()
	if queue == nil {
		return ErrStopped
	}

	item := queued{
		id:       fmt.Sprintf("tsk-%d", s.seq.Add(1)),
		task:     t,
		timeout:  t.Timeout,
		enqueued: time.Now(),
	}
	if item.timeout <= 0 {
		item.timeout = s.cfg.DefaultTimeout
	}

	if !t.Gate.enter() {
		s.skipped.Add(1)
		eventbus.Publish(s.bus, eventbus.TaskSkipped, TaskEvent{ID: item.id, Name: t.Name, Error: ErrOverlapSkip.Error()})
		return ErrOverlapSkip
	}
	select {
	case queue <- item:
		return nil
	case <-ctx.Done():
		t.Gate.leave()
		return ctx.Err()
	case <-quit:
		t.Gate.leave()
		return ErrStopped
	}
}

// Stats reports pool state and recent finished tasks, oldest first.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	queue, sup := s.queue, s.sup
	s.mu.Unlock()

	st := Stats{
		Running:   queue != nil,
		Workers:   s.cfg.Workers,
		Busy:      int(s.busy.Load()),
		Capacity:  s.cfg.QueueSize,
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
		Skipped:   s.skipped.Load(),
	}
	if queue != nil {
		st.Queued = len(queue)
		st.Live = int(sup.Running())
	}
	s.histMu.Lock()
	st.Recent = s.hist.list()
	s.histMu.Unlock()
	return st
}

func (s *Service) work(ctx context.Context, quit <-chan struct{}, queue <-chan queued) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-quit:
			return
		case item := <-queue:
			s.exec(ctx, item)
		}
	}
}

func (s *Service) exec(ctx context.Context, item queued) {
	s.busy.Add(1)
	defer s.busy.Add(-1)
	defer item.task.Gate.leave()

	start := time.Now()
	rec := Record{ID: item.id, Name: item.task.Name, Started: start, Waited: start.Sub(item.enqueued)}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if item.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, item.timeout)
	}
	err := s.run(runCtx, rec.Name, item.task.Run)
	cancel()

	rec.Took = time.Since(start)
	ev := TaskEvent{ID: rec.ID, Name: rec.Name, Waited: rec.Waited, Took: rec.Took}
	if err != nil {
		rec.Error = err.Error()
		ev.Error = rec.Error
		s.failed.Add(1)
		s.log.Warn("task failed", logx.String("task", rec.Name), logx.Duration("waited", rec.Waited), logx.Duration("took", rec.Took), logx.Err(err))
		eventbus.Publish(s.bus, eventbus.TaskFailed, ev)
	} else {
		s.completed.Add(1)
		s.log.Debug("task done", logx.String("task", rec.Name), logx.Duration("waited", rec.Waited), logx.Duration("took", rec.Took))
		eventbus.Publish(s.bus, eventbus.TaskFinished, ev)
	}

	s.histMu.Lock()
	s.hist.add(rec)
	s.histMu.Unlock()
}

// run calls fn, converting a panic into an error so the worker survives.
func (s *Service) run(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task panicked", logx.String("task", name), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
