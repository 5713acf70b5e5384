// Package supervisor runs named goroutines under one cancellable context.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "barkd/pkg/logx"

	"github.com/cenkalti/backoff/v4"
)

// Supervisor owns a context and the goroutines started under it. It records
// the first failure; with FailFast that failure also cancels the context.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	failFast bool
	restart  func() backoff.BackOff

	wg      sync.WaitGroup
	running atomic.Int64

	mu  sync.Mutex
	err error
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// FailFast cancels the supervisor context on the first error or panic.
func FailFast() Option {
	return func(s *Supervisor) { s.failFast = true }
}

// WithRestartBackoff sets the delay window between GoRestart attempts.
func WithRestartBackoff(initial, max time.Duration) Option {
	return func(s *Supervisor) { s.restart = restartPolicy(initial, max) }
}

func restartPolicy(initial, max time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		b.MaxInterval = max
		b.RandomizationFactor = 0.2
		b.MaxElapsedTime = 0
		return b
	}
}

func New(parent context.Context, opts ...Option) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:     ctx,
		cancel:  cancel,
		log:     logx.Nop(),
		restart: restartPolicy(250*time.Millisecond, 30*time.Second),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded failure.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Running is the number of goroutines still alive.
func (s *Supervisor) Running() int64 { return s.running.Load() }

func (s *Supervisor) record(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	if s.failFast {
		s.cancel()
	}
}

// protect runs fn, naming its error and turning a panic into one.
func (s *Supervisor) protect(name string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic in %s: %v", name, r)
		}
	}()
	if err := fn(s.ctx); !clean(err) {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func clean(err error) bool { return err == nil || errors.Is(err, context.Canceled) }

// Go runs fn once. A non-nil error other than context.Canceled is recorded.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	s.running.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Add(-1)

		s.log.Debug("goroutine started", logx.String("name", name))
		if err := s.protect(name, fn); err != nil {
			s.record(err)
		}
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// GoRestart runs fn until it returns cleanly or the context ends, restarting
// it with backoff after each error or panic. Failures are recorded but never
// cancel the context.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	s.running.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Add(-1)

		b := backoff.WithContext(s.restart(), s.ctx)
		for {
			err := s.protect(name, fn)
			if err == nil || s.ctx.Err() != nil {
				return
			}
			s.mu.Lock()
			if s.err == nil {
				s.err = err
			}
			s.mu.Unlock()

			wait := b.NextBackOff()
			if wait == backoff.Stop {
				return
			}
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}()
}

// Stop cancels and waits.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine exits or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
