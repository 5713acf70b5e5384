package notifier

import (
	"context"
	"errors"
	"sync"
	"time"

	"barkd/internal/eventbus"
	"barkd/internal/storage"
	logx "barkd/pkg/logx"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// Service delivers payloads through one gateway with rate limiting and retries.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	gw    Gateway
	bus   eventbus.Bus
	store storage.Store
	obs   Observer

	cfg     Config
	limiter *rate.Limiter

	hmu     sync.Mutex
	history []storage.DeliveryRecord
}

type Option func(*Service)

// WithObserver reports every final outcome to o.
func WithObserver(o Observer) Option {
	return func(s *Service) { s.obs = o }
}

func New(cfg Config, gw Gateway, log logx.Logger, bus eventbus.Bus, store storage.Store, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{gw: gw, log: log, bus: bus, store: store}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RatePerSec)
		if cfg.Burst < 1 {
			cfg.Burst = 1
		}
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	s.cfg = cfg
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
		return
	}
	s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	s.limiter.SetBurst(cfg.Burst)
}

// Gateway returns the configured gateway.
func (s *Service) Gateway() Gateway { return s.gw }

// Deliver sends p through the gateway. Transient failures are retried with
// exponential backoff up to RetryMax times; the returned error is the last one.
func (s *Service) Deliver(ctx context.Context, p Payload) (Ack, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	gw := s.gw
	s.mu.Unlock()

	start := time.Now()
	jobID := JobIDFrom(ctx)
	log := s.log
	if jobID != "" {
		log = log.With(logx.String("job_id", jobID))
	}

	if gw == nil {
		err := errors.New("no gateway configured")
		s.record(ctx, jobID, "", p, Ack{}, 0, err, time.Since(start))
		return Ack{}, err
	}
	if err := p.Validate(); err != nil {
		s.record(ctx, jobID, gw.Name(), p, Ack{}, 0, err, time.Since(start))
		return Ack{}, err
	}

	var (
		ack      Ack
		attempts int
	)
	op := func() error {
		attempts++
		if err := lim.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		actx, cancel := context.WithTimeout(ctx, cfg.AttemptTimeout)
		a, err := gw.Send(actx, p)
		cancel()
		if err == nil {
			ack = a
			return nil
		}
		if errors.Is(err, ErrPermanent) {
			return backoff.Permanent(err)
		}
		return err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.RetryBase
	eb.MaxInterval = cfg.RetryMaxDelay
	eb.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(cfg.RetryMax)), ctx)

	err := backoff.RetryNotify(op, bo, func(err error, next time.Duration) {
		log.Debug("delivery attempt failed", logx.Err(err), logx.Int("attempt", attempts), logx.Duration("retry_in", next))
	})
	took := time.Since(start)
	if err != nil {
		log.Warn("delivery failed", logx.String("gateway", gw.Name()), logx.String("title", p.Title), logx.Int("attempts", attempts), logx.Err(err))
		s.record(ctx, jobID, gw.Name(), p, Ack{}, attempts, err, took)
		return Ack{}, err
	}

	ack.Gateway = gw.Name()
	ack.Attempts = attempts
	log.Info("notification sent", logx.String("gateway", gw.Name()), logx.String("title", p.Title), logx.Int("attempts", attempts), logx.Duration("took", took))
	s.record(ctx, jobID, gw.Name(), p, ack, attempts, nil, took)
	return ack, nil
}

// Recent returns up to limit delivery records, newest first. The audit store
// is preferred; the in-memory ring is used when storage is disabled.
func (s *Service) Recent(ctx context.Context, limit int) ([]storage.DeliveryRecord, error) {
	if s.store != nil {
		return s.store.RecentDeliveries(ctx, limit)
	}
	s.hmu.Lock()
	defer s.hmu.Unlock()
	n := len(s.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]storage.DeliveryRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.history[i])
	}
	return out, nil
}

func (s *Service) record(ctx context.Context, jobID, gateway string, p Payload, ack Ack, attempts int, err error, took time.Duration) {
	now := time.Now()
	r := storage.DeliveryRecord{
		At:       now,
		JobID:    jobID,
		Gateway:  gateway,
		Title:    p.Title,
		OK:       err == nil,
		Code:     ack.Code,
		Attempts: attempts,
		TookMS:   took.Milliseconds(),
	}
	if err != nil {
		r.Error = err.Error()
		var de *DeliveryError
		if errors.As(err, &de) {
			r.Code = de.Code
		}
	}

	s.mu.Lock()
	hsize := s.cfg.HistorySize
	s.mu.Unlock()
	s.hmu.Lock()
	s.history = append(s.history, r)
	if len(s.history) > hsize {
		s.history = s.history[len(s.history)-hsize:]
	}
	s.hmu.Unlock()

	if s.obs != nil {
		s.obs.ObserveDelivery(gateway, err == nil, took)
	}

	ev := DeliveryEvent{JobID: jobID, Gateway: gateway, Title: p.Title, Attempts: attempts, At: now}
	typ := eventbus.DeliverySent
	if err != nil {
		typ = eventbus.DeliveryFailed
		ev.Error = r.Error
	}
	eventbus.Publish(s.bus, typ, ev)

	if s.store != nil {
		// The caller's ctx may already be done (timeouts); the audit write gets its own budget.
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 500*time.Millisecond)
		if serr := s.store.AppendDelivery(sctx, r); serr != nil {
			s.log.Debug("delivery audit append failed", logx.Err(serr))
		}
		cancel()
	}
}
