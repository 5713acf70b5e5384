package app

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"barkd/internal/config"
	"barkd/internal/eventbus"
	"barkd/internal/httpapi"
	"barkd/internal/jobs"
	"barkd/internal/metrics"
	"barkd/internal/notifier"
	rtsup "barkd/internal/runtime/supervisor"
	"barkd/internal/storage"
	"barkd/internal/task/engine"
	"barkd/internal/task/scheduler"
	logx "barkd/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	metrics *metrics.Collector
	engine  *engine.Service
	sched   *scheduler.Service
	notif   *notifier.Service
	jobs    *jobs.Service
	http    *httpapi.Server

	ln net.Listener
}

// Diagnostics is the body of GET /scheduler.
type Diagnostics struct {
	Engine    engine.Stats     `json:"engine"`
	Scheduler scheduler.Status `json:"scheduler"`
	Jobs      int              `json:"jobs"`
}

// NewApp loads the config at cfgPath (a missing file is allowed) and builds
// every component. Nothing runs until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	if _, err := cfgm.Load(); err != nil {
		return nil, err
	}
	return New(cfgm)
}

// New wires the components for the config cfgm already holds.
func New(cfgm *config.ConfigManager) (_ *App, err error) {
	cfg := cfgm.Get()
	if cfg == nil {
		return nil, fmt.Errorf("config not loaded")
	}

	logs, root := logx.New(mapLogConfig(cfg))
	comp := func(name string) logx.Logger { return root.With(logx.String("comp", name)) }
	a := &App{
		cfgm:    cfgm,
		log:     comp("app"),
		logs:    logs,
		bus:     eventbus.New(),
		metrics: metrics.NewCollector(),
	}

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		if a.store, err = storage.Open(sc, comp("storage")); err != nil {
			return nil, err
		}
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}
	defer func() {
		if err != nil && a.store != nil {
			_ = a.store.Close()
		}
	}()

	gw, device, err := buildGateway(cfg)
	if err != nil {
		return nil, err
	}
	a.notif = notifier.New(mapNotifierConfig(cfg), gw, comp("notifier"), a.bus, a.store, notifier.WithObserver(a.metrics))
	a.engine = engine.New(mapTaskEngineConfig(cfg), comp("taskengine"), a.bus)
	a.sched = scheduler.New(mapSchedulerConfig(cfg), a.engine, comp("scheduler"), a.bus)
	a.jobs = jobs.NewService(a.sched, a.notif, comp("jobs"), a.bus, a.metrics)

	httpCfg := mapHTTPConfig(cfg)
	a.http = httpapi.New(httpCfg, httpapi.Deps{
		Jobs:        a.jobs,
		Notifier:    a.notif,
		Device:      device,
		Metrics:     a.metrics.Handler(),
		Diagnostics: a.diagnostics,
	}, comp("http"))

	a.log.Info("app configured",
		logx.String("gateway", gw.Name()),
		logx.String("device", device.Key),
		logx.String("addr", httpCfg.Addr),
		logx.Bool("auth", httpCfg.Password != ""),
		logx.Bool("pprof", httpCfg.Pprof),
	)
	return a, nil
}

func (a *App) diagnostics() any {
	return Diagnostics{Engine: a.engine.Stats(), Scheduler: a.sched.Status(), Jobs: a.jobs.Len()}
}

func (a *App) Jobs() *jobs.Service { return a.jobs }

// Addr is the bound API address once started.
func (a *App) Addr() string {
	if a.ln == nil {
		return ""
	}
	return a.ln.Addr().String()
}

// Done is closed once the run context ends, after a fatal error or Stop.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err is the first fatal error, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start binds the API listener, then starts every component. A bind failure
// is returned before anything runs.
func (a *App) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfgm.Get().ListenAddr())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	a.ln = ln
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.FailFast())
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, _, err := mapStorageConfig(cfg)
		return err
	})

	a.engine.Start(runCtx)
	a.jobs.Start(runCtx)

	a.sup.Go("http.serve", func(c context.Context) error { return a.http.Serve(c, ln) })
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		a.logEvents(c, events)
	})
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.String("addr", ln.Addr().String()))
	return nil
}

// logEvents mirrors bus events at debug level.
func (a *App) logEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if a.log.Enabled(logx.LevelDebug) {
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	}
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	current := a.cfgm.Get()
	for {
		var next *config.Config
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			next = cfg
		}
		// only the newest of a burst is applied
		for pending := true; pending; {
			select {
			case cfg := <-sub:
				if cfg != nil {
					next = cfg
				}
			default:
				pending = false
			}
		}
		a.applyConfig(current, next)
		current = next
	}
}

// applyConfig pushes the hot sections of newCfg into the running components.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	changed, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(changed) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed that require a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(newCfg))
	a.http.SetPassword(newCfg.Auth.Password)
	a.http.SetPprof(newCfg.Debug.Pprof)
	a.sched.Apply(mapSchedulerConfig(newCfg))
	a.notif.Apply(mapNotifierConfig(newCfg))

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)...)
}

type stopStep struct {
	name   string
	budget time.Duration
	run    func(context.Context) error
}

// Stop shuts the app down in order. Each step gets its budget, capped by ctx;
// a step that overruns is logged and left behind.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	// the HTTP server starts its graceful shutdown here
	a.sup.Cancel()

	steps := []stopStep{
		// triggers first so nothing new reaches the engine
		{"jobs", 2 * time.Second, func(c context.Context) error { a.jobs.Stop(c); return nil }},
		{"taskengine", 2 * time.Second, func(c context.Context) error { a.engine.Stop(c); return nil }},
		{"supervisor", 12 * time.Second, a.sup.Wait},
		{"storage", time.Second, func(context.Context) error {
			if a.store == nil {
				return nil
			}
			return a.store.Close()
		}},
	}
	for _, st := range steps {
		a.runStep(ctx, st)
	}

	a.log.Info("stopped", logx.Int("jobs_dropped", a.jobs.Len()))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) runStep(ctx context.Context, st stopStep) {
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < st.budget {
		st.budget = time.Until(dl)
	}
	if st.budget <= 0 {
		a.log.Warn("stop step skipped, deadline reached", logx.String("name", st.name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, st.budget)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- st.run(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step failed", logx.String("name", st.name), logx.Err(err))
		}
		a.log.Debug("stop step done", logx.String("name", st.name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step overran", logx.String("name", st.name), logx.Duration("elapsed", time.Since(start)))
	}
}
