package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"barkd/internal/jobs"
	"barkd/internal/notifier"
	"barkd/internal/storage"
	logx "barkd/pkg/logx"

	"github.com/gin-gonic/gin"
)

// Scheduler is the job API the handlers need.
type Scheduler interface {
	ScheduleCron(p notifier.Payload, expr string, maxOccurrences *uint32) (string, error)
	ScheduleOnce(p notifier.Payload, at time.Time) (string, error)
	List() []jobs.View
	Get(id string) (jobs.View, bool)
	Remove(id string) error
}

// Sender delivers immediately and exposes the delivery audit.
type Sender interface {
	Deliver(ctx context.Context, p notifier.Payload) (notifier.Ack, error)
	Recent(ctx context.Context, limit int) ([]storage.DeliveryRecord, error)
}

// DeviceInfo is shown by GET /device. Key must already be masked.
type DeviceInfo struct {
	Gateway string
	Key     string
}

type Config struct {
	Addr            string
	Password        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// RequestsPerSec limits requests per client IP; 0 disables.
	RequestsPerSec float64
	// Pprof serves /debug/pprof behind auth. Toggled at runtime by SetPprof.
	Pprof bool
}

type Deps struct {
	Jobs     Scheduler
	Notifier Sender
	Device   DeviceInfo
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
	// Diagnostics backs GET /scheduler when set.
	Diagnostics func() any
}

type Server struct {
	cfg      Config
	deps     Deps
	log      logx.Logger
	password atomic.Value // string
	pprof    atomic.Bool
	engine   *gin.Engine
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{cfg: cfg, deps: deps, log: log}
	s.password.Store(cfg.Password)
	s.pprof.Store(cfg.Pprof)
	s.engine = s.routes()
	return s
}

// Handler returns the gin engine.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) Password() string {
	pw, _ := s.password.Load().(string)
	return pw
}

// SetPassword swaps the API password at runtime.
func (s *Server) SetPassword(pw string) { s.password.Store(pw) }

// SetPprof turns the /debug/pprof routes on or off.
func (s *Server) SetPprof(on bool) { s.pprof.Store(on) }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(recovery(s.log), accessLog(s.log))
	if s.cfg.RequestsPerSec > 0 {
		r.Use(rateLimit(newIPLimiter(s.cfg.RequestsPerSec, 0)))
	}

	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "Agent Bark API") })
	r.GET("/health", func(c *gin.Context) { c.String(http.StatusOK, "OK") })
	if s.deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	api := r.Group("/", s.auth)
	api.GET("/device", s.device)
	api.POST("/notify", s.notify)
	api.POST("/schedule/cron", s.scheduleCron)
	api.POST("/schedule/once", s.scheduleOnce)
	api.GET("/jobs", s.listJobs)
	api.GET("/jobs/:job_id", s.getJob)
	api.DELETE("/jobs/:job_id", s.removeJob)
	api.GET("/deliveries", s.deliveries)
	if s.deps.Diagnostics != nil {
		api.GET("/scheduler", s.diagnostics)
	}

	dbg := r.Group("/debug/pprof", s.pprofOn, s.auth)
	dbg.GET("/*name", servePprof)
	dbg.POST("/symbol", servePprof)

	r.NoRoute(func(c *gin.Context) { fail(c, http.StatusNotFound, "not found") })
	return r
}

// Run serves on cfg.Addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("http api listening", logx.String("addr", ln.Addr().String()), logx.Bool("auth", s.Password() != ""))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("http api shutdown incomplete", logx.Err(err))
		_ = srv.Close()
	}
	<-errCh
	s.log.Info("http api stopped")
	return nil
}
