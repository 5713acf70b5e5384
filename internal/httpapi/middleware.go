package httpapi

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	logx "barkd/pkg/logx"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// recovery turns a handler panic into a 500 envelope.
func recovery(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("http handler panic",
					logx.String("method", c.Request.Method),
					logx.String("path", c.Request.URL.Path),
					logx.String("panic", fmt.Sprint(r)),
					logx.String("stack", string(debug.Stack())),
				)
				fail(c, http.StatusInternalServerError, "internal server error")
			}
		}()
		c.Next()
	}
}

// accessLog logs one line per request. Query strings are dropped since
// ?token= may carry the password.
func accessLog(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", status),
			logx.Duration("latency", time.Since(start)),
			logx.String("client_ip", c.ClientIP()),
			logx.Int("size", c.Writer.Size()),
		}
		if msg := c.Errors.ByType(gin.ErrorTypePrivate).String(); msg != "" {
			fields = append(fields, logx.String("error", msg))
		}
		switch {
		case status >= 500:
			log.Warn("http request", fields...)
		case c.Request.URL.Path == "/health" || c.Request.URL.Path == "/metrics":
			log.Debug("http request", fields...)
		default:
			log.Info("http request", fields...)
		}
	}
}

// auth checks the password from ?token=, "Bearer <pw>" or a raw
// Authorization header. An empty password lets everything through.
func (s *Server) auth(c *gin.Context) {
	pw := s.Password()
	if pw == "" {
		c.Next()
		return
	}
	if tok := c.Query("token"); tok != "" && tok == pw {
		c.Next()
		return
	}
	if h := c.GetHeader("Authorization"); h != "" {
		tok := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		if tok == pw {
			c.Next()
			return
		}
	}
	c.Header("WWW-Authenticate", "Bearer")
	fail(c, http.StatusUnauthorized, "Unauthorized: invalid or missing token")
}

// maxLimiters caps the per-IP bucket map; it is reset when full.
const maxLimiters = 4096

// ipLimiter keeps one token bucket per client IP.
type ipLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*rate.Limiter
}

func newIPLimiter(perSec float64, burst int) *ipLimiter {
	if burst <= 0 {
		burst = int(perSec)
		if burst < 1 {
			burst = 1
		}
	}
	return &ipLimiter{limit: rate.Limit(perSec), burst: burst, buckets: make(map[string]*rate.Limiter)}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	b, ok := l.buckets[ip]
	if !ok {
		if len(l.buckets) >= maxLimiters {
			l.buckets = make(map[string]*rate.Limiter)
		}
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[ip] = b
	}
	l.mu.Unlock()
	return b.Allow()
}

func rateLimit(l *ipLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.allow(c.ClientIP()) {
			fail(c, http.StatusTooManyRequests, "too many requests")
			return
		}
		c.Next()
	}
}
