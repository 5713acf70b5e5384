package httpapi

import (
	"net/http"
	"net/http/pprof"
	"strings"

	"github.com/gin-gonic/gin"
)

func (s *Server) diagnostics(c *gin.Context) {
	ok(c, s.deps.Diagnostics())
}

// pprofOn hides the profiling routes while they are disabled.
func (s *Server) pprofOn(c *gin.Context) {
	if !s.pprof.Load() {
		fail(c, http.StatusNotFound, "not found")
		return
	}
	c.Next()
}

// servePprof dispatches /debug/pprof/<name>. Names without a dedicated
// handler, including the index, go to pprof.Index.
func servePprof(c *gin.Context) {
	name := strings.TrimPrefix(c.Param("name"), "/")
	if c.Request.Method == http.MethodPost {
		name = "symbol"
	}
	switch name {
	case "cmdline":
		pprof.Cmdline(c.Writer, c.Request)
	case "profile":
		pprof.Profile(c.Writer, c.Request)
	case "symbol":
		pprof.Symbol(c.Writer, c.Request)
	case "trace":
		pprof.Trace(c.Writer, c.Request)
	default:
		pprof.Index(c.Writer, c.Request)
	}
}
