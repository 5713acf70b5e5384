package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"barkd/internal/jobs"
	"barkd/internal/notifier"

	"github.com/gin-gonic/gin"
)

const (
	defaultDeliveriesLimit = 50
	maxDeliveriesLimit     = 1000
)

type cronRequest struct {
	notifier.Payload
	Cron     string  `json:"cron"`
	MaxCount *uint32 `json:"max_count,omitempty"`
}

type onceRequest struct {
	notifier.Payload
	At time.Time `json:"at"`
}

func (s *Server) device(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"device_key": s.deps.Device.Key,
		"gateway":    s.deps.Device.Gateway,
		"status":     "active",
	})
}

func (s *Server) notify(c *gin.Context) {
	var p notifier.Payload
	if err := c.ShouldBindJSON(&p); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	ack, err := s.deps.Notifier.Deliver(c.Request.Context(), p)
	if err != nil {
		_ = c.Error(err)
		fail(c, http.StatusOK, err.Error())
		return
	}
	ok(c, notifyResponse{Code: ack.Code, Message: ack.Message})
}

func (s *Server) scheduleCron(c *gin.Context) {
	var req cronRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	id, err := s.deps.Jobs.ScheduleCron(req.Payload, req.Cron, req.MaxCount)
	if err != nil {
		s.scheduleError(c, err)
		return
	}
	ok(c, jobCreatedResponse{JobID: id})
}

func (s *Server) scheduleOnce(c *gin.Context) {
	var req onceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	id, err := s.deps.Jobs.ScheduleOnce(req.Payload, req.At)
	if err != nil {
		s.scheduleError(c, err)
		return
	}
	ok(c, jobCreatedResponse{JobID: id})
}

// scheduleError reports validation failures as success=false with 200.
func (s *Server) scheduleError(c *gin.Context, err error) {
	_ = c.Error(err)
	if errors.Is(err, jobs.ErrValidation) {
		fail(c, http.StatusOK, err.Error())
		return
	}
	fail(c, http.StatusInternalServerError, err.Error())
}

func (s *Server) listJobs(c *gin.Context) {
	ok(c, s.deps.Jobs.List())
}

func (s *Server) getJob(c *gin.Context) {
	v, found := s.deps.Jobs.Get(c.Param("job_id"))
	if !found {
		fail(c, http.StatusNotFound, "Job not found")
		return
	}
	ok(c, v)
}

func (s *Server) removeJob(c *gin.Context) {
	if err := s.deps.Jobs.Remove(c.Param("job_id")); err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			fail(c, http.StatusNotFound, "Job not found")
			return
		}
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	ok(c, nil)
}

func (s *Server) deliveries(c *gin.Context) {
	limit := defaultDeliveriesLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			fail(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxDeliveriesLimit)
	}
	recs, err := s.deps.Notifier.Recent(c.Request.Context(), limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	ok(c, recs)
}
