// Package metrics exposes barkd's Prometheus collectors.
//
// Every Collector owns a private registry, so tests and multiple app
// instances never collide on registration.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "barkd"

// Collector is nil-safe: every method on a nil *Collector is a no-op.
type Collector struct {
	reg *prometheus.Registry

	jobsScheduled  *prometheus.CounterVec
	firings        *prometheus.CounterVec
	firingsSkipped prometheus.Counter
	jobsRetired    *prometheus.CounterVec
	deliveries     *prometheus.CounterVec
	jobsActive     prometheus.Gauge
	deliveryTime   *prometheus.HistogramVec
}

func NewCollector() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		jobsScheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_scheduled_total",
			Help:      "Jobs accepted by the scheduler, by kind.",
		}, []string{"kind"}),
		firings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "firings_total",
			Help:      "Firings that reached delivery, by kind.",
		}, []string{"kind"}),
		firingsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "firings_skipped_total",
			Help:      "Firings skipped because the job was cancelled.",
		}),
		jobsRetired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_retired_total",
			Help:      "Jobs that left the registry, by reason.",
		}, []string{"reason"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Notification deliveries, by gateway and result.",
		}, []string{"gateway", "result"}),
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_active",
			Help:      "Jobs currently present in the registry.",
		}),
		deliveryTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Delivery latency including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"gateway"}),
	}
	c.reg.MustRegister(
		c.jobsScheduled,
		c.firings,
		c.firingsSkipped,
		c.jobsRetired,
		c.deliveries,
		c.jobsActive,
		c.deliveryTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the private registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.reg
}

// Handler serves the registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

func (c *Collector) JobScheduled(kind string) {
	if c == nil {
		return
	}
	c.jobsScheduled.WithLabelValues(kind).Inc()
}

func (c *Collector) Fired(kind string) {
	if c == nil {
		return
	}
	c.firings.WithLabelValues(kind).Inc()
}

func (c *Collector) Skipped() {
	if c == nil {
		return
	}
	c.firingsSkipped.Inc()
}

// Retired records a job leaving the registry. reason is one of
// "removed", "exhausted", "completed", "cancelled".
func (c *Collector) Retired(reason string) {
	if c == nil {
		return
	}
	c.jobsRetired.WithLabelValues(reason).Inc()
}

func (c *Collector) SetActive(n int) {
	if c == nil {
		return
	}
	c.jobsActive.Set(float64(n))
}

// ObserveDelivery implements notifier.Observer.
func (c *Collector) ObserveDelivery(gateway string, ok bool, took time.Duration) {
	if c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	c.deliveries.WithLabelValues(gateway, result).Inc()
	c.deliveryTime.WithLabelValues(gateway).Observe(took.Seconds())
}
