// Package metrics turns scheduler lifecycle events into Prometheus series.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"upkeep/internal/eventbus"
	"upkeep/internal/job"
	"upkeep/internal/scheduler"
	logx "upkeep/pkg/logx"
)

const namespace = "upkeep"

// Collector owns a private registry so tests and multiple instances never
// collide on the default one.
type Collector struct {
	registry *prometheus.Registry

	executions *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	running    *prometheus.GaugeVec
	retries    *prometheus.CounterVec
	skipped    *prometheus.CounterVec
}

// New registers the job series plus Go and process collectors.
// busDropped, when non-nil, is exported as upkeep_eventbus_dropped_total.
func New(busDropped func() uint64) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_executions_total",
			Help:      "Terminal job executions by final state.",
		}, []string{"job", "state"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of terminal job executions.",
			Buckets:   []float64{.01, .05, .25, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"job"}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "job_running",
			Help:      "Executions started and not yet finalized.",
		}, []string{"job"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_retries_total",
			Help:      "Retries scheduled after failed executions.",
		}, []string{"job"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_skipped_total",
			Help:      "Due runs skipped because dependencies were not satisfied.",
		}, []string{"job"}),
	}
	c.registry.MustRegister(
		c.executions, c.duration, c.running, c.retries, c.skipped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if busDropped != nil {
		c.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eventbus_dropped_total",
			Help:      "Events discarded because a subscriber buffer was full.",
		}, func() float64 { return float64(busDropped()) }))
	}
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Observe applies one bus event to the series.
func (c *Collector) Observe(ev eventbus.Event) {
	switch ev.Type {
	case scheduler.EventJobStarted:
		if e, ok := ev.Data.(scheduler.StartedEvent); ok {
			c.running.WithLabelValues(e.JobID).Inc()
		}
	case scheduler.EventJobFinished:
		r, ok := ev.Data.(job.Result)
		if !ok {
			return
		}
		c.running.WithLabelValues(r.JobID).Dec()
		c.executions.WithLabelValues(r.JobID, string(r.State)).Inc()
		c.duration.WithLabelValues(r.JobID).Observe(r.Duration.Seconds())
	case scheduler.EventJobSkipped:
		if r, ok := ev.Data.(job.Result); ok {
			c.skipped.WithLabelValues(r.JobID).Inc()
			c.executions.WithLabelValues(r.JobID, string(r.State)).Inc()
		}
	case scheduler.EventRetryScheduled:
		if e, ok := ev.Data.(scheduler.RetryEvent); ok {
			c.retries.WithLabelValues(e.JobID).Inc()
		}
	}
}

// Attach subscribes now and returns the loop that consumes bus events until ctx is done.
func (c *Collector) Attach(bus eventbus.Bus, log logx.Logger) func(ctx context.Context) error {
	ch, unsubscribe := bus.Subscribe(512,
		scheduler.EventJobStarted,
		scheduler.EventJobFinished,
		scheduler.EventJobSkipped,
		scheduler.EventRetryScheduled,
	)
	log.Debug("metrics collector subscribed")
	return func(ctx context.Context) error {
		defer unsubscribe()
		return c.consume(ctx, ch)
	}
}

func (c *Collector) consume(ctx context.Context, ch <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			c.Observe(ev)
		}
	}
}
