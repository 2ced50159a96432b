// Package metrics exposes Prometheus counters for the dialing pipeline.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector aggregates the instrumentation the dispatcher and scheduler
// report. Counters only ever grow; the gauge pair reflects the current
// queue shape and is rewritten on every poll cycle.
type Collector struct {
	callsPlaced    prometheus.Counter
	callsFinished  prometheus.Counter
	callsFailed    prometheus.Counter
	reschedules    prometheus.Counter
	closures       *prometheus.CounterVec
	staleReclaimed prometheus.Counter

	callDuration prometheus.Histogram

	pendingDue prometheus.Gauge
	inFlight   prometheus.Gauge
}

// NewCollector creates and registers the collector on reg. Passing nil
// uses the default registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		callsPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dialer_calls_placed_total",
			Help: "Total number of outbound calls handed to the provider",
		}),
		callsFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dialer_calls_finished_total",
			Help: "Total number of calls that reached a terminal outcome",
		}),
		callsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dialer_calls_failed_total",
			Help: "Total number of call attempts that errored or timed out",
		}),
		reschedules: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_reschedules_total",
			Help: "Total number of retry entries written to the schedule",
		}),
		closures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_lead_closures_total",
			Help: "Total number of leads closed, by closure reason",
		}, []string{"reason"}),
		staleReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dialer_stale_calling_reclaimed_total",
			Help: "Leads recovered from a stale calling state at startup or poll",
		}),
		callDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dialer_call_duration_seconds",
			Help:    "End-to-end duration of a dialing task",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		pendingDue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scheduler_pending_due",
			Help: "Pending schedule entries currently due",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dialer_calls_in_flight",
			Help: "Dialing tasks currently running",
		}),
	}

	reg.MustRegister(c.callsPlaced, c.callsFinished, c.callsFailed,
		c.reschedules, c.closures, c.staleReclaimed,
		c.callDuration, c.pendingDue, c.inFlight)

	return c
}

// CallPlaced records a call handed to the provider.
func (c *Collector) CallPlaced() { c.callsPlaced.Inc() }

// CallFinished records a terminal outcome and task duration.
func (c *Collector) CallFinished(seconds float64) {
	c.callsFinished.Inc()
	c.callDuration.Observe(seconds)
}

// CallFailed records an errored or timed-out attempt.
func (c *Collector) CallFailed() { c.callsFailed.Inc() }

// Rescheduled records a new pending schedule entry.
func (c *Collector) Rescheduled() { c.reschedules.Inc() }

// LeadClosed records a closure with its reason.
func (c *Collector) LeadClosed(reason string) {
	c.closures.WithLabelValues(reason).Inc()
}

// StaleReclaimed records leads rescued from a dead calling state.
func (c *Collector) StaleReclaimed(n int64) {
	c.staleReclaimed.Add(float64(n))
}

// SetPendingDue updates the due-queue depth gauge.
func (c *Collector) SetPendingDue(n int64) { c.pendingDue.Set(float64(n)) }

// TaskStarted marks a dialing task as running.
func (c *Collector) TaskStarted() { c.inFlight.Inc() }

// TaskDone marks a dialing task as finished.
func (c *Collector) TaskDone() { c.inFlight.Dec() }

// StartServer serves /metrics on its own port for Prometheus to scrape.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}
