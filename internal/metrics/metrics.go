// ============================================================================
// pbem-host Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: counters, gauges and histograms for the job queue, the turn
//          pipeline and the reconciliation loop.
//
// Metric families:
//
//   1. Queue counters:
//      - pbem_queue_jobs_enqueued_total / dispatched / completed / failed /
//        dead / deleted
//   2. Queue gauges:
//      - pbem_queue_jobs_pending, pbem_queue_jobs_processing,
//        pbem_queue_recurring, pbem_queue_recovery_time_seconds
//   3. Queue latency:
//      - pbem_queue_job_latency_seconds (claim to acknowledge)
//   4. Pipeline:
//      - pbem_pipeline_stage_duration_seconds{stage}
//      - pbem_pipeline_stage_total{stage,outcome}  outcome: skipped|succeeded|failed
//   5. Reconciliation:
//      - pbem_reconcile_mutations_total{op}  op: upsert|remove
//      - pbem_reconcile_errors_total
//
// Example queries:
//
//   # failed stage rate per stage
//   rate(pbem_pipeline_stage_total{outcome="failed"}[15m])
//
//   # backlog
//   pbem_queue_jobs_pending + pbem_queue_jobs_processing
//
// A nil *Collector is valid and records nothing, so components can run
// without instrumentation in tests.
//
// ============================================================================

package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stage outcomes
const (
	OutcomeSkipped   = "skipped"
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

// Collector holds all metrics.
type Collector struct {
	jobsEnqueued   prometheus.Counter
	jobsDispatched prometheus.Counter
	jobsCompleted  prometheus.Counter
	jobsFailed     prometheus.Counter
	jobsDead       prometheus.Counter
	jobsDeleted    prometheus.Counter

	jobLatency   prometheus.Histogram
	recoveryTime prometheus.Gauge

	jobsPending    prometheus.Gauge
	jobsProcessing prometheus.Gauge
	recurring      prometheus.Gauge

	stageDuration *prometheus.HistogramVec
	stageTotal    *prometheus.CounterVec

	mutations       *prometheus.CounterVec
	reconcileErrors prometheus.Counter

	gatherer prometheus.Gatherer
}

// NewCollector creates the metrics and registers them with reg.
// Passing a fresh prometheus.NewRegistry() keeps tests isolated.
func NewCollector(reg *prometheus.Registry) *Collector {
	c := &Collector{
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pbem_queue_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		}),
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pbem_queue_jobs_dispatched_total",
			Help: "Total number of jobs handed to workers",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pbem_queue_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pbem_queue_jobs_failed_total",
			Help: "Total number of failed job attempts",
		}),
		jobsDead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pbem_queue_jobs_dead_total",
			Help: "Total number of jobs that failed with no attempts left",
		}),
		jobsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pbem_queue_jobs_deleted_total",
			Help: "Total number of jobs deleted before they ran",
		}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pbem_queue_job_latency_seconds",
			Help:    "Time from claim to acknowledgement",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 600, 1800},
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pbem_queue_recovery_time_seconds",
			Help: "Duration of the last startup recovery",
		}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pbem_queue_jobs_pending",
			Help: "Jobs scheduled, enqueued or awaiting retry",
		}),
		jobsProcessing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pbem_queue_jobs_processing",
			Help: "Jobs currently held by a worker",
		}),
		recurring: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pbem_queue_recurring",
			Help: "Recurring job definitions",
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pbem_pipeline_stage_duration_seconds",
			Help:    "Duration of executed pipeline stages",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 120, 600},
		}, []string{"stage"}),
		stageTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pbem_pipeline_stage_total",
			Help: "Pipeline stage invocations by outcome",
		}, []string{"stage", "outcome"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pbem_reconcile_mutations_total",
			Help: "Recurring job definitions changed by reconciliation",
		}, []string{"op"}),
		reconcileErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pbem_reconcile_errors_total",
			Help: "Games whose reconciliation failed",
		}),
		gatherer: reg,
	}

	reg.MustRegister(
		c.jobsEnqueued, c.jobsDispatched, c.jobsCompleted, c.jobsFailed, c.jobsDead, c.jobsDeleted,
		c.jobLatency, c.recoveryTime,
		c.jobsPending, c.jobsProcessing, c.recurring,
		c.stageDuration, c.stageTotal,
		c.mutations, c.reconcileErrors,
	)
	return c
}

// ============================================================================
// Queue
// ============================================================================

func (c *Collector) RecordEnqueue() {
	if c == nil {
		return
	}
	c.jobsEnqueued.Inc()
}

func (c *Collector) RecordDispatch() {
	if c == nil {
		return
	}
	c.jobsDispatched.Inc()
}

// RecordCompleted counts a success and observes its latency.
func (c *Collector) RecordCompleted(latency time.Duration) {
	if c == nil {
		return
	}
	c.jobsCompleted.Inc()
	c.jobLatency.Observe(latency.Seconds())
}

func (c *Collector) RecordFailed() {
	if c == nil {
		return
	}
	c.jobsFailed.Inc()
}

func (c *Collector) RecordDead() {
	if c == nil {
		return
	}
	c.jobsDead.Inc()
}

func (c *Collector) RecordDeleted() {
	if c == nil {
		return
	}
	c.jobsDeleted.Inc()
}

func (c *Collector) SetRecoveryTime(d time.Duration) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(d.Seconds())
}

// UpdateQueueStats sets the queue gauges.
func (c *Collector) UpdateQueueStats(pending, processing, recurring int) {
	if c == nil {
		return
	}
	c.jobsPending.Set(float64(pending))
	c.jobsProcessing.Set(float64(processing))
	c.recurring.Set(float64(recurring))
}

// ============================================================================
// Pipeline / reconcile
// ============================================================================

// ObserveStage records one stage invocation. Skipped stages have no duration.
func (c *Collector) ObserveStage(stage, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.stageTotal.WithLabelValues(stage, outcome).Inc()
	if outcome != OutcomeSkipped {
		c.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
	}
}

// RecordMutation counts a definition upsert or removal.
func (c *Collector) RecordMutation(op string) {
	if c == nil {
		return
	}
	c.mutations.WithLabelValues(op).Inc()
}

func (c *Collector) RecordReconcileError() {
	if c == nil {
		return
	}
	c.reconcileErrors.Inc()
}

// ============================================================================
// HTTP
// ============================================================================

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on addr in the background. The returned server
// is shut down by the caller.
func (c *Collector) StartServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	return srv
}
