// ============================================================================
// geebatch Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Count launches, terminal outcomes, transient status errors, batches
//          and monitor sweeps, and expose them over /metrics.
//
// Metrics:
//
//   1. Counters
//      - geebatch_jobs_launched_total{kind,outcome}
//      - geebatch_jobs_terminal_total{state}
//      - geebatch_status_errors_total
//      - geebatch_batches_total{outcome}
//      - geebatch_monitor_sweeps_total
//
//   2. Histograms
//      - geebatch_job_duration_seconds     launch to terminal state
//      - geebatch_batch_duration_seconds   per successful batch
//
//   3. Gauges
//      - geebatch_jobs_outstanding         non-terminal jobs after a sweep
//
// Example queries:
//
//   # failure ratio of finished jobs
//   sum(rate(geebatch_jobs_terminal_total{state!="COMPLETED"}[5m]))
//     / sum(rate(geebatch_jobs_terminal_total[5m]))
//
//   # engine flakiness
//   rate(geebatch_status_errors_total[5m])
//
// A nil *Collector is valid and records nothing, so library components can
// take one optionally.
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/geebatch/pkg/types"
)

const namespace = "geebatch"

// Collector holds the Prometheus instruments for one process.
type Collector struct {
	jobsLaunched  *prometheus.CounterVec
	jobsTerminal  *prometheus.CounterVec
	statusErrors  prometheus.Counter
	batches       *prometheus.CounterVec
	sweeps        prometheus.Counter
	jobDuration   prometheus.Histogram
	batchDuration prometheus.Histogram
	outstanding   prometheus.Gauge
}

// NewCollector creates the instruments and registers them with reg. Passing
// nil registers with prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		jobsLaunched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_launched_total",
			Help:      "Launch attempts by job kind and outcome",
		}, []string{"kind", "outcome"}),
		jobsTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_terminal_total",
			Help:      "Jobs that reached a terminal state",
		}, []string{"state"}),
		statusErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_errors_total",
			Help:      "Failed remote status queries",
		}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Processed batches by outcome",
		}, []string{"outcome"}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_sweeps_total",
			Help:      "Monitor polling sweeps",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from launch to terminal state",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Processing time of successful batches",
			Buckets:   prometheus.DefBuckets,
		}),
		outstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_outstanding",
			Help:      "Non-terminal jobs after the latest sweep",
		}),
	}

	reg.MustRegister(
		c.jobsLaunched,
		c.jobsTerminal,
		c.statusErrors,
		c.batches,
		c.sweeps,
		c.jobDuration,
		c.batchDuration,
		c.outstanding,
	)
	return c
}

// RecordLaunch counts one launch attempt.
func (c *Collector) RecordLaunch(kind types.JobKind, ok bool) {
	if c == nil {
		return
	}
	c.jobsLaunched.WithLabelValues(string(kind), outcome(ok)).Inc()
}

// RecordTerminal counts a job reaching state after d.
func (c *Collector) RecordTerminal(state types.JobState, d time.Duration) {
	if c == nil {
		return
	}
	c.jobsTerminal.WithLabelValues(string(state)).Inc()
	if d > 0 {
		c.jobDuration.Observe(d.Seconds())
	}
}

// RecordStatusError counts a transient status query failure.
func (c *Collector) RecordStatusError() {
	if c == nil {
		return
	}
	c.statusErrors.Inc()
}

// RecordBatch counts one batch. d is observed only for successes.
func (c *Collector) RecordBatch(ok bool, d time.Duration) {
	if c == nil {
		return
	}
	c.batches.WithLabelValues(outcome(ok)).Inc()
	if ok {
		c.batchDuration.Observe(d.Seconds())
	}
}

// RecordSweep counts a monitor sweep and the jobs still outstanding after it.
func (c *Collector) RecordSweep(outstanding int) {
	if c == nil {
		return
	}
	c.sweeps.Inc()
	c.outstanding.Set(float64(outstanding))
}

func outcome(ok bool) string {
	if ok {
		return string(types.OutcomeSuccess)
	}
	return string(types.OutcomeFailure)
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
