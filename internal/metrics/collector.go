package metrics

import (
	"time"

	"bqdrain/internal/progress"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeTimeout   = "timeout"
	OutcomeSkipped   = "skipped"
)

// Collector collects and exposes metrics
type Collector struct {
	registry        *prometheus.Registry
	itemsTotal      *prometheus.CounterVec
	rowsTotal       *prometheus.CounterVec
	bytesTotal      prometheus.Counter
	inflightTasks   prometheus.Gauge
	jobDuration     *prometheus.HistogramVec
	pollRefreshes   *prometheus.HistogramVec
	progressTracker *progress.Tracker
}

// New creates a new metrics collector with its own registry
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		itemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bqdrain_items_total",
				Help: "Items processed per stage and outcome",
			},
			[]string{"stage", "outcome"},
		),
		rowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bqdrain_rows_total",
				Help: "Rows reported by completed warehouse jobs",
			},
			[]string{"stage"},
		),
		bytesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bqdrain_downloaded_bytes_total",
				Help: "Total bytes written to local disk",
			},
		),
		inflightTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bqdrain_inflight_tasks",
				Help: "Number of tasks currently running",
			},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bqdrain_job_duration_seconds",
				Help:    "Remote job duration from start to end",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"stage"},
		),
		pollRefreshes: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bqdrain_job_refreshes",
				Help:    "Status refreshes needed per job",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
			},
			[]string{"stage"},
		),
		progressTracker: progress.NewTracker(),
	}

	c.registry.MustRegister(
		c.itemsTotal,
		c.rowsTotal,
		c.bytesTotal,
		c.inflightTasks,
		c.jobDuration,
		c.pollRefreshes,
	)

	return c
}

// Registry returns the registry the collectors are registered in
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// IncSucceeded counts a successful item and updates progress
func (c *Collector) IncSucceeded(stage string, bytes int64) {
	c.itemsTotal.WithLabelValues(stage, OutcomeSucceeded).Inc()
	c.progressTracker.AddSucceeded(stage, bytes)
	if bytes > 0 {
		c.bytesTotal.Add(float64(bytes))
	}
}

// IncFailed counts a failed item
func (c *Collector) IncFailed(stage string) {
	c.itemsTotal.WithLabelValues(stage, OutcomeFailed).Inc()
	c.progressTracker.AddFailed(stage)
}

// IncTimedOut counts an item whose job did not converge
func (c *Collector) IncTimedOut(stage string) {
	c.itemsTotal.WithLabelValues(stage, OutcomeTimeout).Inc()
	c.progressTracker.AddTimedOut(stage)
}

// IncSkipped counts an item left alone (dry run)
func (c *Collector) IncSkipped(stage string) {
	c.itemsTotal.WithLabelValues(stage, OutcomeSkipped).Inc()
	c.progressTracker.AddSkipped(stage)
}

// AddRows adds rows reported by a job
func (c *Collector) AddRows(stage string, rows int64) {
	c.rowsTotal.WithLabelValues(stage).Add(float64(rows))
}

// ObserveJob records duration and refresh count of a finished poll
func (c *Collector) ObserveJob(stage string, duration time.Duration, refreshes int) {
	if duration > 0 {
		c.jobDuration.WithLabelValues(stage).Observe(duration.Seconds())
	}
	c.pollRefreshes.WithLabelValues(stage).Observe(float64(refreshes))
}

// TaskStarted increments the inflight gauge
func (c *Collector) TaskStarted() {
	c.inflightTasks.Inc()
}

// TaskFinished decrements the inflight gauge
func (c *Collector) TaskFinished() {
	c.inflightTasks.Dec()
}

// GetProgressTracker returns the progress tracker
func (c *Collector) GetProgressTracker() *progress.Tracker {
	return c.progressTracker
}
