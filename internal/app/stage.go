package app

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"bqdrain/internal/checkpoint"
	"bqdrain/internal/metrics"
	"bqdrain/internal/poll"
	"bqdrain/internal/progress"
	"bqdrain/internal/worker"

	"go.uber.org/zap"
)

// Stage names, used in logs, metrics and the ledger
const (
	StageImport   = "import"
	StageExport   = "export"
	StageDownload = "download"
)

// runner holds what every stage shares
type runner struct {
	logger  *zap.Logger
	poller  *poll.Poller
	pool    *worker.Pool
	ledger  checkpoint.Store
	metrics *metrics.Collector
	clock   poll.Clock
	dryRun  bool

	idMu   sync.Mutex
	issued map[string]int
}

func (r *runner) tracker() *progress.Tracker {
	return r.metrics.GetProgressTracker()
}

// logOutcome writes the per-job log lines. Failed and non-convergent jobs are
// logged distinctly so an operator can tell them apart.
func (r *runner) logOutcome(logger *zap.Logger, out poll.Outcome) {
	logger.Info("Job finished polling",
		zap.Stringer("state", out.State),
		zap.Duration("duration", out.Duration),
		zap.Int("refreshes", out.Refreshes),
	)

	switch {
	case out.TimedOut():
		logger.Error("Job did not converge within the poll budget",
			zap.Stringer("last_state", out.State),
			zap.Int("max_attempts", r.poller.Policy().MaxAttempts),
			zap.Duration("interval", r.poller.Policy().Interval),
		)
	case out.Failed():
		logger.Error("Job finished with errors", zap.Errors("errors", out.Errors))
	}
}

// statusOf maps a poll outcome onto a ledger status
func statusOf(out poll.Outcome) checkpoint.Status {
	switch {
	case out.TimedOut():
		return checkpoint.StatusTimeout
	case out.Failed():
		return checkpoint.StatusFailed
	default:
		return checkpoint.StatusSucceeded
	}
}

// record stores the final result of one item in metrics and the ledger
func (r *runner) record(stage string, rec checkpoint.Record, bytes int64) {
	switch rec.Status {
	case checkpoint.StatusSucceeded:
		r.metrics.IncSucceeded(stage, bytes)
	case checkpoint.StatusTimeout:
		r.metrics.IncTimedOut(stage)
	default:
		r.metrics.IncFailed(stage)
	}

	rec.Stage = stage
	if err := r.ledger.SaveRecord(&rec); err != nil {
		r.logger.Warn("Failed to save ledger record",
			zap.String("id", rec.ID),
			zap.Error(err),
		)
	}
}

// jobRecord builds a ledger record from a poll outcome
func jobRecord(item string, out poll.Outcome, status checkpoint.Status, cause error) checkpoint.Record {
	rec := checkpoint.Record{
		ID:        out.JobID,
		Item:      item,
		State:     out.State.String(),
		Status:    status,
		Rows:      out.Rows,
		StartedAt: out.StartedAt,
		EndedAt:   out.EndedAt,
	}
	if cause == nil && len(out.Errors) > 0 {
		cause = errors.Join(out.Errors...)
	}
	if cause != nil {
		rec.LastError = cause.Error()
	}
	return rec
}

// observe feeds job timings into metrics
func (r *runner) observe(stage string, out poll.Outcome) {
	r.metrics.ObserveJob(stage, out.Duration, out.Refreshes)
	if out.Succeeded() && out.Rows > 0 {
		r.metrics.AddRows(stage, out.Rows)
	}
}

func (r *runner) now() time.Time {
	return r.clock.Now()
}

// jobID names a job with JobName, appending _<n> when the same name was
// already issued (JobName has second resolution)
func (r *runner) jobID(verb, entity string) string {
	name := JobName(verb, entity, r.now())

	r.idMu.Lock()
	defer r.idMu.Unlock()
	if r.issued == nil {
		r.issued = make(map[string]int)
	}
	n := r.issued[name]
	r.issued[name] = n + 1
	if n == 0 {
		return name
	}
	return fmt.Sprintf("%s_%d", name, n)
}
