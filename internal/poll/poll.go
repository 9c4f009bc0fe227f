// Package poll waits for asynchronous warehouse jobs to reach a terminal
// state within a bounded number of refreshes.
package poll

import (
	"context"
	"time"

	"bqdrain/internal/warehouse"

	"go.uber.org/zap"
)

// Policy bounds how long a job is waited for
type Policy struct {
	MaxAttempts int
	Interval    time.Duration
}

// Default polls every 10 seconds, at most 100 times.
var Default = Policy{
	MaxAttempts: 100,
	Interval:    10 * time.Second,
}

// Clock abstracts waiting so tests do not sleep for real
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the wall clock
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Outcome is the result of waiting on a job
type Outcome struct {
	JobID     string
	Kind      warehouse.Kind
	State     warehouse.State
	Converged bool
	StartedAt time.Time
	EndedAt   time.Time
	Duration  time.Duration
	Errors    []error
	Rows      int64
	Refreshes int
}

// Succeeded reports a job that reached DONE without errors
func (o Outcome) Succeeded() bool {
	return o.Converged && len(o.Errors) == 0
}

// Failed reports a job that reached DONE with errors
func (o Outcome) Failed() bool {
	return o.Converged && len(o.Errors) > 0
}

// TimedOut reports a job that never reached DONE
func (o Outcome) TimedOut() bool {
	return !o.Converged
}

// Poller drives one job at a time to completion
type Poller struct {
	policy Policy
	clock  Clock
	logger *zap.Logger
}

// New creates a poller. A zero MaxAttempts falls back to Default.
func New(policy Policy, clock Clock, logger *zap.Logger) *Poller {
	if policy.MaxAttempts <= 0 {
		policy = Default
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Poller{policy: policy, clock: clock, logger: logger}
}

// Policy returns the effective policy
func (p *Poller) Policy() Policy {
	return p.policy
}

// Await blocks until job reports DONE or the attempt budget is spent.
//
// Running out of budget is not an error: the returned Outcome has
// Converged == false and carries the last observed state. The only error
// returned is ctx.Err() when the context ends first.
func (p *Poller) Await(ctx context.Context, job warehouse.Job) (Outcome, error) {
	logger := p.logger.With(zap.String("job_id", job.ID()))

	out := Outcome{JobID: job.ID(), Kind: job.Kind()}
	budget := p.policy.MaxAttempts

	for budget > 0 && job.State() != warehouse.StateDone {
		budget--

		if err := p.clock.Sleep(ctx, p.policy.Interval); err != nil {
			out.State = job.State()
			return out, err
		}

		out.Refreshes++
		if err := job.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				out.State = job.State()
				return out, ctx.Err()
			}
			logger.Warn("Failed to refresh job status",
				zap.Int("attempts_left", budget),
				zap.Error(err),
			)
			continue
		}

		logger.Debug("Polled job",
			zap.Stringer("state", job.State()),
			zap.Int("attempts_left", budget),
		)
	}

	out.State = job.State()
	if out.State != warehouse.StateDone {
		return out, nil
	}

	// Result fields are only valid on a terminal job.
	out.Converged = true
	out.Errors = job.Errors()
	out.Rows = job.OutputRows()
	out.StartedAt, out.EndedAt = job.StartedAt(), job.EndedAt()
	if !out.StartedAt.IsZero() && !out.EndedAt.IsZero() {
		out.Duration = out.EndedAt.Sub(out.StartedAt)
	}
	return out, nil
}
