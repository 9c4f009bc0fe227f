package progress

import (
	"sync"
	"time"
)

// Status represents the progress of one pipeline stage
type Status struct {
	Stage     string
	Total     int64 // items expected, 0 when unknown
	Processed int64
	Succeeded int64
	Failed    int64
	TimedOut  int64
	Skipped   int64
	Bytes     int64 // bytes moved, downloads only
	StartTime time.Time
	EndTime   time.Time
	// LastUpdateTime is refreshed on every counter change
	LastUpdateTime time.Time
}

// Elapsed returns how long the stage ran (or has been running)
func (s Status) Elapsed() time.Duration {
	if s.StartTime.IsZero() {
		return 0
	}
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// Percent returns the processed share of Total
func (s Status) Percent() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Processed) / float64(s.Total) * 100
}

// Tracker tracks progress of every stage; safe for concurrent use
type Tracker struct {
	mu      sync.RWMutex
	stages  map[string]*Status
	order   []string
	current string
}

// NewTracker creates a new progress tracker
func NewTracker() *Tracker {
	return &Tracker{stages: make(map[string]*Status)}
}

// Begin starts (or restarts) a stage and makes it current
func (t *Tracker) Begin(stage string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.stages[stage]; !ok {
		t.order = append(t.order, stage)
	}
	now := time.Now()
	t.stages[stage] = &Status{Stage: stage, StartTime: now, LastUpdateTime: now}
	t.current = stage
}

// End marks a stage finished
func (t *Tracker) End(stage string) {
	t.update(stage, func(s *Status) { s.EndTime = time.Now() })
}

// SetTotal sets the number of items expected in a stage
func (t *Tracker) SetTotal(stage string, total int64) {
	t.update(stage, func(s *Status) { s.Total = total })
}

// AddSucceeded counts a successful item and the bytes it moved
func (t *Tracker) AddSucceeded(stage string, bytes int64) {
	t.update(stage, func(s *Status) {
		s.Succeeded++
		s.Processed++
		s.Bytes += bytes
	})
}

// AddFailed counts a failed item
func (t *Tracker) AddFailed(stage string) {
	t.update(stage, func(s *Status) {
		s.Failed++
		s.Processed++
	})
}

// AddTimedOut counts an item whose job never converged
func (t *Tracker) AddTimedOut(stage string) {
	t.update(stage, func(s *Status) {
		s.TimedOut++
		s.Processed++
	})
}

// AddSkipped counts an item that was not acted upon (dry run)
func (t *Tracker) AddSkipped(stage string) {
	t.update(stage, func(s *Status) {
		s.Skipped++
		s.Processed++
	})
}

func (t *Tracker) update(stage string, fn func(*Status)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.stages[stage]
	if !ok {
		now := time.Now()
		s = &Status{Stage: stage, StartTime: now}
		t.stages[stage] = s
		t.order = append(t.order, stage)
	}
	fn(s)
	s.LastUpdateTime = time.Now()
}

// GetStatus returns a copy of a stage's status
func (t *Tracker) GetStatus(stage string) Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if s, ok := t.stages[stage]; ok {
		return *s
	}
	return Status{Stage: stage}
}

// Current returns the status of the stage that began last
func (t *Tracker) Current() Status {
	t.mu.RLock()
	stage := t.current
	t.mu.RUnlock()
	return t.GetStatus(stage)
}

// All returns every stage status in the order stages began
func (t *Tracker) All() []Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Status, 0, len(t.order))
	for _, stage := range t.order {
		out = append(out, *t.stages[stage])
	}
	return out
}
