package worker

import (
	"context"
	"fmt"
	"time"

	"bqdrain/internal/metrics"

	"go.uber.org/zap"
)

// TaskProcessor runs individual tasks for one worker
type TaskProcessor struct {
	metrics *metrics.Collector
	logger  *zap.Logger
}

// Process runs a single task. A panic inside the task is turned into an
// error so one bad item cannot take the whole stage down.
func (p *TaskProcessor) Process(ctx context.Context, task Task) (err error) {
	startTime := time.Now()

	if p.metrics != nil {
		p.metrics.TaskStarted()
		defer p.metrics.TaskFinished()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s/%s panicked: %v", task.Stage, task.Item, r)
		}
		p.logger.Debug("Task finished",
			zap.String("stage", task.Stage),
			zap.String("item", task.Item),
			zap.Duration("duration", time.Since(startTime)),
			zap.Error(err),
		)
	}()

	return task.Run(ctx)
}
