package app

import (
	"context"
	"fmt"

	"bqdrain/internal/checkpoint"
	"bqdrain/internal/poll"
	"bqdrain/internal/progress"
	"bqdrain/internal/storage"
	"bqdrain/internal/warehouse"
	"bqdrain/internal/worker"

	"go.uber.org/zap"
)

// Importer loads backup snapshots from a bucket into warehouse tables
type Importer struct {
	*runner
	storage   storage.Client
	warehouse warehouse.Client
}

// ImportAll submits one load job per backup descriptor in sourceBucket and
// waits for each. A failed, rejected or non-convergent job is logged and
// does not stop its siblings. The returned error is reserved for listing
// failures and cancellation.
//
// Every run re-submits every descriptor; completions of earlier runs are
// not consulted.
func (im *Importer) ImportAll(ctx context.Context, sourceBucket, dataset string) (progress.Status, error) {
	im.tracker().Begin(StageImport)
	defer im.tracker().End(StageImport)

	lister := &ObjectLister{client: im.storage, logger: im.logger}

	err := im.pool.Run(ctx, func(ctx context.Context, tasks chan<- worker.Task) error {
		return lister.Each(ctx, sourceBucket, func(obj storage.ObjectInfo) error {
			table, ok := TableFromDescriptor(obj.Key)
			if !ok {
				im.logger.Debug("Ignoring non-descriptor object", zap.String("object", obj.Key))
				return nil
			}

			task := worker.Task{
				Stage: StageImport,
				Item:  table,
				Run: func(ctx context.Context) error {
					return im.importOne(ctx, sourceBucket, obj.Key, dataset, table)
				},
			}

			select {
			case tasks <- task:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	})

	status := im.tracker().GetStatus(StageImport)
	if err != nil {
		return status, fmt.Errorf("import from %s: %w", sourceBucket, err)
	}
	return status, nil
}

func (im *Importer) importOne(ctx context.Context, bucket, object, dataset, table string) error {
	jobID := im.jobID("load", table)
	logger := im.logger.With(
		zap.String("stage", StageImport),
		zap.String("table", table),
		zap.String("job_id", jobID),
	)

	if im.dryRun {
		logger.Info("Would import backup", zap.String("source_uri", storage.URI(bucket, object)))
		im.metrics.IncSkipped(StageImport)
		return nil
	}

	logger.Info("Importing backup", zap.String("source_uri", storage.URI(bucket, object)))

	job, err := im.warehouse.Load(ctx, warehouse.LoadRequest{
		JobID:        jobID,
		Dataset:      dataset,
		Table:        table,
		SourceURI:    storage.URI(bucket, object),
		SourceFormat: warehouse.FormatDatastoreBackup,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Error("Failed to submit load job", zap.Error(err))
		im.record(StageImport, jobRecord(table, poll.Outcome{JobID: jobID}, checkpoint.StatusFailed, err), 0)
		return nil
	}
	logger.Info("Load job started")

	out, err := im.poller.Await(ctx, job)
	if err != nil {
		logger.Warn("Stopped waiting for load job", zap.Error(err))
		return err
	}

	im.logOutcome(logger, out)
	im.observe(StageImport, out)
	if out.Succeeded() {
		logger.Info("Rows imported", zap.Int64("rows", out.Rows))
	}

	im.record(StageImport, jobRecord(table, out, statusOf(out), nil), 0)
	return nil
}
