package app

import (
	"context"
	"fmt"

	"bqdrain/internal/checkpoint"
	"bqdrain/internal/poll"
	"bqdrain/internal/progress"
	"bqdrain/internal/warehouse"
	"bqdrain/internal/worker"

	"go.uber.org/zap"
)

// Exporter moves every table of a dataset to a bucket and clears the dataset
type Exporter struct {
	*runner
	warehouse warehouse.Client
}

// ExportURI is the destination pattern of a table's export
func ExportURI(bucket, table string) string {
	return fmt.Sprintf("gs://%s/%s-*.json.gz", bucket, table)
}

// ExportAndClear extracts each table of dataset to destinationBucket as
// gzipped newline-delimited JSON. A table is deleted only after its own
// extract job reached DONE without errors. Once every table was handled the
// table list is read again; the dataset is deleted only if it is empty.
func (ex *Exporter) ExportAndClear(ctx context.Context, dataset, destinationBucket string) (progress.Status, error) {
	ex.tracker().Begin(StageExport)
	defer ex.tracker().End(StageExport)

	tables, err := ex.warehouse.ListTables(ctx, dataset)
	if err != nil {
		return ex.tracker().GetStatus(StageExport), fmt.Errorf("list tables of %s: %w", dataset, err)
	}
	ex.tracker().SetTotal(StageExport, int64(len(tables)))

	err = ex.pool.Run(ctx, func(ctx context.Context, tasks chan<- worker.Task) error {
		for _, table := range tables {
			table := table
			task := worker.Task{
				Stage: StageExport,
				Item:  table,
				Run: func(ctx context.Context) error {
					return ex.exportOne(ctx, dataset, table, destinationBucket)
				},
			}

			select {
			case tasks <- task:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	if err != nil {
		return ex.tracker().GetStatus(StageExport), fmt.Errorf("export %s: %w", dataset, err)
	}

	if ex.dryRun {
		ex.logger.Info("Dry run: leaving dataset in place", zap.String("dataset", dataset))
		return ex.tracker().GetStatus(StageExport), nil
	}

	ex.clearDataset(ctx, dataset)
	return ex.tracker().GetStatus(StageExport), nil
}

func (ex *Exporter) exportOne(ctx context.Context, dataset, table, bucket string) error {
	jobID := ex.jobID("export", table)
	destination := ExportURI(bucket, table)
	logger := ex.logger.With(
		zap.String("stage", StageExport),
		zap.String("table", table),
		zap.String("job_id", jobID),
	)

	if ex.dryRun {
		logger.Info("Would export table", zap.String("destination_uri", destination))
		ex.metrics.IncSkipped(StageExport)
		return nil
	}

	job, err := ex.warehouse.Extract(ctx, warehouse.ExtractRequest{
		JobID:          jobID,
		Dataset:        dataset,
		Table:          table,
		DestinationURI: destination,
		Format:         warehouse.FormatNewlineJSON,
		Compression:    warehouse.CompressionGzip,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Error("Failed to submit extract job", zap.Error(err))
		ex.record(StageExport, jobRecord(table, poll.Outcome{JobID: jobID}, checkpoint.StatusFailed, err), 0)
		return nil
	}
	logger.Info("Extract job started", zap.String("destination_uri", destination))

	out, err := ex.poller.Await(ctx, job)
	if err != nil {
		logger.Warn("Stopped waiting for extract job, table kept", zap.Error(err))
		return err
	}

	ex.logOutcome(logger, out)
	ex.observe(StageExport, out)

	if !out.Succeeded() {
		logger.Warn("Table kept in warehouse")
		ex.record(StageExport, jobRecord(table, out, statusOf(out), nil), 0)
		return nil
	}

	logger.Info("No errors detected, deleting table")
	if err := ex.warehouse.DeleteTable(ctx, dataset, table); err != nil {
		logger.Error("Failed to delete exported table", zap.Error(err))
		ex.record(StageExport, jobRecord(table, out, checkpoint.StatusFailed, fmt.Errorf("delete table: %w", err)), 0)
		return nil
	}

	ex.record(StageExport, jobRecord(table, out, checkpoint.StatusSucceeded, nil), 0)
	return nil
}

// clearDataset deletes the dataset if the export pass left it empty
func (ex *Exporter) clearDataset(ctx context.Context, dataset string) {
	logger := ex.logger.With(zap.String("dataset", dataset))

	remaining, err := ex.warehouse.ListTables(ctx, dataset)
	if err != nil {
		logger.Warn("Could not re-list tables, keeping dataset", zap.Error(err))
		return
	}

	if len(remaining) > 0 {
		logger.Warn("Dataset still contains tables. Check for errors.",
			zap.Strings("tables", remaining),
		)
		return
	}

	logger.Info("Dataset contains no tables. Deleting.")
	if err := ex.warehouse.DeleteDataset(ctx, dataset); err != nil {
		logger.Error("Failed to delete dataset", zap.Error(err))
	}
}
