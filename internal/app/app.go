package app

import (
	"context"
	"errors"
	"fmt"

	"bqdrain/internal/checkpoint"
	"bqdrain/internal/config"
	"bqdrain/internal/metrics"
	"bqdrain/internal/poll"
	"bqdrain/internal/progress"
	"bqdrain/internal/storage"
	"bqdrain/internal/warehouse"
	"bqdrain/internal/worker"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// ErrBucketNotFound is returned by Run when a configured bucket is missing
var ErrBucketNotFound = errors.New("bucket not found")

// Pipeline runs import, export and download in order
type Pipeline struct {
	cfg       *config.Config
	logger    *zap.Logger
	storage   storage.Client
	warehouse warehouse.Client
	ledger    checkpoint.Store
	metrics   *metrics.Collector
	server    *metrics.Server

	importer   *Importer
	exporter   *Exporter
	downloader *Downloader
}

// New creates a pipeline talking to the real warehouse and storage services
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Pipeline, error) {
	wh, err := warehouse.NewBigQueryClient(ctx, warehouse.Config{
		Project:         cfg.Project,
		Location:        cfg.Location,
		CredentialsFile: cfg.CredentialsFile,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create warehouse client: %w", err)
	}

	st, err := storage.New(ctx, storage.Config{
		Driver:          cfg.Storage.Driver,
		CredentialsFile: cfg.CredentialsFile,
		Endpoint:        cfg.Storage.Endpoint,
		AccessKey:       cfg.Storage.AccessKey,
		SecretKey:       cfg.Storage.SecretKey,
		Secure:          cfg.Storage.Secure,
	})
	if err != nil {
		wh.Close()
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	var ledger checkpoint.Store = checkpoint.NopStore{}
	if cfg.Pipeline.Checkpoint != "" {
		ledger, err = checkpoint.NewSQLiteStore(cfg.Pipeline.Checkpoint)
		if err != nil {
			wh.Close()
			st.Close()
			return nil, fmt.Errorf("failed to create checkpoint store: %w", err)
		}
	}

	return newPipeline(cfg, logger, wh, st, ledger, poll.SystemClock{}), nil
}

func newPipeline(cfg *config.Config, logger *zap.Logger, wh warehouse.Client, st storage.Client, ledger checkpoint.Store, clock poll.Clock) *Pipeline {
	collector := metrics.New()

	r := &runner{
		logger: logger,
		poller: poll.New(poll.Policy{
			MaxAttempts: cfg.Pipeline.PollAttempts,
			Interval:    cfg.Pipeline.PollInterval,
		}, clock, logger),
		pool:    worker.NewPool(worker.Config{Size: cfg.Pipeline.Concurrency}, collector, logger),
		ledger:  ledger,
		metrics: collector,
		clock:   clock,
		dryRun:  cfg.Pipeline.DryRun,
	}

	p := &Pipeline{
		cfg:       cfg,
		logger:    logger,
		storage:   st,
		warehouse: wh,
		ledger:    ledger,
		metrics:   collector,
		importer:  &Importer{runner: r, storage: st, warehouse: wh},
		exporter:  &Exporter{runner: r, warehouse: wh},
		downloader: &Downloader{
			runner:       r,
			storage:      st,
			dir:          cfg.Pipeline.DownloadDir,
			onError:      cfg.Pipeline.OnDownloadError,
			showProgress: cfg.Pipeline.ShowProgress,
		},
	}
	if cfg.MetricsAddr != "" {
		p.server = metrics.NewServer(cfg.MetricsAddr, collector, logger)
	}
	return p
}

// Run executes the three stages. Missing buckets stop the run before any
// stage starts; an error from a stage stops the stages after it.
func (p *Pipeline) Run(ctx context.Context) error {
	pc := p.cfg.Pipeline
	p.logger.Info("Starting pipeline",
		zap.String("project", p.cfg.Project),
		zap.String("source_bucket", pc.SourceBucket),
		zap.String("export_bucket", pc.ExportBucket),
		zap.String("dataset", pc.Dataset),
		zap.String("download_dir", pc.DownloadDir),
		zap.Int("concurrency", pc.Concurrency),
		zap.Bool("dry_run", pc.DryRun),
	)

	if p.server != nil {
		p.server.Start()
		defer func() {
			if err := p.server.Shutdown(); err != nil {
				p.logger.Warn("Failed to stop status server", zap.Error(err))
			}
		}()
	}

	missing, err := p.preflight(ctx)
	if err != nil {
		return err
	}

	defer p.summary()

	if _, err := p.importer.ImportAll(ctx, pc.SourceBucket, pc.Dataset); err != nil {
		return err
	}
	if missing {
		p.logger.Info("Dry run: dataset does not exist yet, nothing to export", zap.String("dataset", pc.Dataset))
	} else if _, err := p.exporter.ExportAndClear(ctx, pc.Dataset, pc.ExportBucket); err != nil {
		return err
	}
	if _, err := p.downloader.DrainBucket(ctx, pc.ExportBucket); err != nil {
		return err
	}

	p.logger.Info("Pipeline completed")
	return nil
}

// preflight checks both buckets and the dataset. It reports true only in dry
// run, when the dataset is missing and was therefore not created.
func (p *Pipeline) preflight(ctx context.Context) (bool, error) {
	for _, bucket := range []string{p.cfg.Pipeline.SourceBucket, p.cfg.Pipeline.ExportBucket} {
		ok, err := p.storage.BucketExists(ctx, bucket)
		if err != nil {
			return false, fmt.Errorf("check bucket %s: %w", bucket, err)
		}
		if !ok {
			p.logger.Error("Bucket does not exist", zap.String("bucket", bucket))
			return false, fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
		}
	}

	dataset := p.cfg.Pipeline.Dataset
	ok, err := p.warehouse.DatasetExists(ctx, dataset)
	if err != nil {
		return false, fmt.Errorf("check dataset %s: %w", dataset, err)
	}
	if ok {
		return false, nil
	}

	if p.cfg.Pipeline.DryRun {
		p.logger.Info("Dry run: dataset does not exist and would be created", zap.String("dataset", dataset))
		return true, nil
	}

	p.logger.Info("Dataset does not exist. Creating.", zap.String("dataset", dataset))
	if err := p.warehouse.CreateDataset(ctx, dataset); err != nil {
		return false, fmt.Errorf("create dataset %s: %w", dataset, err)
	}
	return false, nil
}

func (p *Pipeline) summary() {
	for _, s := range p.metrics.GetProgressTracker().All() {
		p.logger.Info("Stage summary",
			zap.String("stage", s.Stage),
			zap.Int64("processed", s.Processed),
			zap.Int64("succeeded", s.Succeeded),
			zap.Int64("failed", s.Failed),
			zap.Int64("timed_out", s.TimedOut),
			zap.Int64("skipped", s.Skipped),
			zap.String("bytes", humanize.Bytes(uint64(s.Bytes))),
			zap.Duration("elapsed", s.Elapsed()),
		)
	}
}

// Status returns the counters of one stage
func (p *Pipeline) Status(stage string) progress.Status {
	return p.metrics.GetProgressTracker().GetStatus(stage)
}

// Close releases the warehouse, storage and ledger handles
func (p *Pipeline) Close() error {
	var errs []error
	if err := p.warehouse.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close warehouse: %w", err))
	}
	if err := p.storage.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}
	if err := p.ledger.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close checkpoint store: %w", err))
	}
	return errors.Join(errs...)
}
