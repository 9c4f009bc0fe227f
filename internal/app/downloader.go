package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bqdrain/internal/checkpoint"
	"bqdrain/internal/config"
	"bqdrain/internal/progress"
	"bqdrain/internal/storage"
	"bqdrain/internal/worker"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// Downloader drains a bucket onto local disk
type Downloader struct {
	*runner
	storage      storage.Client
	dir          string
	onError      string
	showProgress bool
}

// DrainBucket downloads every object of bucket into the download directory
// under its own name and deletes the remote copy once the local file is
// complete.
//
// With the abort policy the first download failure stops the stage and is
// returned; with the skip policy it is logged and the object stays in the
// bucket. In both cases a remote object is only deleted after its local
// write succeeded.
func (d *Downloader) DrainBucket(ctx context.Context, bucket string) (progress.Status, error) {
	d.tracker().Begin(StageDownload)
	defer d.tracker().End(StageDownload)

	lister := &ObjectLister{client: d.storage, logger: d.logger}

	if d.showProgress && !d.dryRun && progress.IsTerminalSupported() {
		objects, bytes, err := lister.CountObjects(ctx, bucket)
		if err != nil {
			d.logger.Warn("Failed to count objects, progress may be inaccurate", zap.Error(err))
		} else {
			d.tracker().SetTotal(StageDownload, objects)
			d.logger.Info("Objects to download",
				zap.Int64("total_objects", objects),
				zap.String("total_size", humanize.Bytes(uint64(bytes))),
			)
			display := progress.NewDisplay(d.tracker(), 2*time.Second)
			display.Start()
			defer display.Stop()
		}
	}

	pool := d.pool.WithFailFast(d.onError == config.OnDownloadErrorAbort)
	err := pool.Run(ctx, func(ctx context.Context, tasks chan<- worker.Task) error {
		return lister.Each(ctx, bucket, func(obj storage.ObjectInfo) error {
			task := worker.Task{
				Stage: StageDownload,
				Item:  obj.Key,
				Run: func(ctx context.Context) error {
					return d.downloadOne(ctx, bucket, obj)
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

	status := d.tracker().GetStatus(StageDownload)
	if err != nil {
		return status, fmt.Errorf("drain %s: %w", bucket, err)
	}
	return status, nil
}

// downloadOne returns an error only when the stage must stop
func (d *Downloader) downloadOne(ctx context.Context, bucket string, obj storage.ObjectInfo) error {
	logger := d.logger.With(
		zap.String("stage", StageDownload),
		zap.String("bucket", bucket),
		zap.String("object", obj.Key),
	)
	id := fmt.Sprintf("%s@%s", storage.URI(bucket, obj.Key), d.now().UTC().Format(jobTimestampLayout))

	if strings.HasSuffix(obj.Key, "/") {
		logger.Debug("Skipping folder placeholder")
		d.metrics.IncSkipped(StageDownload)
		return nil
	}

	path, err := localPath(d.dir, obj.Key)
	if err != nil {
		return d.downloadFailed(logger, id, obj.Key, err)
	}

	if d.dryRun {
		logger.Info("Would download object", zap.String("path", path), zap.Int64("size", obj.Size))
		d.metrics.IncSkipped(StageDownload)
		return nil
	}

	logger.Info("Downloading object", zap.String("path", path))
	written, err := d.fetch(ctx, bucket, obj.Key, path)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return d.downloadFailed(logger, id, obj.Key, err)
	}

	logger.Info("Download finished, deleting remote object", zap.String("size", humanize.Bytes(uint64(written))))
	if err := d.storage.DeleteObject(ctx, bucket, obj.Key); err != nil {
		// Both copies exist; nothing is lost.
		logger.Error("Failed to delete remote object", zap.Error(err))
		d.record(StageDownload, checkpoint.Record{
			ID: id, Item: obj.Key, State: "DOWNLOADED", Status: checkpoint.StatusFailed,
			LastError: fmt.Sprintf("delete remote object: %v", err),
		}, 0)
		return nil
	}

	d.record(StageDownload, checkpoint.Record{
		ID: id, Item: obj.Key, State: "DONE", Status: checkpoint.StatusSucceeded,
	}, written)
	return nil
}

func (d *Downloader) downloadFailed(logger *zap.Logger, id, key string, err error) error {
	logger.Error("Download failed, remote object kept",
		zap.String("policy", d.onError),
		zap.Error(err),
	)
	d.record(StageDownload, checkpoint.Record{
		ID: id, Item: key, State: "FAILED", Status: checkpoint.StatusFailed, LastError: err.Error(),
	}, 0)

	if d.onError == config.OnDownloadErrorAbort {
		return err
	}
	return nil
}

// fetch writes the object to path through a .partial file so that an
// interrupted write never sits at the final path
func (d *Downloader) fetch(ctx context.Context, bucket, key, path string) (n int64, err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create directory: %w", err)
	}

	reader, err := d.storage.GetObject(ctx, bucket, key)
	if err != nil {
		return 0, fmt.Errorf("open object: %w", err)
	}
	defer reader.Close()

	partial := path + ".partial"
	f, err := os.OpenFile(partial, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(partial)
		}
	}()

	if n, err = io.Copy(f, reader); err != nil {
		return n, fmt.Errorf("write file: %w", err)
	}
	if err = f.Sync(); err != nil {
		return n, fmt.Errorf("sync file: %w", err)
	}
	if err = f.Close(); err != nil {
		return n, fmt.Errorf("close file: %w", err)
	}
	if err = os.Rename(partial, path); err != nil {
		return n, fmt.Errorf("rename file: %w", err)
	}
	return n, nil
}

// localPath maps an object name onto the download directory without
// remapping, refusing names that would land outside it
func localPath(dir, key string) (string, error) {
	path := filepath.Join(dir, filepath.FromSlash(key))

	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return "", fmt.Errorf("object %q: %w", key, err)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("object %q resolves outside the download directory", key)
	}
	return path, nil
}
