package app

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"bqdrain/internal/storage"

	"go.uber.org/zap"
)

// descriptorPattern matches "<anything>.<name>.backup_info"; name has no dots.
var descriptorPattern = regexp.MustCompile(`^\S+\.([^.\s]+)\.backup_info$`)

// TableFromDescriptor returns the table name encoded in a backup descriptor
// object name, and false when the object is not a descriptor.
func TableFromDescriptor(objectName string) (string, bool) {
	m := descriptorPattern.FindStringSubmatch(objectName)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// jobTimestampLayout has second resolution and only characters BigQuery
// accepts in job ids.
const jobTimestampLayout = "2006-01-02_15-04-05"

// JobName builds "<verb>-<entity>-from-storage-job_<timestamp>"
func JobName(verb, entity string, at time.Time) string {
	return fmt.Sprintf("%s-%s-from-storage-job_%s", verb, entity, at.UTC().Format(jobTimestampLayout))
}

// ObjectLister walks a bucket
type ObjectLister struct {
	client storage.Client
	logger *zap.Logger
}

// Each calls fn for every object in bucket, stopping at the first error
func (l *ObjectLister) Each(ctx context.Context, bucket string, fn func(storage.ObjectInfo) error) error {
	objCh, errCh := l.client.ListObjects(ctx, bucket, "")

	var total int64
	for {
		select {
		case obj, ok := <-objCh:
			if !ok {
				// The producer may have failed right before closing.
				if errCh != nil {
					if err, ok := <-errCh; ok && err != nil {
						return fmt.Errorf("error listing objects: %w", err)
					}
				}
				l.logger.Debug("Finished listing objects",
					zap.String("bucket", bucket),
					zap.Int64("total_objects", total),
				)
				return nil
			}

			total++
			if err := fn(obj); err != nil {
				return err
			}

		case err, ok := <-errCh:
			if ok && err != nil {
				return fmt.Errorf("error listing objects: %w", err)
			}
			if !ok {
				errCh = nil
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CountObjects counts the objects and bytes in a bucket
func (l *ObjectLister) CountObjects(ctx context.Context, bucket string) (int64, int64, error) {
	var objects, bytes int64
	err := l.Each(ctx, bucket, func(obj storage.ObjectInfo) error {
		objects++
		bytes += obj.Size
		return nil
	})
	return objects, bytes, err
}
