package storage

import (
	"context"
	"errors"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSClient implements the Client interface using cloud.google.com/go/storage
type GCSClient struct {
	client *storage.Client
}

// NewGCSClient creates a new Cloud Storage client
func NewGCSClient(ctx context.Context, cfg Config) (*GCSClient, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &GCSClient{client: client}, nil
}

// BucketExists reports whether the bucket exists
func (c *GCSClient) BucketExists(ctx context.Context, bucket string) (bool, error) {
	_, err := c.client.Bucket(bucket).Attrs(ctx)
	if errors.Is(err, storage.ErrBucketNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListObjects lists objects with prefix
func (c *GCSClient) ListObjects(ctx context.Context, bucket, prefix string) (<-chan ObjectInfo, <-chan error) {
	objCh := make(chan ObjectInfo)
	errCh := make(chan error, 1)

	go func() {
		defer close(objCh)
		defer close(errCh)

		it := c.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})
		for {
			attrs, err := it.Next()
			if err == iterator.Done {
				return
			}
			if err != nil {
				errCh <- err
				return
			}

			select {
			case objCh <- ObjectInfo{
				Key:          attrs.Name,
				Size:         attrs.Size,
				ETag:         attrs.Etag,
				LastModified: attrs.Updated,
				ContentType:  attrs.ContentType,
			}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return objCh, errCh
}

// GetObject opens a reader on the object content
func (c *GCSClient) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	return c.client.Bucket(bucket).Object(key).NewReader(ctx)
}

// DeleteObject deletes an object
func (c *GCSClient) DeleteObject(ctx context.Context, bucket, key string) error {
	return c.client.Bucket(bucket).Object(key).Delete(ctx)
}

// Close closes the underlying client
func (c *GCSClient) Close() error {
	return c.client.Close()
}
