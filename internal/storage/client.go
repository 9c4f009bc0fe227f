package storage

import (
	"context"
	"io"
	"time"
)

// Client defines the object-storage operations used by the pipeline
type Client interface {
	// Bucket operations
	BucketExists(ctx context.Context, bucket string) (bool, error)

	// Object operations
	ListObjects(ctx context.Context, bucket, prefix string) (<-chan ObjectInfo, <-chan error)
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	DeleteObject(ctx context.Context, bucket, key string) error

	Close() error
}

// ObjectInfo contains object metadata
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	ContentType  string
}

// Driver names accepted in Config.Driver
const (
	DriverGCS = "gcs"
	DriverS3  = "s3"
)

// Config contains client configuration
type Config struct {
	Driver string

	// GCS driver
	CredentialsFile string

	// S3 driver
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
}

// URI returns the gs:// URI of an object, as understood by the warehouse
func URI(bucket, key string) string {
	return "gs://" + bucket + "/" + key
}
