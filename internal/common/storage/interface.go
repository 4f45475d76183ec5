package storage

import (
	"context"
	"io"
)

// ObjectStorage defines the object storage operations required for retaining
// raw packet archives. It is intentionally small so MinIO/AWS-S3
// implementations can be swapped without touching business logic.
type ObjectStorage interface {
	// PutObject uploads an object.
	PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error

	// GetObject opens a reader for an object.
	// Caller must close the returned reader.
	GetObject(ctx context.Context, bucket, objectKey string) (ObjectReader, error)

	// StatObject returns size and ETag for an object.
	StatObject(ctx context.Context, bucket, objectKey string) (ObjectStat, error)

	// RemoveObjects deletes the given objects.
	RemoveObjects(ctx context.Context, bucket string, keys []string) error

	// EnsureBucket creates the bucket if it does not exist.
	EnsureBucket(ctx context.Context, bucket string) error
}

// ObjectReader is a streaming reader for object data.
type ObjectReader interface {
	Read(p []byte) (int, error)
	Close() error
}

// ObjectStat contains object metadata used for validation.
type ObjectStat struct {
	SizeBytes   int64
	ETag        string
	ContentType string
}
