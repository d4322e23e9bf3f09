package integrity

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/gcerrors"
)

// FlagStore persists per-model boolean flags. Implementations need not be
// transactional; callers serialize writes to the same key.
type FlagStore interface {
	// Get returns the flag for key. A key that was never written reads
	// false without error.
	Get(ctx context.Context, key string) (bool, error)

	// Set writes the flag for key.
	Set(ctx context.Context, key string, value bool) error

	Close() error
}

// BlobStore is a FlagStore backed by a gocloud.dev/blob bucket. Each flag
// is a small object whose body is "true" or "false".
type BlobStore struct {
	bucket *blob.Bucket
}

var _ FlagStore = (*BlobStore)(nil)

// NewBlobStore wraps an open bucket. The store owns the bucket and closes
// it on Close.
func NewBlobStore(bucket *blob.Bucket) *BlobStore {
	return &BlobStore{bucket: bucket}
}

// OpenStore opens the flag store at bucketURL. Any driver registered with
// gocloud.dev/blob can be used (file://, mem://, s3://, gs://). An empty
// URL opens a local directory bucket at fallbackDir, creating it if
// needed.
func OpenStore(ctx context.Context, bucketURL, fallbackDir string) (*BlobStore, error) {
	if bucketURL == "" {
		if err := os.MkdirAll(fallbackDir, 0755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
		bucket, err := fileblob.OpenBucket(fallbackDir, nil)
		if err != nil {
			return nil, fmt.Errorf("open state dir: %w", err)
		}
		return NewBlobStore(bucket), nil
	}

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open flag store %s: %w", bucketURL, err)
	}
	return NewBlobStore(bucket), nil
}

// Get implements FlagStore.
func (s *BlobStore) Get(ctx context.Context, key string) (bool, error) {
	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		if isNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read flag %s: %w", key, err)
	}

	v, err := strconv.ParseBool(strings.TrimSpace(string(data)))
	if err != nil {
		return false, fmt.Errorf("parse flag %s: %w", key, err)
	}
	return v, nil
}

// Set implements FlagStore.
func (s *BlobStore) Set(ctx context.Context, key string, value bool) error {
	opts := &blob.WriterOptions{ContentType: "text/plain"}
	if err := s.bucket.WriteAll(ctx, key, []byte(strconv.FormatBool(value)), opts); err != nil {
		return fmt.Errorf("write flag %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying bucket.
func (s *BlobStore) Close() error {
	return s.bucket.Close()
}

// isNotExist returns true if the error indicates the object doesn't exist.
func isNotExist(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}
