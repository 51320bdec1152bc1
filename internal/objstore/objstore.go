// Package objstore stores function package archives. The backend is a
// gocloud blob bucket: MinIO/S3 in production, a directory or memory in
// development and tests.
package objstore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob" // register the s3:// scheme
	"gocloud.dev/gcerrors"

	"github.com/wudi/funcrun/internal/config"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = fmt.Errorf("objstore: not found")

// Store is a key-addressed archive store.
type Store struct {
	bucket *blob.Bucket
}

// Open creates the bucket selected by cfg.Driver.
func Open(ctx context.Context, cfg config.ObjectStoreConfig) (*Store, error) {
	var bucket *blob.Bucket
	var err error
	switch cfg.Driver {
	case "s3":
		bucket, err = openS3(ctx, cfg)
	case "file":
		bucket, err = fileblob.OpenBucket(cfg.Dir, &fileblob.Options{CreateDir: true})
	case "mem":
		bucket = memblob.OpenBucket(nil)
	default:
		return nil, fmt.Errorf("objstore: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("objstore: open %s: %w", cfg.Driver, err)
	}
	return &Store{bucket: bucket}, nil
}

func openS3(ctx context.Context, cfg config.ObjectStoreConfig) (*blob.Bucket, error) {
	q := url.Values{}
	q.Set("region", cfg.Region)
	if cfg.Endpoint != "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		q.Set("endpoint", scheme+"://"+cfg.Endpoint)
		q.Set("s3ForcePathStyle", "true")
	}
	u := fmt.Sprintf("s3://%s?%s", cfg.Bucket, q.Encode())
	return blob.OpenBucket(ctx, u)
}

// NewMem returns a memory-backed store for tests.
func NewMem() *Store {
	return &Store{bucket: memblob.OpenBucket(nil)}
}

// PackageKey is the canonical archive key for a function version.
func PackageKey(functionID string, version int) string {
	return fmt.Sprintf("packages/%s/%d.tar.gz", functionID, version)
}

// Put writes the full contents of r under key.
func (s *Store) Put(ctx context.Context, key string, r io.Reader) error {
	w, err := s.bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// Get opens key for reading. The caller closes the reader.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return r, nil
}

// Delete removes key. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.bucket.Delete(ctx, key)
	if err != nil && gcerrors.Code(err) == gcerrors.NotFound {
		return nil
	}
	return err
}

// DeletePrefix removes every key under prefix (all versions of a function).
func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.bucket.Delete(ctx, obj.Key); err != nil {
			return err
		}
	}
}

func (s *Store) Close() error {
	return s.bucket.Close()
}
