// Package gcs serves file bytes from a Google Cloud Storage bucket. Object
// keys are tree paths without the leading slash, mirroring the layout the
// manifest was generated from.
package gcs

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"github.com/open-afc-project/openafc-sub006/internal/logging"
	"github.com/open-afc-project/openafc-sub006/internal/metrics"
)

// Store reads objects from one bucket using ambient credentials.
type Store struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
}

// New builds the client and binds it to the bucket.
func New(ctx context.Context, bucket string) (*Store, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	return &Store{
		client: client,
		bucket: client.Bucket(bucket),
		name:   bucket,
	}, nil
}

// Name returns "gcs".
func (s *Store) Name() string { return "gcs" }

func key(treePath string) string {
	return strings.TrimPrefix(treePath, "/")
}

// DownloadWhole streams the whole object into destPath.
func (s *Store) DownloadWhole(ctx context.Context, treePath, destPath string) error {
	start := time.Now()

	r, err := s.bucket.Object(key(treePath)).NewReader(ctx)
	if err != nil {
		metrics.RecordBackendFetch(s.Name(), "whole", 0, time.Since(start), false)
		return fmt.Errorf("gcs open %s/%s: %w", s.name, key(treePath), err)
	}
	defer r.Close()

	dst, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		metrics.RecordBackendFetch(s.Name(), "whole", 0, time.Since(start), false)
		return fmt.Errorf("create cache file %s: %w", destPath, err)
	}

	n, err := io.Copy(dst, r)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		metrics.RecordBackendFetch(s.Name(), "whole", n, time.Since(start), false)
		return fmt.Errorf("gcs download %s: %w", treePath, err)
	}

	metrics.RecordBackendFetch(s.Name(), "whole", n, time.Since(start), true)
	logging.Debug("gcs download",
		logging.String("path", treePath),
		logging.Int64("bytes", n),
		logging.Duration("elapsed", time.Since(start)))
	return nil
}

// ReadRange reads one byte range of the object.
func (s *Store) ReadRange(ctx context.Context, treePath string, off int64, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	start := time.Now()

	r, err := s.bucket.Object(key(treePath)).NewRangeReader(ctx, off, int64(len(buf)))
	if err != nil {
		metrics.RecordBackendFetch(s.Name(), "range", 0, time.Since(start), false)
		return 0, fmt.Errorf("gcs range %s at %d: %w", treePath, off, err)
	}
	defer r.Close()

	n, err := io.ReadFull(r, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		err = nil
	}
	if err != nil {
		metrics.RecordBackendFetch(s.Name(), "range", int64(n), time.Since(start), false)
		return n, fmt.Errorf("gcs read %s at %d: %w", treePath, off, err)
	}

	metrics.RecordBackendFetch(s.Name(), "range", int64(n), time.Since(start), true)
	return n, nil
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}
