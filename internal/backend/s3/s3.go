// Package s3 serves file bytes from an S3 compatible bucket. Credentials,
// region and any custom endpoint come from the standard AWS environment.
package s3

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/open-afc-project/openafc-sub006/internal/logging"
	"github.com/open-afc-project/openafc-sub006/internal/metrics"
)

// Store reads objects from one bucket.
type Store struct {
	client *s3.Client
	bucket string
}

// New loads the ambient AWS configuration and binds a client to the bucket.
func New(ctx context.Context, bucket string) (*Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Store{
		client: s3.NewFromConfig(awsCfg),
		bucket: bucket,
	}, nil
}

// Name returns "s3".
func (s *Store) Name() string { return "s3" }

func key(treePath string) string {
	return strings.TrimPrefix(treePath, "/")
}

// DownloadWhole streams the whole object into destPath.
func (s *Store) DownloadWhole(ctx context.Context, treePath, destPath string) error {
	start := time.Now()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key(treePath)),
	})
	if err != nil {
		metrics.RecordBackendFetch(s.Name(), "whole", 0, time.Since(start), false)
		return fmt.Errorf("s3 get %s/%s: %w", s.bucket, key(treePath), err)
	}
	defer out.Body.Close()

	dst, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		metrics.RecordBackendFetch(s.Name(), "whole", 0, time.Since(start), false)
		return fmt.Errorf("create cache file %s: %w", destPath, err)
	}

	n, err := io.Copy(dst, out.Body)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		metrics.RecordBackendFetch(s.Name(), "whole", n, time.Since(start), false)
		return fmt.Errorf("s3 download %s: %w", treePath, err)
	}

	metrics.RecordBackendFetch(s.Name(), "whole", n, time.Since(start), true)
	logging.Debug("s3 download",
		logging.String("path", treePath),
		logging.Int64("bytes", n),
		logging.Duration("elapsed", time.Since(start)))
	return nil
}

// ReadRange reads one byte range of the object using a Range request.
func (s *Store) ReadRange(ctx context.Context, treePath string, off int64, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	start := time.Now()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key(treePath)),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, off+int64(len(buf))-1)),
	})
	if err != nil {
		metrics.RecordBackendFetch(s.Name(), "range", 0, time.Since(start), false)
		return 0, fmt.Errorf("s3 range %s at %d: %w", treePath, off, err)
	}
	defer out.Body.Close()

	n, err := io.ReadFull(out.Body, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		err = nil
	}
	if err != nil {
		metrics.RecordBackendFetch(s.Name(), "range", int64(n), time.Since(start), false)
		return n, fmt.Errorf("s3 read %s at %d: %w", treePath, off, err)
	}

	metrics.RecordBackendFetch(s.Name(), "range", int64(n), time.Since(start), true)
	return n, nil
}

// Close is a no-op, the SDK client holds no persistent connections that
// need tearing down.
func (s *Store) Close() error { return nil }
