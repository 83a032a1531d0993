// Package nfs serves file bytes from a premounted directory tree, usually an
// NFS mount. It is the default strategy when no object store is configured.
package nfs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/open-afc-project/openafc-sub006/internal/logging"
	"github.com/open-afc-project/openafc-sub006/internal/metrics"
)

// Store reads from the real mountpoint.
type Store struct {
	root string
}

// New checks that the mountpoint exists and returns a store rooted there.
func New(root string) (*Store, error) {
	fi, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("real mountpoint %s: %w", root, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("real mountpoint %s is not a directory", root)
	}
	return &Store{root: root}, nil
}

// Name returns "nfs".
func (s *Store) Name() string { return "nfs" }

func (s *Store) realPath(treePath string) string {
	return filepath.Join(s.root, treePath)
}

// DownloadWhole copies the real file byte for byte into destPath. The copy
// is synchronous and not cancellable once started.
func (s *Store) DownloadWhole(ctx context.Context, treePath, destPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()

	src, err := os.Open(s.realPath(treePath))
	if err != nil {
		metrics.RecordBackendFetch(s.Name(), "whole", 0, time.Since(start), false)
		return fmt.Errorf("open real file %s: %w", treePath, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		metrics.RecordBackendFetch(s.Name(), "whole", 0, time.Since(start), false)
		return fmt.Errorf("create cache file %s: %w", destPath, err)
	}

	n, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		metrics.RecordBackendFetch(s.Name(), "whole", n, time.Since(start), false)
		return fmt.Errorf("copy %s: %w", treePath, err)
	}

	metrics.RecordBackendFetch(s.Name(), "whole", n, time.Since(start), true)
	logging.Debug("nfs download",
		logging.String("path", treePath),
		logging.Int64("bytes", n),
		logging.Duration("elapsed", time.Since(start)))
	return nil
}

// ReadRange reads directly from the real file without touching the cache.
func (s *Store) ReadRange(ctx context.Context, treePath string, off int64, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	start := time.Now()

	f, err := os.Open(s.realPath(treePath))
	if err != nil {
		metrics.RecordBackendFetch(s.Name(), "range", 0, time.Since(start), false)
		return 0, fmt.Errorf("open real file %s: %w", treePath, err)
	}
	defer f.Close()

	n, err := f.ReadAt(buf, off)
	if err == io.EOF {
		err = nil
	}
	if err != nil {
		metrics.RecordBackendFetch(s.Name(), "range", int64(n), time.Since(start), false)
		return n, fmt.Errorf("read %s at %d: %w", treePath, off, err)
	}

	metrics.RecordBackendFetch(s.Name(), "range", int64(n), time.Since(start), true)
	return n, nil
}

// Close is a no-op for the mount strategy.
func (s *Store) Close() error { return nil }
