package cachestate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/open-afc-project/openafc-sub006/internal/retry"
)

// LockDir hands out one advisory lock per tree path. Locks are flock(2)
// files under the housekeeping directory, so they work across processes and
// evaporate with the kernel's open file table if a holder dies.
type LockDir struct {
	dir string
}

// NewLockDir prepares the lock directory under the cache root.
func NewLockDir(root string) (*LockDir, error) {
	dir := filepath.Join(root, DirName, "locks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	return &LockDir{dir: dir}, nil
}

// FileLock is one held per file lock. Release it exactly once.
type FileLock struct {
	f *os.File
}

// Acquire takes the exclusive lock for treePath, polling until it is free
// or ctx expires. On expiry the caller is expected to log and proceed
// without the lock rather than hang; the worst case is a duplicate
// download, not corruption.
func (d *LockDir) Acquire(ctx context.Context, treePath string) (*FileLock, error) {
	f, err := os.OpenFile(d.path(treePath), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	err = retry.Do(ctx, retry.LockConfig(), func() error {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == unix.EWOULDBLOCK {
			return retry.Retryable(err)
		}
		return err
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s: %w", treePath, err)
	}
	return &FileLock{f: f}, nil
}

// TryAcquire takes the lock only if it is free right now. A held lock
// returns (nil, nil); eviction uses this to skip busy files instead of
// waiting on them.
func (d *LockDir) TryAcquire(treePath string) (*FileLock, error) {
	f, err := os.OpenFile(d.path(treePath), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == unix.EWOULDBLOCK {
		f.Close()
		return nil, nil
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s: %w", treePath, err)
	}
	return &FileLock{f: f}, nil
}

// Release drops the lock.
func (l *FileLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}

func (d *LockDir) path(treePath string) string {
	return filepath.Join(d.dir, sanitize(treePath)+".lock")
}

// sanitize flattens a tree path into a single file name.
func sanitize(treePath string) string {
	return strings.ReplaceAll(strings.TrimPrefix(treePath, "/"), "/", "_")
}
