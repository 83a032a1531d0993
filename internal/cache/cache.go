// Package cache decides, for every read of a virtual file, whether bytes
// come from the local cache or straight from the backing store, and keeps
// the shared size budget honest by evicting cached files nobody holds open.
//
// The cache directory mirrors the virtual tree. A file is considered cached
// exactly when its on-disk size equals the size the manifest declares;
// anything else, including the empty placeholder created at open time and
// partial downloads left by a crash, counts as absent and is re-fetched.
package cache

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/open-afc-project/openafc-sub006/internal/backend"
	"github.com/open-afc-project/openafc-sub006/internal/cachestate"
	"github.com/open-afc-project/openafc-sub006/internal/logging"
	"github.com/open-afc-project/openafc-sub006/internal/metrics"
)

// DefaultLockWait bounds how long a read waits for a peer holding a per
// file lock before proceeding without it.
const DefaultLockWait = 5 * time.Second

// Config assembles a Manager. All fields except LockWait are required.
type Config struct {
	Root        string              // cache root directory
	MaxFileSize int64               // files larger than this are never cached
	MaxTotal    int64               // aggregate cache budget in bytes
	LockWait    time.Duration       // 0 means DefaultLockWait
	State       *cachestate.State   // shared counter and reader histogram
	Locks       *cachestate.LockDir // per file locks
	Backend     backend.Backend     // byte source
}

// Stats is a snapshot of per process cache activity.
type Stats struct {
	CachedReads int64
	CachedBytes int64
	RemoteReads int64
	RemoteBytes int64
	Downloads   int64
	Evictions   int64
}

// Manager owns the cache-or-stream decision.
type Manager struct {
	root        string
	maxFileSize int64
	maxTotal    int64
	lockWait    time.Duration
	state       *cachestate.State
	locks       *cachestate.LockDir
	be          backend.Backend

	group singleflight.Group

	cachedReads atomic.Int64
	cachedBytes atomic.Int64
	remoteReads atomic.Int64
	remoteBytes atomic.Int64
	downloads   atomic.Int64
	evictions   atomic.Int64
}

// New validates cfg and builds a Manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("cache root is required")
	}
	if cfg.State == nil || cfg.Locks == nil || cfg.Backend == nil {
		return nil, fmt.Errorf("cache manager needs state, locks and a backend")
	}
	if cfg.LockWait == 0 {
		cfg.LockWait = DefaultLockWait
	}
	return &Manager{
		root:        cfg.Root,
		maxFileSize: cfg.MaxFileSize,
		maxTotal:    cfg.MaxTotal,
		lockWait:    cfg.LockWait,
		state:       cfg.State,
		locks:       cfg.Locks,
		be:          cfg.Backend,
	}, nil
}

// Path returns the cache backing path for a tree path.
func (m *Manager) Path(treePath string) string {
	return filepath.Join(m.root, treePath)
}

// Usage returns the shared aggregate byte counter.
func (m *Manager) Usage() int64 {
	return m.state.Get()
}

// IsCached reports whether treePath is fully present in the cache.
func (m *Manager) IsCached(treePath string, declared int64) bool {
	return declared > 0 && fileSize(m.Path(treePath)) == declared
}

// Readers returns the shared open-reader count for treePath.
func (m *Manager) Readers(treePath string) int32 {
	return m.state.Readers(treePath)
}

// Stats returns a snapshot of this process's cache activity.
func (m *Manager) Stats() Stats {
	return Stats{
		CachedReads: m.cachedReads.Load(),
		CachedBytes: m.cachedBytes.Load(),
		RemoteReads: m.remoteReads.Load(),
		RemoteBytes: m.remoteBytes.Load(),
		Downloads:   m.downloads.Load(),
		Evictions:   m.evictions.Load(),
	}
}

// EnsurePlaceholder makes sure the cache backing file for treePath exists,
// creating parent directories and an empty file on first open. Directories
// get only the directory itself. Returns the backing path.
func (m *Manager) EnsurePlaceholder(treePath string, isDir bool) (string, error) {
	path := m.Path(treePath)
	if isDir {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return "", fmt.Errorf("create cache dir: %w", err)
		}
		return path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create cache parents: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create cache placeholder: %w", err)
	}
	f.Close()
	return path, nil
}

// Retain records an open reader of treePath in the shared histogram.
// Directories and the empty declared size never take part.
func (m *Manager) Retain(treePath string, declared int64) {
	if declared > 0 {
		m.state.IncReaders(treePath)
	}
}

// Release drops the reader reservation and, when the aggregate budget is
// exceeded, opportunistically evicts this very file now that its last local
// reader is gone.
func (m *Manager) Release(treePath string, declared int64) {
	if declared <= 0 {
		return
	}
	m.state.DecReaders(treePath)

	if m.state.Get() <= m.maxTotal {
		return
	}
	lock, err := m.locks.TryAcquire(treePath)
	if err != nil || lock == nil {
		return
	}
	defer lock.Release()

	if m.state.Readers(treePath) > 0 {
		return
	}
	m.truncateLocked(m.Path(treePath), treePath)
}

// Read serves one read of a virtual file: make the file cached if the
// budget allows, then read either the cache backing file or the backing
// store directly. Reads past the declared size return 0 bytes.
func (m *Manager) Read(ctx context.Context, treePath string, declared, off int64, buf []byte) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= declared || len(buf) == 0 {
		return 0, nil
	}
	if max := declared - off; int64(len(buf)) > max {
		buf = buf[:max]
	}

	cached := m.ensureCached(ctx, treePath, declared)

	if cached {
		n, err := m.readCached(treePath, off, buf)
		if err == nil {
			metrics.RecordCacheHit()
			m.cachedReads.Add(1)
			m.cachedBytes.Add(int64(n))
			return n, nil
		}
		// The backing file vanished or shrank under us, likely an evicting
		// peer that did not see our reader count yet. Fall back to the
		// backing store for this read.
		logging.Warn("cached read failed, streaming instead",
			logging.String("path", treePath), logging.Err(err))
	}

	n, err := m.be.ReadRange(ctx, treePath, off, buf)
	if err != nil {
		return n, err
	}
	metrics.RecordCacheMiss()
	m.remoteReads.Add(1)
	m.remoteBytes.Add(int64(n))
	return n, nil
}

func (m *Manager) readCached(treePath string, off int64, buf []byte) (int, error) {
	f, err := os.Open(m.Path(treePath))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n, err := f.ReadAt(buf, off)
	if err == io.EOF {
		err = nil
	}
	return n, err
}

// Prefetch makes treePath fully cached if the budgets allow and reports
// whether it ended up cached. Used by the admin tool to warm the cache.
func (m *Manager) Prefetch(ctx context.Context, treePath string, declared int64) bool {
	if declared <= 0 {
		return false
	}
	return m.ensureCached(ctx, treePath, declared)
}

// ensureCached downloads treePath into the cache when it fits the per file
// limit and, after eviction if needed, the aggregate budget. Returns whether
// the backing file is fully cached. Concurrent callers for the same path
// share one attempt; cross process exclusion comes from the per file lock.
func (m *Manager) ensureCached(ctx context.Context, treePath string, declared int64) bool {
	cached, _, _ := m.group.Do(treePath, func() (interface{}, error) {
		return m.ensureCachedLocked(ctx, treePath, declared), nil
	})
	return cached.(bool)
}

func (m *Manager) ensureCachedLocked(ctx context.Context, treePath string, declared int64) bool {
	lockCtx, cancel := context.WithTimeout(ctx, m.lockWait)
	lock, err := m.locks.Acquire(lockCtx, treePath)
	cancel()
	if err != nil {
		// Proceeding without the lock risks a duplicate download, never a
		// hang. The counter stays correct because every mutation is atomic.
		metrics.RecordLockTimeout()
		logging.Warn("file lock wait expired, proceeding without it",
			logging.String("path", treePath), logging.Err(err))
	} else {
		defer lock.Release()
	}

	path := m.Path(treePath)
	if size := fileSize(path); size == declared {
		return true
	}

	if declared > m.maxFileSize {
		return false
	}

	if shortfall := m.state.Get() + declared - m.maxTotal; shortfall > 0 {
		m.evict(shortfall)
	}
	if m.state.Get()+declared > m.maxTotal {
		return false
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		logging.Warn("cache parents", logging.String("path", treePath), logging.Err(err))
		return false
	}
	if err := m.be.DownloadWhole(ctx, treePath, path); err != nil {
		logging.Warn("download failed, streaming instead",
			logging.String("path", treePath), logging.Err(err))
		return false
	}

	// Account what actually landed on disk; a size disagreeing with the
	// manifest stays invisible to the cached check above.
	size := fileSize(path)
	if size > 0 {
		m.publish(m.state.Add(size))
	}
	if size != declared {
		logging.Warn("downloaded size disagrees with manifest",
			logging.String("path", treePath),
			logging.Int64("declared", declared),
			logging.Int64("size", size))
		return false
	}
	m.downloads.Add(1)
	logging.Info("cached file",
		logging.String("path", treePath), logging.Int64("bytes", size))
	return true
}

// evict walks the cache tree truncating unheld files until need bytes are
// freed. Walk order, not recency, decides who goes first. Returns the bytes
// freed.
func (m *Manager) evict(need int64) int64 {
	var freed int64
	filepath.WalkDir(m.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == cachestate.DirName {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() == 0 {
			return nil
		}

		treePath := m.treePath(path)
		if m.state.Readers(treePath) > 0 {
			metrics.RecordEvictionSkip()
			return nil
		}

		lock, err := m.locks.TryAcquire(treePath)
		if err != nil || lock == nil {
			metrics.RecordEvictionSkip()
			return nil
		}
		// Recheck under the lock; a peer may have opened or already
		// truncated the file while we walked.
		if m.state.Readers(treePath) == 0 {
			freed += m.truncateLocked(path, treePath)
		}
		lock.Release()

		if freed >= need {
			return filepath.SkipAll
		}
		return nil
	})
	return freed
}

// EvictBytes frees at least need bytes if possible and returns how much was
// freed. Exposed for the cache maintenance tool.
func (m *Manager) EvictBytes(need int64) int64 {
	return m.evict(need)
}

// truncateLocked truncates one cached file to zero and settles the counter.
// Caller holds the file's lock.
func (m *Manager) truncateLocked(path, treePath string) int64 {
	size := fileSize(path)
	if size <= 0 {
		return 0
	}
	if err := os.Truncate(path, 0); err != nil {
		logging.Warn("evict truncate failed",
			logging.String("path", treePath), logging.Err(err))
		return 0
	}
	m.publish(m.state.Add(-size))
	m.evictions.Add(1)
	metrics.RecordEviction()
	logging.Info("evicted cached file",
		logging.String("path", treePath), logging.Int64("bytes", size))
	return size
}

// CachedFile is one cache entry reported by List.
type CachedFile struct {
	TreePath string
	Size     int64
	Readers  int32
}

// List reports every cached file with a nonzero size.
func (m *Manager) List() ([]CachedFile, error) {
	var out []CachedFile
	err := filepath.WalkDir(m.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == cachestate.DirName {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() == 0 {
			return nil
		}
		treePath := m.treePath(path)
		out = append(out, CachedFile{
			TreePath: treePath,
			Size:     info.Size(),
			Readers:  m.state.Readers(treePath),
		})
		return nil
	})
	return out, err
}

// treePath maps a cache backing path back to its tree path.
func (m *Manager) treePath(path string) string {
	rel, err := filepath.Rel(m.root, path)
	if err != nil {
		return path
	}
	return "/" + strings.ReplaceAll(rel, string(filepath.Separator), "/")
}

func (m *Manager) publish(total int64) {
	metrics.SetCacheBytes(total)
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return -1
	}
	return fi.Size()
}
