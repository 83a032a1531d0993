// Package shim virtualizes read access to a manifest described data tree.
// Paths under the configured mountpoint resolve against an immutable
// in-memory forest and are served from a shared, size bounded disk cache
// backed by an NFS mount or an object store; every other path is forwarded
// untouched to the real filesystem. The call surface mirrors the libc
// functions the downstream compute engine uses, with descriptors standing
// in for both file handles and directory streams.
//
// The surface is deliberately closed: operations the engine never performs,
// such as an exotic seek whence or fcntl command on a virtual descriptor,
// terminate the process instead of guessing at semantics.
package shim

import (
	"context"
	"fmt"
	"path"

	"golang.org/x/sys/unix"

	"github.com/open-afc-project/openafc-sub006/internal/backend"
	"github.com/open-afc-project/openafc-sub006/internal/cache"
	"github.com/open-afc-project/openafc-sub006/internal/cachestate"
	"github.com/open-afc-project/openafc-sub006/internal/logging"
	"github.com/open-afc-project/openafc-sub006/internal/metrics"
	"github.com/open-afc-project/openafc-sub006/pkg/config"
	"github.com/open-afc-project/openafc-sub006/pkg/manifest"
	"github.com/open-afc-project/openafc-sub006/pkg/tree"
)

// Shim is the virtual filesystem entry point. One Shim serves one process;
// any number of processes may point at the same cache root.
type Shim struct {
	cfg      *config.Config
	disabled bool

	forest   *tree.Forest
	res      *resolver
	state    *cachestate.State
	be       backend.Backend
	mgr      *cache.Manager
	handles  *handleTable
	passDirs *passDirTable
	pass     *passthroughTable
	tmpl     statTemplate
}

// New builds a Shim from cfg, loading the manifest and attaching to the
// shared cache state. A nil cfg loads configuration from the environment.
// With the shim disabled every call is a pass-through and no resources are
// touched.
func New(ctx context.Context, cfg *config.Config) (*Shim, error) {
	if cfg == nil {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return nil, err
		}
	}

	s := &Shim{
		cfg:      cfg,
		handles:  newHandleTable(),
		passDirs: newPassDirTable(),
		pass:     realPassthrough(),
	}
	if !cfg.Enabled {
		s.disabled = true
		return s, nil
	}

	if err := logging.Init(logging.Config{Mask: cfg.Debug, Path: cfg.LogFile}); err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	forest, err := manifest.Load(cfg.FileList)
	if err != nil {
		return nil, err
	}
	s.forest = forest
	s.res = newResolver(cfg.EngineMountpoint)

	state, err := cachestate.Open(cfg.CacheRoot)
	if err != nil {
		return nil, err
	}
	s.state = state

	locks, err := cachestate.NewLockDir(cfg.CacheRoot)
	if err != nil {
		state.Close()
		return nil, err
	}

	be, err := backend.New(ctx, cfg)
	if err != nil {
		state.Close()
		return nil, err
	}
	s.be = be

	mgr, err := cache.New(cache.Config{
		Root:        cfg.CacheRoot,
		MaxFileSize: cfg.CacheMaxFileSize,
		MaxTotal:    cfg.CacheMaxSize,
		State:       state,
		Locks:       locks,
		Backend:     be,
	})
	if err != nil {
		be.Close()
		state.Close()
		return nil, err
	}
	s.mgr = mgr

	tmpl, err := captureTemplate(cfg.CacheRoot)
	if err != nil {
		be.Close()
		state.Close()
		return nil, err
	}
	s.tmpl = tmpl

	files, dirs := forest.Counts()
	metrics.SetTreeNodes(files + dirs)
	logging.Info("aep shim initialized",
		logging.String("mountpoint", cfg.EngineMountpoint),
		logging.String("cache", cfg.CacheRoot),
		logging.String("backend", be.Name()),
		logging.Int("files", files),
		logging.Int("dirs", dirs))
	return s, nil
}

// Shutdown releases every open virtual handle, detaches from the shared
// state and flushes the log.
func (s *Shim) Shutdown() error {
	if s.disabled {
		return nil
	}
	s.handles.mu.Lock()
	for fd, h := range s.handles.m {
		unix.Close(fd)
		s.mgr.Release(h.treePath, h.declared)
		delete(s.handles.m, fd)
	}
	s.handles.mu.Unlock()

	err := s.be.Close()
	if serr := s.state.Close(); err == nil {
		err = serr
	}
	logging.Sync()
	return err
}

// Forest exposes the virtual tree, for adapters that enumerate it.
func (s *Shim) Forest() *tree.Forest { return s.forest }

// Cache exposes the cache manager, for adapters that read through it.
func (s *Shim) Cache() *cache.Manager { return s.mgr }

// Config returns the configuration the shim was built with.
func (s *Shim) Config() *config.Config { return s.cfg }

// Stats returns a snapshot of this process's cache activity.
func (s *Shim) Stats() cache.Stats { return s.mgr.Stats() }

// OpenHandles returns how many virtual descriptors are currently open.
func (s *Shim) OpenHandles() int { return s.handles.size() }

// classify routes a path: virtual paths come back tree-relative, everything
// else keeps its original spelling for the real call.
func (s *Shim) classify(p string) (bool, string) {
	if s.disabled {
		return false, p
	}
	return s.res.resolve(p)
}

// Open opens a path. The mode only matters for pass-through opens that
// create; virtual files are backed by their cache placeholder and
// registered in the handle table under the real descriptor.
func (s *Shim) Open(p string, flags int, mode uint32) (int, error) {
	virtual, rel := s.classify(p)
	if !virtual {
		fd, err := s.pass.open(rel, flags, mode)
		s.donePass("open", rel, err)
		return fd, err
	}
	return s.openVirtual("open", rel, flags, handleFile)
}

// Openat opens relative to a directory descriptor. A virtual directory
// descriptor anchors the path inside the tree; AT_FDCWD falls back to Open
// semantics; anything else is forwarded.
func (s *Shim) Openat(dirfd int, p string, flags int, mode uint32) (int, error) {
	if path.IsAbs(p) {
		return s.Open(p, flags, mode)
	}
	if h, ok := s.handles.get(dirfd); ok {
		if !s.forest.Node(h.node).IsDir() {
			return -1, s.doneErr("openat", p, unix.ENOTDIR)
		}
		rel := path.Clean(h.treePath + "/" + p)
		return s.openVirtual("openat", rel, flags, handleFile)
	}
	if dirfd == unix.AT_FDCWD {
		return s.Open(p, flags, mode)
	}
	fd, err := s.pass.openat(dirfd, p, flags, mode)
	s.donePass("openat", p, err)
	return fd, err
}

func (s *Shim) openVirtual(op, treePath string, flags int, kind handleKind) (int, error) {
	idx, ok := s.forest.Lookup(treePath)
	if !ok {
		return -1, s.doneErr(op, treePath, unix.ENOENT)
	}
	n := s.forest.Node(idx)

	if flags&(unix.O_WRONLY|unix.O_RDWR) != 0 {
		return -1, s.doneErr(op, treePath, unix.EROFS)
	}
	if flags&unix.O_DIRECTORY != 0 && !n.IsDir() {
		return -1, s.doneErr(op, treePath, unix.ENOTDIR)
	}

	var fd int
	if n.IsDir() {
		backing, err := s.mgr.EnsurePlaceholder(treePath, true)
		if err != nil {
			logging.Error("materialize virtual dir", logging.String("path", treePath), logging.Err(err))
			return -1, s.doneErr(op, treePath, unix.EIO)
		}
		fd, err = unix.Open(backing, unix.O_RDONLY|unix.O_DIRECTORY, 0)
		if err != nil {
			return -1, s.doneErr(op, treePath, err)
		}
	} else {
		backing, err := s.mgr.EnsurePlaceholder(treePath, false)
		if err != nil {
			logging.Error("materialize placeholder", logging.String("path", treePath), logging.Err(err))
			return -1, s.doneErr(op, treePath, unix.EIO)
		}
		fd, err = unix.Open(backing, unix.O_RDONLY, 0)
		if err != nil {
			return -1, s.doneErr(op, treePath, err)
		}
		s.mgr.Retain(treePath, n.Size)
	}

	s.handles.put(fd, &handle{
		kind:     kind,
		node:     idx,
		treePath: treePath,
		declared: n.Size,
	})
	metrics.AddOpenHandles(1)
	s.doneVirtual(op, treePath)
	return fd, nil
}

// Close closes a descriptor. For virtual handles this releases the reader
// reservation, which may evict this very file when the budget is exceeded.
func (s *Shim) Close(fd int) error {
	h, ok := s.handles.remove(fd)
	if !ok {
		err := s.pass.close(fd)
		s.donePass("close", "", err)
		return err
	}
	unix.Close(fd)
	s.mgr.Release(h.treePath, h.declared)
	metrics.AddOpenHandles(-1)
	s.doneVirtual("close", h.treePath)
	return nil
}

// Read reads from the descriptor's current offset and advances it.
func (s *Shim) Read(fd int, buf []byte) (int, error) {
	h, ok := s.handles.get(fd)
	if !ok {
		n, err := s.pass.read(fd, buf)
		s.donePass("read", "", err)
		return n, err
	}
	if s.forest.Node(h.node).IsDir() {
		return 0, s.doneErr("read", h.treePath, unix.EISDIR)
	}

	off := h.offset()
	n, err := s.mgr.Read(context.Background(), h.treePath, h.declared, off, buf)
	if err != nil {
		logging.Error("virtual read", logging.String("path", h.treePath), logging.Err(err))
		return 0, s.doneErr("read", h.treePath, unix.EIO)
	}
	h.advance(int64(n))
	s.doneVirtual("read", h.treePath)
	return n, nil
}

// Pread reads at an explicit offset without moving the descriptor offset.
func (s *Shim) Pread(fd int, buf []byte, off int64) (int, error) {
	h, ok := s.handles.get(fd)
	if !ok {
		n, err := s.pass.pread(fd, buf, off)
		s.donePass("pread", "", err)
		return n, err
	}
	if s.forest.Node(h.node).IsDir() {
		return 0, s.doneErr("pread", h.treePath, unix.EISDIR)
	}
	n, err := s.mgr.Read(context.Background(), h.treePath, h.declared, off, buf)
	if err != nil {
		logging.Error("virtual pread", logging.String("path", h.treePath), logging.Err(err))
		return 0, s.doneErr("pread", h.treePath, unix.EIO)
	}
	s.doneVirtual("pread", h.treePath)
	return n, nil
}

// Lseek repositions a descriptor. Virtual descriptors support SEEK_SET,
// SEEK_CUR and SEEK_END; any other whence on a virtual descriptor is a
// contract violation and terminates the process.
func (s *Shim) Lseek(fd int, off int64, whence int) (int64, error) {
	h, ok := s.handles.get(fd)
	if !ok {
		n, err := s.pass.lseek(fd, off, whence)
		s.donePass("lseek", "", err)
		return n, err
	}

	var target int64
	switch whence {
	case unix.SEEK_SET:
		target = off
	case unix.SEEK_CUR:
		target = h.offset() + off
	case unix.SEEK_END:
		target = h.declared + off
	default:
		logging.Fatal("unsupported lseek whence on virtual descriptor",
			logging.String("path", h.treePath), logging.Int("whence", whence))
		return -1, unix.EINVAL
	}
	if target < 0 {
		return -1, s.doneErr("lseek", h.treePath, unix.EINVAL)
	}
	h.setOffset(target)
	s.doneVirtual("lseek", h.treePath)
	return target, nil
}

// Stat fills a stat result. Virtual nodes get the fixed template with mode,
// size and block count varying by node type.
func (s *Shim) Stat(p string) (unix.Stat_t, error) {
	virtual, rel := s.classify(p)
	if !virtual {
		var st unix.Stat_t
		err := s.pass.stat(rel, &st)
		s.donePass("stat", rel, err)
		return st, err
	}
	return s.statVirtual("stat", rel)
}

// Lstat behaves like Stat; the virtual tree holds no symlinks.
func (s *Shim) Lstat(p string) (unix.Stat_t, error) {
	virtual, rel := s.classify(p)
	if !virtual {
		var st unix.Stat_t
		err := s.pass.lstat(rel, &st)
		s.donePass("lstat", rel, err)
		return st, err
	}
	return s.statVirtual("lstat", rel)
}

func (s *Shim) statVirtual(op, treePath string) (unix.Stat_t, error) {
	idx, ok := s.forest.Lookup(treePath)
	if !ok {
		return unix.Stat_t{}, s.doneErr(op, treePath, unix.ENOENT)
	}
	s.doneVirtual(op, treePath)
	return s.tmpl.fill(s.forest.Node(idx)), nil
}

// Fstat stats an open descriptor.
func (s *Shim) Fstat(fd int) (unix.Stat_t, error) {
	h, ok := s.handles.get(fd)
	if !ok {
		var st unix.Stat_t
		err := s.pass.fstat(fd, &st)
		s.donePass("fstat", "", err)
		return st, err
	}
	s.doneVirtual("fstat", h.treePath)
	return s.tmpl.fill(s.forest.Node(h.node)), nil
}

// Statx answers the statx syscall with the same template as Stat. Directory
// descriptor anchoring follows Openat.
func (s *Shim) Statx(dirfd int, p string, flags int, mask int) (unix.Statx_t, error) {
	if !path.IsAbs(p) {
		if h, ok := s.handles.get(dirfd); ok {
			if !s.forest.Node(h.node).IsDir() {
				return unix.Statx_t{}, s.doneErr("statx", p, unix.ENOTDIR)
			}
			rel := path.Clean(h.treePath + "/" + p)
			return s.statxVirtual(rel)
		}
	}
	virtual, rel := s.classify(p)
	if !virtual {
		var stx unix.Statx_t
		err := s.pass.statx(dirfd, rel, flags, mask, &stx)
		s.donePass("statx", rel, err)
		return stx, err
	}
	return s.statxVirtual(rel)
}

func (s *Shim) statxVirtual(treePath string) (unix.Statx_t, error) {
	idx, ok := s.forest.Lookup(treePath)
	if !ok {
		return unix.Statx_t{}, s.doneErr("statx", treePath, unix.ENOENT)
	}
	s.doneVirtual("statx", treePath)
	return s.tmpl.fillStatx(s.forest.Node(idx)), nil
}

// Access checks permissions against the virtual tree's fixed modes: all
// nodes are readable, only directories are searchable, nothing is writable.
func (s *Shim) Access(p string, mode uint32) error {
	virtual, rel := s.classify(p)
	if !virtual {
		err := s.pass.access(rel, mode)
		s.donePass("access", rel, err)
		return err
	}

	idx, ok := s.forest.Lookup(rel)
	if !ok {
		return s.doneErr("access", rel, unix.ENOENT)
	}
	if mode&unix.W_OK != 0 {
		return s.doneErr("access", rel, unix.EACCES)
	}
	if mode&unix.X_OK != 0 && !s.forest.Node(idx).IsDir() {
		return s.doneErr("access", rel, unix.EACCES)
	}
	s.doneVirtual("access", rel)
	return nil
}

// Fcntl supports the advisory lock commands as successful no-ops on virtual
// descriptors; the cache layer provides real cross process exclusion. Any
// other command on a virtual descriptor terminates the process.
func (s *Shim) Fcntl(fd int, cmd int, arg int) (int, error) {
	h, ok := s.handles.get(fd)
	if !ok {
		n, err := s.pass.fcntl(fd, cmd, arg)
		s.donePass("fcntl", "", err)
		return n, err
	}

	switch cmd {
	case unix.F_SETLK, unix.F_SETLKW, unix.F_GETLK:
		s.doneVirtual("fcntl", h.treePath)
		return 0, nil
	default:
		logging.Fatal("unsupported fcntl command on virtual descriptor",
			logging.String("path", h.treePath), logging.Int("cmd", cmd))
		return -1, unix.EINVAL
	}
}

func (s *Shim) doneVirtual(op, treePath string) {
	metrics.RecordCall(op, metrics.OutcomeVirtual)
	logging.Call(op, logging.String("path", treePath))
}

func (s *Shim) donePass(op, p string, err error) {
	metrics.RecordCall(op, metrics.OutcomePassthrough)
	if p != "" {
		logging.Passthrough(op, logging.String("path", p), logging.Bool("failed", err != nil))
	} else {
		logging.Passthrough(op, logging.Bool("failed", err != nil))
	}
}

func (s *Shim) doneErr(op, treePath string, err error) error {
	metrics.RecordCall(op, metrics.OutcomeError)
	logging.Call(op, logging.String("path", treePath), logging.Err(err))
	return err
}
