// Package fuse serves the virtual tree as a read-only FUSE filesystem, so
// an unmodified compute engine can consume it through the kernel instead of
// the library surface. Every read goes through the same cache manager as
// the intercepted calls; cache status is exposed per file via user.aep.*
// extended attributes.
package fuse

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/open-afc-project/openafc-sub006/internal/cache"
	"github.com/open-afc-project/openafc-sub006/internal/logging"
	"github.com/open-afc-project/openafc-sub006/pkg/tree"
)

// FS is the filesystem state shared by all nodes.
type FS struct {
	forest *tree.Forest
	mgr    *cache.Manager

	uid   uint32
	gid   uint32
	birth uint64
}

// New builds a filesystem over an already loaded forest and cache manager.
func New(forest *tree.Forest, mgr *cache.Manager) *FS {
	return &FS{
		forest: forest,
		mgr:    mgr,
		uid:    uint32(os.Getuid()),
		gid:    uint32(os.Getgid()),
		birth:  uint64(time.Now().Unix()),
	}
}

// Root returns the root node, for mounting or direct use in tests.
func (f *FS) Root() *Node {
	return &Node{fsys: f, idx: f.forest.Root()}
}

// Mount mounts the filesystem read-only at mountPoint and returns the
// server; the caller owns unmounting.
func (f *FS) Mount(mountPoint string, debug bool) (*gofuse.Server, error) {
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return nil, fmt.Errorf("create mount point: %w", err)
	}

	opts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			AllowOther: false,
			Debug:      debug,
			FsName:     "aepfs",
			Name:       "aepfs",
			Options:    []string{"ro"},
		},
		UID: f.uid,
		GID: f.gid,
	}

	server, err := fs.Mount(mountPoint, f.Root(), opts)
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}
	logging.Info("mounted virtual tree", logging.String("mountpoint", mountPoint))
	return server, nil
}

// Node is one entry of the virtual tree. It carries only the arena index;
// the forest itself is immutable and shared.
type Node struct {
	fs.Inode

	fsys *FS
	idx  int32
}

var _ fs.InodeEmbedder = (*Node)(nil)
var _ fs.NodeGetattrer = (*Node)(nil)
var _ fs.NodeLookuper = (*Node)(nil)
var _ fs.NodeReaddirer = (*Node)(nil)
var _ fs.NodeOpener = (*Node)(nil)
var _ fs.NodeReader = (*Node)(nil)
var _ fs.NodeGetxattrer = (*Node)(nil)
var _ fs.NodeListxattrer = (*Node)(nil)

func (n *Node) node() *tree.Node {
	return n.fsys.forest.Node(n.idx)
}

func (n *Node) treePath() string {
	return n.fsys.forest.Path(n.idx)
}

// nodeMode returns the fixed mode bits for a node: directories are
// world-searchable, files world-readable, nothing is writable.
func nodeMode(tn *tree.Node) uint32 {
	if tn.IsDir() {
		return uint32(syscall.S_IFDIR) | 0o555
	}
	return uint32(syscall.S_IFREG) | 0o444
}

// fillAttr synthesizes attributes from the manifest alone. Inode numbers
// are the arena indices, stable for the life of the process.
func (f *FS) fillAttr(out *gofuse.Attr, tn *tree.Node, ino uint64) {
	out.Mode = nodeMode(tn)
	out.Ino = ino
	if tn.IsDir() {
		out.Nlink = 2
	} else {
		out.Nlink = 1
		out.Size = uint64(tn.Size)
		out.Blocks = uint64((tn.Size + 511) / 512)
	}
	out.Mtime = f.birth
	out.Atime = f.birth
	out.Ctime = f.birth
	out.Uid = f.uid
	out.Gid = f.gid
}

// Getattr answers from the manifest; it never touches the cache or the
// backing store.
func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	n.fsys.fillAttr(&out.Attr, n.node(), uint64(n.idx)+1)
	return 0
}

// Lookup finds a child by name with a sibling scan, the same walk the
// intercepted path resolution does.
func (n *Node) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	f := n.fsys.forest
	for c := f.Node(n.idx).FirstChild; c != tree.None; c = f.Node(c).NextSibling {
		tn := f.Node(c)
		if tn.Name != name {
			continue
		}

		child := &Node{fsys: n.fsys, idx: c}
		n.fsys.fillAttr(&out.Attr, tn, uint64(c)+1)

		stable := fs.StableAttr{Mode: nodeMode(tn), Ino: uint64(c) + 1}
		return n.NewInode(ctx, child, stable), 0
	}
	return nil, syscall.ENOENT
}

// Readdir lists the children in manifest order.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	f := n.fsys.forest
	if !n.node().IsDir() {
		return nil, syscall.ENOTDIR
	}

	entries := make([]gofuse.DirEntry, 0, f.NumChildren(n.idx))
	for c := f.Node(n.idx).FirstChild; c != tree.None; c = f.Node(c).NextSibling {
		tn := f.Node(c)
		mode := uint32(syscall.S_IFREG)
		if tn.IsDir() {
			mode = uint32(syscall.S_IFDIR)
		}
		entries = append(entries, gofuse.DirEntry{
			Name: tn.Name,
			Mode: mode,
			Ino:  uint64(c) + 1,
		})
	}
	return fs.NewListDirStream(entries), 0
}

// Open admits read-only opens and registers the reader in the shared
// histogram so no peer evicts the file while it is in use.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	tn := n.node()
	if tn.IsDir() {
		return nil, 0, syscall.EISDIR
	}
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}

	treePath := n.treePath()
	if _, err := n.fsys.mgr.EnsurePlaceholder(treePath, false); err != nil {
		logging.Error("materialize placeholder", logging.String("path", treePath), logging.Err(err))
		return nil, 0, syscall.EIO
	}
	n.fsys.mgr.Retain(treePath, tn.Size)

	fh := &fileHandle{fsys: n.fsys, treePath: treePath, declared: tn.Size}
	// The tree is immutable, so the kernel page cache can keep served
	// pages across opens.
	return fh, gofuse.FOPEN_KEEP_CACHE, 0
}

// Read serves bytes through the cache manager, exactly like the
// intercepted read path.
func (n *Node) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	handle, ok := fh.(*fileHandle)
	if !ok {
		return nil, syscall.EIO
	}

	read, err := n.fsys.mgr.Read(ctx, handle.treePath, handle.declared, off, dest)
	if err != nil {
		logging.Error("fuse read", logging.String("path", handle.treePath), logging.Err(err))
		return nil, syscall.EIO
	}
	return gofuse.ReadResultData(dest[:read]), 0
}

// Cache introspection attributes.
const (
	xattrCached  = "user.aep.cached"
	xattrSize    = "user.aep.size"
	xattrPath    = "user.aep.path"
	xattrReaders = "user.aep.readers"
	xattrUsage   = "user.aep.usage"
)

// Getxattr answers the user.aep.* attributes; everything else is ENODATA.
func (n *Node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	tn := n.node()
	treePath := n.treePath()

	var value string
	switch attr {
	case xattrCached:
		if n.fsys.mgr.IsCached(treePath, tn.Size) {
			value = "true"
		} else {
			value = "false"
		}
	case xattrSize:
		value = fmt.Sprintf("%d", tn.Size)
	case xattrPath:
		value = treePath
	case xattrReaders:
		value = fmt.Sprintf("%d", n.fsys.mgr.Readers(treePath))
	case xattrUsage:
		value = fmt.Sprintf("%d", n.fsys.mgr.Usage())
	default:
		return 0, syscall.ENODATA
	}

	if len(dest) == 0 {
		return uint32(len(value)), 0
	}
	if len(dest) < len(value) {
		return 0, syscall.ERANGE
	}
	copy(dest, value)
	return uint32(len(value)), 0
}

// Listxattr lists the supported attribute names.
func (n *Node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	attrs := []string{xattrCached, xattrSize, xattrPath, xattrReaders, xattrUsage}

	total := 0
	for _, attr := range attrs {
		total += len(attr) + 1
	}
	if len(dest) == 0 {
		return uint32(total), 0
	}
	if len(dest) < total {
		return 0, syscall.ERANGE
	}

	off := 0
	for _, attr := range attrs {
		copy(dest[off:], attr)
		off += len(attr)
		dest[off] = 0
		off++
	}
	return uint32(total), 0
}

// fileHandle keeps the reader reservation alive for the life of the open.
type fileHandle struct {
	fsys     *FS
	treePath string
	declared int64
}

var _ fs.FileHandle = (*fileHandle)(nil)
var _ fs.FileReleaser = (*fileHandle)(nil)

// Release drops the reader reservation taken at open.
func (h *fileHandle) Release(ctx context.Context) syscall.Errno {
	h.fsys.mgr.Release(h.treePath, h.declared)
	return 0
}
