package shim

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/open-afc-project/openafc-sub006/pkg/tree"
)

// Dirent is one directory entry as Readdir reports it. Virtual directories
// never contain "." or "..", matching what the compute engine iterates over.
type Dirent struct {
	Name  string
	IsDir bool
}

// passDir is an open real directory stream. Entries are pulled from the
// kernel in batches and handed out one at a time.
type passDir struct {
	mu    sync.Mutex
	fd    int
	buf   []byte
	names []string
	eof   bool
}

func (d *passDir) next() (*Dirent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for len(d.names) == 0 && !d.eof {
		n, err := unix.ReadDirent(d.fd, d.buf)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			d.eof = true
			break
		}
		_, _, d.names = unix.ParseDirent(d.buf[:n], -1, d.names)
	}
	if len(d.names) == 0 {
		return nil, nil
	}
	name := d.names[0]
	d.names = d.names[1:]

	// Entry type is not preserved by the batch parse; a stat relative to
	// the stream descriptor recovers it.
	var st unix.Stat_t
	isDir := false
	if err := unix.Fstatat(d.fd, name, &st, unix.AT_SYMLINK_NOFOLLOW); err == nil {
		isDir = st.Mode&unix.S_IFMT == unix.S_IFDIR
	}
	return &Dirent{Name: name, IsDir: isDir}, nil
}

// passDirTable maps descriptors to open real directory streams.
type passDirTable struct {
	mu sync.Mutex
	m  map[int]*passDir
}

func newPassDirTable() *passDirTable {
	return &passDirTable{m: make(map[int]*passDir)}
}

func (t *passDirTable) put(fd int, d *passDir) {
	t.mu.Lock()
	t.m[fd] = d
	t.mu.Unlock()
}

func (t *passDirTable) get(fd int) (*passDir, bool) {
	t.mu.Lock()
	d, ok := t.m[fd]
	t.mu.Unlock()
	return d, ok
}

func (t *passDirTable) remove(fd int) (*passDir, bool) {
	t.mu.Lock()
	d, ok := t.m[fd]
	if ok {
		delete(t.m, fd)
	}
	t.mu.Unlock()
	return d, ok
}

// Opendir opens a directory stream. Virtual directories enumerate the
// manifest children; real directories read the disk.
func (s *Shim) Opendir(p string) (int, error) {
	virtual, rel := s.classify(p)
	if !virtual {
		fd, err := s.pass.open(rel, unix.O_RDONLY|unix.O_DIRECTORY, 0)
		if err == nil {
			s.passDirs.put(fd, &passDir{fd: fd, buf: make([]byte, 8192)})
		}
		s.donePass("opendir", rel, err)
		return fd, err
	}
	return s.openVirtual("opendir", rel, unix.O_RDONLY|unix.O_DIRECTORY, handleDir)
}

// Readdir returns the next entry of a directory stream, nil at the end.
// Virtual streams hand out manifest children in manifest order.
func (s *Shim) Readdir(fd int) (*Dirent, error) {
	if h, ok := s.handles.get(fd); ok {
		// A virtual descriptor that did not come from Opendir is not a
		// directory stream, even when it refers to a directory.
		if h.kind != handleDir {
			return nil, s.doneErr("readdir", h.treePath, unix.EBADF)
		}
		c := s.forest.Child(h.node, h.nextDirPos())
		if c == tree.None {
			s.doneVirtual("readdir", h.treePath)
			return nil, nil
		}
		n := s.forest.Node(c)
		s.doneVirtual("readdir", h.treePath)
		return &Dirent{Name: n.Name, IsDir: n.IsDir()}, nil
	}
	if d, ok := s.passDirs.get(fd); ok {
		ent, err := d.next()
		s.donePass("readdir", "", err)
		return ent, err
	}
	return nil, s.doneErr("readdir", "", unix.EBADF)
}

// Closedir closes a directory stream.
func (s *Shim) Closedir(fd int) error {
	if _, ok := s.handles.get(fd); ok {
		return s.Close(fd)
	}
	if _, ok := s.passDirs.remove(fd); ok {
		err := s.pass.close(fd)
		s.donePass("closedir", "", err)
		return err
	}
	return s.doneErr("closedir", "", unix.EBADF)
}
