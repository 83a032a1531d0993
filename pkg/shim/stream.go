package shim

import (
	"context"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/open-afc-project/openafc-sub006/internal/logging"
)

// streamFlags maps a C stdio mode string to open flags. The 'b', 't', 'e'
// and 'x' modifiers do not change the flags that matter here.
func streamFlags(mode string) (int, bool) {
	if mode == "" {
		return 0, false
	}
	plus := strings.ContainsRune(mode, '+')
	switch mode[0] {
	case 'r':
		if plus {
			return unix.O_RDWR, true
		}
		return unix.O_RDONLY, true
	case 'w':
		flags := unix.O_WRONLY | unix.O_CREAT | unix.O_TRUNC
		if plus {
			flags = unix.O_RDWR | unix.O_CREAT | unix.O_TRUNC
		}
		return flags, true
	case 'a':
		flags := unix.O_WRONLY | unix.O_CREAT | unix.O_APPEND
		if plus {
			flags = unix.O_RDWR | unix.O_CREAT | unix.O_APPEND
		}
		return flags, true
	}
	return 0, false
}

// Fopen opens a stdio stream, returned as a descriptor. Writing modes on
// virtual paths fail with EROFS; the tree is immutable.
func (s *Shim) Fopen(p, mode string) (int, error) {
	flags, ok := streamFlags(mode)
	if !ok {
		return -1, s.doneErr("fopen", p, unix.EINVAL)
	}

	virtual, rel := s.classify(p)
	if !virtual {
		fd, err := s.pass.open(rel, flags, 0o666)
		s.donePass("fopen", rel, err)
		return fd, err
	}
	return s.openVirtual("fopen", rel, flags, handleStream)
}

// Fread reads up to nmemb items of size bytes each from the stream's
// current position and returns the number of complete items read. The
// position advances by the bytes actually read, including a trailing
// partial item.
func (s *Shim) Fread(fd int, size, nmemb int64, buf []byte) (int64, error) {
	if size <= 0 || nmemb <= 0 {
		return 0, nil
	}
	want := size * nmemb
	if int64(len(buf)) < want {
		return 0, s.doneErr("fread", "", unix.EINVAL)
	}
	buf = buf[:want]

	h, ok := s.handles.get(fd)
	if !ok {
		n, err := s.passReadFull(fd, buf)
		s.donePass("fread", "", err)
		return int64(n) / size, err
	}
	if s.forest.Node(h.node).IsDir() {
		return 0, s.doneErr("fread", h.treePath, unix.EISDIR)
	}

	off := h.offset()
	n, err := s.mgr.Read(context.Background(), h.treePath, h.declared, off, buf)
	if err != nil {
		logging.Error("virtual fread", logging.String("path", h.treePath), logging.Err(err))
		return 0, s.doneErr("fread", h.treePath, unix.EIO)
	}
	h.advance(int64(n))
	s.doneVirtual("fread", h.treePath)
	return int64(n) / size, nil
}

// passReadFull mimics stdio buffering: keep reading until the buffer is
// full, the file ends, or an error surfaces.
func (s *Shim) passReadFull(fd int, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := s.pass.read(fd, buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

// Fseek repositions a stream. The virtual side supports the same three
// whence values as Lseek and shares its termination policy for the rest.
func (s *Shim) Fseek(fd int, off int64, whence int) error {
	h, ok := s.handles.get(fd)
	if !ok {
		_, err := s.pass.lseek(fd, off, whence)
		s.donePass("fseek", "", err)
		return err
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
		logging.Fatal("unsupported fseek whence on virtual stream",
			logging.String("path", h.treePath), logging.Int("whence", whence))
		return unix.EINVAL
	}
	if target < 0 {
		return s.doneErr("fseek", h.treePath, unix.EINVAL)
	}
	h.setOffset(target)
	s.doneVirtual("fseek", h.treePath)
	return nil
}

// Fclose closes a stream descriptor.
func (s *Shim) Fclose(fd int) error {
	return s.Close(fd)
}
