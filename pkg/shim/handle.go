package shim

import "sync"

type handleKind int

const (
	handleFile handleKind = iota
	handleDir
	handleStream
)

// handle is one open virtual descriptor. It is keyed by the OS descriptor
// of the cache backing file that was opened to create it, carries a
// reference into the forest, a byte offset and, for directories, a cursor
// into the child list.
type handle struct {
	kind     handleKind
	node     int32
	treePath string
	declared int64

	mu     sync.Mutex
	off    int64
	dirPos int
}

func (h *handle) offset() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.off
}

func (h *handle) setOffset(off int64) {
	h.mu.Lock()
	h.off = off
	h.mu.Unlock()
}

// advance moves the offset by n. Concurrent readers of one descriptor race
// exactly as they would on a real file offset; last write wins.
func (h *handle) advance(n int64) {
	h.mu.Lock()
	h.off += n
	h.mu.Unlock()
}

// nextDirPos returns the current cursor and steps it.
func (h *handle) nextDirPos() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	pos := h.dirPos
	h.dirPos++
	return pos
}

// handleTable maps descriptors to open virtual handles.
type handleTable struct {
	mu sync.Mutex
	m  map[int]*handle
}

func newHandleTable() *handleTable {
	return &handleTable{m: make(map[int]*handle)}
}

func (t *handleTable) put(fd int, h *handle) {
	t.mu.Lock()
	t.m[fd] = h
	t.mu.Unlock()
}

func (t *handleTable) get(fd int) (*handle, bool) {
	t.mu.Lock()
	h, ok := t.m[fd]
	t.mu.Unlock()
	return h, ok
}

func (t *handleTable) remove(fd int) (*handle, bool) {
	t.mu.Lock()
	h, ok := t.m[fd]
	if ok {
		delete(t.m, fd)
	}
	t.mu.Unlock()
	return h, ok
}

func (t *handleTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}
