// Package cachestate holds the state every shim process shares through the
// cache directory: a memory mapped counter of aggregate cached bytes with a
// per path open-reader histogram, and flock based per file locks. Together
// they let independent processes agree on cache usage and on which files are
// safe to evict without a central coordinator.
package cachestate

import (
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DirName is the housekeeping directory under the cache root. Nothing below
// it counts toward cache usage and eviction never touches it.
const DirName = ".aep"

const (
	stateMagic   = 0x53504541 // "AEPS"
	stateVersion = 1

	// Slots in the open-reader histogram. Paths are hashed into slots, so a
	// collision can only over-count readers; that keeps a busy file safe
	// from eviction at worst.
	histSlots = 4096

	offMagic   = 0
	offVersion = 4
	offInit    = 8
	offTotal   = 16
	offReaders = 24

	stateSize = offReaders + histSlots*4
)

// State is the mapped shared segment. All operations are atomic on the
// mapping, so any number of processes may use one State file concurrently.
type State struct {
	f       *os.File
	mem     []byte
	total   *int64
	readers *[histSlots]int32
}

// Open maps the shared state under root, creating it when this is the first
// process to arrive. The creator seeds the byte counter by walking the files
// already cached under root. Creation and attach race benignly: the state
// file itself is flocked for the duration of initialization.
func Open(root string) (*State, error) {
	dir := filepath.Join(root, DirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	path := filepath.Join(dir, "state")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open shared state: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock shared state: %w", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat shared state: %w", err)
	}
	creator := fi.Size() < stateSize
	if creator {
		if err := f.Truncate(stateSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("size shared state: %w", err)
		}
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, stateSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("map shared state: %w", err)
	}

	s := &State{
		f:       f,
		mem:     mem,
		total:   (*int64)(unsafe.Pointer(&mem[offTotal])),
		readers: (*[histSlots]int32)(unsafe.Pointer(&mem[offReaders])),
	}

	magic := atomic.LoadUint32(s.word(offMagic))
	switch {
	case magic == stateMagic:
		if v := atomic.LoadUint32(s.word(offVersion)); v != stateVersion {
			s.Close()
			return nil, fmt.Errorf("shared state version %d, want %d", v, stateVersion)
		}
	default:
		// Either we created the file or a previous creator died before
		// finishing. Reinitialize under the flock we still hold.
		total, err := scanCache(root)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("seed cache counter: %w", err)
		}
		for i := range s.readers {
			atomic.StoreInt32(&s.readers[i], 0)
		}
		atomic.StoreInt64(s.total, total)
		atomic.StoreUint32(s.word(offVersion), stateVersion)
		atomic.StoreUint32(s.word(offInit), 1)
		atomic.StoreUint32(s.word(offMagic), stateMagic)
	}

	return s, nil
}

func (s *State) word(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&s.mem[off]))
}

// Close unmaps the segment. Other processes keep their own mappings.
func (s *State) Close() error {
	err := unix.Munmap(s.mem)
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Add moves the aggregate byte counter by delta and returns the new value.
func (s *State) Add(delta int64) int64 {
	return atomic.AddInt64(s.total, delta)
}

// Get returns the aggregate byte counter.
func (s *State) Get() int64 {
	return atomic.LoadInt64(s.total)
}

// IncReaders records one more open reader of the tree path.
func (s *State) IncReaders(treePath string) {
	atomic.AddInt32(&s.readers[slot(treePath)], 1)
}

// DecReaders records one reader of the tree path going away.
func (s *State) DecReaders(treePath string) {
	atomic.AddInt32(&s.readers[slot(treePath)], -1)
}

// Readers returns the open-reader count for the tree path. Hash collisions
// can fold other paths into the count, never hide one.
func (s *State) Readers(treePath string) int32 {
	return atomic.LoadInt32(&s.readers[slot(treePath)])
}

// Rescan recomputes the byte counter from the files on disk under root and
// stores it. Used by the cache tool to repair drift.
func (s *State) Rescan(root string) (int64, error) {
	total, err := scanCache(root)
	if err != nil {
		return 0, err
	}
	atomic.StoreInt64(s.total, total)
	return total, nil
}

// Reset zeroes the counter and the whole reader histogram.
func (s *State) Reset() {
	atomic.StoreInt64(s.total, 0)
	for i := range s.readers {
		atomic.StoreInt32(&s.readers[i], 0)
	}
}

func slot(treePath string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(treePath))
	return h.Sum32() % histSlots
}

// scanCache sums the sizes of regular files under root, skipping the
// housekeeping directory.
func scanCache(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if d.Name() == DirName {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
