package shim

import (
	"golang.org/x/sys/unix"
)

// passthroughTable holds the real filesystem operations behind the shim,
// bound once at construction. Every call that does not touch the virtual
// tree is forwarded through this table with its semantics, including errno
// results, untouched. Tests swap entries to observe delegation.
type passthroughTable struct {
	open   func(path string, flags int, mode uint32) (int, error)
	openat func(dirfd int, path string, flags int, mode uint32) (int, error)
	close  func(fd int) error
	read   func(fd int, buf []byte) (int, error)
	pread  func(fd int, buf []byte, off int64) (int, error)
	lseek  func(fd int, off int64, whence int) (int64, error)
	stat   func(path string, st *unix.Stat_t) error
	lstat  func(path string, st *unix.Stat_t) error
	fstat  func(fd int, st *unix.Stat_t) error
	statx  func(dirfd int, path string, flags int, mask int, stx *unix.Statx_t) error
	access func(path string, mode uint32) error
	fcntl  func(fd int, cmd int, arg int) (int, error)
}

func realPassthrough() *passthroughTable {
	return &passthroughTable{
		open:   unix.Open,
		openat: unix.Openat,
		close:  unix.Close,
		read:   unix.Read,
		pread:  unix.Pread,
		lseek:  unix.Seek,
		stat:   unix.Stat,
		lstat:  unix.Lstat,
		fstat:  unix.Fstat,
		statx:  unix.Statx,
		access: unix.Access,
		fcntl: func(fd int, cmd int, arg int) (int, error) {
			return unix.FcntlInt(uintptr(fd), cmd, arg)
		},
	}
}
