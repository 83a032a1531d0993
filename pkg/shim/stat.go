package shim

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/open-afc-project/openafc-sub006/pkg/tree"
)

// statTemplate synthesizes stat results for virtual nodes. One real stat of
// the cache root at startup supplies every invariant field (owner, device,
// block size, timestamps); per node only mode, size and block count vary.
type statTemplate struct {
	base unix.Stat_t
}

func captureTemplate(root string) (statTemplate, error) {
	var st unix.Stat_t
	if err := unix.Stat(root, &st); err != nil {
		return statTemplate{}, fmt.Errorf("stat cache root %s: %w", root, err)
	}
	return statTemplate{base: st}, nil
}

func (t *statTemplate) fill(n *tree.Node) unix.Stat_t {
	st := t.base
	if n.IsDir() {
		st.Mode = unix.S_IFDIR | 0o555
		st.Nlink = 2
	} else {
		st.Mode = unix.S_IFREG | 0o444
		st.Nlink = 1
		st.Size = n.Size
		st.Blocks = (n.Size + 511) / 512
	}
	return st
}

func (t *statTemplate) fillStatx(n *tree.Node) unix.Statx_t {
	st := t.fill(n)

	var stx unix.Statx_t
	stx.Mask = unix.STATX_BASIC_STATS
	stx.Blksize = uint32(st.Blksize)
	stx.Nlink = uint32(st.Nlink)
	stx.Uid = st.Uid
	stx.Gid = st.Gid
	stx.Mode = uint16(st.Mode)
	stx.Ino = st.Ino
	stx.Size = uint64(st.Size)
	stx.Blocks = uint64(st.Blocks)
	stx.Atime = statxTime(st.Atim)
	stx.Ctime = statxTime(st.Ctim)
	stx.Mtime = statxTime(st.Mtim)
	return stx
}

func statxTime(ts unix.Timespec) unix.StatxTimestamp {
	return unix.StatxTimestamp{Sec: int64(ts.Sec), Nsec: uint32(ts.Nsec)}
}
