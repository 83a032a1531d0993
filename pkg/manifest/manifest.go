// Package manifest reads and writes the binary catalog describing the
// virtual data tree. The format is fixed:
//
//	uint32  file count   (little endian)
//	uint32  dir count    (little endian)
//	uint8   max depth
//	records, one per node in preorder:
//	    depth  tab bytes ('\t' repeated depth times)
//	    name   NUL-terminated
//	    size   int64 (little endian), 0 denotes a directory
//
// Records whose depth is one greater than the previous record are the first
// child of that record; records at a shallower or equal depth resume the
// sibling list at their level.
package manifest

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/open-afc-project/openafc-sub006/pkg/tree"
)

var (
	// ErrTruncated reports a manifest that ends inside the header or a record.
	ErrTruncated = errors.New("truncated manifest")
	// ErrCorrupt reports structurally invalid manifest contents.
	ErrCorrupt = errors.New("corrupt manifest")
)

// Load opens and parses the manifest at path.
func Load(path string) (*tree.Forest, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest %s: %w", path, err)
	}
	defer fd.Close()

	f, err := Parse(bufio.NewReader(fd))
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return f, nil
}

// Parse decodes a manifest stream into a forest.
func Parse(r io.Reader) (*tree.Forest, error) {
	br := bufio.NewReader(r)

	var hdr [9]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrTruncated, err)
	}
	fileCount := binary.LittleEndian.Uint32(hdr[0:4])
	dirCount := binary.LittleEndian.Uint32(hdr[4:8])
	maxDepth := int(hdr[8])

	f := tree.New(int(fileCount) + int(dirCount))

	// stack[d] is the most recent node seen at depth d; it is the parent of
	// a following depth d+1 record and the prior sibling of a following
	// depth d record.
	stack := make([]int32, maxDepth+1)
	prevDepth := -1

	for {
		depth, err := readDepth(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if depth > maxDepth {
			return nil, fmt.Errorf("%w: record depth %d exceeds header max %d", ErrCorrupt, depth, maxDepth)
		}
		if depth > prevDepth+1 {
			return nil, fmt.Errorf("%w: depth jumps from %d to %d", ErrCorrupt, prevDepth, depth)
		}

		name, err := readName(br)
		if err != nil {
			return nil, err
		}

		var raw [8]byte
		if _, err := io.ReadFull(br, raw[:]); err != nil {
			return nil, fmt.Errorf("%w: size of %q: %v", ErrTruncated, name, err)
		}
		size := int64(binary.LittleEndian.Uint64(raw[:]))
		if size < 0 {
			return nil, fmt.Errorf("%w: negative size %d for %q", ErrCorrupt, size, name)
		}

		var idx int32
		switch {
		case prevDepth < 0:
			if depth != 0 {
				return nil, fmt.Errorf("%w: first record at depth %d", ErrCorrupt, depth)
			}
			idx = f.AddFirstChild(f.Root(), name, size)
		case depth == prevDepth+1:
			idx = f.AddFirstChild(stack[prevDepth], name, size)
		default:
			idx = f.AddSibling(stack[depth], name, size)
		}
		stack[depth] = idx
		prevDepth = depth
	}

	files, dirs := f.Counts()
	if files != int(fileCount) || dirs != int(dirCount) {
		return nil, fmt.Errorf("%w: header claims %d files and %d dirs, records hold %d and %d",
			ErrCorrupt, fileCount, dirCount, files, dirs)
	}
	return f, nil
}

// readDepth counts leading tab bytes of a record. io.EOF before any byte
// means the previous record was the last one.
func readDepth(br *bufio.Reader) (int, error) {
	depth := 0
	for {
		b, err := br.ReadByte()
		if err == io.EOF {
			if depth == 0 {
				return 0, io.EOF
			}
			return 0, fmt.Errorf("%w: record ends inside depth prefix", ErrTruncated)
		}
		if err != nil {
			return 0, fmt.Errorf("read manifest: %w", err)
		}
		if b != '\t' {
			if err := br.UnreadByte(); err != nil {
				return 0, fmt.Errorf("read manifest: %w", err)
			}
			return depth, nil
		}
		depth++
	}
}

func readName(br *bufio.Reader) (string, error) {
	name, err := br.ReadString(0)
	if err != nil {
		return "", fmt.Errorf("%w: record name: %v", ErrTruncated, err)
	}
	name = name[:len(name)-1]
	if name == "" {
		return "", fmt.Errorf("%w: empty entry name", ErrCorrupt)
	}
	if strings.ContainsRune(name, '/') {
		return "", fmt.Errorf("%w: entry name %q contains a slash", ErrCorrupt, name)
	}
	return name, nil
}

// Write encodes the forest in manifest format. The output parses back into
// an identical forest.
func Write(w io.Writer, f *tree.Forest) error {
	files, dirs := f.Counts()
	maxDepth := f.MaxDepth()
	if maxDepth < 0 {
		maxDepth = 0
	}
	if maxDepth > 255 {
		return fmt.Errorf("tree depth %d does not fit the manifest header", maxDepth)
	}

	bw := bufio.NewWriter(w)
	var hdr [9]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(files))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(dirs))
	hdr[8] = uint8(maxDepth)
	if _, err := bw.Write(hdr[:]); err != nil {
		return fmt.Errorf("write manifest header: %w", err)
	}

	var werr error
	f.Walk(func(i int32, depth int) bool {
		n := f.Node(i)
		if werr = checkName(n.Name); werr != nil {
			return false
		}
		for t := 0; t < depth; t++ {
			bw.WriteByte('\t')
		}
		bw.WriteString(n.Name)
		bw.WriteByte(0)
		var raw [8]byte
		binary.LittleEndian.PutUint64(raw[:], uint64(n.Size))
		if _, werr = bw.Write(raw[:]); werr != nil {
			return false
		}
		return true
	})
	if werr != nil {
		return fmt.Errorf("write manifest: %w", werr)
	}
	return bw.Flush()
}

func checkName(name string) error {
	if name == "" {
		return errors.New("empty entry name")
	}
	if strings.ContainsAny(name, "/\x00") || name[0] == '\t' {
		return fmt.Errorf("entry name %q cannot be encoded", name)
	}
	return nil
}

// Entry is one node of a tree under construction, addressed by its
// tree-relative path. A size of zero declares a directory.
type Entry struct {
	Path string
	Size int64
}

// Build assembles a forest from entries, creating intermediate directories
// as they are first mentioned. Sibling order follows first mention.
func Build(entries []Entry) (*tree.Forest, error) {
	f := tree.New(len(entries))
	for _, e := range entries {
		segs := strings.FieldsFunc(e.Path, func(r rune) bool { return r == '/' })
		if len(segs) == 0 {
			return nil, fmt.Errorf("entry path %q has no name", e.Path)
		}
		cur := f.Root()
		for s, seg := range segs {
			last := s == len(segs)-1
			size := int64(0)
			if last {
				size = e.Size
			}
			if existing, ok := f.Lookup(f.Path(cur) + "/" + seg); ok && f.Node(existing).Parent == cur {
				n := f.Node(existing)
				if last && size != n.Size {
					return nil, fmt.Errorf("entry %q conflicts with existing size %d", e.Path, n.Size)
				}
				if !last && !n.IsDir() {
					return nil, fmt.Errorf("entry %q uses file %q as a directory", e.Path, seg)
				}
				cur = existing
				continue
			}
			cur = f.Append(cur, seg, size)
		}
	}
	return f, nil
}
