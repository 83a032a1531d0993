package manifest

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func sampleEntries() []Entry {
	return []Entry{
		{Path: "/a/b.bin", Size: 100},
		{Path: "/a/c.bin", Size: 50},
		{Path: "/d.txt", Size: 10},
	}
}

// encode builds a raw manifest: header followed by records.
func encode(t *testing.T, files, dirs uint32, maxDepth uint8, records ...[]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	hdr := make([]byte, 9)
	binary.LittleEndian.PutUint32(hdr[0:4], files)
	binary.LittleEndian.PutUint32(hdr[4:8], dirs)
	hdr[8] = maxDepth
	buf.Write(hdr)
	for _, r := range records {
		buf.Write(r)
	}
	return buf.Bytes()
}

func record(depth int, name string, size int64) []byte {
	var buf bytes.Buffer
	for i := 0; i < depth; i++ {
		buf.WriteByte('\t')
	}
	buf.WriteString(name)
	buf.WriteByte(0)
	raw := make([]byte, 8)
	binary.LittleEndian.PutUint64(raw, uint64(size))
	buf.Write(raw)
	return buf.Bytes()
}

func TestRoundTrip(t *testing.T) {
	f, err := Build(sampleEntries())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var buf bytes.Buffer
	if err := Write(&buf, f); err != nil {
		t.Fatalf("Write: %v", err)
	}
	first := append([]byte(nil), buf.Bytes()...)

	got, err := Parse(&buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	for _, e := range sampleEntries() {
		idx, ok := got.Lookup(e.Path)
		if !ok {
			t.Fatalf("Lookup(%q) failed after round trip", e.Path)
		}
		if size := got.Node(idx).Size; size != e.Size {
			t.Errorf("Lookup(%q) size = %d, want %d", e.Path, size, e.Size)
		}
	}
	files, dirs := got.Counts()
	if files != 3 || dirs != 1 {
		t.Errorf("Counts = (%d, %d), want (3, 1)", files, dirs)
	}

	// Encoding the parsed forest must reproduce the bytes exactly.
	var second bytes.Buffer
	if err := Write(&second, got); err != nil {
		t.Fatalf("second Write: %v", err)
	}
	if !bytes.Equal(first, second.Bytes()) {
		t.Errorf("second encoding differs from first:\n%x\n%x", first, second.Bytes())
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{
			name: "valid nested",
			data: encode(t, 2, 1, 1,
				record(0, "a", 0),
				record(1, "b.bin", 100),
				record(1, "c.bin", 50)),
		},
		{
			name: "empty tree",
			data: encode(t, 0, 0, 0),
		},
		{
			name:    "empty input",
			data:    nil,
			wantErr: ErrTruncated,
		},
		{
			name:    "header cut short",
			data:    []byte{1, 0, 0, 0, 0},
			wantErr: ErrTruncated,
		},
		{
			name:    "record name unterminated",
			data:    append(encode(t, 1, 0, 0), 'd', '.', 't'),
			wantErr: ErrTruncated,
		},
		{
			name:    "record size cut short",
			data:    append(encode(t, 1, 0, 0), 'd', 0, 1, 0),
			wantErr: ErrTruncated,
		},
		{
			name:    "ends inside depth prefix",
			data:    append(encode(t, 1, 1, 1, record(0, "a", 0)), '\t'),
			wantErr: ErrTruncated,
		},
		{
			name:    "depth beyond header max",
			data:    encode(t, 1, 1, 0, record(0, "a", 0), record(1, "b", 5)),
			wantErr: ErrCorrupt,
		},
		{
			name:    "depth jump",
			data:    encode(t, 2, 1, 2, record(0, "a", 0), record(2, "b", 5)),
			wantErr: ErrCorrupt,
		},
		{
			name:    "first record nested",
			data:    encode(t, 1, 0, 1, record(1, "a", 5)),
			wantErr: ErrCorrupt,
		},
		{
			name:    "count mismatch",
			data:    encode(t, 2, 0, 0, record(0, "a", 5)),
			wantErr: ErrCorrupt,
		},
		{
			name:    "name with slash",
			data:    encode(t, 1, 0, 0, record(0, "a/b", 5)),
			wantErr: ErrCorrupt,
		},
		{
			name:    "empty name",
			data:    encode(t, 1, 0, 0, record(0, "", 5)),
			wantErr: ErrCorrupt,
		},
		{
			name:    "negative size",
			data:    encode(t, 1, 0, 0, record(0, "a", -4)),
			wantErr: ErrCorrupt,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(bytes.NewReader(tt.data))
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Parse: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Parse error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLinking(t *testing.T) {
	// Depth drop from 2 back to 0 must resume the top level sibling list.
	data := encode(t, 3, 2, 2,
		record(0, "a", 0),
		record(1, "b", 0),
		record(2, "c.bin", 7),
		record(0, "d.bin", 9),
		record(0, "e.bin", 11))

	f, err := Parse(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	for path, size := range map[string]int64{
		"/a/b/c.bin": 7,
		"/d.bin":     9,
		"/e.bin":     11,
	} {
		idx, ok := f.Lookup(path)
		if !ok {
			t.Fatalf("Lookup(%q) failed", path)
		}
		if got := f.Node(idx).Size; got != size {
			t.Errorf("Lookup(%q) size = %d, want %d", path, got, size)
		}
	}
	if got := f.NumChildren(f.Root()); got != 3 {
		t.Errorf("top level children = %d, want 3", got)
	}
}

func TestLoad(t *testing.T) {
	f, err := Build(sampleEntries())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	var buf bytes.Buffer
	if err := Write(&buf, f); err != nil {
		t.Fatalf("Write: %v", err)
	}

	path := filepath.Join(t.TempDir(), "fs_crawl.bin")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := got.Lookup("/a/b.bin"); !ok {
		t.Error("Lookup(/a/b.bin) failed after Load")
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.bin")); err == nil {
		t.Error("Load of missing file succeeded")
	}
}

func TestBuildConflicts(t *testing.T) {
	tests := []struct {
		name    string
		entries []Entry
		wantErr bool
	}{
		{
			name:    "file reused as directory",
			entries: []Entry{{Path: "/a", Size: 5}, {Path: "/a/b", Size: 1}},
			wantErr: true,
		},
		{
			name:    "duplicate with different size",
			entries: []Entry{{Path: "/a", Size: 5}, {Path: "/a", Size: 6}},
			wantErr: true,
		},
		{
			name:    "empty path",
			entries: []Entry{{Path: "/", Size: 0}},
			wantErr: true,
		},
		{
			name:    "explicit directory entry",
			entries: []Entry{{Path: "/a", Size: 0}, {Path: "/a/b", Size: 1}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.entries)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Build error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDeepTree(t *testing.T) {
	entries := []Entry{{Path: "/l0/l1/l2/l3/l4/l5/l6/l7/leaf.bin", Size: 42}}
	f, err := Build(entries)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := f.MaxDepth(); got != 8 {
		t.Fatalf("MaxDepth = %d, want 8", got)
	}

	var buf bytes.Buffer
	if err := Write(&buf, f); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Parse(&buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	idx, ok := got.Lookup("/l0/l1/l2/l3/l4/l5/l6/l7/leaf.bin")
	if !ok {
		t.Fatal("deep Lookup failed after round trip")
	}
	if size := got.Node(idx).Size; size != 42 {
		t.Errorf("deep leaf size = %d, want 42", size)
	}
}
