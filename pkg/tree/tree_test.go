package tree

import (
	"testing"
)

// buildSample creates:
//
//	/
//	├── a/
//	│   ├── b.bin (100)
//	│   └── c.bin (50)
//	└── d.txt (10)
func buildSample(t *testing.T) *Forest {
	t.Helper()
	f := New(4)
	a := f.Append(f.Root(), "a", 0)
	f.Append(a, "b.bin", 100)
	f.Append(a, "c.bin", 50)
	f.Append(f.Root(), "d.txt", 10)
	return f
}

func TestLookup(t *testing.T) {
	f := buildSample(t)

	tests := []struct {
		name     string
		path     string
		wantOK   bool
		wantSize int64
		wantDir  bool
	}{
		{name: "root", path: "/", wantOK: true, wantSize: 0, wantDir: true},
		{name: "directory", path: "/a", wantOK: true, wantSize: 0, wantDir: true},
		{name: "nested file", path: "/a/b.bin", wantOK: true, wantSize: 100, wantDir: false},
		{name: "second sibling", path: "/a/c.bin", wantOK: true, wantSize: 50, wantDir: false},
		{name: "top level file", path: "/d.txt", wantOK: true, wantSize: 10, wantDir: false},
		{name: "missing file", path: "/a/x.bin", wantOK: false},
		{name: "missing directory", path: "/z/b.bin", wantOK: false},
		{name: "file used as directory", path: "/d.txt/x", wantOK: false},
		{name: "trailing slash", path: "/a/", wantOK: true, wantSize: 0, wantDir: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx, ok := f.Lookup(tt.path)
			if ok != tt.wantOK {
				t.Fatalf("Lookup(%q) ok = %v, want %v", tt.path, ok, tt.wantOK)
			}
			if !ok {
				return
			}
			n := f.Node(idx)
			if n.Size != tt.wantSize {
				t.Errorf("Lookup(%q) size = %d, want %d", tt.path, n.Size, tt.wantSize)
			}
			if n.IsDir() != tt.wantDir {
				t.Errorf("Lookup(%q) IsDir = %v, want %v", tt.path, n.IsDir(), tt.wantDir)
			}
		})
	}
}

func TestChildCursor(t *testing.T) {
	f := buildSample(t)
	a, ok := f.Lookup("/a")
	if !ok {
		t.Fatal("Lookup(/a) failed")
	}

	want := []string{"b.bin", "c.bin"}
	for i, name := range want {
		c := f.Child(a, i)
		if c == None {
			t.Fatalf("Child(%d) = None, want %q", i, name)
		}
		if got := f.Node(c).Name; got != name {
			t.Errorf("Child(%d) = %q, want %q", i, got, name)
		}
	}
	if c := f.Child(a, len(want)); c != None {
		t.Errorf("Child past end = %d, want None", c)
	}
	if got := f.NumChildren(a); got != 2 {
		t.Errorf("NumChildren = %d, want 2", got)
	}
}

func TestPath(t *testing.T) {
	f := buildSample(t)

	tests := []struct {
		path string
	}{
		{path: "/"},
		{path: "/a"},
		{path: "/a/b.bin"},
		{path: "/d.txt"},
	}
	for _, tt := range tests {
		idx, ok := f.Lookup(tt.path)
		if !ok {
			t.Fatalf("Lookup(%q) failed", tt.path)
		}
		if got := f.Path(idx); got != tt.path {
			t.Errorf("Path = %q, want %q", got, tt.path)
		}
	}
}

func TestWalkOrder(t *testing.T) {
	f := buildSample(t)

	var names []string
	var depths []int
	f.Walk(func(i int32, depth int) bool {
		names = append(names, f.Node(i).Name)
		depths = append(depths, depth)
		return true
	})

	wantNames := []string{"a", "b.bin", "c.bin", "d.txt"}
	wantDepths := []int{0, 1, 1, 0}
	if len(names) != len(wantNames) {
		t.Fatalf("walk visited %d nodes, want %d", len(names), len(wantNames))
	}
	for i := range wantNames {
		if names[i] != wantNames[i] || depths[i] != wantDepths[i] {
			t.Errorf("walk[%d] = %q depth %d, want %q depth %d",
				i, names[i], depths[i], wantNames[i], wantDepths[i])
		}
	}
}

func TestWalkStop(t *testing.T) {
	f := buildSample(t)
	visited := 0
	f.Walk(func(int32, int) bool {
		visited++
		return visited < 2
	})
	if visited != 2 {
		t.Errorf("walk visited %d nodes after stop, want 2", visited)
	}
}

func TestCounts(t *testing.T) {
	f := buildSample(t)
	files, dirs := f.Counts()
	if files != 3 || dirs != 1 {
		t.Errorf("Counts = (%d files, %d dirs), want (3, 1)", files, dirs)
	}
	if got := f.MaxDepth(); got != 1 {
		t.Errorf("MaxDepth = %d, want 1", got)
	}
}

func TestEmptyForest(t *testing.T) {
	f := New(0)
	if f.Len() != 1 {
		t.Fatalf("Len = %d, want 1 (root only)", f.Len())
	}
	if _, ok := f.Lookup("/anything"); ok {
		t.Error("Lookup on empty forest succeeded")
	}
	if got := f.MaxDepth(); got != -1 {
		t.Errorf("MaxDepth = %d, want -1", got)
	}
	files, dirs := f.Counts()
	if files != 0 || dirs != 0 {
		t.Errorf("Counts = (%d, %d), want (0, 0)", files, dirs)
	}
}
