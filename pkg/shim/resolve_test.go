package shim

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveClassification(t *testing.T) {
	r := newResolver("/aep/files")

	tests := []struct {
		name    string
		path    string
		virtual bool
		out     string
	}{
		{"mountpoint itself", "/aep/files", true, "/"},
		{"direct child", "/aep/files/top.txt", true, "/top.txt"},
		{"nested", "/aep/files/a/b/c.bin", true, "/a/b/c.bin"},
		{"trailing slash", "/aep/files/a/", true, "/a"},
		{"dotdot inside", "/aep/files/a/../top.txt", true, "/top.txt"},
		{"dotdot escaping", "/aep/files/../elsewhere", false, "/aep/files/../elsewhere"},
		{"shared prefix, different dir", "/aep/files2/x", false, "/aep/files2/x"},
		{"unrelated", "/etc/hosts", false, "/etc/hosts"},
		{"root", "/", false, "/"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			virtual, out := r.resolve(tc.path)
			if virtual != tc.virtual {
				t.Fatalf("resolve(%q) virtual = %v, want %v", tc.path, virtual, tc.virtual)
			}
			if out != tc.out {
				t.Fatalf("resolve(%q) = %q, want %q", tc.path, out, tc.out)
			}
		})
	}
}

func TestResolveRelativePathsUseWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	canon, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatal(err)
	}
	r := newResolver(canon)

	virtual, out := r.resolve("data/one.bin")
	if !virtual || out != "/data/one.bin" {
		t.Fatalf("resolve relative under mount = (%v, %q), want (true, /data/one.bin)", virtual, out)
	}

	// Relative paths outside the mountpoint keep their original spelling
	// so the real call sees exactly what the engine passed.
	r2 := newResolver("/aep/files")
	virtual, out = r2.resolve("data/one.bin")
	if virtual || out != "data/one.bin" {
		t.Fatalf("resolve relative outside mount = (%v, %q), want (false, data/one.bin)", virtual, out)
	}
}

func TestResolveThroughSymlinkedAncestor(t *testing.T) {
	base := t.TempDir()
	real := filepath.Join(base, "real")
	if err := os.MkdirAll(real, 0o755); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(base, "link")
	if err := os.Symlink(real, link); err != nil {
		t.Fatal(err)
	}

	canon, err := filepath.EvalSymlinks(real)
	if err != nil {
		t.Fatal(err)
	}
	// Mountpoint configured through the symlink; lookups through either
	// spelling must land in the tree.
	r := newResolver(filepath.Join(link, "files"))

	for _, p := range []string{
		filepath.Join(link, "files", "a", "x.bin"),
		filepath.Join(canon, "files", "a", "x.bin"),
	} {
		virtual, out := r.resolve(p)
		if !virtual || out != "/a/x.bin" {
			t.Fatalf("resolve(%q) = (%v, %q), want (true, /a/x.bin)", p, virtual, out)
		}
	}
}
