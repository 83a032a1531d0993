package nfs

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
)

func newStore(t *testing.T) (*Store, string) {
	t.Helper()
	root := t.TempDir()
	s, err := New(root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, root
}

func TestNewValidatesMountpoint(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Error("New accepted a missing mountpoint")
	}

	file := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(file); err == nil {
		t.Error("New accepted a plain file as mountpoint")
	}
}

func TestDownloadWhole(t *testing.T) {
	s, root := newStore(t)
	content := bytes.Repeat([]byte("abc"), 100)
	if err := os.MkdirAll(filepath.Join(root, "a"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "a", "b.bin"), content, 0o644); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(t.TempDir(), "b.bin")
	if err := s.DownloadWhole(context.Background(), "/a/b.bin", dest); err != nil {
		t.Fatalf("DownloadWhole: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("downloaded %d bytes, want %d identical bytes", len(got), len(content))
	}

	// Redownload truncates stale content.
	if err := os.WriteFile(dest, []byte("stale stale stale stale stale"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.DownloadWhole(context.Background(), "/a/b.bin", dest); err != nil {
		t.Fatalf("second DownloadWhole: %v", err)
	}
	got, _ = os.ReadFile(dest)
	if !bytes.Equal(got, content) {
		t.Error("second download did not replace stale content")
	}
}

func TestDownloadWholeMissingSource(t *testing.T) {
	s, _ := newStore(t)
	dest := filepath.Join(t.TempDir(), "out.bin")
	if err := s.DownloadWhole(context.Background(), "/missing.bin", dest); err == nil {
		t.Fatal("DownloadWhole of a missing source succeeded")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("failed download left a destination file behind")
	}
}

func TestReadRange(t *testing.T) {
	s, root := newStore(t)
	if err := os.WriteFile(filepath.Join(root, "d.txt"), []byte("0123456789"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		off     int64
		bufLen  int
		wantN   int
		want    string
		wantErr bool
	}{
		{name: "middle", off: 2, bufLen: 4, wantN: 4, want: "2345"},
		{name: "from start", off: 0, bufLen: 10, wantN: 10, want: "0123456789"},
		{name: "short at end", off: 8, bufLen: 4, wantN: 2, want: "89"},
		{name: "at end", off: 10, bufLen: 4, wantN: 0, want: ""},
		{name: "past end", off: 20, bufLen: 4, wantN: 0, want: ""},
		{name: "empty buffer", off: 0, bufLen: 0, wantN: 0, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := make([]byte, tt.bufLen)
			n, err := s.ReadRange(context.Background(), "/d.txt", tt.off, buf)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ReadRange error = %v, wantErr %v", err, tt.wantErr)
			}
			if n != tt.wantN {
				t.Errorf("n = %d, want %d", n, tt.wantN)
			}
			if got := string(buf[:n]); got != tt.want {
				t.Errorf("bytes = %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := s.ReadRange(context.Background(), "/absent.txt", 0, make([]byte, 4)); err == nil {
		t.Error("ReadRange of a missing file succeeded")
	}
}
