package reader

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLocalFileReadAt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	want := []byte("the quick brown fox jumps over the lazy dog")
	if err := os.WriteFile(path, want, 0o644); err != nil {
		t.Fatal(err)
	}

	l, err := OpenLocalFile(path)
	if err != nil {
		t.Fatalf("OpenLocalFile: %v", err)
	}
	defer l.Close()

	if l.Size() != int64(len(want)) {
		t.Fatalf("Size() = %d, want %d", l.Size(), len(want))
	}
	if !l.SupportsRanges() {
		t.Fatalf("SupportsRanges() = false, want true")
	}

	buf := make([]byte, 5)
	n, err := l.ReadAt(buf, 4)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != 5 || string(buf) != "quick" {
		t.Fatalf("ReadAt = %q, want %q", buf[:n], "quick")
	}
}

func TestOpenLocalFileMissing(t *testing.T) {
	if _, err := OpenLocalFile("/nonexistent/path/to/payload.bin"); err == nil {
		t.Fatal("expected error opening missing file")
	}
}
