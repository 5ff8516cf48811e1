package server

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"testing"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	f, err := NewFileStore(t.TempDir(), newTestStore(t))
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	return f
}

func TestFileStoreSaveAndOpen(t *testing.T) {
	f := newTestFileStore(t)
	content := "hello exchange"

	meta, err := f.Save("report.txt", "text/plain", "u1", strings.NewReader(content))
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if meta.Size != int64(len(content)) {
		t.Errorf("Size = %d, want %d", meta.Size, len(content))
	}
	if meta.OriginalFilename != "report.txt" {
		t.Errorf("OriginalFilename = %q, want %q", meta.OriginalFilename, "report.txt")
	}
	sum := sha256.Sum256([]byte(content))
	if meta.Checksum != hex.EncodeToString(sum[:]) {
		t.Errorf("Checksum = %q, want sha256 of content", meta.Checksum)
	}

	blob, got, err := f.Open(meta.ID)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() { _ = blob.Close() }()
	if got.ID != meta.ID {
		t.Errorf("Open() meta ID = %q, want %q", got.ID, meta.ID)
	}
	data, err := io.ReadAll(blob)
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	if string(data) != content {
		t.Errorf("blob content = %q, want %q", data, content)
	}
}

func TestFileStoreListByOwner(t *testing.T) {
	f := newTestFileStore(t)
	if _, err := f.Save("a.txt", "text/plain", "u1", strings.NewReader("a")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, err := f.Save("b.txt", "text/plain", "u2", strings.NewReader("b")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	files, err := f.List("u1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(files) != 1 || files[0].OriginalFilename != "a.txt" {
		t.Errorf("List(u1) = %v, want only a.txt", files)
	}

	all, err := f.List("")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 2 {
		t.Errorf("List(\"\") returned %d files, want 2", len(all))
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"report.txt", "report.txt"},
		{"my file.txt", "my-file.txt"},
		{"../../etc/passwd", "etcpasswd"},
		{"", "file"},
		{"***", "file"},
		{"..hidden", "hidden"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := sanitizeFilename(tt.in); got != tt.want {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
