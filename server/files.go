package server

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FileStore keeps file blobs on disk and their metadata in the entity
// store. Stored names are sanitized and prefixed with the file ID so
// collisions are impossible.
type FileStore struct {
	dir   string
	store *Store
}

// NewFileStore opens the blob directory.
func NewFileStore(dir string, store *Store) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty blob directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir, store: store}, nil
}

// Dir returns the blob directory.
func (f *FileStore) Dir() string { return f.dir }

// Save streams src to disk and records metadata. The blob is written to
// a temp path and renamed so partial writes never become visible; the
// checksum is computed during the copy.
func (f *FileStore) Save(name, contentType, ownerID string, src io.Reader) (FileMeta, error) {
	if name == "" {
		name = "file"
	}
	id := uuid.New().String()
	storedName := id + "_" + sanitizeFilename(name)
	tmpPath := filepath.Join(f.dir, storedName+".tmp")
	dstPath := filepath.Join(f.dir, storedName)

	dst, err := os.Create(tmpPath)
	if err != nil {
		return FileMeta{}, err
	}
	defer func() { _ = dst.Close() }()

	sum := sha256.New()
	size, err := io.Copy(io.MultiWriter(dst, sum), src)
	if err != nil {
		_ = os.Remove(tmpPath)
		return FileMeta{}, err
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return FileMeta{}, err
	}
	if err := os.Rename(tmpPath, dstPath); err != nil {
		_ = os.Remove(tmpPath)
		return FileMeta{}, err
	}

	meta := FileMeta{
		ID:               id,
		OriginalFilename: name,
		StoredName:       storedName,
		ContentType:      contentType,
		Size:             size,
		OwnerID:          ownerID,
		UploadDate:       time.Now().UTC(),
		Checksum:         hex.EncodeToString(sum.Sum(nil)),
	}
	if err := f.store.PutFileMeta(meta); err != nil {
		_ = os.Remove(dstPath)
		return FileMeta{}, err
	}
	return meta, nil
}

// Open returns a reader over the stored blob plus its metadata.
func (f *FileStore) Open(id string) (*os.File, FileMeta, error) {
	meta, err := f.store.GetFileMeta(id)
	if err != nil {
		return nil, FileMeta{}, err
	}
	blob, err := os.Open(filepath.Join(f.dir, meta.StoredName))
	if err != nil {
		return nil, FileMeta{}, err
	}
	return blob, meta, nil
}

// Get returns metadata only.
func (f *FileStore) Get(id string) (FileMeta, error) {
	return f.store.GetFileMeta(id)
}

// List returns metadata for stored files, optionally filtered by owner.
func (f *FileStore) List(ownerID string) ([]FileMeta, error) {
	return f.store.ListFiles(ownerID)
}

// sanitizeFilename keeps a safe subset of the original name for the
// on-disk path: letters, digits, dot, dash and underscore; spaces
// become dashes, everything else is dropped. Capped at 60 runes.
func sanitizeFilename(name string) string {
	const maxLen = 60
	var (
		b     strings.Builder
		count int
	)
	for _, r := range name {
		if count >= maxLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('-')
		default:
			continue
		}
		count++
	}
	out := strings.Trim(b.String(), "-._")
	if out == "" {
		return "file"
	}
	return out
}
